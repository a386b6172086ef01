package pool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the pool metrics. It is separate from the global Prometheus
// registry so embedding programs decide where, and whether, to expose them.
var Registry = prometheus.NewRegistry()

// acquireLatency tracks time spent acquiring a client.
var acquireLatency = promauto.With(Registry).NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "metapool",
		Subsystem: "pool",
		Name:      "acquire_duration_seconds",
		Help:      "Time spent acquiring a client from the pool",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"pool"},
)

var labels = []string{"pool"}

func desc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName("metapool", "pool", name), help, labels, nil)
}

var (
	descMaxSize     = desc("clients_max", "Maximum number of clients in the pool")
	descOpen        = desc("clients_open", "Current number of live clients")
	descIdle        = desc("clients_idle", "Current number of idle clients")
	descInUse       = desc("clients_in_use", "Number of clients currently borrowed")
	descSuspect     = desc("clients_suspect", "Idle clients waiting to be reconnected")
	descAcquire     = desc("acquire_total", "Total number of acquire attempts")
	descAcquireOK   = desc("acquire_success_total", "Total number of successful acquires")
	descAcquireFail = desc("acquire_failed_total", "Total number of failed acquires")
	descRelease     = desc("release_total", "Total number of releases")
	descCreated     = desc("created_total", "Total number of clients created")
	descReconnect   = desc("reconnect_total", "Total number of successful reconnects")
	descReconnectKO = desc("reconnect_failed_total", "Total number of failed reconnects")
	descDiscarded   = desc("discarded_total", "Total number of discarded clients")
)

type statser interface {
	Stats() Stats
}

// statsCollector reads Stats from every open pool at scrape time.
type statsCollector struct {
	mu    sync.Mutex
	pools map[string]statser
}

var collector = &statsCollector{pools: make(map[string]statser)}

func init() {
	Registry.MustRegister(collector)
}

func registerPool(name string, p statser) {
	collector.mu.Lock()
	collector.pools[name] = p
	collector.mu.Unlock()
}

func unregisterPool(name string, p statser) {
	collector.mu.Lock()
	if collector.pools[name] == p {
		delete(collector.pools, name)
	}
	collector.mu.Unlock()
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descMaxSize, descOpen, descIdle, descInUse, descSuspect,
		descAcquire, descAcquireOK, descAcquireFail, descRelease,
		descCreated, descReconnect, descReconnectKO, descDiscarded,
	} {
		ch <- d
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	pools := make(map[string]statser, len(c.pools))
	for name, p := range c.pools {
		pools[name] = p
	}
	c.mu.Unlock()

	gauge := func(d *prometheus.Desc, v int, name string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), name)
	}
	counter := func(d *prometheus.Desc, v uint64, name string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), name)
	}

	for name, p := range pools {
		s := p.Stats()
		gauge(descMaxSize, s.MaxSize, name)
		gauge(descOpen, s.NumOpen, name)
		gauge(descIdle, s.NumIdle, name)
		gauge(descInUse, s.NumInUse, name)
		gauge(descSuspect, s.NumSuspect, name)
		counter(descAcquire, s.AcquireCount, name)
		counter(descAcquireOK, s.AcquireSuccess, name)
		counter(descAcquireFail, s.AcquireFailed, name)
		counter(descRelease, s.ReleaseCount, name)
		counter(descCreated, s.Created, name)
		counter(descReconnect, s.Reconnects, name)
		counter(descReconnectKO, s.ReconnectFailures, name)
		counter(descDiscarded, s.Discarded, name)
	}
}
