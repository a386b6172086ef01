// Package metastore pools long-lived clients of a Hive-compatible metastore.
//
// ClientPool supplies the lib/pool engine with the metastore specific parts
// of a client's life: how one is built through a Factory, how a broken one is
// healed in place, how a dead connection is told apart from an ordinary
// failure, and how one is torn down.
//
// Two client implementations are registered by default. "remote" talks
// JSON-RPC to a metastore server and fails over across its configured URIs.
// "embedded" opens a local catalog directory, which only one client at a time
// may hold.
//
//	p, err := metastore.NewClientPool(4, metastore.Conf{URIs: []string{"tcp://meta:9083"}})
//	if err != nil {
//		return err
//	}
//	defer p.Close()
//
//	names, err := metastore.Do(ctx, p, func(c metastore.Client) ([]string, error) {
//		return c.GetAllDatabases(ctx)
//	})
package metastore
