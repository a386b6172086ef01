// metapool serves a metastore catalog and manages pooled metastore clients.
//
// Usage:
//
//	metapool [flags] [serve]
//	metapool [flags] <command> [args]
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.metapool/config.toml")
//	-data-dir string
//	    Data directory (overrides config)
//	-uri string
//	    Metastore URI for client commands (overrides config)
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-i2p/metapool/lib/core"
	apperrors "github.com/go-i2p/metapool/lib/errors"
	"github.com/go-i2p/metapool/lib/metastore"
	"github.com/go-i2p/metapool/lib/rpc"
	"github.com/go-i2p/metapool/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".metapool", "config.toml")

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	uri := flag.String("uri", "", "Metastore URI for client commands (overrides config)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "metapool - pooled metastore clients and catalog server\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  metapool [flags] [serve]              Start the server\n")
		fmt.Fprintf(os.Stderr, "  metapool [flags] <command> [args...]  Run a client command\n\n")
		printCommands()
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("metapool version %s\n", version.Full())
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	if *dataDir != "" {
		cfg.Server.DataDir = *dataDir
		if *uri == "" && cfg.Server.Socket != "" {
			cfg.Metastore.URIs = []string{"unix://" + cfg.SocketPath()}
		}
	}
	if *uri != "" {
		cfg.Metastore.URIs = []string{*uri}
	}

	args := flag.Args()
	if len(args) == 0 || args[0] == "serve" {
		return serve(cfg, logger)
	}
	if args[0] == "version" {
		fmt.Printf("metapool version %s\n", version.Full())
		return 0
	}
	return handleCommand(cfg, args[0], args[1:])
}

// serve runs the metastore server until SIGINT or SIGTERM.
func serve(cfg *core.Config, logger *slog.Logger) int {
	svc, err := core.NewService(cfg, logger)
	if err != nil {
		logger.Error("failed to create service", "error", err)
		return 1
	}
	svc.SetOnError(func(err error, message string) {
		logger.Error(message, "error", err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start service", "error", err)
		return 1
	}

	logger.Info("metapool started", "backend", cfg.Server.Backend, "version", version.Version)

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-svc.Done():
		logger.Info("service stopped unexpectedly")
		return 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return 1
	}

	logger.Info("metapool stopped")
	return 0
}

func printCommands() {
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve                    Start the server (default)")
	fmt.Fprintln(os.Stderr, "  ping                     Check the local server")
	fmt.Fprintln(os.Stderr, "  databases                List databases")
	fmt.Fprintln(os.Stderr, "  database NAME            Show a database")
	fmt.Fprintln(os.Stderr, "  create-db NAME [DESC]    Create a database")
	fmt.Fprintln(os.Stderr, "  drop-db NAME             Drop a database")
	fmt.Fprintln(os.Stderr, "  version                  Print version")
}

// handleCommand runs one client command through a single-client pool.
func handleCommand(cfg *core.Config, command string, args []string) int {
	ctx := context.Background()

	if command == "ping" {
		return cmdPing(ctx, cfg)
	}

	var fn func(context.Context, *metastore.ClientPool, []string) error
	switch command {
	case "databases":
		fn = cmdDatabases
	case "database":
		fn = cmdDatabase
	case "create-db":
		fn = cmdCreateDatabase
	case "drop-db":
		fn = cmdDropDatabase
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printCommands()
		return 1
	}

	cfg.Pool.Size = 1
	cp, err := cfg.NewClientPool("cli")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cp.Close()

	if err := fn(ctx, cp, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, apperrors.ErrConnection) {
			fmt.Fprintf(os.Stderr, "Is the metastore running at %v?\n", cfg.Metastore.URIs)
		}
		return 1
	}
	return 0
}

func cmdPing(ctx context.Context, cfg *core.Config) int {
	client, err := rpc.NewClient(rpc.ClientConfig{
		UnixSocketPath: cfg.SocketPath(),
		Timeout:        cfg.Metastore.ConnectTimeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to server: %v\n", err)
		fmt.Fprintf(os.Stderr, "Is metapool serve running?\n")
		return 1
	}
	defer client.Close()

	result, err := client.Ping(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Address:   %s\n", client.Address())
	fmt.Printf("Version:   %s\n", result.Version)
	fmt.Printf("Protocol:  %s\n", result.Protocol)
	fmt.Printf("Time:      %s\n", result.Time.Format(time.RFC3339))
	return 0
}

func cmdDatabases(ctx context.Context, cp *metastore.ClientPool, _ []string) error {
	names, err := metastore.Do(ctx, cp, func(c metastore.Client) ([]string, error) {
		return c.GetAllDatabases(ctx)
	})
	if err != nil {
		return err
	}

	if len(names) == 0 {
		fmt.Println("No databases")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func cmdDatabase(ctx context.Context, cp *metastore.ClientPool, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: metapool database NAME")
	}
	db, err := metastore.Do(ctx, cp, func(c metastore.Client) (*metastore.Database, error) {
		return c.GetDatabase(ctx, args[0])
	})
	if err != nil {
		return err
	}

	fmt.Printf("Name:        %s\n", db.Name)
	if db.Description != "" {
		fmt.Printf("Description: %s\n", db.Description)
	}
	if db.LocationURI != "" {
		fmt.Printf("Location:    %s\n", db.LocationURI)
	}
	if db.OwnerName != "" {
		fmt.Printf("Owner:       %s\n", db.OwnerName)
	}
	for k, v := range db.Parameters {
		fmt.Printf("  %s = %s\n", k, v)
	}
	fmt.Printf("Created:     %s\n", db.CreateTime.Format(time.RFC3339))
	return nil
}

func cmdCreateDatabase(ctx context.Context, cp *metastore.ClientPool, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: metapool create-db NAME [DESCRIPTION]")
	}
	db := &metastore.Database{Name: args[0]}
	if len(args) == 2 {
		db.Description = args[1]
	}
	if err := cp.Run(ctx, func(c metastore.Client) error {
		return c.CreateDatabase(ctx, db)
	}); err != nil {
		return err
	}
	fmt.Printf("Created database %s\n", db.Name)
	return nil
}

func cmdDropDatabase(ctx context.Context, cp *metastore.ClientPool, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: metapool drop-db NAME")
	}
	if err := cp.Run(ctx, func(c metastore.Client) error {
		return c.DropDatabase(ctx, args[0])
	}); err != nil {
		return err
	}
	fmt.Printf("Dropped database %s\n", args[0])
	return nil
}
