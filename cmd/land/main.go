package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/multierr"

	"land-election/internal/config"
)

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Printf("usage: %s config | server ...\n", os.Args[0])
		os.Exit(2)
	}
	switch args[0] {
	case "config":
		generateConfig(args[1:])
	case "server":
		if err := runServer(args[1:]); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	default:
		fmt.Printf("unknown sub-command: %s\n", args[0])
		os.Exit(2)
	}
}

func generateConfig(args []string) {
	flagset := flag.NewFlagSet("config", flag.ExitOnError)
	file := flagset.String("file", "cluster.yaml", "path of the config file to write")
	servers := flagset.String("servers", "localhost:7001,localhost:7002,localhost:7003", "comma-separated addresses of the servers")
	dataDir := flagset.String("data-dir", "./data", "directory for the term and vote of each server, empty to keep them in memory")
	_ = flagset.Parse(args)

	cfg := config.Generate(strings.Split(*servers, ","))
	cfg.DataDir = *dataDir
	data, err := cfg.Marshal()
	if err != nil {
		log.Fatalf("Failed to encode config: %v", err)
	}
	if err := os.WriteFile(*file, data, 0o644); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	log.Printf("Wrote config for %d servers to %s", len(cfg.Peers), *file)
}

func runServer(args []string) (err error) {
	flagset := flag.NewFlagSet("server", flag.ExitOnError)
	configFile := flagset.String("config", "cluster.yaml", "YAML file with the cluster and its timings")
	id := flagset.String("id", "", "id of this server, overrides the id in the config file")
	verbose := flagset.Bool("verbose", false, "log debug lines")
	metricsOut := flagset.String("metrics-out", "", "write the metrics report as JSON to this file on shutdown")
	_ = flagset.Parse(args)

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if *id != "" {
		cfg.ID = *id
	}
	if cfg.ID == "" {
		return fmt.Errorf("no server id: set -id or id in %s", *configFile)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", *configFile, err)
	}

	srv, err := newLandServer(cfg, *verbose)
	if err != nil {
		return err
	}
	log.Printf("Server %s is running on %s with %d peers", cfg.ID, srv.lis.Addr(), len(cfg.Peers)-1)

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-signalCtx.Done():
	case err = <-srv.serveErr:
		log.Printf("gRPC server stopped: %v", err)
	}

	log.Println("Shutting down...")
	err = multierr.Append(err, srv.shutdown())

	report := srv.metrics.GetReport(cfg.ID, len(cfg.Peers))
	report.PrintReport(os.Stdout)
	if *metricsOut != "" {
		err = multierr.Append(err, report.SaveJSON(*metricsOut))
	}
	return err
}
