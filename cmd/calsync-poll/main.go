// calsync-poll runs a single reconciliation cycle and prints the report as
// JSON, for cron-driven setups and manual runs during debugging.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	"github.com/AndrisJefimovs/cal-sync/internal/calsync"
	"github.com/AndrisJefimovs/cal-sync/internal/config"
	"github.com/AndrisJefimovs/cal-sync/internal/feed"
)

func main() {
	configPath := flag.String("config", "calsync.yaml", "path to the YAML config file")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall cycle timeout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Feed.URL == "" {
		log.Fatalf("no feed url configured in %s", *configPath)
	}
	location, err := cfg.Location()
	if err != nil {
		log.Fatalf("invalid timezone: %v", err)
	}

	stateBackend, err := calsync.BuildStateBackendFromDSN(cfg.StoreDSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	store, err := calsync.NewStoreWithOptions(calsync.StoreOptions{
		StateBackend: stateBackend,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	dispatcher := calsync.NewDispatcher(calsync.DispatcherOptions{
		Store:   store,
		Timeout: cfg.BackendTimeout(),
		Logger:  log.Default(),
	})
	engine := calsync.NewEngine(calsync.EngineOptions{
		Store:      store,
		Dispatcher: dispatcher,
		Mapping:    cfg.Mapping,
		Location:   location,
		Workers:    cfg.DispatchWorkers,
		Logger:     log.Default(),
	})
	runner := calsync.NewRunner(calsync.RunnerOptions{
		Provider:  feed.NewHTTPCSVProvider(cfg.Feed.URL, cfg.Feed.Token, nil),
		Engine:    engine,
		SourceID:  cfg.Feed.SourceID,
		ReadRange: cfg.Feed.Range,
		Logger:    log.Default(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report, err := runner.RunCycle(ctx)
	if err != nil {
		if errors.Is(err, feed.ErrUnavailable) {
			log.Printf("feed unavailable: %v", err)
			os.Exit(1)
		}
		log.Fatalf("cycle failed: %v", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		log.Fatalf("failed to encode report: %v", err)
	}
}
