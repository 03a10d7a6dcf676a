package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/AndrisJefimovs/cal-sync/internal/calsync"
	"github.com/AndrisJefimovs/cal-sync/internal/config"
	"github.com/AndrisJefimovs/cal-sync/internal/feed"
	"github.com/AndrisJefimovs/cal-sync/internal/httpapi"
	"github.com/AndrisJefimovs/cal-sync/internal/metrics"
)

func main() {
	configPath := flag.String("config", "calsync.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyEnvOverrides(&cfg)

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

	registry := prometheus.NewRegistry()
	metricSet := metrics.New(registry)

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
		Metrics:    metricSet,
	})

	hub := httpapi.NewReportHub()
	var runner *calsync.Runner
	if cfg.Feed.URL != "" {
		runner = calsync.NewRunner(calsync.RunnerOptions{
			Provider:  feed.NewHTTPCSVProvider(cfg.Feed.URL, cfg.Feed.Token, nil),
			Engine:    engine,
			SourceID:  cfg.Feed.SourceID,
			ReadRange: cfg.Feed.Range,
			Logger:    log.Default(),
			Metrics:   metricSet,
			OnReport:  hub.Broadcast,
		})
	} else {
		log.Printf("no feed url configured, scheduled polling disabled")
	}

	server, err := httpapi.NewServer(httpapi.ServerOptions{
		Store:          store,
		Runner:         runner,
		Hub:            hub,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Config: httpapi.ServerConfig{
			JWTSecret: cfg.AuthSecret,
		},
		Logger: log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to build http server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := cron.New()
	var scheduleMu sync.Mutex
	var scheduleID cron.EntryID
	schedule := func(expr string) error {
		if runner == nil {
			return nil
		}
		scheduleMu.Lock()
		defer scheduleMu.Unlock()
		id, err := scheduler.AddFunc(expr, func() {
			runner.TryRunCycle(ctx)
		})
		if err != nil {
			return err
		}
		if scheduleID != 0 {
			scheduler.Remove(scheduleID)
		}
		scheduleID = id
		return nil
	}
	if err := schedule(cfg.PollCron); err != nil {
		log.Fatalf("invalid poll schedule %q: %v", cfg.PollCron, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	currentCron := cfg.PollCron
	err = config.Watch(ctx, *configPath, func(next config.Config) {
		applyEnvOverrides(&next)
		log.Printf("config reloaded from %s", *configPath)
		engine.SetMapping(next.Mapping)
		if loc, err := next.Location(); err == nil {
			engine.SetLocation(loc)
		} else {
			log.Printf("reload kept previous timezone: %v", err)
		}
		if runner != nil {
			runner.UpdateFeed(next.Feed.SourceID, next.Feed.Range)
		}
		if next.PollCron != currentCron {
			if err := schedule(next.PollCron); err != nil {
				log.Printf("reload kept previous poll schedule: %v", err)
			} else {
				currentCron = next.PollCron
			}
		}
	}, func(err error) {
		log.Printf("config watch: %v", err)
	})
	if err != nil {
		log.Printf("config watching disabled: %v", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: server,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("calsyncd listening on %s", cfg.Listen)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func applyEnvOverrides(cfg *config.Config) {
	if v := strings.TrimSpace(os.Getenv("CALSYNC_ADDR")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("CALSYNC_STORE_DSN")); v != "" {
		cfg.StoreDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("CALSYNC_AUTH_SECRET")); v != "" {
		cfg.AuthSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("CALSYNC_FEED_URL")); v != "" {
		cfg.Feed.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("CALSYNC_FEED_TOKEN")); v != "" {
		cfg.Feed.Token = v
	}
}
