// SPDX-License-Identifier: MIT
// orcha - persistent ETL-style task orchestrator: scheduler, task
// runner and message broker in a single process, following
// _examples/apimgr-vidveil/src/main.go's CLI/daemon shape.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/AvantDataSolutions/orcha-sub000/src/cache"
	"github.com/AvantDataSolutions/orcha-sub000/src/common/version"
	"github.com/AvantDataSolutions/orcha-sub000/src/config"
	"github.com/AvantDataSolutions/orcha-sub000/src/logsink"
	"github.com/AvantDataSolutions/orcha-sub000/src/metrics"
	"github.com/AvantDataSolutions/orcha-sub000/src/models"
	"github.com/AvantDataSolutions/orcha-sub000/src/monitor"
	"github.com/AvantDataSolutions/orcha-sub000/src/mqueue"
	"github.com/AvantDataSolutions/orcha-sub000/src/runner"
	"github.com/AvantDataSolutions/orcha-sub000/src/runtime"
	"github.com/AvantDataSolutions/orcha-sub000/src/scheduler"
	serversignal "github.com/AvantDataSolutions/orcha-sub000/src/server/signal"
	"github.com/AvantDataSolutions/orcha-sub000/src/store"
)

// Build info, set via -ldflags at build time.
var (
	Version   = "dev"
	CommitID  = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Keep a version loaded from release.txt unless -ldflags set one here.
	if Version != "dev" {
		version.Version = Version
	}
	version.CommitID = CommitID
	version.BuildTime = BuildDate
}

func main() {
	configDir := flag.String("config", "", "configuration directory")
	dataDir := flag.String("data", "", "data directory")
	printVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *printVersion {
		fmt.Println(version.GetFull())
		return
	}

	cfg, cfgPath, err := config.Load(*configDir, *dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "orcha: loading config:", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Logs.Level)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	log.Info("orcha starting", "version", version.GetShort(), "config", cfgPath, "mode", cfg.Server.Mode)

	pidPath := ""
	if cfg.Server.PIDFile {
		paths := config.GetPaths(*configDir, *dataDir)
		pidPath = filepath.Join(paths.Data, "orcha.pid")
		if err := serversignal.WritePIDFile(pidPath, "orcha"); err != nil {
			log.Error("orcha: pid file", "error", err)
			os.Exit(1)
		}
		defer serversignal.RemovePIDFile(pidPath)
	}

	if err := run(context.Background(), cfg, log, pidPath); err != nil {
		log.Error("orcha exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger, pidPath string) error {
	st, err := store.Open(store.Config{
		Driver:      store.Driver(cfg.Database.Driver),
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		Name:        cfg.Database.Name,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		SSLMode:     cfg.Database.SSLMode,
		Path:        cfg.Database.Path,
		JournalMode: cfg.Database.JournalMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	mtx := metrics.New()
	sink := logsink.New(st, cfg.Server.AppName)

	registry, err := cache.New(cache.Config{
		Backend:  cache.BackendType(cfg.Cache.Type),
		Addr:     fmt.Sprintf("%s:%d", cfg.Cache.Host, cfg.Cache.Port),
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
		Prefix:   cfg.Cache.Prefix,
		TTL:      time.Duration(cfg.Cache.TTL) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("building cache registry: %w", err)
	}
	defer registry.Close()

	broker, err := mqueue.New(ctx, st, registry, mtx, log.With("component", "broker"))
	if err != nil {
		return fmt.Errorf("building broker: %w", err)
	}
	brokerURL := fmt.Sprintf("http://%s:%d", cfg.Broker.Address, cfg.Broker.Port)
	producer := mqueue.NewProducer(brokerURL)

	rt := runtime.Initialise(st, producer, sink, cfg.Server.AppName, mtx)

	consumer := mqueue.NewConsumer(cfg.Consumer.Name, brokerURL, log.With("component", "consumer"))
	alertMonitor := monitor.New(rt, &monitor.LogAlerter{Log: log.With("component", "monitor")}, cfg.Monitor.Lookback, cfg.Monitor.Threshold)
	consumer.OnChannel(models.RunFailedChannel, alertMonitor.HandleRunFailed)

	taskRunner := runner.New(rt, log.With("component", "runner"), time.Duration(cfg.Runner.TaskTimeoutSeconds)*time.Second, cfg.Runner.UseThreadGroups)

	schedCfg := scheduler.Config{
		TaskRefreshInterval:    time.Duration(cfg.Scheduler.TaskRefreshSeconds) * time.Second,
		FailUnstartedRuns:      cfg.Scheduler.FailUnstartedRuns,
		DisableStaleTasks:      cfg.Scheduler.DisableStaleTasks,
		PruneRunsMaxAge:        cfg.Scheduler.PruneRunsMaxAge(),
		PruneLogsMaxAge:        cfg.Scheduler.PruneLogsMaxAge(),
		PruneInterval:          time.Duration(cfg.Scheduler.PruneIntervalSeconds) * time.Second,
		FailHistoricalRuns:     cfg.Scheduler.FailHistoricalRuns,
		FailHistoricalAge:      cfg.Scheduler.FailHistoricalAge(),
		FailHistoricalInterval: time.Duration(cfg.Scheduler.FailHistoricalInterval) * time.Second,
	}
	sched := scheduler.New(rt, log.With("component", "scheduler"), schedCfg, sink)

	brokerSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Broker.Address, cfg.Broker.Port), Handler: broker.Router()}
	consumerSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Consumer.Address, cfg.Consumer.Port), Handler: consumer.Router()}
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Endpoint, mtx.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
	}

	errCh := make(chan error, 3)
	go func() { errCh <- listenAndServe(brokerSrv, "broker") }()
	go func() { errCh <- listenAndServe(consumerSrv, "consumer") }()
	if metricsSrv != nil {
		go func() { errCh <- listenAndServe(metricsSrv, "metrics") }()
	}

	if err := registerSelf(ctx, brokerURL, cfg.Consumer, models.RunFailedChannel); err != nil {
		log.Warn("orcha: registering embedded monitor consumer failed", "error", err)
	}

	sched.Start(ctx)
	taskRunner.StartAll(ctx)

	shutdownCh := make(chan struct{})
	serversignal.SetupSignalHandler(func(shutdownCtx context.Context) {
		log.Info("orcha: shutting down")
		sched.Stop()
		taskRunner.StopAll()
		brokerSrv.Shutdown(shutdownCtx)
		consumerSrv.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			metricsSrv.Shutdown(shutdownCtx)
		}
		close(shutdownCh)
	}, pidPath)

	select {
	case err := <-errCh:
		return err
	case <-shutdownCh:
		return nil
	}
}

func listenAndServe(srv *http.Server, name string) error {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// registerSelf calls the broker's own /register-consumer endpoint to
// attach the embedded monitor consumer to channel, matching the
// producer/consumer HTTP contract in spec.md §4.6/§4.7 rather than
// reaching into the store directly from main.
func registerSelf(ctx context.Context, brokerURL string, c config.ConsumerConfig, channel string) error {
	// Give the broker's freshly-started listener a moment; a short
	// retry loop is enough for a same-process startup race.
	var lastErr error
	for i := 0; i < 10; i++ {
		if err := postRegister(ctx, brokerURL, c, channel); err != nil {
			lastErr = err
			time.Sleep(200 * time.Millisecond)
			continue
		}
		return nil
	}
	return lastErr
}

type registerConsumerPayload struct {
	Channel      string `json:"channel"`
	ConsumerName string `json:"consumer_name"`
	URL          string `json:"url"`
}

func postRegister(ctx context.Context, brokerURL string, c config.ConsumerConfig, channel string) error {
	payload, err := json.Marshal(registerConsumerPayload{Channel: channel, ConsumerName: c.Name, URL: c.SelfURL})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, brokerURL+"/register-consumer", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("register-consumer returned status %d", resp.StatusCode)
	}
	return nil
}
