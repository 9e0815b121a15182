package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cbodonnell/tally/pkg/authority"
	"github.com/cbodonnell/tally/pkg/client"
	"github.com/cbodonnell/tally/pkg/config"
	"github.com/cbodonnell/tally/pkg/events"
	"github.com/cbodonnell/tally/pkg/log"
	"github.com/cbodonnell/tally/pkg/metrics"
	"github.com/cbodonnell/tally/pkg/notify"
	"github.com/cbodonnell/tally/pkg/repositories"
	"github.com/cbodonnell/tally/pkg/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	parsedLogLevel, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)
	log.Info("Log level set to %s", parsedLogLevel)

	log.Info("Starting tally client version %s", version.Get())

	cfg, err := config.FromEnv()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repository, err := repositories.Open(ctx, cfg.RepositoryURL)
	if err != nil {
		panic(fmt.Sprintf("Failed to open repository: %v", err))
	}
	defer repository.Close(context.Background())

	ws := authority.NewWSClient(authority.NewWSClientOptions{URL: cfg.AuthorityURL})
	defer ws.Close()

	bus := events.NewBus(events.NewBusOptions{})
	events.Subscribe(bus, func(n notify.Notification) {
		log.Info("[%s] %s: %s", n.Severity, n.Title, n.Message)
	})

	c, err := client.New(client.NewClientOptions{
		Config:     cfg,
		Authority:  authority.Traced(ws),
		Repository: repository,
		Metrics:    metrics.New(nil),
		Bus:        bus,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to create client: %v", err))
	}
	defer c.Close()

	if err := c.Restore(ctx); err != nil {
		log.Error("Failed to restore cached state: %v", err)
	}
	if err := c.Sync(ctx); err != nil {
		log.Warn("Starting without fresh data: %v", err)
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Start(ctx)
	})
	g.Go(func() error {
		log.Info("Metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Client stopped with error: %v", err)
	}
	log.Info("Client stopped with %d pending operations", c.PendingOperations())
}
