package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cbodonnell/tally/pkg/api"
	"github.com/cbodonnell/tally/pkg/authority"
	"github.com/cbodonnell/tally/pkg/config"
	"github.com/cbodonnell/tally/pkg/log"
	"github.com/cbodonnell/tally/pkg/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	seedFile := flag.String("seed", "", "JSON file with the initial ledger")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	parsedLogLevel, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)
	log.Info("Log level set to %s", parsedLogLevel)

	log.Info("Starting authority version %s", version.Get())

	cfg, err := config.FromEnv()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ledger := api.NewLedger(api.NewLedgerOptions{})
	if *seedFile != "" {
		if err := loadSeed(ledger, *seedFile); err != nil {
			panic(fmt.Sprintf("Failed to load seed: %v", err))
		}
		log.Info("Loaded ledger from %s", *seedFile)
	}

	server := api.NewAPIServer(api.NewAPIServerOptions{
		Addr:      cfg.ListenAddr,
		Authority: authority.Traced(ledger),
		Ledger:    ledger,
		Metrics:   promhttp.Handler(),
	})
	go server.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("Shutting down authority")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop API server: %v", err)
	}
}

func loadSeed(ledger *api.Ledger, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed api.Seed
	if err := json.Unmarshal(b, &seed); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return ledger.Load(seed)
}
