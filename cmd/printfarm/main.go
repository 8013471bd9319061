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

	"github.com/sirupsen/logrus"

	"github.com/orrn/printfarm/internal/api"
	"github.com/orrn/printfarm/internal/config"
	"github.com/orrn/printfarm/internal/core"
	"github.com/orrn/printfarm/internal/db"
	"github.com/orrn/printfarm/internal/discovery"
	"github.com/orrn/printfarm/internal/logging"
	"github.com/orrn/printfarm/internal/notify"
	"github.com/orrn/printfarm/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "printfarm: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("printfarm stopped")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	store, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return err
	}
	defer store.Close()

	history := db.NewJobHistory(store, logger, cfg.Events.QueueSize)
	defer history.Close()

	notifiers := notify.Fanout{history}

	if len(cfg.Events.Webhooks) > 0 {
		webhooks := notify.NewWebhookSender(cfg.Events, logger)
		webhooks.Start()
		defer webhooks.Stop()
		notifiers = append(notifiers, webhooks)
	}

	if len(cfg.Events.Kafka.Brokers) > 0 {
		publisher := notify.NewKafkaPublisher(cfg.Events.Kafka, cfg.Events.QueueSize, logger)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.WithError(err).Error("Failed to close Kafka writer")
			}
		}()
		notifiers = append(notifiers, publisher)
	}

	opener := transport.Options{
		BaudRate:     cfg.Printers.BaudRate,
		StartupDelay: cfg.Printers.StartupDelay,
	}.Opener()

	farm := core.NewFarm(core.OptionsFromConfig(&cfg.Printers), opener, notifiers, store, logger)
	defer farm.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, p := range cfg.Printers.Roster {
		if err := farm.AddPrinter(ctx, core.PrinterID(p.ID), p.Endpoint); err != nil {
			logger.WithError(err).WithField("printer_id", p.ID).Error("Failed to add configured printer")
		}
	}
	if err := farm.Restore(ctx); err != nil {
		logger.WithError(err).Error("Failed to restore printers")
	}

	if cfg.Discovery.Enabled {
		go discovery.New(cfg.Discovery, farm, logger).Run(ctx)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(farm, store, cfg.Server, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":     srv.Addr,
			"printers": len(farm.ListPrinters()),
		}).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	return nil
}
