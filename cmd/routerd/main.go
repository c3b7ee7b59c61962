package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omnivenue/routing/internal/config"
	"github.com/omnivenue/routing/internal/monitor"
	"github.com/omnivenue/routing/internal/quality"
	"github.com/omnivenue/routing/internal/router"
	"github.com/omnivenue/routing/internal/supervisor"
	"github.com/omnivenue/routing/internal/venue"
	"github.com/omnivenue/routing/pkg/bus"
	"github.com/omnivenue/routing/pkg/types"
	"github.com/omnivenue/routing/services/binance"
	"github.com/omnivenue/routing/services/bybit"
	"github.com/omnivenue/routing/services/synthdata"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	log := logrus.WithField("component", "routerd")
	log.WithField("version", version).Info("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	registry := venue.NewRegistry()
	registry.Register("binance", binance.New)
	registry.Register("bybit", bybit.New)

	analyzer := quality.New(quality.Config{
		EWMAWeight:       cfg.Quality.EWMAWeight,
		LatencyLow:       cfg.Quality.LatencyLow,
		LatencyMedium:    cfg.Quality.LatencyMedium,
		LatencyCritical:  cfg.Quality.LatencyCritical,
		SlippageLow:      cfg.Quality.SlippageLow,
		SlippageMedium:   cfg.Quality.SlippageMedium,
		SlippageCritical: cfg.Quality.SlippageCritical,
	})
	rt := router.New(router.Config{
		MaxRetries:  cfg.Router.MaxRetries,
		BackoffBase: cfg.Router.BackoffBase,
		BackoffCap:  cfg.Router.BackoffCap,
		QuoteTTL:    cfg.Router.QuoteTTL,
	}, analyzer)
	defer rt.Stop()

	var busClient *bus.Client
	if cfg.NATSURL != "" {
		busClient, err = bus.Connect(cfg.NATSURL, "routerd")
		if err != nil {
			log.WithError(err).Warn("NATS unavailable, continuing without publishing")
		} else {
			defer busClient.Close()
		}
	}

	var sups []*supervisor.Supervisor
	for name, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		live, err := registry.Build(name, vc.Credential())
		if err != nil {
			log.WithError(err).WithField("venue", name).Error("failed to build adapter")
			continue
		}

		sup := supervisor.New(live, synthdata.New(name, time.Second), supervisor.Config{
			MaxRetries:      cfg.Supervisor.MaxRetries,
			BackoffBase:     cfg.Supervisor.BackoffBase,
			BackoffCap:      cfg.Supervisor.BackoffCap,
			RecheckInterval: cfg.Supervisor.RecheckInterval,
			StaleAfter:      cfg.Supervisor.StaleAfter,
		})

		if err := sup.Connect(ctx); err != nil {
			var authErr *types.AuthError
			if errors.As(err, &authErr) {
				log.WithError(err).WithField("venue", name).Error("credentials rejected, venue disabled")
				continue
			}
			log.WithError(err).WithField("venue", name).Error("connect failed")
			continue
		}
		sups = append(sups, sup)

		if err := rt.AddVenue(sup); err != nil {
			log.WithError(err).WithField("venue", name).Error("failed to register venue")
		}
	}
	if len(sups) == 0 {
		log.Fatal("no venue could be started")
	}
	defer func() {
		for _, sup := range sups {
			if err := sup.Disconnect(); err != nil {
				log.WithError(err).WithField("venue", sup.Name()).Warn("disconnect failed")
			}
		}
	}()

	for _, symbol := range cfg.Symbols {
		if err := rt.Watch(symbol); err != nil {
			log.WithError(err).WithField("symbol", symbol).Error("failed to watch symbol")
		}
	}

	if busClient != nil {
		startPublishers(ctx, busClient, sups, cfg.Symbols, analyzer, rt, log)
	}

	checker := monitor.NewHealthChecker(version)
	checker.RegisterCheck("venues", monitor.VenuesHealthCheck(rt))
	if busClient != nil {
		checker.RegisterCheck("bus", monitor.BusHealthCheck(busClient))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	server := &http.Server{Addr: cfg.HealthAddr, Handler: mux}
	go func() {
		log.WithField("addr", cfg.HealthAddr).Info("health endpoint listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("health server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("health server shutdown failed")
	}
	log.Info("stopped")
}

// startPublishers forwards ticks, quality alerts and periodic venue health
// to the bus for out-of-process consumers.
func startPublishers(ctx context.Context, busClient *bus.Client, sups []*supervisor.Supervisor,
	symbols []string, analyzer *quality.Analyzer, rt *router.Router, log *logrus.Entry) {

	for _, sup := range sups {
		for _, symbol := range symbols {
			if _, err := sup.Subscribe(symbol, func(q types.Quote) {
				if err := busClient.PublishTick(q); err != nil {
					log.WithError(err).Debug("tick publish failed")
				}
			}); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"venue": sup.Name(), "symbol": symbol,
				}).Warn("tick publisher subscription failed")
			}
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case alert := <-analyzer.Alerts():
				if err := busClient.PublishAlert(alert); err != nil {
					log.WithError(err).Debug("alert publish failed")
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := busClient.PublishHealth(rt.GetVenueHealth()); err != nil {
					log.WithError(err).Debug("health publish failed")
				}
			}
		}
	}()
}
