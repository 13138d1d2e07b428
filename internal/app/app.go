// Package app assembles the chat stack from configuration. Both the HTTP
// server and the terminal client start from New.
package app

import (
	"context"
	"fmt"
	"time"

	appchat "github.com/connortoro/aicompare/application/chat"
	appconv "github.com/connortoro/aicompare/application/conversation"
	"github.com/connortoro/aicompare/domain/models"
	"github.com/connortoro/aicompare/domain/persistence"
	"github.com/connortoro/aicompare/infrastructure/openrouter"
	infrapersistence "github.com/connortoro/aicompare/infrastructure/persistence"
	"github.com/connortoro/aicompare/infrastructure/render"
	httpiface "github.com/connortoro/aicompare/interfaces/http"
	"github.com/connortoro/aicompare/internal/config"

	"github.com/sirupsen/logrus"
)

type App struct {
	Config     *config.Config
	Catalog    *models.Catalog
	Renderer   *render.Renderer
	Breaker    *openrouter.CircuitBreakerProvider
	Service    *appchat.Service
	Dispatcher *appchat.Dispatcher
	Controller *appconv.Controller

	// Set only when persistence is enabled.
	Database  *infrapersistence.DatabaseManager
	Processor *infrapersistence.EventProcessor
	Exchanges persistence.ExchangeRepository
}

// ConfigureLogging applies level, formatter and caller reporting to the
// standard logrus logger.
func ConfigureLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logrus.SetReportCaller(cfg.ReportCaller)
}

// New wires provider, breaker, service, dispatcher and conversation, plus the
// database and event processor when persistence is enabled. The conversation
// is loaded before New returns.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("invalid model catalog: %w", err)
	}

	a := &App{
		Config:   cfg,
		Catalog:  catalog,
		Renderer: render.New(render.WithStyle(cfg.Chat.CodeStyle)),
	}

	baseProvider := openrouter.NewProvider(cfg.LLMProvider.APIKey, cfg.LLMProvider.BaseURL, cfg.Server.RefererURL, cfg.Server.AppName, cfg.LLMProvider.Timeout)

	breakerConfig := openrouter.CircuitBreakerConfig{
		Enabled:          cfg.CircuitBreaker.Enabled,
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
		MaxRequests:      cfg.CircuitBreaker.MaxRequests,
	}
	a.Breaker = openrouter.NewCircuitBreakerProvider(baseProvider, baseProvider, breakerConfig)

	logrus.WithFields(logrus.Fields{
		"enabled":           breakerConfig.Enabled,
		"failure_threshold": breakerConfig.FailureThreshold,
		"timeout":           breakerConfig.Timeout,
	}).Debug("Circuit breaker configured")

	var store persistence.StateStore
	if cfg.Database.EnablePersistence {
		a.Database = infrapersistence.NewDatabaseManager()
		if err := a.Database.Connect(ctx, cfg.GetDatabaseDSN()); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := a.Database.Migrate(); err != nil {
			a.Database.Close()
			return nil, fmt.Errorf("failed to run database migrations: %w", err)
		}

		var exchangeRepo persistence.ExchangeRepository
		exchangeRepo, store = a.Database.GetRepositories()
		a.Exchanges = exchangeRepo

		a.Processor = infrapersistence.NewEventProcessor(exchangeRepo, cfg.Database.Workers, cfg.Database.BufferSize)
		if err := a.Processor.Start(ctx); err != nil {
			a.Database.Close()
			return nil, fmt.Errorf("failed to start event processor: %w", err)
		}

		a.Service = appchat.NewService(a.Breaker, a.Breaker, infrapersistence.NewExchangeTracker(a.Processor))
		logrus.WithField("driver", a.Database.Driver()).Info("Persistence layer initialized successfully")
	} else {
		store = infrapersistence.NewMemoryStateStore()
		a.Service = appchat.NewServiceWithoutTracking(a.Breaker, a.Breaker)
		logrus.Info("Running without persistence layer")
	}

	a.Dispatcher = appchat.NewDispatcher(a.Service, catalog, cfg.Chat.SystemPrompt)
	a.Controller = appconv.NewController(a.Dispatcher, infrapersistence.NewConversationStore(store), catalog)

	// A storage failure leaves an empty conversation, which is still usable.
	if err := a.Controller.Load(ctx); err != nil {
		logrus.WithError(err).Warn("Starting with an empty conversation")
	}

	return a, nil
}

// Router builds the HTTP interface over the assembled stack.
func (a *App) Router() *httpiface.Router {
	var router *httpiface.Router
	if a.Database != nil {
		router = httpiface.NewRouterWithPersistence(a.Controller, a.Dispatcher, a.Catalog, a.Renderer, a.Config.Server.CorsOrigins,
			a.Exchanges, a.Database, a.Processor)
	} else {
		router = httpiface.NewRouter(a.Controller, a.Dispatcher, a.Catalog, a.Renderer, a.Config.Server.CorsOrigins)
	}
	router.SetRateLimit(a.Config.Server.RateLimit.RequestsPerSecond, a.Config.Server.RateLimit.Burst)
	router.SetCircuitStates(a.Breaker)
	return router
}

// Close stops in-flight requests, drains pending persistence events and
// closes the database, in that order.
func (a *App) Close() {
	a.Controller.Close()

	if a.Processor != nil {
		if err := a.Processor.Stop(); err != nil {
			logrus.WithError(err).Error("Failed to stop event processor")
		}
	}
	if a.Database != nil {
		if err := a.Database.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close database connection")
		}
	}
}
