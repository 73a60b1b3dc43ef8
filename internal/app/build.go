package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ent0n29/tracerail/internal/classify"
	"github.com/ent0n29/tracerail/internal/config"
	"github.com/ent0n29/tracerail/internal/escalation"
	"github.com/ent0n29/tracerail/internal/httpapi"
	"github.com/ent0n29/tracerail/internal/lifecycle"
	"github.com/ent0n29/tracerail/internal/notify"
	"github.com/ent0n29/tracerail/internal/observability"
	"github.com/ent0n29/tracerail/internal/privacy"
	"github.com/ent0n29/tracerail/internal/reliability"
	"github.com/ent0n29/tracerail/internal/routing"
	"github.com/ent0n29/tracerail/internal/tasks"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Engine     routing.Engine
	Controller *lifecycle.Controller
	Sweeper    *lifecycle.Sweeper
	Dispatcher *notify.Dispatcher
	Metrics    *observability.Metrics

	// Recovered is the number of open tasks reloaded from the store.
	Recovered int

	// Cleanup stops background work and releases the store. Call it once
	// the HTTP server has stopped accepting requests.
	Cleanup func(ctx context.Context) error
}

// Build wires the service from cfg. Background work (timers, notification
// delivery) starts immediately; the sweep schedule starts with Sweeper.Start.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	clock := clockwork.NewRealClock()

	store, err := tasks.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("task store init failed: %w", err)
	}
	closeStore := func() error {
		if store == nil {
			return nil
		}
		return store.Close()
	}

	engine, err := routing.NewEngine(routing.EngineConfig{
		Type:           cfg.RoutingEngine,
		RulesFile:      cfg.RoutingRulesFile,
		RequireRules:   cfg.RoutingRequireRules,
		StaticDecision: cfg.RoutingStaticDecision,
		Logger:         logger.Named("routing"),
		Metrics:        metrics,
	})
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("routing engine init failed: %w", err)
	}

	enrichers := lifecycle.Enrichers{privacy.Detector{}}
	if cfg.AnthropicAPIKey != "" {
		provider, err := classify.NewAnthropicProvider(classify.AnthropicConfig{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.LLMModel,
		})
		if err != nil {
			_ = closeStore()
			return nil, fmt.Errorf("classifier init failed: %w", err)
		}
		enrichers = append(enrichers, classify.NewClassifier(provider, logger.Named("classify")))
		logger.Info("signal enrichment enabled", zap.String("model", cfg.LLMModel))
	}

	senders := map[string]notify.Sender{
		notify.ChannelLog: notify.NewLogSender(logger.Named("notify")),
	}
	if cfg.SlackBotToken != "" {
		slackSender, err := notify.NewSlackSender(cfg.SlackBotToken)
		if err != nil {
			_ = closeStore()
			return nil, fmt.Errorf("slack sender init failed: %w", err)
		}
		senders[notify.ChannelSlack] = slackSender
	}
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		QueueSize:   cfg.NotifyQueueSize,
		MaxAttempts: cfg.NotifyMaxAttempts,
		Backoff:     reliability.Backoff{},
		Clock:       clock,
		Logger:      logger.Named("dispatcher"),
		Metrics:     metrics,
	}, senders)

	policy := escalation.NewTieredPolicy(escalation.TieredConfig{
		Tiers:      escalation.TiersFromAssignees(cfg.EscalationAssignees),
		Recipients: cfg.EscalationRecipients,
		Channel:    cfg.EscalationChannel,
	})

	var assigner lifecycle.Assigner
	if len(cfg.TaskAssignees) > 0 {
		assigner = escalation.NewRoundRobin(cfg.TaskAssignees)
	}

	controller, err := lifecycle.NewController(lifecycle.Config{
		DefaultSLAHours:        cfg.TaskDefaultSLAHours,
		DefaultEscalationHours: cfg.TaskDefaultEscalationHours,
		Engine:                 engine,
		Enricher:               enrichers,
		Policy:                 policy,
		Assigner:               assigner,
		Notifier:               dispatcher,
		Store:                  store,
		Clock:                  clock,
		Logger:                 logger.Named("lifecycle"),
		Metrics:                metrics,
	})
	if err != nil {
		_ = dispatcher.Close(ctx)
		_ = closeStore()
		return nil, fmt.Errorf("task controller init failed: %w", err)
	}

	stopBackground := func(ctx context.Context) error {
		var errs []error
		if err := controller.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := dispatcher.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := closeStore(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	recovered, err := controller.Recover(ctx)
	if err != nil {
		_ = stopBackground(ctx)
		return nil, fmt.Errorf("task recovery failed: %w", err)
	}
	if recovered > 0 {
		logger.Info("recovered open tasks", zap.Int("tasks", recovered))
	}

	sweeper, err := lifecycle.NewSweeper(controller, cfg.SLASweepSchedule, 0)
	if err != nil {
		_ = stopBackground(ctx)
		return nil, fmt.Errorf("sla sweeper init failed: %w", err)
	}

	api := httpapi.New(cfg, controller, engine, metrics, logger.Named("http"))

	cleanup := func(ctx context.Context) error {
		sweepErr := sweeper.Stop(ctx)
		return errors.Join(sweepErr, stopBackground(ctx))
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Engine:     engine,
		Controller: controller,
		Sweeper:    sweeper,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Recovered:  recovered,
		Cleanup:    cleanup,
	}, nil
}
