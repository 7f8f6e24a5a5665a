package app

import (
	"context"
	"log/slog"

	"github.com/ent0n29/visionagent/internal/agent"
	"github.com/ent0n29/visionagent/internal/config"
	"github.com/ent0n29/visionagent/internal/dispatch"
	"github.com/ent0n29/visionagent/internal/edge"
	"github.com/ent0n29/visionagent/internal/httpapi"
	"github.com/ent0n29/visionagent/internal/observability"
	"github.com/ent0n29/visionagent/internal/realtime"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Dispatcher *dispatch.Dispatcher
	Edge       edge.Provider
	Realtime   realtime.Provider
	Metrics    *observability.Metrics

	// Cleanup cancels running joins and waits for them to release their calls.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	edgeProvider, err := resolveEdge(cfg, logger)
	if err != nil {
		return nil, err
	}
	llm, err := resolveRealtime(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	// Reflect the resolved provider in readiness output.
	cfg.EdgeProvider = edgeProvider.Name()
	cfg.RealtimeProvider = llm.Name()
	logger.Info("providers resolved",
		slog.String("edge", cfg.EdgeProvider),
		slog.String("realtime", cfg.RealtimeProvider),
		slog.Int("fps", cfg.RealtimeFPS),
	)

	factory := &agent.Factory{Edge: edgeProvider, LLM: llm, FPS: cfg.RealtimeFPS}
	dispatcher := dispatch.New(dispatch.Config{
		Greeting:    cfg.Greeting,
		CallTimeout: cfg.CallMaxDuration,
		Retention:   cfg.JobRetention,
	}, dispatch.AgentFactory(factory), logger, metrics)

	api := httpapi.New(cfg, dispatcher, edgeProvider, metrics, logger)

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Dispatcher: dispatcher,
		Edge:       edgeProvider,
		Realtime:   llm,
		Metrics:    metrics,
		Cleanup:    dispatcher.Shutdown,
	}, nil
}
