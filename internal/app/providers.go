package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/visionagent/internal/config"
	"github.com/ent0n29/visionagent/internal/edge"
	"github.com/ent0n29/visionagent/internal/realtime"
)

func resolveEdge(cfg config.Config, logger *slog.Logger) (edge.Provider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.EdgeProvider))
	if mode == "" {
		mode = "auto"
	}

	tryStream := func() (edge.Provider, bool, error) {
		if cfg.StreamAPIKey == "" || cfg.StreamAPISecret == "" {
			return nil, false, nil
		}
		p, err := edge.NewStreamEdge(edge.StreamConfig{
			APIKey:    cfg.StreamAPIKey,
			APISecret: cfg.StreamAPISecret,
			BaseURL:   cfg.StreamBaseURL,
			TokenTTL:  cfg.StreamTokenTTL,
		})
		if err != nil {
			return nil, false, err
		}
		return p, true, nil
	}

	switch mode {
	case "getstream":
		p, ok, err := tryStream()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("EDGE_PROVIDER=getstream but STREAM_API_KEY/STREAM_API_SECRET are not set")
		}
		return p, nil
	case "mock":
		return edge.NewMockEdge(), nil
	case "auto":
		p, ok, err := tryStream()
		if err != nil {
			return nil, err
		}
		if ok {
			return p, nil
		}
		logger.Warn("edge provider: mock (no GetStream credentials)")
		return edge.NewMockEdge(), nil
	default:
		return nil, fmt.Errorf("invalid EDGE_PROVIDER: %q (expected auto|getstream|mock)", cfg.EdgeProvider)
	}
}

func resolveRealtime(ctx context.Context, cfg config.Config, logger *slog.Logger) (realtime.Provider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.RealtimeProvider))
	if mode == "" {
		mode = "auto"
	}

	newGemini := func() (realtime.Provider, error) {
		return realtime.NewGeminiProvider(ctx, realtime.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
			Logger: logger,
		})
	}

	switch mode {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("REALTIME_PROVIDER=gemini but GEMINI_API_KEY is not set")
		}
		return newGemini()
	case "mock":
		return realtime.NewMockProvider(), nil
	case "auto":
		if cfg.GeminiAPIKey != "" {
			return newGemini()
		}
		logger.Warn("realtime provider: mock (no Gemini API key)")
		return realtime.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("invalid REALTIME_PROVIDER: %q (expected auto|gemini|mock)", cfg.RealtimeProvider)
	}
}
