// Package app assembles the components shared by the API server and the CLI.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mindful-ai/companion/internal/config"
	"github.com/mindful-ai/companion/internal/llm"
	natsclient "github.com/mindful-ai/companion/internal/nats"
	"github.com/mindful-ai/companion/internal/service"
	"github.com/mindful-ai/companion/internal/store"
	"github.com/mindful-ai/companion/pkg/logger"
)

// NewStore opens the configured conversation store. The returned func
// releases it and is never nil.
func NewStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreNATS:
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		sm := natsclient.NewStreamManager(client, log)
		if err := sm.EnsureStream(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to ensure stream: %w", err)
		}
		return sm, client.Close, nil

	case config.StoreSQLite:
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn("failed to close sqlite store", zap.Error(err))
			}
		}, nil

	case config.StoreMemory:
		log.Warn("using in-memory store, conversations are lost on exit")
		return store.NewMemory(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// LLMConfig maps the configured provider to its credentials.
func LLMConfig(cfg *config.Config) llm.Config {
	out := llm.Config{
		Provider: llm.Provider(cfg.LLMProvider),
		Model:    cfg.LLMModel,
		SiteURL:  cfg.LLMSiteURL,
		AppName:  cfg.LLMAppName,
	}
	switch out.Provider {
	case llm.ProviderOpenAI:
		out.APIKey = cfg.OpenAIAPIKey
		out.BaseURL = cfg.OpenAIBaseURL
	case llm.ProviderAnthropic:
		out.APIKey = cfg.AnthropicAPIKey
	default:
		out.APIKey = cfg.OpenRouterAPIKey
		out.BaseURL = cfg.OpenRouterBaseURL
	}
	return out
}

// NewLLM creates the configured completion client.
func NewLLM(cfg *config.Config, log *logger.Logger) (llm.Client, error) {
	c := LLMConfig(cfg)
	client, err := llm.New(c, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", c.Provider, err)
	}
	return client, nil
}

// ServiceOptions derives the turn controller template from cfg.
func ServiceOptions(cfg *config.Config) service.Options {
	return service.Options{
		ContextWindow: cfg.ContextWindow,
		StreamTimeout: cfg.StreamTimeout,
		Model:         cfg.LLMModel,
	}
}
