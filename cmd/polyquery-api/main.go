package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polyquery/polyquery/internal/api"
	"github.com/polyquery/polyquery/internal/auth"
	"github.com/polyquery/polyquery/internal/backend/factory"
	"github.com/polyquery/polyquery/internal/config"
	"github.com/polyquery/polyquery/internal/configstore"
	"github.com/polyquery/polyquery/internal/datasource"
	"github.com/polyquery/polyquery/internal/observability"
	"github.com/polyquery/polyquery/internal/orchestrator"
	"github.com/polyquery/polyquery/internal/storage"
	s3store "github.com/polyquery/polyquery/internal/storage/s3"
	"github.com/polyquery/polyquery/internal/translate"
)

func main() {
	cfg, err := config.LoadFromEnv("polyquery-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	var objectStore storage.ObjectStore
	if cfg.ObjectStore.Endpoint != "" {
		store, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		objectStore = store
	}

	registry := datasource.NewRegistry(datasource.RegistryOptions{
		Factories: factory.Default(factory.Options{
			Logger: logger,
			Store:  objectStore,
		}),
		DefaultMode: datasource.Mode(cfg.Query.DefaultMode),
		CacheTTL:    cfg.Query.SchemaCacheTTL,
		Logger:      logger,
	})

	snapshots := configstore.New(configstore.Options{
		Path:      cfg.Snapshot.Path,
		ObjectKey: cfg.Snapshot.ObjectKey,
		Store:     objectStore,
		Logger:    logger,
	})
	if err := snapshots.Restore(context.Background(), registry); err != nil {
		logger.Error("failed to restore datasource snapshot", slog.Any("error", err))
		os.Exit(1)
	}

	var translator translate.Translator
	var queries api.QueryService
	if caller, err := newCaller(cfg); err != nil {
		logger.Warn("query translation disabled", slog.Any("error", err))
	} else {
		translator = translate.NewEngine(caller, translate.EngineOptions{
			Logger:          logger,
			DefaultTemplate: cfg.Query.DefaultTemplate,
		})
		orch, err := orchestrator.New(orchestrator.Options{
			Registry:         registry,
			Translator:       translator,
			Logger:           logger,
			MaxResults:       cfg.Query.MaxResults,
			Timeout:          cfg.Query.Timeout,
			HistoryReadLimit: cfg.Query.HistoryReadLimit,
		})
		if err != nil {
			logger.Error("failed to build orchestrator", slog.Any("error", err))
			os.Exit(1)
		}
		queries = orch
	}

	deps := api.Dependencies{
		Logger:            logger,
		Queries:           queries,
		Registry:          registry,
		Snapshots:         snapshots,
		Translator:        translator,
		Exports:           objectStore,
		Readiness:         api.CheckProviderConfig(cfg),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
		deps.AdminMiddleware = auth.RequireRole(auth.RoleAdmin)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
	}
	registry.Close(shutdownCtx)
}

// newCaller builds the model client for whichever provider the config
// resolves to.
func newCaller(cfg config.Config) (translate.Caller, error) {
	provider, err := cfg.ResolveProvider()
	if err != nil {
		return nil, err
	}
	switch provider {
	case "openai":
		return translate.NewOpenAICaller(translate.OpenAIConfig{
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			APIKey:      cfg.LLM.OpenAI.APIKey,
			Model:       cfg.LLM.OpenAI.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout,
		})
	case "anthropic":
		return translate.NewAnthropicCaller(translate.AnthropicConfig{
			BaseURL:     cfg.LLM.Anthropic.BaseURL,
			APIKey:      cfg.LLM.Anthropic.APIKey,
			Model:       cfg.LLM.Anthropic.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout,
		})
	case "gemini":
		return translate.NewGeminiCaller(translate.GeminiConfig{
			BaseURL:     cfg.LLM.Gemini.BaseURL,
			APIKey:      cfg.LLM.Gemini.APIKey,
			Model:       cfg.LLM.Gemini.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout,
		})
	default:
		return nil, errors.New("unknown LLM provider " + provider)
	}
}
