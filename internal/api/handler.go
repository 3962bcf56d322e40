package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polyquery/polyquery/internal/config"
	"github.com/polyquery/polyquery/internal/datasource"
	"github.com/polyquery/polyquery/internal/observability"
	"github.com/polyquery/polyquery/internal/orchestrator"
	"github.com/polyquery/polyquery/internal/result"
	"github.com/polyquery/polyquery/internal/storage"
	"github.com/polyquery/polyquery/internal/translate"
)

type ReadinessCheck func(ctx context.Context) error

// QueryService is the orchestrator surface the handlers consume.
type QueryService interface {
	Execute(ctx context.Context, req orchestrator.Request) (*result.QueryResult, error)
	Preview(ctx context.Context, naturalLanguage, mode string) (*result.QueryResult, error)
	ExplainLast(ctx context.Context) (string, error)
	History(limit int) []orchestrator.Query
	ClearHistory()
	LastResult() *result.QueryResult
}

// SnapshotSaver persists the registry after mutating datasource calls.
type SnapshotSaver interface {
	Save(ctx context.Context, reg *datasource.Registry) error
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	AdminMiddleware   func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Queries           QueryService
	Registry          *datasource.Registry
	Snapshots         SnapshotSaver
	Translator        translate.Translator
	// Exports receives a copy of every downloaded result export, keyed by
	// storage.BuildExportPath. Optional.
	Exports storage.ObjectStore
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		handleExecuteQuery(deps, w, r)
	})
	protected.HandleFunc("POST /v1/query/preview", func(w http.ResponseWriter, r *http.Request) {
		handlePreviewQuery(deps, w, r)
	})
	protected.HandleFunc("GET /v1/query/explain-last", func(w http.ResponseWriter, r *http.Request) {
		handleExplainLast(deps, w, r)
	})
	protected.HandleFunc("GET /v1/query/history", func(w http.ResponseWriter, r *http.Request) {
		handleQueryHistory(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/query/history", func(w http.ResponseWriter, r *http.Request) {
		handleClearHistory(deps, w, r)
	})
	protected.HandleFunc("GET /v1/query/last/export", func(w http.ResponseWriter, r *http.Request) {
		handleExportLast(deps, w, r)
	})

	protected.HandleFunc("GET /v1/datasources", func(w http.ResponseWriter, r *http.Request) {
		handleListDatasources(deps, w, r)
	})
	protected.HandleFunc("GET /v1/datasources/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetDatasource(deps, w, r)
	})
	protected.HandleFunc("GET /v1/datasources/{id}/schema", func(w http.ResponseWriter, r *http.Request) {
		handleGetSchema(deps, w, r)
	})
	protected.HandleFunc("GET /v1/datasources/{id}/validate", func(w http.ResponseWriter, r *http.Request) {
		handleValidateDatasource(deps, w, r)
	})
	protected.HandleFunc("POST /v1/datasources/{id}/suggest", func(w http.ResponseWriter, r *http.Request) {
		handleSuggestQueries(deps, w, r)
	})
	protected.HandleFunc("GET /v1/mode", func(w http.ResponseWriter, r *http.Request) {
		handleGetMode(deps, w, r)
	})

	admin := http.NewServeMux()
	admin.HandleFunc("POST /v1/datasources", func(w http.ResponseWriter, r *http.Request) {
		handleAddDatasource(deps, w, r)
	})
	admin.HandleFunc("DELETE /v1/datasources/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleRemoveDatasource(deps, w, r)
	})
	admin.HandleFunc("POST /v1/datasources/{id}/toggle", func(w http.ResponseWriter, r *http.Request) {
		handleToggleDatasource(deps, w, r)
	})
	admin.HandleFunc("POST /v1/datasources/{id}/schema/refresh", func(w http.ResponseWriter, r *http.Request) {
		handleRefreshSchema(deps, w, r)
	})
	admin.HandleFunc("PUT /v1/mode", func(w http.ResponseWriter, r *http.Request) {
		handleSetMode(deps, w, r)
	})

	var adminHandler http.Handler = admin
	if deps.AdminMiddleware != nil {
		adminHandler = deps.AdminMiddleware(adminHandler)
	}
	protected.Handle("POST /v1/datasources", adminHandler)
	protected.Handle("DELETE /v1/datasources/{id}", adminHandler)
	protected.Handle("POST /v1/datasources/{id}/toggle", adminHandler)
	protected.Handle("POST /v1/datasources/{id}/schema/refresh", adminHandler)
	protected.Handle("PUT /v1/mode", adminHandler)

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/query", protectedHandler)
	mux.Handle("POST /v1/query/preview", protectedHandler)
	mux.Handle("GET /v1/query/explain-last", protectedHandler)
	mux.Handle("GET /v1/query/history", protectedHandler)
	mux.Handle("DELETE /v1/query/history", protectedHandler)
	mux.Handle("GET /v1/query/last/export", protectedHandler)
	mux.Handle("GET /v1/datasources", protectedHandler)
	mux.Handle("POST /v1/datasources", protectedHandler)
	mux.Handle("GET /v1/datasources/{id}", protectedHandler)
	mux.Handle("DELETE /v1/datasources/{id}", protectedHandler)
	mux.Handle("POST /v1/datasources/{id}/toggle", protectedHandler)
	mux.Handle("GET /v1/datasources/{id}/schema", protectedHandler)
	mux.Handle("POST /v1/datasources/{id}/schema/refresh", protectedHandler)
	mux.Handle("GET /v1/datasources/{id}/validate", protectedHandler)
	mux.Handle("POST /v1/datasources/{id}/suggest", protectedHandler)
	mux.Handle("GET /v1/mode", protectedHandler)
	mux.Handle("PUT /v1/mode", protectedHandler)

	return chain(mux,
		observability.TraceMiddleware,
		observability.RequestMiddleware(deps.Logger),
	)
}

func CheckProviderConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		_, err := cfg.ResolveProvider()
		return err
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, datasource.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "NOT_FOUND", err.Error(), false, nil)
	case errors.Is(err, datasource.ErrInvalidConfig):
		writeError(ctx, w, http.StatusBadRequest, "CONFIGURATION_ERROR", err.Error(), false, nil)
	case errors.Is(err, datasource.ErrInvalidMode):
		writeError(ctx, w, http.StatusBadRequest, "INVALID_MODE", err.Error(), false, nil)
	case errors.Is(err, datasource.ErrUnsupportedType):
		writeError(ctx, w, http.StatusBadRequest, "UNSUPPORTED_TYPE", err.Error(), false, nil)
	case errors.Is(err, orchestrator.ErrNoDatasources):
		writeError(ctx, w, http.StatusBadRequest, "NO_DATASOURCES", err.Error(), false, nil)
	case errors.Is(err, translate.ErrTranslation):
		writeError(ctx, w, http.StatusUnprocessableEntity, "TRANSLATION_ERROR", err.Error(), false, nil)
	case errors.Is(err, datasource.ErrExecutionTimeout):
		writeError(ctx, w, http.StatusGatewayTimeout, "EXECUTION_TIMEOUT", err.Error(), true, nil)
	case errors.Is(err, datasource.ErrConnection):
		writeError(ctx, w, http.StatusBadGateway, "CONNECTION_ERROR", err.Error(), true, nil)
	case errors.Is(err, datasource.ErrExecution):
		writeError(ctx, w, http.StatusBadRequest, "EXECUTION_ERROR", err.Error(), false, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", err.Error(), true, nil)
	}
}

// saveSnapshot persists the registry after a mutation, best effort.
func saveSnapshot(deps Dependencies, r *http.Request) {
	if deps.Snapshots == nil || deps.Registry == nil {
		return
	}
	if err := deps.Snapshots.Save(r.Context(), deps.Registry); err != nil && deps.Logger != nil {
		deps.Logger.Warn("snapshot save failed", "error", err)
	}
}
