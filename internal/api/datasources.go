package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/polyquery/polyquery/internal/datasource"
)

type connectionPayload struct {
	DSNEnv   string `json:"dsn_env"`
	Database string `json:"database,omitempty"`
}

type filePayload struct {
	Path      string `json:"path,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
	Sheet     string `json:"sheet,omitempty"`
	Delimiter string `json:"delimiter,omitempty"`
}

type datasourcePayload struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Enabled     *bool              `json:"enabled"`
	Connection  *connectionPayload `json:"connection,omitempty"`
	File        *filePayload       `json:"file,omitempty"`
}

type datasourceView struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Type        string             `json:"type"`
	Category    string             `json:"category"`
	Description string             `json:"description,omitempty"`
	Enabled     bool               `json:"enabled"`
	Connection  *connectionPayload `json:"connection,omitempty"`
	File        *filePayload       `json:"file,omitempty"`
	SchemaFresh bool               `json:"schema_cached"`
	CreatedAt   time.Time          `json:"created_at"`
}

func viewOf(ds datasource.Datasource) datasourceView {
	view := datasourceView{
		ID:          ds.ID,
		Name:        ds.Name,
		Type:        string(ds.Type),
		Category:    string(ds.Category()),
		Description: ds.Description,
		Enabled:     ds.Enabled,
		SchemaFresh: ds.Cache.Fresh(time.Now()),
		CreatedAt:   ds.CreatedAt,
	}
	if ds.Connection != nil {
		view.Connection = &connectionPayload{DSNEnv: ds.Connection.DSNEnv, Database: ds.Connection.Database}
	}
	if ds.File != nil {
		view.File = &filePayload{
			Path:      ds.File.Path,
			ObjectKey: ds.File.ObjectKey,
			Sheet:     ds.File.Sheet,
			Delimiter: ds.File.Delimiter,
		}
	}
	return view
}

func handleAddDatasource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registry == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "REGISTRY_NOT_CONFIGURED", "registry is not configured", false, nil)
		return
	}

	var payload datasourcePayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid datasource body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(payload.ID) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "ID_REQUIRED", "id is required", false, nil)
		return
	}

	ds := datasource.Datasource{
		ID:          payload.ID,
		Name:        payload.Name,
		Type:        datasource.Type(payload.Type),
		Description: payload.Description,
		Enabled:     payload.Enabled == nil || *payload.Enabled,
	}
	if payload.Connection != nil {
		ds.Connection = &datasource.ConnectionConfig{
			DSNEnv:   payload.Connection.DSNEnv,
			Database: payload.Connection.Database,
		}
	}
	if payload.File != nil {
		ds.File = &datasource.FileConfig{
			Path:      payload.File.Path,
			ObjectKey: payload.File.ObjectKey,
			Sheet:     payload.File.Sheet,
			Delimiter: payload.File.Delimiter,
		}
	}

	if err := deps.Registry.Add(r.Context(), ds); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	saveSnapshot(deps, r)

	created, err := deps.Registry.Get(ds.ID)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(created))
}

func handleListDatasources(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registry == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "REGISTRY_NOT_CONFIGURED", "registry is not configured", false, nil)
		return
	}

	filter := datasource.ListFilter{}
	if raw := r.URL.Query().Get("enabled_only"); raw != "" {
		enabledOnly, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FILTER", "enabled_only must be a boolean", false, nil)
			return
		}
		filter.EnabledOnly = enabledOnly
	}
	if raw := r.URL.Query().Get("category"); raw != "" {
		filter.Category = datasource.Category(raw)
	}

	entries := deps.Registry.List(filter)
	views := make([]datasourceView, 0, len(entries))
	for _, ds := range entries {
		views = append(views, viewOf(ds))
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasources": views, "count": len(views)})
}

func handleGetDatasource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registry == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "REGISTRY_NOT_CONFIGURED", "registry is not configured", false, nil)
		return
	}
	ds, err := deps.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(ds))
}

func handleRemoveDatasource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registry == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "REGISTRY_NOT_CONFIGURED", "registry is not configured", false, nil)
		return
	}
	id := r.PathValue("id")
	if !deps.Registry.Remove(r.Context(), id) {
		writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("datasource %q was not found", id), false, nil)
		return
	}
	saveSnapshot(deps, r)
	writeJSON(w, http.StatusOK, map[string]any{"removed": id})
}

type togglePayload struct {
	Enabled *bool `json:"enabled"`
}

func handleToggleDatasource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registry == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "REGISTRY_NOT_CONFIGURED", "registry is not configured", false, nil)
		return
	}

	var payload togglePayload
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid toggle body", false, map[string]any{"details": err.Error()})
			return
		}
	}

	id := r.PathValue("id")
	enabled, err := deps.Registry.Toggle(id, payload.Enabled)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	saveSnapshot(deps, r)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
}

func handleGetSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registry == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "REGISTRY_NOT_CONFIGURED", "registry is not configured", false, nil)
		return
	}

	id := r.PathValue("id")
	ds, err := deps.Registry.Get(id)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	if ds.Cache.Fresh(time.Now()) {
		writeJSON(w, http.StatusOK, map[string]any{
			"datasource_id": id,
			"schema":        ds.Cache.Schema,
			"cached":        true,
			"cached_at":     ds.Cache.CachedAt,
		})
		return
	}

	schema, err := deps.Registry.RefreshSchema(r.Context(), id)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"datasource_id": id,
		"schema":        schema,
		"cached":        false,
	})
}

func handleRefreshSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registry == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "REGISTRY_NOT_CONFIGURED", "registry is not configured", false, nil)
		return
	}
	id := r.PathValue("id")
	schema, err := deps.Registry.RefreshSchema(r.Context(), id)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasource_id": id, "schema": schema})
}

func handleValidateDatasource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registry == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "REGISTRY_NOT_CONFIGURED", "registry is not configured", false, nil)
		return
	}

	id := r.PathValue("id")
	backend, err := deps.Registry.Backend(id)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	valid := false
	err = datasource.WithConnection(r.Context(), backend, func(ctx context.Context) error {
		valid = backend.Validate(ctx)
		return nil
	})
	if err != nil {
		// Connect failures mean the datasource is not reachable, which is
		// exactly what this endpoint reports.
		writeJSON(w, http.StatusOK, map[string]any{"datasource_id": id, "valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasource_id": id, "valid": valid})
}

func handleSuggestQueries(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registry == nil || deps.Translator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SUGGEST_NOT_CONFIGURED", "suggestion dependencies are not configured", false, nil)
		return
	}

	id := r.PathValue("id")
	ds, err := deps.Registry.Get(id)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	count := 5
	if raw := r.URL.Query().Get("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_COUNT", "count must be a positive integer", false, nil)
			return
		}
		count = parsed
	}

	suggestions, err := deps.Translator.SuggestQueries(r.Context(), ds.Name, schemaBlock(ds), count)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasource_id": id, "suggestions": suggestions})
}

func schemaBlock(ds datasource.Datasource) string {
	if !ds.Cache.Fresh(time.Now()) {
		return "Schema: not cached"
	}
	tables := make([]string, 0, len(ds.Cache.Schema))
	for table := range ds.Cache.Schema {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	var sb strings.Builder
	for _, table := range tables {
		parts := make([]string, 0, len(ds.Cache.Schema[table]))
		for _, field := range ds.Cache.Schema[table] {
			parts = append(parts, field.Name+" "+field.Type)
		}
		sb.WriteString(fmt.Sprintf("table %s: %s\n", table, strings.Join(parts, ", ")))
	}
	return sb.String()
}

type modePayload struct {
	Mode string `json:"mode"`
}

func handleGetMode(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registry == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "REGISTRY_NOT_CONFIGURED", "registry is not configured", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": deps.Registry.CurrentMode()})
}

func handleSetMode(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registry == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "REGISTRY_NOT_CONFIGURED", "registry is not configured", false, nil)
		return
	}

	var payload modePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid mode body", false, map[string]any{"details": err.Error()})
		return
	}
	if err := deps.Registry.SetMode(datasource.Mode(payload.Mode)); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	saveSnapshot(deps, r)
	writeJSON(w, http.StatusOK, map[string]any{"mode": deps.Registry.CurrentMode()})
}
