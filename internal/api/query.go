package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/polyquery/polyquery/internal/orchestrator"
	"github.com/polyquery/polyquery/internal/result"
	"github.com/polyquery/polyquery/internal/storage"
)

type executeRequest struct {
	NaturalLanguage string `json:"natural_language"`
	Mode            string `json:"mode"`
	MaxResults      int    `json:"max_results"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
}

type previewRequest struct {
	NaturalLanguage string `json:"natural_language"`
	Mode            string `json:"mode"`
}

func handleExecuteQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Queries == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}

	var request executeRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.NaturalLanguage) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INPUT_REQUIRED", "natural_language is required", false, nil)
		return
	}

	res, err := deps.Queries.Execute(r.Context(), orchestrator.Request{
		NaturalLanguage: request.NaturalLanguage,
		Mode:            request.Mode,
		MaxResults:      request.MaxResults,
		TimeoutSeconds:  request.TimeoutSeconds,
	})
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func handlePreviewQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Queries == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}

	var request previewRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid preview request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.NaturalLanguage) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INPUT_REQUIRED", "natural_language is required", false, nil)
		return
	}

	res, err := deps.Queries.Preview(r.Context(), request.NaturalLanguage, request.Mode)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func handleExplainLast(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Queries == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}
	explanation, err := deps.Queries.ExplainLast(r.Context())
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"explanation": explanation})
}

func handleQueryHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Queries == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", false, nil)
			return
		}
		limit = parsed
	}
	history := deps.Queries.History(limit)
	writeJSON(w, http.StatusOK, map[string]any{"queries": history, "count": len(history)})
}

func handleClearHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Queries == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}
	deps.Queries.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

func handleExportLast(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Queries == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}
	last := deps.Queries.LastResult()
	if last == nil {
		writeError(r.Context(), w, http.StatusNotFound, "NO_RESULT", "no query has been executed yet", false, nil)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = result.FormatCSV
	}
	data, err := result.Encode(last, format)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), false, nil)
		return
	}

	archiveExport(deps, r, last.QueryID, format, data)

	w.Header().Set("Content-Type", result.ContentType(format))
	w.Header().Set("Content-Disposition", `attachment; filename="query-`+last.QueryID+`.`+format+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// archiveExport copies the encoded export into the object store, best effort.
func archiveExport(deps Dependencies, r *http.Request, queryID, format string, data []byte) {
	if deps.Exports == nil {
		return
	}
	key, err := storage.BuildExportPath(queryID, format, time.Now().UTC())
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.Warn("export archive skipped", "query_id", queryID, "error", err)
		}
		return
	}
	opts := storage.PutOptions{ContentType: result.ContentType(format)}
	if err := deps.Exports.Put(r.Context(), key, bytes.NewReader(data), int64(len(data)), opts); err != nil && deps.Logger != nil {
		deps.Logger.Warn("export archive failed", "key", key, "error", err)
	}
}
