// Package translate turns natural-language requests into executable queries
// against a chosen datasource. The surrounding algorithm (candidate
// filtering, prompt construction, response parsing, validation) is shared;
// only the model call itself varies by provider.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrTranslation = errors.New("translate: translation failed")

// QueryKind tags how a translated query string must be executed.
type QueryKind string

const (
	KindSQL        QueryKind = "sql"
	KindDocument   QueryKind = "document"
	KindWideColumn QueryKind = "wide_column"
	KindTabular    QueryKind = "tabular"
)

// ParseKind maps a model-reported query type to a kind, defaulting to SQL for
// anything unrecognized.
func ParseKind(raw string) QueryKind {
	switch QueryKind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindDocument:
		return KindDocument
	case KindWideColumn:
		return KindWideColumn
	case KindTabular:
		return KindTabular
	default:
		return KindSQL
	}
}

// Result is a validated translation. Immutable once produced.
type Result struct {
	Query            string    `json:"query"`
	Kind             QueryKind `json:"query_type"`
	DatasourceID     string    `json:"datasource_id"`
	Confidence       float64   `json:"confidence"`
	Explanation      string    `json:"explanation,omitempty"`
	Warnings         []string  `json:"warnings,omitempty"`
	ResponseTemplate string    `json:"natural_response_template"`
	Provider         string    `json:"provider,omitempty"`
	Model            string    `json:"model,omitempty"`
}

// HistoryEntry is the condensed view of a prior translated query passed back
// to the model for continuity.
type HistoryEntry struct {
	Input        string
	Query        string
	DatasourceID string
}

// Caller sends one system+user prompt pair to a concrete model backend and
// returns its raw text response. Retry is owned by the engine, not the
// caller.
type Caller interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Name() string
	Model() string
}

// Translator is the contract the orchestrator consumes.
type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
	Clarify(ctx context.Context, req Request, reason string) (string, error)
	Explain(ctx context.Context, query string, kind QueryKind) (string, error)
	SuggestQueries(ctx context.Context, datasourceName string, schemaBlock string, count int) ([]string, error)
}

func translationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTranslation, fmt.Sprintf(format, args...))
}
