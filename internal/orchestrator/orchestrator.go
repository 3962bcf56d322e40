package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polyquery/polyquery/internal/datasource"
	"github.com/polyquery/polyquery/internal/observability"
	"github.com/polyquery/polyquery/internal/result"
	"github.com/polyquery/polyquery/internal/translate"
)

var ErrNoDatasources = errors.New("orchestrator: no datasources enabled for mode")

// Status is the lifecycle state of a Query.
type Status string

const (
	StatusPending     Status = "pending"
	StatusTranslating Status = "translating"
	StatusTranslated  Status = "translated"
	StatusExecuting   Status = "executing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	// StatusCancelled is reserved for caller-driven cancellation.
	StatusCancelled Status = "cancelled"
)

// Query is one natural-language request instance. It moves through
// pending -> translating -> translated -> executing -> completed/failed;
// previews stop at translated.
type Query struct {
	ID             string            `json:"id"`
	Input          string            `json:"input"`
	Status         Status            `json:"status"`
	Mode           datasource.Mode   `json:"mode"`
	MaxResults     int               `json:"max_results"`
	Timeout        time.Duration     `json:"-"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Translation    *translate.Result `json:"translation,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    time.Time         `json:"completed_at,omitzero"`
	DurationMillis int64             `json:"duration_ms"`
	Error          string            `json:"error,omitempty"`
}

// Request carries the caller's inputs for one execution. Zero values fall
// back to the configured defaults.
type Request struct {
	NaturalLanguage string
	Mode            string
	MaxResults      int
	TimeoutSeconds  int
}

type Options struct {
	Registry   *datasource.Registry
	Translator translate.Translator
	Logger     *slog.Logger
	MaxResults int
	Timeout    time.Duration
	// HistoryReadLimit caps History reads when the caller passes no limit.
	HistoryReadLimit int
	Now              func() time.Time
	NewID            func() string
}

// Orchestrator drives queries end to end: translation, backend
// resolution, execution, and result shaping. History and the last-result
// slot are process-lifetime, in-memory state.
type Orchestrator struct {
	registry   *datasource.Registry
	translator translate.Translator
	logger     *slog.Logger
	maxResults int
	timeout    time.Duration
	readLimit  int
	now        func() time.Time
	newID      func() string

	mu         sync.Mutex
	history    []*Query
	lastResult *result.QueryResult
	lastKind   translate.QueryKind
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Translator == nil {
		return nil, fmt.Errorf("translator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 1000
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	readLimit := opts.HistoryReadLimit
	if readLimit <= 0 {
		readLimit = 10
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Orchestrator{
		registry:   opts.Registry,
		translator: opts.Translator,
		logger:     logger,
		maxResults: maxResults,
		timeout:    timeout,
		readLimit:  readLimit,
		now:        now,
		newID:      newID,
	}, nil
}

// Execute runs one natural-language request end to end and returns the
// shaped result. Every failure is recorded on the query, appended to
// history, and returned to the caller.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*result.QueryResult, error) {
	query := o.newQuery(req)

	candidates, err := o.registry.ResolveForMode(query.Mode)
	if err != nil {
		return nil, o.fail(query, err)
	}
	if len(candidates) == 0 {
		return nil, o.fail(query, fmt.Errorf("%w %q", ErrNoDatasources, query.Mode))
	}

	translation, err := o.translateStep(ctx, query, candidates)
	if err != nil {
		return nil, o.fail(query, err)
	}

	target, backend, err := o.resolveTarget(translation.DatasourceID)
	if err != nil {
		return nil, o.fail(query, err)
	}

	query.Status = StatusExecuting
	start := o.now()
	var raw *datasource.RawResult
	err = datasource.WithConnection(ctx, backend, func(ctx context.Context) error {
		var execErr error
		raw, execErr = backend.Execute(ctx, translation.Query, query.MaxResults, query.Timeout)
		return execErr
	})
	elapsed := o.now().Sub(start)
	if err != nil {
		observability.ObserveQueryExecution(string(target.Category()), "failed", 0, elapsed)
		return nil, o.fail(query, err)
	}

	query.Status = StatusCompleted
	query.CompletedAt = o.now()
	query.DurationMillis = elapsed.Milliseconds()

	res := result.Build(query.ID, raw, translation.Kind, translation.ResponseTemplate, elapsed, target)
	res.GeneratedQuery = translation.Query
	observability.ObserveQueryExecution(string(target.Category()), "completed", len(raw.Rows), elapsed)

	o.mu.Lock()
	o.lastResult = res
	o.lastKind = translation.Kind
	o.history = append(o.history, query)
	o.mu.Unlock()

	o.logger.Info("query completed",
		"query_id", query.ID,
		"datasource_id", target.ID,
		"kind", translation.Kind,
		"rows", len(raw.Rows),
		"duration_ms", query.DurationMillis,
	)
	return res, nil
}

// Preview translates without executing. The last-result slot is left
// untouched.
func (o *Orchestrator) Preview(ctx context.Context, naturalLanguage, mode string) (*result.QueryResult, error) {
	query := o.newQuery(Request{NaturalLanguage: naturalLanguage, Mode: mode})

	candidates, err := o.registry.ResolveForMode(query.Mode)
	if err != nil {
		return nil, o.fail(query, err)
	}
	if len(candidates) == 0 {
		return nil, o.fail(query, fmt.Errorf("%w %q", ErrNoDatasources, query.Mode))
	}

	translation, err := o.translateStep(ctx, query, candidates)
	if err != nil {
		return nil, o.fail(query, err)
	}

	target, err := o.registry.Get(translation.DatasourceID)
	if err != nil {
		return nil, o.fail(query, err)
	}

	query.CompletedAt = o.now()
	o.mu.Lock()
	o.history = append(o.history, query)
	o.mu.Unlock()

	return result.Preview(query.ID, translation.Query, translation.Kind, target), nil
}

// ExplainLast narrates the most recently executed query.
func (o *Orchestrator) ExplainLast(ctx context.Context) (string, error) {
	o.mu.Lock()
	last := o.lastResult
	kind := o.lastKind
	o.mu.Unlock()
	if last == nil {
		return "No query has been executed yet.", nil
	}
	return o.translator.Explain(ctx, last.GeneratedQuery, kind)
}

// History returns the most recent queries, oldest first. A non-positive
// limit falls back to the configured read limit.
func (o *Orchestrator) History(limit int) []Query {
	if limit <= 0 {
		limit = o.readLimit
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	start := len(o.history) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Query, 0, len(o.history)-start)
	for _, q := range o.history[start:] {
		out = append(out, *q)
	}
	return out
}

// ClearHistory drops all recorded queries and the retained result.
func (o *Orchestrator) ClearHistory() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = nil
	o.lastResult = nil
	o.lastKind = ""
}

// LastResult returns the single retained result, or nil.
func (o *Orchestrator) LastResult() *result.QueryResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}

func (o *Orchestrator) newQuery(req Request) *Query {
	mode := o.registry.CurrentMode()
	if req.Mode != "" {
		mode = datasource.Mode(req.Mode)
	}
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = o.maxResults
	}
	timeout := o.timeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	return &Query{
		ID:             o.newID(),
		Input:          req.NaturalLanguage,
		Status:         StatusPending,
		Mode:           mode,
		MaxResults:     maxResults,
		Timeout:        timeout,
		TimeoutSeconds: int(timeout / time.Second),
		CreatedAt:      o.now(),
	}
}

func (o *Orchestrator) translateStep(ctx context.Context, query *Query, candidates []datasource.Datasource) (translate.Result, error) {
	query.Status = StatusTranslating
	translation, err := o.translator.Translate(ctx, translate.Request{
		NaturalLanguage: query.Input,
		Candidates:      candidates,
		Mode:            query.Mode,
		History:         o.recentTranslations(),
	})
	if err != nil {
		return translate.Result{}, err
	}
	query.Translation = &translation
	query.Status = StatusTranslated
	return translation, nil
}

// resolveTarget is a defensive check: the translator only picks from
// candidates it was given, but the registry may have changed since.
func (o *Orchestrator) resolveTarget(id string) (datasource.Datasource, datasource.Backend, error) {
	target, err := o.registry.Get(id)
	if err != nil {
		return datasource.Datasource{}, nil, err
	}
	backend, err := o.registry.Backend(id)
	if err != nil {
		return datasource.Datasource{}, nil, err
	}
	return target, backend, nil
}

func (o *Orchestrator) recentTranslations() []translate.HistoryEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var entries []translate.HistoryEntry
	for i := len(o.history) - 1; i >= 0 && len(entries) < 3; i-- {
		q := o.history[i]
		if q.Translation == nil {
			continue
		}
		entries = append(entries, translate.HistoryEntry{
			Input:        q.Input,
			Query:        q.Translation.Query,
			DatasourceID: q.Translation.DatasourceID,
		})
	}
	// Oldest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

func (o *Orchestrator) fail(query *Query, err error) error {
	query.Status = StatusFailed
	query.Error = err.Error()
	query.CompletedAt = o.now()
	o.mu.Lock()
	o.history = append(o.history, query)
	o.mu.Unlock()
	o.logger.Error("query failed",
		"query_id", query.ID,
		"status", query.Status,
		"error", err,
	)
	return err
}
