package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/polyquery/polyquery/internal/datasource"
	"github.com/polyquery/polyquery/internal/observability"
)

const (
	maxAttempts    = 3
	initialBackoff = time.Second
	maxBackoff     = 10 * time.Second
	historyWindow  = 3
)

// Request carries everything the engine needs for one translation.
type Request struct {
	NaturalLanguage string
	Candidates      []datasource.Datasource
	Mode            datasource.Mode
	History         []HistoryEntry
}

type EngineOptions struct {
	Logger *slog.Logger
	// DefaultTemplate is substituted when the model omits a response
	// template. It should contain a {count} placeholder.
	DefaultTemplate string
	// Sleep overrides the backoff wait in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now overrides the clock used for schema cache freshness checks.
	Now func() time.Time
}

// Engine implements Translator on top of any Caller.
type Engine struct {
	caller          Caller
	logger          *slog.Logger
	defaultTemplate string
	sleep           func(ctx context.Context, d time.Duration) error
	now             func() time.Time
}

func NewEngine(caller Caller, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	template := opts.DefaultTemplate
	if template == "" {
		template = "Found {count} result(s)."
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		caller:          caller,
		logger:          logger.With("provider", caller.Name()),
		defaultTemplate: template,
		sleep:           sleep,
		now:             now,
	}
}

func (e *Engine) Translate(ctx context.Context, req Request) (Result, error) {
	start := e.now()
	result, err := e.translate(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	observability.ObserveTranslation(e.caller.Name(), outcome, e.now().Sub(start))
	return result, err
}

func (e *Engine) translate(ctx context.Context, req Request) (Result, error) {
	candidates, err := filterCandidates(req.Candidates, req.Mode)
	if err != nil {
		return Result{}, err
	}
	if len(candidates) == 0 {
		return Result{}, translationErrorf("no datasources available for mode %q", req.Mode)
	}

	systemPrompt := buildSystemPrompt(req.Mode)
	userPrompt := e.buildUserPrompt(req.NaturalLanguage, candidates, req.History)

	text, err := e.callWithRetry(ctx, systemPrompt, userPrompt)
	if err != nil {
		return Result{}, err
	}

	wire, err := extractResponse(text)
	if err != nil {
		return Result{}, err
	}
	return e.validate(wire, candidates)
}

func (e *Engine) Clarify(ctx context.Context, req Request, reason string) (string, error) {
	candidates, err := filterCandidates(req.Candidates, req.Mode)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(candidates))
	for _, ds := range candidates {
		names = append(names, fmt.Sprintf("%s (%s)", ds.Name, ds.Category()))
	}
	systemPrompt := "You help users refine ambiguous data questions. Reply with a single short clarifying question, nothing else."
	userPrompt := fmt.Sprintf(
		"The request %q could not be translated (%s).\nAvailable datasources: %s\nAsk the user one question that would resolve the ambiguity.",
		req.NaturalLanguage, reason, strings.Join(names, ", "),
	)
	text, err := e.callWithRetry(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (e *Engine) Explain(ctx context.Context, query string, kind QueryKind) (string, error) {
	systemPrompt := "You explain database queries to non-technical users in two or three plain sentences. Do not repeat the query text."
	userPrompt := fmt.Sprintf("Explain what this %s query does:\n%s", kind, query)
	text, err := e.callWithRetry(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (e *Engine) SuggestQueries(ctx context.Context, datasourceName, schemaBlock string, count int) ([]string, error) {
	if count <= 0 {
		count = 5
	}
	systemPrompt := "You propose example questions a user could ask about a dataset. Respond with a JSON array of strings only."
	userPrompt := fmt.Sprintf(
		"Datasource: %s\nSchema:\n%s\n\nPropose %d natural-language questions this data can answer.",
		datasourceName, schemaBlock, count,
	)
	text, err := e.callWithRetry(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	var suggestions []string
	if err := json.Unmarshal([]byte(extractArray(text)), &suggestions); err != nil {
		// Fall back to one suggestion per non-empty line.
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
			if line != "" {
				suggestions = append(suggestions, line)
			}
		}
	}
	if len(suggestions) > count {
		suggestions = suggestions[:count]
	}
	return suggestions, nil
}

func (e *Engine) callWithRetry(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		text, err := e.caller.Complete(ctx, systemPrompt, userPrompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		e.logger.Warn("model call failed, retrying",
			"attempt", attempt,
			"backoff", backoff.String(),
			"error", err,
		)
		observability.IncrementTranslationRetry()
		if err := e.sleep(ctx, backoff); err != nil {
			return "", translationErrorf("model call aborted: %v", err)
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return "", translationErrorf("model call failed after %d attempts: %v", maxAttempts, lastErr)
}

func (e *Engine) buildUserPrompt(naturalLanguage string, candidates []datasource.Datasource, history []HistoryEntry) string {
	var sb strings.Builder
	sb.WriteString("User request:\n")
	sb.WriteString(strings.TrimSpace(naturalLanguage))
	sb.WriteString("\n\nAvailable datasources:\n")
	sb.WriteString(e.buildSchemaContext(candidates))

	if len(history) > 0 {
		recent := history
		if len(recent) > historyWindow {
			recent = recent[len(recent)-historyWindow:]
		}
		sb.WriteString("\nRecent queries for context:\n")
		for _, entry := range recent {
			sb.WriteString(fmt.Sprintf("- asked %q -> ran %q on %s\n", entry.Input, entry.Query, entry.DatasourceID))
		}
	}
	return sb.String()
}

// buildSchemaContext serializes each candidate's identity, category, and
// cached schema. Stale or missing caches render as "Schema: not cached".
func (e *Engine) buildSchemaContext(candidates []datasource.Datasource) string {
	now := e.now()
	var sb strings.Builder
	for _, ds := range candidates {
		sb.WriteString(fmt.Sprintf("- id: %s, name: %s, type: %s, category: %s\n", ds.ID, ds.Name, ds.Type, ds.Category()))
		if ds.Description != "" {
			sb.WriteString(fmt.Sprintf("  description: %s\n", ds.Description))
		}
		if !ds.Cache.Fresh(now) {
			sb.WriteString("  Schema: not cached\n")
			continue
		}
		tables := make([]string, 0, len(ds.Cache.Schema))
		for table := range ds.Cache.Schema {
			tables = append(tables, table)
		}
		sort.Strings(tables)
		for _, table := range tables {
			fields := ds.Cache.Schema[table]
			parts := make([]string, 0, len(fields))
			for _, field := range fields {
				parts = append(parts, field.Name+" "+field.Type)
			}
			sb.WriteString(fmt.Sprintf("  table %s: %s\n", table, strings.Join(parts, ", ")))
		}
	}
	return sb.String()
}

func buildSystemPrompt(mode datasource.Mode) string {
	var focus string
	switch mode {
	case datasource.ModeSQL:
		focus = "Only SQL databases are in scope; produce SQL."
	case datasource.ModeNoSQL:
		focus = "Only document stores are in scope; produce a JSON query payload with a collection and either a pipeline or a filter."
	case datasource.ModeFiles:
		focus = "Only tabular files are in scope; produce SQL against the file's table, using {{table}} for the table name if unsure."
	default:
		focus = "Pick the single most relevant datasource for the request."
	}
	return `You translate natural-language questions into read-only database queries.
Never produce INSERT, UPDATE, DELETE, DROP, CREATE, ALTER, or any other mutating operation; aggregation pipelines must not contain $out or $merge.
` + focus + `
Respond with a single JSON object and nothing else, shaped exactly as:
{"datasource_id": "...", "query_type": "sql|document|wide_column|tabular", "query": "...", "confidence": 0.0, "explanation": "...", "warnings": [], "natural_response_template": "..."}
The natural_response_template may use only the {count} and {sample} placeholders.`
}

type wireResult struct {
	DatasourceID string          `json:"datasource_id"`
	QueryType    string          `json:"query_type"`
	Query        json.RawMessage `json:"query"`
	Confidence   *float64        `json:"confidence"`
	Explanation  string          `json:"explanation"`
	Warnings     []string        `json:"warnings"`
	Template     string          `json:"natural_response_template"`
}

// extractResponse parses the model's text as JSON, falling back to the first
// brace-delimited substring when the model wrapped the object in prose or
// markdown.
func extractResponse(text string) (wireResult, error) {
	var wire wireResult
	cleaned := stripMarkdownFence(text)
	if err := json.Unmarshal([]byte(cleaned), &wire); err == nil {
		return wire, nil
	}
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &wire); err == nil {
			return wire, nil
		}
	}
	return wireResult{}, translationErrorf("malformed model response")
}

func (e *Engine) validate(wire wireResult, candidates []datasource.Datasource) (Result, error) {
	if wire.DatasourceID == "" {
		return Result{}, translationErrorf("model response is missing a datasource id")
	}
	var matched bool
	for _, ds := range candidates {
		if ds.ID == wire.DatasourceID {
			matched = true
			break
		}
	}
	if !matched {
		return Result{}, translationErrorf("model selected unknown datasource %q", wire.DatasourceID)
	}

	query, err := decodeQuery(wire.Query)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(query) == "" {
		return Result{}, translationErrorf("model response is missing a query")
	}

	confidence := 0.8
	if wire.Confidence != nil {
		confidence = *wire.Confidence
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	template := strings.TrimSpace(wire.Template)
	if template == "" {
		template = e.defaultTemplate
	}

	return Result{
		Query:            query,
		Kind:             ParseKind(wire.QueryType),
		DatasourceID:     wire.DatasourceID,
		Confidence:       confidence,
		Explanation:      wire.Explanation,
		Warnings:         wire.Warnings,
		ResponseTemplate: template,
		Provider:         e.caller.Name(),
		Model:            e.caller.Model(),
	}, nil
}

// decodeQuery accepts the query either as a string or, for document
// payloads, as an inline JSON object which is re-serialized.
func decodeQuery(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var asObject map[string]any
	if err := json.Unmarshal(raw, &asObject); err == nil {
		compact, marshalErr := json.Marshal(asObject)
		if marshalErr != nil {
			return "", translationErrorf("re-encode query payload: %v", marshalErr)
		}
		return string(compact), nil
	}
	return "", translationErrorf("query field is neither a string nor an object")
}

// filterCandidates re-validates the caller-supplied candidate list against
// the mode, mirroring the registry's rule.
func filterCandidates(candidates []datasource.Datasource, mode datasource.Mode) ([]datasource.Datasource, error) {
	parsed, err := datasource.ParseMode(string(mode))
	if err != nil {
		return nil, err
	}
	out := make([]datasource.Datasource, 0, len(candidates))
	for _, ds := range candidates {
		if ds.Enabled && parsed.Includes(ds.Category()) {
			out = append(out, ds)
		}
	}
	return out, nil
}

func stripMarkdownFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}

func extractArray(text string) string {
	cleaned := stripMarkdownFence(text)
	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start >= 0 && end > start {
		return cleaned[start : end+1]
	}
	return cleaned
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
