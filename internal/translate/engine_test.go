package translate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/polyquery/polyquery/internal/datasource"
)

type fakeCaller struct {
	responses []string
	errs      []error
	calls     int
	lastSys   string
	lastUser  string
}

func (f *fakeCaller) Complete(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	idx := f.calls
	f.calls++
	f.lastSys = systemPrompt
	f.lastUser = userPrompt
	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return "", errors.New("no scripted response")
}

func (f *fakeCaller) Name() string  { return "fake" }
func (f *fakeCaller) Model() string { return "fake-1" }

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func testEngine(caller Caller) *Engine {
	return NewEngine(caller, EngineOptions{
		DefaultTemplate: "Found {count} result(s).",
		Sleep:           noSleep,
	})
}

func sqlCandidate(id string) datasource.Datasource {
	return datasource.Datasource{
		ID:      id,
		Name:    "orders db",
		Type:    datasource.TypePostgreSQL,
		Enabled: true,
		Connection: &datasource.ConnectionConfig{
			DSNEnv: "ORDERS_DSN",
		},
	}
}

func mongoCandidate(id string) datasource.Datasource {
	return datasource.Datasource{
		ID:      id,
		Name:    "events store",
		Type:    datasource.TypeMongoDB,
		Enabled: true,
		Connection: &datasource.ConnectionConfig{
			DSNEnv:   "EVENTS_DSN",
			Database: "events",
		},
	}
}

func TestTranslateParsesWellFormedResponse(t *testing.T) {
	caller := &fakeCaller{responses: []string{
		`{"datasource_id":"ds-1","query_type":"sql","query":"SELECT id FROM orders","confidence":0.9,"explanation":"lists order ids","warnings":["large table"],"natural_response_template":"Got {count} orders."}`,
	}}
	engine := testEngine(caller)

	result, err := engine.Translate(context.Background(), Request{
		NaturalLanguage: "show me order ids",
		Candidates:      []datasource.Datasource{sqlCandidate("ds-1")},
		Mode:            datasource.ModeSQL,
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if result.Query != "SELECT id FROM orders" {
		t.Fatalf("unexpected query %q", result.Query)
	}
	if result.Kind != KindSQL {
		t.Fatalf("unexpected kind %q", result.Kind)
	}
	if result.Confidence != 0.9 {
		t.Fatalf("unexpected confidence %v", result.Confidence)
	}
	if result.ResponseTemplate != "Got {count} orders." {
		t.Fatalf("unexpected template %q", result.ResponseTemplate)
	}
	if result.Provider != "fake" || result.Model != "fake-1" {
		t.Fatalf("unexpected provenance %q/%q", result.Provider, result.Model)
	}
}

func TestTranslateAppliesDefaults(t *testing.T) {
	caller := &fakeCaller{responses: []string{
		`{"datasource_id":"ds-1","query_type":"made_up","query":"SELECT 1"}`,
	}}
	engine := testEngine(caller)

	result, err := engine.Translate(context.Background(), Request{
		NaturalLanguage: "anything",
		Candidates:      []datasource.Datasource{sqlCandidate("ds-1")},
		Mode:            datasource.ModeMixed,
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if result.Kind != KindSQL {
		t.Fatalf("unknown query_type should default to sql, got %q", result.Kind)
	}
	if result.Confidence != 0.8 {
		t.Fatalf("missing confidence should default to 0.8, got %v", result.Confidence)
	}
	if result.ResponseTemplate != "Found {count} result(s)." {
		t.Fatalf("missing template should fall back, got %q", result.ResponseTemplate)
	}
}

func TestTranslateAcceptsObjectQuery(t *testing.T) {
	caller := &fakeCaller{responses: []string{
		`{"datasource_id":"ds-2","query_type":"document","query":{"collection":"events","filter":{"level":"error"}}}`,
	}}
	engine := testEngine(caller)

	result, err := engine.Translate(context.Background(), Request{
		NaturalLanguage: "find error events",
		Candidates:      []datasource.Datasource{mongoCandidate("ds-2")},
		Mode:            datasource.ModeNoSQL,
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if result.Kind != KindDocument {
		t.Fatalf("unexpected kind %q", result.Kind)
	}
	if !strings.Contains(result.Query, `"collection":"events"`) {
		t.Fatalf("object query should be re-serialized, got %q", result.Query)
	}
}

func TestTranslateStripsMarkdownFence(t *testing.T) {
	caller := &fakeCaller{responses: []string{
		"```json\n{\"datasource_id\":\"ds-1\",\"query_type\":\"sql\",\"query\":\"SELECT 1\"}\n```",
	}}
	engine := testEngine(caller)

	result, err := engine.Translate(context.Background(), Request{
		NaturalLanguage: "select one",
		Candidates:      []datasource.Datasource{sqlCandidate("ds-1")},
		Mode:            datasource.ModeSQL,
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if result.Query != "SELECT 1" {
		t.Fatalf("unexpected query %q", result.Query)
	}
}

func TestTranslateExtractsEmbeddedJSON(t *testing.T) {
	caller := &fakeCaller{responses: []string{
		`Sure, here is the query: {"datasource_id":"ds-1","query_type":"sql","query":"SELECT 1"} Hope that helps!`,
	}}
	engine := testEngine(caller)

	result, err := engine.Translate(context.Background(), Request{
		NaturalLanguage: "select one",
		Candidates:      []datasource.Datasource{sqlCandidate("ds-1")},
		Mode:            datasource.ModeSQL,
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if result.Query != "SELECT 1" {
		t.Fatalf("unexpected query %q", result.Query)
	}
}

func TestTranslateRejectsUnknownDatasource(t *testing.T) {
	caller := &fakeCaller{responses: []string{
		`{"datasource_id":"ds-other","query_type":"sql","query":"SELECT 1"}`,
	}}
	engine := testEngine(caller)

	_, err := engine.Translate(context.Background(), Request{
		NaturalLanguage: "select one",
		Candidates:      []datasource.Datasource{sqlCandidate("ds-1")},
		Mode:            datasource.ModeSQL,
	})
	if !errors.Is(err, ErrTranslation) {
		t.Fatalf("expected ErrTranslation, got %v", err)
	}
}

func TestTranslateFailsBeforeModelCallWithoutCandidates(t *testing.T) {
	caller := &fakeCaller{}
	engine := testEngine(caller)

	disabled := sqlCandidate("ds-1")
	disabled.Enabled = false

	_, err := engine.Translate(context.Background(), Request{
		NaturalLanguage: "select one",
		Candidates:      []datasource.Datasource{disabled, mongoCandidate("ds-2")},
		Mode:            datasource.ModeSQL,
	})
	if !errors.Is(err, ErrTranslation) {
		t.Fatalf("expected ErrTranslation, got %v", err)
	}
	if caller.calls != 0 {
		t.Fatalf("model should not be called, got %d calls", caller.calls)
	}
}

func TestTranslateRetriesTransientFailures(t *testing.T) {
	caller := &fakeCaller{
		errs: []error{errors.New("boom"), errors.New("boom again")},
		responses: []string{
			"", "",
			`{"datasource_id":"ds-1","query_type":"sql","query":"SELECT 1"}`,
		},
	}
	engine := testEngine(caller)

	result, err := engine.Translate(context.Background(), Request{
		NaturalLanguage: "select one",
		Candidates:      []datasource.Datasource{sqlCandidate("ds-1")},
		Mode:            datasource.ModeSQL,
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if caller.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", caller.calls)
	}
	if result.Query != "SELECT 1" {
		t.Fatalf("unexpected query %q", result.Query)
	}
}

func TestTranslateGivesUpAfterThreeAttempts(t *testing.T) {
	caller := &fakeCaller{
		errs: []error{errors.New("a"), errors.New("b"), errors.New("c")},
	}
	engine := testEngine(caller)

	_, err := engine.Translate(context.Background(), Request{
		NaturalLanguage: "select one",
		Candidates:      []datasource.Datasource{sqlCandidate("ds-1")},
		Mode:            datasource.ModeSQL,
	})
	if !errors.Is(err, ErrTranslation) {
		t.Fatalf("expected ErrTranslation, got %v", err)
	}
	if caller.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", caller.calls)
	}
}

func TestTranslateMalformedResponse(t *testing.T) {
	caller := &fakeCaller{responses: []string{"definitely not json"}}
	engine := testEngine(caller)

	_, err := engine.Translate(context.Background(), Request{
		NaturalLanguage: "select one",
		Candidates:      []datasource.Datasource{sqlCandidate("ds-1")},
		Mode:            datasource.ModeSQL,
	})
	if !errors.Is(err, ErrTranslation) {
		t.Fatalf("expected ErrTranslation, got %v", err)
	}
}

func TestPromptIncludesSchemaAndHistory(t *testing.T) {
	caller := &fakeCaller{responses: []string{
		`{"datasource_id":"ds-1","query_type":"sql","query":"SELECT 1"}`,
	}}
	engine := NewEngine(caller, EngineOptions{
		Sleep: noSleep,
		Now:   func() time.Time { return time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC) },
	})

	fresh := sqlCandidate("ds-1")
	fresh.Cache = &datasource.SchemaCache{
		Schema: datasource.Schema{
			"orders": {{Name: "id", Type: "integer"}, {Name: "total", Type: "numeric"}},
		},
		CachedAt: time.Date(2026, 1, 10, 11, 30, 0, 0, time.UTC),
		TTL:      time.Hour,
	}
	stale := sqlCandidate("ds-stale")
	stale.Cache = &datasource.SchemaCache{
		Schema:   datasource.Schema{"old": {{Name: "x", Type: "text"}}},
		CachedAt: time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC),
		TTL:      time.Hour,
	}

	history := []HistoryEntry{
		{Input: "q1", Query: "SELECT 1", DatasourceID: "ds-1"},
		{Input: "q2", Query: "SELECT 2", DatasourceID: "ds-1"},
		{Input: "q3", Query: "SELECT 3", DatasourceID: "ds-1"},
		{Input: "q4", Query: "SELECT 4", DatasourceID: "ds-1"},
	}

	_, err := engine.Translate(context.Background(), Request{
		NaturalLanguage: "latest orders",
		Candidates:      []datasource.Datasource{fresh, stale},
		Mode:            datasource.ModeSQL,
		History:         history,
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if !strings.Contains(caller.lastUser, "table orders: id integer, total numeric") {
		t.Fatalf("prompt missing fresh schema:\n%s", caller.lastUser)
	}
	if !strings.Contains(caller.lastUser, "Schema: not cached") {
		t.Fatalf("prompt should mark stale schema as not cached:\n%s", caller.lastUser)
	}
	if strings.Contains(caller.lastUser, `"q1"`) {
		t.Fatalf("history should keep only the last three entries:\n%s", caller.lastUser)
	}
	if !strings.Contains(caller.lastUser, `"q4"`) {
		t.Fatalf("latest history entry missing:\n%s", caller.lastUser)
	}
	if !strings.Contains(caller.lastSys, "read-only") {
		t.Fatalf("system prompt should demand read-only queries:\n%s", caller.lastSys)
	}
}

func TestSuggestQueriesParsesArray(t *testing.T) {
	caller := &fakeCaller{responses: []string{
		`["how many orders last week?","top customers by revenue"]`,
	}}
	engine := testEngine(caller)

	suggestions, err := engine.SuggestQueries(context.Background(), "orders db", "table orders: id integer", 5)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(suggestions) != 2 || suggestions[0] != "how many orders last week?" {
		t.Fatalf("unexpected suggestions %v", suggestions)
	}
}

func TestSuggestQueriesFallsBackToLines(t *testing.T) {
	caller := &fakeCaller{responses: []string{
		"1. how many orders last week?\n2. top customers by revenue\n",
	}}
	engine := testEngine(caller)

	suggestions, err := engine.SuggestQueries(context.Background(), "orders db", "", 5)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(suggestions) != 2 || suggestions[1] != "top customers by revenue" {
		t.Fatalf("unexpected suggestions %v", suggestions)
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]QueryKind{
		"sql":         KindSQL,
		"document":    KindDocument,
		"wide_column": KindWideColumn,
		"tabular":     KindTabular,
		"nonsense":    KindSQL,
		"":            KindSQL,
	}
	for in, want := range cases {
		if got := ParseKind(in); got != want {
			t.Fatalf("ParseKind(%q) = %q, want %q", in, got, want)
		}
	}
}
