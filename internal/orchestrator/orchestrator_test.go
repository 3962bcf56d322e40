package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/polyquery/polyquery/internal/datasource"
	"github.com/polyquery/polyquery/internal/translate"
)

type fakeBackend struct {
	connects    int
	disconnects int
	raw         *datasource.RawResult
	execErr     error
	lastQuery   string
}

func (f *fakeBackend) Connect(context.Context) error { f.connects++; return nil }
func (f *fakeBackend) Disconnect(context.Context) error {
	f.disconnects++
	return nil
}
func (f *fakeBackend) Validate(context.Context) bool { return true }
func (f *fakeBackend) Execute(_ context.Context, query string, _ int, _ time.Duration) (*datasource.RawResult, error) {
	f.lastQuery = query
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.raw, nil
}
func (f *fakeBackend) Schema(context.Context) (datasource.Schema, error) { return nil, nil }
func (f *fakeBackend) Tables(context.Context) ([]string, error)         { return nil, nil }

type fakeTranslator struct {
	result  translate.Result
	err     error
	calls   int
	lastReq translate.Request
	explain string
}

func (f *fakeTranslator) Translate(_ context.Context, req translate.Request) (translate.Result, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return translate.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeTranslator) Clarify(context.Context, translate.Request, string) (string, error) {
	return "which table?", nil
}

func (f *fakeTranslator) Explain(_ context.Context, query string, kind translate.QueryKind) (string, error) {
	return fmt.Sprintf("explained %s %s", kind, query), nil
}

func (f *fakeTranslator) SuggestQueries(context.Context, string, string, int) ([]string, error) {
	return nil, nil
}

func newFixture(t *testing.T) (*Orchestrator, *fakeTranslator, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{
		raw: &datasource.RawResult{
			Rows:      []map[string]any{{"id": int64(1)}, {"id": int64(2)}},
			Columns:   []datasource.Column{{Name: "id", Type: "integer"}},
			TotalRows: 2,
		},
	}
	registry := datasource.NewRegistry(datasource.RegistryOptions{
		Factories: map[datasource.Type]datasource.Factory{
			datasource.TypePostgreSQL: func(datasource.Datasource) (datasource.Backend, error) {
				return backend, nil
			},
		},
	})
	err := registry.Add(context.Background(), datasource.Datasource{
		ID:      "ds-1",
		Name:    "orders db",
		Type:    datasource.TypePostgreSQL,
		Enabled: true,
		Connection: &datasource.ConnectionConfig{
			DSNEnv: "ORDERS_DSN",
		},
	})
	if err != nil {
		t.Fatalf("add datasource: %v", err)
	}

	translator := &fakeTranslator{
		result: translate.Result{
			Query:            "SELECT id FROM orders",
			Kind:             translate.KindSQL,
			DatasourceID:     "ds-1",
			Confidence:       0.9,
			ResponseTemplate: "Got {count} rows.",
		},
	}

	var seq int
	orch, err := New(Options{
		Registry:   registry,
		Translator: translator,
		NewID: func() string {
			seq++
			return fmt.Sprintf("q-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orch, translator, backend
}

func TestExecuteHappyPath(t *testing.T) {
	orch, _, backend := newFixture(t)

	res, err := orch.Execute(context.Background(), Request{NaturalLanguage: "list orders"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Response != "Got 2 rows." {
		t.Fatalf("unexpected response %q", res.Response)
	}
	if res.GeneratedQuery != "SELECT id FROM orders" {
		t.Fatalf("result should carry the generated query, got %q", res.GeneratedQuery)
	}
	if res.Metadata.DatasourceID != "ds-1" || res.Metadata.DatasourceName != "orders db" {
		t.Fatalf("unexpected source metadata %+v", res.Metadata)
	}
	if backend.connects != 1 || backend.disconnects != 1 {
		t.Fatalf("backend should be acquired and released, got %d/%d", backend.connects, backend.disconnects)
	}

	history := orch.History(0)
	if len(history) != 1 || history[0].Status != StatusCompleted {
		t.Fatalf("unexpected history %+v", history)
	}
	if orch.LastResult() != res {
		t.Fatal("last result should be retained")
	}
}

func TestExecuteFailsBeforeTranslationWithoutCandidates(t *testing.T) {
	orch, translator, _ := newFixture(t)

	_, err := orch.Execute(context.Background(), Request{NaturalLanguage: "anything", Mode: "files"})
	if !errors.Is(err, ErrNoDatasources) {
		t.Fatalf("expected ErrNoDatasources, got %v", err)
	}
	if translator.calls != 0 {
		t.Fatalf("translator must not run with no candidates, got %d calls", translator.calls)
	}

	history := orch.History(0)
	if len(history) != 1 || history[0].Status != StatusFailed {
		t.Fatalf("failure should be recorded in history, got %+v", history)
	}
}

func TestExecuteInvalidMode(t *testing.T) {
	orch, _, _ := newFixture(t)
	if _, err := orch.Execute(context.Background(), Request{NaturalLanguage: "x", Mode: "graph"}); !errors.Is(err, datasource.ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}

func TestExecuteTranslationFailureRecorded(t *testing.T) {
	orch, translator, backend := newFixture(t)
	translator.err = fmt.Errorf("%w: malformed model response", translate.ErrTranslation)

	_, err := orch.Execute(context.Background(), Request{NaturalLanguage: "broken"})
	if !errors.Is(err, translate.ErrTranslation) {
		t.Fatalf("expected translation error, got %v", err)
	}
	if backend.connects != 0 {
		t.Fatal("backend must not be touched when translation fails")
	}
	history := orch.History(0)
	if len(history) != 1 || history[0].Status != StatusFailed || history[0].Error == "" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestExecuteUnknownDatasourceFromTranslator(t *testing.T) {
	orch, translator, _ := newFixture(t)
	translator.result.DatasourceID = "ds-gone"

	_, err := orch.Execute(context.Background(), Request{NaturalLanguage: "x"})
	if !errors.Is(err, datasource.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExecuteSurfacesExecutionErrors(t *testing.T) {
	orch, _, backend := newFixture(t)
	backend.execErr = fmt.Errorf("%w: query exceeded 1s", datasource.ErrExecutionTimeout)

	_, err := orch.Execute(context.Background(), Request{NaturalLanguage: "slow"})
	if !errors.Is(err, datasource.ErrExecutionTimeout) {
		t.Fatalf("expected ErrExecutionTimeout, got %v", err)
	}
	if backend.disconnects != 1 {
		t.Fatal("backend must be released after a failed execution")
	}
	if orch.LastResult() != nil {
		t.Fatal("failed execution must not set the last result")
	}
}

func TestPreviewLeavesLastResultUntouched(t *testing.T) {
	orch, _, backend := newFixture(t)

	res, err := orch.Preview(context.Background(), "show me 5 customers", "")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !res.IsPreview {
		t.Fatal("expected preview flag")
	}
	if res.GeneratedQuery == "" {
		t.Fatal("preview must carry the generated query")
	}
	if len(res.Rows) != 0 {
		t.Fatal("preview must not carry data")
	}
	if backend.connects != 0 {
		t.Fatal("preview must not touch the backend")
	}
	if orch.LastResult() != nil {
		t.Fatal("preview must not set the last result")
	}
}

func TestSequentialExecutionsAppendHistoryInOrder(t *testing.T) {
	orch, _, _ := newFixture(t)

	if _, err := orch.Execute(context.Background(), Request{NaturalLanguage: "first question"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := orch.Execute(context.Background(), Request{NaturalLanguage: "second question"}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	history := orch.History(0)
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].Input != "first question" || history[1].Input != "second question" {
		t.Fatalf("history out of order: %+v", history)
	}
	if history[0].ID == history[1].ID {
		t.Fatal("queries must have distinct ids")
	}
}

func TestHistoryLimit(t *testing.T) {
	orch, _, _ := newFixture(t)
	for i := 0; i < 4; i++ {
		if _, err := orch.Execute(context.Background(), Request{NaturalLanguage: fmt.Sprintf("q%d", i)}); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	history := orch.History(2)
	if len(history) != 2 || history[0].Input != "q2" || history[1].Input != "q3" {
		t.Fatalf("limit should keep the most recent entries, got %+v", history)
	}
}

func TestHistoryDefaultReadLimit(t *testing.T) {
	orch, _, _ := newFixture(t)
	for i := 0; i < 12; i++ {
		if _, err := orch.Execute(context.Background(), Request{NaturalLanguage: fmt.Sprintf("q%d", i)}); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	history := orch.History(0)
	if len(history) != 10 {
		t.Fatalf("default read limit should return 10 entries, got %d", len(history))
	}
	if history[0].Input != "q2" || history[9].Input != "q11" {
		t.Fatalf("expected the 10 most recent entries, got %q..%q", history[0].Input, history[9].Input)
	}
}

func TestClearHistory(t *testing.T) {
	orch, _, _ := newFixture(t)
	if _, err := orch.Execute(context.Background(), Request{NaturalLanguage: "how many orders"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	orch.ClearHistory()
	if got := orch.History(0); len(got) != 0 {
		t.Fatalf("history should be empty, got %d entries", len(got))
	}
	if orch.LastResult() != nil {
		t.Fatal("last result should be dropped")
	}
	msg, err := orch.ExplainLast(context.Background())
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if msg != "No query has been executed yet." {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestTranslationContextCarriesRecentHistory(t *testing.T) {
	orch, translator, _ := newFixture(t)
	for i := 0; i < 5; i++ {
		if _, err := orch.Execute(context.Background(), Request{NaturalLanguage: fmt.Sprintf("q%d", i)}); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	entries := translator.lastReq.History
	if len(entries) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(entries))
	}
	if entries[0].Input != "q1" || entries[2].Input != "q3" {
		t.Fatalf("unexpected context window %+v", entries)
	}
}

func TestExplainLast(t *testing.T) {
	orch, _, _ := newFixture(t)

	msg, err := orch.ExplainLast(context.Background())
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if msg != "No query has been executed yet." {
		t.Fatalf("unexpected no-op message %q", msg)
	}

	if _, err := orch.Execute(context.Background(), Request{NaturalLanguage: "list orders"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	msg, err = orch.ExplainLast(context.Background())
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if msg != "explained sql SELECT id FROM orders" {
		t.Fatalf("unexpected explanation %q", msg)
	}
}
