package polyqueryctl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRunAskCommand(t *testing.T) {
	var gotMethod, gotPath, gotAPIKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"query_id":"q-1","response":"Found 3 result(s)."}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"-api-key", "k1",
		"-mode", "sql",
		"ask", "how", "many", "orders?",
	}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/query" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotAPIKey != "k1" {
		t.Fatalf("api key header = %q", gotAPIKey)
	}
	if gotBody["natural_language"] != "how many orders?" || gotBody["mode"] != "sql" {
		t.Fatalf("unexpected body %v", gotBody)
	}
	if stdout.Len() == 0 {
		t.Fatal("expected command output")
	}
}

func TestRunAskRequiresQuestion(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"ask"}, Options{Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestRunModeSetCommand(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"mode":"files"}`))
	}))
	defer srv.Close()

	code := Run(context.Background(), []string{"-base-url", srv.URL, "mode", "files"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotMethod != http.MethodPut || gotPath != "/v1/mode" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotBody["mode"] != "files" {
		t.Fatalf("unexpected body %v", gotBody)
	}
}

func TestRunHistoryCommand(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"queries":[],"count":0}`))
	}))
	defer srv.Close()

	code := Run(context.Background(), []string{"-base-url", srv.URL, "history"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotMethod != http.MethodGet || gotPath != "/v1/query/history" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
}

func TestRunConfigureCommand(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"orders"}`))
	}))
	defer srv.Close()

	doc := `{"id":"orders","name":"Orders","type":"postgresql","connection":{"dsn_env":"ORDERS_DSN"}}`
	code := Run(context.Background(), []string{"-base-url", srv.URL, "configure", doc}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/datasources" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotBody["id"] != "orders" {
		t.Fatalf("unexpected body %v", gotBody)
	}
}

func TestRunConfigureRejectsInvalidJSON(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"configure", "{not json"}, Options{Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestRunToggleAndSchemaCommands(t *testing.T) {
	var gotRequests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequests = append(gotRequests, r.Method+" "+r.URL.Path)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if code := Run(context.Background(), []string{"-base-url", srv.URL, "toggle", "orders"}, Options{}); code != 0 {
		t.Fatalf("toggle exit code = %d", code)
	}
	if code := Run(context.Background(), []string{"-base-url", srv.URL, "schema", "orders"}, Options{}); code != 0 {
		t.Fatalf("schema exit code = %d", code)
	}
	want := []string{"POST /v1/datasources/orders/toggle", "GET /v1/datasources/orders/schema"}
	for i, w := range want {
		if gotRequests[i] != w {
			t.Fatalf("request %d = %q, want %q", i, gotRequests[i], w)
		}
	}
}

func TestRunExportCommand(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("id\n1\n"))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "export"}, Options{Stdout: &stdout})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotPath != "/v1/query/last/export" || gotQuery != "format=csv" {
		t.Fatalf("request = %s?%s", gotPath, gotQuery)
	}
	if !bytes.Contains(stdout.Bytes(), []byte("id\n1")) {
		t.Fatalf("unexpected output %q", stdout.String())
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error_code":"TRANSLATION_ERROR"}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "ask", "gibberish"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"unknown"}, Options{Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected usage output")
	}
}
