package polyqueryctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("polyqueryctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "PolyQuery API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	mode := fs.String("mode", "", "Query mode override (sql|nosql|files|mixed)")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 10*time.Second), "HTTP timeout (e.g. 10s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	method := ""
	path := ""
	var body []byte
	switch command {
	case "health":
		method, path = http.MethodGet, "/v1/health"
	case "ready":
		method, path = http.MethodGet, "/v1/ready"
	case "ask", "preview":
		if fs.NArg() < 2 {
			_, _ = fmt.Fprintf(stderr, "%s requires a question\n\n", command)
			writeUsage(stderr)
			return 2
		}
		question := strings.Join(fs.Args()[1:], " ")
		payload := map[string]any{"natural_language": question}
		if *mode != "" {
			payload["mode"] = *mode
		}
		body, _ = json.Marshal(payload)
		method = http.MethodPost
		if command == "ask" {
			path = "/v1/query"
		} else {
			path = "/v1/query/preview"
		}
	case "explain":
		method, path = http.MethodGet, "/v1/query/explain-last"
	case "history":
		method, path = http.MethodGet, "/v1/query/history"
	case "datasources":
		method, path = http.MethodGet, "/v1/datasources"
	case "configure":
		if fs.NArg() < 2 {
			_, _ = fmt.Fprintf(stderr, "configure requires a JSON datasource document\n\n")
			writeUsage(stderr)
			return 2
		}
		doc := strings.Join(fs.Args()[1:], " ")
		if !json.Valid([]byte(doc)) {
			_, _ = fmt.Fprintln(stderr, "configure: document is not valid JSON")
			return 2
		}
		body = []byte(doc)
		method, path = http.MethodPost, "/v1/datasources"
	case "toggle":
		if fs.NArg() < 2 {
			_, _ = fmt.Fprintf(stderr, "toggle requires a datasource id\n\n")
			writeUsage(stderr)
			return 2
		}
		method, path = http.MethodPost, "/v1/datasources/"+fs.Arg(1)+"/toggle"
	case "schema":
		if fs.NArg() < 2 {
			_, _ = fmt.Fprintf(stderr, "schema requires a datasource id\n\n")
			writeUsage(stderr)
			return 2
		}
		method, path = http.MethodGet, "/v1/datasources/"+fs.Arg(1)+"/schema"
	case "export":
		format := "csv"
		if fs.NArg() >= 2 {
			format = fs.Arg(1)
		}
		method, path = http.MethodGet, "/v1/query/last/export?format="+format
	case "mode":
		if fs.NArg() >= 2 {
			body, _ = json.Marshal(map[string]string{"mode": fs.Arg(1)})
			method, path = http.MethodPut, "/v1/mode"
		} else {
			method, path = http.MethodGet, "/v1/mode"
		}
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + path
	code, responseBody, err := doRequest(ctx, client, method, endpoint, *apiKey, body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func doRequest(ctx context.Context, client *http.Client, method, url, apiKey string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: polyqueryctl [flags] <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health             GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready              GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  ask <question>     POST /v1/query")
	_, _ = fmt.Fprintln(w, "  preview <question> POST /v1/query/preview")
	_, _ = fmt.Fprintln(w, "  explain            GET /v1/query/explain-last")
	_, _ = fmt.Fprintln(w, "  history            GET /v1/query/history")
	_, _ = fmt.Fprintln(w, "  datasources        GET /v1/datasources")
	_, _ = fmt.Fprintln(w, "  configure <json>   POST /v1/datasources")
	_, _ = fmt.Fprintln(w, "  toggle <id>        POST /v1/datasources/{id}/toggle")
	_, _ = fmt.Fprintln(w, "  schema <id>        GET /v1/datasources/{id}/schema")
	_, _ = fmt.Fprintln(w, "  export [format]    GET /v1/query/last/export")
	_, _ = fmt.Fprintln(w, "  mode [value]       GET or PUT /v1/mode")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
