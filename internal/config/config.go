package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Query         QueryConfig
	LLM           LLMConfig
	ObjectStore   ObjectStoreConfig
	Snapshot      SnapshotConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type QueryConfig struct {
	DefaultMode      string
	MaxResults       int
	Timeout          time.Duration
	SchemaCacheTTL   time.Duration
	DefaultTemplate  string
	HistoryReadLimit int
}

type LLMConfig struct {
	Provider    string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	OpenAI      ProviderConfig
	Anthropic   ProviderConfig
	Gemini      ProviderConfig
}

type ProviderConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type SnapshotConfig struct {
	Path      string
	ObjectKey string
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("POLYQUERY_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid POLYQUERY_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "POLYQUERY_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_HTTP_ADDR", &cfg.HTTP.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "POLYQUERY_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "POLYQUERY_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "POLYQUERY_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_QUERY_DEFAULT_MODE", &cfg.Query.DefaultMode); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "POLYQUERY_QUERY_MAX_RESULTS", &cfg.Query.MaxResults); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "POLYQUERY_QUERY_TIMEOUT", &cfg.Query.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "POLYQUERY_SCHEMA_CACHE_TTL", &cfg.Query.SchemaCacheTTL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_AI_DEFAULT_TEMPLATE", &cfg.Query.DefaultTemplate); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "POLYQUERY_QUERY_HISTORY_READ_LIMIT", &cfg.Query.HistoryReadLimit); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_LLM_PROVIDER", &cfg.LLM.Provider); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "POLYQUERY_LLM_TEMPERATURE", &cfg.LLM.Temperature); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "POLYQUERY_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "POLYQUERY_LLM_TIMEOUT", &cfg.LLM.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_OPENAI_API_KEY", &cfg.LLM.OpenAI.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_OPENAI_MODEL", &cfg.LLM.OpenAI.Model); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_OPENAI_BASE_URL", &cfg.LLM.OpenAI.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_ANTHROPIC_API_KEY", &cfg.LLM.Anthropic.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_ANTHROPIC_MODEL", &cfg.LLM.Anthropic.Model); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_ANTHROPIC_BASE_URL", &cfg.LLM.Anthropic.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_GEMINI_API_KEY", &cfg.LLM.Gemini.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_GEMINI_MODEL", &cfg.LLM.Gemini.Model); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_GEMINI_BASE_URL", &cfg.LLM.Gemini.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_OBJECTSTORE_REGION", &cfg.ObjectStore.Region); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "POLYQUERY_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "POLYQUERY_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_SNAPSHOT_PATH", &cfg.Snapshot.Path); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_SNAPSHOT_OBJECT", &cfg.Snapshot.ObjectKey); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "POLYQUERY_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "POLYQUERY_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "POLYQUERY_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "POLYQUERY_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys); err != nil {
		return Config{}, err
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Query.MaxResults <= 0 {
		return Config{}, fmt.Errorf("query max results must be positive")
	}
	if cfg.Query.SchemaCacheTTL <= 0 {
		return Config{}, fmt.Errorf("schema cache ttl must be positive")
	}
	return cfg, nil
}

// ResolveProvider returns the effective LLM provider name. "auto" selects the
// first provider with a configured API key, in openai, anthropic, gemini order.
func (c Config) ResolveProvider() (string, error) {
	provider := strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if provider == "auto" || provider == "" {
		switch {
		case c.LLM.OpenAI.APIKey != "":
			return "openai", nil
		case c.LLM.Anthropic.APIKey != "":
			return "anthropic", nil
		case c.LLM.Gemini.APIKey != "":
			return "gemini", nil
		default:
			return "", fmt.Errorf("no LLM API key configured: set POLYQUERY_OPENAI_API_KEY, POLYQUERY_ANTHROPIC_API_KEY, or POLYQUERY_GEMINI_API_KEY")
		}
	}

	switch provider {
	case "openai":
		if c.LLM.OpenAI.APIKey == "" {
			return "", fmt.Errorf("POLYQUERY_OPENAI_API_KEY is required for provider openai")
		}
	case "anthropic":
		if c.LLM.Anthropic.APIKey == "" {
			return "", fmt.Errorf("POLYQUERY_ANTHROPIC_API_KEY is required for provider anthropic")
		}
	case "gemini":
		if c.LLM.Gemini.APIKey == "" {
			return "", fmt.Errorf("POLYQUERY_GEMINI_API_KEY is required for provider gemini")
		}
	default:
		return "", fmt.Errorf("unknown LLM provider %q", provider)
	}
	return provider, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "polyquery-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Query: QueryConfig{
			DefaultMode:      "mixed",
			MaxResults:       1000,
			Timeout:          30 * time.Second,
			SchemaCacheTTL:   time.Hour,
			DefaultTemplate:  "Found {count} result(s).",
			HistoryReadLimit: 10,
		},
		LLM: LLMConfig{
			Provider:    "auto",
			Temperature: 0,
			MaxTokens:   2000,
			Timeout:     60 * time.Second,
			OpenAI: ProviderConfig{
				Model:   "gpt-4o",
				BaseURL: "https://api.openai.com",
			},
			Anthropic: ProviderConfig{
				Model:   "claude-sonnet-4-20250514",
				BaseURL: "https://api.anthropic.com",
			},
			Gemini: ProviderConfig{
				Model:   "gemini-2.0-flash",
				BaseURL: "https://generativelanguage.googleapis.com",
			},
		},
		ObjectStore: ObjectStoreConfig{
			Region:           "us-east-1",
			Bucket:           "polyquery",
			UseSSL:           false,
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required: false,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
