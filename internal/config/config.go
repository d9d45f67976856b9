package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/antoniostano/atom/internal/provider"
)

// Config contains all runtime settings for the assistant service.
type Config struct {
	BindAddr                 string        `toml:"bind_addr"`
	ShutdownTimeout          time.Duration `toml:"shutdown_timeout"`
	SessionInactivityTimeout time.Duration `toml:"session_inactivity_timeout"`
	RequestTimeout           time.Duration `toml:"request_timeout"`
	MetricsNamespace         string        `toml:"metrics_namespace"`
	AllowAnyOrigin           bool          `toml:"allow_any_origin"`
	LogLevel                 string        `toml:"log_level"`

	DefaultUserID string `toml:"default_user_id"`
	AssistantName string `toml:"assistant_name"`
	SystemPrompt  string `toml:"system_prompt"`

	StorageBackend string `toml:"storage_backend"`
	SQLitePath     string `toml:"sqlite_path"`
	DatabaseURL    string `toml:"database_url"`

	EmbeddingProvider  string        `toml:"embedding_provider"`
	EmbeddingModel     string        `toml:"embedding_model"`
	EmbeddingDim       int           `toml:"embedding_dim"`
	EmbeddingAPIKey    string        `toml:"-"`
	EmbeddingBaseURL   string        `toml:"embedding_base_url"`
	EmbeddingTimeout   time.Duration `toml:"embedding_timeout"`
	EmbeddingCacheSize int           `toml:"embedding_cache_size"`

	Providers         []provider.Config `toml:"providers"`
	ProviderPriority  []string          `toml:"provider_priority"`
	FailureThreshold  int               `toml:"failure_threshold"`
	CircuitCooldownMS int               `toml:"circuit_cooldown_ms"`

	ShortTermCapacity      int     `toml:"short_term_capacity"`
	RetrievalK             int     `toml:"retrieval_k"`
	RetrievalMinSimilarity float64 `toml:"retrieval_min_similarity"`
	SimilarityWeight       float64 `toml:"similarity_weight"`
	RecencyWeight          float64 `toml:"recency_weight"`
	ContextTokenBudget     int     `toml:"context_token_budget"`
	GenerationMaxTokens    int     `toml:"max_tokens"`
	GenerationTemperature  float64 `toml:"temperature"`
	TokenizerEncoding      string  `toml:"tokenizer_encoding"`
	RedactPII              bool    `toml:"redact_pii"`
}

const (
	groqBaseURL     = "https://api.groq.com/openai/v1"
	cerebrasBaseURL = "https://api.cerebras.ai/v1"
)

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		RequestTimeout:           60 * time.Second,
		MetricsNamespace:         "atom",
		LogLevel:                 "info",
		DefaultUserID:            "owner",
		AssistantName:            "Atom",
		StorageBackend:           "sqlite",
		SQLitePath:               "atom.db",
		EmbeddingProvider:        "hash",
		EmbeddingDim:             384,
		EmbeddingTimeout:         10 * time.Second,
		EmbeddingCacheSize:       10000,
		FailureThreshold:         3,
		CircuitCooldownMS:        30000,
		ShortTermCapacity:        10,
		RetrievalK:               5,
		SimilarityWeight:         1,
		RecencyWeight:            1,
		ContextTokenBudget:       3000,
		GenerationMaxTokens:      1000,
		GenerationTemperature:    0.7,
		TokenizerEncoding:        "heuristic",
		RedactPII:                true,
	}
}

// Load applies defaults, then the TOML file named by ATOM_CONFIG, then
// environment variables, and validates the result.
func Load() (Config, error) {
	cfg := Defaults()
	if path := stringsTrimSpace("ATOM_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("ATOM_CONFIG %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := resolveProviders(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("APP_LOG_LEVEL", cfg.LogLevel)
	cfg.DefaultUserID = envOrDefault("ATOM_DEFAULT_USER_ID", cfg.DefaultUserID)
	cfg.AssistantName = envOrDefault("ATOM_ASSISTANT_NAME", cfg.AssistantName)
	cfg.SystemPrompt = envOrDefault("ATOM_SYSTEM_PROMPT", cfg.SystemPrompt)
	cfg.SQLitePath = envOrDefault("SQLITE_PATH", cfg.SQLitePath)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.EmbeddingProvider = envOrDefault("EMBEDDING_PROVIDER", cfg.EmbeddingProvider)
	cfg.EmbeddingModel = envOrDefault("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.EmbeddingBaseURL = envOrDefault("EMBEDDING_BASE_URL", cfg.EmbeddingBaseURL)
	cfg.TokenizerEncoding = envOrDefault("TOKENIZER_ENCODING", cfg.TokenizerEncoding)

	if v := stringsTrimSpace("STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = v
	} else if cfg.DatabaseURL != "" && cfg.StorageBackend == "sqlite" {
		cfg.StorageBackend = "postgres"
	}
	if v := stringsTrimSpace("PROVIDER_PRIORITY"); v != "" {
		cfg.ProviderPriority = splitList(v)
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"APP_REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"EMBEDDING_TIMEOUT", &cfg.EmbeddingTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MEMORY_EMBEDDING_DIM", &cfg.EmbeddingDim},
		{"EMBEDDING_CACHE_SIZE", &cfg.EmbeddingCacheSize},
		{"FAILURE_THRESHOLD", &cfg.FailureThreshold},
		{"CIRCUIT_COOLDOWN_MS", &cfg.CircuitCooldownMS},
		{"SHORT_TERM_CAPACITY", &cfg.ShortTermCapacity},
		{"RETRIEVAL_K", &cfg.RetrievalK},
		{"CONTEXT_TOKEN_BUDGET", &cfg.ContextTokenBudget},
		{"GENERATION_MAX_TOKENS", &cfg.GenerationMaxTokens},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return err
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"RETRIEVAL_MIN_SIMILARITY", &cfg.RetrievalMinSimilarity},
		{"RETRIEVAL_SIMILARITY_WEIGHT", &cfg.SimilarityWeight},
		{"RETRIEVAL_RECENCY_WEIGHT", &cfg.RecencyWeight},
		{"GENERATION_TEMPERATURE", &cfg.GenerationTemperature},
	}
	for _, f := range floats {
		if *f.dst, err = floatFromEnv(f.key, *f.dst); err != nil {
			return err
		}
	}

	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return err
	}
	if cfg.RedactPII, err = boolFromEnv("MEMORY_REDACT_PII", cfg.RedactPII); err != nil {
		return err
	}

	cfg.EmbeddingAPIKey = stringsTrimSpace("EMBEDDING_API_KEY")
	if cfg.EmbeddingAPIKey == "" {
		switch strings.ToLower(cfg.EmbeddingProvider) {
		case "openai":
			cfg.EmbeddingAPIKey = stringsTrimSpace("OPENAI_API_KEY")
		case "gemini":
			cfg.EmbeddingAPIKey = stringsTrimSpace("GOOGLE_API_KEY")
		}
	}
	return nil
}

// resolveProviders fills API keys for configured providers, or discovers
// providers from well-known API key variables when none are configured.
// The echo provider is always available as the last resort.
func resolveProviders(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		cfg.Providers = discoverProviders()
	}

	hasEcho := false
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.Name = strings.TrimSpace(p.Name)
		if p.Kind == "" {
			p.Kind = p.Name
		}
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = stringsTrimSpace(p.APIKeyEnv)
		}
		if p.Kind == provider.KindEcho {
			hasEcho = true
		}
	}
	if !hasEcho {
		cfg.Providers = append(cfg.Providers, provider.Config{Name: "echo", Kind: provider.KindEcho})
	}

	if len(cfg.ProviderPriority) > 0 {
		rank := make(map[string]int, len(cfg.ProviderPriority))
		for i, name := range cfg.ProviderPriority {
			rank[name] = i
		}
		for _, name := range cfg.ProviderPriority {
			if !hasProvider(cfg.Providers, name) {
				return fmt.Errorf("PROVIDER_PRIORITY names unknown provider %q", name)
			}
		}
		// Unlisted providers keep their relative order after the listed ones.
		for i := range cfg.Providers {
			p := &cfg.Providers[i]
			if r, ok := rank[p.Name]; ok {
				p.Priority = r
			} else {
				p.Priority = len(rank) + i
			}
		}
		return nil
	}

	for i := range cfg.Providers {
		if cfg.Providers[i].Priority == 0 {
			cfg.Providers[i].Priority = i
		}
	}
	return nil
}

func discoverProviders() []provider.Config {
	var out []provider.Config
	if key := stringsTrimSpace("GOOGLE_API_KEY"); key != "" {
		out = append(out, provider.Config{Name: "google", Kind: provider.KindGemini, APIKeyEnv: "GOOGLE_API_KEY", APIKey: key, Model: envOrDefault("GOOGLE_MODEL", "gemini-1.5-flash")})
	}
	if key := stringsTrimSpace("GROQ_API_KEY"); key != "" {
		out = append(out, provider.Config{Name: "groq", Kind: provider.KindOpenAI, APIKeyEnv: "GROQ_API_KEY", APIKey: key, BaseURL: groqBaseURL, Model: envOrDefault("GROQ_MODEL", "llama-3.1-8b-instant"), RequestsPerMinute: 30})
	}
	if key := stringsTrimSpace("CEREBRAS_API_KEY"); key != "" {
		out = append(out, provider.Config{Name: "cerebras", Kind: provider.KindOpenAI, APIKeyEnv: "CEREBRAS_API_KEY", APIKey: key, BaseURL: cerebrasBaseURL, Model: envOrDefault("CEREBRAS_MODEL", "llama3.1-8b"), RequestsPerMinute: 30})
	}
	if key := stringsTrimSpace("OPENAI_API_KEY"); key != "" {
		out = append(out, provider.Config{Name: "openai", Kind: provider.KindOpenAI, APIKeyEnv: "OPENAI_API_KEY", APIKey: key, Model: stringsTrimSpace("OPENAI_MODEL")})
	}
	if key := stringsTrimSpace("ANTHROPIC_API_KEY"); key != "" {
		out = append(out, provider.Config{Name: "anthropic", Kind: provider.KindAnthropic, APIKeyEnv: "ANTHROPIC_API_KEY", APIKey: key, Model: stringsTrimSpace("ANTHROPIC_MODEL")})
	}
	return out
}

func hasProvider(ps []provider.Config, name string) bool {
	for _, p := range ps {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.SessionInactivityTimeout < 5*time.Second {
		errs = append(errs, errors.New("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("APP_REQUEST_TIMEOUT must not be negative"))
	}
	if c.EmbeddingDim <= 0 {
		errs = append(errs, errors.New("MEMORY_EMBEDDING_DIM must be positive"))
	}
	if c.FailureThreshold <= 0 {
		errs = append(errs, errors.New("FAILURE_THRESHOLD must be positive"))
	}
	if c.CircuitCooldownMS <= 0 {
		errs = append(errs, errors.New("CIRCUIT_COOLDOWN_MS must be positive"))
	}
	if c.ShortTermCapacity <= 0 {
		errs = append(errs, errors.New("SHORT_TERM_CAPACITY must be positive"))
	}
	if c.RetrievalK <= 0 {
		errs = append(errs, errors.New("RETRIEVAL_K must be positive"))
	}
	if c.ContextTokenBudget <= 0 {
		errs = append(errs, errors.New("CONTEXT_TOKEN_BUDGET must be positive"))
	}
	if c.RetrievalMinSimilarity < -1 || c.RetrievalMinSimilarity > 1 {
		errs = append(errs, errors.New("RETRIEVAL_MIN_SIMILARITY must be within [-1,1]"))
	}
	switch c.StorageBackend {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND %q is not one of memory, sqlite, postgres", c.StorageBackend))
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, errors.New("provider name is required"))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate provider %q", p.Name))
		}
		seen[p.Name] = true
		if p.TimeoutMS < 0 || p.MaxInputTokens < 0 || p.RequestsPerMinute < 0 {
			errs = append(errs, fmt.Errorf("provider %q: limits must not be negative", p.Name))
		}
	}
	return errors.Join(errs...)
}

// CircuitCooldown is circuit_cooldown_ms as a duration.
func (c Config) CircuitCooldown() time.Duration {
	return time.Duration(c.CircuitCooldownMS) * time.Millisecond
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
