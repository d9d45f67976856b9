package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/atom/internal/provider"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" || cfg.StorageBackend != "sqlite" || cfg.RetrievalK != 5 || cfg.ContextTokenBudget != 3000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Kind != provider.KindEcho {
		t.Fatalf("Providers = %+v, want echo only", cfg.Providers)
	}
	if cfg.CircuitCooldown() != 30*time.Second {
		t.Fatalf("CircuitCooldown() = %s", cfg.CircuitCooldown())
	}
}

func TestLoadDiscoversProvidersFromKeys(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("ANTHROPIC_API_KEY", "a-key")
	t.Setenv("GROQ_API_KEY", "g-key")
	t.Setenv("GOOGLE_API_KEY", "google-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	var names []string
	for _, p := range cfg.Providers {
		names = append(names, p.Name)
	}
	if got := strings.Join(names, ","); got != "google,groq,anthropic,echo" {
		t.Fatalf("providers = %s", got)
	}
	groq := cfg.Providers[1]
	if groq.Kind != provider.KindOpenAI || groq.BaseURL != groqBaseURL || groq.APIKey != "g-key" {
		t.Fatalf("groq = %+v", groq)
	}
	for i, p := range cfg.Providers {
		if p.Priority != i {
			t.Fatalf("%s priority = %d, want %d", p.Name, p.Priority, i)
		}
	}
}

func TestLoadProviderPriority(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("GROQ_API_KEY", "g-key")
	t.Setenv("OPENAI_API_KEY", "o-key")
	t.Setenv("PROVIDER_PRIORITY", "openai, echo")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	prio := map[string]int{}
	for _, p := range cfg.Providers {
		prio[p.Name] = p.Priority
	}
	if !(prio["openai"] < prio["echo"] && prio["echo"] < prio["groq"]) {
		t.Fatalf("priorities = %v", prio)
	}

	t.Setenv("PROVIDER_PRIORITY", "nope")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() with unknown provider in priority expected error")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "atom.toml")
	file := `
bind_addr = ":7000"
retrieval_k = 8
session_inactivity_timeout = "10m"

[[providers]]
name = "local"
kind = "http"
base_url = "http://localhost:11434/v1/chat"
api_key_env = "LOCAL_LLM_KEY"
timeout_ms = 2000
`
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ATOM_CONFIG", path)
	t.Setenv("LOCAL_LLM_KEY", "secret")
	t.Setenv("RETRIEVAL_K", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7000" || cfg.SessionInactivityTimeout != 10*time.Minute {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.RetrievalK != 3 {
		t.Fatalf("RetrievalK = %d, env should win", cfg.RetrievalK)
	}
	if len(cfg.Providers) != 2 || cfg.Providers[0].APIKey != "secret" || cfg.Providers[1].Name != "echo" {
		t.Fatalf("Providers = %+v", cfg.Providers)
	}
}

func TestLoadDatabaseURLSelectsPostgres(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/atom")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StorageBackend != "postgres" {
		t.Fatalf("StorageBackend = %q, want postgres", cfg.StorageBackend)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"RETRIEVAL_K":                    "0",
		"CONTEXT_TOKEN_BUDGET":           "abc",
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"STORAGE_BACKEND":                "redis",
		"APP_ALLOW_ANY_ORIGIN":           "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s expected error", key, value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"ATOM_CONFIG",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_REQUEST_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"ATOM_DEFAULT_USER_ID",
		"ATOM_ASSISTANT_NAME",
		"ATOM_SYSTEM_PROMPT",
		"STORAGE_BACKEND",
		"SQLITE_PATH",
		"DATABASE_URL",
		"EMBEDDING_PROVIDER",
		"EMBEDDING_MODEL",
		"EMBEDDING_BASE_URL",
		"EMBEDDING_API_KEY",
		"MEMORY_EMBEDDING_DIM",
		"EMBEDDING_TIMEOUT",
		"EMBEDDING_CACHE_SIZE",
		"PROVIDER_PRIORITY",
		"FAILURE_THRESHOLD",
		"CIRCUIT_COOLDOWN_MS",
		"SHORT_TERM_CAPACITY",
		"RETRIEVAL_K",
		"RETRIEVAL_MIN_SIMILARITY",
		"RETRIEVAL_SIMILARITY_WEIGHT",
		"RETRIEVAL_RECENCY_WEIGHT",
		"CONTEXT_TOKEN_BUDGET",
		"GENERATION_MAX_TOKENS",
		"GENERATION_TEMPERATURE",
		"TOKENIZER_ENCODING",
		"MEMORY_REDACT_PII",
		"GOOGLE_API_KEY",
		"GROQ_API_KEY",
		"CEREBRAS_API_KEY",
		"OPENAI_API_KEY",
		"ANTHROPIC_API_KEY",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
