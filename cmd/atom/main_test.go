package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/antoniostano/atom/internal/config"
	"github.com/antoniostano/atom/internal/provider"
)

func TestSortedProviders(t *testing.T) {
	cfg := config.Config{Providers: []provider.Config{
		{Name: "echo", Priority: 2},
		{Name: "groq", Priority: 0},
		{Name: "openai", Priority: 1},
	}}
	got := sortedProviders(cfg)
	if got[0].Name != "groq" || got[1].Name != "openai" || got[2].Name != "echo" {
		t.Fatalf("sortedProviders() = %+v", got)
	}
	if cfg.Providers[0].Name != "echo" {
		t.Fatalf("input was reordered")
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", true)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("log output = %q", out)
	}

	buf.Reset()
	newLogger(&buf, "bogus", false).Debug("quiet")
	if buf.Len() != 0 {
		t.Fatalf("unknown level should default to info, got %q", buf.String())
	}
}
