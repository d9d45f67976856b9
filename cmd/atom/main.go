package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/antoniostano/atom/internal/app"
	"github.com/antoniostano/atom/internal/assistant"
	"github.com/antoniostano/atom/internal/config"
	"github.com/antoniostano/atom/internal/provider"
)

var cli struct {
	EnvFile string `help:"Optional .env file to load before reading configuration" default:".env" type:"path"`

	Serve     serveCmd     `cmd:"" default:"1" help:"Run the HTTP and websocket API"`
	Ask       askCmd       `cmd:"" help:"Send one utterance and print the reply"`
	Providers providersCmd `cmd:"" help:"List configured providers in priority order"`
}

type serveCmd struct{}

func (serveCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel, true)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, 5*time.Second)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "storage", cfg.StorageBackend, "providers", len(cfg.Providers))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen error: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

type askCmd struct {
	Session   string   `help:"Session to answer in" default:"cli"`
	Providers []string `help:"Restrict and order the providers tried" sep:","`
	Text      []string `arg:"" help:"Utterance"`
}

func (c askCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer built.Cleanup()

	var opts []assistant.RespondOption
	if len(c.Providers) > 0 {
		opts = append(opts, assistant.WithProviders(c.Providers...))
	}
	reply, err := built.Assistant.Respond(ctx, c.Session, strings.Join(c.Text, " "), opts...)
	if err != nil {
		return err
	}
	fmt.Println(reply.Text)
	fmt.Fprintf(os.Stderr, "provider=%s turn=%s\n", reply.Provider, reply.TurnID)
	for _, w := range reply.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s: %s\n", w.Stage, w.Detail)
	}
	return nil
}

type providersCmd struct{}

func (providersCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tNAME\tKIND\tMODEL\tTIMEOUT\tRPM")
	for _, p := range sortedProviders(cfg) {
		model := p.Model
		if model == "" {
			model = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n", p.Priority, p.Name, p.Kind, model, p.Timeout(), p.RequestsPerMinute)
	}
	return tw.Flush()
}

func sortedProviders(cfg config.Config) []provider.Config {
	out := append([]provider.Config(nil), cfg.Providers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func loadConfig() (config.Config, error) {
	if cli.EnvFile != "" {
		if err := godotenv.Load(cli.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return config.Config{}, fmt.Errorf("env file %s: %w", cli.EnvFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string, jsonOutput bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("atom"),
		kong.Description("Personal assistant backend with multi-provider fallback and tiered memory."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
