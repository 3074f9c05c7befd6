// Command ingestd is the server side of the ingestion pipeline: it accepts
// uploaded speech segments over the ingress websocket, runs them through
// filtering, transcription, privacy redaction, persistence, and asynchronous
// enrichment, and periodically sweeps expired records per the retention
// configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glyphoxa/ingestd/internal/app"
	"github.com/glyphoxa/ingestd/internal/config"
	"github.com/glyphoxa/ingestd/internal/observe"
	"github.com/glyphoxa/ingestd/pkg/provider/embeddings"
	embopenai "github.com/glyphoxa/ingestd/pkg/provider/embeddings/openai"
	"github.com/glyphoxa/ingestd/pkg/provider/embeddings/ollama"
	"github.com/glyphoxa/ingestd/pkg/provider/llm"
	"github.com/glyphoxa/ingestd/pkg/provider/llm/anyllm"
	llmopenai "github.com/glyphoxa/ingestd/pkg/provider/llm/openai"
	"github.com/glyphoxa/ingestd/pkg/asr"
	"github.com/glyphoxa/ingestd/pkg/asr/whisper"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	retentionInterval := flag.Duration("retention-interval", time.Hour, "how often to run the retention sweep")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ingestd: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ingestd: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	slog.Info("ingestd starting", "config", *configPath, "listen_addr", cfg.Server.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "ingestd"})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers, app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: application.Handler(),
	}

	go func() {
		if err := application.RunRetention(ctx, *retentionInterval); err != nil {
			slog.Warn("retention loop stopped", "err", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Server.ListenAddr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires every provider implementation shipped with
// this module into the registry under the name operators select in
// config.yaml's providers block.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		backend, _ := stringOption(e.Options, "backend", "openai")
		return anyllm.New(backend, e.Model, anyllmOptions(e)...)
	})

	reg.RegisterASR("whisper", func(e config.ProviderEntry) (asr.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		return whisper.New(e.BaseURL, opts...)
	})

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []embopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(e.BaseURL))
		}
		return embopenai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return ollama.New(e.BaseURL, e.Model)
	})
}

// buildProviders instantiates the three pluggable providers named in cfg
// and assembles them into an app.Providers. The LLM and ASR providers are
// required; embeddings are optional (memory falls back to lexical-only
// retrieval when absent).
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if cfg.Providers.LLM.Name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
		}
		ps.LLM = p
	}

	if cfg.Providers.ASR.Name != "" {
		p, err := reg.CreateASR(cfg.Providers.ASR)
		if err != nil {
			return nil, fmt.Errorf("create asr provider %q: %w", cfg.Providers.ASR.Name, err)
		}
		ps.ASR = p
	}

	if cfg.Providers.Embeddings.Name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", cfg.Providers.Embeddings.Name, err)
		}
		ps.Embeddings = p
	}

	return ps, nil
}

// anyllmOptions translates a ProviderEntry into any-llm-go options. APIKey
// and BaseURL map directly; anything else lives under Options and is
// ignored here since any-llm-go exposes no further knobs this pipeline uses.
func anyllmOptions(e config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if e.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
	}
	if e.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
	}
	return opts
}

func stringOption(opts map[string]any, key, fallback string) (string, bool) {
	if opts == nil {
		return fallback, false
	}
	v, ok := opts[key]
	if !ok {
		return fallback, false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return fallback, false
	}
	return s, true
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
