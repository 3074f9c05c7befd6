// Package app wires all server-side subsystems of the ingestion service
// into a running application.
//
// The App struct owns the full lifecycle: New creates and connects every
// subsystem, Handler returns the HTTP mux to serve, RunRetention runs the
// periodic TTL sweep loop, and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithASRProvider, etc.). When an option is not provided, New builds real
// implementations from the config and provider registry.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/glyphoxa/ingestd/internal/config"
	"github.com/glyphoxa/ingestd/internal/health"
	"github.com/glyphoxa/ingestd/internal/observe"
	"github.com/glyphoxa/ingestd/internal/resilience"
	"github.com/glyphoxa/ingestd/pkg/asr"
	"github.com/glyphoxa/ingestd/pkg/domain"
	"github.com/glyphoxa/ingestd/pkg/enrichment"
	"github.com/glyphoxa/ingestd/pkg/filter"
	"github.com/glyphoxa/ingestd/pkg/ingress"
	"github.com/glyphoxa/ingestd/pkg/integrity"
	"github.com/glyphoxa/ingestd/pkg/memory"
	"github.com/glyphoxa/ingestd/pkg/memory/postgres"
	"github.com/glyphoxa/ingestd/pkg/privacy"
	"github.com/glyphoxa/ingestd/pkg/provider/embeddings"
	"github.com/glyphoxa/ingestd/pkg/provider/llm"
	"github.com/glyphoxa/ingestd/pkg/storage"
)

// Providers holds the pluggable backend instances selected via the config
// registry (spec §4.5, §4.9, §4.10). A nil field means the corresponding
// pipeline stage could not be built from config and injection is required
// via an Option, or that stage is simply unused (Embeddings may be nil —
// memory retrieval falls back to lexical scoring).
type Providers struct {
	LLM        llm.Provider
	ASR        asr.Provider
	Embeddings embeddings.Provider
}

// App owns every server-side subsystem's lifetime: persistence, the
// integrity chain, the filter chain, the privacy transform, the ASR
// adapter, the enrichment worker, the memory consolidator, and the
// ingress HTTP/websocket server built on top of all of them.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store        *storage.Store
	memoryStore  memory.Store
	integrity    *integrity.Chain
	filterChain  *filter.Chain
	privacy      *privacy.Transform
	asrProvider  asr.Provider
	enrichment   *enrichment.Worker
	consolidator *memory.Consolidator
	retention    *storage.RetentionJob
	ingress      *ingress.Server
	health       *health.Handler
	metrics      *observe.Metrics

	mux *http.ServeMux

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a Store instead of connecting one from config.
func WithStore(s *storage.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMemoryStore injects a memory.Store instead of connecting a postgres one.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.memoryStore = s }
}

// WithASRProvider injects an ASR provider instead of creating one from the
// registry, bypassing resilience.ASRFallback wrapping.
func WithASRProvider(p asr.Provider) Option {
	return func(a *App) { a.asrProvider = p }
}

// WithLogger overrides the default slog logger built from
// cfg.Server.LogLevel.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// New wires every subsystem together: persistence, integrity chain,
// filter chain, privacy transform, ASR adapter (wrapped in a circuit
// breaker via resilience.ASRFallback), memory consolidator, enrichment
// worker, and the ingress server, in that order so later stages can
// depend on earlier ones. providers supplies the pluggable LLM/ASR/
// Embeddings backends resolved by main.go through the config registry.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.logger == nil {
		a.logger = newLogger(cfg.Server.LogLevel)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	a.integrity = integrity.New(a.store)

	a.filterChain = filter.New(buildFilterConfig(cfg))
	a.privacy = privacy.New(privacy.Mode(cfg.Privacy.Mode), privacy.WithLogger(a.logger))

	if err := a.initASR(providers); err != nil {
		return nil, fmt.Errorf("app: init asr: %w", err)
	}

	if err := a.initMemory(ctx, cfg, providers); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	if providers == nil || providers.LLM == nil {
		return nil, fmt.Errorf("app: no LLM provider resolved from registry")
	}
	a.enrichment = enrichment.New(providers.LLM, a.integrity, a.store, a.consolidator, buildEnrichmentConfig(cfg))

	a.retention = storage.NewRetentionJob(a.store)

	a.ingress = ingress.New(
		buildIngressConfig(cfg),
		a.filterChain,
		a.asrProvider,
		a.privacy,
		a.store,
		a.integrity,
		a.enrichment,
		a.metrics,
		a.logger,
	)

	a.health = health.New(
		health.Checker{Name: "storage", Check: a.checkStorage},
	)

	a.mux = http.NewServeMux()
	a.ingress.Register(a.mux)
	a.health.Register(a.mux)

	return a, nil
}

// Handler returns the HTTP mux serving the ingestion endpoint, the
// enrichment/audit lookup endpoints, and the health endpoints, wrapped in
// the OTel request/response middleware.
func (a *App) Handler() http.Handler {
	return observe.Middleware(a.metrics)(a.mux)
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Memory.PostgresDSN == "" {
		return fmt.Errorf("memory.postgres_dsn is required when no store is injected")
	}
	store, err := storage.NewStore(ctx, a.cfg.Memory.PostgresDSN)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initASR wraps the registry-resolved ASR provider in a single-entry
// resilience.ASRFallback, so a run of Transcribe failures trips a circuit
// breaker and fails fast rather than hammering a downed whisper.cpp
// server on every ingested segment (spec §4.5 error handling).
func (a *App) initASR(providers *Providers) error {
	if a.asrProvider != nil {
		return nil
	}
	if providers == nil || providers.ASR == nil {
		return fmt.Errorf("no ASR provider resolved from registry")
	}
	fb := resilience.NewASRFallback(providers.ASR, a.cfg.Providers.ASR.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			Name:         a.cfg.Providers.ASR.Name,
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		},
	})
	a.asrProvider = fb
	return nil
}

// initMemory connects the pgvector-backed memory store (sharing the
// persistence Postgres DSN, since both tables live in the same database)
// and builds the MemoryConsolidator on top of it.
func (a *App) initMemory(ctx context.Context, cfg *config.Config, providers *Providers) error {
	if a.memoryStore == nil {
		store, err := postgres.NewStore(ctx, cfg.Memory.PostgresDSN, cfg.Memory.EmbeddingDimensions)
		if err != nil {
			return err
		}
		a.memoryStore = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}

	var embedder embeddings.Provider
	if providers != nil {
		embedder = providers.Embeddings
	}
	a.consolidator = memory.New(a.memoryStore, embedder)
	return nil
}

func (a *App) checkStorage(ctx context.Context) error {
	_, err := a.store.GetTranscriptionBySegment(ctx, "__healthcheck__")
	if err != nil && err != storage.ErrSegmentNotFound {
		return err
	}
	return nil
}

// RunRetention runs the configured RetentionRule sweeps once per interval
// until ctx is cancelled (spec §4.11). It returns nil when ctx is
// cancelled; sweep errors are logged but do not stop the loop, since a
// single bad sweep should not silently disable retention for every other
// rule going forward.
func (a *App) RunRetention(ctx context.Context, interval time.Duration) error {
	if len(a.cfg.Retention.Rules) == 0 {
		a.logger.Info("retention disabled: no rules configured")
		<-ctx.Done()
		return nil
	}

	rules := make([]storage.RetentionRule, len(a.cfg.Retention.Rules))
	for i, r := range a.cfg.Retention.Rules {
		rules[i] = storage.RetentionRule{Table: r.Table, AgeDays: r.AgeDays, Action: r.Action, DryRun: r.DryRun}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			records, err := a.retention.Run(ctx, rules, domain.TriggerCron, "ingestd", "production")
			if err != nil {
				a.logger.Error("retention sweep failed", "err", err)
				continue
			}
			for _, rec := range records {
				a.metrics.RecordRetentionDeletion(ctx, rec.Table, int64(rec.RecordCount))
			}
		}
	}
}

// Shutdown tears down all subsystems in reverse-init order. It respects
// the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}
		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Config translation helpers ─────────────────────────────────────────────

func buildFilterConfig(cfg *config.Config) filter.Config {
	fc := filter.DefaultConfig()
	fc.PreASREnabled = cfg.Filter.PreASREnabled
	if len(cfg.Server.AllowedLanguages) > 0 {
		allowed := make(map[string]bool, len(cfg.Server.AllowedLanguages))
		for _, l := range cfg.Server.AllowedLanguages {
			allowed[l] = true
		}
		fc.AllowedLanguages = allowed
	}
	if cfg.Server.LanguageProbabilityThreshold > 0 {
		fc.MinLanguageProbability = cfg.Server.LanguageProbabilityThreshold
	}
	if len(cfg.Filter.NoisePhrases) > 0 {
		fc.NoisePhrases = toSet(cfg.Filter.NoisePhrases)
	}
	if len(cfg.Filter.HallucinationPhrases) > 0 {
		fc.HallucinationPhrases = toSet(cfg.Filter.HallucinationPhrases)
	}
	return fc
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}

func buildEnrichmentConfig(cfg *config.Config) enrichment.Config {
	ec := enrichment.DefaultConfig()
	ec.Model = cfg.Enrichment.Model
	if cfg.Enrichment.RetryCount > 0 {
		ec.MaxAttempts = cfg.Enrichment.RetryCount
	}
	if len(cfg.Enrichment.BackoffScheduleMs) > 0 {
		backoff := make([]time.Duration, len(cfg.Enrichment.BackoffScheduleMs))
		for i, ms := range cfg.Enrichment.BackoffScheduleMs {
			backoff[i] = time.Duration(ms) * time.Millisecond
		}
		ec.Backoff = backoff
	}
	return ec
}

func buildIngressConfig(cfg *config.Config) ingress.Config {
	ic := ingress.DefaultConfig()
	ic.BearerToken = cfg.Server.BearerToken
	if cfg.Server.MaxPayloadBytes > 0 {
		ic.MaxPayloadBytes = int64(cfg.Server.MaxPayloadBytes)
	}
	return ic
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
