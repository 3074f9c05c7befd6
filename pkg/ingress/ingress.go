// Package ingress implements the server-side Ingress endpoint (spec §4.3):
// a websocket stream that accepts exactly one binary WAV payload per
// connection and returns exactly one terminal JSON message from the set
// {"received", "transcription", "filtered", "error"}, driving the payload
// through FilterChain, the ASR adapter, PrivacyTransform, persistence, the
// integrity chain, and (out of band) the EnrichmentWorker.
//
// The connection-per-segment, Accept-and-pump shape mirrors the teacher's
// streaming STT providers (e.g. pkg/provider/stt/deepgram), inverted from
// client Dial to server Accept.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/glyphoxa/ingestd/internal/observe"
	"github.com/glyphoxa/ingestd/pkg/asr"
	"github.com/glyphoxa/ingestd/pkg/domain"
	"github.com/glyphoxa/ingestd/pkg/filter"
	"github.com/glyphoxa/ingestd/pkg/integrity"
	"github.com/glyphoxa/ingestd/pkg/privacy"
	"github.com/glyphoxa/ingestd/pkg/storage"
	"github.com/glyphoxa/ingestd/pkg/wav"
)

// Enricher is the subset of *enrichment.Worker the Server triggers
// out-of-band after a successful persist (spec §4.9: "decoupled from the
// client response path").
type Enricher interface {
	Enrich(ctx context.Context, segmentID string, t domain.Transcription, asrConfidence float64) (domain.StructuredEvent, error)
}

// Persister is the subset of *storage.Store the Server writes through.
type Persister interface {
	RecordIngest(ctx context.Context, seg domain.Segment, path, status string) error
	SetIngestStatus(ctx context.Context, segmentID, status string) error
	PersistTranscription(ctx context.Context, t domain.Transcription, integrityMetadata map[string]any) (storage.PersistTranscriptionResult, error)
	GetTranscriptionBySegment(ctx context.Context, segmentID string) (domain.Transcription, error)
	GetStructuredEventByTranscription(ctx context.Context, transcriptionID string) (domain.StructuredEvent, error)
}

// IntegrityAppender is the subset of *integrity.Chain the Server appends
// events through.
type IntegrityAppender interface {
	Append(ctx context.Context, segmentID string, stage domain.IntegrityStage, metadata map[string]any) (domain.IntegrityEvent, error)
	Trail(ctx context.Context, segmentID string) (integrity.TrailResult, error)
}

// Config parameterizes a Server (spec §6's ingestion configuration surface).
type Config struct {
	// BearerToken is the shared secret a client must present in the
	// Authorization header to open a stream.
	BearerToken string

	// MaxPayloadBytes caps a single WAV frame's size.
	MaxPayloadBytes int64

	// MaxConcurrentConns bounds how many ingestion connections are
	// processed in parallel (spec §5); additional connections are refused
	// with 503 Service Unavailable before the websocket upgrade.
	MaxConcurrentConns int64

	// ASRTimeout bounds a single Transcribe call (spec §4.5).
	ASRTimeout time.Duration

	// TempDir is the directory temporary WAV files are written to. Empty
	// means os.TempDir().
	TempDir string
}

// DefaultConfig returns the configuration described by spec §4.3's defaults.
func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes:    25 << 20,
		MaxConcurrentConns: 32,
		ASRTimeout:         asr.DefaultTimeout,
	}
}

// Server wires FilterChain, the ASR adapter, PrivacyTransform, persistence,
// the integrity chain, and the enrichment trigger behind the ingestion
// websocket endpoint.
type Server struct {
	cfg       Config
	filter    *filter.Chain
	asrEngine asr.Provider
	privacy   *privacy.Transform
	store     Persister
	integrity IntegrityAppender
	enricher  Enricher
	metrics   *observe.Metrics
	logger    *slog.Logger
	sem       *semaphore.Weighted
}

// New constructs a Server. metrics and logger may be nil, in which case
// [observe.DefaultMetrics] and a discard logger are used.
func New(cfg Config, chain *filter.Chain, asrEngine asr.Provider, priv *privacy.Transform, store Persister, integrityChain IntegrityAppender, enricher Enricher, metrics *observe.Metrics, logger *slog.Logger) *Server {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultConfig().MaxPayloadBytes
	}
	if cfg.MaxConcurrentConns <= 0 {
		cfg.MaxConcurrentConns = DefaultConfig().MaxConcurrentConns
	}
	if cfg.ASRTimeout <= 0 {
		cfg.ASRTimeout = asr.DefaultTimeout
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:       cfg,
		filter:    chain,
		asrEngine: asrEngine,
		privacy:   priv,
		store:     store,
		integrity: integrityChain,
		enricher:  enricher,
		metrics:   metrics,
		logger:    logger,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentConns),
	}
}

// Register adds the ingestion and lookup routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ingest", s.handleIngest)
	mux.HandleFunc("GET /enrichment/{segment_id}", s.handleEnrichmentLookup)
	mux.HandleFunc("GET /audit/trail/{segment_id}", s.handleAuditTrail)
}

// message is the terminal JSON payload sent to the client on the ingestion
// stream (spec §6).
type message struct {
	Type                string  `json:"type"`
	SegmentID           string  `json:"segment_id,omitempty"`
	Reason              string  `json:"reason,omitempty"`
	Text                string  `json:"text,omitempty"`
	Language            string  `json:"language,omitempty"`
	LanguageProbability float64 `json:"language_probability,omitempty"`
	DurationSec         float64 `json:"duration_sec,omitempty"`
	Confidence          float64 `json:"confidence,omitempty"`
}

// handleIngest upgrades the connection, reads exactly one binary WAV frame,
// drives it through the pipeline, and writes exactly one terminal message.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.sem.TryAcquire(1) {
		http.Error(w, "too many concurrent ingestions", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	s.metrics.ActiveIngestions.Add(r.Context(), 1)
	defer s.metrics.ActiveIngestions.Add(r.Context(), -1)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("ingress: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow() //nolint:errcheck // best-effort; Close below already happened on the happy path

	conn.SetReadLimit(s.cfg.MaxPayloadBytes + 4096)

	ctx := r.Context()
	msgType, payload, err := conn.Read(ctx)
	if err != nil {
		s.logger.Warn("ingress: read failed", "error", err)
		return
	}
	if msgType != websocket.MessageBinary {
		s.writeTerminal(ctx, conn, message{Type: string(domain.OutcomeError), Reason: "expected binary WAV frame"})
		return
	}

	segmentID := r.URL.Query().Get("segment_id")
	if segmentID == "" {
		segmentID = uuid.NewString()
	}

	out := s.process(ctx, segmentID, payload)
	s.writeTerminal(ctx, conn, out)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.BearerToken == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return got == s.cfg.BearerToken
}

func (s *Server) writeTerminal(ctx context.Context, conn *websocket.Conn, msg message) {
	s.metrics.RecordSegmentOutcome(ctx, msg.Type)
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("ingress: marshal terminal message failed", "error", err)
		conn.Close(websocket.StatusInternalError, "")
		return
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		s.logger.Warn("ingress: write terminal message failed", "error", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// process runs the full contract for one submitted payload (spec §4.3
// steps 1-5) and returns the terminal message to send. The temporary file
// is always deleted before process returns, regardless of outcome.
func (s *Server) process(ctx context.Context, segmentID string, payload []byte) message {
	if err := wav.ValidateMagic(payload); err != nil {
		return message{Type: string(domain.OutcomeError), SegmentID: segmentID, Reason: err.Error()}
	}

	params, pcm, err := wav.Decode(payload)
	if err != nil {
		return message{Type: string(domain.OutcomeError), SegmentID: segmentID, Reason: err.Error()}
	}

	if existing, err := s.store.GetTranscriptionBySegment(ctx, segmentID); err == nil {
		s.logger.Info("ingress: duplicate segment acknowledged", "segment_id", segmentID, "transcription_id", existing.ID)
		return message{Type: string(domain.OutcomeReceived), SegmentID: segmentID}
	} else if !errors.Is(err, storage.ErrSegmentNotFound) {
		s.logger.Warn("ingress: duplicate check failed", "segment_id", segmentID, "error", err)
	}

	seg := domain.Segment{
		ID:            segmentID,
		CreatedAt:     time.Now().UTC(),
		ByteLength:    len(payload),
		SampleRate:    params.SampleRate,
		Channels:      params.Channels,
		BitsPerSample: params.BitsPerSample,
	}

	tmpFile, err := os.CreateTemp(s.cfg.TempDir, "ingestd-*.wav")
	if err != nil {
		return message{Type: string(domain.OutcomeError), SegmentID: segmentID, Reason: "failed to stage payload"}
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // zero-retention: best-effort cleanup on every path

	if _, err := tmpFile.Write(payload); err != nil {
		tmpFile.Close() //nolint:errcheck
		return message{Type: string(domain.OutcomeError), SegmentID: segmentID, Reason: "failed to stage payload"}
	}
	tmpFile.Close() //nolint:errcheck

	if err := s.store.RecordIngest(ctx, seg, tmpPath, "received"); err != nil {
		s.logger.Error("ingress: record ingest failed", "segment_id", segmentID, "error", err)
		return message{Type: string(domain.OutcomeError), SegmentID: segmentID, Reason: "failed to record ingest"}
	}
	if _, err := s.integrity.Append(ctx, segmentID, domain.StageIngestReceived, map[string]any{
		"size_bytes": seg.ByteLength, "sample_rate": seg.SampleRate, "channels": seg.Channels,
	}); err != nil {
		s.logger.Warn("ingress: append ingest_received event failed", "segment_id", segmentID, "error", err)
	}

	if out, ok := s.runPreASR(ctx, segmentID, pcm, params.SampleRate); !ok {
		return out
	}

	result, err := s.transcribe(ctx, segmentID, pcm, params)
	if err != nil {
		_ = s.store.SetIngestStatus(ctx, segmentID, "error")
		s.metrics.RecordProviderError(ctx, "asr", "transcribe")
		return message{Type: string(domain.OutcomeError), SegmentID: segmentID, Reason: "transcription failed: " + err.Error()}
	}
	if _, err := s.integrity.Append(ctx, segmentID, domain.StageTranscriptionComplete, map[string]any{
		"language": result.Language, "language_probability": result.LanguageProbability,
	}); err != nil {
		s.logger.Warn("ingress: append transcription_complete event failed", "segment_id", segmentID, "error", err)
	}

	if out, ok := s.runPostASR(ctx, segmentID, result); !ok {
		return out
	}

	if out, ok := s.runPrivacy(ctx, segmentID, &result); !ok {
		return out
	}

	return s.persist(ctx, segmentID, result)
}

func (s *Server) runPreASR(ctx context.Context, segmentID string, pcm []byte, sampleRate int) (message, bool) {
	start := time.Now()
	outcome, err := s.filter.PreASR(pcm, sampleRate)
	s.metrics.FilterDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return message{Type: string(domain.OutcomeError), SegmentID: segmentID, Reason: "pre-asr filter error: " + err.Error()}, false
	}
	if !outcome.Rejected {
		return message{}, true
	}
	s.metrics.RecordFilterRejection(ctx, "pre_asr", outcome.Reason)
	_ = s.store.SetIngestStatus(ctx, segmentID, "filtered")
	if _, err := s.integrity.Append(ctx, segmentID, domain.StageFilterPreASR, map[string]any{"reason": outcome.Reason, "detail": outcome.Detail}); err != nil {
		s.logger.Warn("ingress: append filter_pre_asr event failed", "segment_id", segmentID, "error", err)
	}
	return message{Type: string(domain.OutcomeFiltered), SegmentID: segmentID, Reason: outcome.Reason}, false
}

func (s *Server) transcribe(ctx context.Context, segmentID string, pcm []byte, params wav.Params) (asr.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ASRTimeout)
	defer cancel()
	start := time.Now()
	result, err := s.asrEngine.Transcribe(ctx, pcm, params.SampleRate, params.Channels)
	s.metrics.ASRDuration.Record(ctx, time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordProviderRequest(ctx, "asr", "transcribe", status)
	return result, err
}

func (s *Server) runPostASR(ctx context.Context, segmentID string, result asr.Result) (message, bool) {
	outcome := s.filter.PostASR(result)
	if !outcome.Rejected {
		return message{}, true
	}
	s.metrics.RecordFilterRejection(ctx, "post_asr", outcome.Reason)
	_ = s.store.SetIngestStatus(ctx, segmentID, "filtered")
	if _, err := s.integrity.Append(ctx, segmentID, domain.StageFilterPostASR, map[string]any{"reason": outcome.Reason}); err != nil {
		s.logger.Warn("ingress: append filter_post_asr event failed", "segment_id", segmentID, "error", err)
	}
	return message{Type: string(domain.OutcomeFiltered), SegmentID: segmentID, Reason: outcome.Reason}, false
}

func (s *Server) runPrivacy(ctx context.Context, segmentID string, result *asr.Result) (message, bool) {
	if s.privacy == nil {
		return message{}, true
	}
	out, err := s.privacy.Apply(ctx, result.Text)
	if err != nil {
		return message{Type: string(domain.OutcomeError), SegmentID: segmentID, Reason: "privacy transform error: " + err.Error()}, false
	}
	if out.Rejected {
		// "pii_blocked" is the spec's named CompliancePolicy reason code
		// (§7, §8 S6) for the external `{"type":"filtered","reason":...}`
		// contract (§6).
		s.metrics.RecordFilterRejection(ctx, "privacy", "pii_blocked")
		_ = s.store.SetIngestStatus(ctx, segmentID, "filtered")
		if _, err := s.integrity.Append(ctx, segmentID, domain.StagePrivacyRejected, map[string]any{"detections": len(out.Detections)}); err != nil {
			s.logger.Warn("ingress: append privacy_rejected event failed", "segment_id", segmentID, "error", err)
		}
		return message{Type: string(domain.OutcomeFiltered), SegmentID: segmentID, Reason: "pii_blocked"}, false
	}
	result.Text = out.Text
	return message{}, true
}

func (s *Server) persist(ctx context.Context, segmentID string, result asr.Result) message {
	t := domain.Transcription{
		ID:                  "tr-" + uuid.NewString(),
		SegmentID:           segmentID,
		Text:                result.Text,
		DetectedLanguage:    result.Language,
		LanguageProbability: result.LanguageProbability,
		DurationSec:         result.DurationSec,
		Spans:               result.Spans,
		CreatedAt:           time.Now().UTC(),
	}

	start := time.Now()
	res, err := s.store.PersistTranscription(ctx, t, map[string]any{"detected_language": t.DetectedLanguage})
	s.metrics.PersistenceDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		_ = s.store.SetIngestStatus(ctx, segmentID, "error")
		return message{Type: string(domain.OutcomeError), SegmentID: segmentID, Reason: "persistence failed: " + err.Error()}
	}
	_ = s.store.SetIngestStatus(ctx, segmentID, "transcription")

	if res.Created {
		// Enrichment is decoupled from the client response path (spec
		// §4.9): it runs on its own context so a slow or cancelled client
		// connection never aborts enrichment.
		go s.triggerEnrichment(res.Transcription, result.Confidence)
	}

	return message{
		Type:                string(domain.OutcomeTranscription),
		SegmentID:           segmentID,
		Text:                res.Transcription.Text,
		Language:            res.Transcription.DetectedLanguage,
		LanguageProbability: res.Transcription.LanguageProbability,
		DurationSec:         res.Transcription.DurationSec,
		Confidence:          result.Confidence,
	}
}

func (s *Server) triggerEnrichment(t domain.Transcription, asrConfidence float64) {
	if s.enricher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := s.enricher.Enrich(ctx, t.SegmentID, t, asrConfidence); err != nil {
		s.logger.Warn("ingress: enrichment failed", "segment_id", t.SegmentID, "error", err)
	}
}

// handleEnrichmentLookup implements `GET /enrichment/{segment_id}`
// (SPEC_FULL.md §C).
func (s *Server) handleEnrichmentLookup(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	segmentID := r.PathValue("segment_id")

	t, err := s.store.GetTranscriptionBySegment(r.Context(), segmentID)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	ev, err := s.store.GetStructuredEventByTranscription(r.Context(), t.ID)
	if errors.Is(err, storage.ErrSegmentNotFound) {
		http.Error(w, "enrichment not yet available", http.StatusAccepted)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleAuditTrail implements `GET /audit/trail/{segment_id}` (spec §4.8,
// SPEC_FULL.md §C).
func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	segmentID := r.PathValue("segment_id")

	trail, err := s.integrity.Trail(r.Context(), segmentID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !trail.ChainConsistent {
		s.metrics.IntegrityDivergences.Add(r.Context(), 1, metric.WithAttributes(attribute.String("segment_id", segmentID)))
	}
	writeJSON(w, http.StatusOK, trail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}
