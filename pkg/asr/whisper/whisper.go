// Package whisper provides an asr.Provider backed by a running whisper.cpp
// HTTP server (the same backend the teacher's STT provider talks to),
// adapted here from a streaming session into a single-shot transcribe call
// matching this pipeline's batch ingress model.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/glyphoxa/ingestd/pkg/asr"
	"github.com/glyphoxa/ingestd/pkg/domain"
	"github.com/glyphoxa/ingestd/pkg/wav"
)

// Provider implements asr.Provider against a whisper.cpp server's
// /inference endpoint. It is a process-wide singleton per spec §4.5: one
// Provider amortizes its HTTP client and initialization across all
// Transcribe calls, and Transcribe itself is safe for concurrent use.
type Provider struct {
	serverURL  string
	model      string
	httpClient *http.Client

	mu          sync.Mutex
	initialized bool
	initErr     error
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel forwards a model hint to the whisper.cpp server.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithHTTPClient overrides the default HTTP client (e.g. for a custom
// timeout). Tests typically inject a client pointed at an httptest
// server.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a Provider targeting serverURL (e.g. "http://localhost:8080").
// Construction never touches the network; the first Transcribe call
// performs lazy, guarded initialization (spec §4.5: "guard with an
// initialized flag distinct from the provider reference").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("asr/whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  serverURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ensureInitialized performs one-time setup (currently a reachability
// check is deliberately NOT performed here — whisper.cpp has no health
// endpoint guaranteed across versions — but the guarded-flag shape
// matches spec §4.5 and leaves room for a future warm-up call without
// risking re-entrant initialization on concurrent first calls).
func (p *Provider) ensureInitialized() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return p.initErr
	}
	p.initialized = true
	p.initErr = nil
	return nil
}

// Transcribe implements asr.Provider.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (asr.Result, error) {
	if err := p.ensureInitialized(); err != nil {
		return asr.Result{}, fmt.Errorf("asr/whisper: initialize: %w", err)
	}

	payload := wav.Encode(pcm, wav.Params{SampleRate: sampleRate, Channels: channels, BitsPerSample: 16})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return asr.Result{}, fmt.Errorf("asr/whisper: create form file: %w", err)
	}
	if _, err := fw.Write(payload); err != nil {
		return asr.Result{}, fmt.Errorf("asr/whisper: write wav data: %w", err)
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return asr.Result{}, fmt.Errorf("asr/whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return asr.Result{}, fmt.Errorf("asr/whisper: write response_format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return asr.Result{}, fmt.Errorf("asr/whisper: close multipart writer: %w", err)
	}

	endpoint := p.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return asr.Result{}, fmt.Errorf("asr/whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return asr.Result{}, fmt.Errorf("asr/whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return asr.Result{}, fmt.Errorf("asr/whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return asr.Result{}, fmt.Errorf("asr/whisper: read response body: %w", err)
	}

	var parsed verboseJSONResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return asr.Result{}, fmt.Errorf("asr/whisper: parse JSON response: %w", err)
	}

	spans := make([]domain.Span, 0, len(parsed.Segments))
	for _, seg := range parsed.Segments {
		spans = append(spans, domain.Span{
			Start:      time.Duration(seg.Start * float64(time.Second)),
			End:        time.Duration(seg.End * float64(time.Second)),
			Text:       seg.Text,
			Confidence: confidenceFromLogProb(seg.AvgLogprob),
		})
	}

	langProb := parsed.LanguageProbability
	if langProb == 0 {
		langProb = averageSpanConfidence(spans)
	}

	return asr.Result{
		Text:                parsed.Text,
		Language:            parsed.Language,
		LanguageProbability: langProb,
		DurationSec:         parsed.Duration,
		Spans:               spans,
		Confidence:          averageSpanConfidence(spans),
	}, nil
}

// verboseJSONResponse mirrors the subset of whisper.cpp's verbose_json
// /inference response this adapter consumes.
type verboseJSONResponse struct {
	Text                string            `json:"text"`
	Language            string            `json:"language"`
	LanguageProbability float64           `json:"language_probability"`
	Duration            float64           `json:"duration"`
	Segments            []verboseSegment  `json:"segments"`
}

type verboseSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	AvgLogprob float64 `json:"avg_logprob"`
}

// confidenceFromLogProb converts whisper.cpp's average log-probability
// (typically in [-1, 0]) into a [0, 1] confidence heuristic.
func confidenceFromLogProb(avgLogprob float64) float64 {
	c := 1 + avgLogprob
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func averageSpanConfidence(spans []domain.Span) float64 {
	if len(spans) == 0 {
		return 0
	}
	var sum float64
	for _, s := range spans {
		sum += s.Confidence
	}
	return sum / float64(len(spans))
}
