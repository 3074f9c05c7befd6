// Package domain defines the shared entities that flow through the
// ingestion-and-analysis pipeline: Segment, Transcription, StructuredEvent,
// IntegrityEvent, MemoryNode, PendingUpload, and RetentionAuditRecord.
//
// These types are intentionally minimal and free of package dependencies on
// storage, transport, or provider packages, so that pkg/storage, pkg/filter,
// pkg/enrichment, pkg/integrity, and pkg/memory can all depend on domain
// without forming import cycles.
package domain

import "time"

// TerminalOutcome is the set of terminal results the ingress endpoint may
// report for a single submitted payload.
type TerminalOutcome string

const (
	OutcomeReceived      TerminalOutcome = "received"
	OutcomeTranscription TerminalOutcome = "transcription"
	OutcomeFiltered      TerminalOutcome = "filtered"
	OutcomeError         TerminalOutcome = "error"
)

// Segment is a bounded, client-emitted speech utterance: mono 16 kHz PCM16
// audio wrapped in a WAV container.
type Segment struct {
	ID           string
	CreatedAt    time.Time
	ByteLength   int
	SampleRate   int
	Channels     int
	BitsPerSample int
}

// Span is a single utterance-level slice of a Transcription with its own
// timing and confidence.
type Span struct {
	Start      time.Duration
	End        time.Duration
	Text       string
	Confidence float64
}

// Transcription is the immutable ASR result for exactly one Segment.
type Transcription struct {
	ID                 string
	SegmentID          string
	Text               string
	DetectedLanguage   string
	LanguageProbability float64
	DurationSec        float64
	Spans              []Span
	CreatedAt          time.Time
}

// Urgency classifies how time-sensitive a StructuredEvent's content is.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Sentiment classifies the overall emotional valence of a StructuredEvent.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Task is a single actionable item extracted by enrichment.
type Task struct {
	Text     string
	Priority string
	Deadline *time.Time
}

// StructuredEvent is the immutable enrichment result for exactly one
// Transcription.
type StructuredEvent struct {
	ID                   string
	TranscriptionID      string
	Summary              string
	Topics               []string
	Domains              []string
	Emotions             []string
	Tasks                []Task
	Decisions            []string
	Urgency              Urgency
	Sentiment            Sentiment
	ASRConfidence        float64
	EnrichmentConfidence float64
	EnrichmentModel      string
	EnrichmentTokens     int
	EnrichmentLatencyMs  int64
	CreatedAt            time.Time
}

// IntegrityStage is one of the fixed set of pipeline stages that may append
// an IntegrityEvent for a segment.
type IntegrityStage string

const (
	StageIngestReceived       IntegrityStage = "ingest_received"
	StageFilterPreASR         IntegrityStage = "filter_pre_asr"
	StageTranscriptionComplete IntegrityStage = "transcription_complete"
	StageFilterPostASR        IntegrityStage = "filter_post_asr"
	StagePersisted            IntegrityStage = "persisted"
	StageEnriched             IntegrityStage = "enriched"
	StageEnrichmentFailed     IntegrityStage = "enrichment_failed"
	StagePrivacyRejected      IntegrityStage = "privacy_rejected"
)

// IntegrityEvent is one append-only, SHA-256-linked entry in a segment's
// hash chain.
type IntegrityEvent struct {
	ID          int64
	SegmentID   string
	Stage       IntegrityStage
	ContentHash string
	PrevHash    *string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// MemoryNode is the retrievable memory unit derived from a single
// StructuredEvent.
type MemoryNode struct {
	ID                   string
	SourceSegmentID      string
	SourceTranscriptionID string
	Content              string
	Summary              string
	Topics               []string
	Entities             []string
	Embedding            []float32
	CreatedAt            time.Time
}

// UploadStatus is the lifecycle state of a client-side PendingUpload row.
type UploadStatus string

const (
	UploadPending UploadStatus = "pending"
	UploadFailed  UploadStatus = "failed"
)

// PendingUpload is a client-side durable queue row tracking one segment file
// awaiting (or having failed) transmission to the ingress endpoint.
type PendingUpload struct {
	SegmentID  string
	FilePath   string
	RetryCount int
	LastError  string
	Status     UploadStatus
	CreatedAt  time.Time
}

// RetentionTrigger identifies what kicked off a RetentionJob run.
type RetentionTrigger string

const (
	TriggerCron   RetentionTrigger = "cron"
	TriggerManual RetentionTrigger = "manual"
	TriggerCI     RetentionTrigger = "ci"
	TriggerAPI    RetentionTrigger = "api"
)

// RetentionAuditRecord captures one (table, run) sweep outcome of a
// RetentionJob, including dry runs.
type RetentionAuditRecord struct {
	JobRunID    string
	Table       string
	RecordCount int
	RowsScanned int
	MinDeletedID int64
	MaxDeletedID int64
	Rule        string
	Cutoff      time.Time
	DurationMs  int64
	Actor       string
	Trigger     RetentionTrigger
	Environment string
	DryRun      bool
	CreatedAt   time.Time
}
