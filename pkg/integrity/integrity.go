// Package integrity implements IntegrityChain (spec §4.8): a per-segment,
// append-only sequence of SHA-256-linked stage events that gives tamper
// evidence over the processing pipeline.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/glyphoxa/ingestd/pkg/domain"
)

// ErrIntegrityChainDivergence is returned by verification paths when a
// chain's prev_hash linkage does not match the recomputed content hash of
// the preceding event. It is never auto-corrected (spec §4.8, §7).
var ErrIntegrityChainDivergence = errors.New("integrity: chain divergence detected")

// Store is the append-only persistence port IntegrityChain writes through.
// Implementations (e.g. pkg/storage) must serve Append and Events in
// created_at order for a given segment_id; no mutation or deletion method
// is exposed because the chain is append-only by contract.
type Store interface {
	// Append inserts a new IntegrityEvent row. Implementations must not
	// reorder concurrent appends for different segment_ids but must
	// serialize appends for the same segment_id (spec §4.8: "looks up the
	// most recent event for segment_id to take prev_hash").
	Append(ctx context.Context, event domain.IntegrityEvent) (domain.IntegrityEvent, error)
	// Events returns all events for segmentID ordered by created_at ascending.
	Events(ctx context.Context, segmentID string) ([]domain.IntegrityEvent, error)
}

// Chain computes and appends SHA-256-linked integrity events through a Store.
type Chain struct {
	store Store
	// now is overridable for deterministic tests.
	now func() time.Time
}

// New constructs a Chain backed by store.
func New(store Store) *Chain {
	return &Chain{store: store, now: time.Now}
}

// stagePayload is the canonical shape hashed for every event, matching
// spec §4.8: "SHA-256(canonical_json({stage, segment_id, timestamp, payload}))".
type stagePayload struct {
	Stage     string         `json:"stage"`
	SegmentID string         `json:"segment_id"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Append computes the content hash for a new stage event, looks up the
// preceding event's content hash for segmentID to chain from, and persists
// the result.
func (c *Chain) Append(ctx context.Context, segmentID string, stage domain.IntegrityStage, metadata map[string]any) (domain.IntegrityEvent, error) {
	prior, err := c.store.Events(ctx, segmentID)
	if err != nil {
		return domain.IntegrityEvent{}, fmt.Errorf("integrity: load prior events: %w", err)
	}

	var prevHash *string
	if len(prior) > 0 {
		h := prior[len(prior)-1].ContentHash
		prevHash = &h
	}

	// Truncated to microseconds because the backing store's TIMESTAMPTZ
	// column (pkg/storage) round-trips at microsecond precision; hashing
	// at full nanosecond precision would make every reloaded event fail
	// to reproduce its stored content_hash.
	ts := c.now().UTC().Truncate(time.Microsecond)
	hash, err := contentHash(stage, segmentID, ts, metadata)
	if err != nil {
		return domain.IntegrityEvent{}, fmt.Errorf("integrity: compute content hash: %w", err)
	}

	event := domain.IntegrityEvent{
		SegmentID:   segmentID,
		Stage:       stage,
		ContentHash: hash,
		PrevHash:    prevHash,
		Metadata:    metadata,
		CreatedAt:   ts,
	}

	stored, err := c.store.Append(ctx, event)
	if err != nil {
		return domain.IntegrityEvent{}, fmt.Errorf("integrity: append: %w", err)
	}
	return stored, nil
}

// ComputeHash computes the canonical content hash for a stage event using
// the same encoding Append and Trail use. It is exported so that callers
// needing transactional atomicity between the event insert and another
// write (e.g. pkg/storage persisting a transcription alongside its
// `persisted` event, per spec §5) can precompute the hash themselves
// instead of going through Append's own Store call.
func ComputeHash(stage domain.IntegrityStage, segmentID string, ts time.Time, metadata map[string]any) (string, error) {
	return contentHash(stage, segmentID, ts, metadata)
}

// contentHash computes the canonical SHA-256 digest for one stage event.
// canonical_json requires sorted keys and stable number formatting;
// encoding/json already sorts map[string]any keys on marshal, and the
// stagePayload struct fields are emitted in fixed declaration order, so no
// additional canonicalization pass is needed.
func contentHash(stage domain.IntegrityStage, segmentID string, ts time.Time, metadata map[string]any) (string, error) {
	payload := stagePayload{
		Stage:     string(stage),
		SegmentID: segmentID,
		Timestamp: ts.Format(time.RFC3339Nano),
		Payload:   canonicalizeMetadata(metadata),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalizeMetadata returns metadata unchanged but never nil, so that
// the JSON encoding of an event with no metadata ("{}") is stable across
// calls instead of varying between "null" and "{}".
func canonicalizeMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return map[string]any{}
	}
	return metadata
}

// TrailResult is the response shape for the integrity trail read path
// (spec §6 `GET /audit/trail/{segment_id}`, §C of SPEC_FULL.md).
type TrailResult struct {
	SegmentID       string
	Events          []domain.IntegrityEvent
	ChainConsistent bool
	// FirstDivergence names the stage of the first event whose prev_hash
	// does not match the recomputed hash of its predecessor, or nil if
	// the chain is consistent.
	FirstDivergence *string
}

// Trail walks the events for segmentID in created_at order, recomputing
// each content hash and comparing prev_hash linkage (spec §4.8 verification).
// An inconsistent trail is reported, never auto-repaired.
func (c *Chain) Trail(ctx context.Context, segmentID string) (TrailResult, error) {
	events, err := c.store.Events(ctx, segmentID)
	if err != nil {
		return TrailResult{}, fmt.Errorf("integrity: load events: %w", err)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })

	result := TrailResult{SegmentID: segmentID, Events: events, ChainConsistent: true}

	var prevHash *string
	for i := range events {
		ev := events[i]

		recomputed, err := contentHash(ev.Stage, ev.SegmentID, ev.CreatedAt, ev.Metadata)
		if err != nil {
			return TrailResult{}, fmt.Errorf("integrity: recompute hash: %w", err)
		}
		if recomputed != ev.ContentHash {
			result.ChainConsistent = false
			stage := string(ev.Stage)
			result.FirstDivergence = &stage
			break
		}

		if i == 0 {
			if ev.PrevHash != nil {
				result.ChainConsistent = false
				stage := string(ev.Stage)
				result.FirstDivergence = &stage
				break
			}
		} else if prevHash == nil || ev.PrevHash == nil || *ev.PrevHash != *prevHash {
			result.ChainConsistent = false
			stage := string(ev.Stage)
			result.FirstDivergence = &stage
			break
		}

		hash := ev.ContentHash
		prevHash = &hash
	}

	return result, nil
}

// Verify is a convenience wrapper returning ErrIntegrityChainDivergence
// when the trail is inconsistent, for callers (e.g. operator tooling) that
// want an error rather than a boolean.
func (c *Chain) Verify(ctx context.Context, segmentID string) error {
	trail, err := c.Trail(ctx, segmentID)
	if err != nil {
		return err
	}
	if !trail.ChainConsistent {
		return fmt.Errorf("%w: segment %s first divergence at stage %s", ErrIntegrityChainDivergence, segmentID, strOrEmpty(trail.FirstDivergence))
	}
	return nil
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
