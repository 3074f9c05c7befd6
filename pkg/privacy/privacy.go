// Package privacy implements PrivacyTransform (spec §4.6): a pure
// text-in/text-out function that detects PII spans and applies one of
// three handling modes (strict, mask, audit).
package privacy

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// Class enumerates the PII categories this transform recognizes, following
// the classification scheme in the retrieved anonymizing-proxy example.
type Class string

const (
	ClassEmail      Class = "email"
	ClassPhone      Class = "phone"
	ClassCard       Class = "card"
	ClassGovID      Class = "government_id"
	ClassGovIDKZ    Class = "government_id_kz"
	ClassIP         Class = "ip_address"
	ClassPerson     Class = "person"
)

// placeholder maps each Class to its mask substitution token (spec §4.6).
var placeholder = map[Class]string{
	ClassEmail:   "[EMAIL]",
	ClassPhone:   "[PHONE]",
	ClassCard:    "[CARD]",
	ClassGovID:   "[ID]",
	ClassGovIDKZ: "[ID]",
	ClassIP:      "[IP]",
	ClassPerson:  "[PERSON]",
}

// Detection is one recognized PII span in the original text.
type Detection struct {
	Class Class
	Start int
	End   int
	Value string
}

// Mode selects how detected PII is handled.
type Mode string

const (
	// ModeStrict rejects any segment containing detected PII (terminal
	// `filtered`).
	ModeStrict Mode = "strict"
	// ModeMask substitutes detected spans with placeholders and persists
	// the masked text.
	ModeMask Mode = "mask"
	// ModeAudit persists the original text unmodified and only logs
	// detection events.
	ModeAudit Mode = "audit"
)

// Result is the outcome of applying a Transform to one piece of text.
type Result struct {
	// Rejected is true in ModeStrict when PII was detected; Text is then
	// empty and the segment must terminate as `filtered`.
	Rejected bool
	// Text is the (possibly masked) output text.
	Text string
	// Detections lists every PII span found, regardless of mode — used
	// for the audit log line and, in mask mode, the side channel of
	// what was masked.
	Detections []Detection
}

// regexPattern pairs a compiled regex with the Class it signals.
type regexPattern struct {
	re    *regexp.Regexp
	class Class
}

var patterns = []regexPattern{
	{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), ClassEmail},
	{regexp.MustCompile(`\b(?:\d{4}[\-\s]?){3}\d{4}\b`), ClassCard},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), ClassGovID},
	// Kazakhstan individual identification number (IIN): 12 digits,
	// first 6 encode YYMMDD of birth.
	{regexp.MustCompile(`\b\d{12}\b`), ClassGovIDKZ},
	{regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`), ClassIP},
	{regexp.MustCompile(`(\+?\d{1,3}[\-.\s]?)?\(?\d{3}\)?[\-.\s]?\d{3}[\-.\s]?\d{4}\b`), ClassPhone},
}

// NameDetector finds named-person spans in text. The default
// implementation (Transform with no WithNameDetector option) detects no
// names; production deployments supply an LLM- or NER-backed detector.
type NameDetector interface {
	DetectNames(ctx context.Context, text string) ([]Detection, error)
}

// NoNameDetector is a NameDetector that never finds anything, used when
// named-person detection is not configured.
type NoNameDetector struct{}

// DetectNames implements NameDetector.
func (NoNameDetector) DetectNames(ctx context.Context, text string) ([]Detection, error) {
	return nil, nil
}

// Transform applies PrivacyTransform. It holds no mutable state besides
// its optional NameDetector and logger, matching spec §4.6's "the
// transform is pure ... produces no side effects besides its log line".
type Transform struct {
	mode         Mode
	nameDetector NameDetector
	logger       *slog.Logger
}

// Option configures a Transform.
type Option func(*Transform)

// WithNameDetector injects a named-person detector (spec §4.6: "via an
// external detector").
func WithNameDetector(d NameDetector) Option {
	return func(t *Transform) { t.nameDetector = d }
}

// WithLogger overrides the default discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transform) { t.logger = l }
}

// New constructs a Transform for the given mode.
func New(mode Mode, opts ...Option) *Transform {
	t := &Transform{
		mode:         mode,
		nameDetector: NoNameDetector{},
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Apply runs the transform over text and returns the handled Result
// according to the configured Mode.
func (t *Transform) Apply(ctx context.Context, text string) (Result, error) {
	detections := detectRegex(text)

	if names, err := t.nameDetector.DetectNames(ctx, text); err == nil {
		detections = append(detections, names...)
	} else {
		t.logger.Warn("name detection failed", "error", err)
	}

	detections = dedupeOverlapping(detections)
	t.logger.Info("privacy transform applied", "mode", t.mode, "detections", len(detections))

	switch t.mode {
	case ModeStrict:
		if len(detections) > 0 {
			return Result{Rejected: true, Detections: detections}, nil
		}
		return Result{Text: text, Detections: detections}, nil
	case ModeMask:
		return Result{Text: maskSpans(text, detections), Detections: detections}, nil
	case ModeAudit:
		return Result{Text: text, Detections: detections}, nil
	default:
		return Result{Text: text, Detections: detections}, nil
	}
}

func detectRegex(text string) []Detection {
	var out []Detection
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			value := text[loc[0]:loc[1]]
			if p.class == ClassCard && !luhnValid(value) {
				continue
			}
			out = append(out, Detection{Class: p.class, Start: loc[0], End: loc[1], Value: value})
		}
	}
	return out
}

// luhnValid reports whether digits (ignoring separators) pass the Luhn
// checksum, as required for credit-card detection (spec §4.6).
func luhnValid(value string) bool {
	var digits []int
	for _, r := range value {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 12 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// dedupeOverlapping sorts detections by start offset and drops any
// detection whose span is fully contained in an earlier one.
func dedupeOverlapping(detections []Detection) []Detection {
	if len(detections) < 2 {
		return detections
	}
	sort.Slice(detections, func(i, j int) bool {
		if detections[i].Start != detections[j].Start {
			return detections[i].Start < detections[j].Start
		}
		return detections[i].End > detections[j].End
	})
	out := detections[:0:0]
	lastEnd := -1
	for _, d := range detections {
		if d.Start < lastEnd {
			continue
		}
		out = append(out, d)
		lastEnd = d.End
	}
	return out
}

// maskSpans replaces each detection's span with its class placeholder,
// walking the start-sorted detections left-to-right and copying from the
// original text, so offsets never shift; a span starting before the end of
// the previous one is skipped.
func maskSpans(text string, detections []Detection) string {
	var b strings.Builder
	cursor := 0
	for _, d := range detections {
		if d.Start < cursor {
			continue
		}
		b.WriteString(text[cursor:d.Start])
		b.WriteString(placeholder[d.Class])
		cursor = d.End
	}
	b.WriteString(text[cursor:])
	return b.String()
}
