package privacy_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/glyphoxa/ingestd/pkg/privacy"
)

func TestStrictModeRejectsDetectedPII(t *testing.T) {
	// S6: "Мой email ivan@example.com" under strict mode must terminate as
	// filtered with no text persisted.
	tr := privacy.New(privacy.ModeStrict)
	res, err := tr.Apply(context.Background(), "Мой email ivan@example.com")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Rejected {
		t.Fatal("expected strict mode to reject text containing an email address")
	}
	if res.Text != "" {
		t.Fatalf("expected no text on rejection, got %q", res.Text)
	}
}

func TestStrictModePassesCleanText(t *testing.T) {
	tr := privacy.New(privacy.ModeStrict)
	res, err := tr.Apply(context.Background(), "Нужно позвонить Ивану завтра в три.")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Rejected {
		t.Fatal("expected strict mode to pass text with no regex-detectable PII")
	}
}

func TestMaskModeSubstitutesPlaceholders(t *testing.T) {
	tr := privacy.New(privacy.ModeMask)
	res, err := tr.Apply(context.Background(), "reach me at ivan@example.com or 192.168.0.1")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Rejected {
		t.Fatal("mask mode must never reject")
	}
	if !strings.Contains(res.Text, "[EMAIL]") {
		t.Errorf("expected [EMAIL] placeholder in %q", res.Text)
	}
	if !strings.Contains(res.Text, "[IP]") {
		t.Errorf("expected [IP] placeholder in %q", res.Text)
	}
	if strings.Contains(res.Text, "ivan@example.com") {
		t.Errorf("original email leaked into masked text: %q", res.Text)
	}
	if len(res.Detections) != 2 {
		t.Fatalf("expected 2 detections, got %d: %+v", len(res.Detections), res.Detections)
	}
}

func TestAuditModePreservesOriginalText(t *testing.T) {
	tr := privacy.New(privacy.ModeAudit)
	original := "call me at ivan@example.com"
	res, err := tr.Apply(context.Background(), original)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Rejected {
		t.Fatal("audit mode must never reject")
	}
	if res.Text != original {
		t.Fatalf("audit mode must preserve original text, got %q", res.Text)
	}
	if len(res.Detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(res.Detections))
	}
}

func TestCardDetectionRequiresLuhnValidity(t *testing.T) {
	tr := privacy.New(privacy.ModeMask)

	// 4111 1111 1111 1111 is a well-known Luhn-valid test card number.
	res, err := tr.Apply(context.Background(), "card 4111 1111 1111 1111")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !strings.Contains(res.Text, "[CARD]") {
		t.Errorf("expected Luhn-valid card number to be detected, got %q", res.Text)
	}

	// Same shape but with the last digit flipped so the checksum fails.
	res2, err := tr.Apply(context.Background(), "card 4111 1111 1111 1112")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if strings.Contains(res2.Text, "[CARD]") {
		t.Errorf("expected Luhn-invalid digit sequence not to be flagged as a card, got %q", res2.Text)
	}
}

func TestOverlappingDetectionsDedupeToOuterSpan(t *testing.T) {
	// A 12-digit KZ government ID is also matched by the phone pattern over
	// the same span; only one of the overlapping detections may survive.
	tr := privacy.New(privacy.ModeAudit)
	res, err := tr.Apply(context.Background(), "iin 850101300123")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for i := 0; i < len(res.Detections); i++ {
		for j := i + 1; j < len(res.Detections); j++ {
			a, b := res.Detections[i], res.Detections[j]
			if a.Start < b.End && b.Start < a.End {
				t.Fatalf("overlapping detections survived dedup: %+v vs %+v", a, b)
			}
		}
	}
}

type stubNameDetector struct {
	detections []privacy.Detection
	err        error
}

func (s stubNameDetector) DetectNames(ctx context.Context, text string) ([]privacy.Detection, error) {
	return s.detections, s.err
}

func TestNameDetectorDetectionsAreMasked(t *testing.T) {
	tr := privacy.New(privacy.ModeMask, privacy.WithNameDetector(stubNameDetector{
		detections: []privacy.Detection{{Class: privacy.ClassPerson, Start: 0, End: 4, Value: "Иван"}},
	}))
	res, err := tr.Apply(context.Background(), "Иван звонил")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !strings.HasPrefix(res.Text, "[PERSON]") {
		t.Fatalf("expected name detector span to be masked, got %q", res.Text)
	}
}

func TestNameDetectorFailureDoesNotAbortTransform(t *testing.T) {
	tr := privacy.New(privacy.ModeMask, privacy.WithNameDetector(stubNameDetector{
		err: errors.New("detector unavailable"),
	}))
	res, err := tr.Apply(context.Background(), "plain text with no other PII")
	if err != nil {
		t.Fatalf("Apply should not fail when the name detector errors: %v", err)
	}
	if res.Text != "plain text with no other PII" {
		t.Fatalf("expected text unchanged when name detector fails, got %q", res.Text)
	}
}

func TestNoNameDetectorFindsNothing(t *testing.T) {
	d := privacy.NoNameDetector{}
	dets, err := d.DetectNames(context.Background(), "Иван Петров")
	if err != nil {
		t.Fatalf("DetectNames: %v", err)
	}
	if dets != nil {
		t.Fatalf("expected no detections, got %+v", dets)
	}
}
