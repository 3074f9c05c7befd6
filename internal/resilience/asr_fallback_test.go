package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/glyphoxa/ingestd/pkg/asr"
	asrmock "github.com/glyphoxa/ingestd/pkg/asr/mock"
)

func TestASRFallback_Transcribe_PrimarySuccess(t *testing.T) {
	primary := &asrmock.Provider{Result: asr.Result{Text: "primary result"}}
	secondary := &asrmock.Provider{Result: asr.Result{Text: "secondary result"}}

	fb := NewASRFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	res, err := fb.Transcribe(context.Background(), []byte{0x01, 0x02}, 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "primary result" {
		t.Errorf("text = %q, want %q", res.Text, "primary result")
	}
	if len(primary.Calls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.Calls))
	}
	if len(secondary.Calls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.Calls))
	}
}

func TestASRFallback_Transcribe_Failover(t *testing.T) {
	primary := &asrmock.Provider{Err: errors.New("primary down")}
	secondary := &asrmock.Provider{Result: asr.Result{Text: "secondary result"}}

	fb := NewASRFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	res, err := fb.Transcribe(context.Background(), []byte{0x01}, 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "secondary result" {
		t.Errorf("text = %q, want %q", res.Text, "secondary result")
	}
	if len(secondary.Calls) != 1 {
		t.Fatalf("secondary called %d times, want 1", len(secondary.Calls))
	}
}

func TestASRFallback_Transcribe_AllFail(t *testing.T) {
	primary := &asrmock.Provider{Err: errors.New("primary down")}
	secondary := &asrmock.Provider{Err: errors.New("secondary down")}

	fb := NewASRFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Transcribe(context.Background(), []byte{0x01}, 16000, 1)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
