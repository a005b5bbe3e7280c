package jobs

import (
	"testing"
	"time"
)

func TestFixed_Next(t *testing.T) {
	b := DefaultBackoff()
	for attempt := 1; attempt <= 5; attempt++ {
		if d := b.Next(attempt); d != DefaultRetryDelay {
			t.Errorf("attempt %d: expected %v, got %v", attempt, DefaultRetryDelay, d)
		}
	}
}

func TestLinear_Next(t *testing.T) {
	b := Linear{Delay: time.Second, Max: 3 * time.Second}

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		if d := b.Next(i + 1); d != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, d)
		}
	}
}

func TestExponential_Next(t *testing.T) {
	b := Exponential{Initial: time.Second, Max: 5 * time.Second}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if d := b.Next(i + 1); d != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, d)
		}
	}
}

func TestParseBackoff(t *testing.T) {
	b, err := ParseBackoff("exponential", time.Second, time.Minute)
	if err != nil {
		t.Fatalf("ParseBackoff: %v", err)
	}
	if _, ok := b.(Exponential); !ok {
		t.Errorf("expected Exponential, got %T", b)
	}

	b, _ = ParseBackoff("", 0, 0)
	if f, ok := b.(Fixed); !ok || f.Delay != DefaultRetryDelay {
		t.Errorf("expected default Fixed, got %#v", b)
	}

	if _, err := ParseBackoff("random", 0, 0); err == nil {
		t.Error("expected error for unknown backoff")
	}
}
