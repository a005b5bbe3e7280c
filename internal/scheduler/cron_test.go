package scheduler

import (
	"testing"
	"time"
	_ "time/tzdata"
)

func TestNextDue_Cron(t *testing.T) {
	from := time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC)

	next, err := NextDue("0 10 * * *", from)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	want := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextDue_Every(t *testing.T) {
	from := time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC)

	next, err := NextDue("@every 90s", from)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	want := from.Add(90 * time.Second)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextDue_Descriptor(t *testing.T) {
	from := time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC)

	next, err := NextDue("@daily", from)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	want := time.Date(2024, 6, 11, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextDue_Timezone(t *testing.T) {
	from := time.Date(2024, 1, 10, 6, 0, 0, 0, time.UTC)

	next, err := NextDue("CRON_TZ=Europe/Moscow 0 10 * * *", from)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	// 10:00 MSK = 07:00 UTC
	want := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
	if next.Location() != time.UTC {
		t.Errorf("expected UTC, got %v", next.Location())
	}
}

func TestNextDue_Invalid(t *testing.T) {
	if _, err := NextDue("not a cron", time.Now()); err == nil {
		t.Error("expected error for invalid expression")
	}
	if _, err := NextDue("", time.Now()); err == nil {
		t.Error("expected error for empty expression")
	}
	if err := ValidateRepeat("*/5 * * * *"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
