package handlers

import (
	"testing"
	"time"
)

func TestFormatTime(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 500, time.FixedZone("CET", 3600))
	if got := formatTime(at); got != "2026-03-01T11:00:00.0000005Z" {
		t.Fatalf("unexpected timestamp %q", got)
	}

	if formatOptionalTime(time.Time{}) != nil {
		t.Fatalf("expected nil for a zero time")
	}
	if got := formatOptionalTime(at); got == nil || *got != formatTime(at) {
		t.Fatalf("unexpected optional timestamp %v", got)
	}
}
