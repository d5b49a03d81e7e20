package logging

import "testing"

func TestNewAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", ""} {
		log, err := New(level, true)
		if err != nil {
			t.Fatalf("New(%q): %v", level, err)
		}
		if log == nil {
			t.Fatalf("New(%q) returned nil logger", level)
		}
		_ = log.Sync()
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("extremely-verbose", true); err == nil {
		t.Fatal("New(unknown level) = nil error, want error")
	}
}
