package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"1500ms", 1500 * time.Millisecond, false},
		{" 2m ", 2 * time.Minute, false},
		{"1d", 24 * time.Hour, false},
		{"2d12h", 60 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"-1s", 0, true},
		{"1d-1h", 0, true},
		{"d", 0, true},
		{"1dx", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseDurationField(%q) = %v, %v", tt.raw, got, err)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, _ := ParseDurationOrDefault("x", "", time.Minute); d != time.Minute {
		t.Fatalf("empty = %v", d)
	}
	if d, _ := ParseDurationOrDefault("x", "0s", time.Minute); d != time.Minute {
		t.Fatalf("zero = %v", d)
	}
	if d, _ := ParseDurationOrDefault("x", "3s", time.Minute); d != 3*time.Second {
		t.Fatalf("set = %v", d)
	}
	if _, err := ParseDurationOrDefault("scheduler.stop_timeout", "soon", time.Minute); err == nil || !strings.Contains(err.Error(), "scheduler.stop_timeout") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseTimeField(t *testing.T) {
	t.Parallel()
	got, err := ParseTimeField("jobs[0].at", " 2026-01-02T03:04:05Z ")
	if err != nil || !got.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("got %v, %v", got, err)
	}
	if _, err := ParseTimeField("jobs[0].at", "tomorrow"); err == nil || !strings.Contains(err.Error(), "jobs[0].at") {
		t.Fatalf("err = %v", err)
	}
}
