package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		val  string
		def  bool
		want bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("EP_TEST_BOOL", tt.val)
		if got := ParseBoolEnv("EP_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.val, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("EP_TEST_INT", "3")
	if got := ParseIntEnv("EP_TEST_INT", 1); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
	t.Setenv("EP_TEST_INT", "three")
	if got := ParseIntEnv("EP_TEST_INT", 1); got != 1 {
		t.Errorf("got %d, want default 1", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", time.Hour},
		{"90s", 90 * time.Second},
		{"45", 45 * time.Minute},
		{"soon", time.Hour},
	}
	for _, tt := range tests {
		t.Setenv("EP_TEST_DUR", tt.val)
		if got := ParseDurationEnv("EP_TEST_DUR", time.Hour); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestFirstEnv(t *testing.T) {
	t.Setenv("EP_A", "")
	t.Setenv("EP_B", "b")
	if got := FirstEnv("EP_A", "EP_B"); got != "b" {
		t.Errorf("FirstEnv = %q", got)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "test", 3, time.Millisecond, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Retry(context.Background(), "test", 2, time.Millisecond, func(int) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRetrySingleAttempt(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), "test", 0, 0, func(int) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Errorf("expected exactly one call, got %d", calls)
	}
}
