package util

import (
	"strings"
	"testing"
	"time"
)

func TestNewClientID(t *testing.T) {
	id1 := NewClientID()
	id2 := NewClientID()

	if !strings.HasPrefix(id1, "msg_") {
		t.Errorf("Expected msg_ prefix, got %q", id1)
	}
	if id1 == id2 {
		t.Error("Consecutive client IDs must differ")
	}
}

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"off", true, false},
		{"", true, true},
		{"garbage", true, true},
	}

	for _, tt := range tests {
		t.Setenv("DRIFTQ_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("DRIFTQ_TEST_BOOL", tt.def); got != tt.expected {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.expected)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("DRIFTQ_TEST_INT", "42")
	if got := ParseIntEnv("DRIFTQ_TEST_INT", 7); got != 42 {
		t.Errorf("Expected 42, got %d", got)
	}

	t.Setenv("DRIFTQ_TEST_INT", "not a number")
	if got := ParseIntEnv("DRIFTQ_TEST_INT", 7); got != 7 {
		t.Errorf("Expected default 7, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("DRIFTQ_TEST_DUR", "90s")
	if got := ParseDurationEnv("DRIFTQ_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("Expected 90s, got %v", got)
	}

	t.Setenv("DRIFTQ_TEST_DUR", "soon")
	if got := ParseDurationEnv("DRIFTQ_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("Expected default 1m, got %v", got)
	}
}
