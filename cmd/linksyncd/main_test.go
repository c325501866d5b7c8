package main

import (
	"testing"
	"time"
)

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("LINKSYNC_TEST_STR", "  value  ")
	if got := envOrDefault("LINKSYNC_TEST_STR", "fallback"); got != "value" {
		t.Fatalf("got %q", got)
	}
	t.Setenv("LINKSYNC_TEST_STR", "   ")
	if got := envOrDefault("LINKSYNC_TEST_STR", "fallback"); got != "fallback" {
		t.Fatalf("blank env: got %q", got)
	}
	if got := envOrDefault("LINKSYNC_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("unset env: got %q", got)
	}
}

func TestDurationEnv(t *testing.T) {
	t.Setenv("LINKSYNC_TEST_DUR", "45s")
	if got := durationEnv("LINKSYNC_TEST_DUR", time.Minute); got != 45*time.Second {
		t.Fatalf("got %v", got)
	}
	t.Setenv("LINKSYNC_TEST_DUR", "not-a-duration")
	if got := durationEnv("LINKSYNC_TEST_DUR", time.Minute); got != time.Minute {
		t.Fatalf("invalid value: got %v", got)
	}
}

func TestIntEnv(t *testing.T) {
	t.Setenv("LINKSYNC_TEST_INT", "7")
	if got := intEnv("LINKSYNC_TEST_INT", 9); got != 7 {
		t.Fatalf("got %d", got)
	}
	t.Setenv("LINKSYNC_TEST_INT", "seven")
	if got := intEnv("LINKSYNC_TEST_INT", 9); got != 9 {
		t.Fatalf("invalid value: got %d", got)
	}
}

func TestFloatEnv(t *testing.T) {
	t.Setenv("LINKSYNC_TEST_FLOAT", "0.25")
	if got := floatEnv("LINKSYNC_TEST_FLOAT", 0.1); got != 0.25 {
		t.Fatalf("got %v", got)
	}
	t.Setenv("LINKSYNC_TEST_FLOAT", "nope")
	if got := floatEnv("LINKSYNC_TEST_FLOAT", 0.1); got != 0.1 {
		t.Fatalf("invalid value: got %v", got)
	}
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("LINKSYNC_TEST_BOOL", "false")
	if got := boolEnv("LINKSYNC_TEST_BOOL", true); got {
		t.Fatalf("got %v", got)
	}
	t.Setenv("LINKSYNC_TEST_BOOL", "yes")
	if got := boolEnv("LINKSYNC_TEST_BOOL", true); !got {
		t.Fatalf("invalid value should fall back: got %v", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.1, 0.1},
		{1, 1},
		{3, 1},
	}
	for _, tc := range cases {
		if got := clampJitterRatio(tc.in); got != tc.want {
			t.Fatalf("clampJitterRatio(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
