package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestInitWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := InitWriter(&buf, "oracled", slog.LevelInfo)
	l.Debug("hidden")
	l.Info("round finalized", "round", 7)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "oracled" || rec["msg"] != "round finalized" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}
	ctx = WithTraceID(ctx, "v:a:1")
	if tid := TraceID(ctx); tid != "v:a:1" {
		t.Errorf("expected 'v:a:1', got %q", tid)
	}
	if attrs := LogWithTrace(ctx); len(attrs) != 1 {
		t.Errorf("expected one attr, got %v", attrs)
	}
	if attrs := LogWithTrace(context.Background()); attrs != nil {
		t.Errorf("expected nil attrs, got %v", attrs)
	}
}

func TestSubmissionTraceID(t *testing.T) {
	got := SubmissionTraceID("0x0000000000000000000000000000000000000001", "0xaa", 12)
	if got != "0x00000000:0xaa:12" {
		t.Errorf("unexpected trace id %q", got)
	}
	if got := SubmissionTraceID("0xbb", "0xaa", 0); got != "0xbb:0xaa:0" {
		t.Errorf("round 0 trace id %q", got)
	}
	if got := SubmissionTraceID("0xbb", "0xaa", 18446744073709551615); got != "0xbb:0xaa:18446744073709551615" {
		t.Errorf("max round trace id %q", got)
	}
}
