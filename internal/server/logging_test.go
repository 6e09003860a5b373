package server_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/example/go-ns2/internal/server"
)

// capturingHandler captures all slog records during a test.
type capturingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (c *capturingHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (c *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
	return nil
}
func (c *capturingHandler) WithAttrs(_ []slog.Attr) slog.Handler { return c }
func (c *capturingHandler) WithGroup(_ string) slog.Handler      { return c }

func (c *capturingHandler) attrMap(idx int) map[string]any {
	m := make(map[string]any)
	c.records[idx].Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func stringBody(s string) io.Reader { return strings.NewReader(s) }

func TestSynthesize_LogsRequestIDAndTokens(t *testing.T) {
	capture := &capturingHandler{}
	h := server.NewHandler(&stubSynthesizer{out: okSynthesis()}, server.WithLogger(slog.New(capture)))

	rec := post(t, h, "/v1/synthesize", `{"tokens":[4,5,6]}`)

	if len(capture.records) == 0 {
		t.Fatal("want at least one log record, got none")
	}

	last := len(capture.records) - 1
	if capture.records[last].Level != slog.LevelInfo {
		t.Errorf("want info level, got %v", capture.records[last].Level)
	}

	attrs := capture.attrMap(last)
	if attrs["request_id"] != rec.Header().Get(server.RequestIDHeader) {
		t.Errorf("logged request_id %v, header %q", attrs["request_id"], rec.Header().Get(server.RequestIDHeader))
	}

	if attrs["tokens"] != int64(3) {
		t.Errorf("want tokens=3, got %v", attrs["tokens"])
	}

	if _, ok := attrs["frames"]; !ok {
		t.Error("want frames attribute")
	}
}

func TestSynthesize_LogsFailureAtErrorLevel(t *testing.T) {
	capture := &capturingHandler{}
	h := server.NewHandler(&stubSynthesizer{err: errors.New("boom")}, server.WithLogger(slog.New(capture)))

	_ = post(t, h, "/v1/synthesize", `{"tokens":[1]}`)

	if len(capture.records) == 0 {
		t.Fatal("want a log record")
	}

	last := len(capture.records) - 1

	r := capture.records[last]
	if r.Level != slog.LevelError {
		t.Errorf("want error level, got %v", r.Level)
	}

	if capture.attrMap(last)["error"] != "boom" {
		t.Error("want error attribute")
	}
}
