package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/go-ns2/internal/model"
	"github.com/example/go-ns2/internal/runtime/tensor"
	"github.com/example/go-ns2/internal/server"
)

// blockingSynthesizer blocks until its context is cancelled.
type blockingSynthesizer struct {
	started chan struct{}
}

func (b *blockingSynthesizer) Synthesize(ctx context.Context, _ []int64, _ model.Conditioning) (*model.Synthesis, error) {
	if b.started != nil {
		b.started <- struct{}{}
	}

	<-ctx.Done()

	return nil, ctx.Err()
}

// countingSynthesizer tracks the peak number of concurrent calls.
type countingSynthesizer struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (c *countingSynthesizer) Synthesize(_ context.Context, _ []int64, _ model.Conditioning) (*model.Synthesis, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)

	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}

	time.Sleep(20 * time.Millisecond)

	return okSynthesis(), nil
}

func TestSynthesize_RequestTimeoutCancelsInFlight(t *testing.T) {
	h := server.NewHandler(&blockingSynthesizer{}, server.WithRequestTimeout(20*time.Millisecond))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- post(t, h, "/v1/synthesize", `{"tokens":[1]}`) }()

	select {
	case rec := <-done:
		if rec.Code != http.StatusGatewayTimeout {
			t.Fatalf("want 504, got %d", rec.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}
}

func TestSynthesize_WorkerLimitBoundsConcurrency(t *testing.T) {
	synth := &countingSynthesizer{}
	h := server.NewHandler(synth, server.WithWorkers(2))

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = post(t, h, "/v1/synthesize", `{"tokens":[1]}`)
		}()
	}

	wg.Wait()

	if p := synth.peak.Load(); p > 2 {
		t.Errorf("peak concurrency %d exceeds worker limit 2", p)
	}
}

func TestSynthesize_CancelledWhileQueued(t *testing.T) {
	synth := &blockingSynthesizer{started: make(chan struct{}, 1)}
	h := server.NewHandler(synth, server.WithWorkers(1), server.WithRequestTimeout(time.Second))

	go func() { _ = post(t, h, "/v1/synthesize", `{"tokens":[1]}`) }()
	<-synth.started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequestWithContext(ctx, http.MethodPost, "/v1/synthesize", stringBody(`{"tokens":[1]}`))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rec.Code)
	}
}

// blockingAligner blocks until its context is cancelled.
type blockingAligner struct{}

func (blockingAligner) SearchContext(ctx context.Context, _ *tensor.Tensor, _, _ []int) (*tensor.Tensor, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// alignBody builds a uniform [1][tEn][tDe] alignment request.
func alignBody(t *testing.T, tEn, tDe int) string {
	t.Helper()

	soft := make([][]float32, tEn)
	for i := range soft {
		soft[i] = make([]float32, tDe)
		for j := range soft[i] {
			soft[i][j] = 0.5
		}
	}

	body, err := json.Marshal(map[string]any{
		"soft":       [][][]float32{soft},
		"token_lens": []int{tEn},
		"frame_lens": []int{tDe},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	return string(body)
}

func TestAlign_RejectsOversizedMatrix(t *testing.T) {
	tests := []struct {
		name     string
		opts     []server.Option
		tEn, tDe int
	}{
		{"too many phonemes", []server.Option{server.WithMaxTokens(2)}, 50, 400},
		{"too many frames", []server.Option{server.WithMaxFrames(8)}, 2, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := server.NewHandler(nil, tt.opts...)

			rec := post(t, h, "/v1/align", alignBody(t, tt.tEn, tt.tDe))
			if rec.Code != http.StatusRequestEntityTooLarge {
				t.Fatalf("want 413, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}

	h := server.NewHandler(nil, server.WithMaxTokens(2), server.WithMaxFrames(8))
	if rec := post(t, h, "/v1/align", alignBody(t, 2, 8)); rec.Code != http.StatusOK {
		t.Fatalf("at the limits: want 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBodyLimit(t *testing.T) {
	h := server.NewHandler(&stubSynthesizer{}, server.WithMaxBodyBytes(64))

	for _, path := range []string{"/v1/align", "/v1/synthesize"} {
		t.Run(path, func(t *testing.T) {
			body := fmt.Sprintf(`{"tokens":[1],"soft":[[[%s0.5]]]}`, strings.Repeat("0.5,", 40))

			rec := post(t, h, path, body)
			if rec.Code != http.StatusRequestEntityTooLarge {
				t.Fatalf("want 413, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAlign_RequestTimeout(t *testing.T) {
	h := server.NewHandler(nil,
		server.WithAligner(blockingAligner{}),
		server.WithRequestTimeout(20*time.Millisecond),
	)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- post(t, h, "/v1/align", alignBody(t, 2, 4)) }()

	select {
	case rec := <-done:
		if rec.Code != http.StatusGatewayTimeout {
			t.Fatalf("want 504, got %d", rec.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alignment did not time out")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := server.ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v", tt.in, err)
		}

		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
