// Package server exposes synthesis and alignment over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/go-ns2/internal/align"
	"github.com/example/go-ns2/internal/audio"
	"github.com/example/go-ns2/internal/config"
	"github.com/example/go-ns2/internal/mask"
	"github.com/example/go-ns2/internal/model"
	"github.com/example/go-ns2/internal/native"
	"github.com/example/go-ns2/internal/prosody"
	"github.com/example/go-ns2/internal/runtime/tensor"
)

// RequestIDHeader carries the per-request identifier on responses.
const RequestIDHeader = "X-Request-ID"

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Synthesizer generates speech for a token sequence.
type Synthesizer interface {
	Synthesize(ctx context.Context, tokens []int64, cond model.Conditioning) (*model.Synthesis, error)
}

// Aligner turns soft potentials into a hard alignment, giving up when ctx
// is done.
type Aligner interface {
	SearchContext(ctx context.Context, soft *tensor.Tensor, tokenLens, frameLens []int) (*tensor.Tensor, error)
}

type options struct {
	maxTokens      int
	maxFrames      int
	maxBodyBytes   int64
	workers        int
	sampleRate     int
	requestTimeout time.Duration
	aligner        Aligner
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxTokens:      1024,
		maxFrames:      4096,
		maxBodyBytes:   64 << 20,
		workers:        2,
		sampleRate:     audio.DefaultSampleRate,
		requestTimeout: 60 * time.Second,
		aligner:        align.Aligner{},
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxTokens caps the token count of a synthesis request and the phoneme
// axis of an alignment request.
func WithMaxTokens(n int) Option {
	return func(o *options) { o.maxTokens = n }
}

// WithMaxFrames caps the frame axis of an alignment request.
func WithMaxFrames(n int) Option {
	return func(o *options) { o.maxFrames = n }
}

// WithMaxBodyBytes caps the size of a request body.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodyBytes = n
		}
	}
}

// WithWorkers sets the maximum number of concurrent model calls. Zero
// disables throttling.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithSampleRate sets the codec rate prompts must match and output uses.
func WithSampleRate(hz int) Option {
	return func(o *options) { o.sampleRate = hz }
}

// WithRequestTimeout sets the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithAligner replaces the alignment search used by /v1/align.
func WithAligner(a Aligner) Option {
	return func(o *options) { o.aligner = a }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type handler struct {
	synth Synthesizer
	opts  options
	sem   chan struct{}
	log   *slog.Logger
}

// NewHandler serves GET /health, POST /v1/synthesize and POST /v1/align.
// A nil synth makes /v1/synthesize answer 503.
func NewHandler(synth Synthesizer, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{synth: synth, opts: opts, log: opts.logger}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/v1/synthesize", h.withRequestID(h.handleSynthesize))
	mux.HandleFunc("/v1/align", h.withRequestID(h.handleAlign))

	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}

	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     buildVersion(),
		"synthesis":   h.synth != nil,
		"sample_rate": h.opts.sampleRate,
	})
}

type ctxKey struct{}

func (h *handler) withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	}
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// acquire takes a worker slot, honouring cancellation while waiting.
func (h *handler) acquire(ctx context.Context) (release func(), err error) {
	if h.sem == nil {
		return func() {}, nil
	}

	select {
	case h.sem <- struct{}{}:
		return func() { <-h.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type synthesizeRequest struct {
	Tokens    []int64   `json:"tokens"`
	SpeakerID *int      `json:"speaker_id,omitempty"`
	Prompt    []byte    `json:"prompt_audio,omitempty"` // base64 WAV or MP3
	Durations []float32 `json:"durations,omitempty"`
	Pitch     []float32 `json:"pitch,omitempty"`
	Format    string    `json:"format,omitempty"` // "wav" (default) or "json"
}

type synthesizeResponse struct {
	RequestID  string    `json:"request_id"`
	Frames     int       `json:"frames"`
	Durations  []int     `json:"durations"`
	Pitch      []float32 `json:"pitch"`
	SampleRate int       `json:"sample_rate"`
	Audio      []byte    `json:"audio"`
}

func (h *handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.synth == nil {
		writeError(w, http.StatusServiceUnavailable, "synthesis is not configured")
		return
	}

	var req synthesizeRequest
	if !h.decode(w, r, &req) {
		return
	}

	switch {
	case len(req.Tokens) == 0:
		writeError(w, http.StatusBadRequest, "tokens field is required")
		return
	case len(req.Tokens) > h.opts.maxTokens:
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("token count exceeds maximum of %d", h.opts.maxTokens))
		return
	case req.Format != "" && req.Format != "wav" && req.Format != "json":
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q (want wav|json)", req.Format))
		return
	}

	cond := model.Conditioning{SpeakerID: req.SpeakerID, Durations: req.Durations, Pitch: req.Pitch}

	if len(req.Prompt) > 0 {
		clip, err := audio.Decode(req.Prompt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "prompt_audio: "+err.Error())
			return
		}

		if clip.SampleRate != h.opts.sampleRate {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("prompt_audio is %d Hz, want %d", clip.SampleRate, h.opts.sampleRate))
			return
		}

		cond.PromptAudio = clip.Samples
	}

	release, err := h.acquire(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()
	out, err := h.synth.Synthesize(ctx, req.Tokens, cond)
	attrs := []slog.Attr{
		slog.String("request_id", requestID(r.Context())),
		slog.Int("tokens", len(req.Tokens)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	}

	if err != nil {
		status := statusFor(err)
		h.log.LogAttrs(r.Context(), levelFor(status), "synthesis failed", append(attrs, slog.String("error", err.Error()))...)
		writeError(w, status, err.Error())

		return
	}

	wav, err := audio.EncodeWAV(out.Wave, h.opts.sampleRate)
	if err != nil {
		h.log.LogAttrs(r.Context(), slog.LevelError, "encoding output failed", append(attrs, slog.String("error", err.Error()))...)
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	h.log.LogAttrs(r.Context(), slog.LevelInfo, "synthesis complete", append(attrs,
		slog.Int("frames", out.Frames()),
		slog.Int("wav_bytes", len(wav)),
	)...)

	if req.Format == "json" {
		writeJSON(w, http.StatusOK, synthesizeResponse{
			RequestID:  requestID(r.Context()),
			Frames:     out.Frames(),
			Durations:  out.Durations,
			Pitch:      out.Pitch,
			SampleRate: h.opts.sampleRate,
			Audio:      wav,
		})

		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("X-Frames", strconv.Itoa(out.Frames()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

type alignRequest struct {
	// Soft is [B][T_en][T_de].
	Soft      [][][]float32 `json:"soft"`
	TokenLens []int         `json:"token_lens"`
	FrameLens []int         `json:"frame_lens"`
}

type alignResponse struct {
	RequestID string `json:"request_id"`
	// Durations is [B][T_en] frames per phoneme.
	Durations [][]int `json:"durations"`
	// Phonemes is [B][frameLens[b]], the phoneme index of every valid frame.
	Phonemes [][]int `json:"phonemes"`
}

func (h *handler) handleAlign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req alignRequest
	if !h.decode(w, r, &req) {
		return
	}

	switch {
	case len(req.Soft) > 0 && len(req.Soft[0]) > h.opts.maxTokens:
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("phoneme count exceeds maximum of %d", h.opts.maxTokens))
		return
	case len(req.Soft) > 0 && len(req.Soft[0]) > 0 && len(req.Soft[0][0]) > h.opts.maxFrames:
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("frame count exceeds maximum of %d", h.opts.maxFrames))
		return
	}

	soft, err := softTensor(req.Soft)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	release, err := h.acquire(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	hard, err := h.opts.aligner.SearchContext(ctx, soft, req.TokenLens, req.FrameLens)
	if err != nil {
		status := statusFor(err)
		h.log.LogAttrs(r.Context(), levelFor(status), "alignment failed",
			slog.String("request_id", requestID(r.Context())),
			slog.String("error", err.Error()),
		)
		writeError(w, status, err.Error())

		return
	}

	durs, err := prosody.ComputeDurations(hard)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	batch, tEn, tDe := hard.Dim(0), hard.Dim(1), hard.Dim(2)
	resp := alignResponse{
		RequestID: requestID(r.Context()),
		Durations: make([][]int, batch),
		Phonemes:  make([][]int, batch),
	}

	d, hd := durs.RawData(), hard.RawData()
	for b := range batch {
		resp.Durations[b] = make([]int, tEn)
		for i := range tEn {
			resp.Durations[b][i] = int(d[b*tEn+i])
		}

		resp.Phonemes[b] = make([]int, req.FrameLens[b])
		for j := range req.FrameLens[b] {
			for i := range tEn {
				if hd[(b*tEn+i)*tDe+j] == 1 {
					resp.Phonemes[b][j] = i
					break
				}
			}
		}
	}

	h.log.DebugContext(r.Context(), "alignment complete",
		slog.String("request_id", resp.RequestID),
		slog.Int("batch", batch),
	)

	writeJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body of at most maxBodyBytes into v. On failure it
// writes the error response and returns false.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, h.opts.maxBodyBytes)

	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}

		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())

		return false
	}

	return true
}

// softTensor packs a rectangular [B][T_en][T_de] array.
func softTensor(soft [][][]float32) (*tensor.Tensor, error) {
	if len(soft) == 0 || len(soft[0]) == 0 || len(soft[0][0]) == 0 {
		return nil, errors.New("soft must be a non-empty [B][T_en][T_de] array")
	}

	batch, tEn, tDe := len(soft), len(soft[0]), len(soft[0][0])
	data := make([]float32, 0, batch*tEn*tDe)

	for b, rows := range soft {
		if len(rows) != tEn {
			return nil, fmt.Errorf("soft[%d] has %d rows, want %d", b, len(rows), tEn)
		}

		for i, row := range rows {
			if len(row) != tDe {
				return nil, fmt.Errorf("soft[%d][%d] has %d frames, want %d", b, i, len(row), tDe)
			}

			data = append(data, row...)
		}
	}

	return tensor.New(data, []int64{int64(batch), int64(tEn), int64(tDe)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrInvalidConditioning),
		errors.Is(err, mask.ErrInvalidLength),
		errors.Is(err, align.ErrAlignmentNaN),
		errors.Is(err, align.ErrUnalignable),
		errors.Is(err, native.ErrIndexOutOfRange),
		errors.Is(err, audio.ErrFormatMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func levelFor(status int) slog.Level {
	if status >= http.StatusInternalServerError && status != http.StatusGatewayTimeout {
		return slog.LevelError
	}

	return slog.LevelWarn
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg   config.Config
	synth Synthesizer
	opts  []Option
}

// New returns a server for cfg. Extra options are applied after the ones
// derived from cfg.
func New(cfg config.Config, synth Synthesizer, opts ...Option) *Server {
	return &Server{cfg: cfg, synth: synth, opts: opts}
}

// Handler returns the configured HTTP handler.
func (s *Server) Handler() http.Handler {
	opts := []Option{
		WithWorkers(s.cfg.Server.Workers),
		WithMaxTokens(s.cfg.Server.MaxTokens),
		WithMaxFrames(s.cfg.Server.MaxFrames),
		WithMaxBodyBytes(s.cfg.Server.MaxBodyBytes),
		WithSampleRate(s.cfg.Audio.SampleRate),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout) * time.Second),
		WithAligner(align.Aligner{Workers: s.cfg.Runtime.Workers}),
	}

	return NewHandler(s.synth, append(opts, s.opts...)...)
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(s.cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP checks that the server at addr answers /health.
func ProbeHTTP(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}

	return nil
}
