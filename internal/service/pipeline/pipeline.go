// Package pipeline runs the streaming utterance chain: packets are
// segmented into utterances, each utterance is recognized by one backend
// call on a single worker, and the normalized result is delivered to sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/observability/logging"
	"speech-recognition-bridge/internal/observability/metrics"
	"speech-recognition-bridge/internal/schema"
	"speech-recognition-bridge/internal/service/audio"
	"speech-recognition-bridge/internal/service/normalize"
	"speech-recognition-bridge/internal/service/segment"
	"speech-recognition-bridge/internal/service/stt"
	"speech-recognition-bridge/internal/service/vad"
)

var (
	// ErrClosed is returned by Ingest and Flush after Close.
	ErrClosed = errors.New("pipeline: closed")
	// ErrQueueFull is the failure recorded for an utterance that found the
	// recognition queue full.
	ErrQueueFull = errors.New("pipeline: recognition queue full")
)

// Emission reasons, used as the utterance metric label.
const (
	reasonSilence = "silence"
	reasonCap     = "cap"
	reasonFlush   = "flush"
)

// Config holds the settings of one pipeline.
type Config struct {
	SessionID string
	Format    audio.Format
	VAD       vad.Config
	// QueueSize is the number of utterances that may wait for the worker.
	QueueSize int
	// MaxUtteranceBytes forces emission of a never-silent utterance.
	// Zero disables the cap.
	MaxUtteranceBytes int
	// RecognizeTimeout bounds one backend call.
	RecognizeTimeout time.Duration
}

// DefaultConfig returns 16 kHz mono settings with a 30 second cap.
func DefaultConfig() Config {
	f := audio.DefaultFormat()
	return Config{
		Format:            f,
		VAD:               vad.DefaultConfig(),
		QueueSize:         8,
		MaxUtteranceBytes: f.BytesFor(30 * time.Second),
		RecognizeTimeout:  30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if err := c.Format.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.VAD.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("pipeline: queue size must be positive, got %d", c.QueueSize))
	}
	if c.MaxUtteranceBytes < 0 {
		errs = append(errs, fmt.Errorf("pipeline: max utterance bytes must not be negative, got %d", c.MaxUtteranceBytes))
	}
	if c.RecognizeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline: recognize timeout must be positive, got %s", c.RecognizeTimeout))
	}
	return errors.Join(errs...)
}

// Sink receives every result. Sinks may be called from the worker and from
// the ingesting goroutine, so they must be safe for concurrent use.
type Sink func(models.RecognitionResult)

// Archiver persists utterance audio before recognition.
type Archiver interface {
	SaveUtterance(ctx context.Context, utt models.Utterance) (string, error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSink appends a result sink. Sinks run in the order they were added.
func WithSink(s Sink) Option {
	return func(p *Pipeline) { p.sinks = append(p.sinks, s) }
}

// WithArchive stores every utterance before it is recognized.
func WithArchive(a Archiver) Option {
	return func(p *Pipeline) { p.archive = a }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger overrides the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithTracer overrides the tracer used for recognition spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// Pipeline is one audio session. Ingest and Flush are meant for a single
// producer goroutine; Close may be called from anywhere.
type Pipeline struct {
	cfg       Config
	backend   stt.Backend
	seg       *segment.Segmenter
	ids       *segment.Generator
	validator *schema.Validator
	sinks     []Sink
	archive   Archiver
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	tracer    trace.Tracer

	mu     sync.Mutex // guards closed and sends on queue
	closed bool
	queue  chan models.Utterance

	workCtx    context.Context
	cancelWork context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
}

// New validates cfg and starts the recognition worker.
func New(cfg Config, backend stt.Backend, opts ...Option) (*Pipeline, error) {
	if backend == nil {
		return nil, errors.New("pipeline: backend is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = segment.NewSessionId()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ids := segment.New()
	p := &Pipeline{
		cfg:       cfg,
		backend:   backend,
		seg:       segment.NewSegmenter(cfg.SessionID, cfg.VAD, cfg.Format, ids),
		ids:       ids,
		validator: schema.New(),
		metrics:   metrics.DefaultMetrics,
		logger:    logging.WithSession(cfg.SessionID),
		tracer:    otel.Tracer("speech-recognition-bridge/pipeline"),
		queue:     make(chan models.Utterance, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.workCtx, p.cancelWork = context.WithCancel(context.Background())

	go p.work()
	return p, nil
}

// SessionID returns the session the pipeline's utterances belong to.
func (p *Pipeline) SessionID() string {
	return p.cfg.SessionID
}

// Ingest feeds one packet. Misaligned packets are logged and skipped.
func (p *Pipeline) Ingest(_ context.Context, packet []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	p.metrics.RecordAudioReceived(len(packet))

	utt, ok, err := p.seg.Ingest(packet)
	if err != nil {
		if errors.Is(err, audio.ErrMisaligned) {
			p.metrics.RecordMisaligned()
			p.logger.Warn().Err(err).Int("bytes", len(packet)).Msg("Dropping misaligned packet")
			return nil
		}
		return err
	}
	if ok {
		p.enqueueLocked(utt, reasonSilence)
		return nil
	}

	if p.cfg.MaxUtteranceBytes > 0 && p.seg.Pending() >= p.cfg.MaxUtteranceBytes {
		if utt, ok := p.seg.Flush(); ok {
			p.logger.Info().Str("utteranceId", utt.ID).Int("bytes", len(utt.Audio)).
				Msg("Utterance reached the size cap, forcing emission")
			p.enqueueLocked(utt, reasonCap)
		}
	}
	return nil
}

// Flush emits the in-progress utterance, if any.
func (p *Pipeline) Flush(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.flushLocked()
	return nil
}

func (p *Pipeline) flushLocked() {
	if utt, ok := p.seg.Flush(); ok {
		p.enqueueLocked(utt, reasonFlush)
	}
}

// Recognize treats pcm as one complete utterance, bypassing segmentation.
// The call runs on the caller's goroutine; the result is also delivered to
// the sinks.
func (p *Pipeline) Recognize(ctx context.Context, pcm []byte) (models.RecognitionResult, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return models.RecognitionResult{}, ErrClosed
	}
	p.mu.Unlock()

	if fs := p.cfg.Format.FrameSize(); len(pcm)%fs != 0 {
		return models.RecognitionResult{}, fmt.Errorf("%w: %d bytes with %d byte frames", audio.ErrMisaligned, len(pcm), fs)
	}

	p.metrics.RecordAudioReceived(len(pcm))
	now := time.Now()
	utt := models.Utterance{
		ID:        p.ids.Next(p.cfg.SessionID),
		SessionID: p.cfg.SessionID,
		Audio:     pcm,
		Format:    p.cfg.Format,
		StartedAt: now.Add(-p.cfg.Format.Duration(len(pcm))),
		EndedAt:   now,
		Forced:    true,
	}
	p.metrics.RecordUtterance(reasonFlush, utt.Duration().Seconds())

	res := p.recognize(ctx, utt)
	p.deliver(res)
	return res, nil
}

// Close flushes, waits for queued utterances to be recognized and stops the
// worker. If ctx ends first, in-flight and queued calls are cancelled and
// still produce RecognitionFailed results before Close returns.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.flushLocked()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})

	select {
	case <-p.done:
		p.cancelWork()
		return nil
	case <-ctx.Done():
		p.cancelWork()
		<-p.done
		return ctx.Err()
	}
}

func (p *Pipeline) enqueueLocked(utt models.Utterance, reason string) {
	p.metrics.RecordUtterance(reason, utt.Duration().Seconds())
	p.logger.Debug().
		Str("utteranceId", utt.ID).
		Str("reason", reason).
		Dur("duration", utt.Duration()).
		Msg("Utterance complete")

	select {
	case p.queue <- utt:
		p.metrics.SetQueueDepth(len(p.queue))
	default:
		p.metrics.RecordUtteranceDropped("queue_full")
		p.logger.Warn().Str("utteranceId", utt.ID).Msg("Recognition queue full, failing utterance")
		p.deliver(p.finish(utt, normalize.Failed(ErrQueueFull)))
	}
}

func (p *Pipeline) work() {
	defer close(p.done)
	for utt := range p.queue {
		p.metrics.SetQueueDepth(len(p.queue))
		p.deliver(p.recognize(p.workCtx, utt))
	}
}

func (p *Pipeline) recognize(parent context.Context, utt models.Utterance) models.RecognitionResult {
	name := p.backend.Name()
	log := logging.WithBackend(utt.SessionID, utt.ID, name)

	ctx, cancel := context.WithTimeout(parent, p.cfg.RecognizeTimeout)
	defer cancel()

	if p.archive != nil {
		if path, err := p.archive.SaveUtterance(ctx, utt); err != nil {
			log.Warn().Err(err).Msg("Failed to archive utterance")
		} else {
			log.Debug().Str("path", path).Msg("Utterance archived")
		}
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.recognize", trace.WithAttributes(
		attribute.String("backend", name),
		attribute.String("session.id", utt.SessionID),
		attribute.String("utterance.id", utt.ID),
		attribute.Int("audio.bytes", len(utt.Audio)),
		attribute.Bool("utterance.forced", utt.Forced),
	))
	defer span.End()

	start := time.Now()
	payload, err := p.backend.Recognize(ctx, utt)
	latency := time.Since(start)

	var res models.RecognitionResult
	switch {
	case err == nil:
		res = normalize.Result(payload)
	case errors.Is(err, stt.ErrMalformed):
		p.metrics.RecordRecognitionError(name, "malformed")
		res = normalize.Malformed(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		p.metrics.RecordRecognitionError(name, "timeout")
		res = normalize.Failed(err)
	default:
		p.metrics.RecordRecognitionError(name, "transport")
		res = normalize.Failed(err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Dur("latency", latency).Msg("Recognition failed")
	}

	res = p.finish(utt, res)
	span.SetAttributes(
		attribute.String("result.state", string(res.State)),
		attribute.Int("result.hypotheses", len(res.Hypotheses)),
	)
	p.metrics.RecordRecognition(name, string(res.State), latency.Seconds())

	log.Info().
		Str("state", string(res.State)).
		Int("hypotheses", len(res.Hypotheses)).
		Dur("latency", latency).
		Msg("Utterance recognized")
	return res
}

// finish stamps the identifiers and checks the result before delivery.
func (p *Pipeline) finish(utt models.Utterance, res models.RecognitionResult) models.RecognitionResult {
	res.SessionID = utt.SessionID
	res.UtteranceID = utt.ID
	res.Backend = p.backend.Name()
	res.Timestamp = time.Now().UnixMilli()
	if res.Hypotheses == nil {
		res.Hypotheses = []models.Hypothesis{}
	}

	if err := p.validator.Validate(res); err != nil {
		p.metrics.RecordResultViolation()
		p.logger.Error().Err(err).Str("utteranceId", utt.ID).Msg("Result failed validation")
	}
	return res
}

func (p *Pipeline) deliver(res models.RecognitionResult) {
	for _, s := range p.sinks {
		s(res)
	}
}
