package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/observability/logging"
	"speech-recognition-bridge/internal/observability/metrics"
	"speech-recognition-bridge/internal/service/audio"
)

// Archive kinds, used as the top-level directory and the metrics label.
const (
	KindUtterance = "utterance"
	KindLog       = "log"
)

const stampLayout = "20060102-150405.000"

// Archive writes time-stamped WAV files into a FileStore.
type Archive struct {
	store   FileStore
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Option configures an Archive.
type Option func(*Archive)

// WithMetrics overrides the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Archive) { a.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Archive) { a.logger = l }
}

// New creates an archive over store.
func New(store FileStore, opts ...Option) *Archive {
	a := &Archive{
		store:   store,
		metrics: metrics.DefaultMetrics,
		logger:  logging.WithComponent("archive"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Store returns the underlying FileStore.
func (a *Archive) Store() FileStore {
	return a.store
}

// UtterancePath is where SaveUtterance stores utt.
func UtterancePath(utt models.Utterance) string {
	session := utt.SessionID
	if session == "" {
		session = "nosession"
	}
	name := utt.StartedAt.UTC().Format(stampLayout)
	if utt.ID != "" {
		name += "-" + utt.ID
	}
	return path.Join(KindUtterance, sanitize(session), sanitize(name)+".wav")
}

// LogAudioPath is where SaveLogAudio stores an engine recording.
func LogAudioPath(name string, createdAt time.Time) string {
	base := strings.TrimSuffix(path.Base(name), ".wav")
	return path.Join(KindLog, createdAt.UTC().Format("20060102"),
		createdAt.UTC().Format(stampLayout)+"-"+sanitize(base)+".wav")
}

// SaveUtterance persists the utterance audio and returns its path.
func (a *Archive) SaveUtterance(ctx context.Context, utt models.Utterance) (string, error) {
	p := UtterancePath(utt)
	err := a.put(ctx, p, audio.EncodeWAV(utt.Audio, utt.Format))
	a.metrics.RecordArchiveWrite(KindUtterance, err)
	if err != nil {
		return "", err
	}
	a.logger.Debug().Str("path", p).Int("bytes", len(utt.Audio)).Msg("Utterance archived")
	return p, nil
}

// SaveLogAudio persists one engine log recording and returns its path.
func (a *Archive) SaveLogAudio(ctx context.Context, name string, pcm []byte, f audio.Format, createdAt time.Time) (string, error) {
	p := LogAudioPath(name, createdAt)
	err := a.put(ctx, p, audio.EncodeWAV(pcm, f))
	a.metrics.RecordArchiveWrite(KindLog, err)
	if err != nil {
		return "", err
	}
	a.logger.Debug().Str("path", p).Int("bytes", len(pcm)).Msg("Engine log audio archived")
	return p, nil
}

func (a *Archive) put(ctx context.Context, p string, data []byte) error {
	w, err := a.store.Write(ctx, p)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", p, err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return fmt.Errorf("archive: write %s: %w", p, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: close %s: %w", p, err)
	}
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return '_'
	}, s)
}
