// Package cloud provides a recognition backend for HTTP speech APIs that take
// raw linear PCM with the key and language as query parameters.
package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/resilience"
	"speech-recognition-bridge/internal/service/stt"
)

// DefaultEndpoint is the Google Speech API v2 recognizer.
const DefaultEndpoint = "http://www.google.com/speech-api/v2/recognize"

// Config holds the HTTP backend settings.
type Config struct {
	Endpoint string
	APIKey   string
	Language string
	Timeout  time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint: DefaultEndpoint,
		Language: "ja-JP",
		Timeout:  15 * time.Second,
	}
}

// Backend implements stt.Backend against a v2 style endpoint.
// One utterance, one request: failed requests are not retried.
type Backend struct {
	cfg     Config
	client  *http.Client
	breaker *resilience.Breaker
}

var _ stt.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.client = c }
}

// WithBreaker guards requests with a circuit breaker.
func WithBreaker(br *resilience.Breaker) Option {
	return func(b *Backend) { b.breaker = br }
}

// New creates a backend. An API key is required.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("cloud: api key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("cloud: invalid endpoint: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	b := &Backend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Name implements stt.Backend.
func (b *Backend) Name() string {
	return "cloud"
}

// Recognize posts the utterance and splits the body into non-empty lines.
// Any transport or status failure is reported as stt.ErrTransport.
func (b *Backend) Recognize(ctx context.Context, utt models.Utterance) (stt.Payload, error) {
	var body []byte
	call := func() error {
		var err error
		body, err = b.post(ctx, utt)
		return err
	}

	var err error
	if b.breaker != nil {
		err = b.breaker.Do(call)
	} else {
		err = call()
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("utteranceId", utt.ID).
			Str("endpoint", b.cfg.Endpoint).
			Msg("Cloud recognition request failed")
		return nil, fmt.Errorf("%w: %v", stt.ErrTransport, err)
	}

	return tokens(body), nil
}

func (b *Backend) post(ctx context.Context, utt models.Utterance) ([]byte, error) {
	q := url.Values{}
	q.Set("output", "json")
	q.Set("lang", b.cfg.Language)
	q.Set("key", b.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint+"?"+q.Encode(), bytes.NewReader(utt.Audio))
	if err != nil {
		return nil, fmt.Errorf("cloud: build request: %w", err)
	}
	req.Header.Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d", utt.Format.SampleRate))

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloud: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cloud: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cloud: unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

// tokens splits a response into its newline-delimited documents.
func tokens(body []byte) stt.TokenPayload {
	var out stt.TokenPayload
	for _, line := range strings.Split(string(body), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
