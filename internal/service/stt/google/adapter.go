// Package google provides a Google Cloud Speech-to-Text backend.
package google

import (
	"context"
	"errors"
	"fmt"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog/log"

	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/resilience"
	"speech-recognition-bridge/internal/service/stt"
)

// Config holds configuration for the Google STT backend.
type Config struct {
	LanguageCode    string
	SampleRateHz    int32
	AudioEncoding   string
	MaxAlternatives int32
	Timeout         time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LanguageCode:    "ja-JP",
		SampleRateHz:    16000,
		AudioEncoding:   "LINEAR16",
		MaxAlternatives: 5,
		Timeout:         15 * time.Second,
	}
}

// recognizer is the subset of the SDK client the backend uses.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	Close() error
}

type sdkClient struct {
	c *speech.Client
}

func (s sdkClient) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	return s.c.Recognize(ctx, req)
}

func (s sdkClient) Close() error {
	return s.c.Close()
}

// Adapter implements stt.Backend using Google Cloud Speech-to-Text.
type Adapter struct {
	cfg     Config
	client  recognizer
	breaker *resilience.Breaker
}

var (
	_ stt.Backend = (*Adapter)(nil)
	_ stt.Closer  = (*Adapter)(nil)
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithBreaker guards each request with a circuit breaker.
func WithBreaker(br *resilience.Breaker) Option {
	return func(a *Adapter) { a.breaker = br }
}

// New creates a new Google STT adapter.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config, opts ...Option) (*Adapter, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return newAdapter(sdkClient{c: c}, cfg, opts...), nil
}

func newAdapter(client recognizer, cfg Config, opts ...Option) *Adapter {
	def := DefaultConfig()
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = def.LanguageCode
	}
	if cfg.SampleRateHz == 0 {
		cfg.SampleRateHz = def.SampleRateHz
	}
	if cfg.AudioEncoding == "" {
		cfg.AudioEncoding = def.AudioEncoding
	}
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = def.MaxAlternatives
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	a := &Adapter{cfg: cfg, client: client}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name implements stt.Backend.
func (a *Adapter) Name() string {
	return "google"
}

// Recognize sends the utterance in one synchronous request. The alternatives
// of the first result are returned in the service's order.
func (a *Adapter) Recognize(ctx context.Context, utt models.Utterance) (stt.Payload, error) {
	rate := a.cfg.SampleRateHz
	if utt.Format.SampleRate > 0 {
		rate = int32(utt.Format.SampleRate)
	}
	req := &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        parseAudioEncoding(a.cfg.AudioEncoding),
			SampleRateHertz: rate,
			LanguageCode:    a.cfg.LanguageCode,
			MaxAlternatives: a.cfg.MaxAlternatives,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: utt.Audio},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var resp *speechpb.RecognizeResponse
	call := func() error {
		var err error
		resp, err = a.client.Recognize(ctx, req)
		return err
	}

	var err error
	if a.breaker != nil {
		err = a.breaker.Do(call)
	} else {
		err = call()
	}
	if err != nil {
		log.Warn().Err(err).Str("utteranceId", utt.ID).Msg("Google recognition failed")
		return nil, fmt.Errorf("%w: google: %v", stt.ErrTransport, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: google: empty response", stt.ErrMalformed)
	}

	var out stt.AlternativesPayload
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		for _, alt := range r.GetAlternatives() {
			out = append(out, stt.Alternative{
				Text:       alt.GetTranscript(),
				Confidence: stt.Float(float64(alt.GetConfidence())),
			})
		}
		break
	}
	return out, nil
}

// Close releases the SDK connection.
func (a *Adapter) Close() error {
	if a.client == nil {
		return errors.New("google: adapter not initialized")
	}
	return a.client.Close()
}

// parseAudioEncoding maps an encoding name to the SDK enum. Unknown names fall
// back to LINEAR16.
func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	switch s {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
