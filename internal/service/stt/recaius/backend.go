// Package recaius provides a recognition backend for the Recaius ASR v2 API.
//
// Each utterance runs in its own voice session: the audio is uploaded in
// fixed-size multipart chunks followed by padding silence, the first RESULT
// item ends the upload early, otherwise the session is flushed.
package recaius

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/resilience"
	"speech-recognition-bridge/internal/service/stt"
)

// Config holds Recaius account and upload settings.
type Config struct {
	AuthURL        string
	ASRURL         string
	ServiceID      string
	Password       string
	ServiceName    string // account section in the token request
	ModelID        int
	TokenExpiry    time.Duration
	ChunkSize      int
	PaddingSilence time.Duration // appended twice after the utterance
	Timeout        time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AuthURL:        "https://api.recaius.jp/auth/v2/",
		ASRURL:         "https://api.recaius.jp/asr/v2/",
		ServiceName:    "speech_recog_jaJP",
		ModelID:        1,
		TokenExpiry:    600 * time.Second,
		ChunkSize:      16364,
		PaddingSilence: 250 * time.Millisecond,
		Timeout:        15 * time.Second,
	}
}

// Backend implements stt.Backend against Recaius.
type Backend struct {
	cfg     Config
	client  *http.Client
	breaker *resilience.Breaker
	now     func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

var _ stt.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.client = c }
}

// WithBreaker guards each voice session with a circuit breaker.
func WithBreaker(br *resilience.Breaker) Option {
	return func(b *Backend) { b.breaker = br }
}

// New creates a backend. Account credentials are required.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.ServiceID == "" || cfg.Password == "" {
		return nil, errors.New("recaius: service id and password are required")
	}
	def := DefaultConfig()
	if cfg.AuthURL == "" {
		cfg.AuthURL = def.AuthURL
	}
	if cfg.ASRURL == "" {
		cfg.ASRURL = def.ASRURL
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.ModelID == 0 {
		cfg.ModelID = def.ModelID
	}
	if cfg.TokenExpiry <= 0 {
		cfg.TokenExpiry = def.TokenExpiry
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	cfg.AuthURL = withSlash(cfg.AuthURL)
	cfg.ASRURL = withSlash(cfg.ASRURL)

	b := &Backend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Name implements stt.Backend.
func (b *Backend) Name() string {
	return "recaius"
}

// Recognize runs one voice session for the utterance.
func (b *Backend) Recognize(ctx context.Context, utt models.Utterance) (stt.Payload, error) {
	var item *resultItem
	call := func() error {
		var err error
		item, err = b.session(ctx, utt)
		return err
	}

	var err error
	if b.breaker != nil {
		err = b.breaker.Do(call)
	} else {
		err = call()
	}
	if err != nil {
		if errors.Is(err, stt.ErrMalformed) {
			return nil, err
		}
		log.Warn().Err(err).Str("utteranceId", utt.ID).Msg("Recaius recognition failed")
		return nil, fmt.Errorf("%w: %v", stt.ErrTransport, err)
	}

	var out stt.AlternativesPayload
	if item == nil {
		return out, nil
	}
	for _, r := range item.Result {
		out = append(out, stt.Alternative{Text: r.Str, Confidence: r.Confidence})
	}
	return out, nil
}

type resultItem struct {
	Type   string `json:"type"`
	Result []struct {
		Str        string   `json:"str"`
		Confidence *float64 `json:"confidence"`
	} `json:"result"`
}

func (b *Backend) session(ctx context.Context, utt models.Utterance) (*resultItem, error) {
	token, err := b.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	uuid, err := b.startSession(ctx, token)
	if err != nil {
		return nil, err
	}
	defer b.endSession(context.WithoutCancel(ctx), token, uuid)

	silence := make([]byte, utt.Format.BytesFor(b.cfg.PaddingSilence))
	data := make([]byte, 0, len(utt.Audio)+2*len(silence))
	data = append(data, utt.Audio...)
	data = append(data, silence...)
	data = append(data, silence...)

	vid := 0
	for off := 0; off < len(data); off += b.cfg.ChunkSize {
		vid++
		chunk := data[off:min(off+b.cfg.ChunkSize, len(data))]
		body, err := b.sendChunk(ctx, token, uuid, vid, chunk)
		if err != nil {
			return nil, err
		}
		item, err := findResult(body)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
	}

	body, err := b.flush(ctx, token, uuid, vid)
	if err != nil {
		return nil, err
	}
	return findResult(body)
}

// ensureToken returns a valid token, requesting a new one or refreshing the
// current one when it is about to expire.
func (b *Backend) ensureToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.token != "" && now.Add(time.Minute).Before(b.expiry) {
		return b.token, nil
	}

	payload := map[string]any{
		b.cfg.ServiceName: map[string]string{
			"service_id": b.cfg.ServiceID,
			"password":   b.cfg.Password,
		},
		"expiry_sec": int(b.cfg.TokenExpiry / time.Second),
	}

	if b.token != "" {
		// Refresh keeps the same token value.
		if _, err := b.doJSON(ctx, http.MethodPut, b.cfg.AuthURL+"tokens", b.token, payload); err == nil {
			b.expiry = now.Add(b.cfg.TokenExpiry)
			return b.token, nil
		}
		b.token = ""
	}

	body, err := b.doJSON(ctx, http.MethodPost, b.cfg.AuthURL+"tokens", "", payload)
	if err != nil {
		return "", fmt.Errorf("recaius: request token: %w", err)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Token == "" {
		return "", fmt.Errorf("recaius: token response without token: %s", truncate(string(body), 200))
	}
	b.token = resp.Token
	b.expiry = now.Add(b.cfg.TokenExpiry)
	return b.token, nil
}

func (b *Backend) startSession(ctx context.Context, token string) (string, error) {
	body, err := b.doJSON(ctx, http.MethodPost, b.cfg.ASRURL+"voices", token, map[string]any{
		"audio_type":  "audio/x-linear",
		"result_type": "nbest",
		"model_id":    b.cfg.ModelID,
	})
	if err != nil {
		return "", fmt.Errorf("recaius: start session: %w", err)
	}
	var resp struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.UUID == "" {
		return "", fmt.Errorf("recaius: session response without uuid: %s", truncate(string(body), 200))
	}
	return resp.UUID, nil
}

func (b *Backend) endSession(ctx context.Context, token, uuid string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.cfg.ASRURL+"voices/"+uuid, nil)
	if err != nil {
		return
	}
	req.Header.Set("X-Token", token)
	if _, err := b.do(req); err != nil {
		log.Debug().Err(err).Str("uuid", uuid).Msg("Recaius session close failed")
	}
}

func (b *Backend) sendChunk(ctx context.Context, token, uuid string, vid int, chunk []byte) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("voice_id", strconv.Itoa(vid)); err != nil {
		return nil, err
	}
	part, err := mw.CreateFormFile("voice", "voice")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(chunk); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.cfg.ASRURL+"voices/"+uuid, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Token", token)

	body, err := b.do(req)
	if err != nil {
		return nil, fmt.Errorf("recaius: send chunk %d: %w", vid, err)
	}
	return body, nil
}

func (b *Backend) flush(ctx context.Context, token, uuid string, vid int) ([]byte, error) {
	body, err := b.doJSON(ctx, http.MethodPut, b.cfg.ASRURL+"voices/"+uuid+"/flush", token, map[string]int{"voice_id": vid})
	if err != nil {
		return nil, fmt.Errorf("recaius: flush: %w", err)
	}
	return body, nil
}

func (b *Backend) doJSON(ctx context.Context, method, url, token string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Token", token)
	}
	return b.do(req)
}

func (b *Backend) do(req *http.Request) ([]byte, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

// findResult returns the first RESULT item of a response, nil when the body
// carries none. Empty bodies mean the service is still listening.
func findResult(body []byte) (*resultItem, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var items []resultItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: recaius: %v", stt.ErrMalformed, err)
	}
	for i := range items {
		if items[i].Type == "RESULT" {
			return &items[i], nil
		}
	}
	return nil, nil
}

func withSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
