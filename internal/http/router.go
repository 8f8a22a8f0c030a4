// Package http exposes health probes, metrics, one-shot recognition, the
// WebSocket ingest stream and grammar management over HTTP.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"speech-recognition-bridge/internal/app"
	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/observability/logging"
	"speech-recognition-bridge/internal/observability/metrics"
	"speech-recognition-bridge/internal/service/audio"
	"speech-recognition-bridge/internal/service/julius"
)

const (
	maxRecognizeBody = 32 << 20
	maxGrammarBody   = 4 << 20
	closeTimeout     = 30 * time.Second
)

type handler struct {
	app      *app.Application
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	h := &handler{
		app:     application,
		metrics: metrics.DefaultMetrics,
		logger:  logging.WithComponent("http"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/recognize", h.recognize)
		r.Get("/stream", h.stream)
		r.Get("/grammars", h.listGrammars)
		r.Post("/grammars/{name}", h.addGrammar)
		r.Put("/grammars/{name}/active", h.switchGrammar)
	})

	return r
}

// recognize treats the request body as one utterance. Raw PCM in the
// service format is expected unless the body is a WAV file.
func (h *handler) recognize(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRecognizeBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if isWAV(r, body) {
		pcm, f, err := audio.DecodeWAV(bytes.NewReader(body))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if f != h.app.Format() {
			http.Error(w, "wav format "+f.String()+" does not match "+h.app.Format().String(), http.StatusUnsupportedMediaType)
			return
		}
		body = pcm
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	p, err := h.app.NewPipeline(sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer p.Close(context.Background())

	res, err := p.Recognize(r.Context(), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, res)
		return
	}
	doc, err := res.MarshalListenText()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func isWAV(r *http.Request, body []byte) bool {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "audio/wav") || strings.HasPrefix(ct, "audio/x-wav") {
		return true
	}
	return len(body) >= 12 && string(body[0:4]) == "RIFF" && string(body[8:12]) == "WAVE"
}

// controlMessage is a text frame on the stream.
type controlMessage struct {
	Grammar string `json:"grammar,omitempty"`
	Flush   bool   `json:"flush,omitempty"`
}

// streamReply is a text frame sent back for a control message.
type streamReply struct {
	Type    string `json:"type"`
	Grammar string `json:"grammar,omitempty"`
	Error   string `json:"error,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// stream runs one pipeline per WebSocket connection. Binary frames are audio
// packets, text frames are control messages, results are sent as JSON.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	log := logging.WithSession(sessionID).With().Str("transport", "websocket").Logger()
	ws := &wsConn{conn: conn}

	p, err := h.app.NewPipeline(sessionID, func(res models.RecognitionResult) {
		if err := ws.writeJSON(res); err != nil {
			log.Warn().Err(err).Str("utteranceId", res.UtteranceID).Msg("Failed to send result")
		}
	})
	if err != nil {
		_ = ws.writeJSON(streamReply{Type: "error", Error: err.Error()})
		return
	}

	start := time.Now()
	h.metrics.RecordStreamStart("websocket")
	log.Info().Msg("Stream opened")

	streamErr := h.readStream(r.Context(), conn, ws, p.Ingest, p.Flush)

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Pipeline did not drain")
	}

	h.metrics.RecordStreamEnd("websocket", streamErr == nil, time.Since(start).Seconds())
	log.Info().Err(streamErr).Dur("duration", time.Since(start)).Msg("Stream closed")
}

func (h *handler) readStream(
	ctx context.Context,
	conn *websocket.Conn,
	ws *wsConn,
	ingest func(context.Context, []byte) error,
	flush func(context.Context) error,
) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		switch kind {
		case websocket.BinaryMessage:
			if err := ingest(ctx, data); err != nil {
				return err
			}
		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				_ = ws.writeJSON(streamReply{Type: "error", Error: "invalid control message"})
				continue
			}
			if msg.Flush {
				if err := flush(ctx); err != nil {
					return err
				}
			}
			if msg.Grammar != "" {
				reply := streamReply{Type: "grammar", Grammar: msg.Grammar}
				if err := h.app.SwitchGrammar(msg.Grammar); err != nil {
					reply.Type, reply.Error = "error", err.Error()
				}
				_ = ws.writeJSON(reply)
			}
		}
	}
}

func (h *handler) listGrammars(w http.ResponseWriter, _ *http.Request) {
	list, err := h.app.Grammars()
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []julius.GrammarInfo{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) addGrammar(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxGrammarBody))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "grammar exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes", http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil || len(body) == 0 {
		http.Error(w, "compiled grammar body is required", http.StatusBadRequest)
		return
	}
	if err := h.app.AddGrammar(name, string(body)); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info().Str("grammar", name).Int("bytes", len(body)).Msg("Grammar added")
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (h *handler) switchGrammar(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.app.SwitchGrammar(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": name})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, app.ErrNoEngine):
		status = http.StatusNotImplemented
	case errors.Is(err, julius.ErrUnknownGrammar):
		status = http.StatusNotFound
	case errors.Is(err, julius.ErrDuplicateGrammar):
		status = http.StatusConflict
	case errors.Is(err, julius.ErrNotConnected), errors.Is(err, julius.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
