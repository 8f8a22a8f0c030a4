package http

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"speech-recognition-bridge/internal/app"
	"speech-recognition-bridge/internal/config"
	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/service/audio"
)

func startApp(t *testing.T) *app.Application {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.MinBufferBytes = 1000
	a := app.New(cfg)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(a.Shutdown)
	return a
}

func tone(f audio.Format, d time.Duration) []byte {
	n := f.BytesFor(d) / 2
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(10000 * math.Sin(2*math.Pi*440*float64(i)/float64(f.SampleRate)))
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}

func TestRouter_Health(t *testing.T) {
	a := app.New(config.Default())
	srv := httptest.NewServer(NewRouter(a))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/liveness")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("liveness: expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/readiness")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readiness before start: expected 503, got %d", resp.StatusCode)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Shutdown()

	resp, err = http.Get(srv.URL + "/v1/readiness")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readiness after start: expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics: expected 200, got %d", resp.StatusCode)
	}
}

func TestRouter_RecognizeXML(t *testing.T) {
	a := startApp(t)
	srv := httptest.NewServer(NewRouter(a))
	defer srv.Close()

	body := tone(a.Format(), 300*time.Millisecond)
	resp, err := http.Post(srv.URL+"/v1/recognize?session=s1", "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Errorf("unexpected content type %q", ct)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `<listenText state="Success">`) {
		t.Errorf("unexpected document: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "good morning") {
		t.Errorf("expected the mock hypothesis in %s", buf.String())
	}
}

func TestRouter_RecognizeWAVAsJSON(t *testing.T) {
	a := startApp(t)
	srv := httptest.NewServer(NewRouter(a))
	defer srv.Close()

	wav := audio.EncodeWAV(tone(a.Format(), 300*time.Millisecond), a.Format())
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/recognize?session=s2", bytes.NewReader(wav))
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var res models.RecognitionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.State != models.StateSuccess || res.SessionID != "s2" || res.Backend != "mock" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestRouter_RecognizeRejectsBadInput(t *testing.T) {
	a := startApp(t)
	srv := httptest.NewServer(NewRouter(a))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/recognize", "application/octet-stream", bytes.NewReader([]byte{1, 2, 3}))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("misaligned body: expected 400, got %d", resp.StatusCode)
	}

	other := audio.Format{SampleRate: 8000, Channels: 1, SampleBits: 16}
	wav := audio.EncodeWAV(make([]byte, 1600), other)
	resp, err = http.Post(srv.URL+"/v1/recognize", "audio/wav", bytes.NewReader(wav))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("format mismatch: expected 415, got %d", resp.StatusCode)
	}
}

func TestRouter_RecognizeRejectsOversizedBody(t *testing.T) {
	a := startApp(t)
	router := NewRouter(a)

	req := httptest.NewRequest(http.MethodPost, "/v1/recognize", bytes.NewReader(make([]byte, maxRecognizeBody+2)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/grammars/menu", bytes.NewReader(make([]byte, maxGrammarBody+1)))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("grammar: expected 413, got %d", rec.Code)
	}
}

func TestRouter_GrammarsWithoutEngine(t *testing.T) {
	a := startApp(t)
	srv := httptest.NewServer(NewRouter(a))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/grammars")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("list: expected 501, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/v1/grammars/menu/active", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("switch: expected 501, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/grammars/menu", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty add: expected 400, got %d", resp.StatusCode)
	}
}

func TestRouter_Stream(t *testing.T) {
	a := startApp(t)
	srv := httptest.NewServer(NewRouter(a))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?session=ws-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	f := a.Format()
	if err := conn.WriteMessage(websocket.BinaryMessage, tone(f, 400*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, f.BytesFor(250*time.Millisecond))); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var res models.RecognitionResult
	if err := conn.ReadJSON(&res); err != nil {
		t.Fatalf("read result: %v", err)
	}
	if res.State != models.StateSuccess || res.SessionID != "ws-1" || res.UtteranceID != "ws-1-utt-1" {
		t.Errorf("unexpected result %+v", res)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"grammar":"menu"}`)); err != nil {
		t.Fatal(err)
	}
	var reply streamReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != "error" || reply.Grammar != "menu" {
		t.Errorf("expected an error reply without an engine, got %+v", reply)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
