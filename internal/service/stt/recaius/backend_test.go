package recaius

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/service/audio"
	"speech-recognition-bridge/internal/service/stt"
)

// fakeRecaius records the calls made against a minimal Recaius API.
type fakeRecaius struct {
	mu           sync.Mutex
	tokenPosts   int
	chunks       []int // voice_id of each uploaded chunk
	chunkSizes   []int
	flushVoiceID int
	flushed      bool
	deleted      []string

	resultOnChunk int    // 1-based chunk that answers with RESULT, 0 for none
	flushBody     string // body returned by flush
}

const resultBody = `[{"type":"TMP_RESULT","result":"..."},{"type":"RESULT","result":[{"str":"konnichiwa","confidence":0.8},{"str":"konbanwa"}]}]`

func (f *fakeRecaius) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v2/tokens", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenPosts++
		f.mu.Unlock()
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["speech_recog_jaJP"]; !ok {
			t.Errorf("token request missing account section: %v", body)
		}
		_, _ = io.WriteString(w, `{"token":"tok-1","expiry_sec":600}`)
	})
	mux.HandleFunc("POST /asr/v2/voices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "tok-1" {
			t.Errorf("missing token on session start")
		}
		_, _ = io.WriteString(w, `{"uuid":"u-1"}`)
	})
	mux.HandleFunc("PUT /asr/v2/voices/u-1", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("bad multipart body: %v", err)
			return
		}
		vid, _ := strconv.Atoi(r.FormValue("voice_id"))
		file, _, err := r.FormFile("voice")
		if err != nil {
			t.Errorf("missing voice part: %v", err)
			return
		}
		data, _ := io.ReadAll(file)

		f.mu.Lock()
		f.chunks = append(f.chunks, vid)
		f.chunkSizes = append(f.chunkSizes, len(data))
		answer := f.resultOnChunk == vid
		f.mu.Unlock()

		if answer {
			_, _ = io.WriteString(w, resultBody)
		}
	})
	mux.HandleFunc("PUT /asr/v2/voices/u-1/flush", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			VoiceID int `json:"voice_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.flushed = true
		f.flushVoiceID = body.VoiceID
		out := f.flushBody
		f.mu.Unlock()
		_, _ = io.WriteString(w, out)
	})
	mux.HandleFunc("DELETE /asr/v2/voices/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("uuid"))
		f.mu.Unlock()
	})
	return mux
}

func newTestBackend(t *testing.T, f *fakeRecaius) *Backend {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	b, err := New(Config{
		AuthURL:   srv.URL + "/auth/v2",
		ASRURL:    srv.URL + "/asr/v2/",
		ServiceID: "svc",
		Password:  "secret",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return b
}

func utterance(n int) models.Utterance {
	return models.Utterance{ID: "u", Audio: make([]byte, n), Format: audio.DefaultFormat()}
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(Config{ServiceID: "svc"}); err == nil {
		t.Error("expected error without password")
	}
}

func TestRecognize_FlushesWhenNoEarlyResult(t *testing.T) {
	f := &fakeRecaius{flushBody: resultBody}
	b := newTestBackend(t, f)

	// 20000 bytes + 2 x 8000 bytes of padding = 36000 bytes = 3 chunks.
	p, err := b.Recognize(context.Background(), utterance(20000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %v", f.chunks)
	}
	if f.chunkSizes[0] != 16364 || f.chunkSizes[2] != 36000-2*16364 {
		t.Errorf("unexpected chunk sizes %v", f.chunkSizes)
	}
	if !f.flushed || f.flushVoiceID != 3 {
		t.Errorf("expected flush with voice_id 3, flushed=%v voice_id=%d", f.flushed, f.flushVoiceID)
	}
	if len(f.deleted) != 1 || f.deleted[0] != "u-1" {
		t.Errorf("expected the session to be deleted, got %v", f.deleted)
	}

	alts, ok := p.(stt.AlternativesPayload)
	if !ok || len(alts) != 2 {
		t.Fatalf("expected 2 alternatives, got %#v", p)
	}
	if alts[0].Text != "konnichiwa" || alts[0].Confidence == nil || *alts[0].Confidence != 0.8 {
		t.Errorf("unexpected first alternative %+v", alts[0])
	}
	if alts[1].Confidence != nil {
		t.Errorf("expected missing confidence to stay nil, got %v", *alts[1].Confidence)
	}
}

func TestRecognize_StopsAtFirstResult(t *testing.T) {
	f := &fakeRecaius{resultOnChunk: 1}
	b := newTestBackend(t, f)

	if _, err := b.Recognize(context.Background(), utterance(40000)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.chunks) != 1 {
		t.Errorf("expected upload to stop after the RESULT, got chunks %v", f.chunks)
	}
	if f.flushed {
		t.Error("flush must not be called after an early RESULT")
	}
}

func TestRecognize_ReusesToken(t *testing.T) {
	f := &fakeRecaius{flushBody: resultBody}
	b := newTestBackend(t, f)

	for i := 0; i < 3; i++ {
		if _, err := b.Recognize(context.Background(), utterance(100)); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenPosts != 1 {
		t.Errorf("expected one token request, got %d", f.tokenPosts)
	}
}

func TestRecognize_NoResultIsEmptyPayload(t *testing.T) {
	f := &fakeRecaius{flushBody: `[{"type":"NO_DATA"}]`}
	b := newTestBackend(t, f)

	p, err := b.Recognize(context.Background(), utterance(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alts, ok := p.(stt.AlternativesPayload); !ok || len(alts) != 0 {
		t.Errorf("expected empty alternatives, got %#v", p)
	}
}

func TestRecognize_MalformedResponse(t *testing.T) {
	f := &fakeRecaius{flushBody: `{not json`}
	b := newTestBackend(t, f)

	_, err := b.Recognize(context.Background(), utterance(100))
	if !errors.Is(err, stt.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestRecognize_AuthFailureIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b, _ := New(Config{AuthURL: srv.URL, ASRURL: srv.URL, ServiceID: "svc", Password: "bad"})
	_, err := b.Recognize(context.Background(), utterance(100))
	if !errors.Is(err, stt.ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}
