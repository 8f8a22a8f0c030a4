package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"

	"speech-recognition-bridge/internal/models"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.Enabled() {
				t.Error("expected publisher to be disabled")
			}
			if p.writerResults != nil || p.writerStatus != nil {
				t.Error("expected nil writers when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	p := New(&Config{
		Brokers:      []string{"localhost:9092"},
		TopicResults: "test.results",
		TopicStatus:  "test.status",
		Principal:    "test-principal",
	})

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicResults != "test.results" || p.topicStatus != "test.status" {
		t.Errorf("unexpected topics %s %s", p.topicResults, p.topicStatus)
	}
}

func TestPublisher_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})

	if err := p.PublishResult(context.Background(), models.RecognitionResult{State: models.StateSuccess}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	if err := p.PublishStatus(context.Background(), models.EngineStatus{Status: "LISTEN"}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}

func TestPublisher_InvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false})

	if err := p.publish(context.Background(), nil, "t", EventResult, "k", make(chan int)); err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestPublisher_PublishResult(t *testing.T) {
	results, status := &fakeWriter{}, &fakeWriter{}
	p := newWithWriters(&Config{TopicResults: "r", TopicStatus: "s", Principal: "svc"}, results, status)

	r := models.RecognitionResult{
		State:       models.StateSuccess,
		SessionID:   "sess-1",
		UtteranceID: "sess-1-utt-1",
		Hypotheses:  []models.Hypothesis{{Rank: 1, Text: "hello"}},
	}
	if err := p.PublishResult(context.Background(), r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(results.msgs) != 1 || len(status.msgs) != 0 {
		t.Fatalf("expected one message on the results writer, got %d/%d", len(results.msgs), len(status.msgs))
	}
	msg := results.msgs[0]
	if string(msg.Key) != "sess-1" {
		t.Errorf("expected session key, got %q", msg.Key)
	}
	if header(msg, "eventType") != EventResult || header(msg, "principal") != "svc" {
		t.Errorf("unexpected headers %v", msg.Headers)
	}
	var got models.RecognitionResult
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.UtteranceID != r.UtteranceID || len(got.Hypotheses) != 1 {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestPublisher_PublishStatusDefaults(t *testing.T) {
	results, status := &fakeWriter{}, &fakeWriter{}
	p := newWithWriters(&Config{}, results, status)

	if err := p.PublishStatus(context.Background(), models.EngineStatus{Status: "STARTREC"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := status.msgs[0]
	if string(msg.Key) != "engine" {
		t.Errorf("expected engine key, got %q", msg.Key)
	}
	var got models.EngineStatus
	json.Unmarshal(msg.Value, &got)
	if got.EventType != EventStatus || got.Timestamp == 0 {
		t.Errorf("expected defaults to be filled, got %+v", got)
	}
}

func TestPublisher_WriteError(t *testing.T) {
	results := &fakeWriter{err: errors.New("broker down")}
	p := newWithWriters(&Config{}, results, &fakeWriter{})

	if err := p.PublishResult(context.Background(), models.RecognitionResult{}); err == nil {
		t.Error("expected write error")
	}
}

func TestPublisher_Close(t *testing.T) {
	results, status := &fakeWriter{}, &fakeWriter{}
	p := newWithWriters(&Config{}, results, status)
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !results.closed || !status.closed {
		t.Error("expected both writers closed")
	}
}
