package mock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/service/stt"
)

func TestAdapter_New(t *testing.T) {
	adapter := New()
	if adapter == nil {
		t.Fatal("expected non-nil adapter")
	}
	if adapter.Name() != "mock" {
		t.Errorf("expected name 'mock', got %s", adapter.Name())
	}
	if len(adapter.Calls()) != 0 {
		t.Error("expected no calls initially")
	}
}

func TestAdapter_Recognize_ReturnsCannedAlternatives(t *testing.T) {
	adapter := New()

	p, err := adapter.Recognize(context.Background(), models.Utterance{ID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	alts, ok := p.(stt.AlternativesPayload)
	if !ok {
		t.Fatalf("expected AlternativesPayload, got %T", p)
	}
	want := DefaultUtterances[0].Alternatives
	if len(alts) != len(want) {
		t.Fatalf("expected %d alternatives, got %d", len(want), len(alts))
	}
	if alts[0].Text != want[0].Text || *alts[0].Confidence != want[0].Confidence {
		t.Errorf("unexpected first alternative %+v", alts[0])
	}
}

func TestAdapter_CyclesThroughUtterances(t *testing.T) {
	adapter := New(WithUtterances([]SimulatedUtterance{
		{Alternatives: []SimulatedAlternative{{Text: "a", Confidence: 1}}},
		{Alternatives: []SimulatedAlternative{{Text: "b", Confidence: 1}}},
	}))

	var got []string
	for i := 0; i < 3; i++ {
		p, _ := adapter.Recognize(context.Background(), models.Utterance{})
		got = append(got, p.(stt.AlternativesPayload)[0].Text)
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "a" {
		t.Errorf("expected a, b, a; got %v", got)
	}
}

func TestAdapter_RecordsCalls(t *testing.T) {
	adapter := New()
	adapter.Recognize(context.Background(), models.Utterance{ID: "u1"})
	adapter.Recognize(context.Background(), models.Utterance{ID: "u2"})

	calls := adapter.Calls()
	if len(calls) != 2 || calls[0].ID != "u1" || calls[1].ID != "u2" {
		t.Errorf("unexpected calls %v", calls)
	}
}

func TestAdapter_WithError(t *testing.T) {
	boom := errors.New("boom")
	adapter := New(WithError(boom))

	_, err := adapter.Recognize(context.Background(), models.Utterance{})
	if !errors.Is(err, boom) {
		t.Errorf("expected configured error, got %v", err)
	}
	if len(adapter.Calls()) != 1 {
		t.Error("failed calls must still be recorded")
	}
}

func TestAdapter_LatencyRespectsContext(t *testing.T) {
	adapter := New(WithLatency(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := adapter.Recognize(ctx, models.Utterance{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestAdapter_EmptyCannedList(t *testing.T) {
	adapter := New(WithUtterances(nil))

	p, err := adapter.Recognize(context.Background(), models.Utterance{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.(stt.AlternativesPayload)) != 0 {
		t.Error("expected empty payload")
	}
}

func TestDefaultUtterances(t *testing.T) {
	if len(DefaultUtterances) != 5 {
		t.Errorf("expected 5 default utterances, got %d", len(DefaultUtterances))
	}

	for i, utt := range DefaultUtterances {
		if len(utt.Alternatives) == 0 {
			t.Errorf("utterance %d has no alternatives", i)
		}
		for _, alt := range utt.Alternatives {
			if alt.Text == "" {
				t.Errorf("utterance %d has empty text", i)
			}
			if alt.Confidence <= 0 || alt.Confidence > 1 {
				t.Errorf("utterance %d has invalid confidence %f", i, alt.Confidence)
			}
		}
	}
}

func TestAdapter_ThreadSafety(t *testing.T) {
	adapter := New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				adapter.Recognize(context.Background(), models.Utterance{})
			}
		}()
	}
	wg.Wait()

	if len(adapter.Calls()) != 50 {
		t.Errorf("expected 50 calls, got %d", len(adapter.Calls()))
	}
}
