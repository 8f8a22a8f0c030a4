package models

import (
	"strings"
	"testing"
)

func TestMarshalListenText_Success(t *testing.T) {
	r := RecognitionResult{
		State: StateSuccess,
		Hypotheses: []Hypothesis{
			{Rank: 1, Text: "turn left", Score: 0.9, Likelihood: -1234.5,
				Words: []Word{{Text: "turn", Score: 0.95}, {Text: "left", Score: 0.85}}},
			{Rank: 2, Text: "turn light", Score: 0.4, Likelihood: -1300},
		},
	}

	out, err := r.MarshalListenText()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(out)

	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<listenText state="Success">`,
		`<data rank="1" score="0.9" likelihood="-1234.5" text="turn left">`,
		`<word text="turn" score="0.95"></word>`,
		`<data rank="2" score="0.4" likelihood="-1300" text="turn light"></data>`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, s)
		}
	}
}

func TestMarshalListenText_FailureHasNoData(t *testing.T) {
	r := RecognitionResult{State: StateRecognitionFailed}

	out, err := r.MarshalListenText()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), `<listenText state="RecognitionFailed"></listenText>`) {
		t.Errorf("unexpected document: %s", out)
	}
}

func TestMarshalListenText_EscapesText(t *testing.T) {
	r := RecognitionResult{
		State:      StateSuccess,
		Hypotheses: []Hypothesis{{Rank: 1, Text: `a <b> & "c"`}},
	}

	out, err := r.MarshalListenText()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(out), "<b>") {
		t.Errorf("text was not escaped: %s", out)
	}
}

func TestRecognitionResult_Best(t *testing.T) {
	if _, ok := (RecognitionResult{}).Best(); ok {
		t.Error("expected no best hypothesis for empty result")
	}
	r := RecognitionResult{Hypotheses: []Hypothesis{{Rank: 1, Text: "yes"}, {Rank: 2, Text: "yet"}}}
	best, ok := r.Best()
	if !ok || best.Text != "yes" {
		t.Errorf("expected 'yes', got %+v", best)
	}
}
