package julius

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"speech-recognition-bridge/internal/service/stt"
)

// EventType identifies a control channel document.
type EventType string

const (
	EventStatus    EventType = "STATUS"    // <INPUT STATUS="LISTEN|STARTREC|ENDREC">
	EventRejected  EventType = "REJECTED"  // <REJECTED REASON="...">
	EventRecogOut  EventType = "RECOGOUT"  // ranked sentence hypotheses
	EventRecogFail EventType = "RECOGFAIL" // search failed, no hypothesis
	EventGramInfo  EventType = "GRAMINFO"
	EventOther     EventType = "OTHER"
)

// Input statuses reported in EventStatus.
const (
	StatusListen   = "LISTEN"
	StatusStartRec = "STARTREC"
	StatusEndRec   = "ENDREC"
)

// Event is one parsed document from the engine's control channel.
type Event struct {
	Type       EventType
	Tag        string // root element name
	Status     string
	Reason     string
	Hypotheses []stt.ModuleHypothesis
	Text       string // GRAMINFO body
}

// Terminal reports whether the event ends recognition of a segment.
func (e Event) Terminal() bool {
	return e.Type == EventRecogOut || e.Type == EventRejected || e.Type == EventRecogFail
}

var docSeparator = []byte(".\n")

// maxCarry bounds the bytes held while waiting for a separator.
const maxCarry = 1 << 20

// splitter cuts the control stream into documents terminated by ".\n".
// A document split across reads is carried over to the next feed.
type splitter struct {
	carry []byte
}

func (s *splitter) feed(p []byte) ([][]byte, error) {
	s.carry = append(s.carry, p...)

	var docs [][]byte
	for {
		i := bytes.Index(s.carry, docSeparator)
		if i < 0 {
			break
		}
		if doc := bytes.TrimSpace(s.carry[:i]); len(doc) > 0 {
			docs = append(docs, append([]byte(nil), doc...))
		}
		s.carry = s.carry[i+len(docSeparator):]
	}

	if len(s.carry) > maxCarry {
		n := len(s.carry)
		s.carry = nil
		return docs, fmt.Errorf("julius: discarded %d bytes without document separator", n)
	}
	if len(s.carry) == 0 {
		s.carry = nil
	}
	return docs, nil
}

type whypo struct {
	Word string   `xml:"WORD,attr"`
	CM   *float64 `xml:"CM,attr"`
}

type shypo struct {
	Rank  int     `xml:"RANK,attr"`
	Score float64 `xml:"SCORE,attr"`
	Words []whypo `xml:"WHYPO"`
}

type recogOut struct {
	Hypotheses []shypo `xml:"SHYPO"`
}

type gramInfo struct {
	Text string `xml:",chardata"`
}

// ParseDocument parses one control channel document.
func ParseDocument(doc string) (Event, error) {
	dec := xml.NewDecoder(strings.NewReader(escapeAttrValues(doc)))
	dec.Strict = false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return Event{}, errors.New("julius: document has no element")
		}
		if err != nil {
			return Event{}, fmt.Errorf("julius: parse document: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		return parseElement(dec, se)
	}
}

func parseElement(dec *xml.Decoder, se xml.StartElement) (Event, error) {
	tag := strings.ToUpper(se.Name.Local)
	ev := Event{Tag: tag}

	switch tag {
	case "INPUT":
		ev.Type = EventStatus
		ev.Status = attr(se, "STATUS")
	case "REJECTED":
		ev.Type = EventRejected
		ev.Reason = attr(se, "REASON")
	case "RECOGFAIL":
		ev.Type = EventRecogFail
	case "RECOGOUT":
		var out recogOut
		if err := dec.DecodeElement(&out, &se); err != nil {
			return Event{}, fmt.Errorf("julius: parse RECOGOUT: %w", err)
		}
		ev.Type = EventRecogOut
		for _, h := range out.Hypotheses {
			mh := stt.ModuleHypothesis{Rank: h.Rank, Score: h.Score}
			for _, w := range h.Words {
				mh.Words = append(mh.Words, stt.ModuleWord{Word: w.Word, CM: w.CM})
			}
			ev.Hypotheses = append(ev.Hypotheses, mh)
		}
	case "GRAMINFO":
		var gi gramInfo
		if err := dec.DecodeElement(&gi, &se); err != nil {
			return Event{}, fmt.Errorf("julius: parse GRAMINFO: %w", err)
		}
		ev.Type = EventGramInfo
		ev.Text = strings.TrimSpace(gi.Text)
	default:
		ev.Type = EventOther
	}
	return ev, nil
}

func attr(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value
		}
	}
	return ""
}

// escapeAttrValues escapes angle brackets inside quoted attribute values.
// The engine writes sentence markers verbatim, as in WORD="<s>".
func escapeAttrValues(doc string) string {
	var (
		b     strings.Builder
		inTag bool
		quote byte
	)
	b.Grow(len(doc) + 16)

	for i := 0; i < len(doc); i++ {
		c := doc[i]
		switch {
		case quote != 0:
			switch c {
			case quote:
				quote = 0
			case '<':
				b.WriteString("&lt;")
				continue
			case '>':
				b.WriteString("&gt;")
				continue
			}
		case inTag:
			switch c {
			case '"', '\'':
				quote = c
			case '>':
				inTag = false
			}
		case c == '<':
			inTag = true
		}
		b.WriteByte(c)
	}
	return b.String()
}
