// Package toolcall detects structured function calls that a model emits
// inline in its generated text, e.g.
//
//	<tool_call>{"function_name": "get_unix_time", "arguments": {}}</tool_call>
//
// The Detector is fed one text increment at a time and keeps its parse
// state between increments, so each token is inspected once.
package toolcall

import "strings"

// Markers delimiting a call payload in model output.
const (
	OpenTag  = "<tool_call>"
	CloseTag = "</tool_call>"
)

// DefaultMaxCallBytes bounds the payload kept between the markers. A
// payload that grows past the bound is abandoned.
const DefaultMaxCallBytes = 4096

type state int

const (
	stateScanning state = iota
	stateInCall
	stateDone
)

// Detector is a one-shot streaming parser. It is not safe for concurrent
// use; each run owns its own Detector.
type Detector struct {
	maxCall int
	state   state

	// carry holds the longest suffix of scanned text that may still grow
	// into OpenTag.
	carry string

	// payload accumulates text after OpenTag while in a call.
	payload strings.Builder

	call *Call
}

// Option configures a Detector.
type Option func(*Detector)

// WithMaxCallBytes overrides DefaultMaxCallBytes. Values <= 0 are ignored.
func WithMaxCallBytes(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.maxCall = n
		}
	}
}

// NewDetector returns a detector ready for a new run.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{maxCall: DefaultMaxCallBytes}
	for _, opt := range opts {
		opt(d)
	}
	d.reset()
	return d
}

// Feed consumes the next output increment. It returns the call and true the
// first time a well-formed call is completed; every later call to Feed
// returns false.
func (d *Detector) Feed(piece string) (*Call, bool) {
	if d.done() || piece == "" {
		return nil, false
	}

	pending := piece
	for pending != "" {
		switch d.state {
		case stateScanning:
			buf := d.carry + pending
			pending = ""
			idx := strings.Index(buf, OpenTag)
			if idx < 0 {
				d.carry = partialSuffix(buf, OpenTag)
				continue
			}
			d.carry = ""
			d.state = stateInCall
			d.payload.Reset()
			pending = buf[idx+len(OpenTag):]

		case stateInCall:
			// Search only where a new close tag could start.
			from := d.payload.Len() - (len(CloseTag) - 1)
			if from < 0 {
				from = 0
			}
			d.payload.WriteString(pending)
			pending = ""

			text := d.payload.String()
			end := strings.Index(text[from:], CloseTag)
			if end < 0 {
				if d.payload.Len() > d.maxCall {
					// Resume scanning inside the abandoned payload so a
					// later open tag is not lost.
					d.state = stateScanning
					d.payload.Reset()
					pending = text
				}
				continue
			}
			end += from

			if call, ok := parseInner(text[:end]); ok {
				d.state = stateDone
				d.call = call
				d.payload.Reset()
				return call, true
			}
			d.state = stateScanning
			d.payload.Reset()
			pending = text[end+len(CloseTag):]

		case stateDone:
			return nil, false
		}
	}
	return nil, false
}

func (d *Detector) done() bool { return d.state == stateDone }

func (d *Detector) detected() *Call { return d.call }

// inCall reports whether an unmatched open tag has been seen.
func (d *Detector) inCall() bool { return d.state == stateInCall }

func (d *Detector) reset() {
	d.state = stateScanning
	d.carry = ""
	d.payload.Reset()
	d.call = nil
}

// parseInner parses a payload, falling back to the text after the last
// nested open tag when the model restarted its call mid-payload.
func parseInner(payload string) (*Call, bool) {
	if call, err := Parse(payload); err == nil {
		return call, true
	}
	if i := strings.LastIndex(payload, OpenTag); i >= 0 {
		if call, err := Parse(payload[i+len(OpenTag):]); err == nil {
			return call, true
		}
	}
	return nil, false
}

// partialSuffix returns the longest suffix of s that is a proper prefix of
// tag.
func partialSuffix(s, tag string) string {
	n := len(tag) - 1
	if n > len(s) {
		n = len(s)
	}
	for ; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return s[len(s)-n:]
		}
	}
	return ""
}
