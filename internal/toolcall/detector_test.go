package toolcall

import (
	"strings"
	"testing"
)

// feedAll feeds pieces in order and returns every call reported.
func feedAll(d *Detector, pieces ...string) []*Call {
	var calls []*Call
	for _, p := range pieces {
		if c, ok := d.Feed(p); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

// splitEvery cuts s into pieces of n bytes.
func splitEvery(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantName string
		wantErr  bool
	}{
		{"function_name", `{"function_name":"get_unix_time","arguments":{}}`, "get_unix_time", false},
		{"name key", `{"name":"analyze_web_page","arguments":{"url":"x"}}`, "analyze_web_page", false},
		{"function_name wins", `{"name":"b","function_name":"a","arguments":{}}`, "a", false},
		{"whitespace", "\n  {\"name\": \"a\", \"arguments\": {}}\n", "a", false},
		{"missing name", `{"arguments":{}}`, "", true},
		{"name not string", `{"name":3,"arguments":{}}`, "", true},
		{"empty name", `{"name":"","arguments":{}}`, "", true},
		{"missing arguments", `{"name":"a"}`, "", true},
		{"arguments array", `{"name":"a","arguments":[1]}`, "", true},
		{"arguments string", `{"name":"a","arguments":"{}"}`, "", true},
		{"not json", `call get_unix_time`, "", true},
		{"not object", `["a"]`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, err := Parse(tt.payload)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) = %+v, want error", tt.payload, call)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.payload, err)
			}
			if call.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", call.Name, tt.wantName)
			}
		})
	}
}

func TestDetectorSinglePiece(t *testing.T) {
	d := NewDetector()
	calls := feedAll(d, `Sure. <tool_call>{"function_name":"get_unix_time","arguments":{}}</tool_call>`)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].Name != "get_unix_time" {
		t.Errorf("Name = %q", calls[0].Name)
	}
	if string(calls[0].Arguments) != "{}" {
		t.Errorf("Arguments = %s", calls[0].Arguments)
	}
	if !d.done() || d.detected() != calls[0] {
		t.Error("detector should report the call as done")
	}
}

func TestDetectorTokenByToken(t *testing.T) {
	text := "Let me check.\n<tool_call>\n{\"name\": \"analyze_web_page\", \"arguments\": {\"url\": \"https://example.com\", \"query\": \"pricing\"}}\n</tool_call>"
	for _, size := range []int{1, 2, 3, 5, 7, 11} {
		d := NewDetector()
		calls := feedAll(d, splitEvery(text, size)...)
		if len(calls) != 1 {
			t.Fatalf("piece size %d: got %d calls, want 1", size, len(calls))
		}
		if calls[0].Name != "analyze_web_page" {
			t.Errorf("piece size %d: Name = %q", size, calls[0].Name)
		}
	}
}

func TestDetectorOneShot(t *testing.T) {
	d := NewDetector()
	first := `<tool_call>{"name":"a","arguments":{}}</tool_call>`
	second := `<tool_call>{"name":"b","arguments":{}}</tool_call>`
	calls := feedAll(d, first, " and again ", second)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want exactly 1", len(calls))
	}
	if calls[0].Name != "a" {
		t.Errorf("Name = %q, want a", calls[0].Name)
	}
	if _, ok := d.Feed(second); ok {
		t.Error("Feed after detection must not report another call")
	}
}

func TestDetectorMalformedThenValid(t *testing.T) {
	d := NewDetector()
	calls := feedAll(d,
		`<tool_call>{"oops": true}</tool_call>`,
		" retrying ",
		`<tool_call>{"name":"ok","arguments":{"x":1}}</tool_call>`,
	)
	if len(calls) != 1 || calls[0].Name != "ok" {
		t.Fatalf("calls = %+v, want single ok call", calls)
	}
}

func TestDetectorNestedOpenTag(t *testing.T) {
	d := NewDetector()
	calls := feedAll(d, `<tool_call>{"name": <tool_call>{"name":"inner","arguments":{}}</tool_call>`)
	if len(calls) != 1 || calls[0].Name != "inner" {
		t.Fatalf("calls = %+v, want inner", calls)
	}
}

func TestDetectorNoCall(t *testing.T) {
	d := NewDetector()
	calls := feedAll(d, splitEvery("Plain answer mentioning <tool and </tool_call> but no call.", 3)...)
	if len(calls) != 0 {
		t.Fatalf("got %d calls, want 0", len(calls))
	}
	if d.done() {
		t.Error("Done should be false")
	}
}

func TestDetectorInCallState(t *testing.T) {
	d := NewDetector()
	feedAll(d, "text <tool_", "call>{\"name\":")
	if !d.inCall() {
		t.Fatal("expected detector to track the unmatched open tag")
	}
	calls := feedAll(d, "\"a\",\"arguments\":{}}</tool", "_call>")
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
}

func TestDetectorMaxCallBytes(t *testing.T) {
	t.Run("oversized payload abandoned", func(t *testing.T) {
		d := NewDetector(WithMaxCallBytes(16))
		long := `<tool_call>{"name":"a","arguments":{"blob":"` + strings.Repeat("x", 64) + `"}}</tool_call>`
		calls := feedAll(d, splitEvery(long, 4)...)
		if len(calls) != 0 {
			t.Fatalf("got %d calls, want 0 for oversized payload", len(calls))
		}
	})

	t.Run("call after abandoned payload", func(t *testing.T) {
		d := NewDetector(WithMaxCallBytes(48))
		text := "<tool_call>" + strings.Repeat("y", 60) + ` <tool_call>{"name":"b","arguments":{}}</tool_call>`
		calls := feedAll(d, splitEvery(text, 5)...)
		if len(calls) != 1 || calls[0].Name != "b" {
			t.Fatalf("calls = %+v, want b", calls)
		}
	})

	t.Run("non-positive keeps default", func(t *testing.T) {
		d := NewDetector(WithMaxCallBytes(0))
		if d.maxCall != DefaultMaxCallBytes {
			t.Errorf("maxCall = %d, want %d", d.maxCall, DefaultMaxCallBytes)
		}
	})
}

func TestDetectorReset(t *testing.T) {
	d := NewDetector()
	feedAll(d, `<tool_call>{"name":"a","arguments":{}}</tool_call>`)
	d.reset()
	if d.done() || d.detected() != nil {
		t.Fatal("Reset should clear detection state")
	}
	calls := feedAll(d, `<tool_call>{"name":"b","arguments":{}}</tool_call>`)
	if len(calls) != 1 || calls[0].Name != "b" {
		t.Fatalf("calls = %+v, want b", calls)
	}
}

func TestPartialSuffix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abc", ""},
		{"abc<", "<"},
		{"abc<tool_", "<tool_"},
		{"<tool_call", "<tool_call"},
		{"<tool_calx", ""},
		{"<<", "<"},
	}
	for _, tt := range tests {
		if got := partialSuffix(tt.in, OpenTag); got != tt.want {
			t.Errorf("partialSuffix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
