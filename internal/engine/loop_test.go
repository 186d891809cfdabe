package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SimpleLLM/internal/engine"
	"SimpleLLM/internal/engine/enginetest"
	"SimpleLLM/internal/runtime"
	"SimpleLLM/internal/toolcall"
)

type dispatchFunc func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)

func (f dispatchFunc) Dispatch(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, name, args)
}

// run primes a fresh session with prompt and runs l over it.
func run(t *testing.T, m *enginetest.Model, window int, prompt string, l *engine.Loop) (engine.Result, error) {
	t.Helper()
	tokens, err := m.Tokenize(prompt, true)
	require.NoError(t, err)
	s, err := engine.NewSession(m, engine.SessionOptions{Window: window, TokenHint: len(tokens)})
	require.NoError(t, err)
	defer s.Close()
	return l.Run(context.Background(), s, tokens)
}

func TestLoopStopReasons(t *testing.T) {
	tests := []struct {
		name      string
		script    []string
		window    int
		maxTokens int
		wantText  string
		wantGen   int
		want      engine.StopReason
	}{
		{"eog", []string{"Hel", "lo", enginetest.EOGPiece, "unused"}, 64, 0, "Hello", 2, engine.ReasonEOG},
		{"script exhausted", []string{"a", "b"}, 64, 0, "ab", 2, engine.ReasonEOG},
		{"end of text marker", []string{"a", engine.EndOfText, "b"}, 64, 0, "a", 1, engine.ReasonEndOfText},
		{"window full", []string{"x", "y", "z", "w", "v"}, 6, 0, "xyz", 3, engine.ReasonContextFull},
		{"max tokens", []string{"1", "2", "3", "4"}, 64, 2, "12", 2, engine.ReasonLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := enginetest.NewModel(tt.script...)
			var pieces []string
			l := &engine.Loop{
				MaxTokens: tt.maxTokens,
				OnToken: func(p string) error {
					pieces = append(pieces, p)
					return nil
				},
			}
			// "hi" plus BOS is a three-token prompt.
			res, err := run(t, m, tt.window, "hi", l)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Reason)
			assert.Equal(t, tt.wantText, res.Text)
			assert.Equal(t, tt.wantGen, res.Generated)
			assert.Len(t, pieces, tt.wantGen)
			assert.Equal(t, 3, res.Prompt)
		})
	}
}

func TestLoopStateTransitions(t *testing.T) {
	m := enginetest.NewModel("ok")
	var states []engine.State
	l := &engine.Loop{OnState: func(s engine.State) { states = append(states, s) }}

	_, err := run(t, m, 32, "q", l)
	require.NoError(t, err)
	assert.Equal(t, []engine.State{engine.StatePriming, engine.StateStreaming, engine.StateTerminal}, states)
}

func TestLoopStopFlag(t *testing.T) {
	t.Run("set before run", func(t *testing.T) {
		m := enginetest.NewModel("a", "b")
		var stop atomic.Bool
		stop.Store(true)

		res, err := run(t, m, 32, "q", &engine.Loop{Stop: &stop})
		require.NoError(t, err)
		assert.Equal(t, engine.ReasonStopped, res.Reason)
		assert.Empty(t, res.Text)
		assert.EqualValues(t, 1, m.Decodes(), "only the prompt is decoded")
	})

	t.Run("set mid generation", func(t *testing.T) {
		m := enginetest.NewModel("a", "b", "c", "d")
		var stop atomic.Bool
		l := &engine.Loop{Stop: &stop}
		l.OnToken = func(p string) error {
			if p == "b" {
				stop.Store(true)
			}
			return nil
		}

		res, err := run(t, m, 32, "q", l)
		require.NoError(t, err)
		assert.Equal(t, engine.ReasonStopped, res.Reason)
		assert.Equal(t, "ab", res.Text)
	})
}

func TestLoopContextCancelled(t *testing.T) {
	m := enginetest.NewModel("a", "b")
	tokens, err := m.Tokenize("q", true)
	require.NoError(t, err)
	s, err := engine.NewSession(m, engine.SessionOptions{Window: 32})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := (&engine.Loop{}).Run(ctx, s, tokens)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, engine.ReasonStopped, res.Reason)
}

func TestLoopDecodeFailure(t *testing.T) {
	m := enginetest.NewModel("a", "b", "c")
	m.DecodeErr = errors.New("device lost")
	m.FailDecodeAt = 3 // prompt, "a", then fail on "b"

	var pieces []string
	res, err := run(t, m, 32, "q", &engine.Loop{OnToken: func(p string) error {
		pieces = append(pieces, p)
		return nil
	}})
	require.ErrorIs(t, err, runtime.ErrDecode)
	assert.Equal(t, "DecodeFailure", runtime.ErrorKind(err))
	assert.Equal(t, []string{"a", "b"}, pieces)
	assert.EqualValues(t, 3, m.Decodes(), "no decode after the failure")
	assert.Equal(t, "ab", res.Text)
}

func TestLoopPrimeFailure(t *testing.T) {
	m := enginetest.NewModel("a")
	m.DecodeErr = errors.New("bad batch")

	called := false
	_, err := run(t, m, 32, "q", &engine.Loop{OnToken: func(string) error {
		called = true
		return nil
	}})
	require.ErrorIs(t, err, runtime.ErrDecode)
	assert.False(t, called)
}

func TestLoopTokenConversionFailure(t *testing.T) {
	m := enginetest.NewModel("a", "bad", "c")
	m.FailPiece = "bad"

	res, err := run(t, m, 32, "q", &engine.Loop{})
	require.ErrorIs(t, err, runtime.ErrTokenConversion)
	assert.Equal(t, "a", res.Text)
}

func TestLoopSinkError(t *testing.T) {
	m := enginetest.NewModel("a", "b")
	sinkErr := errors.New("client gone")

	_, err := run(t, m, 32, "q", &engine.Loop{OnToken: func(string) error { return sinkErr }})
	require.ErrorIs(t, err, sinkErr)
	assert.EqualValues(t, 1, m.Decodes())
}

var callScript = []string{
	"Sure. ",
	toolcall.OpenTag,
	`{"function_name": "get_unix_time", `,
	`"arguments": {}}`,
	toolcall.CloseTag,
	"never emitted",
}

func TestLoopDispatchesToolCall(t *testing.T) {
	m := enginetest.NewModel(callScript...)
	var calls []string
	l := &engine.Loop{
		Detector: toolcall.NewDetector(),
		Dispatcher: dispatchFunc(func(_ context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
			calls = append(calls, name)
			assert.JSONEq(t, `{}`, string(args))
			return json.RawMessage(`{"unix_time":1700000000}`), nil
		}),
	}

	res, err := run(t, m, 64, "what time is it", l)
	require.NoError(t, err)
	assert.Equal(t, engine.ReasonToolCall, res.Reason)
	assert.True(t, res.Dispatched())
	assert.Equal(t, []string{"get_unix_time"}, calls)
	require.NotNil(t, res.Call)
	assert.Equal(t, "get_unix_time", res.Call.Name)
	assert.JSONEq(t, `{"unix_time":1700000000}`, string(res.ToolResult))
	assert.NotContains(t, res.Text, "never emitted")
	// Prompt plus one step for each piece before the closing tag.
	assert.EqualValues(t, 5, m.Decodes())
}

func TestLoopDispatchOnlyOnce(t *testing.T) {
	script := append([]string{}, callScript[:5]...)
	script = append(script, " again ", toolcall.OpenTag, `{"function_name":"get_unix_time","arguments":{}}`, toolcall.CloseTag, "done")
	m := enginetest.NewModel(script...)

	var calls int
	l := &engine.Loop{
		Detector: toolcall.NewDetector(),
		Dispatcher: dispatchFunc(func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
			calls++
			return nil, fmt.Errorf("clock unavailable: %w", runtime.ErrFunctionCall)
		}),
	}

	res, err := run(t, m, 128, "q", l)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, engine.ReasonEOG, res.Reason)
	assert.False(t, res.Dispatched())
	require.ErrorIs(t, res.DispatchErr, runtime.ErrFunctionCall)
	assert.Contains(t, res.Text, "done")
}

func TestLoopUnknownFunctionAborts(t *testing.T) {
	m := enginetest.NewModel(callScript...)
	l := &engine.Loop{
		Detector: toolcall.NewDetector(),
		Dispatcher: dispatchFunc(func(_ context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
			return nil, fmt.Errorf("%q: %w", name, runtime.ErrFunctionNotFound)
		}),
	}

	_, err := run(t, m, 64, "q", l)
	require.ErrorIs(t, err, runtime.ErrFunctionNotFound)
}

func TestLoopNilDispatcher(t *testing.T) {
	m := enginetest.NewModel(callScript...)
	_, err := run(t, m, 64, "q", &engine.Loop{Detector: toolcall.NewDetector()})
	require.ErrorIs(t, err, runtime.ErrFunctionNotFound)
}

func TestLoopDetectionDisabled(t *testing.T) {
	m := enginetest.NewModel(callScript[:5]...)
	res, err := run(t, m, 64, "q", &engine.Loop{})
	require.NoError(t, err)
	assert.Equal(t, engine.ReasonEOG, res.Reason)
	assert.Nil(t, res.Call)
	assert.Contains(t, res.Text, toolcall.CloseTag)
}

func TestSampleGreedy(t *testing.T) {
	m := enginetest.NewModel("pick")
	tokens, err := m.Tokenize("q", true)
	require.NoError(t, err)
	s, err := engine.NewSession(m, engine.SessionOptions{Window: 16})
	require.NoError(t, err)
	defer s.Close()

	_, err = engine.SampleGreedy(s.Context())
	require.ErrorIs(t, err, runtime.ErrDecode, "no logits before the first decode")

	require.NoError(t, s.Prime(tokens))
	tok, err := engine.SampleGreedy(s.Context())
	require.NoError(t, err)
	assert.Equal(t, m.TokenFor("pick"), tok)
}
