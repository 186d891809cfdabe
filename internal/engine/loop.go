package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"SimpleLLM/internal/runtime"
	"SimpleLLM/internal/toolcall"
)

// EndOfText is the rendered end-of-text marker some models emit as an
// ordinary token instead of an EOG token.
const EndOfText = "<|end_of_text|>"

// State is a decode loop phase.
type State int

const (
	StatePriming State = iota
	StateStreaming
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StatePriming:
		return "priming"
	case StateStreaming:
		return "streaming"
	case StateTerminal:
		return "terminal"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StopReason explains why a run reached the terminal state.
type StopReason string

const (
	ReasonEOG         StopReason = "eog"
	ReasonEndOfText   StopReason = "end_of_text"
	ReasonContextFull StopReason = "context_full"
	ReasonStopped     StopReason = "stopped"
	ReasonToolCall    StopReason = "tool_call"
	ReasonLength      StopReason = "length"
)

// Dispatcher invokes a detected function call.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Generation is the mutable, run-scoped decode state.
type Generation struct {
	Output         strings.Builder
	NCur           int
	FunctionCalled bool
}

// Result summarises a finished run.
type Result struct {
	Text      string
	Reason    StopReason
	Prompt    int
	Generated int

	// Call is set when a tool call was detected. ToolResult holds the
	// function output when dispatch succeeded; DispatchErr holds the
	// function's failure when it did not.
	Call        *toolcall.Call
	ToolResult  json.RawMessage
	DispatchErr error

	TTFT     time.Duration
	Duration time.Duration
}

// Dispatched reports whether the run ended with a successful tool call.
func (r Result) Dispatched() bool {
	return r.Reason == ReasonToolCall && r.ToolResult != nil
}

// Loop is the greedy decode loop. Each field is optional.
type Loop struct {
	// Stop is polled once per generated token.
	Stop *atomic.Bool

	// Detector enables inline tool-call detection; nil disables it.
	Detector   *toolcall.Detector
	Dispatcher Dispatcher

	// OnToken receives every generated text increment.
	OnToken func(piece string) error

	// OnState observes state transitions.
	OnState func(State)

	// MaxTokens caps generated tokens; 0 runs until the window is full.
	MaxTokens int
}

// Run primes the session with prompt and generates until a stop condition.
// Any backend failure aborts the run with the wrapped error.
func (l *Loop) Run(ctx context.Context, s *Session, prompt []Token) (Result, error) {
	start := time.Now()
	res := Result{Prompt: len(prompt)}
	var gen Generation

	finish := func() Result {
		res.Text = gen.Output.String()
		res.Duration = time.Since(start)
		l.enter(StateTerminal)
		return res
	}

	l.enter(StatePriming)
	if err := s.Prime(prompt); err != nil {
		return finish(), err
	}
	gen.NCur = len(prompt)

	l.enter(StateStreaming)
	model := s.Model()
	for {
		if gen.NCur >= s.NCtx() {
			res.Reason = ReasonContextFull
			return finish(), nil
		}
		if l.Stop != nil && l.Stop.Load() {
			res.Reason = ReasonStopped
			return finish(), nil
		}
		select {
		case <-ctx.Done():
			res.Reason = ReasonStopped
			return finish(), ctx.Err()
		default:
		}

		tok, err := SampleGreedy(s.Context())
		if err != nil {
			return finish(), err
		}
		if res.Generated == 0 {
			res.TTFT = time.Since(start)
		}

		if model.IsEOG(tok) {
			res.Reason = ReasonEOG
			return finish(), nil
		}

		piece, err := model.TokenToPiece(tok)
		if err != nil {
			return finish(), fmt.Errorf("engine: token %d: %w: %w", tok, runtime.ErrTokenConversion, err)
		}
		if piece == EndOfText {
			res.Reason = ReasonEndOfText
			return finish(), nil
		}

		gen.Output.WriteString(piece)
		res.Generated++
		if l.OnToken != nil {
			if err := l.OnToken(piece); err != nil {
				return finish(), fmt.Errorf("engine: emit token: %w", err)
			}
		}

		if l.Detector != nil && !gen.FunctionCalled {
			if call, ok := l.Detector.Feed(piece); ok {
				gen.FunctionCalled = true
				res.Call = call
				log.Printf("engine: detected call to %q", call.Name)

				out, err := l.dispatch(ctx, call)
				switch {
				case err == nil:
					res.ToolResult = out
					res.Reason = ReasonToolCall
					return finish(), nil
				case errors.Is(err, runtime.ErrFunctionCall):
					// The run carries on as if nothing was detected.
					log.Printf("engine: %v", err)
					res.DispatchErr = err
				default:
					return finish(), err
				}
			}
		}

		if err := s.Step(tok, gen.NCur); err != nil {
			return finish(), err
		}
		gen.NCur++

		if l.MaxTokens > 0 && res.Generated >= l.MaxTokens {
			res.Reason = ReasonLength
			return finish(), nil
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, call *toolcall.Call) (json.RawMessage, error) {
	if l.Dispatcher == nil {
		return nil, fmt.Errorf("engine: %q: %w", call.Name, runtime.ErrFunctionNotFound)
	}
	return l.Dispatcher.Dispatch(ctx, call.Name, call.Arguments)
}

func (l *Loop) enter(s State) {
	if l.OnState != nil {
		l.OnState(s)
	}
}
