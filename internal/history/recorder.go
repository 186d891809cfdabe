package history

import (
	"context"
	"log"
	"strings"

	"SimpleLLM/internal/runtime"
)

// Recorder wraps a provider and persists runs that carry a chat ID: the
// last user message before the run and the final message after it.
type Recorder struct {
	runtime.Provider
	store *Store
}

// WrapProvider returns p recording into store.
func WrapProvider(p runtime.Provider, store *Store) *Recorder {
	return &Recorder{Provider: p, store: store}
}

// Run forwards to the wrapped provider. Persistence failures are logged and
// never fail the run.
func (r *Recorder) Run(ctx context.Context, req runtime.RunRequest, sink runtime.Sink) error {
	if req.ChatID == "" || r.store == nil {
		return r.Provider.Run(ctx, req, sink)
	}

	user, hasUser := lastUser(req.Messages)
	var (
		final    runtime.Message
		streamed strings.Builder
		finished bool
	)
	err := r.Provider.Run(ctx, req, func(o runtime.Output) error {
		if !o.Done {
			streamed.WriteString(o.Message.Content)
		} else {
			final, finished = o.Message, true
			if final.Role == runtime.RoleAssistant && final.Content == "" {
				final.Content = streamed.String()
			}
		}
		return sink(o)
	})
	if !finished {
		return err
	}

	title := ""
	if hasUser {
		title = titleFrom(user.Content)
	}
	if serr := r.store.EnsureChat(ctx, req.ChatID, title, req.Model); serr != nil {
		log.Printf("history: %v", serr)
		return err
	}
	if hasUser {
		if serr := r.store.AppendMessage(ctx, req.ChatID, user); serr != nil {
			log.Printf("history: %v", serr)
		}
	}
	if serr := r.store.AppendMessage(ctx, req.ChatID, final); serr != nil {
		log.Printf("history: %v", serr)
	}
	return err
}

// Close closes the wrapped provider when it holds resources.
func (r *Recorder) Close() error {
	if c, ok := r.Provider.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func lastUser(msgs []runtime.Message) (runtime.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == runtime.RoleUser {
			return msgs[i], true
		}
	}
	return runtime.Message{}, false
}

func titleFrom(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 48 {
		return string(r[:48]) + "..."
	}
	return s
}
