package functions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SimpleLLM/internal/runtime"
)

type echoFunc struct {
	name string
	err  error
}

func (e echoFunc) Definition() Definition {
	return Definition{Name: e.name, Parameters: []Param{{Name: "x", Type: "string", Required: true}}}
}

func (e echoFunc) Call(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	if e.err != nil {
		return nil, e.err
	}
	return args, nil
}

func TestNewRegistry(t *testing.T) {
	_, err := NewRegistry(echoFunc{name: "a"}, echoFunc{name: "a"})
	assert.Error(t, err)

	_, err = NewRegistry(echoFunc{name: ""})
	assert.Error(t, err)

	r, err := NewRegistry(echoFunc{name: "b"}, echoFunc{name: "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.Equal(t, 2, r.Len())
}

func TestDispatch(t *testing.T) {
	r, err := NewRegistry(echoFunc{name: "echo"}, echoFunc{name: "broken", err: errors.New("boom")})
	require.NoError(t, err)

	tests := []struct {
		name    string
		fn      string
		args    string
		want    string
		wantErr error
	}{
		{"passes arguments", "echo", `{"x":"1"}`, `{"x":"1"}`, nil},
		{"empty arguments become object", "echo", ``, `{}`, nil},
		{"null arguments become object", "echo", `null`, `{}`, nil},
		{"unknown name", "Echo", `{}`, "", runtime.ErrFunctionNotFound},
		{"function failure", "broken", `{}`, "", runtime.ErrFunctionCall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Dispatch(context.Background(), tt.fn, json.RawMessage(tt.args))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(out))
		})
	}
}

func TestDispatchConcurrent(t *testing.T) {
	r, err := NewRegistry(UnixTime{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Dispatch(context.Background(), "get_unix_time", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestSubset(t *testing.T) {
	r, err := NewRegistry(echoFunc{name: "a"}, echoFunc{name: "b"})
	require.NoError(t, err)

	sub, err := r.Subset([]string{"b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, sub.Names())
	_, ok := sub.Get("a")
	assert.False(t, ok)

	_, err = r.Subset([]string{"c"})
	assert.ErrorIs(t, err, runtime.ErrFunctionNotFound)

	empty, err := r.Subset(nil)
	require.NoError(t, err)
	assert.Zero(t, empty.Len())
}

func TestTools(t *testing.T) {
	r, err := NewRegistry(NewWebPage(nil, WebPageOptions{}))
	require.NoError(t, err)

	tools := r.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "function", tools[0]["type"])
	fn := tools[0]["function"].(map[string]any)
	assert.Equal(t, "analyze_web_page", fn["name"])
	params := fn["parameters"].(map[string]any)
	assert.Equal(t, "object", params["type"])
	assert.ElementsMatch(t, []string{"url", "query"}, params["required"])
	assert.Contains(t, params["properties"], "url")
}

func TestUnixTime(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	out, err := UnixTime{Now: func() time.Time { return fixed }}.Call(context.Background(), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"unix_time":1700000000}`, string(out))

	def := UnixTime{}.Definition()
	assert.Equal(t, "get_unix_time", def.Name)
	assert.Empty(t, def.Parameters)
}

type recordingRetriever struct {
	query string
	paths []string
	text  string
	err   error
}

func (r *recordingRetriever) RetrieveContext(_ context.Context, query string, paths []string, _, _ int) (string, error) {
	r.query = query
	r.paths = paths
	data, err := os.ReadFile(paths[0])
	if err != nil {
		return "", err
	}
	r.text = string(data)
	if r.err != nil {
		return "", r.err
	}
	return "relevant: " + query, nil
}

func TestWebPageThroughReader(t *testing.T) {
	const page = "https://example.com/article"
	var gotPath, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Retain-Images")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Title: Article\n\nGo is a programming language."))
	}))
	defer srv.Close()

	rr := &recordingRetriever{}
	dir := t.TempDir()
	wp := NewWebPage(rr, WebPageOptions{ReaderURL: srv.URL + "/", TempDir: dir})

	out, err := wp.Call(context.Background(), json.RawMessage(`{"url":"`+page+`","query":"go"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"relevant_text":"relevant: go"}`, string(out))

	assert.Equal(t, "/"+page, gotPath)
	assert.Equal(t, "none", gotHeader)
	assert.Equal(t, "go", rr.query)
	assert.Contains(t, rr.text, "Go is a programming language.")
	require.Len(t, rr.paths, 1)
	assert.True(t, strings.HasPrefix(filepath.Base(rr.paths[0]), "page_"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary page file is removed")
}

func TestWebPageDirectHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><style>p{}</style></head><body>
<nav>Home | About</nav>
<script>alert("x")</script>
<h1>Heading</h1><p>Body text here.</p>
</body></html>`))
	}))
	defer srv.Close()

	rr := &recordingRetriever{}
	wp := NewWebPage(rr, WebPageOptions{TempDir: t.TempDir()})
	_, err := wp.Call(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`/doc","query":"body"}`))
	require.NoError(t, err)

	assert.Contains(t, rr.text, "Heading")
	assert.Contains(t, rr.text, "Body text here.")
	assert.NotContains(t, rr.text, "alert")
	assert.NotContains(t, rr.text, "Home | About")
}

func TestWebPageErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	tests := []struct {
		name string
		args string
	}{
		{"missing url", `{"query":"q"}`},
		{"missing query", `{"url":"https://example.com"}`},
		{"bad scheme", `{"url":"file:///etc/passwd","query":"q"}`},
		{"not json", `[1,2]`},
		{"upstream error", `{"url":"` + srv.URL + `","query":"q"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wp := NewWebPage(&recordingRetriever{}, WebPageOptions{TempDir: t.TempDir()})
			_, err := wp.Call(context.Background(), json.RawMessage(tt.args))
			assert.Error(t, err)
		})
	}
}

func TestWebPageDispatchWrapsFailure(t *testing.T) {
	rr := &recordingRetriever{err: errors.New("no embedding model")}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain"))
	}))
	defer srv.Close()

	r, err := NewRegistry(NewWebPage(rr, WebPageOptions{TempDir: t.TempDir()}))
	require.NoError(t, err)
	_, err = r.Dispatch(context.Background(), "analyze_web_page",
		json.RawMessage(`{"url":"`+srv.URL+`","query":"q"}`))
	require.ErrorIs(t, err, runtime.ErrFunctionCall)
	assert.Contains(t, err.Error(), "no embedding model")
}
