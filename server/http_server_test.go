package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SimpleLLM/internal/functions"
	"SimpleLLM/internal/history"
	"SimpleLLM/internal/rag"
	"SimpleLLM/internal/runtime"
)

type stubProvider struct {
	models  []string
	pieces  []string
	runErr  error
	stopped bool
	deleted []string
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) InstalledModels(context.Context) ([]string, error) { return p.models, nil }

func (p *stubProvider) Run(_ context.Context, req runtime.RunRequest, sink runtime.Sink) error {
	if p.runErr != nil {
		return p.runErr
	}
	for _, piece := range p.pieces {
		if err := sink(runtime.NewOutput(req, runtime.Message{Role: runtime.RoleAssistant, Content: piece}, false)); err != nil {
			return err
		}
	}
	return sink(runtime.NewOutput(req, runtime.Message{Role: runtime.RoleAssistant}, true))
}

func (p *stubProvider) Download(_ context.Context, model string, progress runtime.ProgressFunc) error {
	progress(runtime.Progress{Model: model, Status: "downloading", Downloaded: 5, Total: 10})
	progress(runtime.Progress{Model: model, Status: "success", Downloaded: -1, Total: -1})
	return nil
}

func (p *stubProvider) Delete(_ context.Context, model string) error {
	if model == "missing" {
		return runtime.ErrModelLoad
	}
	p.deleted = append(p.deleted, model)
	return nil
}

func (p *stubProvider) Stop() error {
	p.stopped = true
	return nil
}

// letterEmbedder maps a text to letter counts for a, b and c.
type letterEmbedder struct{}

func (letterEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 3)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'c' {
			vec[r-'a']++
		}
	}
	return vec, nil
}

type testEnv struct {
	srv      *httptest.Server
	provider *stubProvider
	store    *history.Store
}

func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()
	p := &stubProvider{models: []string{"a.gguf"}, pieces: []string{"he", "llo"}}
	manager, err := runtime.NewManager(p)
	require.NoError(t, err)

	clock := functions.UnixTime{Now: func() time.Time { return time.Unix(1, 0) }}
	registry, err := functions.NewRegistry(clock)
	require.NoError(t, err)

	store, err := history.Open(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	deps := Deps{
		Manager:        manager,
		Functions:      registry,
		Embedder:       letterEmbedder{},
		Retriever:      rag.NewRetriever(letterEmbedder{}, rag.WordSplitter{}),
		History:        store,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("# metrics\n")) }),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	s := NewHTTPServer("127.0.0.1", "0", deps)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, provider: p, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func lines(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decodeBody[HealthResponse](t, resp)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, []string{"stub"}, h.Providers)
	assert.Equal(t, "stub", h.Default)
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestModels(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/providers/stub/models", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string][]string](t, resp)
	assert.Equal(t, []string{"a.gguf"}, body["models"])

	resp = env.do(t, http.MethodGet, "/v1/providers/nope/models", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/providers/stub/models", map[string]string{"model": "org/repo:f.gguf"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	progress := lines(t, resp)
	require.Len(t, progress, 2)
	assert.Equal(t, "success", progress[1]["status"])

	resp = env.do(t, http.MethodPost, "/v1/providers/stub/models", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/v1/providers/stub/models/a.gguf", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"a.gguf"}, env.provider.deleted)

	resp = env.do(t, http.MethodDelete, "/v1/providers/stub/models/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRun(t *testing.T) {
	env := newTestEnv(t)
	req := runtime.RunRequest{
		Model:    "a.gguf",
		Messages: []runtime.Message{{Role: runtime.RoleUser, Content: "hi"}},
		Options:  runtime.RunOptions{Stream: true},
	}

	resp := env.do(t, http.MethodPost, "/v1/providers/stub/run", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := lines(t, resp)
	require.Len(t, out, 3)
	assert.Equal(t, "he", out[0]["message"].(map[string]any)["content"])
	assert.Equal(t, false, out[0]["done"])
	assert.Equal(t, true, out[2]["done"])
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"already running", runtime.ErrAlreadyRunning, http.StatusConflict, "AlreadyRunning"},
		{"unknown function", runtime.ErrFunctionNotFound, http.StatusBadRequest, "FunctionNotFound"},
		{"window", runtime.ErrContextWindowExceeded, http.StatusBadRequest, "ContextWindowExceeded"},
		{"model", runtime.ErrModelLoad, http.StatusNotFound, "ModelLoadFailure"},
		{"decode", runtime.ErrDecode, http.StatusInternalServerError, "DecodeFailure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.provider.runErr = tt.err
			resp := env.do(t, http.MethodPost, "/v1/providers/stub/run", runtime.RunRequest{Model: "a.gguf"})
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decodeBody[ErrorResponse](t, resp)
			assert.Equal(t, tt.kind, body.Kind)
		})
	}

	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/v1/providers/stub/run", runtime.RunRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStop(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/v1/providers/stub/stop", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, env.provider.stopped)
}

func TestFunctions(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/v1/functions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string][]functions.Definition](t, resp)
	require.Len(t, body["functions"], 1)
	assert.Equal(t, "get_unix_time", body["functions"][0].Name)
}

func TestEmbeddings(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/v1/embeddings", embedRequest{Input: []string{"abc", "aab"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[embedResponse](t, resp)
	assert.Equal(t, [][]float32{{1, 1, 1}, {2, 1, 0}}, body.Embeddings)

	resp = env.do(t, http.MethodPost, "/v1/embeddings", embedRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetrieve(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/v1/retrieve", retrieveRequest{
		Query:       "aaa",
		Texts:       []string{"ccc", "aaa", "bbb"},
		SegmentSize: 1,
		TopN:        1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[retrieveResponse](t, resp)
	assert.Equal(t, "aaa", body.Context)

	resp = env.do(t, http.MethodPost, "/v1/retrieve", retrieveRequest{Query: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetrievePathsConfinedToDocumentsDir(t *testing.T) {
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.txt"), []byte("aaa"), 0o644))
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("aaa"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(docs, "link.txt")))

	confined := newTestEnv(t, func(d *Deps) { d.DocumentsDir = docs })
	unconfined := newTestEnv(t)

	tests := []struct {
		name   string
		env    *testEnv
		paths  []string
		status int
	}{
		{"relative inside", confined, []string{"a.txt"}, http.StatusOK},
		{"absolute inside", confined, []string{filepath.Join(docs, "a.txt")}, http.StatusOK},
		{"dot dot", confined, []string{"../secret.txt"}, http.StatusForbidden},
		{"absolute outside", confined, []string{outside}, http.StatusForbidden},
		{"symlink out", confined, []string{"link.txt"}, http.StatusForbidden},
		{"one bad path", confined, []string{"a.txt", outside}, http.StatusForbidden},
		{"no documents dir", unconfined, []string{outside}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tt.env.do(t, http.MethodPost, "/v1/retrieve", retrieveRequest{
				Query: "aaa", Paths: tt.paths, SegmentSize: 1, TopN: 1,
			})
			require.Equal(t, tt.status, resp.StatusCode)
			if tt.status == http.StatusOK {
				assert.Equal(t, "aaa", decodeBody[retrieveResponse](t, resp).Context)
				return
			}
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, resp).Error)
		})
	}

	// texts stay available without a documents directory.
	resp := unconfined.do(t, http.MethodPost, "/v1/retrieve", retrieveRequest{Query: "aaa", Texts: []string{"aaa"}, TopN: 1})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChats(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/chats", createChatRequest{Title: "demo", Model: "a.gguf"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	chat := decodeBody[history.Chat](t, resp)
	require.NoError(t, env.store.AppendMessage(context.Background(), chat.ID, runtime.Message{Role: runtime.RoleUser, Content: "q"}))

	resp = env.do(t, http.MethodGet, "/v1/chats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[map[string][]history.Chat](t, resp)
	require.Len(t, list["chats"], 1)

	resp = env.do(t, http.MethodGet, "/v1/chats/"+chat.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	full := decodeBody[chatResponse](t, resp)
	assert.Equal(t, "demo", full.Title)
	require.Len(t, full.Messages, 1)
	assert.Equal(t, "q", full.Messages[0].Content)

	resp = env.do(t, http.MethodDelete, "/v1/chats/"+chat.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/v1/chats/"+chat.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartStop(t *testing.T) {
	p := &stubProvider{}
	manager, err := runtime.NewManager(p)
	require.NoError(t, err)

	s := NewHTTPServer("127.0.0.1", "0", Deps{Manager: manager})
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
}
