package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"SimpleLLM/internal/history"
	"SimpleLLM/internal/runtime"
)

// ErrorResponse is the body of every failed request and the last line of a
// stream that failed midway.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

type pullRequest struct {
	Model string `json:"model"`
}

type embedRequest struct {
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type retrieveRequest struct {
	Query       string   `json:"query"`
	Paths       []string `json:"paths,omitempty"`
	Texts       []string `json:"texts,omitempty"`
	SegmentSize int      `json:"segment_size,omitempty"`
	TopN        int      `json:"top_n,omitempty"`
}

type retrieveResponse struct {
	Context string `json:"context"`
}

type createChatRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

type chatResponse struct {
	history.Chat
	Messages []history.Entry `json:"messages"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	kind := runtime.ErrorKind(err)
	if kind == "Internal" {
		kind = ""
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, runtime.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, runtime.ErrFunctionNotFound),
		errors.Is(err, runtime.ErrContextWindowExceeded):
		return http.StatusBadRequest
	case errors.Is(err, runtime.ErrModelLoad), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return false
	}
	return true
}

// ndjson writes one JSON document per line and flushes after each.
type ndjson struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	started bool
}

func (n *ndjson) write(v any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		n.w.Header().Set("Content-Type", "application/x-ndjson")
		n.w.Header().Set("Cache-Control", "no-cache")
		n.w.Header().Set("X-Accel-Buffering", "no")
		n.w.WriteHeader(http.StatusOK)
		n.started = true
	}
	if err := json.NewEncoder(n.w).Encode(v); err != nil {
		return err
	}
	if f, ok := n.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// fail reports err as a status code before the stream starts and as a final
// error line after.
func (n *ndjson) fail(err error) {
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if !started {
		writeError(n.w, statusFor(err), err)
		return
	}
	kind := runtime.ErrorKind(err)
	if kind == "Internal" {
		kind = ""
	}
	if werr := n.write(ErrorResponse{Error: err.Error(), Kind: kind, Done: true}); werr != nil {
		log.Printf("server: write error line: %v", werr)
	}
}

func (s *HTTPServer) provider(w http.ResponseWriter, r *http.Request) (runtime.Provider, bool) {
	p, err := s.deps.Manager.Provider(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return p, true
}

func (s *HTTPServer) listProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.deps.Manager.Names(),
		"default":   s.deps.Manager.Default(),
	})
}

func (s *HTTPServer) listModels(w http.ResponseWriter, r *http.Request) {
	p, ok := s.provider(w, r)
	if !ok {
		return
	}
	models, err := p.InstalledModels(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *HTTPServer) pullModel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.provider(w, r)
	if !ok {
		return
	}
	var req pullRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusBadRequest, errors.New("model is required"))
		return
	}

	out := &ndjson{w: w}
	err := p.Download(r.Context(), req.Model, func(pr runtime.Progress) {
		if werr := out.write(pr); werr != nil {
			log.Printf("server: write progress: %v", werr)
		}
	})
	if err != nil {
		out.fail(err)
	}
}

func (s *HTTPServer) deleteModel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.provider(w, r)
	if !ok {
		return
	}
	if err := p.Delete(r.Context(), chi.URLParam(r, "model")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) run(w http.ResponseWriter, r *http.Request) {
	p, ok := s.provider(w, r)
	if !ok {
		return
	}
	var req runtime.RunRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusBadRequest, errors.New("model is required"))
		return
	}

	out := &ndjson{w: w}
	if err := p.Run(r.Context(), req, func(o runtime.Output) error { return out.write(o) }); err != nil {
		out.fail(err)
	}
}

func (s *HTTPServer) stop(w http.ResponseWriter, r *http.Request) {
	p, ok := s.provider(w, r)
	if !ok {
		return
	}
	if err := p.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) listFunctions(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Functions == nil {
		writeJSON(w, http.StatusOK, map[string]any{"functions": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"functions": s.deps.Functions.Definitions()})
}

func (s *HTTPServer) embed(w http.ResponseWriter, r *http.Request) {
	if s.deps.Embedder == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("embeddings are not configured"))
		return
	}
	var req embedRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Input) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("input is required"))
		return
	}

	resp := embedResponse{Embeddings: make([][]float32, 0, len(req.Input))}
	for _, text := range req.Input {
		vec, err := s.deps.Embedder.Embed(r.Context(), text)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		resp.Embeddings = append(resp.Embeddings, vec)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) retrieve(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retriever == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("retrieval is not configured"))
		return
	}
	var req retrieveRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, errors.New("query is required"))
		return
	}
	if req.SegmentSize <= 0 {
		req.SegmentSize = s.deps.SegmentSize
	}
	if req.TopN <= 0 {
		req.TopN = s.deps.TopN
	}

	var (
		text string
		err  error
	)
	switch {
	case len(req.Paths) > 0:
		paths, perr := documentPaths(s.deps.DocumentsDir, req.Paths)
		if perr != nil {
			writeError(w, http.StatusForbidden, perr)
			return
		}
		text, err = s.deps.Retriever.RetrieveContext(r.Context(), req.Query, paths, req.SegmentSize, req.TopN)
	case len(req.Texts) > 0:
		text, err = s.deps.Retriever.RetrieveText(r.Context(), req.Query, req.Texts, req.SegmentSize, req.TopN)
	default:
		writeError(w, http.StatusBadRequest, errors.New("paths or texts are required"))
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, retrieveResponse{Context: text})
}

var errPathsDisabled = errors.New("paths are disabled: set server.documents_dir or send texts")

// documentPaths resolves request paths against root and rejects any that
// land outside it, symlinks included. Relative paths are taken from root.
func documentPaths(root string, paths []string) ([]string, error) {
	if root == "" {
		return nil, errPathsDisabled
	}
	base, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("documents dir: %w", err)
	}
	if real, err := filepath.EvalSymlinks(base); err == nil {
		base = real
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(base, full)
		}
		full = filepath.Clean(full)
		if real, err := filepath.EvalSymlinks(full); err == nil {
			full = real
		}
		rel, err := filepath.Rel(base, full)
		if err != nil || !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("path %q is outside the documents directory", p)
		}
		out = append(out, full)
	}
	return out, nil
}

func (s *HTTPServer) historyStore(w http.ResponseWriter) (*history.Store, bool) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("chat history is not configured"))
		return nil, false
	}
	return s.deps.History, true
}

func (s *HTTPServer) listChats(w http.ResponseWriter, r *http.Request) {
	store, ok := s.historyStore(w)
	if !ok {
		return
	}
	chats, err := store.Chats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *HTTPServer) createChat(w http.ResponseWriter, r *http.Request) {
	store, ok := s.historyStore(w)
	if !ok {
		return
	}
	var req createChatRequest
	if !decode(w, r, &req) {
		return
	}
	chat, err := store.CreateChat(r.Context(), req.Title, req.Model)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *HTTPServer) getChat(w http.ResponseWriter, r *http.Request) {
	store, ok := s.historyStore(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	chat, err := store.Chat(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	msgs, err := store.Messages(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Chat: chat, Messages: msgs})
}

func (s *HTTPServer) deleteChat(w http.ResponseWriter, r *http.Request) {
	store, ok := s.historyStore(w)
	if !ok {
		return
	}
	if err := store.DeleteChat(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
