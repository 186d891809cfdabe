package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"SimpleLLM/internal/functions"
	"SimpleLLM/internal/history"
	"SimpleLLM/internal/observe"
	"SimpleLLM/internal/rag"
	"SimpleLLM/internal/runtime"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string   `json:"status"`
	Providers []string `json:"providers"`
	Default   string   `json:"default"`
	Uptime    string   `json:"uptime"`
}

// Deps are the services the API exposes. Optional services left nil turn
// their routes into 503 responses.
type Deps struct {
	Manager   *runtime.Manager
	Functions *functions.Registry

	Embedder  rag.Embedder
	Retriever *rag.Retriever
	History   *history.Store
	Metrics   *observe.Metrics

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	// DocumentsDir confines retrieve paths. Empty rejects paths.
	DocumentsDir string

	SegmentSize int
	TopN        int
}

// HTTPServer serves the JSON API.
type HTTPServer struct {
	Address    string
	Port       string
	deps       Deps
	httpServer *http.Server
	listener   net.Listener
	mu         sync.RWMutex
	startTime  time.Time
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(address, port string, deps Deps) *HTTPServer {
	if deps.SegmentSize <= 0 {
		deps.SegmentSize = 256
	}
	if deps.TopN <= 0 {
		deps.TopN = 3
	}
	return &HTTPServer{
		Address:   address,
		Port:      port,
		deps:      deps,
		startTime: time.Now(),
	}
}

// Router builds the route table.
func (s *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.deps.Metrics))

	r.Get("/health", s.health)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/providers", s.listProviders)
		r.Route("/providers/{provider}", func(r chi.Router) {
			r.Get("/models", s.listModels)
			r.Post("/models", s.pullModel)
			r.Delete("/models/{model}", s.deleteModel)
			r.Post("/run", s.run)
			r.Post("/stop", s.stop)
		})

		r.Get("/functions", s.listFunctions)
		r.Post("/embeddings", s.embed)
		r.Post("/retrieve", s.retrieve)

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", s.listChats)
			r.Post("/", s.createChat)
			r.Get("/{id}", s.getChat)
			r.Delete("/{id}", s.deleteChat)
		})
	})
	return r
}

// Start begins listening for HTTP requests
func (s *HTTPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server: already running")
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.Address, s.Port))
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.httpServer
	go func() {
		log.Printf("HTTP server starting on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *HTTPServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return net.JoinHostPort(s.Address, s.Port)
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Printf("HTTP server on %s stopped", s.listener.Addr())
	s.httpServer, s.listener = nil, nil
	return nil
}

// IsRunning returns true if the server is running
func (s *HTTPServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpServer != nil
}

func (s *HTTPServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Providers: s.deps.Manager.Names(),
		Default:   s.deps.Manager.Default(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}
