package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"

	"SimpleLLM/internal/runtime"
)

// Line protocol verbs. A client sends one command per line:
//
//	RUN <json RunCommand>
//	STOP <provider>
//
// and the server answers a RUN with zero or more OUT lines carrying a
// runtime.Output, then END or ERR <json ErrorResponse>. STOP answers END or
// ERR.
const (
	VerbRun  = "RUN"
	VerbStop = "STOP"
	VerbOut  = "OUT"
	VerbEnd  = "END"
	VerbErr  = "ERR"
)

// maxLineBytes bounds a single request line.
const maxLineBytes = 4 << 20

// RunCommand is the payload of a RUN line. An empty provider selects the
// default one.
type RunCommand struct {
	Provider string             `json:"provider,omitempty"`
	Request  runtime.RunRequest `json:"request"`
}

// TCPServer exposes provider runs over a newline-delimited protocol for
// clients that do not speak HTTP.
type TCPServer struct {
	Address string
	Port    string

	manager *runtime.Manager
	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewTCPServer creates a new TCP server instance.
func NewTCPServer(address, port string, manager *runtime.Manager) *TCPServer {
	return &TCPServer{
		Address: address,
		Port:    port,
		manager: manager,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start listens and accepts connections in the background.
func (s *TCPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("server: tcp already running")
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.Address, s.Port))
	if err != nil {
		return fmt.Errorf("server: tcp listen: %w", err)
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	log.Printf("TCP server started on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *TCPServer) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("TCP accept: %v", err)
			}
			return
		}
		s.mu.Lock()
		if s.ln == nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Addr returns the bound address once started.
func (s *TCPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return net.JoinHostPort(s.Address, s.Port)
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and every open connection, cancels runs in
// flight and waits for the handlers to return.
func (s *TCPServer) Stop() error {
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	s.cancel()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	remote := conn.RemoteAddr().String()
	log.Printf("TCP connection from %s", remote)

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	w := &lineWriter{w: conn}

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		verb, payload, _ := strings.Cut(line, " ")

		var err error
		switch verb {
		case VerbRun:
			err = s.run(payload, w)
		case VerbStop:
			err = s.stop(payload)
		default:
			err = fmt.Errorf("unknown command %q", verb)
		}

		if err != nil {
			err = w.fail(err)
		} else {
			err = w.line(VerbEnd, "")
		}
		if err != nil {
			log.Printf("TCP write to %s: %v", remote, err)
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		log.Printf("TCP read from %s: %v", remote, err)
	}
	log.Printf("TCP connection from %s closed", remote)
}

func (s *TCPServer) run(payload string, w *lineWriter) error {
	var cmd RunCommand
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if strings.TrimSpace(cmd.Request.Model) == "" {
		return errors.New("model is required")
	}
	p, err := s.manager.Provider(cmd.Provider)
	if err != nil {
		return err
	}
	return p.Run(s.ctx, cmd.Request, func(o runtime.Output) error {
		return w.json(VerbOut, o)
	})
}

func (s *TCPServer) stop(payload string) error {
	p, err := s.manager.Provider(strings.TrimSpace(payload))
	if err != nil {
		return err
	}
	return p.Stop()
}

type lineWriter struct {
	w io.Writer
}

func (l *lineWriter) line(verb, payload string) error {
	if payload != "" {
		verb += " " + payload
	}
	_, err := io.WriteString(l.w, verb+"\n")
	return err
}

func (l *lineWriter) json(verb string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.line(verb, string(data))
}

func (l *lineWriter) fail(err error) error {
	kind := runtime.ErrorKind(err)
	if kind == "Internal" {
		kind = ""
	}
	return l.json(VerbErr, ErrorResponse{Error: err.Error(), Kind: kind, Done: true})
}
