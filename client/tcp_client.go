// Package client talks to a running `simplellm serve --tcp-port` instance
// over its line protocol.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"SimpleLLM/internal/runtime"
	"SimpleLLM/server"
)

const dialTimeout = 5 * time.Second

// ErrUnsupported is returned for provider operations the line protocol does
// not carry.
var ErrUnsupported = errors.New("client: operation not supported over tcp")

// RemoteError is an error reported by the server. It matches the runtime
// error of the same kind with errors.Is.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return runtime.ErrorForKind(e.Kind) }

type TCPClient struct {
	Address string
	Port    string

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

func NewTCPClient(address, port string) *TCPClient {
	return &TCPClient{
		Address: address,
		Port:    port,
	}
}

// Connect dials the server. It is a no-op when already connected.
func (c *TCPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *TCPClient) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.Address, c.Port))
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	log.Printf("Connected to TCP server at %s", conn.RemoteAddr())
	return nil
}

// Disconnect closes the connection.
func (c *TCPClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *TCPClient) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// Run sends req to provider and feeds every output to sink. When ctx is
// cancelled or sink fails the connection is dropped, which aborts the run
// on the server; the next call reconnects.
func (c *TCPClient) Run(ctx context.Context, provider string, req runtime.RunRequest, sink runtime.Sink) error {
	payload, err := json.Marshal(server.RunCommand{Provider: provider, Request: req})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	conn := c.conn
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })

	err = c.exchange(server.VerbRun+" "+string(payload), sink)
	if !stop() && err == nil {
		// The deadline fired after the run finished; the connection is
		// no longer usable.
		c.closeLocked()
	}
	if err != nil {
		var remote *RemoteError
		if !errors.As(err, &remote) {
			c.closeLocked()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// Stop asks the server to stop the provider's current run. It uses its own
// connection since the main one is busy while a run streams.
func (c *TCPClient) Stop(ctx context.Context, provider string) error {
	side := NewTCPClient(c.Address, c.Port)
	if err := side.Connect(ctx); err != nil {
		return err
	}
	defer side.Disconnect()
	return side.exchange(server.VerbStop+" "+provider, nil)
}

// exchange writes one command line and reads replies until END or ERR.
func (c *TCPClient) exchange(command string, onOutput func(runtime.Output) error) error {
	if _, err := c.conn.Write([]byte(command + "\n")); err != nil {
		return err
	}
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return err
		}
		verb, payload, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
		switch verb {
		case server.VerbOut:
			var o runtime.Output
			if err := json.Unmarshal([]byte(payload), &o); err != nil {
				return fmt.Errorf("client: decode output: %w", err)
			}
			if onOutput != nil {
				if err := onOutput(o); err != nil {
					return err
				}
			}
		case server.VerbEnd:
			return nil
		case server.VerbErr:
			var e server.ErrorResponse
			if err := json.Unmarshal([]byte(payload), &e); err != nil {
				return fmt.Errorf("client: decode error: %w", err)
			}
			return &RemoteError{Kind: e.Kind, Message: e.Error}
		default:
			return fmt.Errorf("client: unexpected reply %q", verb)
		}
	}
}

// Provider adapts the client to runtime.Provider for the named remote
// provider. Only Run and Stop are carried.
func (c *TCPClient) Provider(name string) runtime.Provider {
	return &remoteProvider{client: c, name: name}
}

type remoteProvider struct {
	client *TCPClient
	name   string
}

func (p *remoteProvider) Name() string {
	if p.name == "" {
		return "remote"
	}
	return p.name
}

func (p *remoteProvider) InstalledModels(context.Context) ([]string, error) {
	return nil, ErrUnsupported
}

func (p *remoteProvider) Run(ctx context.Context, req runtime.RunRequest, sink runtime.Sink) error {
	return p.client.Run(ctx, p.name, req, sink)
}

func (p *remoteProvider) Download(context.Context, string, runtime.ProgressFunc) error {
	return ErrUnsupported
}

func (p *remoteProvider) Delete(context.Context, string) error {
	return ErrUnsupported
}

func (p *remoteProvider) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	return p.client.Stop(ctx, p.name)
}
