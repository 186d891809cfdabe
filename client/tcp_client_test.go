package client

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"SimpleLLM/internal/runtime"
	"SimpleLLM/server"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type blockingProvider struct {
	pieces  []string
	block   bool
	stopped atomic.Bool
	stopCh  chan struct{}
}

func (p *blockingProvider) Name() string { return "stub" }
func (p *blockingProvider) InstalledModels(context.Context) ([]string, error) {
	return nil, nil
}
func (p *blockingProvider) Download(context.Context, string, runtime.ProgressFunc) error { return nil }
func (p *blockingProvider) Delete(context.Context, string) error { return nil }

func (p *blockingProvider) Stop() error {
	if p.stopped.CompareAndSwap(false, true) {
		close(p.stopCh)
	}
	return nil
}

func (p *blockingProvider) Run(ctx context.Context, req runtime.RunRequest, sink runtime.Sink) error {
	if req.Model == "missing" {
		return runtime.ErrModelLoad
	}
	for _, piece := range p.pieces {
		if err := sink(runtime.NewOutput(req, runtime.Message{Role: runtime.RoleAssistant, Content: piece}, false)); err != nil {
			return err
		}
	}
	if p.block {
		select {
		case <-p.stopCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return sink(runtime.NewOutput(req, runtime.Message{Role: runtime.RoleAssistant}, true))
}

func start(t *testing.T, p *blockingProvider) *TCPClient {
	t.Helper()
	p.stopCh = make(chan struct{})
	manager, err := runtime.NewManager(p)
	require.NoError(t, err)
	srv := server.NewTCPServer("127.0.0.1", "0", manager)
	require.NoError(t, srv.Start())

	host, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	c := NewTCPClient(host, port)
	t.Cleanup(func() {
		c.Disconnect()
		srv.Stop()
	})
	return c
}

func TestRun(t *testing.T) {
	c := start(t, &blockingProvider{pieces: []string{"Hel", "lo"}})
	ctx := context.Background()

	var got string
	var done int
	sink := func(o runtime.Output) error {
		got += o.Message.Content
		if o.Done {
			done++
		}
		return nil
	}
	require.NoError(t, c.Run(ctx, "", runtime.RunRequest{Model: "m"}, sink))
	require.NoError(t, c.Run(ctx, "stub", runtime.RunRequest{Model: "m"}, sink))
	assert.Equal(t, "HelloHello", got)
	assert.Equal(t, 2, done)
}

func TestRunRemoteError(t *testing.T) {
	c := start(t, &blockingProvider{})
	err := c.Run(context.Background(), "", runtime.RunRequest{Model: "missing"}, func(runtime.Output) error { return nil })

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "ModelLoadFailure", remote.Kind)
	assert.ErrorIs(t, err, runtime.ErrModelLoad)

	// The connection survives a reported error.
	require.NoError(t, c.Run(context.Background(), "", runtime.RunRequest{Model: "m"}, func(runtime.Output) error { return nil }))
}

func TestProviderStop(t *testing.T) {
	p := &blockingProvider{pieces: []string{"a"}, block: true}
	c := start(t, p)
	remote := c.Provider("stub")

	first := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		var once bool
		errCh <- remote.Run(context.Background(), runtime.RunRequest{Model: "m"}, func(o runtime.Output) error {
			if !once {
				once = true
				close(first)
			}
			return nil
		})
	}()

	<-first
	require.NoError(t, remote.Stop())
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after stop")
	}
	assert.True(t, p.stopped.Load())
}

func TestRunCancelled(t *testing.T) {
	c := start(t, &blockingProvider{pieces: []string{"a"}, block: true})
	ctx, cancel := context.WithCancel(context.Background())

	err := c.Run(ctx, "", runtime.RunRequest{Model: "m"}, func(runtime.Output) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnsupportedOperations(t *testing.T) {
	p := NewTCPClient("127.0.0.1", "1").Provider("")
	assert.Equal(t, "remote", p.Name())
	_, err := p.InstalledModels(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, p.Download(context.Background(), "m", nil), ErrUnsupported)
	assert.ErrorIs(t, p.Delete(context.Background(), "m"), ErrUnsupported)
}
