package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatMessage is a message in the Ollama chat format.
type ChatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a native function call returned by the server.
type ToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Model    string           `json:"model"`
	Messages []ChatMessage    `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  map[string]any   `json:"options,omitempty"`
}

// ChatResponse is one NDJSON line of a chat response.
type ChatResponse struct {
	Model      string      `json:"model"`
	CreatedAt  time.Time   `json:"created_at"`
	Message    ChatMessage `json:"message"`
	Done       bool        `json:"done"`
	DoneReason string      `json:"done_reason,omitempty"`
	EvalCount  int         `json:"eval_count,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// PullStatus is one NDJSON line of a pull response.
type PullStatus struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Client talks to an Ollama server.
type Client struct {
	BaseURL    string
	httpClient *http.Client
}

// NewClient constructs a client. timeout bounds non-streaming requests only;
// streaming requests are bounded by their context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Tags lists the models installed on the server.
func (c *Client) Tags(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Chat posts req and calls cb for every response line. A non-streaming
// request yields a single line.
func (c *Client) Chat(ctx context.Context, req ChatRequest, cb func(ChatResponse) error) error {
	return c.stream(ctx, http.MethodPost, "/api/chat", req, func(line []byte) (bool, error) {
		var chunk ChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return false, fmt.Errorf("failed to decode chat chunk: %w", err)
		}
		if chunk.Error != "" {
			return false, fmt.Errorf("server error: %s", chunk.Error)
		}
		if err := cb(chunk); err != nil {
			return false, err
		}
		return chunk.Done, nil
	})
}

// Pull downloads a model on the server and reports each status line.
func (c *Client) Pull(ctx context.Context, model string, cb func(PullStatus)) error {
	body := map[string]any{"model": model, "stream": true}
	return c.stream(ctx, http.MethodPost, "/api/pull", body, func(line []byte) (bool, error) {
		var st PullStatus
		if err := json.Unmarshal(line, &st); err != nil {
			return false, fmt.Errorf("failed to decode pull status: %w", err)
		}
		if st.Error != "" {
			return false, fmt.Errorf("server error: %s", st.Error)
		}
		if cb != nil {
			cb(st)
		}
		return st.Status == "success", nil
	})
}

// Delete removes a model from the server.
func (c *Client) Delete(ctx context.Context, model string) error {
	payload, err := json.Marshal(map[string]string{"model": model})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/api/delete", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// stream sends body and feeds each non-empty response line to handle until
// it reports completion or the body ends.
func (c *Client) stream(ctx context.Context, method, path string, body any, handle func([]byte) (bool, error)) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	// Streaming responses can outlive the request timeout.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		done, err := handle(line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
