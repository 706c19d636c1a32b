// Package completion implements the streaming chat client against an
// Ollama-compatible HTTP endpoint.
package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"loomsync/domain/graph"
	"loomsync/pkg/errors"
)

// Client streams chat completions over NDJSON from <baseURL>/api/chat.
type Client struct {
	BaseURL      string
	DefaultModel string
	HTTPClient   *http.Client
}

func NewClient(baseURL, defaultModel string) *Client {
	return &Client{
		BaseURL:      baseURL,
		DefaultModel: defaultModel,
		HTTPClient: &http.Client{
			// No overall timeout: streams run as long as generation does.
			// Cancellation comes from the request context.
			Timeout: 0,
		},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type chatChunk struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

// Stream sends the conversation and delivers response chunks in order. It
// returns when the stream completes, errors, or ctx is cancelled; no onChunk
// call happens after cancellation is observed.
func (c *Client) Stream(ctx context.Context, model string, temperature float64, msgs []graph.Message, onChunk func(chunk string)) error {
	if model == "" {
		model = c.DefaultModel
	}

	wire := make([]chatMessage, len(msgs))
	for i, m := range msgs {
		wire[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}
	payload := chatRequest{
		Model:    model,
		Messages: wire,
		Stream:   true,
	}
	if temperature > 0 {
		payload.Options = &chatOptions{Temperature: temperature}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal completion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create completion request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.NewExternalError("completion service", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.NewExternalError("completion service",
			fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return errors.Wrap(err, "decode completion chunk")
		}
		if chunk.Error != "" {
			return errors.NewExternalError("completion service", fmt.Errorf("%s", chunk.Error))
		}
		if chunk.Message.Content != "" {
			onChunk(chunk.Message.Content)
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.NewExternalError("completion service", err)
	}
	return nil
}

// WarmupTimeout bounds the initial connectivity probe.
const WarmupTimeout = 5 * time.Second

// Ping checks the endpoint is reachable, for startup diagnostics.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, WarmupTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/tags", nil)
	if err != nil {
		return errors.Wrap(err, "create ping request")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.NewExternalError("completion service", err)
	}
	resp.Body.Close()
	return nil
}
