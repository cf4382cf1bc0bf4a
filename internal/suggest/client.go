// Package suggest calls the AI-suggestion collaborator for live coaching.
package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dialhouse/callengine/internal/httpx"
	"github.com/dialhouse/callengine/internal/metrics"
	"github.com/dialhouse/callengine/internal/router"
)

// TurnContext is one prior exchange entry sent as conversation context.
type TurnContext struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one suggestion request for a transcript fragment.
type Request struct {
	Transcription string        `json:"transcription"`
	CallSid       string        `json:"callSid"`
	Context       []TurnContext `json:"context"`
}

// Client produces a coaching suggestion for a transcript. An empty suggestion
// with nil error means the collaborator had nothing to say.
type Client interface {
	Suggest(ctx context.Context, req Request) (string, error)
}

// serverError marks a response the collaborator produced, as opposed to a
// connectivity failure.
type serverError struct {
	status int
	body   string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("suggestion server status %d: %s", e.status, e.body)
}

// LogError logs a suggestion failure, distinguishing connectivity failure
// from server-side failure.
func LogError(sessionID string, err error) {
	var srvErr *serverError
	var netErr net.Error
	switch {
	case errors.As(err, &srvErr):
		metrics.Errors.WithLabelValues("suggest", "server").Inc()
		slog.Error("suggestion server failure", "session_id", sessionID, "status", srvErr.status, "body", srvErr.body)
	case errors.As(err, &netErr), errors.Is(err, context.DeadlineExceeded):
		metrics.Errors.WithLabelValues("suggest", "connectivity").Inc()
		slog.Error("suggestion connectivity failure", "session_id", sessionID, "error", err)
	default:
		metrics.Errors.WithLabelValues("suggest", "other").Inc()
		slog.Error("suggestion request failed", "session_id", sessionID, "error", err)
	}
}

// HTTPClient talks to the in-house coaching service over its JSON contract.
type HTTPClient struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPClient creates a client for the coaching service endpoint.
func NewHTTPClient(url, apiKey string, poolSize int) *HTTPClient {
	return &HTTPClient{
		url:    url,
		apiKey: apiKey,
		client: httpx.NewPooledClient(poolSize, 15*time.Second),
	}
}

// Suggest posts the transcript and prior context, returning the suggestion
// string if the service produced one.
func (c *HTTPClient) Suggest(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal suggestion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create suggestion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("suggestion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &serverError{status: resp.StatusCode, body: string(respBody)}
	}

	var out struct {
		Suggestion string `json:"suggestion"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode suggestion response: %w", err)
	}
	return out.Suggestion, nil
}

// Router dispatches to the configured suggestion backend by name. It is a
// Client itself: Suggest goes to the configured default backend, so callers
// that only ever want one backend need no name plumbing.
type Router struct {
	*router.Router[Client]
}

// NewRouter creates a router with registered suggestion backends and a
// fallback default.
func NewRouter(backends map[string]Client, fallback string) *Router {
	return &Router{Router: router.New(backends, fallback)}
}

// Suggest implements Client by routing to the default backend.
func (r *Router) Suggest(ctx context.Context, req Request) (string, error) {
	c, err := r.Route("")
	if err != nil {
		return "", err
	}
	return c.Suggest(ctx, req)
}
