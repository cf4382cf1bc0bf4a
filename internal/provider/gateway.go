package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/dialhouse/callengine/internal/metrics"
)

// GatewayConfig configures one SIP-bridge adapter instance.
type GatewayConfig struct {
	BaseURL      string
	AgentID      string
	APIKey       string
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// GatewayAdapter fronts the SIP-bridge vendor. The bridge has no event push;
// call status is observed by a scheduled poll, started after dial and cancelled
// on terminal status or explicit hangup. Media is tapped from the bridge's
// per-call media socket as G.711 frames.
type GatewayAdapter struct {
	cfg    GatewayConfig
	client *http.Client

	token   string
	callRef string

	obs chan StatusSample
	tap chan AudioFrame

	pollStop   chan struct{}
	stopOnce   sync.Once
	logoutOnce sync.Once

	// tapMu hands the media socket between tapLoop, which opens it, and
	// Logout, which closes it. tapClosed covers a logout that lands before
	// the tap finished connecting.
	tapMu     sync.Mutex
	tapConn   *websocket.Conn
	tapClosed bool
}

// NewGatewayAdapter creates an adapter for one dial against the SIP bridge.
func NewGatewayAdapter(cfg GatewayConfig) *GatewayAdapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GatewayAdapter{
		cfg:      cfg,
		client:   client,
		obs:      make(chan StatusSample, 8),
		tap:      make(chan AudioFrame, 32),
		pollStop: make(chan struct{}),
	}
}

// Name implements Adapter.
func (g *GatewayAdapter) Name() Name { return Gateway }

// Dial logs the agent into the bridge, places the call, and starts the status
// poll and media tap.
func (g *GatewayAdapter) Dial(ctx context.Context, phoneNumber string) (string, error) {
	if err := g.login(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	ref, err := g.placeCall(ctx, phoneNumber)
	if err != nil {
		g.Logout(ctx)
		return "", err
	}
	g.callRef = ref

	go g.pollLoop()
	go g.tapLoop()

	return ref, nil
}

// login authenticates against the bridge. Transient failures are retried with
// capped exponential backoff; the dial path treats exhaustion as unavailable.
func (g *GatewayAdapter) login(ctx context.Context) error {
	op := func() error {
		body, _ := json.Marshal(map[string]string{"agent_id": g.cfg.AgentID})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/login", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

		resp, err := g.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err = fmt.Errorf("login status %d: %s", resp.StatusCode, respBody)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}

		var out struct {
			Token string `json:"token"`
		}
		if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode login response: %w", err))
		}
		g.token = out.Token
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (g *GatewayAdapter) placeCall(ctx context.Context, phoneNumber string) (string, error) {
	body, _ := json.Marshal(map[string]string{"number": phoneNumber})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrDialRejected, resp.StatusCode, respBody)
	}

	var out struct {
		CallRef string `json:"call_ref"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode dial response: %v", ErrDialRejected, err)
	}
	if out.CallRef == "" {
		return "", fmt.Errorf("%w: empty call_ref", ErrDialRejected)
	}
	return out.CallRef, nil
}

// Observations implements Adapter.
func (g *GatewayAdapter) Observations() <-chan StatusSample { return g.obs }

// AudioTap implements Adapter.
func (g *GatewayAdapter) AudioTap() <-chan AudioFrame { return g.tap }

// pollLoop queries the bridge for call status on a fixed interval until
// stopped or a terminal status is seen. Poll errors degrade gracefully: the
// call continues, the miss is logged and counted.
func (g *GatewayAdapter) pollLoop() {
	defer close(g.obs)

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.pollStop:
			return
		case <-ticker.C:
		}

		sample, err := g.pollOnce()
		if err != nil {
			slog.Warn("gateway status poll failed", "call_ref", g.callRef, "error", err)
			metrics.Errors.WithLabelValues("provider", "observation").Inc()
			continue
		}

		select {
		case g.obs <- sample:
		case <-g.pollStop:
			return
		}

		if sample.Terminal() {
			g.stopPolling()
			return
		}
	}
}

func (g *GatewayAdapter) pollOnce() (StatusSample, error) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PollInterval)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/v1/calls/"+g.callRef, nil)
	if err != nil {
		return StatusSample{}, fmt.Errorf("%w: %v", ErrObservation, err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.client.Do(req)
	if err != nil {
		return StatusSample{}, fmt.Errorf("%w: %v", ErrObservation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusSample{}, fmt.Errorf("%w: status %d", ErrObservation, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return StatusSample{}, fmt.Errorf("%w: %v", ErrObservation, err)
	}

	var out struct {
		Calls []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"calls"`
	}
	if err = json.Unmarshal(raw, &out); err != nil {
		return StatusSample{}, fmt.Errorf("%w: decode: %v", ErrObservation, err)
	}

	// The bridge drops the call from its list once torn down.
	if len(out.Calls) == 0 {
		return StatusSample{Status: "TERMINATING", CallRef: g.callRef, ObservedAt: time.Now(), Raw: raw}, nil
	}
	return StatusSample{Status: out.Calls[0].Status, CallRef: g.callRef, ObservedAt: time.Now(), Raw: raw}, nil
}

// tapLoop streams G.711 media frames from the bridge's per-call media socket.
func (g *GatewayAdapter) tapLoop() {
	defer close(g.tap)

	wsURL := toWebSocketURL(g.cfg.BaseURL) + "/v1/calls/" + g.callRef + "/media"
	header := http.Header{"Authorization": {"Bearer " + g.token}}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		slog.Warn("gateway media tap unavailable", "call_ref", g.callRef, "error", err)
		return
	}
	g.tapMu.Lock()
	if g.tapClosed {
		g.tapMu.Unlock()
		conn.Close()
		return
	}
	g.tapConn = conn
	g.tapMu.Unlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case g.tap <- AudioFrame{Data: data, Codec: "g711_ulaw", SampleRate: 8000}:
		default:
			// Tap is diagnostic-rate bounded; drop rather than stall the bridge.
		}
	}
}

// Mute is supported by the bridge.
func (g *GatewayAdapter) Mute(on bool) {
	if err := g.postControl("mute", on); err != nil {
		slog.Warn("gateway mute failed", "call_ref", g.callRef, "on", on, "error", err)
	}
}

// Hold is not exposed by the bridge API.
func (g *GatewayAdapter) Hold(on bool) {
	slog.Warn("hold not supported by gateway provider", "call_ref", g.callRef, "on", on)
}

func (g *GatewayAdapter) postControl(action string, on bool) error {
	body, _ := json.Marshal(map[string]bool{"enabled": on})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/calls/"+g.callRef+"/"+action, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s status %d", action, resp.StatusCode)
	}
	return nil
}

// Hangup cancels the status poll, then asks the bridge to tear the call down.
func (g *GatewayAdapter) Hangup(ctx context.Context) error {
	g.stopPolling()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/calls/"+g.callRef+"/hangup", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHangup, err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHangup, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: status %d", ErrHangup, resp.StatusCode)
	}
	return nil
}

// Logout releases the bridge session. Safe to call from every exit path; only
// the first call does work.
func (g *GatewayAdapter) Logout(ctx context.Context) {
	g.logoutOnce.Do(func() {
		g.stopPolling()
		g.tapMu.Lock()
		g.tapClosed = true
		if g.tapConn != nil {
			g.tapConn.Close()
			g.tapConn = nil
		}
		g.tapMu.Unlock()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/logout", nil)
		if err != nil {
			slog.Warn("gateway logout", "error", err)
			return
		}
		req.Header.Set("Authorization", "Bearer "+g.token)

		resp, err := g.client.Do(req)
		if err != nil {
			slog.Warn("gateway logout", "error", err)
			return
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
	})
}

// stopPolling is idempotent; late poll results after stop are dropped.
func (g *GatewayAdapter) stopPolling() {
	g.stopOnce.Do(func() { close(g.pollStop) })
}

func toWebSocketURL(base string) string {
	switch {
	case len(base) >= 8 && base[:8] == "https://":
		return "wss://" + base[8:]
	case len(base) >= 7 && base[:7] == "http://":
		return "ws://" + base[7:]
	}
	return base
}
