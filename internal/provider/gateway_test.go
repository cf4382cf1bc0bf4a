package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// bridgeServer emulates the SIP bridge's control API. Status responses come
// from the script channel; when the script is empty the last status repeats.
type bridgeServer struct {
	*httptest.Server

	loginFails int32 // consumed before logins succeed
	logins     atomic.Int32
	hangups    atomic.Int32
	logouts    atomic.Int32
	polls      atomic.Int32

	status atomic.Value // string; empty means "no calls in list"
}

func newBridgeServer(t *testing.T) *bridgeServer {
	t.Helper()
	b := &bridgeServer{}
	b.status.Store("CONNECTING")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		if atomic.AddInt32(&b.loginFails, -1) >= 0 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		b.logins.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
	})
	mux.HandleFunc("POST /v1/calls", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Number string `json:"number"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Number == "" {
			http.Error(w, "no number", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"call_ref": "br-77"})
	})
	mux.HandleFunc("GET /v1/calls/{ref}", func(w http.ResponseWriter, r *http.Request) {
		b.polls.Add(1)
		status := b.status.Load().(string)
		if status == "" {
			json.NewEncoder(w).Encode(map[string]any{"calls": []any{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"calls": []map[string]string{
			{"id": r.PathValue("ref"), "status": status},
		}})
	})
	mux.HandleFunc("POST /v1/calls/{ref}/hangup", func(w http.ResponseWriter, _ *http.Request) {
		b.hangups.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/logout", func(w http.ResponseWriter, _ *http.Request) {
		b.logouts.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/calls/{ref}/media", func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x7f, 0x00, 0x80})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Server.Close)
	return b
}

func newBridgeAdapter(b *bridgeServer) *GatewayAdapter {
	return NewGatewayAdapter(GatewayConfig{
		BaseURL:      b.URL,
		AgentID:      "agent-1",
		APIKey:       "test-key",
		PollInterval: 10 * time.Millisecond,
	})
}

func TestGatewayDialPlacesCall(t *testing.T) {
	b := newBridgeServer(t)
	g := newBridgeAdapter(b)
	defer g.Logout(context.Background())

	ref, err := g.Dial(context.Background(), "+33612345678")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if ref != "br-77" {
		t.Fatalf("call ref = %q, want br-77", ref)
	}
	if b.logins.Load() != 1 {
		t.Fatalf("logins = %d, want 1", b.logins.Load())
	}
}

func TestGatewayLoginRetriesTransientFailure(t *testing.T) {
	b := newBridgeServer(t)
	atomic.StoreInt32(&b.loginFails, 2)
	g := newBridgeAdapter(b)
	defer g.Logout(context.Background())

	if _, err := g.Dial(context.Background(), "+33612345678"); err != nil {
		t.Fatalf("Dial after transient login failures: %v", err)
	}
}

func TestGatewayBadCredentialsNotRetried(t *testing.T) {
	b := newBridgeServer(t)
	g := NewGatewayAdapter(GatewayConfig{
		BaseURL:      b.URL,
		AgentID:      "agent-1",
		APIKey:       "wrong-key",
		PollInterval: 10 * time.Millisecond,
	})

	start := time.Now()
	_, err := g.Dial(context.Background(), "+33612345678")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Dial = %v, want ErrUnavailable", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("4xx login was retried instead of failing fast")
	}
}

func TestGatewayPollDeliversStatusUntilTerminal(t *testing.T) {
	b := newBridgeServer(t)
	g := newBridgeAdapter(b)
	defer g.Logout(context.Background())

	if _, err := g.Dial(context.Background(), "+33612345678"); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	first := recvSample(t, g.Observations())
	if first.Status != "CONNECTING" {
		t.Fatalf("first status = %q, want CONNECTING", first.Status)
	}

	b.status.Store("TERMINATED")
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-g.Observations():
			if !ok {
				return // terminal seen, channel closed
			}
			if s.Terminal() {
				continue
			}
		case <-deadline:
			t.Fatal("observation channel never closed after terminal status")
		}
	}
}

func TestGatewayEmptyCallListMeansTerminating(t *testing.T) {
	b := newBridgeServer(t)
	g := newBridgeAdapter(b)
	defer g.Logout(context.Background())

	if _, err := g.Dial(context.Background(), "+33612345678"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	b.status.Store("")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-g.Observations():
			if !ok {
				t.Fatal("channel closed without a TERMINATING sample")
			}
			if s.Status == "TERMINATING" {
				return
			}
		case <-deadline:
			t.Fatal("no TERMINATING sample for a dropped call")
		}
	}
}

func TestGatewayHangupStopsPolling(t *testing.T) {
	b := newBridgeServer(t)
	g := newBridgeAdapter(b)
	defer g.Logout(context.Background())

	if _, err := g.Dial(context.Background(), "+33612345678"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	recvSample(t, g.Observations())

	if err := g.Hangup(context.Background()); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if b.hangups.Load() != 1 {
		t.Fatalf("hangups = %d, want 1", b.hangups.Load())
	}

	drainClosed(t, g.Observations())

	// The vendor would still answer polls; none may be made after stop.
	settled := b.polls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := b.polls.Load(); got != settled {
		t.Fatalf("polls continued after hangup: %d -> %d", settled, got)
	}
}

func TestGatewayMediaTapDeliversAndLogoutReleases(t *testing.T) {
	b := newBridgeServer(t)
	g := newBridgeAdapter(b)

	if _, err := g.Dial(context.Background(), "+33612345678"); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case frame := <-g.AudioTap():
		if frame.Codec != "g711_ulaw" || frame.SampleRate != 8000 {
			t.Fatalf("tap frame = %+v, want g711_ulaw at 8000", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no media frame within deadline")
	}

	g.Logout(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-g.AudioTap():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("audio tap never closed after logout")
		}
	}
}

func TestGatewayLogoutIsIdempotent(t *testing.T) {
	b := newBridgeServer(t)
	g := newBridgeAdapter(b)

	if _, err := g.Dial(context.Background(), "+33612345678"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	g.Logout(context.Background())
	g.Logout(context.Background())
	if b.logouts.Load() != 1 {
		t.Fatalf("logouts = %d, want 1", b.logouts.Load())
	}
}

func recvSample(t *testing.T, obs <-chan StatusSample) StatusSample {
	t.Helper()
	select {
	case s, ok := <-obs:
		if !ok {
			t.Fatal("observation channel closed early")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no status sample within deadline")
	}
	return StatusSample{}
}

func drainClosed(t *testing.T, obs <-chan StatusSample) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-obs:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("observation channel never closed")
		}
	}
}
