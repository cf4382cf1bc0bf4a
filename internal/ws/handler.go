package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dialhouse/callengine/internal/call"
	"github.com/dialhouse/callengine/internal/engine"
	"github.com/dialhouse/callengine/internal/provider"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared collaborators for all call sessions.
type HandlerConfig struct {
	Engine        engine.Config
	MaxConcurrent int
}

// Handler manages WebSocket call sessions with admission control. Each
// connection drives exactly one engine, so one client controls one call.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a WebSocket handler with shared collaborators and a
// concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// callMetadata is the first text frame sent by the client.
type callMetadata struct {
	PhoneNumber string `json:"phone_number"`
	AgentID     string `json:"agent_id"`
	Provider    string `json:"provider"`
}

// controlMessage is any subsequent text frame from the client.
type controlMessage struct {
	Action string `json:"action"` // mute, hold, end
}

// ack reports the result of a control action back to the client.
type ack struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	On     bool   `json:"on,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ServeHTTP upgrades the connection and runs the call session.
// Returns 503 at max concurrent call capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.runSession(conn)
}

func (h *Handler) runSession(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	meta, err := readMetadata(conn)
	if err != nil {
		slog.Error("read metadata", "error", err)
		return
	}
	if meta.PhoneNumber == "" {
		writeJSON(conn, &sync.Mutex{}, ack{Type: "error", Error: "phone_number required"})
		return
	}

	eng := engine.New(h.cfg.Engine)

	var writeMu sync.Mutex
	go pumpEvents(ctx, conn, &writeMu, eng)

	sessionID, err := eng.StartCall(ctx, meta.PhoneNumber, meta.AgentID, provider.Name(meta.Provider))
	if err != nil {
		writeJSON(conn, &writeMu, ack{Type: "error", Action: "dial", Error: err.Error()})
		slog.Error("dial rejected", "number", meta.PhoneNumber, "provider", meta.Provider, "error", err)
		return
	}
	slog.Info("presentation session attached", "session_id", sessionID, "agent_id", meta.AgentID)

	h.processControls(conn, &writeMu, eng)

	// The client going away must not leave a live vendor call behind.
	if err = eng.EndCall(context.Background()); err != nil && !errors.Is(err, call.ErrSessionClosed) {
		slog.Error("hangup on detach", "session_id", sessionID, "error", err)
	}
}

// processControls reads client text frames until the socket closes. The first
// frame was already consumed as callMetadata; everything after is a control
// action.
func (h *Handler) processControls(conn *websocket.Conn, writeMu *sync.Mutex, eng *engine.Engine) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("connection closed", "error", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg controlMessage
		if err = json.Unmarshal(data, &msg); err != nil {
			writeJSON(conn, writeMu, ack{Type: "error", Error: "malformed control frame"})
			continue
		}

		switch msg.Action {
		case "mute":
			on, err := eng.MuteToggle()
			h.ackControl(conn, writeMu, "mute", on, err)
		case "hold":
			on, err := eng.HoldToggle()
			h.ackControl(conn, writeMu, "hold", on, err)
		case "end":
			err := eng.EndCall(context.Background())
			h.ackControl(conn, writeMu, "end", false, err)
		default:
			writeJSON(conn, writeMu, ack{Type: "error", Action: msg.Action, Error: "unknown action"})
		}
	}
}

func (h *Handler) ackControl(conn *websocket.Conn, writeMu *sync.Mutex, action string, on bool, err error) {
	if err != nil {
		writeJSON(conn, writeMu, ack{Type: "error", Action: action, Error: err.Error()})
		return
	}
	writeJSON(conn, writeMu, ack{Type: "ack", Action: action, On: on})
}

// pumpEvents forwards engine events to the client as JSON text frames.
func pumpEvents(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, eng *engine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-eng.Events():
			writeJSON(conn, writeMu, ev)
		}
	}
}

func writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, v any) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err = conn.WriteMessage(websocket.TextMessage, jsonBytes); err != nil {
		slog.Error("write event", "error", err)
	}
}

func readMetadata(conn *websocket.Conn) (*callMetadata, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var meta callMetadata
	if err = json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
