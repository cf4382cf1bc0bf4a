package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dialhouse/callengine/internal/engine"
	"github.com/dialhouse/callengine/internal/provider"
)

type scriptedAdapter struct {
	obs chan provider.StatusSample
	tap chan provider.AudioFrame

	mutes   chan bool
	hangups chan struct{}
}

func newScriptedAdapter() *scriptedAdapter {
	return &scriptedAdapter{
		obs:     make(chan provider.StatusSample, 8),
		tap:     make(chan provider.AudioFrame, 8),
		mutes:   make(chan bool, 8),
		hangups: make(chan struct{}, 8),
	}
}

func (a *scriptedAdapter) Dial(context.Context, string) (string, error) { return "ref-42", nil }

func (a *scriptedAdapter) Observations() <-chan provider.StatusSample { return a.obs }

func (a *scriptedAdapter) AudioTap() <-chan provider.AudioFrame { return a.tap }

func (a *scriptedAdapter) Mute(on bool) { a.mutes <- on }

func (a *scriptedAdapter) Hold(bool) {}

func (a *scriptedAdapter) Hangup(context.Context) error {
	a.hangups <- struct{}{}
	return nil
}

func (a *scriptedAdapter) Logout(context.Context) {}

func (a *scriptedAdapter) Name() provider.Name { return provider.Gateway }

type frame map[string]any

func dialHandler(t *testing.T, adapter *scriptedAdapter) (*websocket.Conn, func()) {
	t.Helper()
	reg := provider.NewRegistry(map[provider.Name]provider.Factory{
		provider.Gateway: func() provider.Adapter { return adapter },
	}, provider.Gateway)

	h := NewHandler(HandlerConfig{Engine: engine.Config{Providers: reg}})
	srv := httptest.NewServer(h)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err = json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return f
}

func waitFrame(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		f := readFrame(t, conn)
		if match(f) {
			return f
		}
	}
	t.Fatal("expected frame never arrived")
	return nil
}

func TestSessionLifecycleOverSocket(t *testing.T) {
	adapter := newScriptedAdapter()
	conn, done := dialHandler(t, adapter)
	defer done()

	meta := callMetadata{PhoneNumber: "+33612345678", AgentID: "agent-7", Provider: "gateway"}
	if err := conn.WriteJSON(meta); err != nil {
		t.Fatalf("write metadata: %v", err)
	}

	waitFrame(t, conn, func(f frame) bool {
		return f["type"] == "state" && f["state"] == "initiating"
	})

	adapter.obs <- provider.StatusSample{Status: "CONNECTED", CallRef: "ref-42", ObservedAt: time.Now()}
	waitFrame(t, conn, func(f frame) bool {
		return f["type"] == "state" && f["state"] == "active"
	})

	if err := conn.WriteJSON(controlMessage{Action: "mute"}); err != nil {
		t.Fatalf("write mute: %v", err)
	}
	ackFrame := waitFrame(t, conn, func(f frame) bool { return f["type"] == "ack" })
	if ackFrame["action"] != "mute" || ackFrame["on"] != true {
		t.Fatalf("mute ack = %v", ackFrame)
	}
	select {
	case on := <-adapter.mutes:
		if !on {
			t.Fatal("adapter muted with on=false")
		}
	case <-time.After(time.Second):
		t.Fatal("adapter mute never invoked")
	}

	if err := conn.WriteJSON(controlMessage{Action: "end"}); err != nil {
		t.Fatalf("write end: %v", err)
	}
	waitFrame(t, conn, func(f frame) bool {
		return f["type"] == "state" && f["state"] == "ended"
	})
	select {
	case <-adapter.hangups:
	case <-time.After(time.Second):
		t.Fatal("adapter hangup never invoked")
	}
}

func TestMissingPhoneNumberRejected(t *testing.T) {
	adapter := newScriptedAdapter()
	conn, done := dialHandler(t, adapter)
	defer done()

	if err := conn.WriteJSON(callMetadata{AgentID: "agent-7"}); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	f := readFrame(t, conn)
	if f["type"] != "error" {
		t.Fatalf("frame = %v, want error", f)
	}
}

func TestUnknownActionGetsError(t *testing.T) {
	adapter := newScriptedAdapter()
	conn, done := dialHandler(t, adapter)
	defer done()

	meta := callMetadata{PhoneNumber: "+15551234567", AgentID: "agent-1", Provider: "gateway"}
	if err := conn.WriteJSON(meta); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if err := conn.WriteJSON(controlMessage{Action: "transfer"}); err != nil {
		t.Fatalf("write control: %v", err)
	}
	f := waitFrame(t, conn, func(f frame) bool { return f["type"] == "error" })
	if f["action"] != "transfer" {
		t.Fatalf("error frame = %v", f)
	}
}

func TestClientDisconnectHangsUp(t *testing.T) {
	adapter := newScriptedAdapter()
	conn, done := dialHandler(t, adapter)
	defer done()

	meta := callMetadata{PhoneNumber: "+15551234567", AgentID: "agent-1", Provider: "gateway"}
	if err := conn.WriteJSON(meta); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	adapter.obs <- provider.StatusSample{Status: "CONNECTED", CallRef: "ref-42", ObservedAt: time.Now()}
	waitFrame(t, conn, func(f frame) bool {
		return f["type"] == "state" && f["state"] == "active"
	})

	conn.Close()

	select {
	case <-adapter.hangups:
	case <-time.After(2 * time.Second):
		t.Fatal("hangup never sent after client disconnect")
	}
}
