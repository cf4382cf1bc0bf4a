package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// errNotConnected is returned by control writes issued before Dial has
// established the device session.
var errNotConnected = errors.New("device session not connected")

// DirectDialConfig configures one carrier device adapter instance.
type DirectDialConfig struct {
	DeviceURL string // ws:// or wss:// endpoint of the carrier device session
	AgentID   string
	APIKey    string
}

// DirectDialAdapter fronts the carrier-hosted WebRTC device. Unlike the SIP
// bridge there is no polling: the device pushes lifecycle events over its
// session socket, and those events become status samples as they fire. Audio
// arrives on the same socket as binary frames.
type DirectDialAdapter struct {
	cfg DirectDialConfig

	conn    *websocket.Conn
	writeMu sync.Mutex
	callRef string

	obs chan StatusSample
	tap chan AudioFrame

	codec      string
	sampleRate int

	logoutOnce sync.Once
}

// NewDirectDialAdapter creates an adapter for one dial against the carrier device.
func NewDirectDialAdapter(cfg DirectDialConfig) *DirectDialAdapter {
	return &DirectDialAdapter{
		cfg: cfg,
		obs: make(chan StatusSample, 8),
		tap: make(chan AudioFrame, 32),
	}
}

// Name implements Adapter.
func (d *DirectDialAdapter) Name() Name { return DirectDial }

// deviceEvent is a lifecycle event pushed by the carrier device.
type deviceEvent struct {
	Event      string `json:"event"` // proceeding, accept, disconnect, error
	CallID     string `json:"call_id"`
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Reason     string `json:"reason"`
}

// Dial opens the device session, requests the call, and waits for the device
// to acknowledge before handing observation to the event reader.
func (d *DirectDialAdapter) Dial(ctx context.Context, phoneNumber string) (string, error) {
	header := http.Header{"Authorization": {"Bearer " + d.cfg.APIKey}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.cfg.DeviceURL, header)
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("%w: device session status %d: %v", ErrUnavailable, resp.StatusCode, err)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	d.writeMu.Lock()
	d.conn = conn
	d.writeMu.Unlock()

	dial := map[string]string{"action": "dial", "number": phoneNumber, "agent_id": d.cfg.AgentID}
	if err = d.writeJSON(dial); err != nil {
		conn.Close()
		return "", fmt.Errorf("%w: send dial: %v", ErrUnavailable, err)
	}

	ack, err := d.readAck(ctx)
	if err != nil {
		conn.Close()
		return "", err
	}

	d.callRef = ack.CallID
	d.codec = ack.Codec
	if d.codec == "" {
		d.codec = "pcm"
	}
	d.sampleRate = ack.SampleRate
	if d.sampleRate <= 0 {
		d.sampleRate = 16000
	}

	go d.readLoop()
	return d.callRef, nil
}

// readAck waits for the device to accept or reject the dial request.
func (d *DirectDialAdapter) readAck(ctx context.Context) (*deviceEvent, error) {
	deadline := time.Now().Add(10 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	d.conn.SetReadDeadline(deadline)
	defer d.conn.SetReadDeadline(time.Time{})

	for {
		msgType, data, err := d.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: read dial ack: %v", ErrUnavailable, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var ev deviceEvent
		if err = json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: decode dial ack: %v", ErrDialRejected, err)
		}

		switch ev.Event {
		case "proceeding":
			return &ev, nil
		case "error", "disconnect":
			return nil, fmt.Errorf("%w: %s", ErrDialRejected, ev.Reason)
		}
	}
}

// readLoop turns pushed device events into status samples and binary frames
// into audio. It owns both channels and closes them when the socket dies.
func (d *DirectDialAdapter) readLoop() {
	defer close(d.obs)
	defer close(d.tap)

	for {
		msgType, data, err := d.conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			select {
			case d.tap <- AudioFrame{Data: data, Codec: d.codec, SampleRate: d.sampleRate}:
			default:
			}
		case websocket.TextMessage:
			sample, ok := decodeDeviceSample(data, d.callRef)
			if !ok {
				slog.Warn("unrecognized device event", "call_ref", d.callRef, "payload", string(data))
				continue
			}
			select {
			case d.obs <- sample:
			default:
				slog.Warn("device event dropped, observer stalled", "call_ref", d.callRef, "status", sample.Status)
			}
			if sample.Terminal() {
				return
			}
		}
	}
}

func decodeDeviceSample(data []byte, callRef string) (StatusSample, bool) {
	var ev deviceEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Event == "" {
		return StatusSample{}, false
	}
	return StatusSample{
		Status:     ev.Event,
		CallRef:    callRef,
		ObservedAt: time.Now(),
		Raw:        data,
	}, true
}

// Observations implements Adapter.
func (d *DirectDialAdapter) Observations() <-chan StatusSample { return d.obs }

// AudioTap implements Adapter.
func (d *DirectDialAdapter) AudioTap() <-chan AudioFrame { return d.tap }

// Mute toggles the device microphone.
func (d *DirectDialAdapter) Mute(on bool) {
	if err := d.writeJSON(map[string]any{"action": "mute", "enabled": on}); err != nil {
		slog.Warn("device mute failed", "call_ref", d.callRef, "on", on, "error", err)
	}
}

// Hold is not part of the carrier device capability set.
func (d *DirectDialAdapter) Hold(on bool) {
	slog.Warn("hold not supported by directdial provider", "call_ref", d.callRef, "on", on)
}

// Hangup asks the device to disconnect. The device answers with a disconnect
// event, which ends the read loop; there is no poll to cancel.
func (d *DirectDialAdapter) Hangup(ctx context.Context) error {
	if err := d.writeJSON(map[string]string{"action": "hangup"}); err != nil {
		return fmt.Errorf("%w: %v", ErrHangup, err)
	}
	return nil
}

// Logout releases the device session. Only the first call does work.
func (d *DirectDialAdapter) Logout(ctx context.Context) {
	d.logoutOnce.Do(func() {
		d.writeMu.Lock()
		conn := d.conn
		d.writeMu.Unlock()
		if conn == nil {
			return
		}
		if err := d.writeJSON(map[string]string{"action": "logout"}); err != nil {
			slog.Warn("device logout", "call_ref", d.callRef, "error", err)
		}
		d.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		d.writeMu.Unlock()
		conn.Close()
	})
}

func (d *DirectDialAdapter) writeJSON(v any) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.conn == nil {
		return errNotConnected
	}
	return d.conn.WriteJSON(v)
}
