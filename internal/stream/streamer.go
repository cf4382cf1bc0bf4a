// Package stream carries an active call's audio to the transcription service
// and runs a local signal-level monitor alongside it.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dialhouse/callengine/internal/audio"
	"github.com/dialhouse/callengine/internal/metrics"
	"github.com/dialhouse/callengine/internal/provider"
)

const (
	streamRate     = 16000 // recognizer input rate
	connectTimeout = 10 * time.Second
)

// TranscriptFunc receives each transcript fragment pulled off the socket.
type TranscriptFunc func(text string, final bool)

// Config configures one call's streaming pipeline.
type Config struct {
	URL         string // ws:// or wss:// transcription endpoint
	APIKey      string
	Model       string
	PhoneNumber string // drives the language-autodetect hint set
	OnFragment  TranscriptFunc
}

// handshake is the first message on the transcription socket, sent before any
// audio frames.
type handshake struct {
	Config handshakeConfig `json:"config"`
}

type handshakeConfig struct {
	Encoding                   string   `json:"encoding"`
	SampleRateHertz            int      `json:"sampleRateHertz"`
	EnableAutomaticPunctuation bool     `json:"enableAutomaticPunctuation"`
	Model                      string   `json:"model"`
	AlternativeLanguageCodes   []string `json:"alternativeLanguageCodes"`
}

// inbound covers both transcript payload shapes the service emits: the direct
// form and the legacy alternatives-list form.
type inbound struct {
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"isFinal"`
	Results    []struct {
		IsFinal      bool `json:"isFinal"`
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"results"`
}

// Streamer frames an active call's audio into the transcription socket and
// feeds transcript fragments back out. One streamer serves one session.
type Streamer struct {
	cfg Config

	conn    *websocket.Conn
	writeMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// lastLevel holds the most recent frame's level (math.Float64bits of
	// RMS dB) for the monitor to sample independently of the network path.
	lastLevel atomic.Uint64
	lastPeak  atomic.Uint64
}

// New creates a streamer for one call session.
func New(cfg Config) *Streamer {
	s := &Streamer{
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.lastLevel.Store(math.Float64bits(-100))
	s.lastPeak.Store(math.Float64bits(-100))
	return s
}

// Start opens the transcription connection, performs the config handshake,
// and begins pumping the tap. Audio flows until the tap closes, Close is
// called, or ctx is cancelled.
func (s *Streamer) Start(ctx context.Context, tap <-chan provider.AudioFrame) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("transcription connect: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("transcription connect: %w", err)
	}
	s.conn = conn

	hs := handshake{Config: handshakeConfig{
		Encoding:                   "LINEAR16",
		SampleRateHertz:            streamRate,
		EnableAutomaticPunctuation: true,
		Model:                      s.cfg.Model,
		AlternativeLanguageCodes:   LanguageHints(s.cfg.PhoneNumber),
	}}
	if err = s.writeJSON(hs); err != nil {
		conn.Close()
		return fmt.Errorf("transcription handshake: %w", err)
	}

	go s.readLoop()
	go s.writeLoop(ctx, tap)
	return nil
}

// writeLoop decodes each tap frame, resamples it to the recognizer rate, and
// forwards it as LINEAR16. The per-frame level measurement feeds the monitor.
func (s *Streamer) writeLoop(ctx context.Context, tap <-chan provider.AudioFrame) {
	defer close(s.done)

	for {
		var frame provider.AudioFrame
		var ok bool
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case frame, ok = <-tap:
			if !ok {
				return
			}
		}

		samples, srcRate, err := audio.Decode(frame.Data, audio.Codec(frame.Codec), frame.SampleRate)
		if err != nil {
			slog.Warn("audio frame dropped", "error", err)
			continue
		}

		level := audio.MeasureLevel(samples)
		s.lastLevel.Store(math.Float64bits(level.RMSDB))
		s.lastPeak.Store(math.Float64bits(level.PeakDB))

		resampled := audio.Resample(samples, srcRate, streamRate)

		s.writeMu.Lock()
		err = s.conn.WriteMessage(websocket.BinaryMessage, audio.EncodePCM16(resampled))
		s.writeMu.Unlock()
		if err != nil {
			slog.Warn("transcription send failed", "error", err)
			metrics.Errors.WithLabelValues("stream", "send").Inc()
			return
		}
		metrics.AudioFrames.Inc()
	}
}

// readLoop parses transcript messages off the socket. Malformed payloads are
// logged and dropped, never fatal.
func (s *Streamer) readLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stop:
			default:
				slog.Warn("transcription read failed", "error", err)
				metrics.Errors.WithLabelValues("stream", "read").Inc()
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		text, final, ok := parseTranscript(data)
		if !ok {
			slog.Warn("malformed transcript payload dropped", "payload", truncate(string(data), 200))
			continue
		}
		if text == "" {
			continue
		}

		metrics.TranscriptFragments.Inc()
		if s.cfg.OnFragment != nil {
			s.cfg.OnFragment(text, final)
		}
	}
}

// parseTranscript extracts the first non-empty transcript from either payload
// shape.
func parseTranscript(data []byte) (string, bool, bool) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", false, false
	}
	if msg.Transcript != "" {
		return msg.Transcript, msg.IsFinal, true
	}
	for _, res := range msg.Results {
		for _, alt := range res.Alternatives {
			if alt.Transcript != "" {
				return alt.Transcript, res.IsFinal, true
			}
		}
	}
	// Valid JSON with no transcript (e.g. keepalive) is not malformed.
	return "", false, true
}

// Level returns the most recent frame's signal measurement.
func (s *Streamer) Level() audio.Level {
	return audio.Level{
		RMSDB:  math.Float64frombits(s.lastLevel.Load()),
		PeakDB: math.Float64frombits(s.lastPeak.Load()),
	}
}

// Close tears the pipeline down: stop the tap pump, then close the socket.
// Each release is attempted independently; failures are logged, not returned,
// and never block the remaining releases.
func (s *Streamer) Close() {
	s.stopOnce.Do(func() {
		releases := []struct {
			name string
			fn   func() error
		}{
			{"tap pump", func() error {
				close(s.stop)
				select {
				case <-s.done:
				case <-time.After(2 * time.Second):
					return fmt.Errorf("pump did not stop in time")
				}
				return nil
			}},
			{"transcription socket", func() error {
				if s.conn == nil {
					return nil
				}
				s.writeMu.Lock()
				s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				s.writeMu.Unlock()
				return s.conn.Close()
			}},
		}
		for _, r := range releases {
			if err := r.fn(); err != nil {
				slog.Warn("stream teardown step failed", "step", r.name, "error", err)
			}
		}
	})
}

func (s *Streamer) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
