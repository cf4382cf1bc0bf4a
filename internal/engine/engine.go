// Package engine wires provider, state machine, streaming, transcripts and
// persistence together for one call at a time and exposes the control surface
// used by the presentation layer.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dialhouse/callengine/internal/audio"
	"github.com/dialhouse/callengine/internal/call"
	"github.com/dialhouse/callengine/internal/metrics"
	"github.com/dialhouse/callengine/internal/postcall"
	"github.com/dialhouse/callengine/internal/provider"
	"github.com/dialhouse/callengine/internal/record"
	"github.com/dialhouse/callengine/internal/stream"
	"github.com/dialhouse/callengine/internal/suggest"
	"github.com/dialhouse/callengine/internal/transcript"
)

// ErrCallInProgress is returned when a dial is requested while a session is
// already live.
var ErrCallInProgress = errors.New("call already in progress")

// Event is pushed to the presentation layer as the session evolves.
type Event struct {
	Type           string  `json:"type"` // state, suggestion, level, duration
	SessionID      string  `json:"session_id,omitempty"`
	State          string  `json:"state,omitempty"`
	Suggestion     string  `json:"suggestion,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`
	RMSDB          float64 `json:"rms_db,omitempty"`
	PeakDB         float64 `json:"peak_db,omitempty"`
}

// Config holds the shared collaborators an engine needs per call.
type Config struct {
	Providers *provider.Registry
	Suggest   suggest.Client // nil disables coaching

	StreamURL    string // transcription socket endpoint; empty disables streaming
	StreamAPIKey string
	StreamModel  string

	Workflow *postcall.Workflow // nil disables post-call persistence
	Records  *record.Writer     // nil-safe

	MonitorInterval time.Duration
}

// session bundles everything owned by one dial attempt. A fresh bundle is
// built per call; the generation number gates callbacks from earlier bundles.
type session struct {
	gen     uint64
	sess    *call.Session
	adapter provider.Adapter

	// resMu guards the streaming resources and the ended flag. The pipeline
	// comes up from the observe goroutine while teardown can fire from a
	// control goroutine; the handover happens under this lock.
	resMu    sync.Mutex
	ended    bool
	streamer *stream.Streamer
	monitor  *stream.Monitor
	agg      *transcript.Aggregator

	muted    bool
	held     bool
	tickStop chan struct{}
	tickOnce sync.Once

	// endRequested is set before the provider hangup so a poll channel
	// closing during teardown is not mistaken for a vendor disconnect.
	endRequested atomic.Bool
}

// Engine runs one call session at a time.
type Engine struct {
	cfg Config

	mu  sync.Mutex
	gen uint64
	cur *session

	events chan Event
}

// New creates an engine with the given collaborators.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		events: make(chan Event, 64),
	}
}

// Events is the stream the presentation layer renders from.
func (e *Engine) Events() <-chan Event { return e.events }

// emit pushes best-effort; a stalled presentation consumer never stalls the call.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// StartCall dials phoneNumber through the named provider. Dial failures are
// surfaced synchronously and leave the engine Idle; nothing downstream is
// started.
func (e *Engine) StartCall(ctx context.Context, phoneNumber, agentID string, prov provider.Name) (string, error) {
	e.mu.Lock()
	if e.cur != nil && e.cur.sess.State() != call.Ended {
		e.mu.Unlock()
		return "", ErrCallInProgress
	}
	e.gen++
	gen := e.gen

	adapter, err := e.cfg.Providers.New(prov)
	if err != nil {
		e.mu.Unlock()
		metrics.DialFailures.WithLabelValues(string(prov), "no_provider").Inc()
		return "", err
	}

	sess := call.NewSession(phoneNumber, agentID, adapter.Name())
	cur := &session{gen: gen, sess: sess, adapter: adapter, tickStop: make(chan struct{})}
	e.cur = cur
	e.mu.Unlock()

	if err = sess.BeginDial(); err != nil {
		return "", err
	}
	metrics.CallsTotal.WithLabelValues(string(adapter.Name())).Inc()
	e.emit(Event{Type: "state", SessionID: sess.ID, State: call.Initiating.String()})

	e.cfg.Records.Provisional(record.Provisional{
		SessionID:   sess.ID,
		AgentID:     agentID,
		PhoneNumber: phoneNumber,
		Provider:    string(adapter.Name()),
		StartedAt:   time.Now(),
	})

	callRef, err := adapter.Dial(ctx, phoneNumber)
	if err != nil {
		sess.AbortDial()
		adapter.Logout(context.Background())
		e.mu.Lock()
		if e.cur == cur {
			e.cur = nil
		}
		e.mu.Unlock()
		metrics.DialFailures.WithLabelValues(string(adapter.Name()), dialFailureReason(err)).Inc()
		e.emit(Event{Type: "state", SessionID: sess.ID, State: call.Idle.String()})
		slog.Error("dial failed", "session_id", sess.ID, "provider", adapter.Name(), "number", phoneNumber, "error", err)
		return "", err
	}

	sess.SetCallRef(callRef)
	e.cfg.Records.CallRef(sess.ID, callRef)

	sess.OnEnded(func(reason call.EndReason) { e.onEnded(cur, reason) })

	metrics.CallsActive.Inc()
	slog.Info("call started", "session_id", sess.ID, "provider", adapter.Name(), "call_ref", callRef, "number", phoneNumber)

	go e.observeLoop(cur)
	return sess.ID, nil
}

func dialFailureReason(err error) string {
	switch {
	case errors.Is(err, provider.ErrDialRejected):
		return "rejected"
	case errors.Is(err, provider.ErrUnavailable):
		return "unavailable"
	}
	return "other"
}

// observeLoop consumes the adapter's status samples and drives the state
// machine. A closed observation channel on a live session counts as a
// provider disconnect.
func (e *Engine) observeLoop(cur *session) {
	wasActive := false
	for sample := range cur.adapter.Observations() {
		if !e.isCurrent(cur.gen) {
			metrics.LateSamplesDropped.Inc()
			continue
		}

		state := cur.sess.Observe(sample)
		switch {
		case state == call.Active && !wasActive:
			wasActive = true
			e.emit(Event{Type: "state", SessionID: cur.sess.ID, State: state.String()})
			e.startStreaming(cur)
			e.startDurationTicker(cur)
		case state == call.Ended:
			return
		}
	}

	if e.isCurrent(cur.gen) && !cur.endRequested.Load() && cur.sess.State() != call.Ended {
		slog.Warn("provider observation ended unexpectedly", "session_id", cur.sess.ID)
		cur.sess.Observe(provider.StatusSample{Status: "DISCONNECTED", CallRef: cur.sess.CallRef(), ObservedAt: time.Now()})
	}
}

func (e *Engine) isCurrent(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == gen
}

// startStreaming brings up the transcription pipeline and the level monitor.
// A streaming failure degrades the call: control and audio continue without
// transcription.
func (e *Engine) startStreaming(cur *session) {
	if e.cfg.StreamURL == "" {
		return
	}

	agg := transcript.NewAggregator(cur.sess.ID, e.cfg.Suggest, func(s transcript.Suggestion) {
		e.emit(Event{Type: "suggestion", SessionID: cur.sess.ID, Suggestion: s.Text})
	})

	streamer := stream.New(stream.Config{
		URL:         e.cfg.StreamURL,
		APIKey:      e.cfg.StreamAPIKey,
		Model:       e.cfg.StreamModel,
		PhoneNumber: cur.sess.PhoneNumber,
		OnFragment: func(text string, final bool) {
			agg.Ingest(transcript.Fragment{Text: text, SourceTimestamp: time.Now(), IsFinal: final})
		},
	})

	if err := streamer.Start(context.Background(), cur.adapter.AudioTap()); err != nil {
		metrics.Errors.WithLabelValues("stream", "connect").Inc()
		slog.Error("transcription streaming unavailable, continuing without it", "session_id", cur.sess.ID, "error", err)
		agg.Close()
		return
	}

	monitor := stream.NewMonitor(e.cfg.MonitorInterval, streamer.Level, func(l audio.Level) {
		e.emit(Event{Type: "level", SessionID: cur.sess.ID, RMSDB: l.RMSDB, PeakDB: l.PeakDB})
	})

	// The session may have ended while the streamer connected. Hand the
	// resources over only on a live session; otherwise tear them down here,
	// since onEnded has already run and will not see them.
	cur.resMu.Lock()
	if cur.ended {
		cur.resMu.Unlock()
		streamer.Close()
		agg.Close()
		return
	}
	cur.agg = agg
	cur.streamer = streamer
	cur.monitor = monitor
	cur.resMu.Unlock()

	monitor.Start()
}

// startDurationTicker emits elapsed time once a second while the call runs.
func (e *Engine) startDurationTicker(cur *session) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-cur.tickStop:
				return
			case <-ticker.C:
				e.emit(Event{Type: "duration", SessionID: cur.sess.ID, ElapsedSeconds: cur.sess.Elapsed().Seconds()})
			}
		}
	}()
}

// onEnded fires exactly once per session, synchronously from the transition
// into Ended. It cancels the streaming pipeline, releases the provider, and
// launches the persistence workflow.
func (e *Engine) onEnded(cur *session, reason call.EndReason) {
	cur.tickOnce.Do(func() { close(cur.tickStop) })

	cur.resMu.Lock()
	cur.ended = true
	monitor, streamer, agg := cur.monitor, cur.streamer, cur.agg
	cur.monitor, cur.streamer = nil, nil
	cur.resMu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if streamer != nil {
		streamer.Close()
	}
	if agg != nil {
		agg.Close()
	}

	metrics.CallsActive.Dec()
	e.emit(Event{Type: "state", SessionID: cur.sess.ID, State: call.Ended.String()})
	slog.Info("call ended", "session_id", cur.sess.ID, "reason", string(reason), "elapsed_s", cur.sess.Elapsed().Seconds())

	go func() {
		// Logout exactly once per dial; the adapter makes it idempotent.
		cur.adapter.Logout(context.Background())

		if e.cfg.Workflow == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		// Persistence failure is non-fatal to the call flow; the workflow
		// already logged which step failed.
		_ = e.cfg.Workflow.Run(ctx, postcall.Job{
			SessionID:       cur.sess.ID,
			AgentID:         cur.sess.AgentID,
			PhoneNumber:     cur.sess.PhoneNumber,
			CallRef:         cur.sess.CallRef(),
			DurationSeconds: int(cur.sess.Elapsed().Seconds()),
		})
	}()
}

// EndCall hangs the current call up. The session moves to Ended even when the
// vendor-side hangup fails; the error is still reported.
func (e *Engine) EndCall(ctx context.Context) error {
	cur, err := e.live()
	if err != nil {
		return err
	}

	cur.endRequested.Store(true)
	hangupErr := cur.adapter.Hangup(ctx)
	cur.sess.RequestEnd()

	if hangupErr != nil {
		metrics.Errors.WithLabelValues("provider", "hangup").Inc()
		slog.Error("hangup failed", "session_id", cur.sess.ID, "error", hangupErr)
	}
	return hangupErr
}

// MuteToggle flips the microphone state. Returns the new muted state.
func (e *Engine) MuteToggle() (bool, error) {
	cur, err := e.live()
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	cur.muted = !cur.muted
	muted := cur.muted
	e.mu.Unlock()
	cur.adapter.Mute(muted)
	return muted, nil
}

// HoldToggle flips the hold state. Returns the new held state.
func (e *Engine) HoldToggle() (bool, error) {
	cur, err := e.live()
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	cur.held = !cur.held
	held := cur.held
	e.mu.Unlock()
	cur.adapter.Hold(held)
	return held, nil
}

// live returns the current session if it can still accept control calls.
func (e *Engine) live() (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return nil, call.ErrSessionClosed
	}
	if e.cur.sess.State() == call.Ended {
		return nil, call.ErrSessionClosed
	}
	return e.cur, nil
}

// State reports the current session state, Idle when no call was ever placed.
func (e *Engine) State() call.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return call.Idle
	}
	return e.cur.sess.State()
}

// Elapsed reports the current session's elapsed duration.
func (e *Engine) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return 0
	}
	return e.cur.sess.Elapsed()
}

// Suggestions returns the current session's ordered AI-suggestion log.
func (e *Engine) Suggestions() []transcript.Suggestion {
	e.mu.Lock()
	cur := e.cur
	e.mu.Unlock()
	if cur == nil {
		return nil
	}
	cur.resMu.Lock()
	agg := cur.agg
	cur.resMu.Unlock()
	if agg == nil {
		return nil
	}
	return agg.Log()
}
