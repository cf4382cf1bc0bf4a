// Package call owns the authoritative call lifecycle, independent of which
// provider adapter is active.
package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dialhouse/callengine/internal/metrics"
	"github.com/dialhouse/callengine/internal/provider"
)

// State is one step of the call lifecycle.
type State int

const (
	Idle State = iota
	Initiating
	Active
	Ended // terminal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initiating:
		return "initiating"
	case Active:
		return "active"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrSessionClosed is returned for any operation on a session that already
// reached Ended.
var ErrSessionClosed = errors.New("session closed")

// EndReason records what moved a session to Ended.
type EndReason string

const (
	EndProviderStatus EndReason = "provider_status"
	EndHangupRequest  EndReason = "hangup_request"
	EndDisconnect     EndReason = "provider_disconnect"
)

// Session is the in-memory record of one call attempt. Transitions are
// monotonic: Idle → Initiating → Active → Ended, never backward, Ended at
// most once. All mutation goes through the transition methods; duration is
// observable while the call runs.
type Session struct {
	ID          string
	PhoneNumber string
	AgentID     string
	Provider    provider.Name

	mu        sync.Mutex
	state     State
	callRef   string
	startedAt time.Time
	endedAt   time.Time
	endReason EndReason

	// onEnded fires exactly once, synchronously, inside the transition to
	// Ended. The engine uses it to cancel streaming and launch persistence.
	onEnded func(EndReason)
}

// NewSession creates an Idle session for one dial attempt.
func NewSession(phoneNumber, agentID string, prov provider.Name) *Session {
	return &Session{
		ID:          uuid.NewString(),
		PhoneNumber: phoneNumber,
		AgentID:     agentID,
		Provider:    prov,
		state:       Idle,
	}
}

// OnEnded registers the one-shot hook invoked when the session reaches Ended.
// Must be set before the session can end.
func (s *Session) OnEnded(fn func(EndReason)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = fn
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CallRef returns the provider's opaque call reference, empty until dialing
// succeeded.
func (s *Session) CallRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callRef
}

// Elapsed reports time since dial, zero before Initiating, frozen after Ended.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	if s.state == Ended {
		return s.endedAt.Sub(s.startedAt)
	}
	return time.Since(s.startedAt)
}

// EndReason reports what ended the call, empty before Ended.
func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// BeginDial moves Idle → Initiating and records the dial timestamp.
func (s *Session) BeginDial() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Ended {
		return ErrSessionClosed
	}
	if s.state != Idle {
		return fmt.Errorf("dial in state %s", s.state)
	}
	s.state = Initiating
	s.startedAt = time.Now()
	metrics.StateTransitions.WithLabelValues("initiating").Inc()
	return nil
}

// AbortDial returns Initiating → Idle after a dial failure. The started
// timestamp is cleared; the error is surfaced by the caller.
func (s *Session) AbortDial() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Initiating {
		return
	}
	s.state = Idle
	s.startedAt = time.Time{}
	metrics.StateTransitions.WithLabelValues("idle").Inc()
}

// SetCallRef records the vendor call reference after a successful dial.
func (s *Session) SetCallRef(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callRef = ref
}

// Observe consumes one provider status sample and applies the transition it
// implies. Samples arriving after Ended are a silent no-op (counted for
// operability). Returns the state after the sample was applied.
func (s *Session) Observe(sample provider.StatusSample) State {
	s.mu.Lock()

	if s.state == Ended {
		s.mu.Unlock()
		metrics.LateSamplesDropped.Inc()
		return Ended
	}

	metrics.StatusSamples.WithLabelValues(string(s.Provider)).Inc()

	switch {
	case s.state == Initiating && sample.Connected():
		s.state = Active
		metrics.StateTransitions.WithLabelValues("active").Inc()
		s.mu.Unlock()
		return Active
	case sample.Terminal():
		reason := EndProviderStatus
		if sample.Status == "disconnect" || sample.Status == "DISCONNECTED" {
			reason = EndDisconnect
		}
		return s.endLocked(reason)
	}

	state := s.state
	s.mu.Unlock()
	return state
}

// RequestEnd moves the session to Ended for an explicit hangup. Whichever of
// hangup and provider teardown happens first wins; the loser is a no-op.
func (s *Session) RequestEnd() State {
	s.mu.Lock()
	if s.state == Ended {
		s.mu.Unlock()
		return Ended
	}
	return s.endLocked(EndHangupRequest)
}

// endLocked finalizes the transition to Ended and fires the one-shot hook.
// The hook runs synchronously while still holding the lock ordering of the
// transition, so nothing can observe Ended before cancellation started.
// Callers must hold s.mu; endLocked releases it.
func (s *Session) endLocked(reason EndReason) State {
	s.state = Ended
	s.endedAt = time.Now()
	s.endReason = reason
	hook := s.onEnded
	s.onEnded = nil
	metrics.StateTransitions.WithLabelValues("ended").Inc()
	if !s.startedAt.IsZero() {
		metrics.CallDuration.Observe(s.endedAt.Sub(s.startedAt).Seconds())
	}
	s.mu.Unlock()

	if hook != nil {
		hook(reason)
	}
	return Ended
}
