package call

import (
	"testing"

	"github.com/dialhouse/callengine/internal/provider"
)

func sample(status string) provider.StatusSample {
	return provider.StatusSample{Status: status, CallRef: "ref-1"}
}

func TestLifecycleHappyPath(t *testing.T) {
	s := NewSession("+33612345678", "agent-7", provider.Gateway)
	ended := 0
	s.OnEnded(func(EndReason) { ended++ })

	if got := s.State(); got != Idle {
		t.Fatalf("initial state = %s, want idle", got)
	}
	if err := s.BeginDial(); err != nil {
		t.Fatalf("BeginDial: %v", err)
	}
	if got := s.State(); got != Initiating {
		t.Fatalf("after dial state = %s, want initiating", got)
	}

	if got := s.Observe(sample("CONNECTED")); got != Active {
		t.Fatalf("after CONNECTED state = %s, want active", got)
	}
	if got := s.Observe(sample("TERMINATING")); got != Ended {
		t.Fatalf("after TERMINATING state = %s, want ended", got)
	}
	if ended != 1 {
		t.Fatalf("onEnded fired %d times, want 1", ended)
	}
}

func TestNoBackwardTransitions(t *testing.T) {
	tests := []struct {
		name    string
		samples []string
	}{
		{"late connect after end", []string{"CONNECTED", "TERMINATING", "CONNECTED"}},
		{"repeated terminal", []string{"CONNECTED", "TERMINATING", "TERMINATING"}},
		{"terminal then noise", []string{"CONNECTED", "TERMINATING", "RINGING", "CONNECTED"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession("+15550100", "agent-1", provider.DirectDial)
			ended := 0
			s.OnEnded(func(EndReason) { ended++ })
			if err := s.BeginDial(); err != nil {
				t.Fatalf("BeginDial: %v", err)
			}
			for _, st := range tt.samples {
				s.Observe(sample(st))
			}
			if got := s.State(); got != Ended {
				t.Fatalf("final state = %s, want ended", got)
			}
			if ended != 1 {
				t.Fatalf("onEnded fired %d times, want exactly 1", ended)
			}
		})
	}
}

func TestAbortDialReturnsToIdle(t *testing.T) {
	s := NewSession("+15550100", "agent-1", provider.Gateway)
	if err := s.BeginDial(); err != nil {
		t.Fatalf("BeginDial: %v", err)
	}
	s.AbortDial()
	if got := s.State(); got != Idle {
		t.Fatalf("after abort state = %s, want idle", got)
	}
	if got := s.Elapsed(); got != 0 {
		t.Fatalf("after abort elapsed = %v, want 0", got)
	}
	// A fresh dial on the same session is allowed after abort.
	if err := s.BeginDial(); err != nil {
		t.Fatalf("redial after abort: %v", err)
	}
}

func TestHangupRaceWithProviderTeardown(t *testing.T) {
	s := NewSession("+15550100", "agent-1", provider.Gateway)
	var reasons []EndReason
	s.OnEnded(func(r EndReason) { reasons = append(reasons, r) })
	if err := s.BeginDial(); err != nil {
		t.Fatalf("BeginDial: %v", err)
	}
	s.Observe(sample("CONNECTED"))

	// Explicit hangup wins; the provider's terminal sample afterwards is a no-op.
	s.RequestEnd()
	s.Observe(sample("TERMINATING"))

	if len(reasons) != 1 || reasons[0] != EndHangupRequest {
		t.Fatalf("end reasons = %v, want exactly [hangup_request]", reasons)
	}
}

func TestDialOnEndedSession(t *testing.T) {
	s := NewSession("+15550100", "agent-1", provider.Gateway)
	s.OnEnded(func(EndReason) {})
	if err := s.BeginDial(); err != nil {
		t.Fatalf("BeginDial: %v", err)
	}
	s.RequestEnd()

	if err := s.BeginDial(); err != ErrSessionClosed {
		t.Fatalf("BeginDial on ended session = %v, want ErrSessionClosed", err)
	}
}

func TestTerminalWhileInitiating(t *testing.T) {
	s := NewSession("+15550100", "agent-1", provider.DirectDial)
	s.OnEnded(func(EndReason) {})
	if err := s.BeginDial(); err != nil {
		t.Fatalf("BeginDial: %v", err)
	}
	if got := s.Observe(sample("disconnect")); got != Ended {
		t.Fatalf("state after disconnect while initiating = %s, want ended", got)
	}
	if got := s.EndReason(); got != EndDisconnect {
		t.Fatalf("end reason = %s, want provider_disconnect", got)
	}
}
