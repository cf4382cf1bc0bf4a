// Package provider normalizes heterogeneous telephony vendors behind one
// capability set: dial, mute, hold, hangup, observe, logout.
package provider

import (
	"context"
	"errors"
	"time"
)

// Name identifies a telephony backend.
type Name string

const (
	DirectDial Name = "directdial"
	Gateway    Name = "gateway"
)

var (
	// ErrUnavailable means the vendor could not be reached or refused login.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrDialRejected means the vendor reached but refused the dial.
	ErrDialRejected = errors.New("dial rejected")
	// ErrObservation means a status observation attempt failed.
	ErrObservation = errors.New("observation failed")
	// ErrHangup means the vendor-side hangup failed.
	ErrHangup = errors.New("hangup failed")
)

// StatusSample is a point-in-time vendor view of the call. Consumed once by
// the state machine to decide a transition, then discarded.
type StatusSample struct {
	Status     string
	CallRef    string
	ObservedAt time.Time
	Raw        []byte
}

// Connected reports whether the sample indicates an established call.
func (s StatusSample) Connected() bool {
	switch s.Status {
	case "CONNECTED", "ANSWERED", "accept":
		return true
	}
	return false
}

// Terminal reports whether the sample indicates call teardown.
func (s StatusSample) Terminal() bool {
	switch s.Status {
	case "TERMINATING", "TERMINATED", "DISCONNECTED", "disconnect":
		return true
	}
	return false
}

// AudioFrame is one chunk of call audio as delivered by the vendor tap.
type AudioFrame struct {
	Data       []byte
	Codec      string // "pcm", "g711_ulaw", "g711_alaw"
	SampleRate int
}

// Adapter is one vendor normalized to the engine's lifecycle. An adapter
// instance belongs to exactly one call session and is never reused: a fresh
// adapter (and vendor login where required) is created per dial.
type Adapter interface {
	// Dial places the call and returns the vendor's opaque call reference.
	// Fails with ErrUnavailable or ErrDialRejected.
	Dial(ctx context.Context, phoneNumber string) (string, error)

	// Observations delivers vendor status samples (pushed events for
	// DirectDial, scheduled poll results for Gateway). The channel closes
	// when observation stops.
	Observations() <-chan StatusSample

	// AudioTap delivers the call's audio. Nil until Dial succeeds.
	AudioTap() <-chan AudioFrame

	// Mute and Hold are logged-warning no-ops where the vendor lacks the
	// capability.
	Mute(on bool)
	Hold(on bool)

	// Hangup tears the call down. Any outstanding observation poll is
	// cancelled before Hangup returns.
	Hangup(ctx context.Context) error

	// Logout releases vendor-side session resources. Called exactly once
	// per dial, on every exit path. Idempotent.
	Logout(ctx context.Context)

	// Name reports which vendor this adapter fronts.
	Name() Name
}

// Factory builds a fresh adapter for one dial.
type Factory func() Adapter
