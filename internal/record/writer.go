package record

import (
	"log/slog"
)

type writeMsg struct {
	kind    string // "provisional", "call_ref"
	rec     Provisional
	callRef string
}

// Writer queues call-record writes behind a buffered channel so record I/O
// never sits on the dial path. All methods are nil-safe (no-op on nil
// receiver), so the engine runs unchanged with persistence disabled.
type Writer struct {
	store *Store
	ch    chan writeMsg
	done  chan struct{}
}

// NewWriter creates a writer over the store. Must call Close when done.
func NewWriter(store *Store) *Writer {
	w := &Writer{
		store: store,
		ch:    make(chan writeMsg, 64),
		done:  make(chan struct{}),
	}
	go w.drain()
	return w
}

func (w *Writer) drain() {
	defer close(w.done)
	for msg := range w.ch {
		w.handle(msg)
	}
}

func (w *Writer) handle(m writeMsg) {
	var err error
	switch m.kind {
	case "provisional":
		err = w.store.InsertProvisional(m.rec)
	case "call_ref":
		err = w.store.UpdateCallRef(m.rec.SessionID, m.callRef)
	default:
		return
	}
	if err != nil {
		slog.Warn("record write failed", "kind", m.kind, "session_id", m.rec.SessionID, "error", err)
	}
}

// Provisional queues the dial-time record write.
func (w *Writer) Provisional(rec Provisional) {
	if w == nil {
		return
	}
	w.ch <- writeMsg{kind: "provisional", rec: rec}
}

// CallRef queues the vendor call reference update.
func (w *Writer) CallRef(sessionID, callRef string) {
	if w == nil {
		return
	}
	w.ch <- writeMsg{kind: "call_ref", rec: Provisional{SessionID: sessionID}, callRef: callRef}
}

// Close drains pending writes and shuts down the background goroutine.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	close(w.ch)
	<-w.done
}
