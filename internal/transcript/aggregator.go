// Package transcript deduplicates transcript fragments and forwards stable
// utterances to the suggestion collaborator.
package transcript

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dialhouse/callengine/internal/metrics"
	"github.com/dialhouse/callengine/internal/suggest"
)

// Fragment is a piece of recognized speech for one session.
type Fragment struct {
	Text            string
	SourceTimestamp time.Time
	IsFinal         bool
}

// Suggestion is one AI coaching message, appended to the session's log.
type Suggestion struct {
	Text       string
	ReceivedAt time.Time
}

// SuggestionFunc is notified for each suggestion appended to the log.
type SuggestionFunc func(Suggestion)

// queueDepth bounds how many dispatches can be waiting on the collaborator.
// Transcript fragments arrive at speech rate, so the queue only fills when
// the collaborator is stalled for a long stretch.
const queueDepth = 64

// Aggregator holds at most one pending fragment per session. A new fragment
// replaces the pending one; empty or identical-to-last fragments are
// discarded. Dispatch is eager: every new distinct non-empty fragment goes to
// the suggestion collaborator as soon as it arrives, fire-and-forget with
// respect to ingestion. A single worker serializes the collaborator calls so
// requests, their prior context, and the suggestion log all keep utterance
// order.
type Aggregator struct {
	sessionID string
	client    suggest.Client
	onNew     SuggestionFunc

	mu             sync.Mutex
	pending        *Fragment
	lastDispatched string
	log            []Suggestion
	context        []suggest.TurnContext
	closed         bool

	queue    chan string
	inflight sync.WaitGroup
}

// NewAggregator creates an aggregator for one session. client may be nil, in
// which case fragments are deduplicated but nothing is dispatched.
func NewAggregator(sessionID string, client suggest.Client, onNew SuggestionFunc) *Aggregator {
	a := &Aggregator{sessionID: sessionID, client: client, onNew: onNew}
	if client != nil {
		a.queue = make(chan string, queueDepth)
		go a.worker()
	}
	return a
}

// Ingest consumes one fragment. Returns true if the fragment was queued for
// dispatch. Never blocks on the collaborator.
func (a *Aggregator) Ingest(frag Fragment) bool {
	text := strings.TrimSpace(frag.Text)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return false
	}
	if text == "" || text == a.lastDispatched {
		metrics.FragmentsDeduped.Inc()
		return false
	}

	// Replace, never append: the slot holds 0 or 1 fragment.
	frag.Text = text
	a.pending = &frag
	a.lastDispatched = text

	if a.client == nil {
		return false
	}

	a.inflight.Add(1)
	select {
	case a.queue <- text:
		return true
	default:
		a.inflight.Done()
		slog.Warn("suggestion dispatch dropped, collaborator backlogged", "session_id", a.sessionID, "text", text)
		metrics.Errors.WithLabelValues("suggest", "backlog").Inc()
		return false
	}
}

// worker drains the dispatch queue one request at a time. Serial execution
// keeps the collaborator's view of the conversation in utterance order.
func (a *Aggregator) worker() {
	for text := range a.queue {
		a.dispatch(text)
		a.inflight.Done()
	}
}

// dispatch runs one collaborator call. Failures are logged with enough detail
// to tell connectivity from server-side errors and are never surfaced to the
// call flow.
func (a *Aggregator) dispatch(text string) {
	a.mu.Lock()
	priorContext := make([]suggest.TurnContext, len(a.context))
	copy(priorContext, a.context)
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	suggestion, err := a.client.Suggest(ctx, suggest.Request{
		Transcription: text,
		CallSid:       a.sessionID,
		Context:       priorContext,
	})
	metrics.SuggestionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		suggest.LogError(a.sessionID, err)
		return
	}
	if suggestion == "" {
		return
	}

	entry := Suggestion{Text: suggestion, ReceivedAt: time.Now()}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.log = append(a.log, entry)
	a.context = append(a.context,
		suggest.TurnContext{Role: "user", Content: text},
		suggest.TurnContext{Role: "assistant", Content: suggestion},
	)
	onNew := a.onNew
	a.mu.Unlock()

	if onNew != nil {
		onNew(entry)
	}
}

// Pending returns the fragment currently in the buffer slot, or nil.
func (a *Aggregator) Pending() *Fragment {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return nil
	}
	frag := *a.pending
	return &frag
}

// Log returns a copy of the session's ordered suggestion log.
func (a *Aggregator) Log() []Suggestion {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Suggestion, len(a.log))
	copy(out, a.log)
	return out
}

// Close stops ingestion and discards the session log. Queued dispatches are
// allowed to finish but their results are dropped.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.pending = nil
	a.log = nil
	a.context = nil
	if a.queue != nil {
		close(a.queue)
	}
}

// Wait blocks until queued dispatches complete. Test hook.
func (a *Aggregator) Wait() {
	a.inflight.Wait()
}
