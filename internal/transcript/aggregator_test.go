package transcript

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dialhouse/callengine/internal/suggest"
)

// recordingClient captures dispatched transcripts and answers with a canned
// suggestion.
type recordingClient struct {
	mu       sync.Mutex
	requests []suggest.Request
	reply    string
	err      error
	block    chan struct{} // if set, Suggest waits on it
}

func (c *recordingClient) Suggest(ctx context.Context, req suggest.Request) (string, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return c.reply, c.err
}

func (c *recordingClient) transcripts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.requests))
	for i, r := range c.requests {
		out[i] = r.Transcription
	}
	return out
}

func TestEagerDispatchOnChange(t *testing.T) {
	client := &recordingClient{reply: "say hello back"}
	agg := NewAggregator("sess-1", client, nil)

	// "hello", "hello", "hello there" → exactly two distinct dispatches.
	agg.Ingest(Fragment{Text: "hello"})
	agg.Ingest(Fragment{Text: "hello"})
	agg.Ingest(Fragment{Text: "hello there"})
	agg.Wait()

	got := client.transcripts()
	want := []string{"hello", "hello there"}
	if len(got) != len(want) {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatched %v, want %v", got, want)
		}
	}
}

// staggerClient stalls the first request longer than later ones take, so any
// unserialized dispatch would deliver them out of order.
type staggerClient struct {
	recordingClient
	firstDelay time.Duration
	seen       sync.Once
}

func (c *staggerClient) Suggest(ctx context.Context, req suggest.Request) (string, error) {
	first := false
	c.seen.Do(func() { first = true })
	if first {
		time.Sleep(c.firstDelay)
	}
	return c.recordingClient.Suggest(ctx, req)
}

func TestDispatchOrderSurvivesSlowFirstCall(t *testing.T) {
	client := &staggerClient{firstDelay: 50 * time.Millisecond}
	agg := NewAggregator("sess-1", client, nil)

	agg.Ingest(Fragment{Text: "hello"})
	agg.Ingest(Fragment{Text: "hello there"})
	agg.Wait()

	got := client.transcripts()
	want := []string{"hello", "hello there"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
}

func TestBacklogDropsInsteadOfBlocking(t *testing.T) {
	client := &recordingClient{block: make(chan struct{})}
	agg := NewAggregator("sess-1", client, nil)

	// One request stalls in the collaborator, queueDepth more fit in the
	// queue; anything beyond that is dropped, never blocked on.
	queued := 0
	for i := 0; i < queueDepth+10; i++ {
		if agg.Ingest(Fragment{Text: "utterance " + string(rune('a'+i%26)) + string(rune('0'+i/26))}) {
			queued++
		}
	}
	if queued > queueDepth+1 {
		t.Fatalf("queued %d dispatches, want at most %d", queued, queueDepth+1)
	}

	close(client.block)
	agg.Wait()
	if got := len(client.transcripts()); got != queued {
		t.Fatalf("dispatched %d, want %d", got, queued)
	}
}

func TestEmptyAndWhitespaceDiscarded(t *testing.T) {
	client := &recordingClient{}
	agg := NewAggregator("sess-1", client, nil)

	agg.Ingest(Fragment{Text: ""})
	agg.Ingest(Fragment{Text: "   "})
	agg.Wait()

	if got := client.transcripts(); len(got) != 0 {
		t.Fatalf("dispatched %v, want none", got)
	}
}

func TestRepeatAllowedAfterIntervening(t *testing.T) {
	client := &recordingClient{}
	agg := NewAggregator("sess-1", client, nil)

	agg.Ingest(Fragment{Text: "hello"})
	agg.Ingest(Fragment{Text: "goodbye"})
	agg.Ingest(Fragment{Text: "hello"})
	agg.Wait()

	got := client.transcripts()
	if len(got) != 3 {
		t.Fatalf("dispatched %v, want hello, goodbye, hello", got)
	}
}

func TestSlowCollaboratorDoesNotBlockIngestion(t *testing.T) {
	client := &recordingClient{block: make(chan struct{})}
	agg := NewAggregator("sess-1", client, nil)

	start := time.Now()
	agg.Ingest(Fragment{Text: "one"})
	agg.Ingest(Fragment{Text: "two"})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("ingestion blocked for %v while collaborator stalled", elapsed)
	}

	close(client.block)
	agg.Wait()
	if got := client.transcripts(); len(got) != 2 {
		t.Fatalf("dispatched %v, want two requests", got)
	}
}

func TestSuggestionLogOrderAndContext(t *testing.T) {
	client := &recordingClient{reply: "coach tip"}
	var notified []Suggestion
	var mu sync.Mutex
	agg := NewAggregator("sess-1", client, func(s Suggestion) {
		mu.Lock()
		notified = append(notified, s)
		mu.Unlock()
	})

	agg.Ingest(Fragment{Text: "first"})
	agg.Wait()
	agg.Ingest(Fragment{Text: "second"})
	agg.Wait()

	log := agg.Log()
	if len(log) != 2 {
		t.Fatalf("log length = %d, want 2", len(log))
	}
	mu.Lock()
	if len(notified) != 2 {
		t.Fatalf("notifications = %d, want 2", len(notified))
	}
	mu.Unlock()

	// The second dispatch carries the first exchange as prior context.
	client.mu.Lock()
	second := client.requests[1]
	client.mu.Unlock()
	if len(second.Context) != 2 {
		t.Fatalf("second request context = %+v, want user+assistant pair", second.Context)
	}
	if second.Context[0].Role != "user" || second.Context[0].Content != "first" {
		t.Errorf("context[0] = %+v", second.Context[0])
	}
	if second.Context[1].Role != "assistant" || second.Context[1].Content != "coach tip" {
		t.Errorf("context[1] = %+v", second.Context[1])
	}
}

func TestCollaboratorErrorIsSwallowed(t *testing.T) {
	client := &recordingClient{err: errors.New("boom")}
	agg := NewAggregator("sess-1", client, nil)

	agg.Ingest(Fragment{Text: "hello"})
	agg.Wait()

	if got := agg.Log(); len(got) != 0 {
		t.Fatalf("log = %v, want empty after failed dispatch", got)
	}
	// Ingestion still works after a failure.
	client.err = nil
	client.reply = "recovered"
	agg.Ingest(Fragment{Text: "again"})
	agg.Wait()
	if got := agg.Log(); len(got) != 1 || got[0].Text != "recovered" {
		t.Fatalf("log = %v, want one recovered suggestion", got)
	}
}

func TestPendingSlotReplacesNotAppends(t *testing.T) {
	agg := NewAggregator("sess-1", nil, nil)

	if got := agg.Pending(); got != nil {
		t.Fatalf("initial pending = %+v, want nil", got)
	}
	agg.Ingest(Fragment{Text: "hello"})
	agg.Ingest(Fragment{Text: "hello there"})

	got := agg.Pending()
	if got == nil || got.Text != "hello there" {
		t.Fatalf("pending = %+v, want the replacing fragment only", got)
	}
}

func TestCloseDiscardsLogAndStopsIngestion(t *testing.T) {
	client := &recordingClient{reply: "tip"}
	agg := NewAggregator("sess-1", client, nil)

	agg.Ingest(Fragment{Text: "hello"})
	agg.Wait()
	agg.Close()

	if got := agg.Log(); len(got) != 0 {
		t.Fatalf("log after close = %v, want empty", got)
	}
	if agg.Ingest(Fragment{Text: "late"}) {
		t.Fatal("ingest after close must be a no-op")
	}
}
