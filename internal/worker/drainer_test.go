package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbridgehq/chatbridge/internal/platform"
	"github.com/chatbridgehq/chatbridge/internal/queue"
	"github.com/chatbridgehq/chatbridge/internal/runtime"
)

type claimingQueue struct {
	fakeQueue
	events []queue.Event
}

func (c *claimingQueue) ClaimBatch(_ context.Context, batchSize int) ([]queue.Event, error) {
	if batchSize > len(c.events) {
		batchSize = len(c.events)
	}
	claimed := c.events[:batchSize]
	c.events = c.events[batchSize:]
	return claimed, nil
}

func TestDrainPreservesThreadOrder(t *testing.T) {
	t.Parallel()
	f := newFixture()

	mkEvent := func(id, sender, text string) queue.Event {
		return queue.Event{
			ID:          id,
			TenantID:    "t1",
			Platform:    platform.PlatformPage,
			SenderID:    sender,
			RecipientID: "R1",
			RetryCount:  1,
			RawPayload:  json.RawMessage(`{"sender":{"id":"` + sender + `"},"recipient":{"id":"R1"},"message":{"mid":"` + id + `","text":"` + text + `"}}`),
			EventTS:     time.Now(),
		}
	}

	// Two threads, interleaved in the claim order.
	q := &claimingQueue{events: []queue.Event{
		mkEvent("e1", "P1", "first"),
		mkEvent("e2", "P2", "hello"),
		mkEvent("e3", "P1", "second"),
	}}
	f.pipeline.queue = q
	drainer := &Drainer{
		pipeline:    f.pipeline,
		queue:       q,
		logger:      slog.Default(),
		staleAfter:  time.Minute,
		maxParallel: 4,
	}

	results, err := drainer.Drain(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.True(t, res.Success, "event %s", res.EventID)
	}

	// Within the P1 thread, e1 must persist before e3.
	var p1 []string
	for _, msg := range f.conversations.messages {
		if msg.Sender == "user" {
			p1 = append(p1, msg.Content)
		}
	}
	idxFirst, idxSecond := -1, -1
	for i, content := range p1 {
		switch content {
		case "first":
			idxFirst = i
		case "second":
			idxSecond = i
		}
	}
	require.NotEqual(t, -1, idxFirst)
	require.NotEqual(t, -1, idxSecond)
	assert.Less(t, idxFirst, idxSecond)
}

// memQueue keeps real claim semantics in memory: claiming flips pending to
// processing oldest-first, deferring flips it back, and the earlier-event
// check walks enqueue order.
type memQueue struct {
	fakeQueue
	stateMu sync.Mutex
	order   []queue.Event
	state   map[string]string
}

func newMemQueue(events ...queue.Event) *memQueue {
	q := &memQueue{state: map[string]string{}}
	for _, evt := range events {
		q.order = append(q.order, evt)
		q.state[evt.ID] = "pending"
	}
	return q
}

func (q *memQueue) ClaimBatch(_ context.Context, batchSize int) ([]queue.Event, error) {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	var claimed []queue.Event
	for _, evt := range q.order {
		if len(claimed) >= batchSize {
			break
		}
		if q.state[evt.ID] == "pending" {
			q.state[evt.ID] = "processing"
			claimed = append(claimed, evt)
		}
	}
	return claimed, nil
}

func (q *memQueue) MarkCompleted(ctx context.Context, eventID string) error {
	q.stateMu.Lock()
	q.state[eventID] = "completed"
	q.stateMu.Unlock()
	return q.fakeQueue.MarkCompleted(ctx, eventID)
}

func (q *memQueue) Defer(ctx context.Context, eventID string) error {
	q.stateMu.Lock()
	q.state[eventID] = "pending"
	q.stateMu.Unlock()
	return q.fakeQueue.Defer(ctx, eventID)
}

func (q *memQueue) HasEarlierUnfinished(_ context.Context, evt queue.Event) (bool, error) {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	for _, other := range q.order {
		if other.ID == evt.ID {
			return false, nil
		}
		sameThread := other.TenantID == evt.TenantID &&
			other.Platform == evt.Platform && other.SenderID == evt.SenderID
		if sameThread && (q.state[other.ID] == "pending" || q.state[other.ID] == "processing") {
			return true, nil
		}
	}
	return false, nil
}

// blockingRuntime echoes the prompt; the call for blockOn parks until
// release closes, so a test can hold one event mid-flight.
type blockingRuntime struct {
	blockOn string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *blockingRuntime) Interact(_ context.Context, _ runtime.Binding, text string, _ map[string]any) ([]runtime.ResponseItem, error) {
	if text == r.blockOn {
		r.once.Do(func() { close(r.entered) })
		<-r.release
	}
	return []runtime.ResponseItem{{Type: runtime.ItemText, Message: "re: " + text}}, nil
}

func TestOverlappingDrainsKeepThreadOrder(t *testing.T) {
	t.Parallel()
	f := newFixture()

	rt := &blockingRuntime{
		blockOn: "first",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	f.pipeline.runtime = rt

	mkEvent := func(id, text string, at time.Time) queue.Event {
		return queue.Event{
			ID:          id,
			TenantID:    "t1",
			Platform:    platform.PlatformPage,
			SenderID:    "P1",
			RecipientID: "R1",
			RetryCount:  1,
			RawPayload:  json.RawMessage(`{"sender":{"id":"P1"},"recipient":{"id":"R1"},"message":{"mid":"` + id + `","text":"` + text + `"}}`),
			EventTS:     at,
			CreatedAt:   at,
		}
	}
	base := time.Now()
	q := newMemQueue(
		mkEvent("e1", "first", base),
		mkEvent("e2", "second", base.Add(time.Millisecond)),
	)
	f.pipeline.queue = q
	drainer := &Drainer{
		pipeline:    f.pipeline,
		queue:       q,
		logger:      slog.Default(),
		staleAfter:  time.Minute,
		maxParallel: 4,
	}

	// First pass claims the older event and parks inside the runtime call
	// with the thread lock held.
	done := make(chan struct{})
	go func() {
		defer close(done)
		results, err := drainer.Drain(context.Background(), 1)
		assert.NoError(t, err)
		assert.Len(t, results, 1)
	}()
	<-rt.entered

	// A second pass overlaps it and claims the newer event for the same
	// thread. It must defer, not reply ahead of the parked one.
	results, err := drainer.Drain(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "deferred", results[0].Status)
	assert.Equal(t, []string{"e2"}, q.deferred)
	assert.Empty(t, f.sender.sent)

	close(rt.release)
	<-done
	assert.Equal(t, []string{"re: first"}, f.sender.sent)

	// The deferred event goes out on the next pass, in enqueue order.
	results, err = drainer.Drain(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, []string{"re: first", "re: second"}, f.sender.sent)
}

func TestDrainEmptyQueue(t *testing.T) {
	t.Parallel()
	f := newFixture()

	q := &claimingQueue{}
	drainer := &Drainer{
		pipeline:    f.pipeline,
		queue:       q,
		logger:      slog.Default(),
		staleAfter:  time.Minute,
		maxParallel: 4,
	}

	results, err := drainer.Drain(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
