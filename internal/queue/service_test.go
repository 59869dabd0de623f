package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbridgehq/chatbridge/internal/platform"
)

// These tests need a real Postgres with the schema applied. Set
// TEST_POSTGRES_DSN to run them.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func createTestTenant(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	var id string
	err := pool.QueryRow(context.Background(), `
		INSERT INTO tenants (email) VALUES ($1) RETURNING id`,
		"queue-test-"+time.Now().Format("20060102150405.000000000")+"@example.test").Scan(&id)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM tenants WHERE id = $1`, id)
	})
	return id
}

func testEvent() platform.RawEvent {
	return platform.RawEvent{
		Platform:    platform.PlatformPage,
		SenderID:    "P1",
		RecipientID: "R1",
		Timestamp:   time.Now().UTC().Truncate(time.Millisecond),
		Payload:     json.RawMessage(`{"message":{"mid":"m1","text":"hello"}}`),
	}
}

func TestEnqueueWritesEventAndTrace(t *testing.T) {
	pool := testPool(t)
	tenantID := createTestTenant(t, pool)
	svc := NewService(nil, pool, 3)
	ctx := context.Background()

	eventID, err := svc.Enqueue(ctx, testEvent(), tenantID)
	require.NoError(t, err)

	evt, err := svc.Get(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, evt.Status)
	assert.Equal(t, 0, evt.RetryCount)
	assert.Equal(t, "P1", evt.SenderID)

	traces, err := svc.Traces(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, StageReceived, traces[0].Stage)
	assert.Equal(t, TraceCompleted, traces[0].Status)
}

func TestClaimBatch(t *testing.T) {
	pool := testPool(t)
	tenantID := createTestTenant(t, pool)
	svc := NewService(nil, pool, 3)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, testEvent(), tenantID)
	require.NoError(t, err)
	second, err := svc.Enqueue(ctx, testEvent(), tenantID)
	require.NoError(t, err)

	claimed, err := svc.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, first, claimed[0].ID, "oldest event claims first")
	assert.Equal(t, StatusProcessing, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].RetryCount)

	claimed, err = svc.ClaimBatch(ctx, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "processing events are not re-claimed")
	assert.Equal(t, second, claimed[0].ID)
}

func TestCompletedEventIsNotReclaimed(t *testing.T) {
	pool := testPool(t)
	tenantID := createTestTenant(t, pool)
	svc := NewService(nil, pool, 3)
	ctx := context.Background()

	eventID, err := svc.Enqueue(ctx, testEvent(), tenantID)
	require.NoError(t, err)

	claimed, err := svc.ClaimBatch(ctx, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, svc.MarkCompleted(ctx, eventID))

	claimed, err = svc.ClaimBatch(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestReleaseExhaustsRetryBudget(t *testing.T) {
	pool := testPool(t)
	tenantID := createTestTenant(t, pool)
	svc := NewService(nil, pool, 3)
	ctx := context.Background()

	eventID, err := svc.Enqueue(ctx, testEvent(), tenantID)
	require.NoError(t, err)

	// Three claim/release cycles burn the budget.
	for i := 0; i < 2; i++ {
		claimed, err := svc.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		retriable, err := svc.Release(ctx, eventID, claimed[0].RetryCount, "upstream 503")
		require.NoError(t, err)
		assert.True(t, retriable)
	}

	claimed, err := svc.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 3, claimed[0].RetryCount)

	retriable, err := svc.Release(ctx, eventID, claimed[0].RetryCount, "upstream 503")
	require.NoError(t, err)
	assert.False(t, retriable, "budget spent, event must fail")

	evt, err := svc.Get(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, evt.Status)
	assert.Equal(t, "upstream 503", evt.Error)

	claimed, err = svc.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed, "failed events need an operator requeue")
}

func TestDeferKeepsRetryBudget(t *testing.T) {
	pool := testPool(t)
	tenantID := createTestTenant(t, pool)
	svc := NewService(nil, pool, 3)
	ctx := context.Background()

	eventID, err := svc.Enqueue(ctx, testEvent(), tenantID)
	require.NoError(t, err)
	claimed, err := svc.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].RetryCount)

	require.NoError(t, svc.Defer(ctx, eventID))
	evt, err := svc.Get(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, evt.Status)
	assert.Equal(t, 0, evt.RetryCount, "deferral undoes the claim's budget spend")

	// Defer only applies to claimed events.
	assert.ErrorIs(t, svc.Defer(ctx, eventID), ErrEventNotFound)
}

func TestHasEarlierUnfinished(t *testing.T) {
	pool := testPool(t)
	tenantID := createTestTenant(t, pool)
	svc := NewService(nil, pool, 3)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, testEvent(), tenantID)
	require.NoError(t, err)
	second, err := svc.Enqueue(ctx, testEvent(), tenantID)
	require.NoError(t, err)
	otherThread := testEvent()
	otherThread.SenderID = "P2"
	_, err = svc.Enqueue(ctx, otherThread, tenantID)
	require.NoError(t, err)

	firstEvt, err := svc.Get(ctx, first)
	require.NoError(t, err)
	secondEvt, err := svc.Get(ctx, second)
	require.NoError(t, err)

	blocked, err := svc.HasEarlierUnfinished(ctx, secondEvt)
	require.NoError(t, err)
	assert.True(t, blocked, "an older pending event for the thread blocks the newer one")

	blocked, err = svc.HasEarlierUnfinished(ctx, firstEvt)
	require.NoError(t, err)
	assert.False(t, blocked, "the oldest event is never blocked")

	require.NoError(t, svc.MarkFailed(ctx, first, "parked"))
	blocked, err = svc.HasEarlierUnfinished(ctx, secondEvt)
	require.NoError(t, err)
	assert.False(t, blocked, "terminal events do not hold the thread")
}

func TestRequeueRevivesFailedEvent(t *testing.T) {
	pool := testPool(t)
	tenantID := createTestTenant(t, pool)
	svc := NewService(nil, pool, 3)
	ctx := context.Background()

	eventID, err := svc.Enqueue(ctx, testEvent(), tenantID)
	require.NoError(t, err)
	claimed, err := svc.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, svc.MarkFailed(ctx, eventID, "permanent upstream 401"))

	require.NoError(t, svc.Requeue(ctx, eventID))
	evt, err := svc.Get(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, evt.Status)
	assert.Equal(t, 0, evt.RetryCount)

	// Requeue on a non-failed event is rejected.
	assert.ErrorIs(t, svc.Requeue(ctx, eventID), ErrEventNotFound)
}

func TestReapStale(t *testing.T) {
	pool := testPool(t)
	tenantID := createTestTenant(t, pool)
	svc := NewService(nil, pool, 3)
	ctx := context.Background()

	eventID, err := svc.Enqueue(ctx, testEvent(), tenantID)
	require.NoError(t, err)
	claimed, err := svc.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Backdate the claim so it looks abandoned.
	_, err = pool.Exec(ctx, `
		UPDATE queued_events SET last_retry_at = now() - interval '10 minutes'
		WHERE id = $1`, eventID)
	require.NoError(t, err)

	reaped, err := svc.ReapStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reaped, int64(1))

	evt, err := svc.Get(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, evt.Status)
}

func TestDeadLetterSink(t *testing.T) {
	pool := testPool(t)
	tenantID := createTestTenant(t, pool)
	svc := NewService(nil, pool, 3)
	ctx := context.Background()

	sink := svc.DeadLetters()
	id, err := sink.Add(ctx, tenantID, json.RawMessage(`{"text":"hello"}`), "ai runtime 401", map[string]any{
		"stage": "ai_called",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	letters, err := sink.List(ctx, tenantID, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "ai runtime 401", letters[0].Error)
	assert.Equal(t, "failed", letters[0].Status)
	assert.Equal(t, "ai_called", letters[0].Metadata["stage"])
}
