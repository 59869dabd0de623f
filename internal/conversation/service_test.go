package conversation

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbridgehq/chatbridge/internal/platform"
)

func TestLockKeyIsStable(t *testing.T) {
	t.Parallel()

	a := LockKey("t1", platform.PlatformPage, "P1")
	b := LockKey("t1", platform.PlatformPage, "P1")
	assert.Equal(t, a, b)
}

func TestLockKeySeparatesThreads(t *testing.T) {
	t.Parallel()

	base := LockKey("t1", platform.PlatformPage, "P1")
	assert.NotEqual(t, base, LockKey("t2", platform.PlatformPage, "P1"))
	assert.NotEqual(t, base, LockKey("t1", platform.PlatformPhoto, "P1"))
	assert.NotEqual(t, base, LockKey("t1", platform.PlatformPage, "P2"))

	// Field boundaries matter: "t1"+"P1" must not collide with "t1P"+"1".
	assert.NotEqual(t, LockKey("t1", platform.PlatformPage, "ab"), LockKey("t1a", platform.PlatformPage, "b"))
}

// Needs a real Postgres; set TEST_POSTGRES_DSN to run.
func TestLockThreadExcludesSecondHolder(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	svc := NewService(nil, pool)
	ctx := context.Background()

	unlock, held, err := svc.LockThread(ctx, "t1", platform.PlatformPage, "P1")
	require.NoError(t, err)
	require.True(t, held)

	_, heldAgain, err := svc.LockThread(ctx, "t1", platform.PlatformPage, "P1")
	require.NoError(t, err)
	assert.False(t, heldAgain, "the lock is exclusive while held")

	unlockOther, other, err := svc.LockThread(ctx, "t1", platform.PlatformPage, "P2")
	require.NoError(t, err)
	assert.True(t, other, "a different thread locks independently")
	unlockOther()

	unlock()
	unlock2, reheld, err := svc.LockThread(ctx, "t1", platform.PlatformPage, "P1")
	require.NoError(t, err)
	assert.True(t, reheld, "unlock frees the thread")
	unlock2()
}
