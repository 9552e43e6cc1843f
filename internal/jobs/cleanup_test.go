package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bumpxchange/exchange-server/internal/model"
	"github.com/bumpxchange/exchange-server/internal/repository"
)

type countingPurger struct {
	calls atomic.Int64
	err   error
}

func (p *countingPurger) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	p.calls.Add(1)
	return 3, p.err
}

func TestCleanupJob(t *testing.T) {
	t.Run("runs immediately and on every tick", func(t *testing.T) {
		purger := &countingPurger{}
		job := NewCleanupJob(purger, 10*time.Millisecond)
		job.Start()
		defer job.Stop()

		require.Eventually(t, func() bool { return purger.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	})

	t.Run("keeps running after a failed pass", func(t *testing.T) {
		purger := &countingPurger{err: errors.New("redis down")}
		job := NewCleanupJob(purger, 10*time.Millisecond)
		job.Start()
		defer job.Stop()

		require.Eventually(t, func() bool { return purger.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	})

	t.Run("stop is idempotent and halts the loop", func(t *testing.T) {
		purger := &countingPurger{}
		job := NewCleanupJob(purger, 5*time.Millisecond)
		job.Start()
		require.Eventually(t, func() bool { return purger.calls.Load() >= 1 }, time.Second, time.Millisecond)

		job.Stop()
		job.Stop()

		after := purger.calls.Load()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, after, purger.calls.Load())
	})
}

func TestCleanupJob_PurgesMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(repository.StoreOptions{
		ExpiredGrace: time.Minute,
		HitRetention: time.Minute,
	})

	created := time.UnixMilli(1_700_000_000_000)
	_, err := store.CreateSession(ctx, model.CreateSessionParams{
		ID:        "device-a",
		Token:     "token-a",
		CreatedAt: created,
		ExpiresAt: created.Add(3 * time.Minute),
	})
	require.NoError(t, err)

	job := NewCleanupJob(store, time.Hour)
	job.now = func() time.Time { return created.Add(10 * time.Minute) }
	job.sweep(ctx)

	found, err := store.FindSession(ctx, "device-a")
	require.NoError(t, err)
	assert.Nil(t, found)
}
