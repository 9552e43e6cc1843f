// Package jobs runs the server's periodic background work.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bumpxchange/exchange-server/internal/config"
)

// Purger drops exchange state that can no longer be read.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// CleanupJob sweeps a Purger once on Start and then on every interval.
type CleanupJob struct {
	store    Purger
	interval time.Duration
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewCleanupJob(store Purger, interval time.Duration) *CleanupJob {
	ctx, cancel := context.WithCancel(context.Background())
	return &CleanupJob{
		store:    store,
		interval: interval,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (j *CleanupJob) Start() {
	j.wg.Add(1)
	go j.loop()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

// Stop cancels an in-flight sweep and waits for the loop to exit. Calling it
// again is a no-op.
func (j *CleanupJob) Stop() {
	j.once.Do(func() {
		j.cancel()
		j.wg.Wait()
		log.Info().Msg("cleanup job stopped")
	})
}

func (j *CleanupJob) loop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		j.sweep(j.ctx)

		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (j *CleanupJob) sweep(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, config.CleanupPassTimeout)
	defer cancel()

	started := time.Now()
	purged, err := j.store.PurgeExpired(ctx, j.now())
	switch {
	case err != nil && parent.Err() == nil:
		log.Error().Err(err).Msg("cleanup sweep failed")
	case purged > 0:
		log.Info().Int64("purged", purged).Dur("took", time.Since(started)).Msg("cleanup sweep")
	}
}
