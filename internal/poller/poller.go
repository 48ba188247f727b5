package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/MimeLyc/vidgen-client/internal/jobs"
	"github.com/MimeLyc/vidgen-client/pkg/log"
)

const DefaultInterval = 5 * time.Second

// JobFetcher returns the server's current view of one job.
type JobFetcher interface {
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
}

// Poller re-fetches active jobs on a fixed interval. It holds a ticker only
// while the store has at least one active job.
type Poller struct {
	store    *jobs.Store
	fetcher  JobFetcher
	interval time.Duration
	now      func() time.Time

	timerActive atomic.Bool
	ticks       atomic.Uint64
}

func New(store *jobs.Store, fetcher JobFetcher, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		store:    store,
		fetcher:  fetcher,
		interval: interval,
		now:      time.Now,
	}
}

// TimerActive reports whether a poll ticker is currently running.
func (p *Poller) TimerActive() bool {
	return p.timerActive.Load()
}

// Ticks is the number of completed poll rounds.
func (p *Poller) Ticks() uint64 {
	return p.ticks.Load()
}

// Run polls until ctx is cancelled. The ticker is released on every exit path.
func (p *Poller) Run(ctx context.Context) error {
	changed := make(chan struct{}, 1)
	unsubscribe := p.store.Subscribe(func(jobs.Change) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	var ticker *time.Ticker
	var tickC <-chan time.Time
	stop := func() {
		if ticker == nil {
			return
		}
		ticker.Stop()
		ticker = nil
		tickC = nil
		p.timerActive.Store(false)
	}
	defer stop()

	reconcile := func() {
		active := len(p.store.Active())
		switch {
		case active == 0 && ticker != nil:
			stop()
			log.Debug("Poll loop idle, no active jobs")
		case active > 0 && ticker == nil:
			ticker = time.NewTicker(p.interval)
			tickC = ticker.C
			p.timerActive.Store(true)
			log.Debug("Poll loop started for %d active jobs every %s", active, p.interval)
		}
	}
	reconcile()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			reconcile()
		case <-tickC:
			p.tick(ctx)
		}
	}
}

// tick fetches each active job one after another. A failed fetch is skipped;
// the next tick retries it.
func (p *Poller) tick(ctx context.Context) {
	defer p.ticks.Add(1)

	for _, snapshot := range p.store.Active() {
		if ctx.Err() != nil {
			return
		}
		current, ok := p.store.Get(snapshot.ID)
		if !ok || !current.Status.Active() {
			continue
		}

		observedAt := p.now()
		remote, err := p.fetcher.GetJob(ctx, snapshot.ID)
		if err != nil {
			log.Debug("Poll fetch for job %s failed: %v", snapshot.ID, err)
			continue
		}
		if remote == nil {
			continue
		}

		local, ok := p.store.Get(snapshot.ID)
		if !ok {
			continue
		}
		if remote.Status == local.Status && remote.Progress == local.Progress {
			continue
		}

		patch := jobs.Patch{ObservedAt: observedAt}.
			WithStatus(remote.Status).
			WithProgress(remote.Progress).
			WithOutputVideoURL(remote.OutputVideoURL).
			WithThumbnailURL(remote.ThumbnailURL).
			WithErrorMessage(remote.ErrorMessage)
		p.store.Update(snapshot.ID, patch)
	}
}
