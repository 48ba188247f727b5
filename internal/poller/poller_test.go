package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/vidgen-client/internal/jobs"
)

const testInterval = 10 * time.Millisecond

type fakeFetcher struct {
	mu     sync.Mutex
	remote map[string]jobs.Job
	fail   map[string]bool
	calls  map[string]int
	total  atomic.Int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		remote: make(map[string]jobs.Job),
		fail:   make(map[string]bool),
		calls:  make(map[string]int),
	}
}

func (f *fakeFetcher) GetJob(_ context.Context, id string) (*jobs.Job, error) {
	f.total.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if f.fail[id] {
		return nil, errors.New("connection reset")
	}
	job, ok := f.remote[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &job, nil
}

func (f *fakeFetcher) set(job jobs.Job) {
	f.mu.Lock()
	f.remote[job.ID] = job
	f.mu.Unlock()
}

func (f *fakeFetcher) setFail(id string, fail bool) {
	f.mu.Lock()
	f.fail[id] = fail
	f.mu.Unlock()
}

func (f *fakeFetcher) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func job(id string, status jobs.Status, progress int) jobs.Job {
	return jobs.Job{ID: id, Type: jobs.TypeTextToVideo, Status: status, Progress: progress}
}

func startPoller(t *testing.T, p *Poller) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("poller did not stop")
		}
	}
}

func TestPoller_UpdatesChangedJobOnce(t *testing.T) {
	store := jobs.NewStore()
	fetcher := newFakeFetcher()
	fetcher.set(job("j1", jobs.StatusProcessing, 40))

	var updates atomic.Int32
	store.Subscribe(func(c jobs.Change) {
		if c.Kind == jobs.ChangeUpdated && c.JobID == "j1" {
			updates.Add(1)
		}
	})

	p := New(store, fetcher, testInterval)
	stop := startPoller(t, p)
	defer stop()

	store.Add(job("j1", jobs.StatusQueued, 0))

	require.Eventually(t, func() bool {
		got, _ := store.Get("j1")
		return got.Status == jobs.StatusProcessing && got.Progress == 40
	}, time.Second, 5*time.Millisecond)

	ticks := p.Ticks()
	require.Eventually(t, func() bool { return p.Ticks() >= ticks+3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), updates.Load())
}

func TestPoller_CopiesAllProgressFields(t *testing.T) {
	store := jobs.NewStore()
	fetcher := newFakeFetcher()
	done := job("j1", jobs.StatusCompleted, 100)
	done.OutputVideoURL = "https://cdn/v.mp4"
	done.ThumbnailURL = "https://cdn/t.jpg"
	fetcher.set(done)

	p := New(store, fetcher, testInterval)
	stop := startPoller(t, p)
	defer stop()

	store.Add(job("j1", jobs.StatusProcessing, 90))

	require.Eventually(t, func() bool {
		got, _ := store.Get("j1")
		return got.Status == jobs.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	got, _ := store.Get("j1")
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "https://cdn/v.mp4", got.OutputVideoURL)
	assert.Equal(t, "https://cdn/t.jpg", got.ThumbnailURL)
}

func TestPoller_NoTimerWithoutActiveJobs(t *testing.T) {
	store := jobs.NewStore()
	store.Add(job("done", jobs.StatusCompleted, 100))
	store.Add(job("bad", jobs.StatusFailed, 0))
	fetcher := newFakeFetcher()

	p := New(store, fetcher, testInterval)
	stop := startPoller(t, p)
	defer stop()

	time.Sleep(20 * testInterval)
	assert.False(t, p.TimerActive())
	assert.Zero(t, fetcher.total.Load())
	assert.Zero(t, p.Ticks())
}

func TestPoller_StopsTimerWhenActiveSetEmpties(t *testing.T) {
	store := jobs.NewStore()
	fetcher := newFakeFetcher()
	fetcher.set(job("j1", jobs.StatusProcessing, 10))

	p := New(store, fetcher, testInterval)
	stop := startPoller(t, p)
	defer stop()

	store.Add(job("j1", jobs.StatusQueued, 0))
	require.Eventually(t, p.TimerActive, time.Second, 5*time.Millisecond)

	fetcher.set(job("j1", jobs.StatusCompleted, 100))
	require.Eventually(t, func() bool { return !p.TimerActive() }, time.Second, 5*time.Millisecond)

	calls := fetcher.callsFor("j1")
	time.Sleep(10 * testInterval)
	assert.Equal(t, calls, fetcher.callsFor("j1"), "terminal jobs are no longer fetched")

	store.Add(job("j2", jobs.StatusQueued, 0))
	require.Eventually(t, p.TimerActive, time.Second, 5*time.Millisecond)
}

func TestPoller_FetchErrorDoesNotAbortTick(t *testing.T) {
	store := jobs.NewStore()
	fetcher := newFakeFetcher()
	fetcher.setFail("j1", true)
	fetcher.set(job("j2", jobs.StatusProcessing, 55))

	p := New(store, fetcher, testInterval)
	stop := startPoller(t, p)
	defer stop()

	store.Add(job("j2", jobs.StatusQueued, 0))
	store.Add(job("j1", jobs.StatusQueued, 0))

	require.Eventually(t, func() bool {
		got, _ := store.Get("j2")
		return got.Progress == 55
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return fetcher.callsFor("j1") >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, p.TimerActive())

	got, _ := store.Get("j1")
	assert.Equal(t, jobs.StatusQueued, got.Status)

	fetcher.setFail("j1", false)
	fetcher.set(job("j1", jobs.StatusSubmitted, 5))
	require.Eventually(t, func() bool {
		got, _ := store.Get("j1")
		return got.Status == jobs.StatusSubmitted
	}, time.Second, 5*time.Millisecond)
}

func TestPoller_TeardownReleasesTimer(t *testing.T) {
	store := jobs.NewStore()
	fetcher := newFakeFetcher()
	fetcher.set(job("j1", jobs.StatusProcessing, 1))
	store.Add(job("j1", jobs.StatusQueued, 0))

	p := New(store, fetcher, testInterval)
	stop := startPoller(t, p)
	require.Eventually(t, p.TimerActive, time.Second, 5*time.Millisecond)

	stop()
	assert.False(t, p.TimerActive())

	calls := fetcher.total.Load()
	time.Sleep(10 * testInterval)
	assert.Equal(t, calls, fetcher.total.Load())
}
