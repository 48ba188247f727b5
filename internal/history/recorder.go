package history

import (
	"context"
	"time"

	"github.com/MimeLyc/vidgen-client/internal/jobs"
	"github.com/MimeLyc/vidgen-client/pkg/log"
)

// Recorder writes jobs to history once they reach a terminal status.
type Recorder struct {
	jobs *jobs.Store
	db   *SQLiteStore
	now  func() time.Time

	// recorded remembers what was written per job so repeated notifications
	// for an unchanged job do not hit the database.
	recorded map[string]recordKey
}

type recordKey struct {
	status jobs.Status
	output string
	errMsg string
}

func NewRecorder(store *jobs.Store, db *SQLiteStore) *Recorder {
	return &Recorder{
		jobs:     store,
		db:       db,
		now:      time.Now,
		recorded: make(map[string]recordKey),
	}
}

// Run records finished jobs until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	changed := make(chan struct{}, 1)
	unsubscribe := r.jobs.Subscribe(func(c jobs.Change) {
		if c.Kind == jobs.ChangeActive {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	r.sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			r.sync(ctx)
		}
	}
}

func (r *Recorder) sync(ctx context.Context) {
	for _, job := range r.jobs.List() {
		if !job.Status.Terminal() {
			continue
		}
		key := recordKey{status: job.Status, output: job.OutputVideoURL, errMsg: job.ErrorMessage}
		if prev, ok := r.recorded[job.ID]; ok && prev == key {
			continue
		}
		if err := r.db.Record(ctx, NewEntry(job, r.now())); err != nil {
			log.Error("Failed to record job %s in history: %v", job.ID, err)
			continue
		}
		r.recorded[job.ID] = key
		log.Debug("Recorded %s job %s in history", job.Status, job.ID)
	}
}
