package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/vidgen-client/internal/api"
	"github.com/MimeLyc/vidgen-client/internal/config"
	"github.com/MimeLyc/vidgen-client/internal/history"
	"github.com/MimeLyc/vidgen-client/internal/jobs"
	"github.com/MimeLyc/vidgen-client/internal/poller"
	"github.com/MimeLyc/vidgen-client/internal/push"
	"github.com/MimeLyc/vidgen-client/pkg/log"
)

// syncPageSize is the largest page the jobs endpoint serves.
const syncPageSize = 100

// API is the part of the REST client the tracker uses.
type API interface {
	Submit(ctx context.Context, req api.GenerateRequest) (string, error)
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	ListJobs(ctx context.Context, opts api.ListOptions) (*api.JobList, error)
	DeleteJob(ctx context.Context, id string) error
	SetToken(token string)
}

type Options struct {
	PollInterval time.Duration
	Push         push.Options
	Dialer       push.Dialer

	// Sessions, if set, is where Login persists and 401s clear the session.
	Sessions *config.SessionStore

	// History, if set, records finished jobs and prunes them on PruneCron.
	History   *history.SQLiteStore
	Retention time.Duration
	PruneCron string
}

// Tracker keeps the job store in sync with the server through the poll loop
// and the push listener, and runs the submit, cancel and dismiss flows.
type Tracker struct {
	store    *jobs.Store
	client   API
	sessions *config.SessionStore

	poller   *poller.Poller
	listener *push.Listener
	recorder *history.Recorder
	pruner   *history.Pruner

	syncs singleflight.Group
	now   func() time.Time
}

func New(store *jobs.Store, client API, opts Options) (*Tracker, error) {
	if store == nil || client == nil {
		return nil, fmt.Errorf("store and client are required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("push dialer is required")
	}

	t := &Tracker{
		store:    store,
		client:   client,
		sessions: opts.Sessions,
		poller:   poller.New(store, client, opts.PollInterval),
		listener: push.NewListener(store, opts.Dialer, opts.Push),
		now:      time.Now,
	}

	if opts.History != nil {
		t.recorder = history.NewRecorder(store, opts.History)
		if opts.PruneCron != "" {
			pruner, err := history.NewPruner(opts.History, opts.Retention, opts.PruneCron)
			if err != nil {
				return nil, err
			}
			t.pruner = pruner
		}
	}

	if hook, ok := client.(interface{ OnUnauthorized(func()) }); ok {
		hook.OnUnauthorized(t.HandleUnauthorized)
	}
	return t, nil
}

func (t *Tracker) Store() *jobs.Store {
	return t.store
}

func (t *Tracker) Poller() *poller.Poller {
	return t.poller
}

func (t *Tracker) Listener() *push.Listener {
	return t.listener
}

// Run starts the poll loop, the push listener and, when configured, the
// history recorder and pruner. It returns once ctx is cancelled and all of
// them have stopped.
func (t *Tracker) Run(ctx context.Context) error {
	if t.sessions != nil {
		if session, err := t.sessions.Get(); err == nil {
			t.client.SetToken(session.Token)
			t.listener.Authenticate(session.UserID)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.poller.Run(ctx) })
	g.Go(func() error { return t.listener.Run(ctx) })
	if t.recorder != nil {
		g.Go(func() error { return t.recorder.Run(ctx) })
	}
	if t.pruner != nil {
		g.Go(func() error { return t.pruner.Run(ctx) })
	}
	return g.Wait()
}

// Submit validates and submits req, then adds the hydrated job to the store.
// Nothing is added when submission fails.
func (t *Tracker) Submit(ctx context.Context, req api.GenerateRequest) (jobs.Job, error) {
	id, err := t.client.Submit(ctx, req)
	if err != nil {
		return jobs.Job{}, err
	}

	detail, err := t.client.GetJob(ctx, id)
	if err != nil {
		// The job exists on the server, so track it anyway and let polling
		// fill in the rest.
		log.Warn("Submitted job %s but could not load it: %v", id, err)
		placeholder := placeholderJob(id, req, t.now())
		t.store.Add(placeholder)
		return placeholder, nil
	}

	t.store.Add(*detail)
	log.Debug("Tracking %s job %s", detail.Type, detail.ID)
	return *detail, nil
}

// Dismiss removes a job from the local queue only.
func (t *Tracker) Dismiss(id string) {
	t.store.Remove(id)
}

// Cancel deletes the job on the server, then dismisses it. A job the server
// no longer knows is dismissed as well.
func (t *Tracker) Cancel(ctx context.Context, id string) error {
	err := t.client.DeleteJob(ctx, id)
	if err != nil && !api.IsErrorType(err, api.ErrNotFound) {
		return err
	}
	t.store.Remove(id)
	return nil
}

// Sync replaces the store content with the newest page of server jobs.
// Concurrent calls share one request.
func (t *Tracker) Sync(ctx context.Context) error {
	_, err, _ := t.syncs.Do("sync", func() (any, error) {
		list, err := t.client.ListJobs(ctx, api.ListOptions{Page: 1, PageSize: syncPageSize})
		if err != nil {
			return nil, err
		}
		t.store.Reset(list.Items)
		log.Info("Synced %d of %d jobs from server", len(list.Items), list.Total)
		return nil, nil
	})
	return err
}

// Login stores the session and connects the push channel for its user.
func (t *Tracker) Login(session config.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	if t.sessions != nil {
		if _, err := t.sessions.Update(session); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
	}
	t.client.SetToken(session.Token)
	t.listener.Authenticate(session.UserID)
	return nil
}

// Logout forgets the session and disconnects the push channel. The local
// queue is kept.
func (t *Tracker) Logout() error {
	t.client.SetToken("")
	t.listener.Logout()
	if t.sessions == nil {
		return nil
	}
	if err := t.sessions.Clear(); err != nil && !errors.Is(err, config.ErrNoSession) {
		return err
	}
	return nil
}

// HandleUnauthorized runs when the server rejects the token.
func (t *Tracker) HandleUnauthorized() {
	log.Warn("Session expired, logging out")
	if err := t.Logout(); err != nil {
		log.Error("Failed to clear session: %v", err)
	}
}

func placeholderJob(id string, req api.GenerateRequest, now time.Time) jobs.Job {
	job := jobs.Job{
		ID:        id,
		Type:      req.Mode().JobType(),
		Status:    jobs.StatusQueued,
		CreatedAt: now.UTC(),
	}
	switch r := req.(type) {
	case *api.ImageToVideoRequest:
		job.Prompt, job.Provider, job.StylePreset, job.InputFileURL = r.Prompt, r.Provider, r.StylePreset, r.FileURL
	case *api.TextToVideoRequest:
		job.Prompt, job.Provider, job.StylePreset = r.Prompt, r.Provider, r.StylePreset
	case *api.VideoToAnimeRequest:
		job.Provider, job.StylePreset, job.InputFileURL = r.Provider, r.StylePreset, r.FileURL
	case *api.StoryRequest:
		job.Provider = r.Provider
	}
	return job
}
