package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/MimeLyc/vidgen-client/pkg/log"
)

// Store is the in-memory, observable collection of jobs for one session.
// Jobs are kept newest first. Every mutation notifies subscribers
// synchronously, after the store lock is released, so a listener may read
// or mutate the store.
type Store struct {
	mu       sync.RWMutex
	jobs     []*Job
	activeID string
	version  uint64

	guard    bool
	observed map[string]*fieldTimes

	subMu     sync.RWMutex
	listeners map[uint64]Listener
	nextSub   uint64
}

type fieldTimes struct {
	status, progress, output, thumbnail, errorMessage time.Time
}

type StoreOption func(*Store)

// WithOrderingGuard drops patch fields whose ObservedAt is older than the last
// applied value of that field, so a stale poll read cannot regress a record a
// push event already advanced. Patches with a zero ObservedAt always apply.
func WithOrderingGuard() StoreOption {
	return func(s *Store) {
		s.guard = true
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		observed:  make(map[string]*fieldTimes),
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add inserts job at the front. The caller adds each submitted job once.
func (s *Store) Add(job Job) {
	s.mu.Lock()
	stored := job
	s.jobs = append([]*Job{&stored}, s.jobs...)
	change := s.nextChangeLocked(ChangeAdded, job.ID)
	s.mu.Unlock()

	s.notify(change)
}

// Update merges patch into the job with the given id. Unknown ids are ignored
// because a push event may arrive before the job is added.
func (s *Store) Update(id string, patch Patch) {
	s.mu.Lock()
	job := s.findLocked(id)
	if job == nil {
		s.mu.Unlock()
		return
	}
	if s.guard && !patch.Empty() {
		if patch = s.filterStaleLocked(id, patch); patch.Empty() {
			s.mu.Unlock()
			return
		}
	}
	applyPatch(job, patch)
	change := s.nextChangeLocked(ChangeUpdated, id)
	s.mu.Unlock()

	s.notify(change)
}

// Remove deletes the job with the given id. Unknown ids are ignored.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.jobs = append(s.jobs[:idx:idx], s.jobs[idx+1:]...)
	delete(s.observed, id)
	if s.activeID == id {
		s.activeID = ""
	}
	change := s.nextChangeLocked(ChangeRemoved, id)
	s.mu.Unlock()

	s.notify(change)
}

// Reset replaces the whole collection, keeping the given order.
func (s *Store) Reset(jobs []Job) {
	s.mu.Lock()
	s.jobs = make([]*Job, 0, len(jobs))
	for i := range jobs {
		stored := jobs[i]
		s.jobs = append(s.jobs, &stored)
	}
	s.observed = make(map[string]*fieldTimes)
	if s.activeID != "" && s.indexLocked(s.activeID) < 0 {
		s.activeID = ""
	}
	change := s.nextChangeLocked(ChangeReset, "")
	s.mu.Unlock()

	s.notify(change)
}

// SetActive selects the job shown in detail. An empty or unknown id clears it.
func (s *Store) SetActive(id string) {
	s.mu.Lock()
	if s.indexLocked(id) < 0 {
		id = ""
	}
	s.activeID = id
	change := s.nextChangeLocked(ChangeActive, id)
	s.mu.Unlock()

	s.notify(change)
}

func (s *Store) ActiveJob() (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeID == "" {
		return Job{}, false
	}
	job := s.findLocked(s.activeID)
	if job == nil {
		return Job{}, false
	}
	return *job, true
}

func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job := s.findLocked(id)
	if job == nil {
		return Job{}, false
	}
	return *job, true
}

// List returns a copy of all jobs, newest first.
func (s *Store) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		ret = append(ret, *job)
	}
	return ret
}

// Active returns the jobs whose status is queued, submitted or processing.
func (s *Store) Active() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make([]Job, 0)
	for _, job := range s.jobs {
		if job.Status.Active() {
			ret = append(ret, *job)
		}
	}
	return ret
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe registers fn for every future change. The returned func
// unregisters it and is safe to call more than once.
func (s *Store) Subscribe(fn Listener) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.listeners, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(change Change) {
	s.subMu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range listeners {
		callListener(fn, change)
	}
}

// callListener keeps a panicking subscriber from taking the store down with it.
func callListener(fn Listener, change Change) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job store listener panicked on %s %s: %v", change.Kind, change.JobID, r)
		}
	}()
	fn(change)
}

func (s *Store) nextChangeLocked(kind ChangeKind, id string) Change {
	s.version++
	return Change{Kind: kind, JobID: id, Version: s.version}
}

func (s *Store) findLocked(id string) *Job {
	if idx := s.indexLocked(id); idx >= 0 {
		return s.jobs[idx]
	}
	return nil
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, job := range s.jobs {
		if job.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) filterStaleLocked(id string, patch Patch) Patch {
	if patch.ObservedAt.IsZero() {
		return patch
	}
	times, ok := s.observed[id]
	if !ok {
		times = &fieldTimes{}
		s.observed[id] = times
	}
	at := patch.ObservedAt
	keep := func(last *time.Time) bool {
		if at.Before(*last) {
			return false
		}
		*last = at
		return true
	}
	if patch.Status != nil && !keep(&times.status) {
		patch.Status = nil
	}
	if patch.Progress != nil && !keep(&times.progress) {
		patch.Progress = nil
	}
	if patch.OutputVideoURL != nil && !keep(&times.output) {
		patch.OutputVideoURL = nil
	}
	if patch.ThumbnailURL != nil && !keep(&times.thumbnail) {
		patch.ThumbnailURL = nil
	}
	if patch.ErrorMessage != nil && !keep(&times.errorMessage) {
		patch.ErrorMessage = nil
	}
	return patch
}

func applyPatch(job *Job, patch Patch) {
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.OutputVideoURL != nil {
		job.OutputVideoURL = *patch.OutputVideoURL
	}
	if patch.ThumbnailURL != nil {
		job.ThumbnailURL = *patch.ThumbnailURL
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
}

func (c Change) String() string {
	return fmt.Sprintf("%s(%s)#%d", c.Kind, c.JobID, c.Version)
}
