// Package store keeps the process-wide table of download jobs.
//
// All access to job records goes through Store. Readers always receive
// copies, so the goroutine that owns a job is the only writer of its record.
package store

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/samber/mo"

	"mediaDownloader/internal/models"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrConflict          = errors.New("job id already in use")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

const (
	MessageQueued      = "Queued"
	MessageDownloading = "Downloading..."
	MessageProcessing  = "Processing..."
	MessageFinished    = "Finished"
)

// Listener is notified with a copy of a job after every change.
// Deleted jobs are not reported.
type Listener func(models.Job)

type Store struct {
	mu        sync.RWMutex
	jobs      map[string]*models.Job
	listeners []Listener
	now       func() time.Time
}

func New() *Store {
	return &Store{
		jobs: make(map[string]*models.Job),
		now:  time.Now,
	}
}

// Subscribe registers fn for change notifications. Listeners run on the
// goroutine that made the change and must not block.
func (s *Store) Subscribe(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Create registers a new queued job. It fails with ErrConflict while a
// job with the same id is still queued or running; a terminal job with
// the same id is replaced.
func (s *Store) Create(id, url, quality string) (models.Job, error) {
	s.mu.Lock()
	if prev, ok := s.jobs[id]; ok && !prev.State.IsTerminal() {
		s.mu.Unlock()
		return models.Job{}, errors.Wrapf(ErrConflict, "job %s is %s", id, prev.State)
	}
	now := s.now()
	job := &models.Job{
		ID:         id,
		URL:        url,
		Quality:    quality,
		State:      models.StateQueued,
		Message:    MessageQueued,
		OutputPath: mo.None[string](),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.jobs[id] = job
	clone := *job
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, clone)
	return clone, nil
}

func (s *Store) Get(id string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return *job, nil
}

// Start moves a queued job to running.
func (s *Store) Start(id string) error {
	return s.mutate(id, func(j *models.Job) error {
		if j.State != models.StateQueued {
			return errors.Wrapf(ErrInvalidTransition, "start job %s from %s", id, j.State)
		}
		j.State = models.StateRunning
		j.Message = MessageDownloading
		return nil
	})
}

// UpdateProgress records a progress report for a running job. Reports for
// jobs that are not running are dropped without error, which keeps late
// callbacks from a cancelled worker harmless. Progress is clamped to
// [0,100] and never moves backwards.
func (s *Store) UpdateProgress(id string, progress float64, message string) error {
	err := s.mutate(id, func(j *models.Job) error {
		if j.State != models.StateRunning {
			return errSkip
		}
		progress = clamp(progress)
		if progress > j.Progress {
			j.Progress = progress
		}
		if message != "" {
			j.Message = message
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	return err
}

// Complete marks a running job as succeeded with its output file.
func (s *Store) Complete(id, outputPath string) error {
	if outputPath == "" {
		return errors.Newf("complete job %s: empty output path", id)
	}
	return s.mutate(id, func(j *models.Job) error {
		if j.State != models.StateRunning {
			return errors.Wrapf(ErrInvalidTransition, "complete job %s from %s", id, j.State)
		}
		j.State = models.StateSucceeded
		j.Progress = 100
		j.Message = MessageFinished
		j.OutputPath = mo.Some(outputPath)
		return nil
	})
}

// Fail marks a queued or running job as failed.
func (s *Store) Fail(id, reason string) error {
	return s.mutate(id, func(j *models.Job) error {
		if j.State.IsTerminal() {
			return errors.Wrapf(ErrInvalidTransition, "fail job %s from %s", id, j.State)
		}
		j.State = models.StateFailed
		j.Message = reason
		j.OutputPath = mo.None[string]()
		return nil
	})
}

// Delete removes the record only. Files are left to the caller.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	delete(s.jobs, id)
	return nil
}

// List returns a snapshot of all jobs, oldest first.
func (s *Store) List() []models.Job {
	s.mu.RLock()
	jobs := lo.MapToSlice(s.jobs, func(_ string, j *models.Job) models.Job { return *j })
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// IDs returns the ids of all known jobs.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Keys(s.jobs)
}

var errSkip = errors.New("skip")

func (s *Store) mutate(id string, fn func(*models.Job) error) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err := fn(job); err != nil {
		s.mu.Unlock()
		return err
	}
	job.UpdatedAt = s.now()
	clone := *job
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, clone)
	return nil
}

func notify(listeners []Listener, job models.Job) {
	for _, fn := range listeners {
		fn(job)
	}
}

func clamp(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
