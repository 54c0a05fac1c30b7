package files

import (
	"context"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"

	"mediaDownloader/internal/models"
	"mediaDownloader/internal/store"
)

// ErrNotReady is reported for jobs whose file cannot be served yet. Errors
// returned by Open that carry it also match store.ErrNotFound.
var ErrNotReady = errors.New("file not ready")

// Manager hands out completed files and removes them together with their
// job record. A file that is being streamed is never removed; removal
// requested meanwhile runs when the last reader closes.
type Manager struct {
	logger  *slog.Logger
	store   *store.Store
	storage *Storage

	mu      sync.Mutex
	leases  map[string]int
	pending mapset.Set[string]
}

func NewManager(logger *slog.Logger, st *store.Store, storage *Storage) *Manager {
	return &Manager{
		logger:  logger,
		store:   st,
		storage: storage,
		leases:  make(map[string]int),
		pending: mapset.NewThreadUnsafeSet[string](),
	}
}

// Lease is an open handle on a job's output file.
type Lease struct {
	*os.File
	Name        string
	ContentType string
	ModTime     time.Time
	Size        int64

	m    *Manager
	id   string
	once sync.Once
}

// Consume schedules the file and its job for removal once every lease on
// it has been closed. Later Open calls fail with store.ErrNotFound.
func (l *Lease) Consume() {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.m.pending.Add(l.id)
}

// Close closes the file and releases the lease.
func (l *Lease) Close() error {
	var err error
	l.once.Do(func() {
		err = l.File.Close()
		l.m.release(l.id)
	})
	return err
}

// Open returns a lease on the output of a succeeded job.
func (m *Manager) Open(id string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if m.pending.Contains(id) {
		return nil, errors.Wrapf(store.ErrNotFound, "file for job %s already consumed", id)
	}
	path, ok := job.OutputPath.Get()
	if job.State != models.StateSucceeded || !ok {
		return nil, errors.Mark(errors.Wrapf(ErrNotReady, "job %s is %s", id, job.State), store.ErrNotFound)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(store.ErrNotFound, "file for job %s", id)
		}
		return nil, errors.Wrapf(err, "open output of job %s", id)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat output of job %s", id)
	}

	m.leases[id]++
	ext := filepath.Ext(path)
	return &Lease{
		File:        f,
		Name:        id + ext,
		ContentType: contentType(ext),
		ModTime:     info.ModTime(),
		Size:        info.Size(),
		m:           m,
		id:          id,
	}, nil
}

var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4a":  "audio/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
}

func contentType(ext string) string {
	if t, ok := mediaTypes[strings.ToLower(ext)]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leases[id] > 1 {
		m.leases[id]--
		return
	}
	delete(m.leases, id)
	if m.pending.Contains(id) {
		m.pending.Remove(id)
		m.removeLocked(id)
	}
}

// Delete removes the job's files and record. It fails with
// store.ErrNotFound when the job is unknown or already scheduled for
// removal, so retries are harmless.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.Get(id); err != nil {
		return err
	}
	if m.pending.Contains(id) {
		return errors.Wrapf(store.ErrNotFound, "job %s already being removed", id)
	}
	if m.leases[id] > 0 {
		m.pending.Add(id)
		m.logger.Info("removal deferred until transfer ends", "job_id", id)
		return nil
	}
	m.removeLocked(id)
	return nil
}

// Reclaim clears a finished job so its id can be used again. Unknown ids
// are fine; active or still-streaming jobs are a conflict.
func (m *Manager) Reclaim(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !job.State.IsTerminal() {
		return errors.Wrapf(store.ErrConflict, "job %s is %s", id, job.State)
	}
	if m.leases[id] > 0 || m.pending.Contains(id) {
		return errors.Wrapf(store.ErrConflict, "file for job %s is being transferred", id)
	}
	m.removeLocked(id)
	return nil
}

// DeleteAll removes every finished job. Files being streamed are removed
// when their transfer ends. Running jobs are left alone.
func (m *Manager) DeleteAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, job := range m.store.List() {
		if !job.State.IsTerminal() || m.pending.Contains(job.ID) {
			continue
		}
		if m.leases[job.ID] > 0 {
			m.pending.Add(job.ID)
		} else {
			m.removeLocked(job.ID)
		}
		n++
	}
	return n
}

func (m *Manager) removeLocked(id string) {
	if job, err := m.store.Get(id); err == nil {
		if path, ok := job.OutputPath.Get(); ok {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				m.logger.Warn("failed to remove output", "job_id", id, "path", path, "error", err)
			}
		}
	}
	if err := m.storage.RemoveArtifacts(id); err != nil {
		m.logger.Warn("failed to remove artifacts", "job_id", id, "error", err)
	}
	_ = m.store.Delete(id)
	m.logger.Info("job removed", "job_id", id)
}

// StartCleanupLoop periodically removes finished jobs older than ttl and
// files in storage that no job owns.
func (m *Manager) StartCleanupLoop(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanup(ttl)
			}
		}
	}()
}

func (m *Manager) cleanup(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	expired := 0
	for _, job := range m.store.List() {
		if !job.State.IsTerminal() || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		if m.leases[job.ID] > 0 {
			m.pending.Add(job.ID)
			continue
		}
		m.removeLocked(job.ID)
		expired++
	}
	known := mapset.NewThreadUnsafeSet(m.store.IDs()...)
	m.mu.Unlock()

	orphans := m.storage.SweepOrphans(known, cutoff)
	if expired > 0 || orphans > 0 {
		m.logger.Info("cleanup completed", "removed_jobs", expired, "removed_orphans", orphans)
	}
}
