// Package jobs runs downloads in the background, one goroutine per job.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"mediaDownloader/internal/extractor"
	"mediaDownloader/internal/files"
	"mediaDownloader/internal/format"
	"mediaDownloader/internal/models"
	"mediaDownloader/internal/store"
)

type Options struct {
	MaxConcurrent  int
	JobTimeout     time.Duration
	MergeFormat    string
	UserAgent      string
	MaxCookieBytes int64
}

// Submission is a validated-on-submit download request.
type Submission struct {
	ID      string
	URL     string
	Quality string
	Cookies []byte
}

type task struct {
	id         string
	url        string
	format     string
	cookieFile string
}

type Manager struct {
	logger    *slog.Logger
	store     *store.Store
	files     *files.Manager
	storage   *files.Storage
	extractor extractor.Extractor
	opts      Options

	sem    chan struct{}
	active mapset.Set[string]

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

func NewManager(logger *slog.Logger, st *store.Store, fm *files.Manager, storage *files.Storage, ex extractor.Extractor, opts Options) *Manager {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxCookieBytes <= 0 {
		opts.MaxCookieBytes = DefaultMaxCookieBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:    logger,
		store:     st,
		files:     fm,
		storage:   storage,
		extractor: ex,
		opts:      opts,
		sem:       make(chan struct{}, opts.MaxConcurrent),
		active:    mapset.NewSet[string](),
		cancels:   make(map[string]context.CancelFunc),
		baseCtx:   ctx,
		stop:      cancel,
	}
}

// Submit validates the request, registers a queued job and starts its
// worker. It returns as soon as the job exists.
//
// An id may be reused once its previous job has finished; the old file and
// record are discarded first. While the previous job is still queued,
// running, or its file is being streamed, Submit fails with
// store.ErrConflict.
func (m *Manager) Submit(sub Submission) (models.Job, error) {
	if err := ValidateURL(sub.URL); err != nil {
		return models.Job{}, err
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	} else if err := ValidateID(sub.ID); err != nil {
		return models.Job{}, err
	}
	if sub.Cookies != nil {
		if err := ValidateCookies(sub.Cookies, m.opts.MaxCookieBytes); err != nil {
			return models.Job{}, err
		}
	}
	if m.baseCtx.Err() != nil {
		return models.Job{}, errors.New("job manager is shutting down")
	}

	id := sub.ID
	if !m.active.Add(id) {
		return models.Job{}, errors.Wrapf(store.ErrConflict, "a worker for job %s is still running", id)
	}

	job, t, err := m.prepare(sub)
	if err != nil {
		m.active.Remove(id)
		return models.Job{}, err
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.opts.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(m.baseCtx, m.opts.JobTimeout)
	} else {
		ctx, cancel = context.WithCancel(m.baseCtx)
	}
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, t)

	m.logger.Info("job queued", "job_id", id, "url", sub.URL, "quality", sub.Quality, "format", t.format)
	return job, nil
}

func (m *Manager) prepare(sub Submission) (models.Job, task, error) {
	if err := m.files.Reclaim(sub.ID); err != nil {
		return models.Job{}, task{}, err
	}
	job, err := m.store.Create(sub.ID, strings.TrimSpace(sub.URL), sub.Quality)
	if err != nil {
		return models.Job{}, task{}, err
	}

	t := task{
		id:     sub.ID,
		url:    job.URL,
		format: format.Select(sub.Quality),
	}
	if sub.Cookies != nil {
		path, err := m.storage.WriteCookies(sub.ID, sub.Cookies)
		if err != nil {
			_ = m.store.Delete(sub.ID)
			return models.Job{}, task{}, err
		}
		t.cookieFile = path
	}
	return job, t, nil
}

// run is the worker body. Every outcome ends as job state; nothing is
// returned or thrown to the dispatcher.
func (m *Manager) run(ctx context.Context, t task) {
	defer m.wg.Done()
	defer m.active.Remove(t.id)
	defer m.forget(t.id)
	if t.cookieFile != "" {
		defer func() {
			if err := m.storage.RemoveCookies(t.id); err != nil {
				m.logger.Warn("failed to remove cookie file", "job_id", t.id, "error", err)
			}
		}()
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("worker panicked", "job_id", t.id, "panic", r)
			m.abort(t.id, fmt.Errorf("internal error: %v", r))
		}
	}()

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		m.abort(t.id, ctx.Err())
		return
	}

	if err := m.store.Start(t.id); err != nil {
		m.logger.Info("job no longer runnable", "job_id", t.id, "error", err)
		return
	}

	req := extractor.Request{
		URL:            t.url,
		Format:         t.format,
		OutputTemplate: m.storage.OutputTemplate(t.id),
		MergeFormat:    m.opts.MergeFormat,
		CookieFile:     t.cookieFile,
		UserAgent:      m.opts.UserAgent,
	}
	if err := m.extractor.Download(ctx, req, m.sink(ctx, t.id)); err != nil {
		m.abort(t.id, err)
		return
	}
	if err := ctx.Err(); err != nil {
		m.abort(t.id, err)
		return
	}

	path, err := m.storage.ResolveOutput(t.id)
	if err != nil {
		m.abort(t.id, err)
		return
	}
	if err := m.store.Complete(t.id, path); err != nil {
		m.logger.Warn("discarding output of removed job", "job_id", t.id, "error", err)
		_ = m.storage.RemoveArtifacts(t.id)
		return
	}
	m.logger.Info("download completed", "job_id", t.id, "output", path)
}

// sink maps extractor reports onto the job. Merged formats download one
// stream after another; once any stream has finished the job stays at
// "Processing..." and later stream reports are dropped.
func (m *Manager) sink(ctx context.Context, id string) extractor.ProgressSink {
	var processing atomic.Bool
	return extractor.ProgressSinkFunc(func(p extractor.Progress) {
		if ctx.Err() != nil {
			return
		}
		var err error
		switch p.Status {
		case extractor.StatusDownloading:
			if math.IsNaN(p.Percent) || processing.Load() {
				return
			}
			err = m.store.UpdateProgress(id, p.Percent, store.MessageDownloading)
		case extractor.StatusFinished:
			processing.Store(true)
			err = m.store.UpdateProgress(id, 100, store.MessageProcessing)
		}
		if err != nil {
			m.logger.Debug("progress dropped", "job_id", id, "error", err)
		}
	})
}

// abort removes partial output and records the failure.
func (m *Manager) abort(id string, cause error) {
	if err := m.storage.RemoveArtifacts(id); err != nil {
		m.logger.Warn("failed to remove partial files", "job_id", id, "error", err)
	}
	reason := "Error: " + describe(cause)
	if err := m.store.Fail(id, reason); err != nil {
		m.logger.Debug("failure not recorded", "job_id", id, "error", err)
		return
	}
	m.logger.Error("download failed", "job_id", id, "error", cause)
}

func describe(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "download timed out"
	case errors.Is(err, context.Canceled):
		return "download cancelled"
	}
	return err.Error()
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}
}

// Cancel stops the worker of a queued or running job. The job ends as
// failed.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(store.ErrNotFound, "no worker for job %s", id)
	}
	cancel()
	return nil
}

// Delete stops any worker for id and removes the job's file and record.
func (m *Manager) Delete(id string) error {
	_ = m.Cancel(id)
	return m.files.Delete(id)
}

// Running reports how many workers have not exited yet.
func (m *Manager) Running() int {
	return m.active.Cardinality()
}

// Info fetches metadata for url without downloading it.
func (m *Manager) Info(ctx context.Context, url string) (*models.Metadata, error) {
	if err := ValidateURL(url); err != nil {
		return nil, err
	}
	return m.extractor.Info(ctx, strings.TrimSpace(url), m.opts.UserAgent)
}

func (m *Manager) SupportedSites(ctx context.Context) ([]string, error) {
	return m.extractor.SupportedSites(ctx)
}

// Shutdown cancels every worker and waits for them to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
