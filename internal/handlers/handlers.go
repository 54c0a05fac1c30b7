package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/a-h/templ"
	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"mediaDownloader/internal/files"
	"mediaDownloader/internal/format"
	"mediaDownloader/internal/jobs"
	"mediaDownloader/internal/models"
	"mediaDownloader/internal/store"
	"mediaDownloader/templates"
)

// multipart overhead allowed on top of the cookie file itself
const formSlack = 64 * 1024

type Options struct {
	DeleteAfterServe bool
	MaxCookieBytes   int64
}

type App struct {
	logger *slog.Logger

	router *chi.Mux
	store  *store.Store
	jobs   *jobs.Manager
	files  *files.Manager
	opts   Options

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}

	upgrader websocket.Upgrader
}

// wsWriteWait bounds a single websocket write so a stalled client cannot
// hold up the download that reports to it.
const wsWriteWait = 10 * time.Second

type subscriber struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	writeWait time.Duration
}

func (s *subscriber) send(evt models.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(evt)
}

func NewApp(logger *slog.Logger, st *store.Store, jm *jobs.Manager, fm *files.Manager, opts Options) *App {
	if opts.MaxCookieBytes <= 0 {
		opts.MaxCookieBytes = jobs.DefaultMaxCookieBytes
	}

	app := &App{
		logger: logger,
		router: chi.NewRouter(),
		store:  st,
		jobs:   jm,
		files:  fm,
		opts:   opts,
		subs:   make(map[string]map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	st.Subscribe(func(j models.Job) { app.broadcast(j.ID, progressEvent(j)) })
	app.registerRoutes()
	return app
}

func (a *App) Router() http.Handler {
	return a.router
}

func (a *App) registerRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Timeout(45 * time.Minute))
	a.router.Use(a.corsMiddleware)

	a.router.Get("/", a.index)
	a.router.Get("/download", a.download)
	a.router.Post("/download", a.download)
	a.router.Get("/progress", a.status)
	a.router.Get("/status", a.status)
	a.router.Get("/file", a.file)
	a.router.Delete("/file", a.deleteFile)
	a.router.Get("/delete/{id}", a.deleteFile)
	a.router.Get("/delete_all", a.deleteAll)
	a.router.Get("/list", a.list)
	a.router.Get("/supported_sites", a.supportedSites)
	a.router.Get("/info", a.info)
	a.router.Get("/ws/{id}", a.jobWS)
	a.router.Get("/healthz", a.health)
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"running":   a.jobs.Running(),
	})
}

func (a *App) index(w http.ResponseWriter, r *http.Request) {
	a.render(w, r, templates.IndexPage(a.store.List(), format.Labels()))
}

func (a *App) download(w http.ResponseWriter, r *http.Request) {
	cookies, err := a.readCookies(w, r)
	if err != nil {
		a.respondError(w, err)
		return
	}

	quality := r.FormValue("quality")
	if strings.TrimSpace(quality) == "" {
		quality = format.Fallback
	}

	job, err := a.jobs.Submit(jobs.Submission{
		ID:      strings.TrimSpace(r.FormValue("id")),
		URL:     r.FormValue("url"),
		Quality: quality,
		Cookies: cookies,
	})
	if err != nil {
		a.respondError(w, err)
		return
	}

	a.respondJSON(w, http.StatusAccepted, map[string]string{
		"download_id": job.ID,
		"message":     "Download started",
	})
}

// readCookies returns the uploaded cookie file, or nil when none was sent.
func (a *App) readCookies(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return nil, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxCookieBytes+formSlack)
	if err := r.ParseMultipartForm(a.opts.MaxCookieBytes + formSlack); err != nil {
		return nil, errors.Wrapf(jobs.ErrValidation, "invalid multipart upload: %v", err)
	}

	file, header, err := r.FormFile("cookies")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(jobs.ErrValidation, "invalid cookie upload: %v", err)
	}
	defer file.Close()

	if header.Size > a.opts.MaxCookieBytes {
		return nil, errors.Wrapf(jobs.ErrValidation, "cookie file exceeds %d bytes", a.opts.MaxCookieBytes)
	}
	data, err := io.ReadAll(io.LimitReader(file, a.opts.MaxCookieBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "read cookie upload")
	}
	return data, nil
}

func (a *App) status(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		a.respondError(w, errors.Wrap(jobs.ErrValidation, "id is required"))
		return
	}
	job, err := a.store.Get(id)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, newJobView(job))
}

func (a *App) file(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	lease, err := a.files.Open(id)
	if err != nil {
		a.respondError(w, err)
		return
	}
	defer lease.Close()

	w.Header().Set("Content-Type", lease.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", lease.Name))
	cw := &countingWriter{ResponseWriter: w}
	http.ServeContent(cw, r, lease.Name, lease.ModTime, lease)

	// only a complete 200 body counts as served; 304, 206, HEAD and
	// aborted transfers keep the file
	if !a.opts.DeleteAfterServe || r.Method != http.MethodGet {
		return
	}
	if cw.status != http.StatusOK || cw.written != lease.Size || r.Context().Err() != nil {
		a.logger.Debug("file not fully sent, keeping it", "job_id", id, "status", cw.status, "written", cw.written, "size", lease.Size)
		return
	}
	lease.Consume()
	a.logger.Info("file served, scheduled for removal", "job_id", id)
}

// countingWriter records the status and body size of a response.
type countingWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (c *countingWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	n, err := c.ResponseWriter.Write(p)
	c.written += int64(n)
	return n, err
}

func (c *countingWriter) Unwrap() http.ResponseWriter { return c.ResponseWriter }

func (a *App) deleteFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		id = r.URL.Query().Get("id")
	}
	if err := a.jobs.Delete(id); err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]string{"message": "File deleted"})
}

func (a *App) deleteAll(w http.ResponseWriter, r *http.Request) {
	n := a.files.DeleteAll()
	a.logger.Info("bulk delete", "removed_jobs", n)
	a.respondJSON(w, http.StatusOK, map[string]any{"message": "Files deleted", "deleted": n})
}

func (a *App) list(w http.ResponseWriter, r *http.Request) {
	views := lo.Map(a.store.List(), func(j models.Job, _ int) jobView { return newJobView(j) })
	a.respondJSON(w, http.StatusOK, map[string]any{"downloads": views})
}

func (a *App) supportedSites(w http.ResponseWriter, r *http.Request) {
	sites, err := a.jobs.SupportedSites(r.Context())
	if err != nil {
		a.logger.Error("listing extractors failed", "error", err)
		a.respondJSON(w, http.StatusBadGateway, map[string]string{"detail": err.Error()})
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]any{"supported_sites": sites, "count": len(sites)})
}

func (a *App) info(w http.ResponseWriter, r *http.Request) {
	meta, err := a.jobs.Info(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		if errors.Is(err, jobs.ErrValidation) {
			a.respondError(w, err)
			return
		}
		a.logger.Warn("metadata lookup failed", "error", err)
		a.respondJSON(w, http.StatusBadGateway, map[string]string{"detail": "Error: " + err.Error()})
		return
	}
	a.respondJSON(w, http.StatusOK, meta)
}

func (a *App) jobWS(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := a.store.Get(jobID)
	if err != nil {
		a.respondError(w, err)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	sub := &subscriber{conn: conn, writeWait: wsWriteWait}

	a.mu.Lock()
	if a.subs[jobID] == nil {
		a.subs[jobID] = make(map[*subscriber]struct{})
	}
	a.subs[jobID][sub] = struct{}{}
	a.mu.Unlock()

	_ = sub.send(progressEvent(job))

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	a.unsubscribe(jobID, sub)
}

func (a *App) unsubscribe(jobID string, sub *subscriber) {
	a.mu.Lock()
	delete(a.subs[jobID], sub)
	if len(a.subs[jobID]) == 0 {
		delete(a.subs, jobID)
	}
	a.mu.Unlock()
	_ = sub.conn.Close()
}

func (a *App) broadcast(jobID string, evt models.ProgressEvent) {
	a.mu.RLock()
	subs := lo.Keys(a.subs[jobID])
	a.mu.RUnlock()

	for _, s := range subs {
		if err := s.send(evt); err != nil {
			a.unsubscribe(jobID, s)
		}
	}
}

func progressEvent(job models.Job) models.ProgressEvent {
	return models.ProgressEvent{
		ID:          job.ID,
		State:       job.State,
		Progress:    job.Progress,
		Message:     job.Message,
		DownloadURL: downloadURLForJob(job),
	}
}

func downloadURLForJob(job models.Job) string {
	if job.State == models.StateSucceeded {
		return "/file?id=" + job.ID
	}
	return ""
}

type jobView struct {
	ID          string          `json:"id"`
	State       models.JobState `json:"state"`
	Progress    float64         `json:"progress"`
	Status      string          `json:"status"`
	Quality     string          `json:"quality"`
	URL         string          `json:"url"`
	Error       string          `json:"error,omitempty"`
	DownloadURL string          `json:"download_url,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func newJobView(j models.Job) jobView {
	v := jobView{
		ID:          j.ID,
		State:       j.State,
		Progress:    j.Progress,
		Status:      j.Message,
		Quality:     j.Quality,
		URL:         j.URL,
		DownloadURL: downloadURLForJob(j),
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.State == models.StateFailed {
		v.Error = j.Message
	}
	return v
}

func (a *App) render(w http.ResponseWriter, r *http.Request, component templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := component.Render(r.Context(), w); err != nil {
		a.logger.Error("failed to render template", "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
	}
}

func (a *App) respondError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	detail := "internal error"
	switch {
	case errors.Is(err, jobs.ErrValidation):
		code, detail = http.StatusBadRequest, err.Error()
	case errors.Is(err, files.ErrNotReady):
		code, detail = http.StatusNotFound, "File not ready"
	case errors.Is(err, store.ErrNotFound):
		code, detail = http.StatusNotFound, "Not found"
	case errors.Is(err, store.ErrConflict):
		code, detail = http.StatusConflict, err.Error()
	default:
		a.logger.Error("request failed", "error", err)
	}
	a.respondJSON(w, code, map[string]string{"detail": detail})
}

func (a *App) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to encode json", "error", err)
	}
}

func (a *App) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
