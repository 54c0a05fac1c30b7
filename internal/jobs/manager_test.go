package jobs

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"mediaDownloader/internal/extractor"
	"mediaDownloader/internal/files"
	"mediaDownloader/internal/models"
	"mediaDownloader/internal/store"
)

var _ = Describe("Manager", func() {
	var (
		st      *store.Store
		storage *files.Storage
		fm      *files.Manager
		fake    *fakeExtractor
		manager *Manager
		opts    Options
	)

	state := func(id string) func() models.JobState {
		return func() models.JobState {
			job, err := st.Get(id)
			if err != nil {
				return ""
			}
			return job.State
		}
	}

	artifacts := func(id string) func() []string {
		return func() []string {
			paths, err := storage.Artifacts(id)
			Expect(err).NotTo(HaveOccurred())
			return paths
		}
	}

	// reconfigure stops the manager built in BeforeEach and replaces it
	// with one using o.
	reconfigure := func(o Options) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(manager.Shutdown(ctx)).To(Succeed())
		manager = NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), st, fm, storage, fake, o)
	}

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		st = store.New()
		storage = files.NewStorage(dir, filepath.Join(dir, "cookies"))
		Expect(storage.Prepare()).To(Succeed())
		fm = files.NewManager(logger, st, storage)
		fake = &fakeExtractor{}
		opts = Options{
			MaxConcurrent: 2,
			JobTimeout:    time.Minute,
			MergeFormat:   "mp4",
			UserAgent:     "test-agent",
		}
		manager = NewManager(logger, st, fm, storage, fake, opts)
	})

	AfterEach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(manager.Shutdown(ctx)).To(Succeed())
	})

	It("runs a job from queued to succeeded, reporting progress", func() {
		proceed := make(chan struct{})
		fake.setDownload(func(ctx context.Context, req extractor.Request, sink extractor.ProgressSink) error {
			sink.Report(downloading(10))
			sink.Report(downloading(55.5))
			sink.Report(downloading(30))
			sink.Report(extractor.Progress{Status: extractor.StatusDownloading, Percent: math.NaN()})
			sink.Report(finished())
			sink.Report(downloading(20))
			<-proceed
			_ = writeOutput(req, "f137.mp4", "video")
			return writeOutput(req, "mp4", "merged media")
		})

		job, err := manager.Submit(Submission{ID: "abc", URL: "https://example.com/watch?v=1", Quality: "720p"})
		Expect(err).NotTo(HaveOccurred())
		Expect(job.State).To(Equal(models.StateQueued))
		Expect(job.Progress).To(BeZero())

		Eventually(func() string {
			j, _ := st.Get("abc")
			return j.Message
		}).Should(Equal(store.MessageProcessing))
		Consistently(func() string {
			j, _ := st.Get("abc")
			return j.Message
		}, 50*time.Millisecond).Should(Equal(store.MessageProcessing))
		j, _ := st.Get("abc")
		Expect(j.Progress).To(Equal(100.0))
		Expect(j.State).To(Equal(models.StateRunning))

		req := fake.lastRequest()
		Expect(req.Format).To(Equal("bestvideo[height<=720]+bestaudio/best[height<=720]"))
		Expect(req.MergeFormat).To(Equal("mp4"))
		Expect(req.UserAgent).To(Equal("test-agent"))
		Expect(req.OutputTemplate).To(Equal(storage.OutputTemplate("abc")))
		Expect(req.CookieFile).To(BeEmpty())

		close(proceed)
		Eventually(state("abc")).Should(Equal(models.StateSucceeded))

		j, _ = st.Get("abc")
		path, ok := j.OutputPath.Get()
		Expect(ok).To(BeTrue())
		Expect(path).To(Equal(outputPath(req, "mp4")))
		Expect(path).To(BeAnExistingFile())
		Eventually(manager.Running).Should(BeZero())
	})

	It("generates an id when none is given", func() {
		job, err := manager.Submit(Submission{URL: "https://example.com/v", Quality: "audio"})
		Expect(err).NotTo(HaveOccurred())
		Expect(job.ID).To(HaveLen(36))
		Eventually(state(job.ID)).Should(Equal(models.StateSucceeded))
		Expect(fake.lastRequest().Format).To(Equal("bestaudio"))
	})

	It("records failures and removes partial files", func() {
		fake.setDownload(func(ctx context.Context, req extractor.Request, sink extractor.ProgressSink) error {
			sink.Report(downloading(40))
			_ = writeOutput(req, "mp4.part", "partial")
			return errors.New("[generic] Unsupported URL: https://example.com/nope")
		})

		_, err := manager.Submit(Submission{ID: "bad", URL: "https://example.com/nope"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(state("bad")).Should(Equal(models.StateFailed))
		j, _ := st.Get("bad")
		Expect(j.Message).To(Equal("Error: [generic] Unsupported URL: https://example.com/nope"))
		Expect(j.OutputPath.IsAbsent()).To(BeTrue())
		Eventually(artifacts("bad")).Should(BeEmpty())
	})

	It("fails when the extractor leaves no output", func() {
		fake.setDownload(func(context.Context, extractor.Request, extractor.ProgressSink) error { return nil })

		_, err := manager.Submit(Submission{ID: "empty", URL: "https://example.com/v"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(state("empty")).Should(Equal(models.StateFailed))
		j, _ := st.Get("empty")
		Expect(j.Message).To(HavePrefix("Error: "))
	})

	It("recovers from a panicking extractor", func() {
		fake.setDownload(func(context.Context, extractor.Request, extractor.ProgressSink) error {
			panic("boom")
		})

		_, err := manager.Submit(Submission{ID: "panic", URL: "https://example.com/v"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(state("panic")).Should(Equal(models.StateFailed))
		j, _ := st.Get("panic")
		Expect(j.Message).To(ContainSubstring("boom"))
		Eventually(manager.Running).Should(BeZero())
	})

	It("hands the cookie file to the extractor and removes it afterwards", func() {
		seen := make(chan bool, 1)
		fake.setDownload(func(ctx context.Context, req extractor.Request, sink extractor.ProgressSink) error {
			_, err := os.Stat(req.CookieFile)
			seen <- err == nil
			return errors.New("sign in to confirm your age")
		})

		_, err := manager.Submit(Submission{
			ID:      "cookie",
			URL:     "https://example.com/v",
			Cookies: []byte("# Netscape HTTP Cookie File\n"),
		})
		Expect(err).NotTo(HaveOccurred())
		Eventually(seen).Should(Receive(BeTrue()))
		Eventually(state("cookie")).Should(Equal(models.StateFailed))
		Eventually(func() string { return storage.CookiePath("cookie") }).ShouldNot(BeAnExistingFile())
	})

	It("rejects invalid submissions without creating a job", func() {
		cases := []Submission{
			{URL: ""},
			{URL: "not a url"},
			{ID: "../escape", URL: "https://example.com/v"},
			{URL: "https://example.com/v", Cookies: []byte{0x00, 0x01}},
		}
		for _, sub := range cases {
			_, err := manager.Submit(sub)
			Expect(errors.Is(err, ErrValidation)).To(BeTrue(), "%+v", sub)
		}
		Expect(st.List()).To(BeEmpty())
	})

	It("rejects a duplicate id while the first job is active", func() {
		release := make(chan struct{})
		fake.setDownload(func(ctx context.Context, req extractor.Request, sink extractor.ProgressSink) error {
			<-release
			return writeOutput(req, "mp4", "media")
		})

		_, err := manager.Submit(Submission{ID: "dup", URL: "https://example.com/v"})
		Expect(err).NotTo(HaveOccurred())
		_, err = manager.Submit(Submission{ID: "dup", URL: "https://example.com/other"})
		Expect(errors.Is(err, store.ErrConflict)).To(BeTrue())

		close(release)
		Eventually(state("dup")).Should(Equal(models.StateSucceeded))
	})

	It("reuses an id after the first job completed and was deleted", func() {
		_, err := manager.Submit(Submission{ID: "again", URL: "https://example.com/1", Quality: "audio"})
		Expect(err).NotTo(HaveOccurred())
		Eventually(state("again")).Should(Equal(models.StateSucceeded))
		Eventually(manager.Running).Should(BeZero())

		Expect(manager.Delete("again")).To(Succeed())
		Expect(artifacts("again")()).To(BeEmpty())

		release := make(chan struct{})
		fake.setDownload(func(ctx context.Context, req extractor.Request, sink extractor.ProgressSink) error {
			<-release
			return writeOutput(req, "mp4", "second")
		})
		job, err := manager.Submit(Submission{ID: "again", URL: "https://example.com/2", Quality: "1080p"})
		Expect(err).NotTo(HaveOccurred())
		Expect(job.State).To(Equal(models.StateQueued))
		Expect(job.Progress).To(BeZero())
		Expect(job.URL).To(Equal("https://example.com/2"))
		Expect(job.OutputPath.IsAbsent()).To(BeTrue())

		close(release)
		Eventually(state("again")).Should(Equal(models.StateSucceeded))
	})

	It("replaces a finished job that was never deleted", func() {
		_, err := manager.Submit(Submission{ID: "redo", URL: "https://example.com/1"})
		Expect(err).NotTo(HaveOccurred())
		Eventually(state("redo")).Should(Equal(models.StateSucceeded))
		Eventually(manager.Running).Should(BeZero())

		job, err := manager.Submit(Submission{ID: "redo", URL: "https://example.com/2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(job.State).To(Equal(models.StateQueued))
		Eventually(state("redo")).Should(Equal(models.StateSucceeded))
	})

	It("keeps concurrent jobs independent", func() {
		gates := map[string]chan struct{}{"one": make(chan struct{}), "two": make(chan struct{})}
		fake.setDownload(func(ctx context.Context, req extractor.Request, sink extractor.ProgressSink) error {
			id := filepath.Base(req.OutputTemplate)
			id = id[:len(id)-len(".%(ext)s")]
			if id == "one" {
				sink.Report(downloading(25))
			} else {
				sink.Report(downloading(75))
			}
			<-gates[id]
			return writeOutput(req, "mp4", id)
		})

		for id := range gates {
			_, err := manager.Submit(Submission{ID: id, URL: "https://example.com/" + id})
			Expect(err).NotTo(HaveOccurred())
		}

		Eventually(func() float64 { j, _ := st.Get("one"); return j.Progress }).Should(Equal(25.0))
		Eventually(func() float64 { j, _ := st.Get("two"); return j.Progress }).Should(Equal(75.0))

		close(gates["two"])
		Eventually(state("two")).Should(Equal(models.StateSucceeded))
		Consistently(state("one"), 100*time.Millisecond).Should(Equal(models.StateRunning))
		j, _ := st.Get("one")
		Expect(j.Progress).To(Equal(25.0))

		close(gates["one"])
		Eventually(state("one")).Should(Equal(models.StateSucceeded))
	})

	It("keeps jobs queued beyond the concurrency limit", func() {
		reconfigure(Options{MaxConcurrent: 1, MergeFormat: "mp4"})
		release := make(chan struct{})
		fake.setDownload(func(ctx context.Context, req extractor.Request, sink extractor.ProgressSink) error {
			<-release
			return writeOutput(req, "mp4", "x")
		})

		_, err := manager.Submit(Submission{ID: "first", URL: "https://example.com/1"})
		Expect(err).NotTo(HaveOccurred())
		Eventually(state("first")).Should(Equal(models.StateRunning))

		_, err = manager.Submit(Submission{ID: "second", URL: "https://example.com/2"})
		Expect(err).NotTo(HaveOccurred())
		Consistently(state("second"), 100*time.Millisecond).Should(Equal(models.StateQueued))

		close(release)
		Eventually(state("first")).Should(Equal(models.StateSucceeded))
		Eventually(state("second")).Should(Equal(models.StateSucceeded))
	})

	It("fails jobs that exceed the timeout", func() {
		reconfigure(Options{MaxConcurrent: 1, JobTimeout: 50 * time.Millisecond})
		fake.setDownload(func(ctx context.Context, req extractor.Request, sink extractor.ProgressSink) error {
			_ = writeOutput(req, "mp4.part", "partial")
			<-ctx.Done()
			return ctx.Err()
		})

		_, err := manager.Submit(Submission{ID: "slow", URL: "https://example.com/v"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(state("slow")).Should(Equal(models.StateFailed))
		j, _ := st.Get("slow")
		Expect(j.Message).To(Equal("Error: download timed out"))
		Eventually(artifacts("slow")).Should(BeEmpty())
	})

	It("cancels a running job when it is deleted", func() {
		started := make(chan struct{})
		fake.setDownload(func(ctx context.Context, req extractor.Request, sink extractor.ProgressSink) error {
			_ = writeOutput(req, "mp4.part", "partial")
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})

		_, err := manager.Submit(Submission{ID: "gone", URL: "https://example.com/v"})
		Expect(err).NotTo(HaveOccurred())
		Eventually(started).Should(BeClosed())

		Expect(manager.Delete("gone")).To(Succeed())
		_, err = st.Get("gone")
		Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())

		Eventually(manager.Running).Should(BeZero())
		Expect(artifacts("gone")()).To(BeEmpty())
		Expect(errors.Is(manager.Delete("gone"), store.ErrNotFound)).To(BeTrue())
	})

	It("cancels on request and records the job as failed", func() {
		fake.setDownload(func(ctx context.Context, req extractor.Request, sink extractor.ProgressSink) error {
			<-ctx.Done()
			return ctx.Err()
		})

		_, err := manager.Submit(Submission{ID: "stop", URL: "https://example.com/v"})
		Expect(err).NotTo(HaveOccurred())
		Eventually(state("stop")).Should(Equal(models.StateRunning))

		Expect(manager.Cancel("stop")).To(Succeed())
		Eventually(state("stop")).Should(Equal(models.StateFailed))
		j, _ := st.Get("stop")
		Expect(j.Message).To(Equal("Error: download cancelled"))
		Eventually(func() error { return manager.Cancel("stop") }).Should(MatchError(ContainSubstring("no worker")))
	})

	It("delegates metadata and site listing to the extractor", func() {
		meta, err := manager.Info(context.Background(), "https://example.com/v")
		Expect(err).NotTo(HaveOccurred())
		Expect(meta.Title).To(Equal("Title for https://example.com/v"))

		_, err = manager.Info(context.Background(), "nope")
		Expect(errors.Is(err, ErrValidation)).To(BeTrue())

		sites, err := manager.SupportedSites(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(sites).To(ConsistOf("youtube", "vimeo"))
	})
})
