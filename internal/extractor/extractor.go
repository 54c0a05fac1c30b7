package extractor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lrstanley/go-ytdlp"

	"mediaDownloader/internal/models"
)

const progressFrequency = 500 * time.Millisecond

// Request describes one download handed to yt-dlp.
type Request struct {
	URL            string
	Format         string
	OutputTemplate string
	MergeFormat    string
	CookieFile     string
	UserAgent      string
}

// Extractor is the black box that fetches media.
type Extractor interface {
	Download(ctx context.Context, req Request, sink ProgressSink) error
	Info(ctx context.Context, url, userAgent string) (*models.Metadata, error)
	SupportedSites(ctx context.Context) ([]string, error)
}

// Service wraps the yt-dlp executable.
type Service struct {
	logger     *slog.Logger
	executable string
}

func NewService(logger *slog.Logger, executable string) *Service {
	return &Service{logger: logger, executable: executable}
}

// Install makes sure a yt-dlp binary is available, downloading it into the
// go-ytdlp cache when none is found.
func Install(ctx context.Context) error {
	if _, err := ytdlp.Install(ctx, nil); err != nil {
		return errors.Wrap(err, "install yt-dlp")
	}
	return nil
}

func (s *Service) command() *ytdlp.Command {
	cmd := ytdlp.New()
	if s.executable != "" {
		cmd.SetExecutable(s.executable)
	}
	return cmd
}

// Download runs yt-dlp for req and forwards progress reports to sink.
func (s *Service) Download(ctx context.Context, req Request, sink ProgressSink) error {
	cmd := s.command().
		NoPlaylist().
		Format(req.Format).
		Output(req.OutputTemplate)

	if req.MergeFormat != "" {
		cmd.MergeOutputFormat(req.MergeFormat)
	}
	if req.CookieFile != "" {
		cmd.Cookies(req.CookieFile)
	}
	if req.UserAgent != "" {
		cmd.AddHeaders("User-Agent:" + req.UserAgent)
	}
	if sink != nil {
		cmd.ProgressFunc(progressFrequency, func(update ytdlp.ProgressUpdate) {
			sink.Report(fromUpdate(update))
		})
	}

	s.logger.Debug("starting yt-dlp", "url", req.URL, "format", req.Format)
	res, err := cmd.Run(ctx, req.URL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.Newf("%s", failureReason(res, err))
	}
	return nil
}

// Info fetches metadata without downloading anything.
func (s *Service) Info(ctx context.Context, url, userAgent string) (*models.Metadata, error) {
	cmd := s.command().
		NoPlaylist().
		SkipDownload().
		DumpSingleJSON()
	if userAgent != "" {
		cmd.AddHeaders("User-Agent:" + userAgent)
	}

	res, err := cmd.Run(ctx, url)
	if err != nil {
		return nil, errors.Newf("%s", failureReason(res, err))
	}
	return ParseMetadata([]byte(res.Stdout))
}

// SupportedSites lists the extractor names known to yt-dlp.
func (s *Service) SupportedSites(ctx context.Context) ([]string, error) {
	res, err := s.command().ListExtractors(ctx)
	if err != nil {
		return nil, errors.Newf("%s", failureReason(res, err))
	}
	var sites []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			sites = append(sites, line)
		}
	}
	return sites, nil
}

// failureReason prefers the last "ERROR:" line yt-dlp printed.
func failureReason(res *ytdlp.Result, err error) string {
	if res != nil {
		var last string
		for _, line := range strings.Split(res.Stderr, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "ERROR:") {
				last = strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
			}
		}
		if last != "" {
			return last
		}
	}
	return err.Error()
}

type rawInfo struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Duration   float64  `json:"duration"`
	Uploader   string   `json:"uploader"`
	Thumbnail  string   `json:"thumbnail"`
	WebpageURL string   `json:"webpage_url"`
	Formats    []rawFmt `json:"formats"`
}

type rawFmt struct {
	FormatID       string  `json:"format_id"`
	Ext            string  `json:"ext"`
	Height         float64 `json:"height"`
	FPS            float64 `json:"fps"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	FileSize       float64 `json:"filesize"`
	FileSizeApprox float64 `json:"filesize_approx"`
	FormatNote     string  `json:"format_note"`
}

// ParseMetadata decodes the JSON document printed by --dump-single-json.
func ParseMetadata(data []byte) (*models.Metadata, error) {
	var raw rawInfo
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode yt-dlp metadata")
	}

	meta := &models.Metadata{
		ID:         raw.ID,
		Title:      raw.Title,
		Duration:   raw.Duration,
		Uploader:   raw.Uploader,
		Thumbnail:  raw.Thumbnail,
		WebpageURL: raw.WebpageURL,
		Formats:    make([]models.Format, 0, len(raw.Formats)),
	}
	for _, f := range raw.Formats {
		size := f.FileSize
		if size == 0 {
			size = f.FileSizeApprox
		}
		meta.Formats = append(meta.Formats, models.Format{
			FormatID:   f.FormatID,
			Ext:        f.Ext,
			Height:     int(f.Height),
			FPS:        f.FPS,
			VCodec:     f.VCodec,
			ACodec:     f.ACodec,
			FileSize:   int64(size),
			FormatNote: f.FormatNote,
		})
	}
	return meta, nil
}
