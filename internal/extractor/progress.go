package extractor

import (
	"math"
	"strings"

	"github.com/lrstanley/go-ytdlp"
)

// Status mirrors the status field of a yt-dlp progress hook.
type Status string

const (
	StatusDownloading    Status = "downloading"
	StatusFinished       Status = "finished"
	StatusPostProcessing Status = "post_processing"
	StatusError          Status = "error"
	StatusOther          Status = "other"
)

// Progress is one report emitted while yt-dlp runs. Percent is NaN when
// the report carried no usable figure.
type Progress struct {
	Status          Status
	Percent         float64
	DownloadedBytes int64
	TotalBytes      int64
	Filename        string
}

// ProgressSink receives progress reports from the extractor.
type ProgressSink interface {
	Report(Progress)
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(Progress)

func (f ProgressSinkFunc) Report(p Progress) { f(p) }

func fromUpdate(u ytdlp.ProgressUpdate) Progress {
	p := Progress{
		Status:          Status(strings.ToLower(string(u.Status))),
		Percent:         math.NaN(),
		DownloadedBytes: int64(u.DownloadedBytes),
		TotalBytes:      int64(u.TotalBytes),
		Filename:        u.Filename,
	}
	switch p.Status {
	case StatusDownloading, StatusFinished, StatusPostProcessing, StatusError:
	default:
		p.Status = StatusOther
	}

	switch {
	case u.TotalBytes > 0:
		p.Percent = float64(u.DownloadedBytes) / float64(u.TotalBytes) * 100
	case u.FragmentCount > 0:
		p.Percent = float64(u.FragmentIndex) / float64(u.FragmentCount) * 100
	}
	return p
}
