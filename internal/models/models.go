package models

import (
	"time"

	"github.com/samber/mo"
)

// JobState represents the current state of a download job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Job stores metadata and runtime state for a download request.
type Job struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Quality    string            `json:"quality"`
	State      JobState          `json:"state"`
	Progress   float64           `json:"progress"`
	Message    string            `json:"status"`
	OutputPath mo.Option[string] `json:"-"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ProgressEvent is sent to clients over WebSocket.
type ProgressEvent struct {
	ID          string   `json:"id"`
	State       JobState `json:"state"`
	Progress    float64  `json:"progress"`
	Message     string   `json:"status,omitempty"`
	DownloadURL string   `json:"download_url,omitempty"`
}

// Metadata is what the extractor reports about a URL without downloading it.
type Metadata struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Duration   float64  `json:"duration"`
	Uploader   string   `json:"uploader"`
	Thumbnail  string   `json:"thumbnail"`
	WebpageURL string   `json:"webpage_url,omitempty"`
	Formats    []Format `json:"formats"`
}

// Format is a single stream offered by the origin site.
type Format struct {
	FormatID   string  `json:"format_id"`
	Ext        string  `json:"ext"`
	Height     int     `json:"height,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	VCodec     string  `json:"vcodec,omitempty"`
	ACodec     string  `json:"acodec,omitempty"`
	FileSize   int64   `json:"filesize,omitempty"`
	FormatNote string  `json:"format_note,omitempty"`
}
