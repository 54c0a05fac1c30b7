package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		label string
		want  string
	}{
		{"audio", "bestaudio"},
		{"video", "bestvideo"},
		{"audio+video", "bestvideo+bestaudio/best"},
		{"360p", "bestvideo[height<=360]+bestaudio/best[height<=360]"},
		{"480p", "bestvideo[height<=480]+bestaudio/best[height<=480]"},
		{"720p", "bestvideo[height<=720]+bestaudio/best[height<=720]"},
		{"1080p", "bestvideo[height<=1080]+bestaudio/best[height<=1080]"},
		{"1440p", "bestvideo[height<=1440]+bestaudio/best[height<=1440]"},
		{"2160p", "bestvideo[height<=2160]+bestaudio/best[height<=2160]"},
		{"AUDIO", "bestaudio"},
		{" 720P ", "bestvideo[height<=720]+bestaudio/best[height<=720]"},
		{"", "best"},
		{"best", "best"},
		{"4k", "best"},
		{"721p", "best"},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.want, Select(tt.label))
		})
	}
}

func TestLabelsAreAllKnown(t *testing.T) {
	labels := Labels()
	assert.Len(t, labels, 9)
	for _, l := range labels {
		assert.NotEqual(t, Fallback, Select(l), l)
	}
}
