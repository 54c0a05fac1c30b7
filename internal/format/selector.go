// Package format maps user-facing quality labels to yt-dlp format selectors.
package format

import (
	"fmt"
	"strings"
)

// Fallback is used for unknown or empty labels.
const Fallback = "best"

var heights = []int{360, 480, 720, 1080, 1440, 2160}

var selectors = buildSelectors()

func buildSelectors() map[string]string {
	m := map[string]string{
		"audio":       "bestaudio",
		"video":       "bestvideo",
		"audio+video": "bestvideo+bestaudio/best",
	}
	for _, h := range heights {
		m[fmt.Sprintf("%dp", h)] = fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]", h, h)
	}
	return m
}

// Select returns the format expression for a quality label. It never fails.
func Select(label string) string {
	if expr, ok := selectors[strings.ToLower(strings.TrimSpace(label))]; ok {
		return expr
	}
	return Fallback
}

// Labels lists the known quality labels in display order.
func Labels() []string {
	labels := []string{"audio", "video", "audio+video"}
	for _, h := range heights {
		labels = append(labels, fmt.Sprintf("%dp", h))
	}
	return labels
}
