package jobs

import (
	"bytes"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// ErrValidation marks input that is rejected before a job exists.
var ErrValidation = errors.New("invalid request")

// DefaultMaxCookieBytes caps uploaded cookie files.
const DefaultMaxCookieBytes = 100 * 1024

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateID accepts ids that are safe to use as file name prefixes.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return errors.Wrapf(ErrValidation, "id %q must be 1-64 letters, digits, '-' or '_'", id)
	}
	return nil
}

// ValidateURL accepts absolute http(s) URLs.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.Wrap(ErrValidation, "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(ErrValidation, "malformed url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Wrapf(ErrValidation, "unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.Wrap(ErrValidation, "url has no host")
	}
	return nil
}

// ValidateCookies checks an uploaded cookie file: non-empty plain text no
// larger than max bytes.
func ValidateCookies(data []byte, max int64) error {
	if max <= 0 {
		max = DefaultMaxCookieBytes
	}
	switch {
	case len(data) == 0:
		return errors.Wrap(ErrValidation, "cookie file is empty")
	case int64(len(data)) > max:
		return errors.Wrapf(ErrValidation, "cookie file exceeds %d bytes", max)
	case !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0:
		return errors.Wrap(ErrValidation, "cookie file must be plain text")
	case !strings.HasPrefix(http.DetectContentType(data), "text/plain"):
		return errors.Wrap(ErrValidation, "cookie file must be plain text")
	}
	return nil
}
