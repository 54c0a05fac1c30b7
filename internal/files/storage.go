// Package files owns the transient storage area where yt-dlp writes its
// output, and the lifecycle of each job's file from completion until it is
// served and removed.
//
// Every artifact of a job is named "<id>.<something>" inside the storage
// directory. yt-dlp renames and remuxes while it works (fragments like
// "<id>.f137.mp4", partials like "<id>.mp4.part", the merged "<id>.mp4"),
// so the final file is found by probing for the id prefix instead of
// assuming a fixed name.
package files

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
)

// ErrNoOutput is returned when yt-dlp reported success but left no file.
var ErrNoOutput = errors.New("no output file produced")

var intermediate = regexp.MustCompile(`(\.part(-Frag\d+)?|\.ytdl|\.temp\.[^.]+|\.f\d+\.[^.]+)$`)

type Storage struct {
	dir        string
	cookiesDir string
}

func NewStorage(dir, cookiesDir string) *Storage {
	return &Storage{dir: dir, cookiesDir: cookiesDir}
}

// Prepare ensures the storage directories exist.
func (s *Storage) Prepare() error {
	for _, dir := range []string{s.dir, s.cookiesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	return nil
}

func (s *Storage) Dir() string { return s.dir }

// OutputTemplate is the yt-dlp -o template for a job.
func (s *Storage) OutputTemplate(id string) string {
	return filepath.Join(s.dir, id+".%(ext)s")
}

// Artifacts lists every file in the storage directory belonging to id.
func (s *Storage) Artifacts(id string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", s.dir)
	}
	prefix := id + "."
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, e.Name()))
	}
	return paths, nil
}

// ResolveOutput finds the finished file for id, skipping partial downloads
// and per-format fragments. When several candidates remain the largest wins.
func (s *Storage) ResolveOutput(id string) (string, error) {
	paths, err := s.Artifacts(id)
	if err != nil {
		return "", err
	}

	var best string
	var bestSize int64 = -1
	sort.Strings(paths)
	for _, p := range paths {
		if intermediate.MatchString(p) {
			continue
		}
		info, err := os.Stat(p)
		if err != nil || info.Size() == 0 {
			continue
		}
		if info.Size() > bestSize {
			best, bestSize = p, info.Size()
		}
	}
	if best == "" {
		return "", errors.Wrapf(ErrNoOutput, "job %s", id)
	}
	return best, nil
}

// RemoveArtifacts deletes every file belonging to id.
func (s *Storage) RemoveArtifacts(id string) error {
	paths, err := s.Artifacts(id)
	if err != nil {
		return err
	}
	var errs error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

func (s *Storage) CookiePath(id string) string {
	return filepath.Join(s.cookiesDir, id+".txt")
}

// WriteCookies stores uploaded credential material for a single attempt.
func (s *Storage) WriteCookies(id string, data []byte) (string, error) {
	path := s.CookiePath(id)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", errors.Wrap(err, "write cookie file")
	}
	return path, nil
}

func (s *Storage) RemoveCookies(id string) error {
	if err := os.Remove(s.CookiePath(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove cookie file")
	}
	return nil
}

// SweepOrphans removes files older than cutoff whose id is not in known.
func (s *Storage) SweepOrphans(known mapset.Set[string], cutoff time.Time) int {
	removed := 0
	for _, dir := range []string{s.dir, s.cookiesDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			id, _, _ := strings.Cut(e.Name(), ".")
			if known.Contains(id) {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if os.Remove(filepath.Join(dir, e.Name())) == nil {
				removed++
			}
		}
	}
	return removed
}
