// Package artifact enforces the freshness contract for the compiled library
// and its verifier export. The two files are only meaningful together: the
// export describes the exact library it was produced with.
//
// The compile stage writes both halves into a private staging directory and
// promotes them only after the tool succeeded and both exist. A failed or
// interrupted compile therefore leaves the previously promoted pair alone.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"proofpipe/internal/logging"
)

var (
	// ErrMissingDestination: an invocation does not name both destinations.
	ErrMissingDestination = errors.New("compile invocation is missing an artifact destination")

	// ErrIncompletePair: the tool succeeded but did not produce both halves.
	ErrIncompletePair = errors.New("artifact pair incomplete")

	// ErrStale: an artifact is older than the compile that should have written it.
	ErrStale = errors.New("artifact pair is stale")
)

// Flags the verifier uses to name the two destinations.
const (
	LibraryFlag  = "-o"
	MetadataFlag = "--export"
)

// Pair names the two linked outputs.
type Pair struct {
	Library  string
	Metadata string
}

// Dir returns the directory both halves live in.
func (p Pair) Dir() string {
	return filepath.Dir(p.Library)
}

// Validate checks that the pair is usable as a destination.
func (p Pair) Validate() error {
	if p.Library == "" || p.Metadata == "" {
		return fmt.Errorf("%w: library=%q metadata=%q", ErrMissingDestination, p.Library, p.Metadata)
	}
	if filepath.Clean(p.Library) == filepath.Clean(p.Metadata) {
		return fmt.Errorf("artifact pair halves must differ: %s", p.Library)
	}
	if filepath.Dir(filepath.Clean(p.Library)) != filepath.Dir(filepath.Clean(p.Metadata)) {
		return fmt.Errorf("artifact pair halves must share a directory: %s, %s", p.Library, p.Metadata)
	}
	return nil
}

// Exists reports whether both halves are present as regular files.
func (p Pair) Exists() bool {
	return isFile(p.Library) && isFile(p.Metadata)
}

// RequireDestinations fails unless args carry both
// "-o <pair.Library>" and "--export <pair.Metadata>".
func RequireDestinations(args []string, pair Pair) error {
	if err := pair.Validate(); err != nil {
		return err
	}
	if !hasFlagValue(args, LibraryFlag, pair.Library) {
		return fmt.Errorf("%w: %s %s", ErrMissingDestination, LibraryFlag, pair.Library)
	}
	if !hasFlagValue(args, MetadataFlag, pair.Metadata) {
		return fmt.Errorf("%w: %s %s", ErrMissingDestination, MetadataFlag, pair.Metadata)
	}
	return nil
}

func hasFlagValue(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

// EnsureDir creates dir if needed. Existing contents are never touched.
func EnsureDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("artifact directory is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	return nil
}

// mtimeSlack absorbs coarse filesystem timestamps.
const mtimeSlack = 2 * time.Second

// Snapshot records when a compile started.
type Snapshot struct {
	Taken time.Time
}

// TakeSnapshot captures the start of a compile writing pair.
func TakeSnapshot(pair Pair) Snapshot {
	logging.ArtifactsDebug("Snapshot before compile: library=%s metadata=%s",
		modTime(pair.Library).Format(time.RFC3339Nano), modTime(pair.Metadata).Format(time.RFC3339Nano))
	return Snapshot{Taken: time.Now()}
}

// Fresher checks that both halves of pair exist and were written by the
// compile the snapshot was taken for. Only the snapshot time counts: the
// previous files' mtimes may be skewed and say nothing about the new ones.
func (s Snapshot) Fresher(pair Pair) error {
	for _, path := range []string{pair.Library, pair.Metadata} {
		mtime := modTime(path)
		if mtime.IsZero() {
			return fmt.Errorf("%w: %s missing", ErrIncompletePair, path)
		}
		if mtime.Before(s.Taken.Add(-mtimeSlack)) {
			return fmt.Errorf("%w: %s predates compile (mtime %s)", ErrStale, path, mtime.Format(time.RFC3339Nano))
		}
	}
	return nil
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return time.Time{}
	}
	return info.ModTime()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
