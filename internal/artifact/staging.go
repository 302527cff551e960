package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"proofpipe/internal/logging"
)

const stagingPrefix = ".staging-"

// staleStagingAge is how old an abandoned staging directory must be before
// Stage removes it. Younger ones may belong to a concurrent run.
const staleStagingAge = 24 * time.Hour

// Staging is one compile's private output location.
type Staging struct {
	// Final is where the pair lives once promoted.
	Final Pair
	// Staged is where the compile invocation must write.
	Staged Pair

	dir      string
	snapshot Snapshot
	done     bool
}

// Stage prepares a staging directory next to pair. The pair's directory is
// created if absent; nothing already in it is modified.
func Stage(pair Pair) (*Staging, error) {
	if err := pair.Validate(); err != nil {
		return nil, err
	}
	if err := EnsureDir(pair.Dir()); err != nil {
		return nil, err
	}
	removeStaleStaging(pair.Dir())

	dir := filepath.Join(pair.Dir(), stagingPrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	s := &Staging{
		Final: pair,
		Staged: Pair{
			Library:  filepath.Join(dir, filepath.Base(pair.Library)),
			Metadata: filepath.Join(dir, filepath.Base(pair.Metadata)),
		},
		dir:      dir,
		snapshot: TakeSnapshot(pair),
	}
	logging.Artifacts("Staging artifact pair in %s", dir)
	return s, nil
}

// Dir returns the staging directory.
func (s *Staging) Dir() string { return s.dir }

// Commit promotes the staged pair. Both halves must exist and be non-empty.
// On any error the previously promoted pair is restored and the staging
// directory removed.
func (s *Staging) Commit() error {
	if s.done {
		return fmt.Errorf("staging %s already finished", s.dir)
	}
	defer s.Discard()

	for _, p := range []string{s.Staged.Library, s.Staged.Metadata} {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			return fmt.Errorf("%w: compile did not produce %s", ErrIncompletePair, filepath.Base(p))
		}
		if info.Size() == 0 {
			return fmt.Errorf("%w: %s is empty", ErrIncompletePair, filepath.Base(p))
		}
	}

	// Checked before anything is parked so a rejected pair never displaces
	// the promoted one.
	if err := s.snapshot.Fresher(s.Staged); err != nil {
		return err
	}

	moves := []struct{ from, to string }{
		{s.Staged.Metadata, s.Final.Metadata},
		{s.Staged.Library, s.Final.Library},
	}

	// Park the current pair so a half-finished promotion can be undone.
	var parked []struct{ final, backup string }
	for _, m := range moves {
		if !isFile(m.to) {
			continue
		}
		backup := filepath.Join(s.dir, "prev-"+filepath.Base(m.to))
		if err := os.Rename(m.to, backup); err != nil {
			restore(parked)
			return fmt.Errorf("park previous %s: %w", filepath.Base(m.to), err)
		}
		parked = append(parked, struct{ final, backup string }{m.to, backup})
	}

	for i, m := range moves {
		if err := os.Rename(m.from, m.to); err != nil {
			for _, done := range moves[:i] {
				_ = os.Remove(done.to)
			}
			restore(parked)
			return fmt.Errorf("promote %s: %w", filepath.Base(m.to), err)
		}
	}

	logging.Artifacts("Promoted artifact pair: %s, %s", s.Final.Library, s.Final.Metadata)
	return nil
}

// Discard removes the staging directory. Safe to call more than once.
func (s *Staging) Discard() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := os.RemoveAll(s.dir); err != nil {
		logging.ArtifactsWarn("Could not remove staging directory %s: %v", s.dir, err)
		return err
	}
	return nil
}

func restore(parked []struct{ final, backup string }) {
	for _, p := range parked {
		if err := os.Rename(p.backup, p.final); err != nil {
			logging.ArtifactsWarn("Could not restore %s: %v", p.final, err)
		}
	}
}

func removeStaleStaging(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-staleStagingAge)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.ArtifactsWarn("Could not remove stale staging %s: %v", path, err)
			continue
		}
		logging.ArtifactsDebug("Removed stale staging %s", path)
	}
}
