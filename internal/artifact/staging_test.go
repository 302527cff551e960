package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stagingDirs(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), stagingPrefix) {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestStage_CreatesOutputDir(t *testing.T) {
	pair := testPair(t.TempDir())

	s, err := Stage(pair)
	require.NoError(t, err)
	defer s.Discard()

	assert.DirExists(t, pair.Dir())
	assert.DirExists(t, s.Dir())
	assert.Equal(t, s.Dir(), filepath.Dir(s.Staged.Library))
	assert.Equal(t, filepath.Base(pair.Library), filepath.Base(s.Staged.Library))
	assert.Equal(t, filepath.Base(pair.Metadata), filepath.Base(s.Staged.Metadata))
}

func TestStage_CommitPromotesBoth(t *testing.T) {
	pair := testPair(t.TempDir())
	writeFile(t, pair.Library, "old lib")
	writeFile(t, pair.Metadata, "old vir")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(pair.Library, past, past))
	require.NoError(t, os.Chtimes(pair.Metadata, past, past))

	s, err := Stage(pair)
	require.NoError(t, err)
	writeFile(t, s.Staged.Library, "new lib")
	writeFile(t, s.Staged.Metadata, "new vir")

	require.NoError(t, s.Commit())

	assert.Equal(t, "new lib", readFile(t, pair.Library))
	assert.Equal(t, "new vir", readFile(t, pair.Metadata))
	for _, p := range []string{pair.Library, pair.Metadata} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, info.ModTime().After(past))
	}
	assert.Empty(t, stagingDirs(t, pair.Dir()))
	assert.Error(t, s.Commit(), "second commit must fail")
}

func TestStage_CommitRejectsHalfPair(t *testing.T) {
	pair := testPair(t.TempDir())
	writeFile(t, pair.Library, "old lib")
	writeFile(t, pair.Metadata, "old vir")

	s, err := Stage(pair)
	require.NoError(t, err)
	writeFile(t, s.Staged.Library, "new lib")

	err = s.Commit()
	assert.True(t, errors.Is(err, ErrIncompletePair), "got %v", err)
	assert.Equal(t, "old lib", readFile(t, pair.Library))
	assert.Equal(t, "old vir", readFile(t, pair.Metadata))
	assert.Empty(t, stagingDirs(t, pair.Dir()))
}

func TestStage_CommitRejectsEmptyHalf(t *testing.T) {
	pair := testPair(t.TempDir())
	s, err := Stage(pair)
	require.NoError(t, err)
	writeFile(t, s.Staged.Library, "lib")
	writeFile(t, s.Staged.Metadata, "")

	assert.True(t, errors.Is(s.Commit(), ErrIncompletePair))
	assert.False(t, pair.Exists())
}

func TestStage_DiscardKeepsPriorPair(t *testing.T) {
	pair := testPair(t.TempDir())
	writeFile(t, pair.Library, "good lib")
	writeFile(t, pair.Metadata, "good vir")

	s, err := Stage(pair)
	require.NoError(t, err)
	writeFile(t, s.Staged.Library, "corrupt")

	require.NoError(t, s.Discard())
	require.NoError(t, s.Discard())

	assert.Equal(t, "good lib", readFile(t, pair.Library))
	assert.Equal(t, "good vir", readFile(t, pair.Metadata))
	assert.Empty(t, stagingDirs(t, pair.Dir()))
}

func TestStage_RemovesOnlyOldStaging(t *testing.T) {
	pair := testPair(t.TempDir())
	require.NoError(t, EnsureDir(pair.Dir()))

	old := filepath.Join(pair.Dir(), stagingPrefix+"abandoned")
	recent := filepath.Join(pair.Dir(), stagingPrefix+"concurrent")
	require.NoError(t, os.Mkdir(old, 0755))
	require.NoError(t, os.Mkdir(recent, 0755))
	ancient := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, ancient, ancient))

	s, err := Stage(pair)
	require.NoError(t, err)
	defer s.Discard()

	assert.NoDirExists(t, old)
	assert.DirExists(t, recent)
}

func TestStage_CommitIgnoresSkewedPreviousPair(t *testing.T) {
	pair := testPair(t.TempDir())
	writeFile(t, pair.Library, "old lib")
	writeFile(t, pair.Metadata, "old vir")
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(pair.Library, future, future))
	require.NoError(t, os.Chtimes(pair.Metadata, future, future))

	s, err := Stage(pair)
	require.NoError(t, err)
	writeFile(t, s.Staged.Library, "new lib")
	writeFile(t, s.Staged.Metadata, "new vir")

	require.NoError(t, s.Commit())
	assert.Equal(t, "new lib", readFile(t, pair.Library))
	assert.Equal(t, "new vir", readFile(t, pair.Metadata))
	assert.Empty(t, stagingDirs(t, pair.Dir()))
}

func TestStage_CommitRejectsStaleStagedPair(t *testing.T) {
	pair := testPair(t.TempDir())
	writeFile(t, pair.Library, "old lib")
	writeFile(t, pair.Metadata, "old vir")

	s, err := Stage(pair)
	require.NoError(t, err)
	writeFile(t, s.Staged.Library, "copied lib")
	writeFile(t, s.Staged.Metadata, "copied vir")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(s.Staged.Metadata, past, past))

	err = s.Commit()
	assert.True(t, errors.Is(err, ErrStale), "got %v", err)
	assert.Equal(t, "old lib", readFile(t, pair.Library))
	assert.Equal(t, "old vir", readFile(t, pair.Metadata))
	assert.Empty(t, stagingDirs(t, pair.Dir()))
}
