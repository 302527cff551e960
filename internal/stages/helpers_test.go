package stages

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"proofpipe/internal/artifact"
	"proofpipe/internal/pipeline"
)

func stageNames(stages []*pipeline.Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}

func writePair(t *testing.T, pair artifact.Pair, lib, meta string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(pair.Dir(), 0755))
	require.NoError(t, os.WriteFile(pair.Library, []byte(lib), 0644))
	require.NoError(t, os.WriteFile(pair.Metadata, []byte(meta), 0644))
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}
