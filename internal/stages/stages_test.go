package stages

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proofpipe/internal/artifact"
	"proofpipe/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ProjectRoot = t.TempDir()
	cfg.Verify.ExtraArgs = nil
	return cfg
}

func TestVerifyArgs_Modes(t *testing.T) {
	cfg := testConfig(t)
	base := []string{"--crate-type=lib", "src/lib.rs", "--multiple-errors", "20", "--expand-errors"}

	tests := []struct {
		mode Mode
		want []string
	}{
		{ModeFull, base},
		{ModeDev, append(append([]string{}, base...), "--cfg", `feature="dev_only"`)},
		{ModeExperiments, append(append([]string{}, base...), "--cfg", `feature="experiments_only"`)},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			if diff := cmp.Diff(tt.want, VerifyArgs(cfg, tt.mode)); diff != "" {
				t.Errorf("args mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestVerifyArgs_DevPassesExactlyOneFeature(t *testing.T) {
	cfg := testConfig(t)
	args := VerifyArgs(cfg, ModeDev)

	cfgFlags := 0
	for i, a := range args {
		if a == "--cfg" {
			cfgFlags++
			assert.Equal(t, `feature="dev_only"`, args[i+1])
		}
		assert.NotContains(t, a, "experiments_only")
	}
	assert.Equal(t, 1, cfgFlags)
}

func TestVerifyArgs_ExtraArgsLast(t *testing.T) {
	cfg := testConfig(t)
	cfg.Verify.ExtraArgs = []string{"--rlimit", "30"}
	cfg.Verify.MaxErrors = 5

	args := VerifyArgs(cfg, ModeFull)
	assert.Equal(t, []string{"--rlimit", "30"}, args[len(args)-2:])
	assert.Contains(t, args, "5")
}

func TestCompileArgs(t *testing.T) {
	cfg := testConfig(t)
	pair := Pair(cfg)

	args := CompileArgs(cfg, pair)
	want := []string{
		"--compile", "--crate-type=lib", "--crate-name", "apas_verus", "src/lib.rs",
		"-o", filepath.Join(cfg.ProjectRoot, "target", "verus", "libapas_verus.rlib"),
		"--export", filepath.Join(cfg.ProjectRoot, "target", "verus", "apas_verus.vir"),
	}
	if diff := cmp.Diff(want, args); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
	assert.NoError(t, artifact.RequireDestinations(args, pair))
}

func TestModeStageName(t *testing.T) {
	for mode, want := range map[Mode]string{"": Verify, ModeFull: Verify, ModeDev: VerifyDev, ModeExperiments: VerifyExperiments} {
		got, err := mode.StageName()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := Mode("fast").StageName()
	assert.Error(t, err)
}

func TestRegistry_Graph(t *testing.T) {
	g, err := Registry(testConfig(t))
	require.NoError(t, err)

	order, err := g.Resolve([]string{PTT})
	require.NoError(t, err)
	assert.Equal(t, []string{Compile, PTT}, stageNames(order))

	order, err = g.Resolve(All)
	require.NoError(t, err)
	assert.Equal(t, []string{Verify, Compile, PTT, RTT}, stageNames(order))

	order, err = g.Resolve([]string{PTTPrebuilt})
	require.NoError(t, err)
	assert.Equal(t, []string{PTTPrebuilt}, stageNames(order), "prebuilt variant must not recompile")

	_, err = g.Resolve([]string{VerifyDev, VerifyExperiments})
	assert.Error(t, err)
	_, err = g.Resolve([]string{Verify, VerifyDev})
	assert.Error(t, err)
}

func TestRegistry_PlansRTT(t *testing.T) {
	cfg := testConfig(t)
	g, err := Registry(cfg)
	require.NoError(t, err)

	s, ok := g.Stage(RTT)
	require.True(t, ok)
	plan, err := s.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, plan.Commands, 1)

	cmd := plan.Commands[0]
	assert.Equal(t, "cargo", cmd.Binary)
	assert.Equal(t, []string{"nextest", "run", "--no-fail-fast"}, cmd.Args)
	assert.Equal(t, 120*time.Second, cmd.Timeout)
	assert.Equal(t, cfg.ProjectRoot, cmd.Dir)
}

func TestRegistry_PlansPTT(t *testing.T) {
	cfg := testConfig(t)
	g, err := Registry(cfg)
	require.NoError(t, err)

	s, _ := g.Stage(PTT)
	plan, err := s.Plan(context.Background())
	require.NoError(t, err)

	cmd := plan.Commands[0]
	assert.Equal(t, []string{"nextest", "run", "--no-fail-fast", "-j", "10"}, cmd.Args)
	assert.Equal(t, filepath.Join(cfg.ProjectRoot, "rust_verify_test"), cmd.Dir)
	assert.Zero(t, cmd.Timeout)
}

func TestRegistry_PrebuiltNeedsPair(t *testing.T) {
	cfg := testConfig(t)
	g, err := Registry(cfg)
	require.NoError(t, err)
	s, _ := g.Stage(PTTPrebuilt)

	_, err = s.Plan(context.Background())
	assert.True(t, errors.Is(err, artifact.ErrIncompletePair), "got %v", err)

	writePair(t, Pair(cfg), "lib", "vir")
	plan, err := s.Plan(context.Background())
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"nextest", "run", "--no-fail-fast", "-j", "10", "--features", "full_verify"},
		plan.Commands[0].Args)
}

func TestRegistry_CompilePlanDiscards(t *testing.T) {
	cfg := testConfig(t)
	g, err := Registry(cfg)
	require.NoError(t, err)
	s, _ := g.Stage(Compile)

	plan, err := s.Plan(context.Background())
	require.NoError(t, err)

	args := plan.Commands[0].Args
	lib := args[indexOf(args, "-o")+1]
	assert.Equal(t, Pair(cfg).Dir(), filepath.Dir(filepath.Dir(lib)), "compile must write into a staging dir")
	assert.DirExists(t, filepath.Dir(lib))

	require.NoError(t, plan.Finish(false))
	assert.NoDirExists(t, filepath.Dir(lib))
	assert.False(t, Pair(cfg).Exists())
}

func indexOf(args []string, s string) int {
	for i, a := range args {
		if a == s {
			return i
		}
	}
	return -1
}
