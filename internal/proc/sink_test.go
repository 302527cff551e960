package proc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := WriterSink{W: &buf}
	require.NoError(t, s.WriteLine("a\n"))
	require.NoError(t, s.WriteLine("partial"))
	assert.Equal(t, "a\npartial", buf.String())
}

func TestMultiSink_AllSinksSeeEveryLine(t *testing.T) {
	first := NewMemorySink()
	second := NewMemorySink()
	failing := FuncSink(func(string) error { return errors.New("disk full") })

	m := MultiSink{first, nil, failing, second}
	err := m.WriteLine("x\n")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []string{"x\n"}, first.Lines())
	assert.Equal(t, []string{"x\n"}, second.Lines())
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	_ = s.WriteLine("one\n")
	_ = s.WriteLine("two\n")

	lines := s.Lines()
	lines[0] = "mutated"
	assert.Equal(t, "one\ntwo\n", s.String())

	s.Reset()
	assert.Empty(t, s.Lines())
}

func TestCommandString(t *testing.T) {
	cmd := Command{
		Binary: "verus",
		Args:   []string{"--cfg", `feature="dev_only"`, "src/lib.rs", "--multiple-errors", "20"},
	}
	assert.Equal(t, `verus --cfg "feature=\"dev_only\"" src/lib.rs --multiple-errors 20`, cmd.String())
}

func TestResultCode(t *testing.T) {
	tests := []struct {
		result Result
		want   int
	}{
		{Result{Status: StatusSuccess}, 0},
		{Result{Status: StatusFailed, ExitCode: 101}, 101},
		{Result{Status: StatusFailed, ExitCode: -1}, 1},
		{Result{Status: StatusSignaled, Signal: 9}, 137},
		{Result{Status: StatusTimedOut}, ExitTimeout},
		{Result{Status: StatusCanceled}, ExitCanceled},
		{Result{Status: StatusSpawnError}, ExitSpawnError},
		{Result{Status: StatusSinkError}, ExitSinkFailure},
	}
	for _, tt := range tests {
		t.Run(tt.result.Status.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Code())
			assert.Equal(t, tt.want == 0, tt.result.OK())
		})
	}
	var nilResult *Result
	assert.False(t, nilResult.OK())
}
