package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flowctl/flowctl/utils/kernel"
	"github.com/flowctl/flowctl/utils/status"
	"github.com/flowctl/flowctl/utils/step"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBoard(steps []step.Spec) *status.Board {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = step.StepRefLabel(i, s)
	}
	return status.NewBoard(names, 1)
}

func TestRunFlowLinearSuccessNotFailed(t *testing.T) {
	flowDir := t.TempDir()
	steps := []step.Spec{
		{Type: step.TypeCmd, Cmd: "printf a"},
		{Type: step.TypeCmd, Cmd: "cat"},
	}

	results := RunFlow(kernel.Deps{}, steps, newBoard(steps), status.NewLatch(), flowDir)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].OutputText)

	_, err := os.Stat(filepath.Join(flowDir, "flow_failed.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunFlowArrayFanOutProducesOneBranchPerElement(t *testing.T) {
	flowDir := t.TempDir()
	steps := []step.Spec{
		{Type: step.TypeCmd, Cmd: `printf '["a","b"]'`, Array: true},
		{Type: step.TypeCmd, Cmd: "cat"},
	}

	results := RunFlow(kernel.Deps{}, steps, newBoard(steps), status.NewLatch(), flowDir)
	require.Len(t, results, 2)

	outputs := map[string]bool{}
	for _, r := range results {
		outputs[r.OutputText] = true
	}
	assert.True(t, outputs["a"])
	assert.True(t, outputs["b"])

	_, statErr0 := os.Stat(filepath.Join(flowDir, "branch_0", "step_1_cmd.txt"))
	assert.NoError(t, statErr0)
	_, statErr1 := os.Stat(filepath.Join(flowDir, "branch_1", "step_1_cmd.txt"))
	assert.NoError(t, statErr1)

	_, failErr := os.Stat(filepath.Join(flowDir, "flow_failed.txt"))
	assert.True(t, os.IsNotExist(failErr))
}

func TestRunFlowStepFailureQuarantinesAndMarksFlowFailed(t *testing.T) {
	flowDir := t.TempDir()
	steps := []step.Spec{
		{Type: step.TypeCmd, Cmd: "exit 1"},
	}

	RunFlow(kernel.Deps{}, steps, newBoard(steps), status.NewLatch(), flowDir)

	_, err := os.Stat(filepath.Join(flowDir, "flow_failed.txt"))
	assert.NoError(t, err)

	entries, readErr := os.ReadDir(filepath.Join(flowDir, "errors"))
	require.NoError(t, readErr)
	require.Len(t, entries, 1)

	runDir := filepath.Join(flowDir, "errors", entries[0].Name())
	_, statErr := os.Stat(filepath.Join(runDir, "step_0_cmd.txt"))
	assert.NoError(t, statErr)
	_, stderrStatErr := os.Stat(filepath.Join(runDir, "step_0_cmd_stderr.txt"))
	assert.NoError(t, stderrStatErr)
}

func TestRunFlowArrayParseFailureMarksFlowFailed(t *testing.T) {
	flowDir := t.TempDir()
	steps := []step.Spec{
		{Type: step.TypeCmd, Cmd: "printf 'not json'", Array: true},
	}

	RunFlow(kernel.Deps{}, steps, newBoard(steps), status.NewLatch(), flowDir)

	_, err := os.Stat(filepath.Join(flowDir, "flow_failed.txt"))
	assert.NoError(t, err)

	entries, readErr := os.ReadDir(filepath.Join(flowDir, "errors"))
	require.NoError(t, readErr)
	require.Len(t, entries, 1)

	runDir := filepath.Join(flowDir, "errors", entries[0].Name())
	_, statErr := os.Stat(filepath.Join(runDir, "step_0_array.txt"))
	assert.NoError(t, statErr)
}

func TestRunFlowEarlyExitIsNotMarkedFailed(t *testing.T) {
	flowDir := t.TempDir()
	steps := []step.Spec{
		{Type: step.TypeCmd, Cmd: "printf ''", ExitOnEmptyResponse: true, Name: "empty_step"},
		{Type: step.TypeCmd, Cmd: "printf done > sentinel"},
	}

	results := RunFlow(kernel.Deps{}, steps, newBoard(steps), status.NewLatch(), flowDir)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].OutputText)

	_, err := os.Stat(filepath.Join(flowDir, "flow_failed.txt"))
	assert.True(t, os.IsNotExist(err))

	_, sentinelErr := os.Stat(filepath.Join(flowDir, "sentinel"))
	assert.True(t, os.IsNotExist(sentinelErr))
}

func TestRunFlowCancelledLatchMarksFlowFailed(t *testing.T) {
	flowDir := t.TempDir()
	steps := []step.Spec{
		{Type: step.TypeCmd, Cmd: "printf a"},
	}

	cancel := status.NewLatch()
	cancel.Trip()

	RunFlow(kernel.Deps{}, steps, newBoard(steps), cancel, flowDir)

	_, err := os.Stat(filepath.Join(flowDir, "flow_failed.txt"))
	assert.NoError(t, err)
}

func TestRunFlowActiveCountersReturnToZeroAfterCompletion(t *testing.T) {
	flowDir := t.TempDir()
	steps := []step.Spec{
		{Type: step.TypeCmd, Cmd: `printf '["a","b","c"]'`, Array: true},
		{Type: step.TypeCmd, Cmd: "cat"},
	}

	board := newBoard(steps)
	RunFlow(kernel.Deps{}, steps, board, status.NewLatch(), flowDir)

	_, counts, _, _ := board.Snapshot()
	for _, c := range counts {
		assert.Equal(t, int64(0), c)
	}
}
