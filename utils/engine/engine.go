// Package engine implements the Flow Engine: the depth-first,
// fan-out-on-array walk of one flow's step list, starting a fresh
// concurrent worker per array branch and aggregating failure state
// across all of them.
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/flowctl/flowctl/utils/kernel"
	"github.com/flowctl/flowctl/utils/runid"
	"github.com/flowctl/flowctl/utils/status"
	"github.com/flowctl/flowctl/utils/step"
)

// BranchResult is one terminal leaf of the walk: a branch that either
// ran out of steps, exited early, or failed.
type BranchResult struct {
	OutputText   string
	ArtifactPath string
	BranchDir    string
}

// cancelled is the internal signal a branch raises when it observes
// the run's cancellation latch. It is never surfaced outside engine.
type cancelled struct{}

func (cancelled) Error() string { return "cancelled" }

// flowState is the mutable state shared by every branch worker walking
// one flow: the failure flag, the run-wide step counters, and the
// cancellation latch.
type flowState struct {
	mu     sync.Mutex
	failed bool

	deps   kernel.Deps
	board  *status.Board
	cancel *status.Latch
}

func (fs *flowState) markFailed() {
	fs.mu.Lock()
	fs.failed = true
	fs.mu.Unlock()
}

func (fs *flowState) isFailed() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.failed
}

// RunFlow walks steps from index 0 in flowDir, the flow's own
// directory. It returns every branch's terminal result. If the flow
// failed (including by cancellation) it writes flow_failed.txt in
// flowDir; that file is the only record of the failure.
func RunFlow(deps kernel.Deps, steps []step.Spec, board *status.Board, cancel *status.Latch, flowDir string) []BranchResult {
	fs := &flowState{deps: deps, board: board, cancel: cancel}

	results, err := fs.walk(steps, 0, "", "", flowDir, nil)
	if err != nil {
		fs.markFailed()
	}

	if fs.isFailed() {
		markerPath := filepath.Join(flowDir, "flow_failed.txt")
		_ = os.WriteFile(markerPath, []byte{}, 0o644)
	}

	return results
}

// walk executes steps[idx:] for one branch rooted at currDir, carrying
// (prevOutput, prevPath) forward and the accumulated history of named
// outputs.
func (fs *flowState) walk(steps []step.Spec, idx int, prevOutput string, prevPath string, currDir string, history kernel.History) ([]BranchResult, error) {
	if fs.cancel.IsTripped() {
		return nil, cancelled{}
	}

	if idx >= len(steps) {
		return []BranchResult{{OutputText: prevOutput, ArtifactPath: prevPath, BranchDir: currDir}}, nil
	}

	s := steps[idx]
	fs.board.Inc(idx)
	decremented := false
	dec := func() {
		if !decremented {
			fs.board.Dec(idx)
			decremented = true
		}
	}
	defer dec()

	result, kernelErr := kernel.Run(fs.deps, idx, s, prevOutput, history, currDir)
	if kernelErr != nil {
		dec()
		artifactPath := writeQuarantine(currDir, idx, s, kernelErr)
		return []BranchResult{{ArtifactPath: artifactPath, BranchDir: currDir}}, fmt.Errorf("step %d failed: %w", idx, kernelErr)
	}

	if result.EarlyExit != nil {
		dec()
		return []BranchResult{{OutputText: result.OutputText, ArtifactPath: result.ArtifactPath, BranchDir: currDir}}, nil
	}

	nextHistory := append(append(kernel.History(nil), history...), kernel.Output{
		Name: step.StepRefLabel(idx, s),
		Text: result.OutputText,
	})

	if !s.Array {
		dec()
		return fs.walk(steps, idx+1, result.OutputText, result.ArtifactPath, currDir, nextHistory)
	}

	var elements []interface{}
	if jsonErr := json.Unmarshal([]byte(result.OutputText), &elements); jsonErr != nil {
		dec()
		artifactPath := writeArrayError(currDir, idx, jsonErr)
		return []BranchResult{{ArtifactPath: artifactPath, BranchDir: currDir}}, fmt.Errorf("step %d array parse failed: %w", idx, jsonErr)
	}
	dec()

	return fs.fanOut(steps, idx, elements, currDir, nextHistory)
}

// fanOut spawns one worker per array element, each owning its own
// branch_{k} subdirectory, and joins all of them before returning.
func (fs *flowState) fanOut(steps []step.Spec, idx int, elements []interface{}, currDir string, history kernel.History) ([]BranchResult, error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []BranchResult
	var branchErr error

	for k, elem := range elements {
		k, elem := k, elem
		wg.Add(1)
		go func() {
			defer wg.Done()

			branchDir := filepath.Join(currDir, fmt.Sprintf("branch_%d", k))
			if err := os.MkdirAll(branchDir, 0o755); err != nil {
				mu.Lock()
				all = append(all, BranchResult{BranchDir: branchDir})
				mu.Unlock()
				return
			}

			branchHistory := append(kernel.History(nil), history...)
			res, err := fs.walk(steps, idx+1, serializeElement(elem), "", branchDir, branchHistory)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				branchErr = err
			}
			all = append(all, res...)
		}()
	}
	wg.Wait()

	return all, branchErr
}

// serializeElement turns one array element into the next branch's
// prev_output: strings pass through verbatim, everything else is
// re-serialized as JSON.
func serializeElement(e interface{}) string {
	if s, ok := e.(string); ok {
		return s
	}
	encoded, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("%v", e)
	}
	return string(encoded)
}

// writeQuarantine records a failed step under curr_dir/errors/run_*/,
// per step-error artifacting rules.
func writeQuarantine(currDir string, idx int, s step.Spec, err error) string {
	dir := filepath.Join(currDir, "errors", runid.Prefixed("run"))
	_ = os.MkdirAll(dir, 0o755)

	path := filepath.Join(dir, fmt.Sprintf("step_%d_%s.txt", idx, s.Type))
	content := fmt.Sprintf("%s\n%s\n\nstep %d (%s) failed in kernel.Run\n", s.Type, err.Error(), idx, s.Type)
	_ = os.WriteFile(path, []byte(content), 0o644)

	if kerr, ok := err.(*kernel.Error); ok && (kerr.HasExitCode || kerr.Stderr != "") {
		stderrPath := filepath.Join(dir, fmt.Sprintf("step_%d_%s_stderr.txt", idx, s.Type))
		stderrContent := fmt.Sprintf("exit_code: %d\n%s", kerr.ExitCode, kerr.Stderr)
		_ = os.WriteFile(stderrPath, []byte(stderrContent), 0o644)
	}

	return path
}

// writeArrayError records an array step whose output did not parse as
// a JSON list.
func writeArrayError(currDir string, idx int, err error) string {
	dir := filepath.Join(currDir, "errors", runid.Prefixed("run"))
	_ = os.MkdirAll(dir, 0o755)
	path := filepath.Join(dir, fmt.Sprintf("step_%d_array.txt", idx))
	content := fmt.Sprintf("array\nstep %d output is not a JSON list: %v\n", idx, err)
	_ = os.WriteFile(path, []byte(content), 0o644)
	return path
}
