// Package supervisor implements the Run Supervisor: it owns the run
// directory, schedules flows up to the configured concurrency cap,
// tracks the failure budget, and prints the run's stdout contract.
package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flowctl/flowctl/utils/engine"
	"github.com/flowctl/flowctl/utils/kernel"
	"github.com/flowctl/flowctl/utils/runid"
	"github.com/flowctl/flowctl/utils/status"
	"github.com/flowctl/flowctl/utils/step"
)

// Options are every run-wide knob spec.md §4.4 names.
type Options struct {
	Parallel            int
	MaxFlowFailures     int
	HaltOnMaxFailures   bool
	PrintFlowPaths      bool
	ListCodexFinalPaths bool
	MaxFlows            int // 0 means unlimited
	OutputsRoot         string
}

// MaxFlowFailuresExceeded is raised when the failure budget trips and
// HaltOnMaxFailures is set.
type MaxFlowFailuresExceeded struct {
	FailedFlows int
}

func (e *MaxFlowFailuresExceeded) Error() string {
	return fmt.Sprintf("maximum flow failures reached: %d flows failed", e.FailedFlows)
}

// Validate rejects the two inputs spec.md §4.4 calls out explicitly.
func (o Options) Validate() error {
	if o.MaxFlowFailures < 1 {
		return fmt.Errorf("max_flow_failures must be >= 1, got %d", o.MaxFlowFailures)
	}
	if o.MaxFlows < 0 {
		return fmt.Errorf("max_flows must be >= 0, got %d", o.MaxFlows)
	}
	return nil
}

// Run executes every flow in flows (subject to MaxFlows), up to
// Parallel concurrently, and returns the accumulated per-branch
// results across every flow that ran.
func Run(deps kernel.Deps, baseSteps []step.Spec, flows []step.FlowConfig, opts Options) ([]engine.BranchResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	runDir := filepath.Join(opts.OutputsRoot, runid.Prefixed("run"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	finishedPath := filepath.Join(runDir, "finished.txt")
	finishedFile, err := os.Create(finishedPath)
	if err != nil {
		return nil, fmt.Errorf("creating finished.txt: %w", err)
	}
	defer finishedFile.Close()
	var finishedMu sync.Mutex

	names := make([]string, len(baseSteps))
	for i, s := range baseSteps {
		names[i] = step.StepRefLabel(i, s)
	}
	board := status.NewBoard(names, len(flows))
	cancel := status.NewLatch()

	monitor := newProgressMonitor(board)
	monitor.Start()

	scheduled := flows
	if opts.MaxFlows > 0 && opts.MaxFlows < len(flows) {
		scheduled = flows[:opts.MaxFlows]
	}

	var (
		wg          sync.WaitGroup
		resultsMu   sync.Mutex
		allResults  []engine.BranchResult
		aliveMu     sync.Mutex
		alive       int
		failedFlows int
		failedMu    sync.Mutex
		cancelOnce  sync.Once
	)

	for _, flow := range scheduled {
		if cancel.IsTripped() {
			break
		}

		flowDir := filepath.Join(runDir, runid.Prefixed("flow"))
		if err := os.MkdirAll(flowDir, 0o755); err != nil {
			continue
		}
		if opts.PrintFlowPaths {
			fmt.Println(flowDir)
		}

		for {
			aliveMu.Lock()
			n := alive
			aliveMu.Unlock()
			if n < opts.Parallel {
				break
			}
			if cancel.IsTripped() {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}

		aliveMu.Lock()
		alive++
		aliveMu.Unlock()

		wg.Add(1)
		go func(flow step.FlowConfig, flowDir string) {
			defer wg.Done()
			defer func() {
				aliveMu.Lock()
				alive--
				aliveMu.Unlock()
			}()

			results := engine.RunFlow(deps, flow.Steps, board, cancel, flowDir)
			board.MarkFinished()

			failed := flowFailed(flowDir)
			outcome := "done"
			if failed {
				outcome = "failed"
				failedMu.Lock()
				failedFlows++
				n := failedFlows
				failedMu.Unlock()
				if opts.HaltOnMaxFailures && n >= opts.MaxFlowFailures {
					tripped := false
					cancelOnce.Do(func() {
						cancel.Trip()
						tripped = true
					})
					if tripped {
						fmt.Println("Maximum flow failures reached")
					}
				}
			}

			line := outcome
			if len(flow.InterpolatedPaths) > 0 {
				line = outcome + " " + strings.Join(flow.InterpolatedPaths, ",")
			}
			finishedMu.Lock()
			fmt.Fprintln(finishedFile, line)
			finishedMu.Unlock()

			if opts.ListCodexFinalPaths && !failed && len(flow.Steps) > 0 && flow.Steps[len(flow.Steps)-1].Type == step.TypeCodex {
				for _, r := range results {
					if r.ArtifactPath != "" {
						fmt.Println(r.ArtifactPath)
					}
				}
			}

			resultsMu.Lock()
			allResults = append(allResults, results...)
			resultsMu.Unlock()
		}(flow, flowDir)
	}

	wg.Wait()
	monitor.Stop()

	if failedFlows > 0 {
		if err := writeFailedFiles(runDir, scheduled); err != nil {
			return allResults, err
		}
	}

	if opts.HaltOnMaxFailures && failedFlows >= opts.MaxFlowFailures {
		return allResults, &MaxFlowFailuresExceeded{FailedFlows: failedFlows}
	}

	return allResults, nil
}

func flowFailed(flowDir string) bool {
	_, err := os.Stat(filepath.Join(flowDir, "flow_failed.txt"))
	return err == nil
}

// writeFailedFiles writes one comma-joined line per failed flow whose
// expansion included interpolated paths. It pairs the run directory's
// flow_* subdirectories, listed in name order (ULIDs sort in creation
// order), with the scheduled flows in order, and treats a flow as failed
// when its directory holds flow_failed.txt; flows with no interpolation
// are skipped.
func writeFailedFiles(runDir string, scheduled []step.FlowConfig) error {
	path := filepath.Join(runDir, "failed_files")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating failed_files: %w", err)
	}
	defer f.Close()

	entries, err := os.ReadDir(runDir)
	if err != nil {
		return fmt.Errorf("reading run directory: %w", err)
	}

	flowIdx := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "flow_") {
			continue
		}
		if flowIdx >= len(scheduled) {
			break
		}
		flowDir := filepath.Join(runDir, e.Name())
		flow := scheduled[flowIdx]
		flowIdx++
		if !flowFailed(flowDir) || len(flow.InterpolatedPaths) == 0 {
			continue
		}
		fmt.Fprintln(f, strings.Join(flow.InterpolatedPaths, ","))
	}
	return nil
}
