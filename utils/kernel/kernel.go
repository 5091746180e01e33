// Package kernel implements the Step Kernel: given one step spec and
// the branch state inherited from earlier steps, it assembles the
// prompt, dispatches to the right backend, writes artifacts, and
// detects clean early exits. Errors are returned as *Error for the
// Flow Engine to quarantine; the Kernel never decides whether a flow
// is "failed".
package kernel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/flowctl/flowctl/utils/clients"
	"github.com/flowctl/flowctl/utils/step"
)

// Deps are the run-wide collaborators and LLM defaults one Kernel call
// needs. LLM and CLI are interfaces so tests can substitute a
// deterministic fake without touching the network or a subprocess.
type Deps struct {
	LLM             clients.LLMClient
	CLI             clients.CLIClient
	Model           string
	ServiceTier     string
	ReasoningEffort string
	// Workdir is passed only to the external CLI adapter. cmd steps
	// deliberately inherit the orchestrator's own working directory
	// instead; this is preserved as-is, not "fixed".
	Workdir string
}

// Output is one step's recorded result, kept around so later steps'
// "inputs" references can resolve it by name or index.
type Output struct {
	Name string
	Text string
}

// History is every prior step's recorded output, indexed by absolute
// step position.
type History []Output

// Resolve looks up ref against the history: by absolute index, or by
// the first output whose recorded name matches.
func (h History) Resolve(ref step.Ref) (string, bool) {
	if ref.IsIndex {
		if ref.Index < 0 || ref.Index >= len(h) {
			return "", false
		}
		return h[ref.Index].Text, true
	}
	for _, o := range h {
		if o.Name == ref.Name {
			return o.Text, true
		}
	}
	return "", false
}

// EarlyExit signals a clean, non-failing flow termination.
type EarlyExit struct {
	Message string
}

// Error is a quarantined step failure. The Flow Engine writes its
// fields into curr_dir/errors/run_*/ and marks the owning flow failed.
type Error struct {
	StepType    step.Type
	Message     string
	Stderr      string
	ExitCode    int
	HasExitCode bool
}

func (e *Error) Error() string {
	return e.Message
}

// Result is the Kernel's opaque return value for one step.
type Result struct {
	OutputText   string
	ArtifactPath string
	EarlyExit    *EarlyExit
}

// Run executes one step: assembles its prompt, dispatches to the
// step's backend, writes artifacts, and checks for a clean early exit.
func Run(deps Deps, idx int, s step.Spec, prevOutput string, history History, currDir string) (Result, error) {
	var (
		outputText   string
		artifactPath string
		err          error
	)

	switch s.Type {
	case step.TypeCmd:
		outputText, artifactPath, err = runCmd(idx, s, prevOutput, currDir)
	case step.TypeOpenAI:
		prompt := assemblePrompt(s, prevOutput, history)
		outputText, artifactPath, err = runOpenAI(deps, idx, s, prompt, currDir)
	case step.TypeCodex:
		prompt := assemblePrompt(s, prevOutput, history)
		outputText, artifactPath, err = runCodex(deps, s, prompt, currDir)
	default:
		err = &Error{StepType: s.Type, Message: fmt.Sprintf("unrecognized step type %q", s.Type)}
	}
	if err != nil {
		return Result{}, err
	}

	if exit := checkEarlyExit(idx, s, outputText); exit != nil {
		writeEarlyExitLog(currDir, idx, exit.Message)
		return Result{OutputText: outputText, ArtifactPath: artifactPath, EarlyExit: exit}, nil
	}

	return Result{OutputText: outputText, ArtifactPath: artifactPath}, nil
}

// assemblePrompt builds the text sent to the openai/codex backends.
// Placeholder substitution has already happened in the Flow Expander;
// this only handles the prev_output/inputs concatenation.
func assemblePrompt(s step.Spec, prevOutput string, history History) string {
	prompt := s.Prompt

	if len(s.Inputs) == 0 {
		if prevOutput != "" {
			prompt = strings.TrimRight(prompt+"\n"+prevOutput, " \t\r\n")
		}
		return prompt
	}

	for _, ref := range s.Inputs {
		text, _ := history.Resolve(ref)
		prompt += "\n" + text
	}
	return prompt
}

// runCmd runs the step's shell string through the host shell, piping
// stdin_file's contents (if set) or prev_output otherwise. It inherits
// the orchestrator process's own working directory, never workdir.
func runCmd(idx int, s step.Spec, prevOutput string, currDir string) (string, string, error) {
	var stdin io.Reader = strings.NewReader(prevOutput)
	if s.StdinFile != "" {
		data, err := os.ReadFile(s.StdinFile)
		if err != nil {
			return "", "", &Error{StepType: step.TypeCmd, Message: fmt.Sprintf("reading stdin_file %s: %v", s.StdinFile, err)}
		}
		stdin = bytes.NewReader(data)
	}

	cmd := exec.Command("sh", "-c", s.Cmd)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	artifactPath := filepath.Join(currDir, fmt.Sprintf("step_%d_cmd.txt", idx))
	if writeErr := os.WriteFile(artifactPath, stdout.Bytes(), 0o644); writeErr != nil {
		return "", "", &Error{StepType: step.TypeCmd, Message: fmt.Sprintf("writing step artifact: %v", writeErr)}
	}

	if runErr != nil {
		fmt.Fprint(os.Stderr, stderr.String())
		exitCode := -1
		hasCode := false
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			hasCode = true
		}
		return "", "", &Error{
			StepType:    step.TypeCmd,
			Message:     fmt.Sprintf("command exited with error: %v", runErr),
			Stderr:      stderr.String(),
			ExitCode:    exitCode,
			HasExitCode: hasCode,
		}
	}

	return stdout.String(), artifactPath, nil
}

// runOpenAI calls the LLM adapter and persists both the primary text
// and the full response document, splitting response_buckets if set.
func runOpenAI(deps Deps, idx int, s step.Spec, prompt string, currDir string) (string, string, error) {
	if deps.LLM == nil {
		return "", "", &Error{StepType: step.TypeOpenAI, Message: "no LLM client configured for an openai step"}
	}

	resp, err := deps.LLM.Complete(clients.LLMRequest{
		Model:           deps.Model,
		Input:           prompt,
		ServiceTier:     deps.ServiceTier,
		ReasoningEffort: deps.ReasoningEffort,
		WebSearch:       s.WebSearch,
	})
	if err != nil {
		return "", "", &Error{StepType: step.TypeOpenAI, Message: err.Error()}
	}

	outputText := resp.PrimaryText

	if len(s.ResponseBuckets) > 0 {
		if buckets, splitErr := splitBuckets(resp.PrimaryText, s.ResponseBuckets); splitErr == nil {
			for _, b := range s.ResponseBuckets {
				text, ok := buckets[b.Name]
				if !ok {
					continue
				}
				bucketPath := filepath.Join(currDir, fmt.Sprintf("step_%d_openai_bucket_%s.txt", idx, b.Name))
				if err := os.WriteFile(bucketPath, []byte(text), 0o644); err != nil {
					return "", "", &Error{StepType: step.TypeOpenAI, Message: fmt.Sprintf("writing bucket %s: %v", b.Name, err)}
				}
			}
			primary := s.PrimaryBucket
			if primary == "" {
				primary = s.ResponseBuckets[0].Name
			}
			if text, ok := buckets[primary]; ok {
				outputText = text
			}
		}
	}

	textPath := filepath.Join(currDir, fmt.Sprintf("step_%d_openai.txt", idx))
	if err := os.WriteFile(textPath, []byte(outputText), 0o644); err != nil {
		return "", "", &Error{StepType: step.TypeOpenAI, Message: fmt.Sprintf("writing step artifact: %v", err)}
	}

	jsonPath := filepath.Join(currDir, fmt.Sprintf("step_%d_openai_response.json", idx))
	rawJSON, err := json.MarshalIndent(resp.Raw, "", "  ")
	if err != nil {
		return "", "", &Error{StepType: step.TypeOpenAI, Message: fmt.Sprintf("encoding response json: %v", err)}
	}
	if err := os.WriteFile(jsonPath, rawJSON, 0o644); err != nil {
		return "", "", &Error{StepType: step.TypeOpenAI, Message: fmt.Sprintf("writing response json: %v", err)}
	}

	return outputText, textPath, nil
}

// splitBuckets parses text as a JSON object and extracts one string
// per named bucket, encoding non-string values back to JSON text.
func splitBuckets(text string, buckets []step.Bucket) (map[string]string, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, err
	}

	result := make(map[string]string, len(buckets))
	for _, b := range buckets {
		v, ok := doc[b.Name]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			result[b.Name] = s
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		result[b.Name] = string(encoded)
	}
	return result, nil
}

// runCodex calls the external CLI adapter, which owns its own
// codex_exec_* artifact directory under currDir.
func runCodex(deps Deps, s step.Spec, prompt string, currDir string) (string, string, error) {
	if deps.CLI == nil {
		return "", "", &Error{StepType: step.TypeCodex, Message: "no external CLI client configured for a codex step"}
	}

	result, err := deps.CLI.Run(prompt, deps.Workdir, currDir)
	if err != nil {
		return "", "", &Error{StepType: step.TypeCodex, Message: err.Error()}
	}
	return result.FinalMessage, result.FinalPath, nil
}

// checkEarlyExit implements the two clean-termination conditions.
func checkEarlyExit(idx int, s step.Spec, outputText string) *EarlyExit {
	if s.ExitOnEmptyResponse && outputText == "" {
		return &EarlyExit{Message: fmt.Sprintf("%s produced an empty response.", step.StepRefLabel(idx, s))}
	}
	if s.ExitOnResponseContains != "" && strings.Contains(outputText, s.ExitOnResponseContains) {
		return &EarlyExit{Message: fmt.Sprintf("%s response matched %q.", step.StepRefLabel(idx, s), s.ExitOnResponseContains)}
	}
	return nil
}

func writeEarlyExitLog(currDir string, idx int, message string) {
	path := filepath.Join(currDir, fmt.Sprintf("step_%d_early_exit.txt", idx))
	_ = os.WriteFile(path, []byte(message+"\n"), 0o644)
}
