package clients

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/flowctl/flowctl/utils/retry"
	"github.com/flowctl/flowctl/utils/runid"
)

// CodexClient spawns the external codex CLI in non-interactive "exec"
// mode, grounded on the teacher's OpenAICodexProvider
// (utils/models/openaicodex.go), generalized from a single-shot
// timeout+kill to an adapter that retries timed-out attempts after a
// fixed 1 s pause.
type CodexClient struct {
	BinaryPath string
	Timeout    time.Duration
	MaxRetries int
}

// NewCodexClient locates the codex binary the same way the teacher
// does: PATH first, then a handful of common install locations.
func NewCodexClient(timeout time.Duration) (*CodexClient, error) {
	path, err := findCodexBinary()
	if err != nil {
		return nil, err
	}
	return &CodexClient{BinaryPath: path, Timeout: timeout, MaxRetries: 3}, nil
}

func findCodexBinary() (string, error) {
	if path, err := exec.LookPath("codex"); err == nil {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}

	candidates := []string{
		filepath.Join(home, ".npm-global", "bin", "codex"),
		filepath.Join(home, "node_modules", ".bin", "codex"),
		filepath.Join(home, ".local", "bin", "codex"),
		"/usr/local/bin/codex",
		"/usr/bin/codex",
		"/opt/homebrew/bin/codex",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("codex binary not found in PATH or common locations")
}

// Run implements CLIClient. workDir is the process's working directory
// (the run's --workdir); outputDir is the branch's curr_dir, where the
// codex_exec_<rand> subdirectory is created.
func (c *CodexClient) Run(prompt string, workDir string, outputDir string) (CLIResult, error) {
	result, err := retry.WithRetry(
		func() (interface{}, error) {
			return c.attempt(prompt, workDir, outputDir)
		},
		func(err error) bool {
			return strings.Contains(err.Error(), "timed out")
		},
		retry.RetryConfig{
			MaxRetries:  c.MaxRetries,
			InitialWait: 1 * time.Second,
			MaxWait:     1 * time.Second,
			Factor:      1.0,
		},
	)
	if err != nil {
		return CLIResult{}, err
	}
	return result.(CLIResult), nil
}

func (c *CodexClient) attempt(prompt string, workDir string, outputDir string) (CLIResult, error) {
	execDir := filepath.Join(outputDir, runid.Prefixed("codex_exec"))
	if err := os.MkdirAll(execDir, 0o755); err != nil {
		return CLIResult{}, fmt.Errorf("creating codex exec directory: %w", err)
	}

	finalPath := filepath.Join(execDir, "final_message.txt")
	stdoutPath := filepath.Join(execDir, "stdout.txt")

	args := []string{"exec", "--skip-git-repo-check", "--output-last-message", finalPath, prompt}
	cmd := exec.Command(c.BinaryPath, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}

	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return CLIResult{}, fmt.Errorf("creating stdout.txt: %w", err)
	}
	defer stdoutFile.Close()

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return CLIResult{}, fmt.Errorf("attaching stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return CLIResult{}, fmt.Errorf("attaching stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return CLIResult{}, fmt.Errorf("starting codex: %w", err)
	}

	var stderrBuf strings.Builder
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		io.Copy(stdoutFile, bufio.NewReader(stdoutPipe))
	}()
	go func() {
		defer close(stderrDone)
		data, _ := io.ReadAll(stderrPipe)
		stderrBuf.Write(data)
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case err := <-waitDone:
		<-stdoutDone
		<-stderrDone
		duration := time.Since(start)
		if err != nil {
			return CLIResult{}, fmt.Errorf("codex exited with error: %w: %s", err, stderrBuf.String())
		}
		return c.finalize(finalPath, stdoutPath, duration)
	case <-time.After(c.Timeout):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitDone
		<-stdoutDone
		<-stderrDone
		return CLIResult{}, fmt.Errorf("codex command timed out after %v", c.Timeout)
	}
}

// finalize prefers final_message.txt if the process wrote it; else
// falls back to the captured stdout, copying it into final_message.txt
// and recording time.txt.
func (c *CodexClient) finalize(finalPath, stdoutPath string, duration time.Duration) (CLIResult, error) {
	var finalText string

	if data, err := os.ReadFile(finalPath); err == nil && len(strings.TrimSpace(string(data))) > 0 {
		finalText = string(data)
	} else {
		stdoutData, err := os.ReadFile(stdoutPath)
		if err != nil {
			return CLIResult{}, fmt.Errorf("reading stdout fallback: %w", err)
		}
		finalText = string(stdoutData)
		if err := os.WriteFile(finalPath, stdoutData, 0o644); err != nil {
			return CLIResult{}, fmt.Errorf("writing fallback final_message.txt: %w", err)
		}

		timeContent := fmt.Sprintf("0\n%.3f\n", duration.Seconds())
		timePath := filepath.Join(filepath.Dir(finalPath), "time.txt")
		if err := os.WriteFile(timePath, []byte(timeContent), 0o644); err != nil {
			return CLIResult{}, fmt.Errorf("writing time.txt: %w", err)
		}
	}

	return CLIResult{FinalMessage: finalText, FinalPath: finalPath}, nil
}
