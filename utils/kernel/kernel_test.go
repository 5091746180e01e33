package kernel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flowctl/flowctl/utils/clients"
	"github.com/flowctl/flowctl/utils/step"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	resp clients.LLMResponse
	err  error
	req  clients.LLMRequest
}

func (f *fakeLLM) Complete(req clients.LLMRequest) (clients.LLMResponse, error) {
	f.req = req
	return f.resp, f.err
}

type fakeCLI struct {
	result  clients.CLIResult
	err     error
	prompt  string
	workDir string
}

func (f *fakeCLI) Run(prompt string, workDir string, outputDir string) (clients.CLIResult, error) {
	f.prompt = prompt
	f.workDir = workDir
	return f.result, f.err
}

func TestRunCmdWritesStdoutArtifactAndReturnsOutput(t *testing.T) {
	dir := t.TempDir()
	s := step.Spec{Type: step.TypeCmd, Cmd: "cat"}

	res, err := Run(Deps{}, 0, s, "hello", nil, dir)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.OutputText)

	data, readErr := os.ReadFile(filepath.Join(dir, "step_0_cmd.txt"))
	require.NoError(t, readErr)
	assert.Equal(t, "hello", string(data))
}

func TestRunCmdNonZeroExitReturnsQuarantinedError(t *testing.T) {
	dir := t.TempDir()
	s := step.Spec{Type: step.TypeCmd, Cmd: "echo oops 1>&2; exit 3"}

	_, err := Run(Deps{}, 0, s, "", nil, dir)
	require.Error(t, err)

	kerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, step.TypeCmd, kerr.StepType)
	assert.True(t, kerr.HasExitCode)
	assert.Equal(t, 3, kerr.ExitCode)
	assert.Contains(t, kerr.Stderr, "oops")
}

func TestRunCmdReadsStdinFileInsteadOfPrevOutput(t *testing.T) {
	dir := t.TempDir()
	stdinPath := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(stdinPath, []byte("from file"), 0o644))

	s := step.Spec{Type: step.TypeCmd, Cmd: "cat", StdinFile: stdinPath}
	res, err := Run(Deps{}, 0, s, "from prev", nil, dir)
	require.NoError(t, err)
	assert.Equal(t, "from file", res.OutputText)
}

func TestRunOpenAIUsesPrimaryTextAndPersistsArtifacts(t *testing.T) {
	dir := t.TempDir()
	llm := &fakeLLM{resp: clients.LLMResponse{PrimaryText: "the answer", Raw: map[string]interface{}{"id": "abc"}}}
	deps := Deps{LLM: llm, Model: "gpt-4o"}

	s := step.Spec{Type: step.TypeOpenAI, Prompt: "question"}
	res, err := Run(deps, 1, s, "", nil, dir)
	require.NoError(t, err)
	assert.Equal(t, "the answer", res.OutputText)
	assert.Equal(t, "question", llm.req.Input)
	assert.Equal(t, "gpt-4o", llm.req.Model)

	textData, readErr := os.ReadFile(filepath.Join(dir, "step_1_openai.txt"))
	require.NoError(t, readErr)
	assert.Equal(t, "the answer", string(textData))

	_, statErr := os.Stat(filepath.Join(dir, "step_1_openai_response.json"))
	assert.NoError(t, statErr)
}

func TestRunOpenAISplitsResponseBuckets(t *testing.T) {
	dir := t.TempDir()
	llm := &fakeLLM{resp: clients.LLMResponse{PrimaryText: `{"summary":"short","detail":"long"}`}}
	deps := Deps{LLM: llm}

	s := step.Spec{
		Type:            step.TypeOpenAI,
		Prompt:          "question",
		ResponseBuckets: []step.Bucket{{Name: "summary"}, {Name: "detail"}},
		PrimaryBucket:   "detail",
	}
	res, err := Run(deps, 0, s, "", nil, dir)
	require.NoError(t, err)
	assert.Equal(t, "long", res.OutputText)

	summaryData, err := os.ReadFile(filepath.Join(dir, "step_0_openai_bucket_summary.txt"))
	require.NoError(t, err)
	assert.Equal(t, "short", string(summaryData))
}

func TestRunOpenAIWithoutClientConfiguredIsAnError(t *testing.T) {
	dir := t.TempDir()
	s := step.Spec{Type: step.TypeOpenAI, Prompt: "x"}
	_, err := Run(Deps{}, 0, s, "", nil, dir)
	require.Error(t, err)
	assert.IsType(t, &Error{}, err)
}

func TestRunCodexPassesWorkdirNotCurrDir(t *testing.T) {
	dir := t.TempDir()
	cli := &fakeCLI{result: clients.CLIResult{FinalMessage: "done", FinalPath: "/tmp/final.txt"}}
	deps := Deps{CLI: cli, Workdir: "/some/workdir"}

	s := step.Spec{Type: step.TypeCodex, Prompt: "go do it"}
	res, err := Run(deps, 0, s, "", nil, dir)
	require.NoError(t, err)
	assert.Equal(t, "done", res.OutputText)
	assert.Equal(t, "/some/workdir", cli.workDir)
}

func TestAssemblePromptWithInputsReplacesPrevOutput(t *testing.T) {
	history := History{
		{Name: "analyze", Text: "analysis text"},
		{Name: "summarize", Text: "summary text"},
	}
	s := step.Spec{Prompt: "base", Inputs: []step.Ref{{Name: "analyze"}, {Index: 1, IsIndex: true}}}

	got := assemblePrompt(s, "ignored prev output", history)
	assert.Equal(t, "base\nanalysis text\nsummary text", got)
}

func TestAssemblePromptWithoutInputsFallsBackToPrevOutput(t *testing.T) {
	s := step.Spec{Prompt: "base"}
	got := assemblePrompt(s, "prev", nil)
	assert.Equal(t, "base\nprev", got)
}

func TestCheckEarlyExitOnEmptyResponse(t *testing.T) {
	s := step.Spec{Name: "probe", ExitOnEmptyResponse: true}
	exit := checkEarlyExit(0, s, "")
	require.NotNil(t, exit)
	assert.Contains(t, exit.Message, "probe")
}

func TestCheckEarlyExitOnResponseContains(t *testing.T) {
	s := step.Spec{Name: "probe", ExitOnResponseContains: "DONE"}
	exit := checkEarlyExit(0, s, "status: DONE")
	require.NotNil(t, exit)

	noExit := checkEarlyExit(0, s, "status: PENDING")
	assert.Nil(t, noExit)
}

func TestRunWritesEarlyExitLogAndStopsCleanly(t *testing.T) {
	dir := t.TempDir()
	s := step.Spec{Type: step.TypeCmd, Cmd: "printf ''", ExitOnEmptyResponse: true}

	res, err := Run(Deps{}, 2, s, "", nil, dir)
	require.NoError(t, err)
	require.NotNil(t, res.EarlyExit)

	_, statErr := os.Stat(filepath.Join(dir, "step_2_early_exit.txt"))
	assert.NoError(t, statErr)
}
