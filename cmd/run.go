package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flowctl/flowctl/utils/clients"
	"github.com/flowctl/flowctl/utils/config"
	"github.com/flowctl/flowctl/utils/expand"
	"github.com/flowctl/flowctl/utils/fileutil"
	"github.com/flowctl/flowctl/utils/kernel"
	"github.com/flowctl/flowctl/utils/step"
	"github.com/flowctl/flowctl/utils/supervisor"
	"github.com/spf13/cobra"
)

var (
	flagParallel              int
	flagKeys                  []string
	flagAppendFilepath        bool
	flagMaxFlowFailures       int
	flagIgnoreMaxFailures     bool
	flagWorkdir               string
	flagTimeoutSeconds        int
	flagOpenAIModel           string
	flagOpenAIServiceTier     string
	flagOpenAIReasoningEff    string
	flagHideFlowPaths         bool
	flagListFinalMessagePaths bool
)

var runCmd = &cobra.Command{
	Use:   "run <config.json>",
	Short: "Expand and execute a flow configuration",
	Args:  cobra.ExactArgs(1),
	RunE:  runFlowConfig,
}

func init() {
	runCmd.Flags().IntVar(&flagParallel, "parallel", 1, "maximum concurrently running top-level flows")
	runCmd.Flags().StringArrayVar(&flagKeys, "key", nil, "name:filelist_path, repeatable, one expansion axis per key")
	runCmd.Flags().BoolVar(&flagAppendFilepath, "append-filepath", false, "append the source path to each key-bound text")
	runCmd.Flags().IntVar(&flagMaxFlowFailures, "max-flow-failures", 3, "failure budget before cancellation trips")
	runCmd.Flags().BoolVar(&flagIgnoreMaxFailures, "ignore-max-failures", false, "do not cancel remaining flows when the failure budget is reached")
	runCmd.Flags().StringVar(&flagWorkdir, "workdir", "", "working directory for the external CLI adapter")
	runCmd.Flags().IntVar(&flagTimeoutSeconds, "timeout", 600, "external CLI timeout in seconds")
	runCmd.Flags().StringVar(&flagOpenAIModel, "openai-model", "gpt-4o", "default model for openai steps")
	runCmd.Flags().StringVar(&flagOpenAIServiceTier, "openai-service-tier", "", "default service_tier for openai steps")
	runCmd.Flags().StringVar(&flagOpenAIReasoningEff, "openai-reasoning-effort", "", "default reasoning.effort for openai steps")
	runCmd.Flags().BoolVar(&flagHideFlowPaths, "hide-flow-paths", false, "do not print each flow directory's path as it is created")
	runCmd.Flags().BoolVar(&flagListFinalMessagePaths, "list-final-message-paths", false, "print each successful codex flow's final_message.txt path")

	_ = runCmd.MarkFlagRequired("workdir")
}

func runFlowConfig(cmd *cobra.Command, args []string) error {
	configPath, err := fileutil.ExpandPath(args[0])
	if err != nil {
		return fmt.Errorf("expanding configuration path %s: %w", args[0], err)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("reading configuration %s: %w", configPath, err)
	}

	if err := expand.ValidateConfig(raw); err != nil {
		return err
	}

	var baseSteps []step.Spec
	if err := json.Unmarshal(raw, &baseSteps); err != nil {
		return fmt.Errorf("decoding configuration %s: %w", configPath, err)
	}

	keyFiles, err := parseKeyFlags(flagKeys)
	if err != nil {
		return err
	}

	flows, err := expand.Expand(baseSteps, keyFiles, flagAppendFilepath)
	if err != nil {
		return fmt.Errorf("expanding configuration: %w", err)
	}

	settingsPath, err := config.DefaultSettingsPath()
	var settings *config.Settings
	if err == nil {
		settings, err = config.LoadSettings(settingsPath)
	}
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if settings == nil {
		settings = &config.Settings{}
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		apiKey = settings.OpenAI.APIKey
	}

	model := flagOpenAIModel
	if !cmd.Flags().Changed("openai-model") && settings.OpenAI.Model != "" {
		model = settings.OpenAI.Model
	}
	serviceTier := flagOpenAIServiceTier
	if serviceTier == "" {
		serviceTier = settings.OpenAI.ServiceTier
	}
	reasoningEffort := flagOpenAIReasoningEff
	if reasoningEffort == "" {
		reasoningEffort = settings.OpenAI.ReasoningEffort
	}

	workdir, err := fileutil.ExpandPath(flagWorkdir)
	if err != nil {
		return fmt.Errorf("expanding workdir %s: %w", flagWorkdir, err)
	}

	timeout := time.Duration(flagTimeoutSeconds) * time.Second
	codexClient, codexErr := clients.NewCodexClient(timeout)
	var cliClient clients.CLIClient
	if codexErr == nil {
		cliClient = codexClient
	}

	deps := kernel.Deps{
		LLM:             clients.NewOpenAIClient(apiKey),
		CLI:             cliClient,
		Model:           model,
		ServiceTier:     serviceTier,
		ReasoningEffort: reasoningEffort,
		Workdir:         workdir,
	}

	outputsRoot := filepath.Join(workdir, "generated")
	if err := os.MkdirAll(outputsRoot, 0o755); err != nil {
		return fmt.Errorf("creating generated-outputs root: %w", err)
	}

	opts := supervisor.Options{
		Parallel:            flagParallel,
		MaxFlowFailures:     flagMaxFlowFailures,
		HaltOnMaxFailures:   !flagIgnoreMaxFailures,
		PrintFlowPaths:      !flagHideFlowPaths,
		ListCodexFinalPaths: flagListFinalMessagePaths,
		MaxFlows:            0,
		OutputsRoot:         outputsRoot,
	}

	results, runErr := supervisor.Run(deps, baseSteps, flows, opts)
	for _, r := range results {
		if r.ArtifactPath != "" {
			fmt.Println(r.ArtifactPath)
		}
	}

	return runErr
}

func parseKeyFlags(raw []string) ([]expand.KeyFile, error) {
	keyFiles := make([]expand.KeyFile, 0, len(raw))
	for _, kv := range raw {
		name, path, ok := splitKeyValue(kv)
		if !ok {
			return nil, fmt.Errorf("--key value %q must be of the form name:path", kv)
		}
		keyFiles = append(keyFiles, expand.KeyFile{Key: name, Path: path})
	}
	return keyFiles, nil
}

func splitKeyValue(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == ':' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
