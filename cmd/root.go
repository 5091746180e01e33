package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/flowctl/flowctl/utils/config"
	"github.com/spf13/cobra"
)

var verbose bool
var debug bool

var rootCmd = &cobra.Command{
	Use:   "flowctl",
	Short: "Run concurrent shell/LLM/external-CLI flows from a JSON config",
	Long: `flowctl expands one JSON flow configuration into the cartesian
product of concrete flows implied by its --key manifests, then runs
them concurrently up to a configurable cap, dispatching each step to a
shell command, the hosted LLM Responses API, or an external CLI tool.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetFlags(0)
		config.Verbose = verbose
		config.Debug = debug
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}

func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
