// Package config holds process-wide ambient settings: verbose/debug
// flags and the optional LLM defaults file. None of this touches the
// flow configuration format, which is decoded as plain JSON elsewhere.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/flowctl/flowctl/utils/fileutil"
	"gopkg.in/yaml.v3"
)

// Verbose and Debug are set by the CLI's persistent flags and gate
// DebugLog output process-wide, mirroring the teacher's
// config.Verbose/config.Debug globals.
var (
	Verbose bool
	Debug   bool
)

// DebugLog prints a debug message when Debug or Verbose is enabled.
func DebugLog(format string, args ...interface{}) {
	if Debug || Verbose {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// LLMDefaults holds the OpenAI Responses API defaults an operator can
// set once instead of passing on every invocation.
type LLMDefaults struct {
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	ServiceTier     string `yaml:"service_tier"`
	ReasoningEffort string `yaml:"reasoning_effort"`
}

// Settings is the optional on-disk settings file, ~/.flowctl/config.yaml.
type Settings struct {
	OpenAI LLMDefaults `yaml:"openai"`
}

// DefaultSettingsPath returns ~/.flowctl/config.yaml, expanding the
// user's home directory the same way the teacher's fileutil does.
func DefaultSettingsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".flowctl", "config.yaml"), nil
}

// LoadSettings reads the settings file at path. A missing file is not
// an error; it returns an empty Settings so the CLI falls back to
// flags/environment variables.
func LoadSettings(path string) (*Settings, error) {
	expanded, err := fileutil.ExpandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return &Settings{}, nil
		}
		return nil, fmt.Errorf("reading settings file %s: %w", expanded, err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing settings file %s: %w", expanded, err)
	}
	return &s, nil
}
