// Package step defines the flow configuration's data model: the step
// spec decoded from JSON, and the concrete per-flow configuration the
// Flow Expander produces.
package step

import (
	"encoding/json"
	"fmt"
)

// Type enumerates the three step backends this system supports.
type Type string

const (
	TypeCodex  Type = "codex"
	TypeOpenAI Type = "openai"
	TypeCmd    Type = "cmd"
)

// Bucket is one entry of a step's response_buckets list. The JSON
// source may be a bare string ("summary") or a single-key object
// ("summary": {}); both decode to the same Bucket{Name: "summary"}.
type Bucket struct {
	Name string
}

// Spec is one step of a flow, as decoded from the JSON configuration.
type Spec struct {
	Type                   Type     `json:"type"`
	Prompt                 string   `json:"prompt,omitempty"`
	PromptFile             string   `json:"prmpt_file,omitempty"`
	Cmd                    string   `json:"cmd,omitempty"`
	Name                   string   `json:"name,omitempty"`
	Array                  bool     `json:"array,omitempty"`
	WebSearch              bool     `json:"web_search,omitempty"`
	Inputs                 []Ref    `json:"inputs,omitempty"`
	StdinFile              string   `json:"stdin_file,omitempty"`
	ExitOnEmptyResponse    bool     `json:"exit_on_empty_response,omitempty"`
	ExitOnResponseContains string   `json:"exit_on_response_contains,omitempty"`
	ResponseBuckets        []Bucket `json:"response_buckets,omitempty"`
	PrimaryBucket          string   `json:"primary_bucket,omitempty"`
}

// Ref is an entry of a step's "inputs" array: either a step name
// (string) or an absolute step index (integer).
type Ref struct {
	Name    string
	Index   int
	IsIndex bool
}

// UnmarshalJSON accepts a JSON string or number for one input reference.
func (r *Ref) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		r.Name = asString
		r.IsIndex = false
		return nil
	}
	var asIndex int
	if err := json.Unmarshal(data, &asIndex); err == nil {
		r.Index = asIndex
		r.IsIndex = true
		return nil
	}
	return fmt.Errorf("inputs entry must be a string (step name) or integer (step index), got %s", string(data))
}

// UnmarshalJSON accepts either a bare string ("name") or a single-key
// object ({"name": {...}}) for one response_buckets entry.
func (b *Bucket) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		b.Name = asString
		return nil
	}
	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(data, &asObject); err == nil {
		if len(asObject) != 1 {
			return fmt.Errorf("response_buckets object entry must have exactly one key, got %d", len(asObject))
		}
		for name := range asObject {
			b.Name = name
		}
		return nil
	}
	return fmt.Errorf("response_buckets entry must be a string or single-key object, got %s", string(data))
}

// FlowConfig is one concrete flow: the (possibly placeholder-bound)
// step list plus the provenance of whatever manifests produced it.
type FlowConfig struct {
	Steps             []Spec
	InterpolatedPaths []string
}

// DeepCopy returns an independent copy of the flow config: changing the
// copy's steps, inputs, response buckets or interpolated paths leaves
// the original untouched.
func (f FlowConfig) DeepCopy() FlowConfig {
	steps := make([]Spec, len(f.Steps))
	for i, s := range f.Steps {
		cp := s
		if s.Inputs != nil {
			cp.Inputs = append([]Ref(nil), s.Inputs...)
		}
		if s.ResponseBuckets != nil {
			cp.ResponseBuckets = append([]Bucket(nil), s.ResponseBuckets...)
		}
		steps[i] = cp
	}
	paths := append([]string(nil), f.InterpolatedPaths...)
	return FlowConfig{Steps: steps, InterpolatedPaths: paths}
}

// StepRefLabel resolves a step to a display name for the progress
// monitor: its declared Name, or "<type>_<idx>" (e.g. "cmd_2") if
// unnamed.
func StepRefLabel(idx int, s Spec) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s_%d", s.Type, idx)
}
