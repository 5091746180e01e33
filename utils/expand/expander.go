// Package expand implements the Flow Expander: it compiles one base
// configuration plus named manifests into the cartesian product of
// concrete flows, substituting {{{name}}} placeholders and recording
// the provenance of each expansion.
package expand

import (
	"fmt"
	"os"
	"strings"

	"github.com/flowctl/flowctl/utils/fileutil"
	"github.com/flowctl/flowctl/utils/step"
)

// KeyFile is one --key name:path binding. A slice (not a map) so the
// declared order is preserved for InterpolatedPaths.
type KeyFile struct {
	Key  string
	Path string
}

// axis is one dimension of the cartesian product: either a --key
// manifest or a per-step stdin_file manifest.
type axis struct {
	stepIdx int // -1 for a key axis
	files   []sourceFile
}

// Expand compiles base into the cartesian product of flows implied by
// keyFiles and any per-step stdin_file manifests. appendFilepath, when
// true, appends "\n"+sourcePath to every key-axis-bound text.
func Expand(base []step.Spec, keyFiles []KeyFile, appendFilepath bool) ([]step.FlowConfig, error) {
	axes := make([]axis, 0, len(keyFiles)+1)
	keyNames := make([]string, 0, len(keyFiles))

	for _, kf := range keyFiles {
		files, err := loadSourceFiles(kf.Path, appendFilepath)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", kf.Key, err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("key %q manifest %s lists no source files", kf.Key, kf.Path)
		}
		axes = append(axes, axis{stepIdx: -1, files: files})
		keyNames = append(keyNames, kf.Key)
	}

	for idx, s := range base {
		if s.StdinFile == "" {
			continue
		}
		paths, err := readManifest(s.StdinFile)
		if err != nil {
			return nil, fmt.Errorf("step %d stdin_file: %w", idx, err)
		}
		if len(paths) == 0 {
			continue
		}
		files := make([]sourceFile, 0, len(paths))
		for _, p := range paths {
			data, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("step %d stdin_file source %s: %w", idx, p, err)
			}
			files = append(files, sourceFile{Path: p, Text: string(data)})
		}
		axes = append(axes, axis{stepIdx: idx, files: files})
	}

	axisStepIdx := make([]int, len(axes))
	for i, a := range axes {
		axisStepIdx[i] = a.stepIdx
	}

	combos := cartesianProduct(axes)

	flows := make([]step.FlowConfig, 0, len(combos))
	for _, combo := range combos {
		flow, err := materialize(base, keyNames, axisStepIdx, combo)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

// materialize binds one chosen combination of axis values into a deep
// copy of base, substituting placeholders and recording provenance.
// axisStepIdx[i] names which step combo[i] binds to (-1 for a key axis).
func materialize(base []step.Spec, keyNames []string, axisStepIdx []int, combo []sourceFile) (step.FlowConfig, error) {
	flow := step.FlowConfig{Steps: make([]step.Spec, len(base))}

	substitutions := make(map[string]string, len(keyNames))
	interpolated := make([]string, 0, len(combo))
	stdinByStep := make(map[int]sourceFile)

	keyI := 0
	for i, stepIdx := range axisStepIdx {
		interpolated = append(interpolated, combo[i].Path)
		if stepIdx < 0 {
			substitutions[keyNames[keyI]] = combo[i].Text
			keyI++
		} else {
			stdinByStep[stepIdx] = combo[i]
		}
	}

	for i, s := range base {
		cp := s
		if s.Inputs != nil {
			cp.Inputs = append([]step.Ref(nil), s.Inputs...)
		}
		if s.ResponseBuckets != nil {
			cp.ResponseBuckets = append([]step.Bucket(nil), s.ResponseBuckets...)
		}

		cp.Prompt = substitute(cp.Prompt, substitutions)
		cp.Cmd = substitute(cp.Cmd, substitutions)
		cp.PromptFile = substitute(cp.PromptFile, substitutions)
		cp.StdinFile = substitute(cp.StdinFile, substitutions)

		if bound, ok := stdinByStep[i]; ok {
			cp.StdinFile = bound.Path
		}

		// prmpt_file is materialized here, not in the Kernel: its content
		// must go through the same {{{name}}} substitution as a literal
		// prompt, and substitutions are only known at expansion time.
		if cp.PromptFile != "" {
			promptPath, err := fileutil.ExpandPath(cp.PromptFile)
			if err != nil {
				return step.FlowConfig{}, fmt.Errorf("step %d prmpt_file %s: %w", i, cp.PromptFile, err)
			}
			data, err := os.ReadFile(promptPath)
			if err != nil {
				return step.FlowConfig{}, fmt.Errorf("step %d prmpt_file %s: %w", i, promptPath, err)
			}
			cp.Prompt = substitute(string(data), substitutions)
		}

		flow.Steps[i] = cp
	}

	flow.InterpolatedPaths = interpolated
	return flow, nil
}

// substitute replaces every {{{name}}} occurrence with its bound text.
func substitute(s string, substitutions map[string]string) string {
	if s == "" || len(substitutions) == 0 {
		return s
	}
	for name, text := range substitutions {
		s = strings.ReplaceAll(s, "{{{"+name+"}}}", text)
	}
	return s
}

// cartesianProduct returns every combination of one value per axis, in
// axis order. Zero axes yields a single empty combination.
func cartesianProduct(axes []axis) [][]sourceFile {
	combos := [][]sourceFile{{}}
	for _, a := range axes {
		next := make([][]sourceFile, 0, len(combos)*len(a.files))
		for _, combo := range combos {
			for _, f := range a.files {
				extended := append(append([]sourceFile(nil), combo...), f)
				next = append(next, extended)
			}
		}
		combos = next
	}
	return combos
}
