package expand

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flowctl/flowctl/utils/step"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExpandWithNoKeyFilesEmitsSingleFlow(t *testing.T) {
	base := []step.Spec{{Type: step.TypeCmd, Cmd: "echo hi"}}

	flows, err := Expand(base, nil, false)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, base[0].Cmd, flows[0].Steps[0].Cmd)
	assert.Empty(t, flows[0].InterpolatedPaths)
}

func TestExpandSubstitutesKeyPlaceholders(t *testing.T) {
	dir := t.TempDir()
	aPath := writeFile(t, dir, "a.txt", "alpha")
	bPath := writeFile(t, dir, "b.txt", "beta")
	manifest := writeFile(t, dir, "names.txt", aPath+"\n"+bPath+"\n")

	base := []step.Spec{{Type: step.TypeOpenAI, Prompt: "Hello {{{name}}}!"}}

	flows, err := Expand(base, []KeyFile{{Key: "name", Path: manifest}}, false)
	require.NoError(t, err)
	require.Len(t, flows, 2)

	assert.Equal(t, "Hello alpha!", flows[0].Steps[0].Prompt)
	assert.Equal(t, []string{aPath}, flows[0].InterpolatedPaths)
	assert.Equal(t, "Hello beta!", flows[1].Steps[0].Prompt)
	assert.Equal(t, []string{bPath}, flows[1].InterpolatedPaths)
}

func TestExpandAppendFilepath(t *testing.T) {
	dir := t.TempDir()
	aPath := writeFile(t, dir, "a.txt", "alpha")
	manifest := writeFile(t, dir, "names.txt", aPath+"\n")

	base := []step.Spec{{Type: step.TypeOpenAI, Prompt: "{{{name}}}"}}

	flows, err := Expand(base, []KeyFile{{Key: "name", Path: manifest}}, true)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "alpha\n"+aPath, flows[0].Steps[0].Prompt)
}

func TestExpandCartesianProductOfTwoKeys(t *testing.T) {
	dir := t.TempDir()
	x1 := writeFile(t, dir, "x1.txt", "X1")
	x2 := writeFile(t, dir, "x2.txt", "X2")
	y1 := writeFile(t, dir, "y1.txt", "Y1")

	xManifest := writeFile(t, dir, "xs.txt", x1+"\n"+x2+"\n")
	yManifest := writeFile(t, dir, "ys.txt", y1+"\n")

	base := []step.Spec{{Type: step.TypeOpenAI, Prompt: "{{{x}}}-{{{y}}}"}}

	flows, err := Expand(base, []KeyFile{{Key: "x", Path: xManifest}, {Key: "y", Path: yManifest}}, false)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "X1-Y1", flows[0].Steps[0].Prompt)
	assert.Equal(t, "X2-Y1", flows[1].Steps[0].Prompt)
}

func TestExpandStepStdinFileIsAnAxis(t *testing.T) {
	dir := t.TempDir()
	s1 := writeFile(t, dir, "s1.txt", "one")
	s2 := writeFile(t, dir, "s2.txt", "two")
	manifest := writeFile(t, dir, "stdins.txt", s1+"\n"+s2+"\n")

	base := []step.Spec{{Type: step.TypeCmd, Cmd: "cat", StdinFile: manifest}}

	flows, err := Expand(base, nil, false)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, s1, flows[0].Steps[0].StdinFile)
	assert.Equal(t, []string{s1}, flows[0].InterpolatedPaths)
	assert.Equal(t, s2, flows[1].Steps[0].StdinFile)
	assert.Equal(t, []string{s2}, flows[1].InterpolatedPaths)
}

func TestExpandEmptyStdinManifestIsSkipped(t *testing.T) {
	dir := t.TempDir()
	manifest := writeFile(t, dir, "empty.txt", "")

	base := []step.Spec{{Type: step.TypeCmd, Cmd: "cat", StdinFile: manifest}}

	flows, err := Expand(base, nil, false)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, manifest, flows[0].Steps[0].StdinFile)
	assert.Empty(t, flows[0].InterpolatedPaths)
}

func TestExpandPromptFilePlaceholdersAreSubstituted(t *testing.T) {
	dir := t.TempDir()
	template := writeFile(t, dir, "template.txt", "Hello {{{name}}}!")
	namePath := writeFile(t, dir, "name.txt", "World")
	manifest := writeFile(t, dir, "names.txt", namePath+"\n")

	base := []step.Spec{{Type: step.TypeOpenAI, PromptFile: template}}

	flows, err := Expand(base, []KeyFile{{Key: "name", Path: manifest}}, false)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "Hello World!", flows[0].Steps[0].Prompt)
	assert.Equal(t, template, flows[0].Steps[0].PromptFile)
}

func TestExpandKeyManifestListingNoFilesIsAnError(t *testing.T) {
	dir := t.TempDir()
	manifest := writeFile(t, dir, "empty.txt", "\n\n")

	base := []step.Spec{{Type: step.TypeOpenAI, Prompt: "{{{name}}}"}}

	_, err := Expand(base, []KeyFile{{Key: "name", Path: manifest}}, false)
	assert.Error(t, err)
}
