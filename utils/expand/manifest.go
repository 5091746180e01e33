package expand

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/flowctl/flowctl/utils/fileutil"
)

// sourceFile is one loaded manifest entry: the path it was listed at,
// and the (possibly path-annotated) text read from it.
type sourceFile struct {
	Path string
	Text string
}

// readManifest reads one source path per non-empty line. The manifest
// path itself and every path it lists are tilde/env expanded, so a
// manifest (or an entry inside it) can use "~/..." shorthand.
func readManifest(path string) ([]string, error) {
	expandedPath, err := fileutil.ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expanding manifest path %s: %w", path, err)
	}

	f, err := os.Open(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("opening manifest %s: %w", expandedPath, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", expandedPath, err)
	}

	paths, err := fileutil.ExpandPaths(lines)
	if err != nil {
		return nil, fmt.Errorf("expanding manifest entries in %s: %w", expandedPath, err)
	}
	return paths, nil
}

// loadSourceFiles loads every path listed in a manifest into a
// (path, text) pair, optionally appending the source path to the text.
func loadSourceFiles(manifestPath string, appendFilepath bool) ([]sourceFile, error) {
	paths, err := readManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	files := make([]sourceFile, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading source file %s: %w", p, err)
		}
		text := string(data)
		if appendFilepath {
			text = text + "\n" + p
		}
		files = append(files, sourceFile{Path: p, Text: text})
	}
	return files, nil
}
