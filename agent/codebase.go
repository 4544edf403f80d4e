// Package agent packages run context for the diagnosing oracle, parses
// its verdicts into plans, and executes refactor plans through a guarded
// snapshot/apply/restart/rollback pipeline. The oracle itself is opaque:
// anything satisfying Oracle can sit behind the boundary.
package agent

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var defaultExtensions = map[string]bool{
	".py":   true,
	".rs":   true,
	".ts":   true,
	".tsx":  true,
	".js":   true,
	".md":   true,
	".toml": true,
	".yaml": true,
	".yml":  true,
	".json": true,
	".go":   true,
}

var defaultIgnoreDirs = map[string]bool{
	".git":         true,
	".venv":        true,
	"__pycache__":  true,
	"node_modules": true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"vendor":       true,
}

// IndexLimits bound the codebase scan.
type IndexLimits struct {
	MaxFiles      int
	MaxFileChars  int
	MaxTotalChars int
}

// DefaultIndexLimits match what a model context comfortably holds.
func DefaultIndexLimits() IndexLimits {
	return IndexLimits{MaxFiles: 200, MaxFileChars: 12000, MaxTotalChars: 300000}
}

// Document is one indexed file.
type Document struct {
	Path    string
	Content string
}

// CodebaseIndex is a bounded snapshot of the files under the codebase
// root, used to give the oracle something to read.
type CodebaseIndex struct {
	Root      string
	Documents []Document
	Truncated []string
}

// IndexCodebase walks root collecting files with an allow-listed
// extension, plus files with no extension, up to the limits. Oversized files are truncated and remembered as such.
func IndexCodebase(root string, limits IndexLimits) *CodebaseIndex {
	index := &CodebaseIndex{Root: root}
	totalChars := 0

	filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if defaultIgnoreDirs[entry.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(index.Documents) >= limits.MaxFiles {
			return filepath.SkipAll
		}
		ext := filepath.Ext(path)
		if ext != "" && !defaultExtensions[ext] {
			return nil
		}

		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		text := strings.ToValidUTF8(string(content), "")
		if len(text) > limits.MaxFileChars {
			text = text[:limits.MaxFileChars] + "\n... (truncated)\n"
			index.Truncated = append(index.Truncated, path)
		}
		if totalChars+len(text) > limits.MaxTotalChars {
			return filepath.SkipAll
		}
		totalChars += len(text)
		index.Documents = append(index.Documents, Document{Path: path, Content: text})
		return nil
	})

	return index
}

func (ci *CodebaseIndex) relative(path string) string {
	if rel, err := filepath.Rel(ci.Root, path); err == nil {
		return rel
	}
	return path
}

// FileListing returns up to limit relative paths, one per line.
func (ci *CodebaseIndex) FileListing(limit int) string {
	var items []string
	for i, doc := range ci.Documents {
		if i >= limit {
			items = append(items, "... (more files omitted)")
			break
		}
		items = append(items, ci.relative(doc.Path))
	}
	return strings.Join(items, "\n")
}

// BuildContext renders the whole index as FILE-delimited text.
func (ci *CodebaseIndex) BuildContext() string {
	var parts []string
	for _, doc := range ci.Documents {
		parts = append(parts, fmt.Sprintf("FILE: %s\n%s", ci.relative(doc.Path), doc.Content))
	}
	if len(ci.Truncated) > 0 {
		var truncated []string
		for _, path := range ci.Truncated {
			truncated = append(truncated, ci.relative(path))
		}
		parts = append(parts, "TRUNCATED_FILES:\n"+strings.Join(truncated, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// SearchRegex scans indexed files line by line, case-insensitively.
func (ci *CodebaseIndex) SearchRegex(pattern string, maxMatches int) ([]string, error) {
	regex, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	var results []string
	for _, doc := range ci.Documents {
		for idx, line := range strings.Split(doc.Content, "\n") {
			if regex.MatchString(line) {
				results = append(results, fmt.Sprintf("%s:%d: %s", ci.relative(doc.Path), idx+1, strings.TrimSpace(line)))
				if len(results) >= maxMatches {
					return results, nil
				}
			}
		}
	}
	return results, nil
}
