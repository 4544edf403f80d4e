// Package patch applies unified-diff-shaped documents to a single target
// file with strict context validation, and keeps the checkpoint store used
// to roll a bad patch back. The apply pipeline is purely functional over
// bytes; nothing here holds mutable state between calls.
package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Error codes surfaced by Apply.
const (
	CodeEmpty           = "DIFF_EMPTY"
	CodeNoTarget        = "DIFF_NO_TARGET"
	CodeMultipleTargets = "DIFF_MULTIPLE_TARGETS"
	CodeOverlap         = "OVERLAPPING_HUNKS"
	CodeContextMismatch = "CONTEXT_MISMATCH"
	CodeRemovalMismatch = "REMOVAL_MISMATCH"
)

// Error is a coded patch failure.
type Error struct {
	Code   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

func codedErr(code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Line is one body line of a hunk.
type Line struct {
	Kind byte // ' ', '-', '+'
	Text string
}

// Hunk is one @@ range with its body lines.
type Hunk struct {
	SourceStart int
	SourceLen   int
	TargetStart int
	TargetLen   int
	Lines       []Line
}

// PatchedFile is the parsed patch for one target path.
type PatchedFile struct {
	SourceFile string
	TargetFile string
	Hunks      []Hunk
}

// Normalize strips wrapping code-fence lines and trims the document to the
// first header line. A body already without fences or prologue passes
// through unchanged apart from a guaranteed trailing newline.
func Normalize(diffText string) string {
	lines := strings.Split(strings.TrimSpace(diffText), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return ""
	}

	// Model replies often arrive wrapped in fenced code blocks.
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}

	start := 0
	for idx, line := range kept {
		if strings.HasPrefix(line, "diff --git ") || strings.HasPrefix(line, "--- ") {
			start = idx
			break
		}
	}

	normalized := strings.TrimSpace(strings.Join(kept[start:], "\n"))
	if normalized != "" {
		normalized += "\n"
	}
	return normalized
}

// Parse splits a normalized diff into per-file patches. Only header
// detection, hunk range parsing, and body classification; no fuzz and no
// offset heuristics.
func Parse(normalized string) []PatchedFile {
	var files []PatchedFile
	var current *PatchedFile
	var hunk *Hunk

	flushHunk := func() {
		if hunk != nil && current != nil {
			current.Hunks = append(current.Hunks, *hunk)
		}
		hunk = nil
	}
	flushFile := func() {
		flushHunk()
		if current != nil {
			files = append(files, *current)
		}
		current = nil
	}

	lines := strings.Split(normalized, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- "):
			flushFile()
			current = &PatchedFile{SourceFile: strings.TrimPrefix(line, "--- ")}
			if i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") {
				current.TargetFile = strings.TrimPrefix(lines[i+1], "+++ ")
				i++
			}
		case strings.HasPrefix(line, "@@"):
			if current == nil {
				continue
			}
			flushHunk()
			h, ok := parseHunkHeader(line)
			if !ok {
				continue
			}
			hunk = &h
		case hunk != nil && !hunkComplete(hunk) && len(line) > 0 && (line[0] == ' ' || line[0] == '-' || line[0] == '+'):
			hunk.Lines = append(hunk.Lines, Line{Kind: line[0], Text: line[1:]})
		case hunk != nil && !hunkComplete(hunk) && line == "":
			// An empty body line inside the hunk's declared range is a
			// context line whose text is empty.
			hunk.Lines = append(hunk.Lines, Line{Kind: ' ', Text: ""})
		case strings.HasPrefix(line, `\ No newline`):
			// Marker only; carries no content.
		default:
			// Prologue between files (diff --git, index, mode lines).
			flushHunk()
		}
	}
	flushFile()
	return files
}

// hunkComplete reports whether the hunk body already covers its declared
// source and target ranges; anything past that is inter-hunk noise.
func hunkComplete(h *Hunk) bool {
	srcSeen, dstSeen := 0, 0
	for _, line := range h.Lines {
		switch line.Kind {
		case ' ':
			srcSeen++
			dstSeen++
		case '-':
			srcSeen++
		case '+':
			dstSeen++
		}
	}
	return srcSeen >= h.SourceLen && dstSeen >= h.TargetLen
}

// parseHunkHeader parses "@@ -start[,len] +start[,len] @@ ...".
func parseHunkHeader(line string) (Hunk, bool) {
	rest := strings.TrimPrefix(line, "@@")
	end := strings.Index(rest, "@@")
	if end >= 0 {
		rest = rest[:end]
	}
	fields := strings.Fields(rest)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "-") || !strings.HasPrefix(fields[1], "+") {
		return Hunk{}, false
	}
	srcStart, srcLen, ok := parseRange(fields[0][1:])
	if !ok {
		return Hunk{}, false
	}
	dstStart, dstLen, ok := parseRange(fields[1][1:])
	if !ok {
		return Hunk{}, false
	}
	return Hunk{SourceStart: srcStart, SourceLen: srcLen, TargetStart: dstStart, TargetLen: dstLen}, true
}

func parseRange(s string) (start, length int, ok bool) {
	length = 1
	if comma := strings.IndexByte(s, ','); comma >= 0 {
		n, err := strconv.Atoi(s[comma+1:])
		if err != nil {
			return 0, 0, false
		}
		length = n
		s = s[:comma]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, false
	}
	return n, length, true
}

// normalizePatchPath reduces a diff header path to a comparable form:
// quotes, file:// prefixes, backslashes, tab-separated timestamps, and
// a/ b/ ./ prefixes are stripped; /dev/null maps to the empty string.
func normalizePatchPath(patchPath string) string {
	normalized := strings.TrimSpace(patchPath)
	normalized = strings.Trim(normalized, `"'`)
	if normalized == "" {
		return ""
	}
	normalized = strings.TrimPrefix(normalized, "file://")
	normalized = strings.ReplaceAll(normalized, `\`, "/")
	if tab := strings.IndexByte(normalized, '\t'); tab >= 0 {
		normalized = normalized[:tab]
	}
	for strings.HasPrefix(normalized, "a/") || strings.HasPrefix(normalized, "b/") {
		normalized = normalized[2:]
	}
	for strings.HasPrefix(normalized, "./") {
		normalized = normalized[2:]
	}
	if normalized == "/dev/null" {
		return ""
	}
	return normalized
}

// targetsFile reports whether the patched file addresses targetPath by any
// of its header paths.
func (pf PatchedFile) targetsFile(targetPath string) bool {
	for _, headerPath := range []string{pf.SourceFile, pf.TargetFile} {
		if patchPathMatches(targetPath, headerPath) {
			return true
		}
	}
	return false
}

func patchPathMatches(targetPath, patchPath string) bool {
	normalized := normalizePatchPath(patchPath)
	if normalized == "" {
		return false
	}

	filePath := strings.ReplaceAll(targetPath, `\`, "/")
	resolved := filePath
	if abs, err := filepath.Abs(targetPath); err == nil {
		resolved = strings.ReplaceAll(abs, `\`, "/")
	}

	if normalized == filepath.Base(filePath) {
		return true
	}
	if normalized == filePath || normalized == resolved {
		return true
	}
	if strings.HasSuffix(filePath, "/"+normalized) || strings.HasSuffix(resolved, "/"+normalized) {
		return true
	}
	return false
}

// Apply normalizes and parses diffText, selects the single patched file
// targeting targetPath, applies its hunks with strict context checking,
// and atomically replaces the target. The file on disk is either the
// pre-patch bytes or the post-patch bytes, never a blend.
func Apply(targetPath, diffText string) error {
	normalized := Normalize(diffText)
	files := Parse(normalized)
	if len(files) == 0 {
		return codedErr(CodeEmpty, "empty diff provided")
	}

	var targets []PatchedFile
	for _, pf := range files {
		if pf.targetsFile(targetPath) {
			targets = append(targets, pf)
		}
	}
	if len(targets) == 0 {
		return codedErr(CodeNoTarget, "diff does not target %s", targetPath)
	}
	if len(targets) > 1 {
		return codedErr(CodeMultipleTargets, "diff targets %s multiple times", targetPath)
	}

	original, err := os.ReadFile(targetPath)
	if err != nil {
		return fmt.Errorf("read target: %w", err)
	}

	updated, err := applyHunks(splitKeepEnds(string(original)), targets[0])
	if err != nil {
		return err
	}

	tmpPath := targetPath + ".tmp"
	info, err := os.Stat(targetPath)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(tmpPath, []byte(strings.Join(updated, "")), mode); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace target: %w", err)
	}
	return nil
}

// applyHunks walks the hunks in source order over the original lines
// (newline-terminated except possibly the last).
func applyHunks(originalLines []string, pf PatchedFile) ([]string, error) {
	var result []string
	srcIndex := 0

	for _, hunk := range pf.Hunks {
		hunkStart := hunk.SourceStart - 1
		if hunkStart < 0 {
			hunkStart = 0
		}
		if hunkStart < srcIndex {
			return nil, codedErr(CodeOverlap, "hunk at line %d overlaps a prior hunk", hunk.SourceStart)
		}

		result = append(result, originalLines[min(srcIndex, len(originalLines)):min(hunkStart, len(originalLines))]...)
		srcIndex = hunkStart

		for _, line := range hunk.Lines {
			switch line.Kind {
			case ' ':
				if srcIndex >= len(originalLines) {
					return nil, codedErr(CodeContextMismatch, "patch context exceeds file length")
				}
				original := originalLines[srcIndex]
				if trimOneNewline(original) != trimOneNewline(line.Text) {
					return nil, codedErr(CodeContextMismatch,
						"patch context does not match file at line %d", srcIndex+1)
				}
				result = append(result, original)
				srcIndex++
			case '-':
				if srcIndex >= len(originalLines) {
					return nil, codedErr(CodeRemovalMismatch, "patch removal exceeds file length")
				}
				if trimOneNewline(originalLines[srcIndex]) != trimOneNewline(line.Text) {
					return nil, codedErr(CodeRemovalMismatch,
						"patch removal does not match file at line %d", srcIndex+1)
				}
				srcIndex++
			case '+':
				result = append(result, ensureNewline(line.Text))
			}
		}
	}

	if srcIndex < len(originalLines) {
		result = append(result, originalLines[srcIndex:]...)
	}
	return result, nil
}

// splitKeepEnds splits text into lines that retain their trailing newline,
// like Python's splitlines(keepends=True) restricted to \n.
func splitKeepEnds(text string) []string {
	if text == "" {
		return nil
	}
	var lines []string
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			lines = append(lines, text)
			break
		}
		lines = append(lines, text[:idx+1])
		text = text[idx+1:]
		if text == "" {
			break
		}
	}
	return lines
}

// trimOneNewline removes at most one trailing newline, which is how hunk
// body lines are compared against source lines.
func trimOneNewline(s string) string {
	return strings.TrimSuffix(s, "\n")
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
