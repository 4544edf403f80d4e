package agent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gradwatch/models"
)

var (
	diagnosisRe = sectionRe("DIAGNOSIS")
	actionRe    = sectionRe("ACTION")
	changesRe   = sectionRe("CODE_CHANGES")
)

func sectionRe(label string) *regexp.Regexp {
	return regexp.MustCompile(`(?s)` + label + `\s*:\s*(.*?)(?:\n[A-Z_]+\s*:|$)`)
}

func extractSection(re *regexp.Regexp, text string) string {
	match := re.FindStringSubmatch(text)
	if match == nil {
		return ""
	}
	return strings.TrimSpace(match[1])
}

// ParsePlan reads the oracle's DIAGNOSIS/ACTION/CODE_CHANGES reply into a
// plan. A reply without sections becomes an explain plan whose diagnosis
// is the raw text.
func ParsePlan(rawOutput string) models.Plan {
	diagnosis := extractSection(diagnosisRe, rawOutput)
	actionRaw := strings.ToLower(extractSection(actionRe, rawOutput))
	codeChanges := extractSection(changesRe, rawOutput)

	action := models.ActionExplain
	if strings.Contains(actionRaw, "refactor") {
		action = models.ActionRefactor
	}
	if action == models.ActionExplain {
		codeChanges = ""
	}
	if diagnosis == "" {
		diagnosis = strings.TrimSpace(rawOutput)
	}

	return models.Plan{
		Diagnosis:   diagnosis,
		Action:      action,
		CodeChanges: strings.TrimSpace(codeChanges),
		RawOutput:   rawOutput,
	}
}

var assignmentRe = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(.+?)\s*$`)

// SummarizeDiffChanges extracts `NAME = value` assignment flips from a
// diff into a short "KEY: before -> after" summary, or "" when the diff
// holds none.
func SummarizeDiffChanges(diffText string) string {
	removed := map[string]string{}
	added := map[string]string{}

	for _, rawLine := range strings.Split(diffText, "\n") {
		if strings.HasPrefix(rawLine, "---") || strings.HasPrefix(rawLine, "+++") || strings.HasPrefix(rawLine, "@@") {
			continue
		}
		var bucket map[string]string
		switch {
		case strings.HasPrefix(rawLine, "-"):
			bucket = removed
		case strings.HasPrefix(rawLine, "+"):
			bucket = added
		default:
			continue
		}
		if match := assignmentRe.FindStringSubmatch(rawLine[1:]); match != nil {
			bucket[match[1]] = match[2]
		}
	}

	keys := map[string]bool{}
	for key := range removed {
		keys[key] = true
	}
	for key := range added {
		keys[key] = true
	}
	sortedKeys := make([]string, 0, len(keys))
	for key := range keys {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)

	var changes []string
	for _, key := range sortedKeys {
		before, hadBefore := removed[key]
		after, hasAfter := added[key]
		switch {
		case hadBefore && hasAfter && before != after:
			changes = append(changes, fmt.Sprintf("%s: %s -> %s", key, before, after))
		case hasAfter && !hadBefore:
			changes = append(changes, fmt.Sprintf("%s: set to %s", key, after))
		case hadBefore && !hasAfter:
			changes = append(changes, fmt.Sprintf("%s: removed", key))
		}
	}

	if len(changes) == 0 {
		return ""
	}
	shown := changes
	suffix := ""
	if len(changes) > 5 {
		shown = changes[:5]
		suffix = " ..."
	}
	return "Refactor summary: " + strings.Join(shown, " | ") + suffix
}
