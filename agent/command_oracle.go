package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"

	"gradwatch/models"
)

// CommandOracle shells out to an external diagnosing agent: the context
// document and question are piped to stdin separated by a blank line, and
// stdout is the raw DIAGNOSIS/ACTION/CODE_CHANGES reply. This keeps the
// model integration outside the daemon process.
type CommandOracle struct {
	Command string
}

func (o *CommandOracle) Respond(ctx context.Context, contextText, question string, alert *models.Alert) (string, error) {
	parts, err := shlex.Split(o.Command)
	if err != nil || len(parts) == 0 {
		return "", fmt.Errorf("invalid oracle command %q", o.Command)
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stdin = strings.NewReader(contextText + "\n\n" + question + "\n")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("oracle command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// UnconfiguredOracle fails every call; the engine turns that into
// fallback explain plans, so a daemon without a model endpoint still
// raises and records alerts.
type UnconfiguredOracle struct{}

func (UnconfiguredOracle) Respond(context.Context, string, string, *models.Alert) (string, error) {
	return "", fmt.Errorf("no oracle configured (set ORACLE_CMD)")
}
