// Package shell provides a shell_exec tool and a CommandRunner for action
// nodes running in local mode. Commands run inside a workspace directory
// with a timeout and a small safety blocklist.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	meander "github.com/nevindra/meander"
)

const maxOutput = 4000

// Tool executes shell commands in a sandboxed workspace.
type Tool struct {
	workspacePath  string
	defaultTimeout int // seconds
}

var _ meander.Tool = (*Tool)(nil)

// New creates a shell tool. Commands run in workspacePath with the given
// default timeout in seconds.
func New(workspacePath string, defaultTimeout int) *Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = 30
	}
	return &Tool{workspacePath: workspacePath, defaultTimeout: defaultTimeout}
}

func (t *Tool) Name() string { return "shell_exec" }

func (t *Tool) Description() string {
	return "Execute a shell command in the workspace directory. Returns stdout + stderr. Args: command (string), timeout (seconds, default 30)."
}

// Execute runs args["command"] through sh -c.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return "", fmt.Errorf("shell_exec: command is required")
	}

	// Basic blocklist
	lower := strings.ToLower(command)
	blocked := []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}
	for _, b := range blocked {
		if strings.Contains(lower, b) {
			return "", fmt.Errorf("shell_exec: command blocked for safety: %s", b)
		}
	}

	timeout := t.defaultTimeout
	switch v := args["timeout"].(type) {
	case int:
		if v > 0 {
			timeout = v
		}
	case float64:
		if v > 0 {
			timeout = int(v)
		}
	}
	if timeout > 300 {
		timeout = 300
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = t.workspacePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var output string
	if stdout.Len() > 0 {
		output = stdout.String()
	}
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > maxOutput {
		output = output[:maxOutput] + "\n... (truncated)"
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return output, fmt.Errorf("shell_exec: command timed out after %ds", timeout)
		}
		return output, fmt.Errorf("shell_exec: exit: %w", err)
	}
	if output == "" {
		output = "(no output)"
	}
	return output, nil
}

// Runner returns a meander.CommandRunner backed by the tool, for
// ActionRegistry local mode. The command id is executed as the shell
// command; the execution context is not interpolated.
func (t *Tool) Runner() meander.CommandRunner {
	return func(ctx context.Context, commandID string, execContext map[string]any) (meander.ActionResult, error) {
		out, err := t.Execute(ctx, map[string]any{"command": commandID})
		if err != nil {
			return meander.ActionResult{}, err
		}
		return meander.ActionResult{Output: out}, nil
	}
}
