package agent

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/kudzuproject/kudzu/pkg/telemetry"
)

// HookError wraps a failed pre-run or post-run command. Hook failures
// are the one error class the orchestrator surfaces to its caller
// instead of absorbing, though cleanup and report emission still happen
// first.
type HookError struct {
	// Command is the configured command string that failed.
	Command string

	// Err is the underlying execution error.
	Err error
}

// Error implements the error interface.
func (e *HookError) Error() string {
	return fmt.Sprintf("hook command %q failed: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *HookError) Unwrap() error {
	return e.Err
}

// RunHook executes an external command hook. An empty command string is
// a no-op. The command runs through the shell so configured strings can
// use arguments and redirection. On failure the error is wrapped in a
// HookError and returned to the caller.
func RunHook(ctx context.Context, command string, log *telemetry.Logger) error {
	if command == "" {
		return nil
	}

	log.Debugf("Executing hook: %s", command)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if len(output) > 0 {
			log.WithError(err).Errorf("Hook output: %s", output)
		}
		return &HookError{Command: command, Err: err}
	}

	return nil
}
