package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/kudzuproject/kudzu/pkg/catalog"
	"github.com/kudzuproject/kudzu/pkg/telemetry"
)

// DefaultResourceFunc reconciles the built-in resource types on the
// local system: "file" (content and mode), and "exec" (idempotent
// command execution guarded by a creates path). Unknown types are
// logged and treated as unchanged so catalogs can carry types handled
// by plugin code elsewhere.
func DefaultResourceFunc(log *telemetry.Logger) ResourceFunc {
	rlog := log.NewComponentLogger("resources")
	return func(ctx context.Context, res catalog.Resource, noop bool) (bool, error) {
		switch res.Type {
		case "file":
			return applyFile(res, noop)
		case "exec":
			return applyExec(ctx, res, noop)
		default:
			rlog.Debugf("No local handler for resource type %q", res.Type)
			return false, nil
		}
	}
}

func stringParam(res catalog.Resource, key, fallback string) string {
	if v, ok := res.Parameters[key].(string); ok {
		return v
	}
	return fallback
}

// applyFile ensures a file exists with the declared content and mode,
// or is absent.
func applyFile(res catalog.Resource, noop bool) (bool, error) {
	path := stringParam(res, "path", res.Title)
	ensure := stringParam(res, "ensure", "present")
	content := []byte(stringParam(res, "content", ""))

	mode := os.FileMode(0644)
	if raw := stringParam(res, "mode", ""); raw != "" {
		parsed, err := strconv.ParseUint(raw, 8, 32)
		if err != nil {
			return false, fmt.Errorf("invalid mode %q for %s: %w", raw, res.Ref(), err)
		}
		mode = os.FileMode(parsed)
	}

	info, statErr := os.Stat(path)

	if ensure == "absent" {
		if os.IsNotExist(statErr) {
			return false, nil
		}
		if noop {
			return true, nil
		}
		return true, os.Remove(path)
	}

	if statErr == nil {
		current, err := os.ReadFile(path)
		if err == nil && bytes.Equal(current, content) && info.Mode().Perm() == mode.Perm() {
			return false, nil
		}
	}

	if noop {
		return true, nil
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return true, err
	}
	// WriteFile does not change the mode of an existing file
	return true, os.Chmod(path, mode)
}

// applyExec runs a command unless its creates guard path already
// exists.
func applyExec(ctx context.Context, res catalog.Resource, noop bool) (bool, error) {
	command := stringParam(res, "command", res.Title)
	if command == "" {
		return false, fmt.Errorf("%s has no command", res.Ref())
	}

	if creates := stringParam(res, "creates", ""); creates != "" {
		if _, err := os.Stat(creates); err == nil {
			return false, nil
		}
	}

	if noop {
		return true, nil
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if output, err := cmd.CombinedOutput(); err != nil {
		return true, fmt.Errorf("%s failed: %w (output: %s)", res.Ref(), err, output)
	}
	return true, nil
}
