package shell

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	echoLineRe      = regexp.MustCompile(`^echo(\s+-[a-zA-Z]*)?(\s+.*)?\s*$`)
	stageNameCleanRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
)

// wrapEchoCommands rewrites plain echo lines so xtrace is toggled off around
// them. Stage scripts run under `set -x` for Jenkins-style command echoing,
// which would otherwise print every echo twice.
func wrapEchoCommands(script string) string {
	lines := strings.Split(script, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if trimmed != "" && echoLineRe.MatchString(trimmed) {
			out = append(out, fmt.Sprintf("%s{ set +x; } 2>/dev/null; %s; { set -x; } 2>/dev/null", indent, trimmed))
		} else {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// materializeScript writes the stage script to a private executable temp
// file inside the working directory and returns its path. The wrapper
// enables fail-fast semantics, sources the shared vars file and turns on
// command tracing before the user script body.
func (r *Runner) materializeScript(script, stageName string) (string, error) {
	prefix := fmt.Sprintf(".build_stage_%s_", stageNameCleanRe.ReplaceAllString(stageName, "_"))
	f, err := os.CreateTemp(r.workDir, prefix+"*.sh")
	if err != nil {
		return "", fmt.Errorf("failed to create stage script: %w", err)
	}
	path := f.Name()

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -e\n")
	b.WriteString("set -o pipefail\n\n")
	b.WriteString(fmt.Sprintf("source %q 2>/dev/null || true\n\n", r.varsFile))
	b.WriteString("set -x\n\n")
	b.WriteString(wrapEchoCommands(script))
	b.WriteString("\n")

	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write stage script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close stage script: %w", err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to chmod stage script: %w", err)
	}
	return path, nil
}
