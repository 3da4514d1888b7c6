package shell

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// VarsFileName is the shared variable-definitions file sourced by every
// stage script, letting exports from earlier stages reach later ones.
const VarsFileName = ".build_vars"

var (
	safeValueRe = regexp.MustCompile(`^[a-zA-Z0-9_./:-]+$`)

	// Names that must never be rewritten into the vars file.
	skippedVarPrefixes = []string{"_", "BASH_", "SHELL", "HOME", "PATH", "PWD", "OLDPWD"}
)

// InitVarsFile creates (or truncates) the vars file with its script header.
func (r *Runner) InitVarsFile() error {
	content := "#!/bin/bash\n# build variables\n"
	if err := os.WriteFile(r.varsFile, []byte(content), 0o755); err != nil {
		return fmt.Errorf("failed to initialise vars file: %w", err)
	}
	return nil
}

// SaveVariables appends export statements for the given variables. Keys with
// reserved shell prefixes are skipped. Writes are sorted for determinism.
func (r *Runner) SaveVariables(vars map[string]string) error {
	if len(vars) == 0 {
		return nil
	}
	f, err := os.OpenFile(r.varsFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o755)
	if err != nil {
		return fmt.Errorf("failed to open vars file: %w", err)
	}
	defer f.Close()

	names := make([]string, 0, len(vars))
	for name := range vars {
		if skippedVarName(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(f, "export %s=%s\n", name, escapeShellValue(vars[name])); err != nil {
			return fmt.Errorf("failed to write variable %s: %w", name, err)
		}
	}
	return nil
}

func skippedVarName(name string) bool {
	for _, prefix := range skippedVarPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// escapeShellValue quotes a value for safe use in an export statement.
// Values containing only safe characters pass through bare; everything else
// is single-quoted with embedded single quotes escaped.
func escapeShellValue(value string) string {
	if value == "" {
		return `""`
	}
	if safeValueRe.MatchString(value) {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
