package builder

import (
	"fmt"
	"os"
)

// systemVariables assembles the identity variables every stage script sees.
// Lowercase aliases exist because the most common script snippets use them.
func (e *execution) systemVariables() map[string]string {
	return map[string]string{
		"BUILD_NUMBER": fmt.Sprintf("%d", e.run.Number),
		"VERSION":      e.version,

		"COMMIT_ID": e.run.CommitID,
		"BRANCH":    e.run.Branch,

		"PROJECT_NAME": e.task.Project.Name,
		"PROJECT_ID":   e.task.Project.ID,
		"PROJECT_REPO": e.task.Project.Repository,

		"TASK_NAME": e.task.Name,
		"TASK_ID":   e.task.ID,

		"ENVIRONMENT":      e.task.Environment.Name,
		"ENVIRONMENT_TYPE": string(e.task.Environment.Type),
		"ENVIRONMENT_ID":   e.task.Environment.ID,

		"service_name": e.task.Name,
		"build_env":    e.task.Environment.Name,
		"branch":       e.run.Branch,
		"version":      e.version,

		"BUILD_PATH":      e.buildPath,
		"BUILD_WORKSPACE": e.buildPath,

		// Plain docker build output; BuildKit progress rendering floods the
		// captured log with control sequences.
		"DOCKER_BUILDKIT":   "0",
		"BUILDKIT_PROGRESS": "plain",

		// Stable locale so remote shells do not warn about missing locales.
		"LC_ALL": "POSIX",
		"LANG":   "POSIX",
	}
}

// combinedEnviron merges the inherited process environment with the build
// variables, build variables winning.
func combinedEnviron(vars map[string]string) []string {
	env := os.Environ()
	for name, value := range vars {
		env = append(env, name+"="+value)
	}
	return env
}
