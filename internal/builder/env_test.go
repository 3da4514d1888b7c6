package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"git.home.luguber.info/inful/buildhost/internal/model"
)

func TestSystemVariables(t *testing.T) {
	e := &execution{
		task: promotedTask(),
		run: &model.BuildRun{
			Number:   7,
			Branch:   "develop",
			CommitID: "deadbeefcafef00d",
		},
		version:   "20240131120000_deadbeef",
		buildPath: "/srv/builds/backend/20240131120000_deadbeef/backend-api",
	}

	vars := e.systemVariables()

	assert.Equal(t, "7", vars["BUILD_NUMBER"])
	assert.Equal(t, "20240131120000_deadbeef", vars["VERSION"])
	assert.Equal(t, "develop", vars["BRANCH"])
	assert.Equal(t, "backend-api", vars["PROJECT_NAME"])
	assert.Equal(t, e.buildPath, vars["BUILD_PATH"])
	assert.Equal(t, e.buildPath, vars["BUILD_WORKSPACE"])

	// Lowercase aliases track their uppercase counterparts.
	assert.Equal(t, vars["TASK_NAME"], vars["service_name"])
	assert.Equal(t, vars["ENVIRONMENT"], vars["build_env"])
	assert.Equal(t, vars["VERSION"], vars["version"])
	assert.Equal(t, vars["BRANCH"], vars["branch"])

	// Captured docker output stays plain text.
	assert.Equal(t, "0", vars["DOCKER_BUILDKIT"])
	assert.Equal(t, "plain", vars["BUILDKIT_PROGRESS"])
	assert.Equal(t, "POSIX", vars["LC_ALL"])
}

func TestCombinedEnviron(t *testing.T) {
	t.Setenv("PRESET_VAR", "inherited")

	env := combinedEnviron(map[string]string{"VERSION": "v1"})

	assert.Contains(t, env, "PRESET_VAR=inherited")
	assert.Contains(t, env, "VERSION=v1")
}
