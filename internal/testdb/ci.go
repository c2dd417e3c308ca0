package testdb

import "os"

// CI environment detection variables
const (
	EnvCI            = "CI"
	EnvGitHubActions = "GITHUB_ACTIONS"
	EnvGitLabCI      = "GITLAB_CI"
	EnvJenkinsURL    = "JENKINS_URL"
	EnvCircleCI      = "CIRCLECI"

	// EnvRequirePostgres forces OpenPostgres to fail instead of skip.
	EnvRequirePostgres = "GENQUEUE_REQUIRE_POSTGRES"
)

// IsCI reports whether the tests run under a known CI provider.
func IsCI() bool {
	for _, key := range []string{EnvCI, EnvGitHubActions, EnvGitLabCI, EnvJenkinsURL, EnvCircleCI} {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

// postgresRequired reports whether a missing database URL is a failure
// rather than a reason to skip. Set GENQUEUE_REQUIRE_POSTGRES=1 in CI jobs
// that provision a database.
func postgresRequired() bool {
	return IsCI() && os.Getenv(EnvRequirePostgres) != ""
}
