package testdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func clearCIEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvCI, EnvGitHubActions, EnvGitLabCI, EnvJenkinsURL, EnvCircleCI, EnvRequirePostgres} {
		t.Setenv(key, "")
	}
}

func TestIsCI(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want bool
	}{
		{"none", nil, false},
		{"generic", map[string]string{EnvCI: "true"}, true},
		{"github", map[string]string{EnvGitHubActions: "true"}, true},
		{"gitlab", map[string]string{EnvGitLabCI: "true"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearCIEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, IsCI())
		})
	}
}

func TestPostgresRequired(t *testing.T) {
	clearCIEnv(t)
	t.Setenv(EnvRequirePostgres, "1")
	assert.False(t, postgresRequired(), "outside CI the flag is ignored")

	t.Setenv(EnvCI, "true")
	assert.True(t, postgresRequired())
}

func TestPostgresURL_Precedence(t *testing.T) {
	t.Setenv("GENQUEUE_TEST_DB_URL", "")
	t.Setenv("DATABASE_URL", "postgres://fallback")
	assert.Equal(t, "postgres://fallback", PostgresURL())

	t.Setenv("GENQUEUE_TEST_DB_URL", "postgres://preferred")
	assert.Equal(t, "postgres://preferred", PostgresURL())
}
