package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genqueue/internal/api"
	"github.com/phrazzld/genqueue/internal/config"
	"github.com/phrazzld/genqueue/internal/generation"
	"github.com/phrazzld/genqueue/internal/platform/logger"
	"github.com/phrazzld/genqueue/internal/platform/sqlite"
	"github.com/phrazzld/genqueue/internal/router"
	"github.com/phrazzld/genqueue/internal/task"
	"github.com/phrazzld/genqueue/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp runs the test in an empty directory so no config.yaml is found
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func testConfig(driver string) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Port: 0, LogLevel: "error", ShutdownTimeout: 5 * time.Second},
		Database: config.DatabaseConfig{Driver: driver},
		Worker: config.WorkerConfig{
			Count:          1,
			PollInterval:   10 * time.Millisecond,
			TaskTimeout:    5 * time.Second,
			FetchTimeout:   time.Second,
			LeaseTimeout:   time.Minute,
			ReapInterval:   time.Minute,
			ResumeSchedule: "@hourly",
		},
		Router: config.RouterConfig{
			BreakerFailureThreshold: 3,
			BreakerOpenDuration:     time.Minute,
		},
		Metrics: config.MetricsConfig{HistogramWindowSize: 100},
	}
}

func echoProvider(id string, priority int) router.Provider {
	return router.Provider{
		ID:       id,
		Priority: priority,
		Client: generation.ClientFunc(func(ctx context.Context, req generation.Request) (generation.Response, error) {
			return generation.Response{Text: "echo: " + req.Prompt, Model: "echo-1"}, nil
		}),
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// TestApplication_EndToEnd enqueues over HTTP, runs one worker cycle and
// reads the stored result back.
func TestApplication_EndToEnd(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		open   func(t *testing.T) *sql.DB
	}{
		{name: "memory", driver: driverMemory, open: func(t *testing.T) *sql.DB { return nil }},
		{name: "sqlite", driver: driverSQLite, open: testdb.OpenSQLite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, err := newApplication(testConfig(tt.driver), logger.NewDiscardLogger(), tt.open(t), []router.Provider{
				echoProvider("primary", 0),
			})
			require.NoError(t, err)

			body := `{"type":"generation","payload":{"prompt":"ping"}}`
			rec := httptest.NewRecorder()
			app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(body)))
			require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

			var created api.TaskResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

			processed, err := app.processor.ProcessNext(context.Background())
			require.NoError(t, err)
			require.True(t, processed)

			rec = httptest.NewRecorder()
			app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/"+created.ID, nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var got api.TaskResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			assert.Equal(t, string(task.StatusCompleted), got.Status)
			assert.Equal(t, "echo: ping", got.Result)
			assert.Equal(t, "primary", got.Provider)
			assert.Equal(t, 1, got.AttemptCount)

			rec = httptest.NewRecorder()
			app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/providers", nil))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), `"provider_id":"primary"`)
		})
	}
}

func TestApplication_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(driverMemory)
	app, err := newApplication(cfg, logger.NewDiscardLogger(), nil, []router.Provider{echoProvider("primary", 0)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestNewApplication_MetricExport(t *testing.T) {
	cfg := testConfig(driverMemory)
	app, err := newApplication(cfg, logger.NewDiscardLogger(), nil, []router.Provider{echoProvider("primary", 0)})
	require.NoError(t, err)
	assert.Nil(t, app.meterProvider, "export is off by default")

	cfg = testConfig(driverMemory)
	cfg.Server.ShutdownTimeout = 100 * time.Millisecond
	cfg.Metrics.ExportEnabled = true
	cfg.Metrics.CollectorEndpoint = "127.0.0.1:4317"
	cfg.Metrics.ExportInsecure = true
	app, err = newApplication(cfg, logger.NewDiscardLogger(), nil, []router.Provider{echoProvider("primary", 0)})
	require.NoError(t, err)
	require.NotNil(t, app.meterProvider)
	app.cleanup()
}

func TestNewApplication_RejectsBadSchedule(t *testing.T) {
	cfg := testConfig(driverMemory)
	cfg.Worker.ResumeSchedule = "not a schedule"

	_, err := newApplication(cfg, logger.NewDiscardLogger(), nil, []router.Provider{echoProvider("primary", 0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resume schedule")
}

func TestNewApplication_RequiresProviders(t *testing.T) {
	_, err := newApplication(testConfig(driverMemory), logger.NewDiscardLogger(), nil, nil)
	require.ErrorIs(t, err, router.ErrNoProviders)
}

func TestBuildProviders(t *testing.T) {
	cfg := testConfig(driverMemory)
	cfg.LLM = config.LLMConfig{
		GeminiAPIKey: "gemini-test-key",
		GeminiModel:  "gemini-2.0-flash",
		OpenAIAPIKey: "openai-test-key",
		OpenAIModel:  "gpt-4o-mini",
		Timeout:      time.Minute,
	}

	providers, err := buildProviders(context.Background(), cfg, logger.NewDiscardLogger())
	require.NoError(t, err)
	require.Len(t, providers, 2)

	assert.Equal(t, config.ProviderKindGemini, providers[0].ID)
	assert.Equal(t, 1, providers[0].Priority)
	assert.Equal(t, time.Minute, providers[0].Timeout)
	assert.Equal(t, config.ProviderKindOpenAI, providers[1].ID)
	assert.Equal(t, 2, providers[1].Priority)
}

func TestBuildProviders_NoneConfigured(t *testing.T) {
	_, err := buildProviders(context.Background(), testConfig(driverMemory), logger.NewDiscardLogger())
	require.ErrorIs(t, err, config.ErrNoProviders)
}

func TestNewGenerationClient_UnknownKind(t *testing.T) {
	_, err := newGenerationClient(context.Background(), config.ProviderConfig{ID: "x", Kind: "mystery", APIKey: "k"}, logger.NewDiscardLogger())
	require.ErrorIs(t, err, generation.ErrInvalidConfig)
}

func TestMigrateAndEnqueueCommands(t *testing.T) {
	dir := chdirTemp(t)
	dbPath := filepath.Join(dir, "data", "queue.db")
	t.Setenv("GENQUEUE_DATABASE_DRIVER", driverSQLite)
	t.Setenv("GENQUEUE_DATABASE_URL", dbPath)
	t.Setenv("GENQUEUE_SERVER_LOG_LEVEL", "error")

	out, err := runCLI(t, "migrate")
	require.NoError(t, err, out)
	assert.Contains(t, out, "migrate up: ok")

	out, err = runCLI(t, "enqueue", "--prompt", "Summarise RFC 9110")
	require.NoError(t, err, out)
	id, err := uuid.Parse(strings.TrimSpace(out))
	require.NoError(t, err, out)

	ctx := context.Background()
	db, err := sqlite.Open(ctx, dbPath, logger.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := sqlite.NewTaskStore(db)
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, task.TypeGeneration, got.Type)
	assert.JSONEq(t, `{"prompt":"Summarise RFC 9110"}`, string(got.Payload))

	out, err = runCLI(t, "migrate", "version")
	require.NoError(t, err, out)
}

func TestEnqueueCommand_RejectsInvalidPayload(t *testing.T) {
	chdirTemp(t)
	t.Setenv("GENQUEUE_DATABASE_DRIVER", driverMemory)

	tests := []struct {
		name string
		args []string
	}{
		{"missing_prompt", []string{"enqueue", "--payload", `{"model":"x"}`}},
		{"not_json", []string{"enqueue", "--payload", `{prompt`}},
		{"unsupported_type", []string{"enqueue", "--type", "email", "--prompt", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, tt.args...)
			require.Error(t, err)
		})
	}
}

func TestEnqueueCommand_RequiresPayloadFlag(t *testing.T) {
	_, err := runCLI(t, "enqueue")
	require.Error(t, err)
}

func TestCommands_MemoryDriverHasNoDatabase(t *testing.T) {
	chdirTemp(t)
	t.Setenv("GENQUEUE_DATABASE_DRIVER", driverMemory)
	t.Setenv("GENQUEUE_SERVER_LOG_LEVEL", "error")

	_, err := runCLI(t, "enqueue", "--prompt", "x")
	require.ErrorIs(t, err, errNoDatabase)

	_, err = runCLI(t, "migrate")
	require.ErrorIs(t, err, errNoDatabase)
}

func TestMigrateCommand_RejectsUnknownSubcommand(t *testing.T) {
	_, err := runCLI(t, "migrate", "sideways")
	require.Error(t, err)
}
