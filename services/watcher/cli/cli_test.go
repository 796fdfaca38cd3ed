package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padorange/hubeau/internal/apperr"
	"github.com/padorange/hubeau/internal/hubeau/hubeautest"
	"github.com/padorange/hubeau/internal/ingest"
)

const testStation = "R314001001"

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "hubeau-watcher", cmd.Use)
	assert.Contains(t, cmd.Long, "Hub'Eau")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"sync", "station", "search", "latest", "history", "trend"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestSyncCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	syncCmd, _, err := cmd.Find([]string{"sync"})
	require.NoError(t, err)

	for _, name := range []string{"refresh-stations", "dry-run", "strict", "concurrency"} {
		assert.NotNil(t, syncCmd.Flags().Lookup(name), name)
	}
}

func TestTrendCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	trendCmd, _, err := cmd.Find([]string{"trend"})
	require.NoError(t, err)

	hoursFlag := trendCmd.Flags().Lookup("hours")
	require.NotNil(t, hoursFlag)
	assert.Equal(t, "[4,24,168]", hoursFlag.DefValue)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "sync failed", ingest.ErrAllStationsFailed))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.ErrorIs(t, wrapped, ingest.ErrAllStationsFailed)
}

func TestOutputFormatter_JSONEnvelope(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}
	require.NoError(t, f.Print(map[string]int{"n": 1}, nil))

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data["n"])

	buf.Reset()
	f.Fail(errors.New("boom"), nil)
	assert.Contains(t, buf.String(), `"error": "boom"`)

	buf.Reset()
	f.Format = "text"
	f.Fail(errors.New("boom"), nil)
	assert.Empty(t, buf.String())
}

func TestRenderSummary_Golden(t *testing.T) {
	started := time.Date(2024, 3, 31, 6, 0, 0, 0, time.UTC)
	summary := ingest.Summary{
		RunID:      "0190c1a8-0000-7000-8000-000000000000",
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Results: []ingest.Result{
			{Station: "R314001001", Status: ingest.StatusOK, Pages: 3, Inserted: 450, Watermark: time.Date(2024, 3, 10, 7, 29, 0, 0, time.UTC)},
			{Station: "O972001001", Status: ingest.StatusFailed, Kind: apperr.KindServer, Pages: 1, Watermark: time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC), Error: "server error\nbody"},
			{Station: "V130001001", Status: ingest.StatusOK, Capped: true, Pages: 2, Inserted: 800, Watermark: time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)},
			{Station: "K001002010", Status: ingest.StatusSkipped, Kind: apperr.KindCanceled, Error: "run aborted"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, renderSummary(&buf, summary))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "sync_summary", buf.Bytes())
}

// cliEnv is a fake API plus a configuration file pointing at it.
type cliEnv struct {
	srv    *hubeautest.Server
	config string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	for _, key := range []string{"HUBEAU_STATIONS", "DATABASE_URL", "HUBEAU_DB_DRIVER", "HUBEAU_BASE_URL", "HUBEAU_METRICS_FILE", "DRY_RUN"} {
		t.Setenv(key, "")
	}
	srv := hubeautest.NewServer()
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	path := filepath.Join(dir, "hubeau.yaml")
	yaml := fmt.Sprintf(`database_driver: sqlite
database_url: %s
base_url: %s
retry_attempts: 2
retry_initial_interval: 1ms
retry_max_interval: 2ms
request_timeout: 5s
metrics_file: %s
`, filepath.Join(dir, "hubeau.db"), srv.URL, filepath.Join(dir, "hubeau.prom"))
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	return &cliEnv{srv: srv, config: path}
}

// run executes the watcher with args and returns stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(&RootOptions{LogWriter: io.Discard})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--config", e.config))
	err := cmd.Execute()
	return out.String(), err
}

func TestSync_EndToEnd(t *testing.T) {
	env := newCLIEnv(t)
	start := time.Now().UTC().Truncate(time.Minute).Add(-3 * time.Hour)
	env.srv.AddObservations(testStation, hubeautest.Series(start, time.Minute, 120, 1000)...)

	out, err := env.run(t, "sync", testStation, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   ingest.Summary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Results, 1)
	assert.Equal(t, ingest.StatusOK, resp.Data.Results[0].Status)
	assert.Equal(t, 120, resp.Data.Results[0].Inserted)
	assert.NotEmpty(t, resp.Data.RunID)

	prom, err := os.ReadFile(filepath.Join(filepath.Dir(env.config), "hubeau.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(prom), "hubeau_sync_rows_inserted_total")

	// nothing new on the second run
	out, err = env.run(t, "sync", testStation)
	require.NoError(t, err)
	assert.Contains(t, out, "1 ok, 0 failed, 0 skipped, 0 rows inserted")

	out, err = env.run(t, "latest", testStation, "--unit", "cm")
	require.NoError(t, err)
	assert.Contains(t, out, "111.9")

	out, err = env.run(t, "history", testStation, "--days", "1", "--format", "json")
	require.NoError(t, err)
	var history struct {
		Data struct {
			Points []json.RawMessage `json:"points"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	assert.Len(t, history.Data.Points, 120)

	out, err = env.run(t, "trend", testStation, "--hours", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "4h")
	assert.Contains(t, out, "120")

	out, err = env.run(t, "station", testStation)
	require.NoError(t, err)
	assert.Contains(t, out, "Measurements:")
	assert.Contains(t, out, "1.119 m")
}

func TestSync_DryRunWritesNothing(t *testing.T) {
	env := newCLIEnv(t)
	start := time.Now().UTC().Truncate(time.Minute).Add(-time.Hour)
	env.srv.AddObservations(testStation, hubeautest.Series(start, time.Minute, 10, 1000)...)

	out, err := env.run(t, "sync", testStation, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "10 rows inserted")

	_, err = env.run(t, "station", testStation)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestSync_AllStationsFailed(t *testing.T) {
	env := newCLIEnv(t)
	env.srv.FailWith(testStation, true, 500)

	_, err := env.run(t, "sync", testStation)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.ErrorIs(t, err, ingest.ErrAllStationsFailed)
}

func TestSync_PartialFailureStrict(t *testing.T) {
	env := newCLIEnv(t)
	start := time.Now().UTC().Truncate(time.Minute).Add(-time.Hour)
	env.srv.AddObservations(testStation, hubeautest.Series(start, time.Minute, 5, 1000)...)
	env.srv.FailWith("O972001001", true, 500)

	out, err := env.run(t, "sync", testStation, "O972001001")
	require.NoError(t, err)
	assert.Contains(t, out, "1 ok, 1 failed")

	_, err = env.run(t, "sync", testStation, "O972001001", "--strict")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestCommandErrors(t *testing.T) {
	env := newCLIEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"invalid format", []string{"sync", testStation, "--format", "xml"}},
		{"no station", []string{"sync"}},
		{"invalid station", []string{"latest", "nope"}},
		{"invalid unit", []string{"latest", testStation, "--unit", "ft"}},
		{"search without filter", []string{"search"}},
		{"negative window", []string{"trend", testStation, "--hours=-4"}},
		{"bad start", []string{"history", testStation, "--start", "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.run(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestExecute_JSONErrorPayload(t *testing.T) {
	env := newCLIEnv(t)
	var stdout, stderr bytes.Buffer

	code := execute(&RootOptions{LogWriter: io.Discard}, []string{"latest", "nope", "--format", "json", "--config", env.config}, &stdout, &stderr)
	assert.Equal(t, ExitCommandError, code)

	var resp Response
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "invalid station code")
	assert.Contains(t, stderr.String(), "invalid station code")

	stdout.Reset()
	code = execute(&RootOptions{LogWriter: io.Discard}, []string{"latest", "nope", "--config", env.config}, &stdout, &stderr)
	assert.Equal(t, ExitCommandError, code)
	assert.Empty(t, stdout.String())
}

func TestExecute_SyncFailureJSONCarriesSummary(t *testing.T) {
	env := newCLIEnv(t)
	env.srv.FailWith(testStation, true, 500)
	var stdout, stderr bytes.Buffer

	code := execute(&RootOptions{LogWriter: io.Discard}, []string{"sync", testStation, "--format", "json", "--config", env.config}, &stdout, &stderr)
	assert.Equal(t, ExitFailure, code)

	// a single error document, with the run summary as data
	var resp struct {
		Status string         `json:"status"`
		Data   ingest.Summary `json:"data"`
		Error  string         `json:"error"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "all stations failed")
	require.Len(t, resp.Data.Results, 1)
	assert.Equal(t, ingest.StatusFailed, resp.Data.Results[0].Status)
}
