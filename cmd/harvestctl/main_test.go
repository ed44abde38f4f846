package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		configDir = "."
		statsDays = 7
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestStatsRejectsDayRange(t *testing.T) {
	_, err := execute(t, "stats", "--days", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "between 1 and 366")
}

func TestCommandsRequireArguments(t *testing.T) {
	_, err := execute(t, "replay")
	assert.Error(t, err)

	_, err = execute(t, "ingest")
	assert.Error(t, err)
}

func TestOpenEnvRequiresPostgres(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("storage:\n  driver: memory\n"), 0o600))

	_, err := execute(t, "--config", dir, "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs postgres")
}

func TestIngestReportsMissingFile(t *testing.T) {
	_, err := execute(t, "ingest", filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read payload")
}
