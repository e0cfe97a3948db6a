package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/repository"
	"github.com/rpattn/catalogmerge/internal/sqlitestore"
)

type cliEnv struct {
	dir        string
	configPath string
	dbPath     string
}

func setupCLITestEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "catalog.db")
	configPath := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("store:\n  driver: sqlite\n  sqlite_path: %q\nlog:\n  level: error\nprocessing:\n  workers: 2\n", dbPath)
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o644))
	return cliEnv{dir: dir, configPath: configPath, dbPath: dbPath}
}

func (e cliEnv) runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func (e cliEnv) writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func (e cliEnv) batches(t *testing.T, source domain.SourceType) []domain.IngestionBatch {
	t.Helper()
	store, err := sqlitestore.Open(e.dbPath)
	require.NoError(t, err)
	defer store.Close()
	batches, err := store.Batches().List(context.Background(), repository.BatchFilter{Source: source})
	require.NoError(t, err)
	return batches
}

const systemExport = "Material ID,Title,File Name,Workflow Status\n" +
	"1001,Intro to Statics,statics.pdf,ToDo\n" +
	"1002,Fluid Dynamics,fluids.pdf,ToDo\n" +
	",missing key,none.pdf,ToDo\n"

const humanSheet = "Material ID,Status,Remarks\n" +
	"1001,Done,checked twice\n"

func TestMigrateReportsSchemaVersion(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := env.runCLI(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "0001_catalog")
}

func TestIngestProcessAndInspect(t *testing.T) {
	env := setupCLITestEnv(t)
	systemPath := env.writeFile(t, "system.csv", systemExport)
	humanPath := env.writeFile(t, "human.csv", humanSheet)

	out, err := env.runCLI(t, "ingest", systemPath, "--source", "system", "--actor", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "Staged batch")
	assert.Contains(t, out, "missing external key")

	systemBatches := env.batches(t, domain.SourceSystem)
	require.Len(t, systemBatches, 1)
	assert.Equal(t, "ops", systemBatches[0].Actor)
	assert.Equal(t, domain.BatchStaged, systemBatches[0].Status)

	out, err = env.runCLI(t, "process", "--all-staged")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")

	out, err = env.runCLI(t, "ingest", humanPath, "--source", "human", "--process")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")

	out, err = env.runCLI(t, "history", "1001", "--diff")
	require.NoError(t, err)
	assert.Contains(t, out, "1001 at version 2")
	assert.Contains(t, out, "checked twice")
	assert.Contains(t, out, `+  workflow_state: text "Done"`)

	out, err = env.runCLI(t, "explain", "1001", "workflow_state")
	require.NoError(t, err)
	assert.Contains(t, out, `1001.workflow_state = "Done"`)
	assert.Contains(t, out, "human source")

	_, err = env.runCLI(t, "explain", "1001", "colour")
	assert.ErrorContains(t, err, "unknown field")

	out, err = env.runCLI(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "system.csv")
	assert.Contains(t, out, "human.csv")

	systemID := systemBatches[0].ID.String()
	out, err = env.runCLI(t, "status", systemID)
	require.NoError(t, err)
	assert.Contains(t, out, "Rejected rows")
	assert.Contains(t, out, "4")

	out, err = env.runCLI(t, "failures", systemID)
	require.NoError(t, err)
	assert.Contains(t, out, "No failures")

	out, err = env.runCLI(t, "replay", systemID)
	require.NoError(t, err)
	assert.Contains(t, out, "Replayed "+systemID)
	assert.Len(t, env.batches(t, domain.SourceSystem), 2)

	_, err = env.runCLI(t, "requeue", systemID)
	assert.ErrorContains(t, err, "not claimable")
}

func TestIngestDryRunStagesNothing(t *testing.T) {
	env := setupCLITestEnv(t)
	path := env.writeFile(t, "system.csv", systemExport)

	out, err := env.runCLI(t, "ingest", path, "--source", "system", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Material ID")
	assert.Contains(t, out, "filename")
	assert.Contains(t, out, "3 rows, 2 accepted, 1 rejected")
	assert.Empty(t, env.batches(t, ""))
}

func TestCommandArgumentErrors(t *testing.T) {
	env := setupCLITestEnv(t)

	_, err := env.runCLI(t, "process")
	assert.ErrorContains(t, err, "--all-staged")

	_, err = env.runCLI(t, "status", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid batch id")

	_, err = env.runCLI(t, "ingest", filepath.Join(env.dir, "absent.csv"), "--source", "system")
	assert.Error(t, err)

	_, err = env.runCLI(t, "ingest", env.writeFile(t, "x.csv", "a\n1\n"), "--source", "robot")
	assert.Error(t, err)
}
