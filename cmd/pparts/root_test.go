package main

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/pparts/pkg/blockfile"
	"github.com/KevoDB/pparts/pkg/common/log"
	"github.com/KevoDB/pparts/pkg/config"
	"github.com/KevoDB/pparts/pkg/record"
	"github.com/KevoDB/pparts/pkg/runs"
	"github.com/KevoDB/pparts/pkg/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decode(t *testing.T, out string) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "pparts", cmd.Use)
	assert.Contains(t, cmd.Long, "2^m + q^n")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"ingest", "catalog", "runs", "integrity", "prefix", "truncate", "rebuild", "resume", "compute", "shell"}

	for _, name := range commands {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			require.NotNil(t, sub)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "false", verbose.DefValue)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	dataDir := cmd.PersistentFlags().Lookup("data-dir")
	require.NotNil(t, dataDir)
	assert.Equal(t, "data", dataDir.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "runs", "--data-dir", t.TempDir(), "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTruncateNeedsBoundary(t *testing.T) {
	_, err := execute(t, "truncate", "--data-dir", t.TempDir())
	require.Error(t, err)

	_, err = execute(t, "truncate", "--data-dir", t.TempDir(), "--from-prime", "5", "--from-seq", "2")
	require.Error(t, err)
}

func TestComputeThenAudit(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "compute", "-n", "30", "--data-dir", dir, "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "primes=30 from 2")

	out, err = execute(t, "prefix", "--divergence", "--data-dir", dir, "--format", "json")
	require.NoError(t, err)
	resp := decode(t, out)
	assert.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, true, data["ok"])
	assert.Equal(t, float64(30), data["unique_primes"])

	out, err = execute(t, "resume", "--next", "2", "--data-dir", dir, "--format", "json")
	require.NoError(t, err)
	data = decode(t, out).Data.(map[string]interface{})
	assert.Equal(t, float64(127), data["prime"])
	assert.Equal(t, float64(30), data["index"])
	assert.Equal(t, []interface{}{float64(127), float64(131)}, data["next"])

	out, err = execute(t, "integrity", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "OK")

	out, err = execute(t, "catalog", "--partitions", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "pp_b001_p113.ppc")
	assert.Contains(t, out, "1 blocks, ")

	out, err = execute(t, "truncate", "--from-prime", "100", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "dry run")

	out, err = execute(t, "rebuild", "--target", "10", "--data-dir", dir, "--format", "json")
	require.NoError(t, err)
	data = decode(t, out).Data.(map[string]interface{})
	assert.Equal(t, float64(3), data["NewBlocks"])
	assert.Equal(t, false, data["Executed"])
}

func TestPrefixFailureExitCode(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewDefaultConfig(dir)
	require.NoError(t, cfg.EnsureDirs())
	_, err := runs.Write(cfg.RunsDir, record.FromRecords(record.Sentinel(2), record.Sentinel(5)), blockfile.CodecNone)
	require.NoError(t, err)

	out, err := execute(t, "ingest", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote pp_b001_p5.ppc")

	out, err = execute(t, "prefix", "--data-dir", dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decode(t, out)
	assert.Equal(t, "failed", resp.Status)

	_, err = execute(t, "resume", "--data-dir", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestShellLines(t *testing.T) {
	cfg := config.NewDefaultConfig(t.TempDir())
	s, err := store.Open(cfg, log.Discard())
	require.NoError(t, err)
	defer s.Close()

	opts := &RootOptions{DataDir: cfg.DataDir, Format: "text", Quiet: true}
	var out, errOut bytes.Buffer

	assert.False(t, execLine(s, opts, ".help", &out, &errOut))
	assert.Contains(t, out.String(), "Commands:")

	out.Reset()
	assert.False(t, execLine(s, opts, "compute -n 5", &out, &errOut))
	assert.Contains(t, out.String(), "primes=5")

	out.Reset()
	assert.False(t, execLine(s, opts, "resume", &out, &errOut))
	assert.Contains(t, out.String(), "resume at 13 (index 5) after 11")

	out.Reset()
	assert.False(t, execLine(s, opts, ".stats", &out, &errOut))
	assert.Contains(t, out.String(), "compute_ops: 1")

	assert.False(t, execLine(s, opts, "bogus", &out, &errOut))
	assert.Contains(t, errOut.String(), "Error:")

	assert.False(t, execLine(s, opts, "   ", &out, &errOut))
	assert.True(t, execLine(s, opts, ".exit", &out, &errOut))
}
