package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szuwgh/vectorbase"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAddQueryGetDelete(t *testing.T) {
	dir := t.TempDir()
	global := []string{"--dir", dir, "--dimension", "4"}

	input := `{"vector":[1,0,0,0],"payload":"north"}
{"vector":[0,1,0,0],"payload":"east"}

{"vector":[0,0,1,0]}
`
	out, err := execute(t, input, append(global, "add")...)
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n", out)

	out, err = execute(t, "", append(global, "query", "--vector", "0.9, 0.1, 0, 0", "--k", "2")...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var first result
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, "north", first.Payload)

	out, err = execute(t, "", append(global, "get", "2")...)
	require.NoError(t, err)
	assert.Equal(t, "east\n", out)

	_, err = execute(t, "", append(global, "delete", "2")...)
	require.NoError(t, err)

	_, err = execute(t, "", append(global, "get", "2")...)
	assert.ErrorIs(t, err, vectorbase.ErrNotFound)
}

func TestFlushAndStats(t *testing.T) {
	dir := t.TempDir()
	global := []string{"--dir", dir, "--dimension", "2"}

	_, err := execute(t, "{\"vector\":[1,2]}\n{\"vector\":[3,4]}\n", append(global, "add")...)
	require.NoError(t, err)

	_, err = execute(t, "", append(global, "flush")...)
	require.NoError(t, err)

	out, err := execute(t, "", append(global, "stats")...)
	require.NoError(t, err)

	var st vectorbase.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 2, st.Dimension)
	assert.Len(t, st.Segments, 1)
	assert.Equal(t, 2, st.Segments[0].Docs)
	assert.Equal(t, uint64(3), st.NextID)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "vectorbase.toml")
	cfg := `dimension = 3
sync_mode = "buffered"
compression = "zstd"

[hnsw]
m = 8
ef_search = 32

[compaction]
thresholds = [4, 4, 4]
widths = [2, 2, 2]
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))

	out, err := execute(t, `{"vector":[1,2,3],"payload":"x"}`, "--dir", dir, "--config", cfgPath, "add")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	out, err = execute(t, "", "--dir", dir, "--config", cfgPath, "stats")
	require.NoError(t, err)
	var st vectorbase.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Len(t, st.Levels, 3)
}

func TestConfigFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VECTORBASE_DIR", dir)
	t.Setenv("VECTORBASE_DIMENSION", "2")

	out, err := execute(t, `{"vector":[1,1]}`, "add")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	_, err = os.Stat(filepath.Join(dir, "CURRENT"))
	require.NoError(t, err)
}

func TestInvalidInput(t *testing.T) {
	dir := t.TempDir()
	global := []string{"--dir", dir, "--dimension", "2"}

	_, err := execute(t, "", "--dir", dir, "stats")
	assert.ErrorContains(t, err, "dimension")

	_, err = execute(t, "not json", append(global, "add")...)
	assert.ErrorContains(t, err, "line 1")

	_, err = execute(t, `{"vector":[1,2,3]}`, append(global, "add")...)
	var dm *vectorbase.ErrDimensionMismatch
	assert.ErrorAs(t, err, &dm)

	_, err = execute(t, "", append(global, "query", "--vector", "1,x")...)
	assert.ErrorContains(t, err, "invalid vector component")

	_, err = execute(t, "", append(global, "get", "abc")...)
	assert.ErrorContains(t, err, "invalid document id")

	_, err = execute(t, "", append(global, "--config", filepath.Join(dir, "missing.toml"), "stats")...)
	assert.ErrorContains(t, err, "reading config")
}

func TestParseVector(t *testing.T) {
	vec, err := parseVector("1, 2.5,-3")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2.5, -3}, vec)

	_, err = parseVector("")
	assert.Error(t, err)
}
