package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/config"
)

func runConfigInit(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"config", "init"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestConfigInitWritesTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragline.yaml")

	out, err := runConfigInit(t, path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "chunk_size: 2000")
}

func TestConfigInitTemplateLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragline.yaml")
	_, err := runConfigInit(t, path)
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.Chunking.ChunkSize)
	assert.Equal(t, 4, cfg.Pipeline.WorkerCount)
	assert.Equal(t, 1536, cfg.OpenAI.EmbeddingDimensions)
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o644))

	_, err := runConfigInit(t, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestConfigInitForceOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o644))

	_, err := runConfigInit(t, path, "--force")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ragline configuration template")
}
