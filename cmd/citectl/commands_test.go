package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMeta(t *testing.T) {
	meta, err := parseMeta([]string{"sourceUrl=https://example.com/a?b=c", "lang=en"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sourceUrl": "https://example.com/a?b=c", "lang": "en"}, meta)

	_, err = parseMeta([]string{"novalue"})
	assert.Error(t, err)

	_, err = parseMeta([]string{"=x"})
	assert.Error(t, err)
}

func TestReadInput(t *testing.T) {
	cmd := &cobra.Command{}

	text, err := readInput(cmd, []string{"hello", "world"}, "")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	path := filepath.Join(t.TempDir(), "draft.md")
	require.NoError(t, os.WriteFile(path, []byte("# Draft\n\nBody."), 0o644))
	text, err = readInput(cmd, nil, path)
	require.NoError(t, err)
	assert.Equal(t, "# Draft\n\nBody.", text)

	cmd.SetIn(bytes.NewBufferString("from stdin"))
	text, err = readInput(cmd, nil, "-")
	require.NoError(t, err)
	assert.Equal(t, "from stdin", text)

	_, err = readInput(cmd, nil, filepath.Join(t.TempDir(), "missing.md"))
	assert.Error(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"ingest", "reconcile", "analyze", "predict", "search"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestReconcileRebuildFlag(t *testing.T) {
	flag := reconcileCmd.Flags().Lookup("rebuild")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}
