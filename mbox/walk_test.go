package mbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindMailboxFiles(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{
		"Inbox",
		"Inbox.msf",
		"Inbox.sbd/Receipts",
		"Inbox.sbd/Receipts.msf",
		"Inbox.sbd/Travel.sbd/2023",
		"Trash",
		"filterlog.html",
	} {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("From - x\n"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(root, "Empty"), 0o755))

	files, err := FindMailboxFiles(root, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		filepath.Join(root, "Inbox"),
		filepath.Join(root, "Inbox.sbd", "Receipts"),
		filepath.Join(root, "Inbox.sbd", "Travel.sbd", "2023"),
		filepath.Join(root, "Trash"),
	}, files)
	for _, file := range files {
		assert.True(t, filepath.IsAbs(file))
	}
}

func TestFindMailboxFilesMissingRoot(t *testing.T) {
	_, err := FindMailboxFiles(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}
