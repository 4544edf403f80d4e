package patch

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradwatch/models"
)

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, dir, "train.py", trainScript)

	state := models.NewRunState(target, dir)
	step := 42
	state.AddMetric("loss", 2.5, &step)

	store := &Store{Root: filepath.Join(dir, "ckpts")}
	checkpointID, err := store.Snapshot(state)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(checkpointID, "ckpt_"))

	// The payload carries metrics and the step counter.
	payload := readFile(t, filepath.Join(store.Root, checkpointID, "state.json"))
	assert.Contains(t, payload, `"loss"`)
	assert.Contains(t, payload, `"step": 42`)

	// Mutate, then restore returns the original bytes unchanged.
	require.NoError(t, os.WriteFile(target, []byte("garbage\n"), 0o644))
	require.NoError(t, store.Restore(checkpointID, target))
	assert.Equal(t, trainScript, readFile(t, target))
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, dir, "train.py", trainScript)
	store := &Store{Root: filepath.Join(dir, "ckpts")}
	assert.Error(t, store.Restore("ckpt_0", target))
}

func TestSnapshotIDsAdvanceWithClock(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, dir, "train.py", trainScript)
	state := models.NewRunState(target, dir)

	current := time.Unix(1700000000, 0)
	store := &Store{Root: filepath.Join(dir, "ckpts"), Now: func() time.Time { return current }}

	first, err := store.Snapshot(state)
	require.NoError(t, err)
	current = current.Add(time.Second)
	second, err := store.Snapshot(state)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestArchivePackAndOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, dir, "train.py", trainScript)
	state := models.NewRunState(target, dir)

	store := &Store{Root: filepath.Join(dir, "ckpts")}
	checkpointID, err := store.Snapshot(state)
	require.NoError(t, err)

	require.NoError(t, store.PackLocal())

	reader, err := store.OpenArchive()
	require.NoError(t, err)
	defer reader.Close()

	found := map[string]string{}
	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		found[header.Name] = string(content)
	}

	assert.Equal(t, trainScript, found[checkpointID+"/train.py"])
	assert.Contains(t, found[checkpointID+"/state.json"], `"step"`)
}

func TestOpenArchiveMissing(t *testing.T) {
	store := &Store{Root: filepath.Join(t.TempDir(), "ckpts")}
	_, err := store.OpenArchive()
	assert.True(t, os.IsNotExist(err))
}
