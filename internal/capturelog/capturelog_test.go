package capturelog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhome/voxd/internal/config"
)

func newTestRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := NewRecorder(config.CaptureLogConfig{
		Enabled:       true,
		Dir:           dir,
		RetentionDays: 7,
	}, "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	require.NotNil(t, r)
	t.Cleanup(r.Stop)
	return r, dir
}

func TestDisabledRecorderIsNil(t *testing.T) {
	r, err := NewRecorder(config.CaptureLogConfig{Enabled: false}, "id")
	require.NoError(t, err)
	assert.Nil(t, r)
	r.Log(KindSTT, "discarded silently", "")
	r.Stop()
}

func TestLogWritesJSONLines(t *testing.T) {
	r, dir := newTestRecorder(t)
	r.Log(KindSTT, "turn on the lights", "")
	r.Log(KindState, "idle", "")

	path := filepath.Join(dir, "capture-"+time.Now().Format(time.DateOnly)+".jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := splitLines(data)
	require.Len(t, lines, 2)

	var entry Entry
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, KindSTT, entry.Kind)
	assert.Equal(t, "turn on the lights", entry.Text)
}

func TestPruneRemovesExpiredFiles(t *testing.T) {
	r, dir := newTestRecorder(t)

	old := filepath.Join(dir, "capture-2020-01-01.jsonl")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0o644))
	unrelated := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("keep"), 0o644))

	r.mu.Lock()
	r.pruneLocked()
	r.mu.Unlock()

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(unrelated)
	assert.NoError(t, err, "only capture files are pruned")
}

func TestDayFromFilename(t *testing.T) {
	day, ok := dayFromFilename("capture-2026-08-28.jsonl")
	assert.True(t, ok)
	assert.Equal(t, "2026-08-28", day.Format(time.DateOnly))

	_, ok = dayFromFilename("capture-garbage.jsonl")
	assert.False(t, ok)
	_, ok = dayFromFilename("other-2026-08-28.jsonl")
	assert.False(t, ok)
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	return lines
}
