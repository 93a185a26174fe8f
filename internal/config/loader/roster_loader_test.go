package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rosterV1 = `
provider_presets:
  openrouter:
    api_url: https://openrouter.ai/api/v1
    api_key: sk-test
models:
  - id: ds
    provider: deepseek
    preset: openrouter
    enabled: true
    model: deepseek-chat
weights:
  ds: 2
`

const rosterV2 = `
models:
  - id: gpt
    provider: openai
    enabled: true
    model: gpt-4o
    api_url: https://api.openai.com/v1
`

func TestRosterLoaderInitialSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rosterV1), 0o644))

	l, err := NewRosterLoader(path)
	require.NoError(t, err)

	snap := l.Snapshot()
	require.Len(t, snap.Models, 1)
	assert.Equal(t, "deepseek:deepseek-chat", snap.Models[0].WorkerID())
	assert.Equal(t, "https://openrouter.ai/api/v1", snap.Models[0].APIURL)
	assert.Equal(t, float64(2), snap.Weights["ds"])
	assert.Equal(t, int64(1), snap.Version)
}

func TestRosterLoaderHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rosterV1), 0o644))

	l, err := NewRosterLoader(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(rosterV2), 0o644))
	require.Eventually(t, func() bool {
		snap := l.Snapshot()
		return len(snap.Models) == 1 && snap.Models[0].WorkerID() == "openai:gpt-4o"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRosterLoaderRejectsEmptyRoster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models: []\n"), 0o644))

	_, err := NewRosterLoader(path)
	assert.Error(t, err)
}

func TestRosterLoaderSubscribeGetsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rosterV1), 0o644))

	l, err := NewRosterLoader(path)
	require.NoError(t, err)

	got := make(chan RosterSnapshot, 1)
	l.Subscribe(func(s RosterSnapshot) {
		select {
		case got <- s:
		default:
		}
	})
	select {
	case snap := <-got:
		assert.Len(t, snap.Models, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("未收到初始快照")
	}
}
