package policy

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
rules:
  - id: R1
    name: truth_low
    metric: truth_score
    operator: lt
    threshold: 60
    severity: high
    action: pause
    notify_channels: [slack:#ops]
  - id: R2
    metric: latency_ms
    operator: gt
    threshold: 5000
    severity: medium
    action: warn
    enabled: false
`

func TestParseCatalog(t *testing.T) {
	rs, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, rs, 2)

	assert.Equal(t, "R1", rs[0].ID)
	assert.Equal(t, "truth_low", rs[0].Name)
	assert.Equal(t, OpLT, rs[0].Operator)
	assert.Equal(t, 60.0, rs[0].Threshold)
	assert.Equal(t, ActionPause, rs[0].Action)
	assert.Equal(t, []string{"slack:#ops"}, rs[0].NotifyChannels)
	assert.True(t, rs[0].Enabled, "enabled defaults to true")

	assert.False(t, rs[1].Enabled)
	assert.Equal(t, "R2", rs[1].DisplayName())
}

func TestParseCatalog_DuplicateID(t *testing.T) {
	_, err := ParseCatalog([]byte("rules:\n  - id: A\n    action: log\n  - id: A\n    action: log\n"))
	assert.Error(t, err)
}

func TestParseCatalog_MissingID(t *testing.T) {
	_, err := ParseCatalog([]byte("rules:\n  - name: nameless\n"))
	assert.Error(t, err)
}

func TestDefaultRules(t *testing.T) {
	rs, err := DefaultRules()
	require.NoError(t, err)
	require.NotEmpty(t, rs)

	set := NewSet(rs)
	assert.Empty(t, set.Skipped(), "embedded catalog must be valid")
	assert.Equal(t, SeverityCritical, set.Rules()[0].Severity)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	rs, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, rs, 2)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWatcher(path, 20*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, func(context.Context) error {
			reloads.Add(1)
			return nil
		})
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool { return reloads.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
