package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amara/lorekeep/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Queue.DBPath = filepath.Join(cfg.DataDir, "jobs.db")
	cfg.Queue.ToolEndpoint = "http://localhost:0/generate"
	cfg.Embedding.OpenAIAPIKey = "sk-test"
	cfg.Metrics.Enabled = false
	return cfg
}

func TestNewAndStop(t *testing.T) {
	d, err := New(testConfig(t), "", zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, d.Start())

	st := d.Status()
	assert.True(t, st.Running)
	assert.False(t, st.PassRunning)
	assert.Equal(t, 0, st.QueuedJobs)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index.Backend = "etcd"

	_, err := New(cfg, "", zerolog.Nop())
	assert.Error(t, err)
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.PollSchedule = "not-a-schedule"

	d, err := New(cfg, "", zerolog.Nop())
	require.NoError(t, err)
	defer d.Stop()

	assert.Error(t, d.Start())
}

func TestStartTwice(t *testing.T) {
	d, err := New(testConfig(t), "", zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())
	require.NoError(t, d.Stop())
}

func TestServiceProcessQueueOnEmptyStore(t *testing.T) {
	d, err := New(testConfig(t), "", zerolog.Nop())
	require.NoError(t, err)
	defer d.Stop()

	res := d.Service().ProcessQueue(context.Background())
	require.True(t, res.OK)
	assert.Equal(t, map[string]int{"processed": 0}, res.Data)
}

func TestStatusUptime(t *testing.T) {
	d, err := New(testConfig(t), "", zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, d.Start())
	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, d.Status().Uptime, time.Duration(0))
	require.NoError(t, d.Stop())
}
