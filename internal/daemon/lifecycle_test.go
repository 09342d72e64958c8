package daemon

import (
	"errors"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)

	lm := NewLifecycleManager(d)
	assert.NotNil(t, lm)
	assert.Equal(t, PIDFilePath(cfg.DataDir), lm.pidFile)
}

func TestLifecycleStartStop(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, lm.IsRunning())

	// Restarting from the same process rewrites its own PID file
	require.NoError(t, lm.Start())

	require.NoError(t, lm.Stop())
	assert.False(t, lm.IsRunning())
	_, err = os.Stat(lm.pidFile)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, lm.Stop(), "stop without a PID file")
}

func TestLifecycleRefusesLiveDaemon(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)
	lm := NewLifecycleManager(d)

	// The parent of the test binary is alive for the duration of the test
	require.NoError(t, os.WriteFile(lm.pidFile, []byte(strconv.Itoa(os.Getppid())), 0644))

	err := lm.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
}

func TestLifecycleReplacesStalePIDFile(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)
	lm := NewLifecycleManager(d)

	require.NoError(t, os.WriteFile(lm.pidFile, []byte("not-a-pid"), 0644))
	require.NoError(t, lm.Start())

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{"valid", "1234\n", 1234, false},
		{"garbage", "abc", 0, true},
		{"negative", "-5", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := PIDFilePath(t.TempDir())
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			pid, err := ReadPID(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, pid)
		})
	}

	t.Run("missing", func(t *testing.T) {
		_, err := ReadPID(PIDFilePath(dir))
		assert.True(t, os.IsNotExist(err))
	})
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(1<<22+7))
}
