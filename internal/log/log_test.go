package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledByDefault(t *testing.T) {
	SetOutput(nil)
	assert.False(t, Enabled())
	Info(CatShim, "dropped") // must not panic
}

func TestFieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })

	Info(CatSolver, "Iteration 10", "loss", 0.5, "lr", 0.01)
	Debug(CatSolver, "hidden")
	Warn(CatNet, "odd", "key")

	out := buf.String()
	assert.Contains(t, out, "[INFO] [solver] Iteration 10 loss=0.5 lr=0.01")
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] [net] odd key=<missing>")

	SetMinLevel(LevelDebug)
	Debug(CatSolver, "visible")
	assert.Contains(t, buf.String(), "[DEBUG] [solver] visible")
}

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bornbind.log")
	cleanup, err := Init(path)
	require.NoError(t, err)

	ErrorErr(CatIO, "read failed", os.ErrNotExist, "file", "mean.binaryproto")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Contains(t, line, "[ERROR] [io] read failed file=mean.binaryproto error=file does not exist")
	assert.False(t, Enabled())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		err  bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
