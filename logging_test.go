package valkey

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFileLoggerWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "valkey.log")

	cfg := DefaultFileLoggerConfig(path)
	logger := NewFileLogger(cfg)
	require.NotNil(t, logger)

	logger.Info("connection established")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "connection established")
}
