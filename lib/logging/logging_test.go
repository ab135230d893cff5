package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestInitWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")
	closer, err := Init(Config{Level: "debug", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		logrus.SetOutput(os.Stderr)
		logrus.SetLevel(logrus.InfoLevel)
	})

	logrus.WithField("component", "test").Debug("hello file")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello file")
	require.Equal(t, logrus.DebugLevel, logrus.GetLevel())
}

func TestInitFallsBackToInfoLevel(t *testing.T) {
	closer, err := Init(Config{Level: "loud", JSON: true})
	require.NoError(t, err)
	require.NoError(t, closer())
	t.Cleanup(func() { logrus.SetOutput(os.Stderr) })

	require.Equal(t, logrus.InfoLevel, logrus.GetLevel())
	_, isJSON := logrus.StandardLogger().Formatter.(*logrus.JSONFormatter)
	require.True(t, isJSON)
}
