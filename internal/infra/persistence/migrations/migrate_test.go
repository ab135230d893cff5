package migrations

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	dbmigrations "github.com/coachpo/ordertask/db/migrations"
)

func TestResolveDirSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "migrations")
	require.NoError(t, os.MkdirAll(path, 0o755))

	resolved, err := resolveDir(path)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(resolved))
	require.Equal(t, filepath.Clean(resolved), resolved)
}

func TestResolveDirRejectsMissingAndFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := resolveDir(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, fs.ErrNotExist)

	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("data"), 0o600))
	_, err = resolveDir(file)
	require.ErrorIs(t, err, errNotDirectory)

	_, err = resolveDir("  ")
	require.Error(t, err)
}

func TestFileURL(t *testing.T) {
	for _, path := range []string{"/tmp/migrations", "C:/tmp/migrations"} {
		got := fileURL(path)
		require.True(t, strings.HasPrefix(got, "file:///"), got)
		require.Greater(t, len(got), len("file:///"))
	}
}

func TestApplyValidatesPathBeforeConnecting(t *testing.T) {
	err := Apply(context.Background(), "postgresql://invalid", FromDir("does-not-exist"))
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRollbackValidatesInput(t *testing.T) {
	err := Rollback(context.Background(), "postgresql://invalid", 1, FromDir("still-missing"))
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.Error(t, Rollback(context.Background(), "postgresql://invalid", 0))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(dbmigrations.Files, "*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := fs.Stat(dbmigrations.Files, down)
		require.NoError(t, err, "missing %s", down)
	}
}
