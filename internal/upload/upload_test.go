package upload

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/switchboard/internal/switchboard"
)

func TestRegistryResolveUnknownBackendIsInvalidArgument(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("missing")
	require.Error(t, err)
	kind, ok := switchboard.KindOf(err)
	require.True(t, ok)
	require.Equal(t, switchboard.KindInvalidArgument, kind)
}

func TestRegistryResolveKnownBackend(t *testing.T) {
	sh := NewShellBackend("local", "/bin/true", nil, time.Second, nil)
	r := NewRegistry(sh)
	got, err := r.Resolve("local")
	require.NoError(t, err)
	require.Equal(t, "local", got.Name())
}

func TestShellBackendAlreadyRunningExitCode(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	b := NewShellBackend("local", "/bin/sh", []string{"-c", "exit 251"}, time.Second, nil)
	res, err := b.Upload(context.Background(), "stream-1", "bucket", dir)
	require.NoError(t, err)
	require.True(t, res.AlreadyRunning)
}

func TestShellBackendNonZeroExitIsExternalFailure(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	b := NewShellBackend("local", "/bin/sh", []string{"-c", "echo boom 1>&2; exit 7"}, time.Second, nil)
	_, err := b.Upload(context.Background(), "stream-1", "bucket", dir)
	require.Error(t, err)
	kind, ok := switchboard.KindOf(err)
	require.True(t, ok)
	require.Equal(t, switchboard.KindExternalFailure, kind)
}

func TestShellBackendParsesStdoutURIs(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	b := NewShellBackend("local", "/bin/sh", []string{"-c", "echo https://example/a; echo https://example/b"}, time.Second, nil)
	res, err := b.Upload(context.Background(), "stream-1", "bucket", dir)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example/a", "https://example/b"}, res.DumpsURIs)
}

func TestShellBackendFallsBackToManifestFile(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dumps.txt"), []byte("https://example/manifest\n"), 0o644))
	b := NewShellBackend("local", "/bin/true", nil, time.Second, nil)
	res, err := b.Upload(context.Background(), "stream-1", "bucket", dir)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example/manifest"}, res.DumpsURIs)
}
