package ops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/errors"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0600))
}

func TestValidatePath_Rejects(t *testing.T) {
	allowed := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AllowedPaths = []string{allowed}

	require.NoError(t, os.MkdirAll(filepath.Join(allowed, "nested"), 0o755))
	writeFile(t, filepath.Join(allowed, "nested", "upload.jsonl"))
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "upload.jsonl"))

	tests := []struct {
		name string
		path string
		mode PathCheckMode
		code errors.ErrorCode
	}{
		{"empty", "", PathCheckRead, errors.ErrInvalidRequest},
		{"parent traversal", "../upload.jsonl", PathCheckRead, errors.ErrInvalidRequest},
		{"mid-path traversal", allowed + "/../x.jsonl", PathCheckWrite, errors.ErrInvalidRequest},
		{"wrong extension", filepath.Join(allowed, "upload.json"), PathCheckWrite, errors.ErrInvalidRequest},
		{"nested read", filepath.Join(allowed, "nested", "upload.jsonl"), PathCheckRead, errors.ErrInvalidRequest},
		{"nested write", filepath.Join(allowed, "nested", "out.jsonl"), PathCheckWrite, errors.ErrInvalidRequest},
		{"outside allowed", filepath.Join(outside, "upload.jsonl"), PathCheckRead, errors.ErrInvalidRequest},
		{"missing", filepath.Join(allowed, "missing.jsonl"), PathCheckRead, errors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path, tt.mode, cfg)
			require.Error(t, err)
			require.True(t, errors.Is(err, tt.code), "got %v, want %s", err, tt.code)
		})
	}
}

func TestValidatePath_AllowedDir(t *testing.T) {
	allowed := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AllowedPaths = []string{allowed, "relative/ignored"}

	upload := filepath.Join(allowed, "upload.jsonl")
	writeFile(t, upload)

	require.NoError(t, ValidatePath(upload, PathCheckRead, cfg))
	require.NoError(t, ValidatePath(filepath.Join(allowed, "new.jsonl"), PathCheckWrite, cfg))
}

func TestValidatePath_UnsafePathsKeepSymlinkRule(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AllowUnsafePaths = true

	target := filepath.Join(dir, "target.jsonl")
	writeFile(t, target)
	require.NoError(t, ValidatePath(target, PathCheckRead, cfg))

	link := filepath.Join(dir, "link.jsonl")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}
	err := ValidatePath(link, PathCheckRead, cfg)
	require.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)
}

func TestValidatePath_SymlinkInAllowedDir(t *testing.T) {
	allowed := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AllowedPaths = []string{allowed}

	target := filepath.Join(t.TempDir(), "secret.jsonl")
	writeFile(t, target)
	link := filepath.Join(allowed, "out.jsonl")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	for _, mode := range []PathCheckMode{PathCheckRead, PathCheckWrite} {
		err := ValidatePath(link, mode, cfg)
		require.True(t, errors.Is(err, errors.ErrInvalidRequest), "mode %d: got %v", mode, err)
	}
}

func TestContainsTraversal(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/home/user/upload.jsonl", false},
		{"../upload.jsonl", true},
		{"/home/../etc/passwd", true},
		{"./upload.jsonl", false},
		{"/home/user/.hidden/upload.jsonl", false},
		{"case..42.jsonl", false},
		{"/tmp/a/b/../c.jsonl", true},
	}
	for _, tt := range tests {
		if got := containsTraversal(tt.path); got != tt.want {
			t.Errorf("containsTraversal(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
