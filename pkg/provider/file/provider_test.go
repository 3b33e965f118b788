package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/vidgen/pkg/provider"
)

func TestUpload_WritesUniqueObjects(t *testing.T) {
	dir := t.TempDir()
	p, err := New(Config{BaseDir: dir, BaseURL: "https://cdn.example.com/media/"})
	require.NoError(t, err)

	ctx := context.Background()
	first, err := p.Upload(ctx, []byte("video-bytes"), "video-1.mp4", "/user-videos/")
	require.NoError(t, err)
	second, err := p.Upload(ctx, []byte("video-bytes"), "video-1.mp4", "user-videos")
	require.NoError(t, err)

	assert.NotEqual(t, first.Key, second.Key)
	assert.True(t, strings.HasPrefix(first.Key, "user-videos/"))
	assert.True(t, strings.HasSuffix(first.Key, "-video-1.mp4"))
	assert.Equal(t, "https://cdn.example.com/media/"+first.Key, first.URL)

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(first.Key)))
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))
}

func TestUpload_FileURLWithoutBaseURL(t *testing.T) {
	dir := t.TempDir()
	p, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	res, err := p.Upload(context.Background(), []byte("x"), "a.mp4", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.URL, "file://"))
	assert.True(t, strings.HasSuffix(res.URL, res.Key))
}

func TestUpload_RejectsEmptyInput(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = p.Upload(context.Background(), nil, "a.mp4", "f")
	require.Error(t, err)
	assert.True(t, provider.IsInvalidInput(err))

	var pe *provider.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.ProviderFile, pe.Provider)
}

func TestUpload_FilenameCannotEscapeBaseDir(t *testing.T) {
	dir := t.TempDir()
	p, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	res, err := p.Upload(context.Background(), []byte("x"), "../../etc/passwd", "../..")
	require.NoError(t, err)

	full := filepath.Join(dir, filepath.FromSlash(res.Key))
	_, statErr := os.Stat(full)
	require.NoError(t, statErr)
	rel, err := filepath.Rel(dir, full)
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(rel, ".."))
}

func TestPingAndDelete(t *testing.T) {
	dir := t.TempDir()
	p, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.Ping(ctx))

	res, err := p.Upload(ctx, []byte("x"), "a.mp4", "f")
	require.NoError(t, err)
	require.NoError(t, p.DeleteObject(ctx, res.Key))
	// Deleting a missing object is not an error.
	require.NoError(t, p.DeleteObject(ctx, res.Key))
}

func TestConfigValidate(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
