package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "bundles"))
	require.NoError(t, err)

	ctx := context.Background()
	data := []byte(`{"session":{"id":"sess-1"}}`)

	digest, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.True(t, len(digest) > 7 && digest[:7] == "sha256:", "digest %q should carry the sha256 prefix", digest)

	got, err := store.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreIdempotentStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "bundles"))
	require.NoError(t, err)

	ctx := context.Background()
	first, err := store.Store(ctx, []byte("same bytes"))
	require.NoError(t, err)
	second, err := store.Store(ctx, []byte("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFileStoreDelete(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "bundles"))
	require.NoError(t, err)

	ctx := context.Background()
	digest, err := store.Store(ctx, []byte("doomed"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, digest))
	ok, err := store.Exists(ctx, digest)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is fine.
	require.NoError(t, store.Delete(ctx, digest))
}

func TestFileStoreRejectsBadDigests(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "bundles"))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Get(ctx, "md5:abc")
	assert.ErrorContains(t, err, "invalid digest format")

	_, err = store.Get(ctx, "sha256:not-hex")
	assert.ErrorContains(t, err, "invalid digest hex")

	_, err = store.Get(ctx, "sha256:"+"00000000000000000000000000000000"+"00000000000000000000000000000000")
	assert.ErrorContains(t, err, "bundle not found")
}

func TestNewStoreFromEnvDefaultsToFilesystem(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	_ = os.Unsetenv("ARCHIVE_BACKEND")

	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, store)
}

func TestNewStoreFromEnvRejectsUnknownBackend(t *testing.T) {
	t.Setenv("ARCHIVE_BACKEND", "carrier-pigeon")

	_, err := NewStoreFromEnv(context.Background())
	assert.ErrorContains(t, err, "unsupported archive backend")
}

func TestNewStoreFromEnvS3NeedsBucket(t *testing.T) {
	t.Setenv("ARCHIVE_BACKEND", "s3")
	_ = os.Unsetenv("ARCHIVE_S3_BUCKET")

	_, err := NewStoreFromEnv(context.Background())
	assert.ErrorContains(t, err, "ARCHIVE_S3_BUCKET")
}
