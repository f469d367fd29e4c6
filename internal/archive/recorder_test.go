package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sitepulse/sitepulse/internal/hash/sha256"
	"github.com/sitepulse/sitepulse/internal/storage/memory"
)

func TestRecordStoresBodyUnderContentHash(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	rec := New(blobs, sha256.New(), nil)
	require.True(t, rec.Enabled())

	body := []byte("<html><body>hello</body></html>")
	uri, err := rec.Record(context.Background(), "https://example.com", body)
	require.NoError(t, err)
	require.NotEmpty(t, uri)

	// Same body, different URL: same object.
	again, err := rec.Record(context.Background(), "https://other.example", body)
	require.NoError(t, err)
	require.Equal(t, uri, again)
}

func TestRecordDisabledWithoutBlobStore(t *testing.T) {
	t.Parallel()

	rec := New(nil, sha256.New(), nil)
	require.False(t, rec.Enabled())

	uri, err := rec.Record(context.Background(), "https://example.com", []byte("x"))
	require.NoError(t, err)
	require.Empty(t, uri)
}
