// Package archive persists fetched page bodies for later audit.
package archive

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sitepulse/sitepulse/internal/scan"
)

// Recorder writes page bodies to a blob store under a content-derived
// path. Archiving is best-effort: failures are logged, never fatal to
// the analysis that produced the body.
type Recorder struct {
	blobs  scan.BlobStore
	hasher scan.Hasher
	logger *zap.Logger
}

// New constructs a Recorder. blobs may be nil, which disables archiving.
func New(blobs scan.BlobStore, hasher scan.Hasher, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{blobs: blobs, hasher: hasher, logger: logger}
}

// Enabled reports whether a blob store is configured.
func (r *Recorder) Enabled() bool {
	return r != nil && r.blobs != nil
}

// Record stores the body under pages/<hash>.html and returns its URI.
// Identical bodies collapse onto the same object.
func (r *Recorder) Record(ctx context.Context, url string, body []byte) (string, error) {
	if !r.Enabled() {
		return "", nil
	}
	digest, err := r.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash page body: %w", err)
	}
	path := fmt.Sprintf("pages/%s.html", digest)
	uri, err := r.blobs.PutObject(ctx, path, "text/html", bytes.NewReader(body))
	if err != nil {
		r.logger.Warn("page archive write failed", zap.String("url", url), zap.Error(err))
		return "", fmt.Errorf("archive page: %w", err)
	}
	return uri, nil
}
