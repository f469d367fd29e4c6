package headless

import (
	"context"
	"errors"

	"github.com/sitepulse/sitepulse/internal/scan"
)

// Noop implements Fetcher but always returns an error, for builds where
// headless browsing is switched off.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch returns an error since this is a stub implementation.
func (Noop) Fetch(_ context.Context, _ scan.FetchRequest) (scan.FetchResponse, error) {
	return scan.FetchResponse{}, errors.New("headless fetcher not configured")
}
