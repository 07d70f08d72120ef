package webfetch

import (
	"context"
	"io"
	"time"
)

// Strategy retrieves one page with a single method.
type Strategy interface {
	Method() Method
	Fetch(ctx context.Context, req Request) (Page, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers for sessions and reports.
type IDGenerator interface {
	NewID() (string, error)
}
