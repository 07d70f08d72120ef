// Package storage selects the blob store that receives failure reports and
// converted Markdown.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/kekewolf/web-fetcher/internal/storage/gcs"
	"github.com/kekewolf/web-fetcher/internal/storage/local"
	"github.com/kekewolf/web-fetcher/internal/storage/memory"
	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

// Backends.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendGCS    = "gcs"
)

// Config chooses and configures a backend.
type Config struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// Store is a blob store that may hold resources.
type Store interface {
	webfetch.BlobStore
	Close() error
}

type nopCloser struct {
	webfetch.BlobStore
}

func (nopCloser) Close() error { return nil }

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendLocal:
		store, err := local.New(cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		return nopCloser{store}, nil
	case BackendMemory:
		return nopCloser{memory.NewBlobStore()}, nil
	case BackendGCS:
		store, err := gcs.Open(ctx, cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
