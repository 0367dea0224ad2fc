package blob

import (
	"context"
	"io"
	"time"
)

// Well-known key prefixes. Templates are uploaded by operators; artifacts
// are written by generation steps under the owning session id.
const (
	SOWTemplatePrefix        = "sow-templates/"
	PowerPointTemplatePrefix = "powerpoint-templates/"
)

// Object describes one stored blob.
type Object struct {
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ObjectStore abstracts artifact and template storage. Implementations
// must be safe for concurrent use.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]Object, error)

	// SignedURL returns a time-limited download link for the key.
	SignedURL(key string, ttl time.Duration) (string, error)
}
