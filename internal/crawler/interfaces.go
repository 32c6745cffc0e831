package crawler

import (
	"context"
	"time"
)

// JobSource is the control-plane API that leases and acknowledges jobs.
type JobSource interface {
	Lease(ctx context.Context, count int) ([]Job, error)
	Delete(ctx context.Context, crawlID, deleteID string) error
	Submit(ctx context.Context, pageID string, result PageResult) error
}

// Renderer loads a URL in a browser and returns its DOM and links.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (PageResult, error)
	Close() error
}

// IDGenerator produces request and worker IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock abstracts time for cooldowns and durations.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}
