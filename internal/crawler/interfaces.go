package crawler

import (
	"context"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-prometheus/internal/stats"
)

// Lifecycle receives the run's events. Each spider event is delivered at most
// once per spider, opened before anything else and closed last.
type Lifecycle interface {
	EngineStarted(ctx context.Context) error
	EngineStopped(ctx context.Context)
	SpiderOpened(spider *stats.Spider)
	SpiderClosed(spider *stats.Spider, reason string)
	ItemScraped(spider *stats.Spider)
	ItemDropped(spider *stats.Spider, reason error)
	ResponseReceived(spider *stats.Spider)
}

// StatsRecorder stores crawl stats.
type StatsRecorder interface {
	SetValue(key string, value any, spider *stats.Spider, labels prometheus.Labels) error
	IncValue(key string, count, start any, spider *stats.Spider, labels prometheus.Labels) error
	MaxValue(key string, value any, spider *stats.Spider, labels prometheus.Labels) error
	MinValue(key string, value any, spider *stats.Spider, labels prometheus.Labels) error
}

// BlobStore writes item payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher announces stored items to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces item IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Fingerprinter digests an item's fields for duplicate detection.
type Fingerprinter interface {
	Fingerprint(fields map[string]string) string
}

// RateLimiter paces requests; Wait reports how long it blocked.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) (time.Duration, error)
}
