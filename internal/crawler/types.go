package crawler

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-prometheus/internal/stats"
)

// Close reasons reported to SpiderClosed.
const (
	ReasonFinished = "finished"
	ReasonShutdown = "shutdown"
)

var (
	// ErrDropItem marks an item that was not stored.
	ErrDropItem = errors.New("item dropped")
	// ErrMissingField is a drop caused by an empty required field.
	ErrMissingField = fmt.Errorf("%w: missing required field", ErrDropItem)
	// ErrDuplicateItem is a drop of an item already stored by the same spider.
	ErrDuplicateItem = fmt.Errorf("%w: duplicate item", ErrDropItem)
)

// Spider describes where a crawl starts and what counts as an item.
type Spider struct {
	Name           string
	JobID          string
	StartURLs      []string
	AllowedDomains []string
	// ItemSelector matches one element per item; Fields maps field names to
	// selectors relative to it.
	ItemSelector   string
	Fields         map[string]string
	RequiredFields []string
	FollowLinks    bool
}

// Ref is the spider identity used for stats and labels.
func (s Spider) Ref() *stats.Spider {
	return &stats.Spider{Name: s.Name, JobID: s.JobID}
}

// Item is the set of fields extracted for one match of ItemSelector.
type Item map[string]string

// ItemRecord is the stored form of an item.
type ItemRecord struct {
	ID          string    `json:"id"`
	Spider      string    `json:"spider"`
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	ScrapedAt   time.Time `json:"scraped_at"`
	Fields      Item      `json:"fields"`
	// Fingerprint is empty when duplicate detection is off.
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// ItemEvent announces a stored item.
type ItemEvent struct {
	ID      string `json:"id"`
	Spider  string `json:"spider"`
	JobID   string `json:"job_id"`
	URL     string `json:"url"`
	BlobURI string `json:"blob_uri"`
}

// Attributes are attached to the published message.
func (e ItemEvent) Attributes() map[string]string {
	return map[string]string{"spider": e.Spider, "job_id": e.JobID}
}
