package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"

	"go.uber.org/zap"
)

const itemContentType = "application/json"

// PipelineConfig controls where items go.
type PipelineConfig struct {
	// Prefix is the blob path prefix items are written under.
	Prefix string
	// Topic receives an ItemEvent per stored item.
	Topic string
}

// Pipeline validates items, stores them and announces them.
type Pipeline struct {
	cfg          PipelineConfig
	blobs        BlobStore
	publisher    Publisher
	ids          IDGenerator
	clock        Clock
	fingerprints Fingerprinter
	logger       *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithFingerprinter drops items whose fields match one already stored by the
// same spider.
func WithFingerprinter(f Fingerprinter) PipelineOption {
	return func(p *Pipeline) { p.fingerprints = f }
}

// NewPipeline creates a Pipeline. The publisher may be nil.
func NewPipeline(
	cfg PipelineConfig,
	blobs BlobStore,
	publisher Publisher,
	ids IDGenerator,
	clock Clock,
	logger *zap.Logger,
	opts ...PipelineOption,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		cfg:       cfg,
		blobs:     blobs,
		publisher: publisher,
		ids:       ids,
		clock:     clock,
		logger:    logger,
		seen:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process stores item found on pageURL. Items missing a required field,
// duplicates and items that cannot be stored are dropped with an error
// wrapping ErrDropItem.
func (p *Pipeline) Process(ctx context.Context, spider Spider, pageURL string, item Item) (_ ItemRecord, err error) {
	for _, field := range spider.RequiredFields {
		if item[field] == "" {
			return ItemRecord{}, fmt.Errorf("%w %q", ErrMissingField, field)
		}
	}

	var fingerprint string
	if p.fingerprints != nil {
		fingerprint = p.fingerprints.Fingerprint(item)
		key := spider.Name + "/" + fingerprint
		if !p.claim(key) {
			return ItemRecord{}, fmt.Errorf("%w %s", ErrDuplicateItem, fingerprint)
		}
		// A failed store frees the fingerprint for a later copy of the item.
		defer func() {
			if err != nil {
				p.release(key)
			}
		}()
	}

	id, err := p.ids.NewID()
	if err != nil {
		return ItemRecord{}, fmt.Errorf("%w: item id: %w", ErrDropItem, err)
	}
	canonical, err := normalizeURL(pageURL)
	if err != nil {
		canonical = pageURL
	}
	record := ItemRecord{
		ID:        id,
		Spider:    spider.Name,
		JobID:     spider.JobID,
		URL:       canonical,
		ScrapedAt: p.clock.Now(),
		Fields:    item,

		Fingerprint: fingerprint,
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return ItemRecord{}, fmt.Errorf("%w: marshal item: %w", ErrDropItem, err)
	}
	blobPath := path.Join(p.cfg.Prefix, spider.Name, record.ScrapedAt.Format("2006-01-02"), id+".json")
	uri, err := p.blobs.PutObject(ctx, blobPath, itemContentType, bytes.NewReader(payload))
	if err != nil {
		return ItemRecord{}, fmt.Errorf("%w: store item: %w", ErrDropItem, err)
	}

	if p.publisher != nil {
		event := ItemEvent{
			ID:      id,
			Spider:  spider.Name,
			JobID:   spider.JobID,
			URL:     canonical,
			BlobURI: uri,
		}
		msgID, err := p.publisher.Publish(ctx, p.cfg.Topic, event)
		if err != nil {
			return ItemRecord{}, fmt.Errorf("%w: publish item: %w", ErrDropItem, err)
		}
		p.logger.Debug("item published", zap.String("item_id", id), zap.String("message_id", msgID))
	}
	return record, nil
}

func (p *Pipeline) claim(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[key]; ok {
		return false
	}
	p.seen[key] = struct{}{}
	return true
}

func (p *Pipeline) release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seen, key)
}
