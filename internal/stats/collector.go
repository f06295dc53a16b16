// Package stats implements the crawl stats collector. Every stat write lands
// in an in-memory stats dict and, when the value is numeric, is mirrored into
// a Prometheus metric in the endpoint's registry. The collector also reacts to
// the crawl lifecycle: it starts the pull endpoint when the engine starts and
// pushes the registry to the Pushgateway exactly once when the engine stops.
package stats

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-prometheus/internal/metrics"
)

const (
	labelSpider   = "spider"
	labelJobID    = "job_id"
	labelInstance = "instance"

	defaultSpiderName = "default"

	// Keys containing this substring are never mirrored into metrics.
	exceptionTypeMarker = "exception_type"
)

// Spider identifies the spider a stat write belongs to.
type Spider struct {
	Name  string
	JobID string
}

// Host owns the registry the collector writes into and the pull endpoint.
type Host interface {
	Registry() *metrics.Registry
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Pusher sends a registry snapshot to the Pushgateway.
type Pusher interface {
	Push(ctx context.Context, g prometheus.Gatherer, grouping map[string]string) error
}

// Snapshot is the stats dict as it stood when the engine stopped.
type Snapshot struct {
	Spider     string
	JobID      string
	Stats      map[string]any
	RecordedAt time.Time
}

// SnapshotStore persists the final stats of a run.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
}

// Clock supplies timestamps for start/finish stats.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// State is the collector's position in the run lifecycle.
type State int

// Lifecycle states. A run moves Idle -> Serving -> Pushed -> Stopped.
const (
	StateIdle State = iota
	StateServing
	StatePushed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateServing:
		return "serving"
	case StatePushed:
		return "pushed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config controls metric naming, labels and the built-in lifecycle counters.
type Config struct {
	Prefix         string
	DefaultLabels  map[string]string
	DefaultMetrics bool
	Dump           bool
}

// Option customizes a Collector.
type Option func(*Collector)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSnapshotStore persists the stats dict when the engine stops.
func WithSnapshotStore(store SnapshotStore) Option {
	return func(c *Collector) { c.store = store }
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(c *Collector) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithHostname sets the instance label instead of asking the OS.
func WithHostname(name string) Option {
	return func(c *Collector) { c.hostname = &name }
}

// Collector records crawl stats and mirrors numeric ones into metrics.
type Collector struct {
	cfg    Config
	host   Host
	pusher Pusher
	store  SnapshotStore
	clock  Clock
	logger *zap.Logger

	hostname      *string
	defaultLabels map[string]string

	mu     sync.Mutex
	stats  map[string]any
	spider *Spider

	lifecycleMu sync.Mutex
	state       State
}

// New creates a Collector writing into host's registry.
func New(cfg Config, host Host, pusher Pusher, opts ...Option) *Collector {
	c := &Collector{
		cfg:    cfg,
		host:   host,
		pusher: pusher,
		clock:  realClock{},
		logger: zap.NewNop(),
		stats:  make(map[string]any),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.defaultLabels = make(map[string]string, len(cfg.DefaultLabels)+1)
	for k, v := range cfg.DefaultLabels {
		c.defaultLabels[k] = v
	}
	if _, ok := c.defaultLabels[labelInstance]; !ok {
		c.defaultLabels[labelInstance] = c.resolveHostname()
	}
	return c
}

func (c *Collector) resolveHostname() string {
	if c.hostname != nil {
		return *c.hostname
	}
	name, err := os.Hostname()
	if err != nil {
		c.logger.Warn("hostname lookup failed, using empty instance label", zap.Error(err))
		return ""
	}
	return name
}

// DefaultLabels returns a copy of the process-wide labels, instance included.
func (c *Collector) DefaultLabels() map[string]string {
	out := make(map[string]string, len(c.defaultLabels))
	for k, v := range c.defaultLabels {
		out[k] = v
	}
	return out
}

// Labels resolves the label set for spider: spider name and job id, then the
// default labels.
func (c *Collector) Labels(spider *Spider) prometheus.Labels {
	labels := prometheus.Labels{
		labelSpider: defaultSpiderName,
		labelJobID:  "",
	}
	if spider != nil {
		if spider.Name != "" {
			labels[labelSpider] = spider.Name
		}
		labels[labelJobID] = spider.JobID
	}
	for k, v := range c.defaultLabels {
		labels[k] = v
	}
	return labels
}

func (c *Collector) resolveLabels(spider *Spider, explicit prometheus.Labels) prometheus.Labels {
	labels := c.Labels(spider)
	for k, v := range explicit {
		labels[k] = v
	}
	return labels
}

// GetValue returns the stat for key, or def when it was never written.
func (c *Collector) GetValue(key string, def any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.stats[key]; ok {
		return v
	}
	return def
}

// GetStats returns a copy of the stats dict.
func (c *Collector) GetStats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}

// Clear empties the stats dict. Metrics are left untouched.
func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = make(map[string]any)
}

// SetValue stores value under key and sets the matching gauge.
func (c *Collector) SetValue(key string, value any, spider *Spider, labels prometheus.Labels) error {
	c.mu.Lock()
	c.stats[key] = value
	c.mu.Unlock()

	v, ok := mirrored(key, value)
	if !ok {
		return nil
	}
	return c.record(key, metrics.KindGauge, spider, labels, func(m *metrics.Metric, ls prometheus.Labels) error {
		return m.Set(ls, v)
	})
}

// IncValue adds count to the stat under key, starting from start when the key
// is new, and increments the matching counter by count. Whether the write is
// mirrored is decided by start.
func (c *Collector) IncValue(key string, count, start any, spider *Spider, labels prometheus.Labels) error {
	delta, ok := toFloat(count)
	if !ok {
		return nil
	}

	c.mu.Lock()
	cur, exists := c.stats[key]
	if !exists {
		cur = start
	}
	if base, ok := toFloat(cur); ok {
		c.stats[key] = base + delta
	}
	c.mu.Unlock()

	if _, ok := mirrored(key, start); !ok {
		return nil
	}
	return c.record(key, metrics.KindCounter, spider, labels, func(m *metrics.Metric, ls prometheus.Labels) error {
		return m.Add(ls, delta)
	})
}

// MaxValue keeps the largest value seen for key and raises the gauge to it.
func (c *Collector) MaxValue(key string, value any, spider *Spider, labels prometheus.Labels) error {
	return c.extreme(key, value, spider, labels, func(a, b float64) bool { return a > b }, (*metrics.Metric).SetMax)
}

// MinValue keeps the smallest value seen for key and lowers the gauge to it.
func (c *Collector) MinValue(key string, value any, spider *Spider, labels prometheus.Labels) error {
	return c.extreme(key, value, spider, labels, func(a, b float64) bool { return a < b }, (*metrics.Metric).SetMin)
}

func (c *Collector) extreme(
	key string,
	value any,
	spider *Spider,
	labels prometheus.Labels,
	better func(a, b float64) bool,
	apply func(*metrics.Metric, prometheus.Labels, float64) (float64, error),
) error {
	v, numeric := toFloat(value)

	c.mu.Lock()
	cur, exists := c.stats[key]
	switch {
	case !exists:
		if numeric {
			c.stats[key] = v
		} else {
			c.stats[key] = value
		}
	case numeric:
		if old, ok := toFloat(cur); !ok || better(v, old) {
			c.stats[key] = v
		}
	}
	c.mu.Unlock()

	if _, ok := mirrored(key, value); !ok {
		return nil
	}
	return c.record(key, metrics.KindGauge, spider, labels, func(m *metrics.Metric, ls prometheus.Labels) error {
		_, err := apply(m, ls, v)
		return err
	})
}

func (c *Collector) record(
	key string,
	kind metrics.Kind,
	spider *Spider,
	explicit prometheus.Labels,
	apply func(*metrics.Metric, prometheus.Labels) error,
) error {
	labels := c.resolveLabels(spider, explicit)
	name := metrics.MetricName(c.cfg.Prefix, key)
	m, err := c.host.Registry().GetOrCreate(name, key, kind, metrics.LabelNames(labels))
	if err != nil {
		return fmt.Errorf("stat %q: %w", key, err)
	}
	if err := apply(m, labels); err != nil {
		return fmt.Errorf("stat %q: %w", key, err)
	}
	return nil
}

// mirrored reports whether a write of value under key reaches the metrics,
// and the value as a float when it does.
func mirrored(key string, value any) (float64, bool) {
	if strings.Contains(key, exceptionTypeMarker) {
		return 0, false
	}
	return toFloat(value)
}

// toFloat converts Go integer and float kinds. Everything else, bool
// included, is not numeric.
func toFloat(value any) (float64, bool) {
	if value == nil {
		return 0, false
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}
