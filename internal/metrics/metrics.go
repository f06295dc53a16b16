// Package metrics owns the named Prometheus registries that crawl stats are
// mirrored into, and the get-or-create lookup used to resolve a stat key to a
// metric.
package metrics

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Kind is the Prometheus metric type a stat key is mirrored as.
type Kind int

// Supported metric kinds.
const (
	KindCounter Kind = iota + 1
	KindGauge
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrMetricConflict is returned when a metric name is reused with a
	// different kind or a different set of label names.
	ErrMetricConflict = errors.New("metric conflict")
	// ErrNegativeIncrement is returned when a counter would be decreased.
	ErrNegativeIncrement = errors.New("counter cannot decrease")
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// MetricName builds "<prefix>_<key>" with every character of key outside
// [a-zA-Z0-9_] replaced by an underscore.
func MetricName(prefix, key string) string {
	return prefix + "_" + invalidNameChars.ReplaceAllString(key, "_")
}

// LabelNames returns the sorted label names of labels.
func LabelNames(labels prometheus.Labels) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Metric is a counter or gauge vector registered under a fixed name and a
// fixed set of label names. Gauge updates go through the metric's lock so a
// max/min read-modify-write is never interleaved with another write.
type Metric struct {
	name       string
	help       string
	kind       Kind
	labelNames []string

	counter *prometheus.CounterVec
	gauge   *prometheus.GaugeVec

	mu      sync.Mutex
	written map[string]struct{}
}

func newMetric(name, help string, kind Kind, labelNames []string) (*Metric, error) {
	m := &Metric{
		name:       name,
		help:       help,
		kind:       kind,
		labelNames: labelNames,
		written:    make(map[string]struct{}),
	}
	switch kind {
	case KindCounter:
		m.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	case KindGauge:
		m.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	default:
		return nil, fmt.Errorf("unsupported metric kind %s", kind)
	}
	return m, nil
}

// Name returns the registered metric name.
func (m *Metric) Name() string { return m.name }

// Kind returns the metric kind.
func (m *Metric) Kind() Kind { return m.kind }

// LabelNames returns a copy of the metric's label names.
func (m *Metric) LabelNames() []string {
	return append([]string(nil), m.labelNames...)
}

func (m *Metric) collector() prometheus.Collector {
	if m.counter != nil {
		return m.counter
	}
	return m.gauge
}

// Add increments the counter series identified by labels.
func (m *Metric) Add(labels prometheus.Labels, delta float64) error {
	if m.kind != KindCounter {
		return fmt.Errorf("%w: %s is a %s, cannot add", ErrMetricConflict, m.name, m.kind)
	}
	if delta < 0 {
		return fmt.Errorf("%w: %s by %v", ErrNegativeIncrement, m.name, delta)
	}
	c, err := m.counter.GetMetricWith(labels)
	if err != nil {
		return fmt.Errorf("resolve %s series: %w", m.name, err)
	}
	c.Add(delta)
	return nil
}

// Set stores value in the gauge series identified by labels.
func (m *Metric) Set(labels prometheus.Labels, value float64) error {
	_, err := m.update(labels, func(_ float64, _ bool) float64 { return value })
	return err
}

// SetMax stores the larger of the current value and value. The first write to
// a series stores value as-is. It returns the stored value.
func (m *Metric) SetMax(labels prometheus.Labels, value float64) (float64, error) {
	return m.update(labels, func(cur float64, seen bool) float64 {
		if !seen || value > cur {
			return value
		}
		return cur
	})
}

// SetMin stores the smaller of the current value and value. The first write to
// a series stores value as-is. It returns the stored value.
func (m *Metric) SetMin(labels prometheus.Labels, value float64) (float64, error) {
	return m.update(labels, func(cur float64, seen bool) float64 {
		if !seen || value < cur {
			return value
		}
		return cur
	})
}

func (m *Metric) update(labels prometheus.Labels, next func(cur float64, seen bool) float64) (float64, error) {
	if m.kind != KindGauge {
		return 0, fmt.Errorf("%w: %s is a %s, cannot set", ErrMetricConflict, m.name, m.kind)
	}
	g, err := m.gauge.GetMetricWith(labels)
	if err != nil {
		return 0, fmt.Errorf("resolve %s series: %w", m.name, err)
	}
	key := m.seriesKey(labels)

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := readValue(g)
	if err != nil {
		return 0, err
	}
	_, seen := m.written[key]
	v := next(cur, seen)
	g.Set(v)
	m.written[key] = struct{}{}
	return v, nil
}

// Value reads the current value of the series identified by labels.
func (m *Metric) Value(labels prometheus.Labels) (float64, error) {
	var (
		series prometheus.Metric
		err    error
	)
	if m.kind == KindCounter {
		series, err = m.counter.GetMetricWith(labels)
	} else {
		series, err = m.gauge.GetMetricWith(labels)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve %s series: %w", m.name, err)
	}
	return readValue(series)
}

func (m *Metric) seriesKey(labels prometheus.Labels) string {
	values := make([]string, len(m.labelNames))
	for i, name := range m.labelNames {
		values[i] = labels[name]
	}
	return strings.Join(values, "\xff")
}

func readValue(series prometheus.Metric) (float64, error) {
	var pb dto.Metric
	if err := series.Write(&pb); err != nil {
		return 0, fmt.Errorf("read %s: %w", series.Desc(), err)
	}
	switch {
	case pb.Gauge != nil:
		return pb.GetGauge().GetValue(), nil
	case pb.Counter != nil:
		return pb.GetCounter().GetValue(), nil
	default:
		return 0, fmt.Errorf("unsupported series type for %s", series.Desc())
	}
}

// Registry is a named Prometheus registry plus the index of metrics created
// through GetOrCreate.
type Registry struct {
	name string
	reg  *prometheus.Registry

	mu      sync.RWMutex
	metrics map[string]*Metric
}

// NewRegistry creates an empty registry.
func NewRegistry(name string) *Registry {
	return &Registry{
		name:    name,
		reg:     prometheus.NewRegistry(),
		metrics: make(map[string]*Metric),
	}
}

// Name returns the registry's name.
func (r *Registry) Name() string { return r.name }

// Gatherer exposes the underlying registry for exposition and pushes.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Lookup returns the metric registered under name, if any.
func (r *Registry) Lookup(name string) (*Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metrics[name]
	return m, ok
}

// GetOrCreate returns the metric registered under name, creating it with kind
// and labelNames on first use. Reusing a name with another kind or another
// set of label names fails with ErrMetricConflict.
func (r *Registry) GetOrCreate(name, help string, kind Kind, labelNames []string) (*Metric, error) {
	names := append([]string(nil), labelNames...)
	sort.Strings(names)

	if m, ok := r.Lookup(name); ok {
		return m, checkCompatible(m, kind, names)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.metrics[name]; ok {
		return m, checkCompatible(m, kind, names)
	}
	m, err := newMetric(name, help, kind, names)
	if err != nil {
		return nil, err
	}
	if err := r.reg.Register(m.collector()); err != nil {
		return nil, fmt.Errorf("register %s: %w", name, err)
	}
	r.metrics[name] = m
	return m, nil
}

func checkCompatible(m *Metric, kind Kind, labelNames []string) error {
	if m.kind != kind {
		return fmt.Errorf("%w: %s registered as %s, requested %s", ErrMetricConflict, m.name, m.kind, kind)
	}
	if strings.Join(m.labelNames, ",") != strings.Join(labelNames, ",") {
		return fmt.Errorf("%w: %s registered with labels %v, requested %v",
			ErrMetricConflict, m.name, m.labelNames, labelNames)
	}
	return nil
}

// Set holds registries by name. Registries are created on first reference
// and live for the life of the Set.
type Set struct {
	mu         sync.Mutex
	registries map[string]*Registry
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{registries: make(map[string]*Registry)}
}

// Get returns the registry for name, creating an empty one if needed.
func (s *Set) Get(name string) *Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.registries[name]
	if !ok {
		r = NewRegistry(name)
		s.registries[name] = r
	}
	return r
}
