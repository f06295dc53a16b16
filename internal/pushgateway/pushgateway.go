// Package pushgateway pushes a registry snapshot to a Prometheus Pushgateway.
package pushgateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
)

// Config controls where and how metrics are pushed.
type Config struct {
	// URL of the gateway; "host:port" gets an http:// scheme.
	URL string
	// Method is POST to add to the group, anything else replaces it (PUT).
	Method  string
	Timeout time.Duration
	Job     string
}

// Pusher sends registry snapshots to the gateway.
type Pusher struct {
	cfg    Config
	client *http.Client
}

// New creates a Pusher.
func New(cfg Config) *Pusher {
	return &Pusher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// AddMode reports whether pushes add to the group (POST) rather than
// replacing it (PUT).
func (p *Pusher) AddMode() bool {
	return strings.EqualFold(strings.TrimSpace(p.cfg.Method), http.MethodPost)
}

// Push sends everything g gathers under the configured job and the given
// grouping key. A grouping label on a sample whose value equals the grouping
// value is stripped, since the gateway attaches it to every sample in the
// group anyway. A grouping label that some sample carries with another value
// is left out of the grouping key so that sample keeps its own value.
func (p *Pusher) Push(ctx context.Context, g prometheus.Gatherer, grouping map[string]string) error {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	mfs, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	grouping = groupingFor(mfs, grouping)
	mfs = withoutGrouping(mfs, grouping)

	pusher := push.New(p.cfg.URL, p.cfg.Job).
		Gatherer(prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) { return mfs, nil })).
		Client(p.client)
	names := make([]string, 0, len(grouping))
	for name := range grouping {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pusher = pusher.Grouping(name, grouping[name])
	}

	if p.AddMode() {
		err = pusher.AddContext(ctx)
	} else {
		err = pusher.PushContext(ctx)
	}
	if err != nil {
		return fmt.Errorf("push to %s: %w", p.cfg.URL, err)
	}
	return nil
}

// groupingFor drops grouping labels that any sample contradicts.
func groupingFor(mfs []*dto.MetricFamily, grouping map[string]string) map[string]string {
	out := make(map[string]string, len(grouping))
	for k, v := range grouping {
		out[k] = v
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if v, ok := out[lp.GetName()]; ok && v != lp.GetValue() {
					delete(out, lp.GetName())
				}
			}
		}
	}
	return out
}

// withoutGrouping strips grouping labels from the gathered samples. The label
// slices belong to the live metrics, so each sample gets a fresh slice.
func withoutGrouping(mfs []*dto.MetricFamily, grouping map[string]string) []*dto.MetricFamily {
	if len(grouping) == 0 {
		return mfs
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			kept := make([]*dto.LabelPair, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				if v, ok := grouping[lp.GetName()]; ok && v == lp.GetValue() {
					continue
				}
				kept = append(kept, lp)
			}
			m.Label = kept
		}
	}
	return mfs
}
