package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-prometheus/internal/endpoint"
	memorypublisher "github.com/JakeFAU/crawl-prometheus/internal/publisher/memory"
	"github.com/JakeFAU/crawl-prometheus/internal/stats"
	memorystorage "github.com/JakeFAU/crawl-prometheus/internal/storage/memory"
)

// recordingLifecycle forwards to a real collector and remembers event order.
type recordingLifecycle struct {
	*stats.Collector

	mu       sync.Mutex
	events   []string
	reasons  []string
	startErr error
}

func (l *recordingLifecycle) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingLifecycle) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingLifecycle) EngineStarted(ctx context.Context) error {
	l.add("engine_started")
	if l.startErr != nil {
		return l.startErr
	}
	return l.Collector.EngineStarted(ctx)
}

func (l *recordingLifecycle) EngineStopped(ctx context.Context) {
	l.add("engine_stopped")
	l.Collector.EngineStopped(ctx)
}

func (l *recordingLifecycle) SpiderOpened(s *stats.Spider) {
	l.add("spider_opened:" + s.Name)
	l.Collector.SpiderOpened(s)
}

func (l *recordingLifecycle) SpiderClosed(s *stats.Spider, reason string) {
	l.add("spider_closed:" + s.Name)
	l.mu.Lock()
	l.reasons = append(l.reasons, reason)
	l.mu.Unlock()
	l.Collector.SpiderClosed(s, reason)
}

func newRecordingLifecycle() *recordingLifecycle {
	host := endpoint.New(endpoint.Config{Path: "metrics", RegistryName: "scrapy_prometheus"}, nil, zap.NewNop())
	collector := stats.New(stats.Config{Prefix: "scrapy_prometheus", DefaultMetrics: true}, host, nil,
		stats.WithHostname("test-host"))
	return &recordingLifecycle{Collector: collector}
}

const (
	indexPage = `<html><body>
<article class="product"><h3>Dune</h3><span class="price">9.99</span></article>
<article class="product"><h3>Untitled</h3></article>
<a href="/page2">next</a>
</body></html>`
	secondPage = `<html><body>
<article class="product"><h3>Emma</h3><span class="price">4.50</span></article>
</body></html>`
)

func newShop(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, indexPage)
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, secondPage)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() Config {
	return Config{
		UserAgent:      "crawl-prometheus-test",
		Concurrency:    2,
		MaxDepth:       2,
		RequestTimeout: 5 * time.Second,
	}
}

func TestEngineRunRecordsStatsAndItems(t *testing.T) {
	t.Parallel()

	shop := newShop(t)
	lifecycle := newRecordingLifecycle()
	blobs := memorystorage.NewBlobStore()
	pub := memorypublisher.New()
	pipeline := NewPipeline(PipelineConfig{Prefix: "items", Topic: "scraped"}, blobs, pub, &sequenceIDs{},
		fixedClock{now: testNow}, nil)
	engine := NewEngine(testConfig(), lifecycle, lifecycle.Collector, pipeline, zap.NewNop())

	spider := Spider{
		Name:           "books",
		JobID:          "job-1",
		StartURLs:      []string{shop.URL + "/", shop.URL + "/missing"},
		ItemSelector:   "article.product",
		Fields:         map[string]string{"title": "h3", "price": ".price"},
		RequiredFields: []string{"price"},
		FollowLinks:    true,
	}
	require.NoError(t, engine.Run(context.Background(), []Spider{spider}))

	require.Equal(t, []string{
		"engine_started",
		"spider_opened:books",
		"spider_closed:books",
		"engine_stopped",
	}, lifecycle.Events())
	require.Equal(t, []string{ReasonFinished}, lifecycle.reasons)
	require.Equal(t, stats.StateStopped, lifecycle.State())

	c := lifecycle.Collector
	for key, want := range map[string]float64{
		statRequestCount:                         3,
		statRequestMethodCount + "GET":           3,
		statResponseCount:                        3,
		statResponseStatusCount + "200":          2,
		statResponseStatusCount + "404":          1,
		statItemScrapedCount:                     2,
		statItemDroppedCount:                     1,
		statItemDroppedReasons + "missing_field": 1,
		stats.KeyItemScraped:                     2,
		stats.KeyItemDropped:                     1,
		stats.KeyResponseReceived:                3,
		statRequestDepthMax:                      2,
	} {
		require.InDelta(t, want, c.GetValue(key, 0.0), 0, key)
	}
	require.Equal(t, ReasonFinished, c.GetValue(stats.KeyFinishReason, nil))

	maxBytes, ok := c.GetValue(statResponseMaxBytes, nil).(float64)
	require.True(t, ok)
	minBytes, ok := c.GetValue(statResponseMinBytes, nil).(float64)
	require.True(t, ok)
	require.GreaterOrEqual(t, maxBytes, minBytes)

	require.Len(t, blobs.Paths(), 2)
	require.Len(t, pub.Messages(), 2)
}

func TestEngineRunCountsTransportErrors(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	lifecycle := newRecordingLifecycle()
	pipeline := NewPipeline(PipelineConfig{}, memorystorage.NewBlobStore(), nil, &sequenceIDs{},
		fixedClock{now: testNow}, nil)
	engine := NewEngine(testConfig(), lifecycle, lifecycle.Collector, pipeline, nil)

	spider := Spider{Name: "down", StartURLs: []string{"http://" + addr + "/"}}
	require.NoError(t, engine.Run(context.Background(), []Spider{spider}))

	c := lifecycle.Collector
	require.InDelta(t, 1.0, c.GetValue(statExceptionCount, 0.0), 0)
	var typed bool
	for key := range c.GetStats() {
		if strings.HasPrefix(key, statExceptionTypeCount) {
			typed = true
		}
	}
	require.True(t, typed, "expected an exception type stat")
}

func TestEngineRunCancelledSkipsSpiders(t *testing.T) {
	t.Parallel()

	lifecycle := newRecordingLifecycle()
	engine := NewEngine(testConfig(), lifecycle, lifecycle.Collector, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, engine.Run(ctx, []Spider{{Name: "books", StartURLs: []string{"http://127.0.0.1:1/"}}}))
	require.Equal(t, []string{"engine_started", "engine_stopped"}, lifecycle.Events())
}

func TestEngineRunStartFailure(t *testing.T) {
	t.Parallel()

	lifecycle := newRecordingLifecycle()
	lifecycle.startErr = errors.New("address already in use")
	engine := NewEngine(testConfig(), lifecycle, lifecycle.Collector, nil, nil)

	err := engine.Run(context.Background(), []Spider{{Name: "books"}})
	require.ErrorContains(t, err, "address already in use")
	require.Equal(t, []string{"engine_started"}, lifecycle.Events())
}

func TestCloseReason(t *testing.T) {
	t.Parallel()

	require.Equal(t, ReasonFinished, closeReason(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, ReasonShutdown, closeReason(ctx))
}

func TestExceptionType(t *testing.T) {
	t.Parallel()

	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}
	wrapped := fmt.Errorf("visit: %w", opErr)
	require.Equal(t, "*errors.errorString", exceptionType(wrapped))
	require.Equal(t, "*net.OpError", exceptionType(&net.OpError{Op: "dial"}))
}

func TestDropReason(t *testing.T) {
	t.Parallel()

	require.Equal(t, "missing_field", dropReason(fmt.Errorf("%w %q", ErrMissingField, "price")))
	require.Equal(t, "duplicate", dropReason(fmt.Errorf("%w %s", ErrDuplicateItem, "abc")))
	require.Equal(t, "sink_error", dropReason(fmt.Errorf("%w: store item: boom", ErrDropItem)))
}

func TestEngineRunRespectsRobots(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body><a href="/private/deal">deal</a></body></html>`)
	})
	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)

	cfg := testConfig()
	cfg.RespectRobots = true
	lifecycle := newRecordingLifecycle()
	engine := NewEngine(cfg, lifecycle, lifecycle.Collector, nil, nil)

	spider := Spider{Name: "polite", StartURLs: []string{site.URL + "/"}, FollowLinks: true}
	require.NoError(t, engine.Run(context.Background(), []Spider{spider}))

	c := lifecycle.Collector
	require.InDelta(t, 1.0, c.GetValue(statRobotsForbidden, 0.0), 0)
	require.InDelta(t, 1.0, c.GetValue(statRequestCount, 0.0), 0)
}

type fakeLimiter struct {
	mu   sync.Mutex
	urls []string
	wait time.Duration
	err  error
}

func (l *fakeLimiter) Wait(_ context.Context, rawURL string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls = append(l.urls, rawURL)
	return l.wait, l.err
}

func TestEngineRunRateLimits(t *testing.T) {
	t.Parallel()

	shop := newShop(t)
	limiter := &fakeLimiter{wait: 250 * time.Millisecond}
	lifecycle := newRecordingLifecycle()
	engine := NewEngine(testConfig(), lifecycle, lifecycle.Collector, nil, nil, WithRateLimiter(limiter))

	spider := Spider{Name: "paced", StartURLs: []string{shop.URL + "/", shop.URL + "/missing"}}
	require.NoError(t, engine.Run(context.Background(), []Spider{spider}))

	require.Len(t, limiter.urls, 2)
	c := lifecycle.Collector
	require.InDelta(t, 0.5, c.GetValue(statRateLimitDelay, 0.0), 1e-9)
	require.InDelta(t, 2.0, c.GetValue(statRequestCount, 0.0), 0)
}

func TestEngineRunRateLimitErrorAborts(t *testing.T) {
	t.Parallel()

	shop := newShop(t)
	limiter := &fakeLimiter{err: context.DeadlineExceeded}
	lifecycle := newRecordingLifecycle()
	engine := NewEngine(testConfig(), lifecycle, lifecycle.Collector, nil, nil, WithRateLimiter(limiter))

	require.NoError(t, engine.Run(context.Background(), []Spider{{Name: "paced", StartURLs: []string{shop.URL + "/"}}}))
	c := lifecycle.Collector
	require.Nil(t, c.GetValue(statRequestCount, nil))
	require.Nil(t, c.GetValue(statResponseCount, nil))
}
