package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/crawl-prometheus/internal/config"
	memorystorage "github.com/JakeFAU/crawl-prometheus/internal/storage/memory"
)

const shopPage = `<html><body>
<article class="product"><h3>Dune</h3><span class="price">9.99</span></article>
</body></html>`

type gatewayCall struct {
	method string
	path   string
	body   []byte
}

type gateway struct {
	*httptest.Server

	mu    sync.Mutex
	calls []gatewayCall
}

func (g *gateway) Calls() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gatewayCall(nil), g.calls...)
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{}
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		g.mu.Lock()
		g.calls = append(g.calls, gatewayCall{method: r.Method, path: r.URL.Path, body: body})
		g.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(g.Close)
	return g
}

func newShop(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, shopPage)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, body string) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func crawlConfig(gatewayURL, shopURL, extra string) string {
	return fmt.Sprintf(`
prometheus:
  endpoint_enabled: false
  default_labels:
    env: test
pushgateway:
  url: %s
  push_method: PUT
  job: nightly
stats:
  dump: false
crawler:
  concurrency: 1
  max_depth: 1
  request_timeout_seconds: 5
spiders:
  - name: books
    job_id: job-1
    start_urls: ["%s/"]
    item_selector: article.product
    fields:
      title: h3
      price: .price
    required_fields: [price]
  - name: headlines
    start_urls: ["%s/"]
%s`, gatewayURL, shopURL, shopURL, extra)
}

func TestRunCrawlsAndPushesOnce(t *testing.T) {
	t.Parallel()

	gw := newGateway(t)
	shop := newShop(t)
	cfg := writeConfig(t, crawlConfig(gw.URL, shop.URL, ""))

	core, logs := observer.New(zapcore.InfoLevel)
	a, err := Build(context.Background(), cfg, WithLogger(zap.New(core)), WithHostname("test-host"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	require.Len(t, a.spiders, 2)
	require.Equal(t, "job-1", a.spiders[0].JobID)
	_, err = goUUID.Parse(a.spiders[1].JobID)
	require.NoError(t, err, "missing job ids are generated")

	require.NoError(t, a.Run(context.Background()))

	calls := gw.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, http.MethodPut, calls[0].method)
	require.True(t, strings.HasPrefix(calls[0].path, "/metrics/job/nightly/"), calls[0].path)
	require.Contains(t, calls[0].path, "/env/test")
	require.Contains(t, calls[0].path, "/instance/test-host")
	require.True(t, bytes.Contains(calls[0].body, []byte("scrapy_prometheus_item_scraped_count")))

	c := a.Collector()
	require.InDelta(t, 1.0, c.GetValue("item_scraped_count", 0.0), 0)
	require.InDelta(t, 2.0, c.GetValue("downloader/response_count", 0.0), 0)

	blobs, ok := a.blobs.(*memorystorage.BlobStore)
	require.True(t, ok)
	require.Len(t, blobs.Paths(), 1)
	require.True(t, strings.HasPrefix(blobs.Paths()[0], "items/books/"))

	require.Equal(t, 1, logs.FilterMessage("pushed metrics to pushgateway").Len())

	// A second run does not push again.
	require.NoError(t, a.Run(context.Background()))
	require.Len(t, gw.Calls(), 1)
}

func TestRunPublishesToPubSub(t *testing.T) {
	t.Parallel()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	admin, err := pubsub.NewClient(ctx, "crawl-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = admin.CreateTopic(ctx, "items")
	require.NoError(t, err)

	gw := newGateway(t)
	shop := newShop(t)
	cfg := writeConfig(t, crawlConfig(gw.URL, shop.URL, `
pubsub:
  project_id: crawl-test
  topic_name: items
`))

	a, err := Build(ctx, cfg, WithLogger(zap.NewNop()), WithHostname("test-host"),
		WithClientOptions(option.WithGRPCConn(conn)))
	require.NoError(t, err)
	require.NoError(t, a.Run(ctx))
	require.NoError(t, a.Close(ctx))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "books", msgs[0].Attributes["spider"])
	require.Equal(t, "job-1", msgs[0].Attributes["job_id"])
}

func TestBuildLocalStorage(t *testing.T) {
	t.Parallel()

	gw := newGateway(t)
	shop := newShop(t)
	dir := t.TempDir()
	cfg := writeConfig(t, crawlConfig(gw.URL, shop.URL, fmt.Sprintf(`
storage:
  backend: local
  prefix: scraped
  local:
    base_dir: %s
`, dir)))

	a, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithHostname("test-host"))
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))
	require.NoError(t, a.Close(context.Background()))

	matches, err := filepath.Glob(filepath.Join(dir, "scraped", "books", "*", "*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestBuildFailures(t *testing.T) {
	t.Parallel()

	notADir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o600))

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name: "local base dir is a file",
			mutate: func(c *config.Config) {
				c.Storage.Backend = "local"
				c.Storage.Local.BaseDir = notADir
			},
			want: "local blob store init failed",
		},
		{
			name:   "bad stats dsn",
			mutate: func(c *config.Config) { c.Stats.DSN = "postgres://user@localhost:notaport/db" },
			want:   "stats store init failed",
		},
		{
			name:   "bad stats table",
			mutate: func(c *config.Config) { c.Stats.DSN = "postgres://localhost/db"; c.Stats.Table = "drop table;" },
			want:   "stats store init failed",
		},
		{
			name:   "crawler timeout",
			mutate: func(c *config.Config) { c.Crawler.RequestTimeoutSeconds = 0 },
			want:   "crawler request timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := writeConfig(t, crawlConfig("127.0.0.1:9091", "http://127.0.0.1:1", ""))
			tt.mutate(&cfg)
			_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()))
			require.ErrorContains(t, err, tt.want)
		})
	}
}
