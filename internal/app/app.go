// Package app builds the crawl's long-lived services from configuration and
// runs the configured spiders.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/crawl-prometheus/internal/clock/system"
	"github.com/JakeFAU/crawl-prometheus/internal/config"
	"github.com/JakeFAU/crawl-prometheus/internal/crawler"
	"github.com/JakeFAU/crawl-prometheus/internal/endpoint"
	"github.com/JakeFAU/crawl-prometheus/internal/hash/sha256"
	"github.com/JakeFAU/crawl-prometheus/internal/id/uuid"
	"github.com/JakeFAU/crawl-prometheus/internal/logging"
	"github.com/JakeFAU/crawl-prometheus/internal/metrics"
	"github.com/JakeFAU/crawl-prometheus/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/crawl-prometheus/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawl-prometheus/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-prometheus/internal/pushgateway"
	"github.com/JakeFAU/crawl-prometheus/internal/stats"
	gcsstorage "github.com/JakeFAU/crawl-prometheus/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-prometheus/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawl-prometheus/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-prometheus/internal/storage/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	registries *metrics.Set
	host       *endpoint.Host
	collector  *stats.Collector
	engine     *crawler.Engine
	spiders    []crawler.Spider

	blobs        crawler.BlobStore
	publisher    crawler.Publisher
	storage      *storage.Client
	pubsubClient *pubsub.Client
	topic        *pubsub.Topic
	statsStore   *pgstore.StatsStore

	clientOpts []option.ClientOption
	hostname   string
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithClientOptions is passed to the Google Cloud clients, e.g. to point them
// at an emulator.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(a *App) { a.clientOpts = append(a.clientOpts, opts...) }
}

// WithHostname overrides the instance label.
func WithHostname(name string) Option {
	return func(a *App) { a.hostname = name }
}

// Build creates the application's dependencies. Anything opened before a
// failure is closed again.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	app := &App{cfg: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(app.logger)
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("prometheus_port", cfg.Prometheus.Port),
		zap.Bool("endpoint_enabled", cfg.Prometheus.EndpointEnabled),
		zap.String("pushgateway", cfg.Pushgateway.URL),
		zap.Int("spiders", len(cfg.Spiders)),
	)

	if err = app.setupCollector(ctx); err != nil {
		return nil, err
	}
	if app.blobs, err = app.setupStorage(ctx); err != nil {
		return nil, err
	}
	if app.publisher, err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = app.setupEngine(); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) setupCollector(ctx context.Context) error {
	a.registries = metrics.NewSet()
	a.host = endpoint.New(endpoint.Config{
		Enabled:      a.cfg.Prometheus.EndpointEnabled,
		Host:         a.cfg.Prometheus.Host,
		Port:         a.cfg.Prometheus.Port,
		Path:         a.cfg.Prometheus.Path,
		RegistryName: a.cfg.DefaultRegistry,
	}, a.registries, a.logger.Named("endpoint"))

	pusher := pushgateway.New(pushgateway.Config{
		URL:     a.cfg.Pushgateway.URL,
		Method:  a.cfg.Pushgateway.PushMethod,
		Timeout: a.cfg.PushTimeout(),
		Job:     a.cfg.Pushgateway.Job,
	})

	opts := []stats.Option{
		stats.WithLogger(a.logger.Named("stats")),
		stats.WithClock(system.New(time.Millisecond)),
	}
	if a.hostname != "" {
		opts = append(opts, stats.WithHostname(a.hostname))
	}
	if a.cfg.Stats.DSN != "" {
		store, err := pgstore.NewStatsStore(ctx, pgstore.StatsStoreConfig{
			DSN:   a.cfg.Stats.DSN,
			Table: a.cfg.Stats.Table,
		}, uuid.New())
		if err != nil {
			return fmt.Errorf("stats store init failed: %w", err)
		}
		a.statsStore = store
		opts = append(opts, stats.WithSnapshotStore(store))
		a.logger.Info("stats snapshots enabled", zap.String("table", a.cfg.Stats.Table))
	}

	a.collector = stats.New(stats.Config{
		Prefix:         a.cfg.Prometheus.MetricPrefix,
		DefaultLabels:  a.cfg.Prometheus.DefaultLabels,
		DefaultMetrics: a.cfg.Prometheus.DefaultMetrics,
		Dump:           a.cfg.Stats.Dump,
	}, a.host, pusher, opts...)
	a.logger.Debug("stats collector ready",
		zap.String("registry", a.cfg.DefaultRegistry),
		zap.Any("default_labels", a.collector.DefaultLabels()),
		zap.Bool("push_add", pusher.AddMode()),
	)
	return nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx, a.clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID, a.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.topic = client.Topic(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.topic), nil
}

func (a *App) setupEngine() error {
	crawlCfg := crawler.Config{
		UserAgent:      a.cfg.Crawler.UserAgent,
		Concurrency:    a.cfg.Crawler.Concurrency,
		Delay:          time.Duration(a.cfg.Crawler.DelaySeconds) * time.Second,
		MaxDepth:       a.cfg.Crawler.MaxDepth,
		RequestTimeout: a.cfg.RequestTimeout(),
		RespectRobots:  a.cfg.Crawler.RespectRobots,
	}
	if err := crawlCfg.Validate(); err != nil {
		return fmt.Errorf("crawler config: %w", err)
	}

	ids := uuid.New()
	var pipelineOpts []crawler.PipelineOption
	if a.cfg.Crawler.DropDuplicates {
		pipelineOpts = append(pipelineOpts, crawler.WithFingerprinter(sha256.New()))
	}
	pipeline := crawler.NewPipeline(crawler.PipelineConfig{
		Prefix: a.cfg.Storage.Prefix,
		Topic:  a.cfg.PubSub.TopicName,
	}, a.blobs, a.publisher, ids, system.New(time.Millisecond), a.logger.Named("pipeline"), pipelineOpts...)

	var engineOpts []crawler.EngineOption
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.Crawler.RateLimitRPS,
		Burst: a.cfg.Crawler.RateLimitBurst,
	})
	if limiter.Enabled() {
		engineOpts = append(engineOpts, crawler.WithRateLimiter(limiter))
		a.logger.Info("rate limiter enabled",
			zap.Float64("rps", a.cfg.Crawler.RateLimitRPS),
			zap.Int("burst", a.cfg.Crawler.RateLimitBurst),
		)
	}

	a.spiders = spidersFromConfig(a.cfg.Spiders, ids)
	a.engine = crawler.NewEngine(crawlCfg, a.collector, a.collector, pipeline, a.logger.Named("engine"), engineOpts...)
	a.logger.Info("crawler config",
		zap.String("user_agent", crawlCfg.UserAgent),
		zap.Int("concurrency", crawlCfg.Concurrency),
		zap.Int("max_depth", crawlCfg.MaxDepth),
		zap.Duration("request_timeout", crawlCfg.RequestTimeout),
		zap.Bool("respect_robots", crawlCfg.RespectRobots),
		zap.Bool("drop_duplicates", a.cfg.Crawler.DropDuplicates),
	)
	return nil
}

func spidersFromConfig(cfgs []config.SpiderConfig, ids uuid.Generator) []crawler.Spider {
	spiders := make([]crawler.Spider, 0, len(cfgs))
	for _, sc := range cfgs {
		jobID := sc.JobID
		if jobID == "" {
			jobID = ids.JobID(sc.Name)
		}
		spiders = append(spiders, crawler.Spider{
			Name:           sc.Name,
			JobID:          jobID,
			StartURLs:      sc.StartURLs,
			AllowedDomains: sc.AllowedDomains,
			ItemSelector:   sc.ItemSelector,
			Fields:         sc.Fields,
			RequiredFields: sc.RequiredFields,
			FollowLinks:    sc.FollowLinks,
		})
	}
	return spiders
}

// Run crawls every configured spider and returns once the engine has stopped.
// SIGINT and SIGTERM close the running spider early; the final push still
// happens.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.logger.Info("crawl started", zap.Int("spiders", len(a.spiders)))
	if err := a.engine.Run(ctx, a.spiders); err != nil {
		return fmt.Errorf("run engine: %w", err)
	}
	a.logger.Info("crawl finished", zap.Stringer("state", a.collector.State()))
	return nil
}

// Collector exposes the stats collector, e.g. for inspection after Run.
func (a *App) Collector() *stats.Collector {
	return a.collector
}

// Close releases clients opened by Build.
func (a *App) Close(ctx context.Context) error {
	// Stops the endpoint if Run never got to.
	if err := a.host.Stop(ctx); err != nil {
		a.logger.Warn("prometheus endpoint stop failed", zap.Error(err))
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.topic != nil {
		a.topic.Stop()
		a.topic = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.statsStore != nil {
		a.statsStore.Close()
		a.statsStore = nil
	}
}
