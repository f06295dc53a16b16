package crawler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-prometheus/internal/logging"
	"github.com/JakeFAU/crawl-prometheus/internal/stats"
)

// Stat keys written while crawling.
const (
	statRequestCount        = "downloader/request_count"
	statRequestMethodCount  = "downloader/request_method_count/"
	statResponseCount       = "downloader/response_count"
	statResponseStatusCount = "downloader/response_status_count/"
	statResponseBytes       = "downloader/response_bytes"
	statResponseMaxBytes    = "downloader/response_max_bytes"
	statResponseMinBytes    = "downloader/response_min_bytes"
	statExceptionCount      = "downloader/exception_count"
	statExceptionTypeCount  = "downloader/exception_type_count/"
	statRequestDepthMax     = "request_depth_max"
	statItemScrapedCount    = "item_scraped_count"
	statItemDroppedCount    = "item_dropped_count"
	statItemDroppedReasons  = "item_dropped_reasons_count/"
	statRobotsForbidden     = "robotstxt/forbidden"
	statRateLimitDelay      = "ratelimit/delay_seconds"
)

// Engine runs spiders one after another on fresh colly collectors.
type Engine struct {
	cfg       Config
	lifecycle Lifecycle
	stats     StatsRecorder
	pipeline  *Pipeline
	limiter   RateLimiter
	logger    *zap.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithRateLimiter paces every request through l before it is sent.
func WithRateLimiter(l RateLimiter) EngineOption {
	return func(e *Engine) { e.limiter = l }
}

// NewEngine creates an Engine.
func NewEngine(
	cfg Config,
	lifecycle Lifecycle,
	recorder StatsRecorder,
	pipeline *Pipeline,
	logger *zap.Logger,
	opts ...EngineOption,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:       cfg,
		lifecycle: lifecycle,
		stats:     recorder,
		pipeline:  pipeline,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run starts the engine, crawls every spider in order and stops the engine.
// Cancelling ctx closes the running spider with ReasonShutdown and skips the
// rest. The only error returned is a failure to start.
func (e *Engine) Run(ctx context.Context, spiders []Spider) error {
	if err := e.lifecycle.EngineStarted(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}
	defer e.lifecycle.EngineStopped(ctx)

	for _, spider := range spiders {
		if ctx.Err() != nil {
			e.logger.Info("shutdown requested, skipping spider", zap.String("spider", spider.Name))
			continue
		}
		e.runSpider(ctx, spider)
	}
	return nil
}

func (e *Engine) runSpider(ctx context.Context, spider Spider) {
	ref := spider.Ref()
	logger := logging.Spider(e.logger, spider.Name, spider.JobID)

	e.lifecycle.SpiderOpened(ref)
	logger.Info("spider opened", zap.Strings("start_urls", spider.StartURLs))

	collector, err := e.newCollector(ctx, spider, ref, logger)
	if err != nil {
		logger.Error("collector setup failed", zap.Error(err))
		e.lifecycle.SpiderClosed(ref, closeReason(ctx))
		return
	}

	for _, u := range spider.StartURLs {
		if err := collector.Visit(u); err != nil {
			e.visitFailed(logger, ref, u, err)
		}
	}
	collector.Wait()

	reason := closeReason(ctx)
	e.lifecycle.SpiderClosed(ref, reason)
	logger.Info("spider closed", zap.String("reason", reason))
}

func closeReason(ctx context.Context) string {
	if ctx.Err() != nil {
		return ReasonShutdown
	}
	return ReasonFinished
}

func (e *Engine) newCollector(
	ctx context.Context,
	spider Spider,
	ref *stats.Spider,
	logger *zap.Logger,
) (*colly.Collector, error) {
	opts := []colly.CollectorOption{
		colly.Async(true),
		colly.MaxDepth(e.cfg.MaxDepth),
		colly.StdlibContext(ctx),
	}
	if e.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(e.cfg.UserAgent))
	}
	if len(spider.AllowedDomains) > 0 {
		opts = append(opts, colly.AllowedDomains(spider.AllowedDomains...))
	}
	c := colly.NewCollector(opts...)
	// Error statuses still count as responses.
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !e.cfg.RespectRobots
	if e.cfg.RequestTimeout > 0 {
		c.SetRequestTimeout(e.cfg.RequestTimeout)
	}
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: e.cfg.Concurrency,
		Delay:       e.cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("set collector limits: %w", err)
	}

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		if e.limiter != nil {
			waited, err := e.limiter.Wait(ctx, r.URL.String())
			if err != nil {
				r.Abort()
				return
			}
			if waited > 0 {
				e.record(logger, e.stats.IncValue(statRateLimitDelay, waited.Seconds(), 0, ref, nil))
			}
		}
		e.record(logger, e.stats.IncValue(statRequestCount, 1, 0, ref, nil))
		e.record(logger, e.stats.IncValue(statRequestMethodCount+r.Method, 1, 0, ref, nil))
		e.record(logger, e.stats.MaxValue(statRequestDepthMax, r.Depth, ref, nil))
	})

	c.OnResponse(func(r *colly.Response) {
		size := len(r.Body)
		e.record(logger, e.stats.IncValue(statResponseCount, 1, 0, ref, nil))
		e.record(logger, e.stats.IncValue(statResponseStatusCount+strconv.Itoa(r.StatusCode), 1, 0, ref, nil))
		e.record(logger, e.stats.IncValue(statResponseBytes, size, 0, ref, nil))
		e.record(logger, e.stats.MaxValue(statResponseMaxBytes, size, ref, nil))
		e.record(logger, e.stats.MinValue(statResponseMinBytes, size, ref, nil))
		e.lifecycle.ResponseReceived(ref)
	})

	c.OnError(func(r *colly.Response, err error) {
		e.record(logger, e.stats.IncValue(statExceptionCount, 1, 0, ref, nil))
		e.record(logger, e.stats.IncValue(statExceptionTypeCount+exceptionType(err), 1, 0, ref, nil))
		fields := []zap.Field{zap.Error(err)}
		if r != nil && r.Request != nil {
			fields = append(fields, zap.String("url", r.Request.URL.String()))
		}
		logger.Warn("request failed", fields...)
	})

	if spider.ItemSelector != "" {
		c.OnHTML(spider.ItemSelector, func(el *colly.HTMLElement) {
			if el.Response.StatusCode >= 300 {
				return
			}
			e.handleItem(ctx, spider, ref, el.Request.URL.String(), extract(el, spider.Fields), logger)
		})
	}

	if spider.FollowLinks {
		c.OnHTML("a[href]", func(el *colly.HTMLElement) {
			link := el.Request.AbsoluteURL(el.Attr("href"))
			if link == "" {
				return
			}
			if err := el.Request.Visit(link); err != nil {
				e.visitFailed(logger, ref, link, err)
			}
		})
	}
	return c, nil
}

func (e *Engine) handleItem(
	ctx context.Context,
	spider Spider,
	ref *stats.Spider,
	pageURL string,
	item Item,
	logger *zap.Logger,
) {
	record, err := e.pipeline.Process(ctx, spider, pageURL, item)
	if err != nil {
		e.record(logger, e.stats.IncValue(statItemDroppedCount, 1, 0, ref, nil))
		e.record(logger, e.stats.IncValue(statItemDroppedReasons+dropReason(err), 1, 0, ref, nil))
		e.lifecycle.ItemDropped(ref, err)
		logger.Debug("item dropped", zap.String("url", pageURL), zap.Error(err))
		return
	}
	e.record(logger, e.stats.IncValue(statItemScrapedCount, 1, 0, ref, nil))
	e.lifecycle.ItemScraped(ref)
	logger.Debug("item scraped", zap.String("item_id", record.ID))
}

func (e *Engine) visitFailed(logger *zap.Logger, ref *stats.Spider, u string, err error) {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		e.record(logger, e.stats.IncValue(statRobotsForbidden, 1, 0, ref, nil))
		logger.Debug("forbidden by robots.txt", zap.String("url", u))
	case isExpectedVisitError(err):
	default:
		logger.Warn("url not visited", zap.String("url", u), zap.Error(err))
	}
}

func (e *Engine) record(logger *zap.Logger, err error) {
	if err != nil {
		logger.Warn("stat not recorded", zap.Error(err))
	}
}

func extract(el *colly.HTMLElement, fields map[string]string) Item {
	item := make(Item, len(fields))
	for name, selector := range fields {
		item[name] = strings.TrimSpace(el.ChildText(selector))
	}
	return item
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrDuplicateItem):
		return "duplicate"
	default:
		return "sink_error"
	}
}

// exceptionType names the innermost error type, e.g. "*net.OpError".
func exceptionType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

func isExpectedVisitError(err error) bool {
	var alreadyVisited *colly.AlreadyVisitedError
	return errors.As(err, &alreadyVisited) ||
		errors.Is(err, colly.ErrMaxDepth) ||
		errors.Is(err, colly.ErrForbiddenDomain) ||
		errors.Is(err, colly.ErrMissingURL)
}
