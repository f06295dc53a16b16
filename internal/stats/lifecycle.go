package stats

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Stat keys written by the lifecycle handlers.
const (
	KeySpiderOpened     = "spider_opened"
	KeySpiderClosed     = "spider_closed"
	KeyItemScraped      = "item_scraped"
	KeyItemDropped      = "item_dropped"
	KeyResponseReceived = "response_received"

	KeyStartTime      = "start_time"
	KeyFinishTime     = "finish_time"
	KeyFinishReason   = "finish_reason"
	KeyElapsedSeconds = "elapsed_time_seconds"
)

// State returns the current lifecycle state.
func (c *Collector) State() State {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.state
}

// EngineStarted starts the pull endpoint. Bind failures are returned.
func (c *Collector) EngineStarted(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.state != StateIdle {
		return nil
	}
	if err := c.host.Start(ctx); err != nil {
		return fmt.Errorf("start prometheus endpoint: %w", err)
	}
	c.state = StateServing
	return nil
}

// EngineStopped pushes the registry once and stops the endpoint. A failed
// push is logged and never stops the shutdown. Later calls do nothing.
func (c *Collector) EngineStopped(ctx context.Context) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.state == StatePushed || c.state == StateStopped {
		return
	}

	// An in-flight push is bounded by the push timeout, not by the caller.
	ctx = context.WithoutCancel(ctx)
	spider := c.currentSpider()

	c.saveSnapshot(ctx, spider)
	if c.cfg.Dump {
		c.logger.Info("dumping crawl stats", zap.Any("stats", c.GetStats()))
	}

	c.push(ctx, spider)
	c.state = StatePushed

	if err := c.host.Stop(ctx); err != nil {
		c.logger.Warn("prometheus endpoint stop failed", zap.Error(err))
	}
	c.state = StateStopped
}

func (c *Collector) push(ctx context.Context, spider *Spider) {
	fields := []zap.Field{}
	if spider != nil {
		fields = append(fields, zap.String("spider", spider.Name))
	}
	if c.pusher == nil {
		c.logger.Debug("no pushgateway configured, skipping push", fields...)
		return
	}
	if err := c.pusher.Push(ctx, c.host.Registry().Gatherer(), c.DefaultLabels()); err != nil {
		c.logger.Error("pushgateway push failed", append(fields, zap.Error(err))...)
		return
	}
	c.logger.Info("pushed metrics to pushgateway", fields...)
}

func (c *Collector) saveSnapshot(ctx context.Context, spider *Spider) {
	if c.store == nil {
		return
	}
	snap := Snapshot{
		Stats:      c.GetStats(),
		RecordedAt: c.clock.Now(),
	}
	if spider != nil {
		snap.Spider = spider.Name
		snap.JobID = spider.JobID
	}
	if err := c.store.SaveSnapshot(ctx, snap); err != nil {
		c.logger.Warn("stats snapshot not saved", zap.Error(err))
	}
}

func (c *Collector) currentSpider() *Spider {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spider
}

// SpiderOpened records the start time and counts the opening.
func (c *Collector) SpiderOpened(spider *Spider) {
	c.mu.Lock()
	c.spider = spider
	c.mu.Unlock()

	c.logIfErr(c.SetValue(KeyStartTime, c.clock.Now(), spider, nil), spider)
	c.countEvent(KeySpiderOpened, spider)
}

// SpiderClosed records why and when the spider finished and how long it ran.
func (c *Collector) SpiderClosed(spider *Spider, reason string) {
	now := c.clock.Now()
	c.logIfErr(c.SetValue(KeyFinishReason, reason, spider, nil), spider)
	c.logIfErr(c.SetValue(KeyFinishTime, now, spider, nil), spider)
	if started, ok := c.GetValue(KeyStartTime, nil).(time.Time); ok {
		c.logIfErr(c.SetValue(KeyElapsedSeconds, now.Sub(started).Seconds(), spider, nil), spider)
	}
	c.countEvent(KeySpiderClosed, spider)
}

// ItemScraped counts a scraped item.
func (c *Collector) ItemScraped(spider *Spider) {
	c.countEvent(KeyItemScraped, spider)
}

// ItemDropped counts a dropped item.
func (c *Collector) ItemDropped(spider *Spider, reason error) {
	if reason != nil {
		c.logger.Debug("item dropped", zap.Error(reason))
	}
	c.countEvent(KeyItemDropped, spider)
}

// ResponseReceived counts a downloaded response.
func (c *Collector) ResponseReceived(spider *Spider) {
	c.countEvent(KeyResponseReceived, spider)
}

func (c *Collector) countEvent(key string, spider *Spider) {
	if !c.cfg.DefaultMetrics {
		return
	}
	c.logIfErr(c.IncValue(key, 1, 0, spider, nil), spider)
}

func (c *Collector) logIfErr(err error, spider *Spider) {
	if err == nil {
		return
	}
	fields := []zap.Field{zap.Error(err)}
	if spider != nil {
		fields = append(fields, zap.String("spider", spider.Name))
	}
	c.logger.Warn("stat not recorded", fields...)
}
