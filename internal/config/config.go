// Package config loads and validates crawl-prometheus configuration via Viper.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	validLabelName  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	validMetricName = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Prometheus      PrometheusConfig  `mapstructure:"prometheus"`
	Pushgateway     PushgatewayConfig `mapstructure:"pushgateway"`
	DefaultRegistry string            `mapstructure:"default_registry"`
	Stats           StatsConfig       `mapstructure:"stats"`
	Crawler         CrawlerConfig     `mapstructure:"crawler"`
	Spiders         []SpiderConfig    `mapstructure:"spiders"`
	Storage         StorageConfig     `mapstructure:"storage"`
	PubSub          PubSubConfig      `mapstructure:"pubsub"`
	Logging         LoggingConfig     `mapstructure:"logging"`
}

// PrometheusConfig controls the pull endpoint and metric naming.
type PrometheusConfig struct {
	Port            int               `mapstructure:"port"`
	Host            string            `mapstructure:"host"`
	Path            string            `mapstructure:"path"`
	UpdateInterval  int               `mapstructure:"update_interval"`
	EndpointEnabled bool              `mapstructure:"endpoint_enabled"`
	DefaultLabels   map[string]string `mapstructure:"default_labels"`
	MetricPrefix    string            `mapstructure:"metric_prefix"`
	DefaultMetrics  bool              `mapstructure:"default_metrics"`
}

// PushgatewayConfig controls the end-of-run push.
type PushgatewayConfig struct {
	URL         string  `mapstructure:"url"`
	PushMethod  string  `mapstructure:"push_method"`
	// PushTimeout is in seconds and may be fractional.
	PushTimeout float64 `mapstructure:"push_timeout"`
	Job         string  `mapstructure:"job"`
}

// StatsConfig controls what happens to the stats dict when the engine stops.
type StatsConfig struct {
	Dump  bool   `mapstructure:"dump"`
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// CrawlerConfig governs the colly collector shared by every spider.
type CrawlerConfig struct {
	UserAgent             string  `mapstructure:"user_agent"`
	Concurrency           int     `mapstructure:"concurrency"`
	DelaySeconds          int     `mapstructure:"delay_seconds"`
	MaxDepth              int     `mapstructure:"max_depth"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout_seconds"`
	RespectRobots         bool    `mapstructure:"respect_robots"`
	RateLimitRPS          float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst        int     `mapstructure:"rate_limit_burst"`
	DropDuplicates        bool    `mapstructure:"drop_duplicates"`
}

// SpiderConfig describes one spider: where it starts and what an item is.
type SpiderConfig struct {
	Name           string            `mapstructure:"name"`
	JobID          string            `mapstructure:"job_id"`
	StartURLs      []string          `mapstructure:"start_urls"`
	AllowedDomains []string          `mapstructure:"allowed_domains"`
	ItemSelector   string            `mapstructure:"item_selector"`
	Fields         map[string]string `mapstructure:"fields"`
	RequiredFields []string          `mapstructure:"required_fields"`
	FollowLinks    bool              `mapstructure:"follow_links"`
}

// StorageConfig selects where scraped items are written.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for item notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SearchPaths are tried in order for config.yaml when Load gets no path.
var SearchPaths = []string{".", "/etc/crawl-prometheus/", "$HOME/.crawl-prometheus"}

// Load builds a Config from disk/environment. Environment variables use the
// key with dots replaced by underscores (PROMETHEUS_PORT, PUSHGATEWAY_JOB, ...).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		for _, dir := range SearchPaths {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		// Without an explicit path a missing file means defaults and env only.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if err := decodeDefaultLabels(v); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("prometheus.port", 9410)
	v.SetDefault("prometheus.host", "0.0.0.0")
	v.SetDefault("prometheus.path", "metrics")
	v.SetDefault("prometheus.update_interval", 30)
	v.SetDefault("prometheus.endpoint_enabled", true)
	v.SetDefault("prometheus.default_labels", map[string]string{})
	v.SetDefault("prometheus.metric_prefix", "scrapy_prometheus")
	v.SetDefault("prometheus.default_metrics", true)
	v.SetDefault("pushgateway.url", "127.0.0.1:9091")
	v.SetDefault("pushgateway.push_method", "POST")
	v.SetDefault("pushgateway.push_timeout", 5)
	v.SetDefault("pushgateway.job", "pushgateway_scrapy")
	v.SetDefault("default_registry", "scrapy_prometheus")
	v.SetDefault("stats.dump", true)
	v.SetDefault("stats.table", "crawl_stats")
	v.SetDefault("crawler.user_agent", "crawl-prometheus/1.0")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.delay_seconds", 0)
	v.SetDefault("crawler.max_depth", 1)
	v.SetDefault("crawler.request_timeout_seconds", 15)
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.rate_limit_rps", 0)
	v.SetDefault("crawler.rate_limit_burst", 1)
	v.SetDefault("crawler.drop_duplicates", true)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "items")
	v.SetDefault("logging.development", true)
}

// bindEnv maps keys whose environment name differs from the key.
func bindEnv(v *viper.Viper) error {
	if err := v.BindEnv("pushgateway.url", "PUSHGATEWAY", "PUSHGATEWAY_URL"); err != nil {
		return fmt.Errorf("bind pushgateway env: %w", err)
	}
	return nil
}

// decodeDefaultLabels accepts PROMETHEUS_DEFAULT_LABELS as a JSON object.
func decodeDefaultLabels(v *viper.Viper) error {
	raw, ok := v.Get("prometheus.default_labels").(string)
	if !ok {
		return nil
	}
	labels := map[string]string{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &labels); err != nil {
			return fmt.Errorf("prometheus.default_labels must be a JSON object: %w", err)
		}
	}
	v.Set("prometheus.default_labels", labels)
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Prometheus.EndpointEnabled && (c.Prometheus.Port <= 0 || c.Prometheus.Port > 65535) {
		return fmt.Errorf("prometheus.port must be between 1 and 65535")
	}
	if strings.Trim(c.Prometheus.Path, "/") == "" {
		return fmt.Errorf("prometheus.path must not be empty")
	}
	if c.Prometheus.MetricPrefix == "" {
		return fmt.Errorf("prometheus.metric_prefix must not be empty")
	}
	if !validMetricName.MatchString(c.Prometheus.MetricPrefix) {
		return fmt.Errorf("prometheus.metric_prefix %q is not a valid metric name", c.Prometheus.MetricPrefix)
	}
	for name := range c.Prometheus.DefaultLabels {
		if !validLabelName.MatchString(name) || strings.HasPrefix(name, "__") {
			return fmt.Errorf("prometheus.default_labels: invalid label name %q", name)
		}
	}
	if c.Pushgateway.PushTimeout <= 0 {
		return fmt.Errorf("pushgateway.push_timeout must be > 0")
	}
	if c.Pushgateway.Job == "" {
		return fmt.Errorf("pushgateway.job must not be empty")
	}
	if c.DefaultRegistry == "" {
		return fmt.Errorf("default_registry must not be empty")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.request_timeout_seconds must be > 0")
	}
	if c.Crawler.RateLimitRPS < 0 {
		return fmt.Errorf("crawler.rate_limit_rps must be >= 0")
	}
	for i, s := range c.Spiders {
		if s.Name == "" {
			return fmt.Errorf("spiders[%d].name must not be empty", i)
		}
		if len(s.StartURLs) == 0 {
			return fmt.Errorf("spiders[%d].start_urls must not be empty", i)
		}
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
	}
	if c.Storage.Backend == "local" && c.Storage.Local.BaseDir == "" {
		return fmt.Errorf("storage.local.base_dir must be set when storage.backend is local")
	}
	return nil
}

// PushTimeout converts the configured push timeout to a duration.
func (c Config) PushTimeout() time.Duration {
	return time.Duration(c.Pushgateway.PushTimeout * float64(time.Second))
}

// RequestTimeout converts the crawler request timeout to a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Crawler.RequestTimeoutSeconds) * time.Second
}

// UpdateInterval is parsed for compatibility; nothing refreshes on it.
func (c Config) UpdateInterval() time.Duration {
	return time.Duration(c.Prometheus.UpdateInterval) * time.Second
}
