// Package cmd defines the crawl-prometheus CLI.
//
// A run crawls every spider in the configuration once. While it runs, crawl
// stats are mirrored into a Prometheus registry served on
// prometheus.host:prometheus.port/prometheus.path; when the engine stops the
// registry is pushed to the Pushgateway, the endpoint is closed and the
// process exits. Scraped items go to the configured blob store (memory, local
// or GCS) and, when a topic is configured, are announced on Pub/Sub.
//
// Configuration comes from --config, or config.yaml in config.SearchPaths,
// overlaid with environment variables named after the keys
// (PROMETHEUS_PORT, PUSHGATEWAY, STATS_DSN, ...).
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-prometheus/internal/config"
)

type configKeyType string

const configKey configKeyType = "config"

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawl-prometheus",
		Short: "Crawl sites and export crawl stats to Prometheus",
		Long: `crawl-prometheus runs configured spiders and mirrors their crawl stats
into Prometheus metrics: scraped live on a pull endpoint while the crawl runs
and pushed to a Pushgateway once it finishes.`,
		SilenceUsage: true,

		// Runs before any subcommand; loads and validates the configuration.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

func configFrom(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
