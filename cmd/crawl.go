package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-prometheus/internal/app"
	"github.com/JakeFAU/crawl-prometheus/internal/config"
)

const closeTimeout = 10 * time.Second

// runner is the part of *app.App the crawl command drives.
type runner interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is a variable so tests can swap in a fake.
var newApp = func(ctx context.Context, cfg config.Config) (runner, error) {
	return app.Build(ctx, cfg)
}

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run every configured spider once",
		Long: `Runs the configured spiders one after another. The Prometheus endpoint
is up for the duration of the crawl; the Pushgateway receives the final
values once the last spider closes, or after SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) (err error) {
	cfg, err := configFrom(cmd.Context())
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
		defer cancel()
		if cerr := a.Close(ctx); cerr != nil && err == nil {
			err = fmt.Errorf("close application: %w", cerr)
		}
	}()

	if err := a.Run(cmd.Context()); err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}
	return nil
}
