package crawler

import (
	"fmt"
	"time"
)

// Config governs the colly collector built for each spider.
type Config struct {
	UserAgent      string
	Concurrency    int
	Delay          time.Duration
	MaxDepth       int
	RequestTimeout time.Duration
	RespectRobots  bool
}

// Validate checks for obviously bad values.
func (c Config) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("crawler concurrency must be > 0")
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("crawler max depth must be >= 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("crawler request timeout must be > 0")
	}
	if c.Delay < 0 {
		return fmt.Errorf("crawler delay must be >= 0")
	}
	return nil
}
