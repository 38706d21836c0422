// Package warmup issues a bounded-concurrency GET to each unique target path
// before the scheduler begins plugin execution, priming upstream caches and
// framework build artifacts. Adapted from the engine's Colly-based fetcher:
// the collector, its rate limiting, and its atomic counters are kept, but
// outcomes are deliberately discarded (spec §4.6 — a failed warm-up GET must
// never fail the run).
package warmup

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/signaler/engine/models"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Timeout     time.Duration
}

func (c Config) Normalize() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

type Stats struct {
	Attempted int64
	Succeeded int64
	Failed    int64
}

// Run fires one GET per unique path across targets, bounded to
// min(4, workerCap) concurrent requests, ignoring outcomes per spec.
func Run(ctx context.Context, targets []models.Target, cfg Config, workerCap int) Stats {
	cfg = cfg.Normalize()
	concurrency := cfg.Concurrency
	if workerCap > 0 && workerCap < concurrency {
		concurrency = workerCap
	}

	paths := uniquePaths(targets)
	var stats Stats

	collector := colly.NewCollector()
	collector.SetRequestTimeout(cfg.Timeout)
	_ = collector.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: concurrency})

	collector.OnResponse(func(r *colly.Response) {
		atomic.AddInt64(&stats.Succeeded, 1)
	})
	collector.OnError(func(r *colly.Response, err error) {
		atomic.AddInt64(&stats.Failed, 1)
	})

	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
paths:
	for _, path := range paths {
		select {
		case <-ctx.Done():
			break paths
		default:
		}
		target, err := joinURL(cfg.BaseURL, path)
		if err != nil {
			continue
		}
		atomic.AddInt64(&stats.Attempted, 1)
		wg.Add(1)
		sem <- struct{}{}
		go func(u string) {
			defer wg.Done()
			defer func() { <-sem }()
			_ = collector.Visit(u)
		}(target)
	}
	wg.Wait()
	collector.Wait()

	return stats
}

func uniquePaths(targets []models.Target) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range targets {
		if seen[t.Path] {
			continue
		}
		seen[t.Path] = true
		out = append(out, t.Path)
	}
	return out
}

func joinURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
