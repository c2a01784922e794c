// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// ScraperConfig is shared by pull receivers.
type ScraperConfig struct {
	CollectionInterval time.Duration `yaml:"collection_interval"`
	Timeout            time.Duration `yaml:"timeout"`
	// UnhealthyAfter is the number of consecutive failed scrapes of a target
	// after which the receiver reports itself unhealthy. It keeps polling.
	UnhealthyAfter int `yaml:"unhealthy_after"`
	MaxConcurrent  int `yaml:"max_concurrent"`
}

// DefaultScraperConfig returns the pull defaults.
func DefaultScraperConfig() ScraperConfig {
	return ScraperConfig{
		CollectionInterval: 15 * time.Second,
		Timeout:            10 * time.Second,
		UnhealthyAfter:     3,
		MaxConcurrent:      10,
	}
}

// Validate checks the pull settings.
func (c ScraperConfig) Validate() error {
	if c.CollectionInterval <= 0 {
		return errors.New("collection_interval must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.UnhealthyAfter <= 0 {
		return errors.New("unhealthy_after must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return errors.New("max_concurrent must be positive")
	}
	return nil
}

// ScrapeFunc collects one target. It may return a non-empty batch together
// with an error, e.g. a health check that records the failure as a metric.
type ScrapeFunc func(ctx context.Context, target string) (signal.Batch, error)

// Scraper polls a fixed set of targets and delivers what they return.
type Scraper struct {
	set       Settings
	cfg       ScraperConfig
	transport string
	targets   []string
	scrape    ScrapeFunc
	next      *Sinks

	lc     component.Lifecycle
	host   component.Host
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	streak    map[string]int
	unhealthy map[string]error
	dropLog   rate.Sometimes
}

// NewScraper returns a Scraper over targets.
func NewScraper(set Settings, cfg ScraperConfig, transport string, targets []string, scrape ScrapeFunc, next *Sinks) *Scraper {
	return &Scraper{
		set:       set,
		cfg:       cfg,
		transport: transport,
		targets:   targets,
		scrape:    scrape,
		next:      next,
		streak:    make(map[string]int),
		unhealthy: make(map[string]error),
		dropLog:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Start scrapes every target once and then every collection interval.
func (s *Scraper) Start(_ context.Context, host component.Host) error {
	if err := s.lc.Start(); err != nil {
		return err
	}
	if host == nil {
		host = component.NopHost{}
	}
	s.host = host
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
	s.set.Logger.Info("started scraping",
		zap.Int("targets", len(s.targets)),
		zap.Duration("interval", s.cfg.CollectionInterval))
	return nil
}

// Shutdown stops polling and waits for in-flight scrapes.
func (s *Scraper) Shutdown(ctx context.Context) error {
	if !s.lc.Drain() {
		return nil
	}
	defer s.lc.Stop()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scraper %s: %w", s.set.ID, ctx.Err())
	}
}

func (s *Scraper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CollectionInterval)
	defer ticker.Stop()

	s.scrapeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scrapeAll(ctx)
		}
	}
}

func (s *Scraper) scrapeAll(ctx context.Context) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.MaxConcurrent)
	for _, target := range s.targets {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.scrapeTarget(ctx, target)
		}(target)
	}
	wg.Wait()
}

func (s *Scraper) scrapeTarget(ctx context.Context, target string) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	batch, err := s.scrape(sctx, target)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if derr := s.set.Deliver(ctx, s.next, s.transport, batch); derr != nil {
		s.dropLog.Do(func() {
			s.set.Logger.Warn("scraped data refused by pipeline",
				zap.String("target", target), zap.Error(derr))
		})
	}
	s.record(target, err)
}

// record tracks consecutive failures per target and reports health changes.
// Malformed payloads are counted as decode errors by the scrape function and
// leave the failure streak untouched.
func (s *Scraper) record(target string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if consumer.IsDecode(err) {
		// The target answered; only its payload was dropped.
		s.set.Logger.Debug("dropped malformed scrape", zap.String("target", target), zap.Error(err))
		return
	}
	if err != nil {
		if s.set.Telemetry != nil {
			s.set.Telemetry.ReceiverPullFailures.WithLabelValues(s.set.ID.String(), target).Inc()
		}
		s.streak[target]++
		n := s.streak[target]
		s.set.Logger.Debug("scrape failed", zap.String("target", target), zap.Int("consecutive", n), zap.Error(err))
		if n == s.cfg.UnhealthyAfter {
			uerr := fmt.Errorf("target %s failed %d consecutive scrapes: %w", target, n, err)
			s.unhealthy[target] = uerr
			s.set.Logger.Warn("target unhealthy", zap.String("target", target), zap.Error(err))
			s.host.ReportStatus(s.set.ID, uerr)
		}
		return
	}

	s.streak[target] = 0
	if _, ok := s.unhealthy[target]; !ok {
		return
	}
	delete(s.unhealthy, target)
	s.set.Logger.Info("target recovered", zap.String("target", target))
	var remaining error
	for _, e := range s.unhealthy {
		remaining = e
		break
	}
	s.host.ReportStatus(s.set.ID, remaining)
}
