// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpcheck implements the "httpcheck" receiver, which polls HTTP
// endpoints and reports their availability and latency as metrics.
package httpcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/config/configtls"
	"github.com/platformbuilds/telegen-gateway/internal/receiver"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

const (
	transport = "http"

	// StatusClassAttribute carries the response class (1xx to 5xx).
	StatusClassAttribute = "http.status_class"

	MetricStatus   = "httpcheck.status"
	MetricDuration = "httpcheck.duration"
	MetricError    = "httpcheck.error"
)

var statusClasses = []string{"1xx", "2xx", "3xx", "4xx", "5xx"}

// Target is one endpoint to check.
type Target struct {
	Endpoint string `yaml:"endpoint"`
	Method   string `yaml:"method"`
	// ExpectedStatus is the status counted as healthy. Zero accepts any 2xx.
	ExpectedStatus int `yaml:"expected_status"`
}

// Config configures the receiver.
type Config struct {
	receiver.ScraperConfig `yaml:",inline"`

	Targets []Target               `yaml:"targets"`
	TLS     configtls.ClientConfig `yaml:"tls"`
}

// Validate implements component.Config.
func (c *Config) Validate() error {
	if err := c.ScraperConfig.Validate(); err != nil {
		return err
	}
	if len(c.Targets) == 0 {
		return errors.New("at least one target is required")
	}
	for i, t := range c.Targets {
		u, err := url.Parse(t.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("targets[%d]: invalid endpoint %q", i, t.Endpoint)
		}
		if t.ExpectedStatus != 0 && (t.ExpectedStatus < 100 || t.ExpectedStatus > 599) {
			return fmt.Errorf("targets[%d]: invalid expected_status %d", i, t.ExpectedStatus)
		}
	}
	return c.TLS.Validate()
}

// NewFactory returns the factory for the "httpcheck" receiver.
func NewFactory() receiver.Factory {
	return receiver.NewFactory("httpcheck", component.SignalSet{signal.TypeMetrics},
		func() component.Config {
			cfg := receiver.DefaultScraperConfig()
			cfg.CollectionInterval = 30 * time.Second
			return &Config{ScraperConfig: cfg}
		},
		func(set receiver.Settings, cfg component.Config, next *receiver.Sinks) (receiver.Receiver, error) {
			return newChecker(set, cfg.(*Config), next)
		})
}

type checker struct {
	*receiver.Scraper
	client  *http.Client
	targets map[string]Target
}

func newChecker(set receiver.Settings, cfg *Config, next *receiver.Sinks) (*checker, error) {
	tlsCfg, err := cfg.TLS.Load()
	if err != nil {
		return nil, err
	}
	c := &checker{
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			// Redirects are reported as 3xx rather than followed.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		targets: make(map[string]Target, len(cfg.Targets)),
	}
	names := make([]string, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if t.Method == "" {
			t.Method = http.MethodGet
		}
		c.targets[t.Endpoint] = t
		names = append(names, t.Endpoint)
	}
	c.Scraper = receiver.NewScraper(set, cfg.ScraperConfig, transport, names, c.check, next)
	return c, nil
}

func (c *checker) check(ctx context.Context, endpoint string) (signal.Batch, error) {
	target := c.targets[endpoint]
	start := time.Now()
	res := signal.Attributes{string(semconv.URLFullKey): endpoint}

	status, err := c.do(ctx, target)
	elapsed := time.Since(start)

	sigs := []signal.Signal{point(res, start, MetricDuration, "ms", float64(elapsed.Milliseconds()), nil)}
	if err != nil {
		sigs = append(sigs, point(res, start, MetricError, "{error}", 1, signal.Attributes{
			string(semconv.ErrorTypeKey): err.Error(),
		}))
		return signal.NewBatch(signal.TypeMetrics, sigs...), err
	}

	class := fmt.Sprintf("%dxx", status/100)
	for _, sc := range statusClasses {
		v := 0.0
		if sc == class {
			v = 1
		}
		sigs = append(sigs, point(res, start, MetricStatus, "1", v, signal.Attributes{
			string(semconv.HTTPRequestMethodKey):      target.Method,
			string(semconv.HTTPResponseStatusCodeKey): int64(status),
			StatusClassAttribute:                      sc,
		}))
	}
	batch := signal.NewBatch(signal.TypeMetrics, sigs...)
	if !healthy(target, status) {
		return batch, fmt.Errorf("unexpected status code: %d", status)
	}
	return batch, nil
}

func (c *checker) do(ctx context.Context, target Target) (int, error) {
	req, err := http.NewRequestWithContext(ctx, target.Method, target.Endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func healthy(t Target, status int) bool {
	if t.ExpectedStatus != 0 {
		return status == t.ExpectedStatus
	}
	return status >= 200 && status < 300
}

func point(res signal.Attributes, ts time.Time, name, unit string, v float64, attrs signal.Attributes) signal.Signal {
	sig := signal.NewMetric(res.Clone(), ts, signal.Metric{
		Name: name, Unit: unit, Aggregation: signal.AggregationGauge, Value: v,
	})
	for k, val := range attrs {
		sig.Attributes[k] = val
	}
	return sig
}
