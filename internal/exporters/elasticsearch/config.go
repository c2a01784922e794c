// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package elasticsearch

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/platformbuilds/telegen-gateway/internal/config/configtls"
	"github.com/platformbuilds/telegen-gateway/internal/exporters"
)

// Config configures the "elasticsearch" exporter.
type Config struct {
	exporters.Options `yaml:",inline"`

	Endpoints []string          `yaml:"endpoints"`
	User      string            `yaml:"user"`
	Password  string            `yaml:"password"`
	APIKey    string            `yaml:"api_key"`
	Headers   map[string]string `yaml:"headers"`

	TracesIndex  string `yaml:"traces_index"`
	LogsIndex    string `yaml:"logs_index"`
	MetricsIndex string `yaml:"metrics_index"`
	// DynamicIndex prefixes and suffixes the index with the values of the
	// elasticsearch.index.prefix and elasticsearch.index.suffix attributes,
	// looked up on the resource first and then on the signal.
	DynamicIndex bool `yaml:"dynamic_index"`

	TLS configtls.ClientConfig `yaml:"tls"`
}

func defaultConfig() *Config {
	return &Config{
		Options:      exporters.DefaultOptions(),
		TracesIndex:  "traces-generic-default",
		LogsIndex:    "logs-generic-default",
		MetricsIndex: "metrics-generic-default",
	}
}

// Validate implements component.Config.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}
	for _, e := range c.Endpoints {
		u, err := url.Parse(e)
		if err != nil {
			return fmt.Errorf("invalid endpoint %q: %w", e, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid endpoint %q: scheme must be http or https", e)
		}
	}
	if c.APIKey != "" && c.User != "" {
		return errors.New("api_key and user are mutually exclusive")
	}
	if c.TracesIndex == "" || c.LogsIndex == "" || c.MetricsIndex == "" {
		return errors.New("index names must not be empty")
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return c.Options.Validate()
}
