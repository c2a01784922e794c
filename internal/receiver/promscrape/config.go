// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package promscrape

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/platformbuilds/telegen-gateway/internal/config/configtls"
	"github.com/platformbuilds/telegen-gateway/internal/receiver"
)

// Auth holds authentication configuration.
type Auth struct {
	// Type is the auth type: "none", "basic", "bearer".
	Type string `yaml:"type"`

	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	BearerToken string `yaml:"bearer_token"`
}

// Target is one scrape endpoint.
type Target struct {
	// Name identifies the target and becomes service.name.
	Name string `yaml:"name"`
	// Endpoint is the full URL of the exposition, e.g. http://backend:8080/metrics.
	Endpoint string `yaml:"endpoint"`
	// Labels are added to every scraped point.
	Labels map[string]string `yaml:"labels"`
	Auth   *Auth             `yaml:"auth"`
}

// Config configures the "prometheus" receiver.
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
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("targets[%d]: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("targets[%d]: duplicate target name %q", i, t.Name)
		}
		seen[t.Name] = true
		u, err := url.Parse(t.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("targets[%d]: invalid endpoint %q", i, t.Endpoint)
		}
		if t.Auth != nil {
			switch t.Auth.Type {
			case "", "none", "basic", "bearer":
			default:
				return fmt.Errorf("targets[%d]: unknown auth type %q", i, t.Auth.Type)
			}
		}
	}
	return c.TLS.Validate()
}
