// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package kafkareceiver

import (
	"errors"
	"fmt"
	"time"

	"github.com/platformbuilds/telegen-gateway/internal/kafka"
)

// Config holds the configuration for the Kafka receiver
type Config struct {
	kafka.ClientConfig `yaml:",inline"`
	kafka.Topics       `yaml:",inline"`

	// GroupID is the consumer group ID
	GroupID string `yaml:"group_id"`

	// InitialOffset is where a new group starts: "earliest" or "latest"
	InitialOffset string `yaml:"initial_offset"`

	SessionTimeout    time.Duration `yaml:"session_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RebalanceTimeout  time.Duration `yaml:"rebalance_timeout"`

	// GroupRebalanceStrategy: "range", "roundrobin", "sticky", "cooperative-sticky"
	GroupRebalanceStrategy string `yaml:"group_rebalance_strategy"`

	// UseLeaderEpoch should be disabled for brokers older than 2.1.0
	UseLeaderEpoch bool `yaml:"use_leader_epoch"`

	MessageMarking   MessageMarking         `yaml:"message_marking"`
	ErrorBackoff     ErrorBackoffConfig     `yaml:"error_backoff"`
	HeaderExtraction HeaderExtractionConfig `yaml:"header_extraction"`
}

// MessageMarking controls when offsets are committed.
type MessageMarking struct {
	// After commits offsets once records were handed to the pipelines.
	// When false, offsets are committed as soon as records are fetched.
	After bool `yaml:"after"`

	// OnError commits past a record whose delivery kept failing after the
	// error backoff gave up. When false the partition is rewound to it.
	OnError bool `yaml:"on_error"`
}

// ErrorBackoffConfig configures redelivery of records the pipelines refused.
type ErrorBackoffConfig struct {
	Enabled         bool          `yaml:"enabled"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	// MaxElapsedTime bounds the retries of one record. Zero retries until the
	// partition is revoked or the receiver stops.
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time"`
}

// HeaderExtractionConfig copies record headers into resource attributes.
type HeaderExtractionConfig struct {
	ExtractHeaders bool `yaml:"extract_headers"`
	// Headers to extract. Empty extracts all headers.
	Headers []string `yaml:"headers"`
}

func defaultConfig() *Config {
	return &Config{
		ClientConfig:           kafka.DefaultClientConfig(),
		Topics:                 kafka.DefaultTopics(),
		GroupID:                "telegen-gateway",
		InitialOffset:          "latest",
		SessionTimeout:         30 * time.Second,
		HeartbeatInterval:      10 * time.Second,
		RebalanceTimeout:       2 * time.Minute,
		GroupRebalanceStrategy: "cooperative-sticky",
		UseLeaderEpoch:         true,
		MessageMarking:         MessageMarking{After: true},
		ErrorBackoff: ErrorBackoffConfig{
			Enabled:         true,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      1.5,
			MaxElapsedTime:  time.Minute,
		},
	}
}

// Validate implements component.Config.
func (c *Config) Validate() error {
	if err := c.ClientConfig.Validate(); err != nil {
		return err
	}
	if err := c.Topics.Validate(); err != nil {
		return err
	}
	if c.GroupID == "" {
		return errors.New("group_id must not be empty")
	}
	switch c.InitialOffset {
	case "earliest", "latest":
	default:
		return fmt.Errorf("initial_offset must be earliest or latest, got %q", c.InitialOffset)
	}
	switch c.GroupRebalanceStrategy {
	case "", "range", "roundrobin", "sticky", "cooperative-sticky":
	default:
		return fmt.Errorf("unknown group_rebalance_strategy %q", c.GroupRebalanceStrategy)
	}
	if c.SessionTimeout <= 0 || c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.SessionTimeout {
		return errors.New("heartbeat_interval must be positive and below session_timeout")
	}
	if b := c.ErrorBackoff; b.Enabled {
		if b.InitialInterval <= 0 || b.MaxInterval < b.InitialInterval {
			return errors.New("error_backoff: initial_interval must be positive and not above max_interval")
		}
		if b.Multiplier < 1 {
			return errors.New("error_backoff: multiplier must be at least 1")
		}
	}
	seen := make(map[string]bool, 3)
	for _, topic := range []string{c.Topics.Traces.Topic, c.Topics.Metrics.Topic, c.Topics.Logs.Topic} {
		if seen[topic] {
			return fmt.Errorf("topic %q is used for more than one signal type", topic)
		}
		seen[topic] = true
	}
	return nil
}
