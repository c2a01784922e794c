// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package kafka holds the franz-go client settings shared by the Kafka
// receiver and exporter, and the per-signal topic and encoding layout of
// OTLP payloads on Kafka.
package kafka

import (
	"errors"
	"fmt"

	"github.com/platformbuilds/telegen-gateway/internal/config/configtls"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
	"github.com/platformbuilds/telegen-gateway/internal/translate"
)

// ClientConfig configures the connection to the cluster.
type ClientConfig struct {
	// Brokers is a list of Kafka broker addresses
	Brokers []string `yaml:"brokers"`

	// ClientID is the client identifier sent to brokers
	ClientID string `yaml:"client_id"`

	// Authentication configuration
	Auth AuthConfig `yaml:"auth"`

	// TLS enables TLS when set
	TLS *configtls.ClientConfig `yaml:"tls"`
}

// AuthConfig configures SASL authentication
type AuthConfig struct {
	// Enabled enables SASL authentication
	Enabled bool `yaml:"enabled"`

	// Mechanism is the SASL mechanism: "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"
	Mechanism string `yaml:"mechanism"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultClientConfig returns the defaults for a local broker.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Brokers:  []string{"localhost:9092"},
		ClientID: "telegen-gateway",
	}
}

// Validate checks the client settings.
func (c ClientConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	if c.Auth.Enabled {
		if _, err := c.saslOpt(); err != nil {
			return err
		}
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("tls: %w", err)
		}
	}
	return nil
}

// SignalConfig is the topic and payload encoding of one signal type.
type SignalConfig struct {
	Topic    string             `yaml:"topic"`
	Encoding translate.Encoding `yaml:"encoding"`
}

// Topics maps every signal type to its topic.
type Topics struct {
	Traces  SignalConfig `yaml:"traces"`
	Metrics SignalConfig `yaml:"metrics"`
	Logs    SignalConfig `yaml:"logs"`
}

// DefaultTopics returns the conventional OTLP topic names.
func DefaultTopics() Topics {
	return Topics{
		Traces:  SignalConfig{Topic: "otlp_spans", Encoding: translate.EncodingProto},
		Metrics: SignalConfig{Topic: "otlp_metrics", Encoding: translate.EncodingProto},
		Logs:    SignalConfig{Topic: "otlp_logs", Encoding: translate.EncodingProto},
	}
}

// For returns the settings of signal type t.
func (t Topics) For(typ signal.Type) SignalConfig {
	switch typ {
	case signal.TypeTraces:
		return t.Traces
	case signal.TypeMetrics:
		return t.Metrics
	default:
		return t.Logs
	}
}

// Validate checks every signal has a topic and a known encoding.
func (t Topics) Validate() error {
	for _, typ := range []signal.Type{signal.TypeTraces, signal.TypeMetrics, signal.TypeLogs} {
		sc := t.For(typ)
		if sc.Topic == "" {
			return fmt.Errorf("%s: topic must not be empty", typ)
		}
		switch sc.Encoding {
		case translate.EncodingProto, translate.EncodingJSON:
		default:
			return fmt.Errorf("%s: unknown encoding %q", typ, sc.Encoding)
		}
	}
	return nil
}
