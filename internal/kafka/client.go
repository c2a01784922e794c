// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package kafka

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"go.uber.org/zap"
)

// Options returns the franz-go options shared by producers and consumers.
// Broker connection events are logged through log.
func (c ClientConfig) Options(log *zap.Logger) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.WithHooks(&brokerHooks{log: log}),
	}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	if c.TLS != nil {
		tlsCfg, err := c.TLS.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		if tlsCfg != nil {
			opts = append(opts, kgo.DialTLSConfig(tlsCfg))
		}
	}
	if c.Auth.Enabled {
		saslOpt, err := c.saslOpt()
		if err != nil {
			return nil, fmt.Errorf("failed to configure SASL: %w", err)
		}
		opts = append(opts, saslOpt)
	}
	return opts, nil
}

func (c ClientConfig) saslOpt() (kgo.Opt, error) {
	switch c.Auth.Mechanism {
	case "PLAIN":
		return kgo.SASL(plain.Auth{User: c.Auth.Username, Pass: c.Auth.Password}.AsMechanism()), nil
	case "SCRAM-SHA-256":
		return kgo.SASL(scram.Auth{User: c.Auth.Username, Pass: c.Auth.Password}.AsSha256Mechanism()), nil
	case "SCRAM-SHA-512":
		return kgo.SASL(scram.Auth{User: c.Auth.Username, Pass: c.Auth.Password}.AsSha512Mechanism()), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s (supported: PLAIN, SCRAM-SHA-256, SCRAM-SHA-512)", c.Auth.Mechanism)
	}
}

type brokerHooks struct {
	log *zap.Logger
}

var (
	_ kgo.HookBrokerConnect    = (*brokerHooks)(nil)
	_ kgo.HookBrokerDisconnect = (*brokerHooks)(nil)
	_ kgo.HookBrokerThrottle   = (*brokerHooks)(nil)
)

func brokerName(meta kgo.BrokerMetadata) string {
	return net.JoinHostPort(meta.Host, strconv.Itoa(int(meta.Port)))
}

func (h *brokerHooks) OnBrokerConnect(meta kgo.BrokerMetadata, _ time.Duration, _ net.Conn, err error) {
	if err != nil {
		h.log.Warn("kafka broker connect failed", zap.String("broker", brokerName(meta)), zap.Error(err))
		return
	}
	h.log.Debug("kafka broker connected", zap.String("broker", brokerName(meta)))
}

func (h *brokerHooks) OnBrokerDisconnect(meta kgo.BrokerMetadata, _ net.Conn) {
	h.log.Debug("kafka broker disconnected", zap.String("broker", brokerName(meta)))
}

func (h *brokerHooks) OnBrokerThrottle(meta kgo.BrokerMetadata, throttleInterval time.Duration, _ bool) {
	h.log.Warn("broker throttling client",
		zap.String("broker", brokerName(meta)),
		zap.Duration("duration", throttleInterval))
}
