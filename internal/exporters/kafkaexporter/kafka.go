// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package kafkaexporter implements the "kafka" exporter, which publishes OTLP encoded
// batches to one topic per signal type.
package kafkaexporter

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/exporters"
	"github.com/platformbuilds/telegen-gateway/internal/kafka"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
	"github.com/platformbuilds/telegen-gateway/internal/translate"
)

// Producer settings.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionSnappy = "snappy"
	CompressionLz4    = "lz4"
	CompressionZstd   = "zstd"
)

// ProducerConfig tunes the franz-go producer.
type ProducerConfig struct {
	// MaxMessageBytes bounds the size of one record batch.
	MaxMessageBytes int32 `yaml:"max_message_bytes"`
	// RequiredAcks is -1 (all in-sync replicas), 0 or 1.
	RequiredAcks int    `yaml:"required_acks"`
	Compression  string `yaml:"compression"`
}

// Config configures the exporter.
type Config struct {
	exporters.Options  `yaml:",inline"`
	kafka.ClientConfig `yaml:",inline"`
	kafka.Topics       `yaml:",inline"`

	Producer ProducerConfig `yaml:"producer"`
	// PartitionTracesByID publishes one record per trace keyed by trace ID,
	// so spans of a trace land on the same partition.
	PartitionTracesByID bool `yaml:"partition_traces_by_id"`
}

// Validate implements component.Config.
func (c *Config) Validate() error {
	if err := c.ClientConfig.Validate(); err != nil {
		return err
	}
	if err := c.Topics.Validate(); err != nil {
		return err
	}
	switch c.Producer.RequiredAcks {
	case -1, 0, 1:
	default:
		return fmt.Errorf("producer::required_acks must be -1, 0 or 1, got %d", c.Producer.RequiredAcks)
	}
	switch c.Producer.Compression {
	case CompressionNone, CompressionGzip, CompressionSnappy, CompressionLz4, CompressionZstd:
	default:
		return fmt.Errorf("producer::compression: unknown codec %q", c.Producer.Compression)
	}
	if c.Producer.MaxMessageBytes <= 0 {
		return errors.New("producer::max_message_bytes must be positive")
	}
	return c.Options.Validate()
}

// NewFactory returns the factory for the "kafka" exporter.
func NewFactory() exporters.Factory {
	return exporters.NewFactory("kafka",
		component.SignalSet{signal.TypeTraces, signal.TypeMetrics, signal.TypeLogs},
		func() component.Config {
			return &Config{
				Options:      exporters.DefaultOptions(),
				ClientConfig: kafka.DefaultClientConfig(),
				Topics:       kafka.DefaultTopics(),
				Producer: ProducerConfig{
					MaxMessageBytes: 1000000,
					RequiredAcks:    -1,
					Compression:     CompressionNone,
				},
			}
		},
		func(set exporters.Settings, cfg component.Config) (exporters.Sender, error) {
			return &sender{cfg: cfg.(*Config), log: set.Logger}, nil
		})
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type sender struct {
	cfg    *Config
	log    *zap.Logger
	client producer
}

func (s *sender) Start(_ context.Context) error {
	if s.client != nil {
		return nil
	}
	opts, err := s.cfg.ClientConfig.Options(s.log)
	if err != nil {
		return err
	}
	opts = append(opts,
		kgo.ProducerBatchMaxBytes(s.cfg.Producer.MaxMessageBytes),
		kgo.ProducerBatchCompression(codec(s.cfg.Producer.Compression)),
	)
	switch s.cfg.Producer.RequiredAcks {
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("failed to create kafka client: %w", err)
	}
	s.client = client
	return nil
}

func (s *sender) Close(_ context.Context) error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

func codec(name string) kgo.CompressionCodec {
	switch name {
	case CompressionGzip:
		return kgo.GzipCompression()
	case CompressionSnappy:
		return kgo.SnappyCompression()
	case CompressionLz4:
		return kgo.Lz4Compression()
	case CompressionZstd:
		return kgo.ZstdCompression()
	default:
		return kgo.NoCompression()
	}
}

// Send publishes batch and waits for the broker acknowledgement.
func (s *sender) Send(ctx context.Context, batch signal.Batch) error {
	if s.client == nil {
		return errors.New("kafka exporter not started")
	}
	records, err := s.records(batch)
	if err != nil {
		return consumer.Permanent(err)
	}
	if err := s.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *sender) records(batch signal.Batch) ([]*kgo.Record, error) {
	sc := s.cfg.Topics.For(batch.Type)
	groups := []signal.Batch{batch}
	var keys [][]byte
	if s.cfg.PartitionTracesByID && batch.Type == signal.TypeTraces {
		groups, keys = byTraceID(batch)
	}
	records := make([]*kgo.Record, 0, len(groups))
	for i, g := range groups {
		value, err := translate.Marshal(g, sc.Encoding)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", batch.Type, err)
		}
		r := &kgo.Record{Topic: sc.Topic, Value: value}
		if keys != nil {
			r.Key = keys[i]
		}
		records = append(records, r)
	}
	return records, nil
}

// byTraceID splits a trace batch per trace, in order of first appearance.
func byTraceID(batch signal.Batch) ([]signal.Batch, [][]byte) {
	index := make(map[signal.TraceID]int)
	var groups []signal.Batch
	var keys [][]byte
	for _, sig := range batch.Signals {
		id := sig.Span.TraceID
		i, ok := index[id]
		if !ok {
			i = len(groups)
			index[id] = i
			groups = append(groups, signal.NewBatch(signal.TypeTraces))
			keys = append(keys, []byte(id.String()))
		}
		groups[i].Signals = append(groups[i].Signals, sig)
	}
	return groups, keys
}

// classify marks broker errors that cannot succeed on retry as permanent.
func classify(err error) error {
	var kerrErr *kerr.Error
	if errors.As(err, &kerrErr) && !kerrErr.Retriable {
		return consumer.Permanent(err)
	}
	return err
}
