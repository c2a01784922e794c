// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package kafkareceiver implements the "kafka" receiver: a consumer group
// reading OTLP-encoded records, one topic per signal type, with offsets
// committed only after the records were handed to the pipelines.
package kafkareceiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/receiver"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
	"github.com/platformbuilds/telegen-gateway/internal/translate"
)

const (
	transport = "kafka"

	// HeaderAttributePrefix prefixes resource attributes copied from record
	// headers.
	HeaderAttributePrefix = "kafka.header."

	commitTimeout = 10 * time.Second
)

var (
	errPartitionLost    = errors.New("partition lost")
	errPartitionRevoked = errors.New("partition revoked")

	noOffset = kgo.EpochOffset{Epoch: -1, Offset: -1}
)

// NewFactory returns the factory for the "kafka" receiver.
func NewFactory() receiver.Factory {
	return receiver.NewFactory("kafka",
		component.SignalSet{signal.TypeTraces, signal.TypeMetrics, signal.TypeLogs},
		func() component.Config { return defaultConfig() },
		func(set receiver.Settings, cfg component.Config, next *receiver.Sinks) (receiver.Receiver, error) {
			return newReceiver(set, cfg.(*Config), next), nil
		})
}

// groupClient is the part of *kgo.Client the receiver uses.
type groupClient interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitOffsetsSync(ctx context.Context, uncommitted map[string]map[int32]kgo.EpochOffset,
		onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error))
	SetOffsets(setOffsets map[string]map[int32]kgo.EpochOffset)
	Close()
}

type topicPartition struct {
	topic     string
	partition int32
}

// partitionState tracks one assigned partition and its in-flight work.
type partitionState struct {
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelCauseFunc
	mu      sync.RWMutex
	wg      sync.WaitGroup
	backoff *backoff.ExponentialBackOff
}

// acquire registers in-flight work unless the partition is going away.
func (pc *partitionState) acquire() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	if pc.ctx.Err() != nil {
		return false
	}
	pc.wg.Add(1)
	return true
}

func (pc *partitionState) release(cause error) {
	pc.mu.Lock()
	pc.cancel(cause)
	pc.mu.Unlock()
	pc.wg.Wait()
}

type kafkaReceiver struct {
	set  receiver.Settings
	cfg  *Config
	next *receiver.Sinks
	// topics maps every subscribed topic to its signal type.
	topics map[string]signal.Type

	newClient func(opts ...kgo.Opt) (groupClient, error)
	client    groupClient

	lc      component.Lifecycle
	runCtx  context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	skipLog rate.Sometimes

	mu          sync.Mutex
	assignments map[topicPartition]*partitionState
}

func newReceiver(set receiver.Settings, cfg *Config, next *receiver.Sinks) *kafkaReceiver {
	r := &kafkaReceiver{
		set:         set,
		cfg:         cfg,
		next:        next,
		topics:      make(map[string]signal.Type),
		assignments: make(map[topicPartition]*partitionState),
		skipLog:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
		newClient: func(opts ...kgo.Opt) (groupClient, error) {
			cl, err := kgo.NewClient(opts...)
			if err != nil {
				return nil, err
			}
			return cl, nil
		},
	}
	for _, t := range []signal.Type{signal.TypeTraces, signal.TypeMetrics, signal.TypeLogs} {
		if next.Has(t) {
			r.topics[cfg.Topics.For(t).Topic] = t
		}
	}
	r.runCtx, r.stop = context.WithCancel(context.Background())
	return r
}

func (r *kafkaReceiver) subscribed() []string {
	out := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		out = append(out, topic)
	}
	return out
}

// Start joins the consumer group and starts the poll loop. It does not wait
// for the brokers: the client keeps reconnecting in the background.
func (r *kafkaReceiver) Start(_ context.Context, _ component.Host) error {
	if err := r.lc.Start(); err != nil {
		return err
	}
	topics := r.subscribed()
	if len(topics) == 0 {
		return errors.New("no pipeline consumes from the kafka receiver")
	}
	opts, err := r.cfg.ClientConfig.Options(r.set.Logger)
	if err != nil {
		return err
	}
	opts = append(opts,
		kgo.ConsumerGroup(r.cfg.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.SessionTimeout(r.cfg.SessionTimeout),
		kgo.HeartbeatInterval(r.cfg.HeartbeatInterval),
		kgo.RebalanceTimeout(r.cfg.RebalanceTimeout),
		kgo.Balancers(r.groupBalancer()),
		kgo.OnPartitionsAssigned(r.onPartitionsAssigned),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, m map[string][]int32) {
			r.onPartitionsLost(ctx, cl, m, errPartitionRevoked)
		}),
		kgo.OnPartitionsLost(func(ctx context.Context, cl *kgo.Client, m map[string][]int32) {
			r.onPartitionsLost(ctx, cl, m, errPartitionLost)
		}),
		kgo.DisableAutoCommit(),
	)
	if !r.cfg.UseLeaderEpoch {
		opts = append(opts, kgo.AdjustFetchOffsetsFn(clearLeaderEpoch))
	}
	if r.cfg.InitialOffset == "earliest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := r.newClient(opts...)
	if err != nil {
		return fmt.Errorf("failed to create kafka client: %w", err)
	}
	r.client = client
	r.set.Logger.Info("kafka receiver started",
		zap.Strings("brokers", r.cfg.Brokers),
		zap.String("group_id", r.cfg.GroupID),
		zap.Strings("topics", topics))

	r.wg.Add(1)
	go r.consumeLoop(r.runCtx)
	return nil
}

// Shutdown stops polling, waits for in-flight records and leaves the group.
func (r *kafkaReceiver) Shutdown(ctx context.Context) error {
	if !r.lc.Drain() {
		return nil
	}
	defer r.lc.Stop()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		if r.client != nil {
			r.client.Close()
		}
		close(done)
	}()
	select {
	case <-done:
		r.set.Logger.Info("kafka receiver stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

func (r *kafkaReceiver) groupBalancer() kgo.GroupBalancer {
	switch r.cfg.GroupRebalanceStrategy {
	case "range":
		return kgo.RangeBalancer()
	case "roundrobin":
		return kgo.RoundRobinBalancer()
	case "sticky":
		return kgo.StickyBalancer()
	default:
		return kgo.CooperativeStickyBalancer()
	}
}

func (r *kafkaReceiver) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.ErrorBackoff.InitialInterval
	b.MaxInterval = r.cfg.ErrorBackoff.MaxInterval
	b.Multiplier = r.cfg.ErrorBackoff.Multiplier
	b.MaxElapsedTime = r.cfg.ErrorBackoff.MaxElapsedTime
	return b
}

func (r *kafkaReceiver) onPartitionsAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, partitions := range assigned {
		for _, partition := range partitions {
			tp := topicPartition{topic: topic, partition: partition}
			if _, ok := r.assignments[tp]; ok {
				continue
			}
			pctx, cancel := context.WithCancelCause(r.runCtx)
			r.assignments[tp] = &partitionState{
				log:     r.set.Logger.With(zap.String("topic", topic), zap.Int32("partition", partition)),
				ctx:     pctx,
				cancel:  cancel,
				backoff: r.newBackOff(),
			}
			r.set.Logger.Info("partition assigned", zap.String("topic", topic), zap.Int32("partition", partition))
		}
	}
}

func (r *kafkaReceiver) onPartitionsLost(_ context.Context, _ *kgo.Client, lost map[string][]int32, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, partitions := range lost {
		for _, partition := range partitions {
			tp := topicPartition{topic: topic, partition: partition}
			pc, ok := r.assignments[tp]
			if !ok {
				continue
			}
			pc.release(cause)
			delete(r.assignments, tp)
			r.set.Logger.Info("partition removed", zap.String("topic", topic),
				zap.Int32("partition", partition), zap.NamedError("reason", cause))
		}
	}
}

func (r *kafkaReceiver) snapshot() map[topicPartition]*partitionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[topicPartition]*partitionState, len(r.assignments))
	for tp, pc := range r.assignments {
		out[tp] = pc
	}
	return out
}

func (r *kafkaReceiver) consumeLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		fetches := r.client.PollRecords(ctx, 0)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			r.set.Logger.Error("kafka fetch error",
				zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
		})
		r.processFetches(fetches)
	}
}

// processFetches delivers one poll, partitions in parallel, then commits the
// delivered offsets and rewinds partitions whose records must be refetched.
func (r *kafkaReceiver) processFetches(fetches kgo.Fetches) {
	assignments := r.snapshot()
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		commits = make(map[string]map[int32]kgo.EpochOffset)
		rewinds = make(map[string]map[int32]kgo.EpochOffset)
	)
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if len(p.Records) == 0 {
			return
		}
		pc, ok := assignments[topicPartition{topic: p.Topic, partition: p.Partition}]
		if !ok {
			r.set.Logger.Warn("received records for unassigned partition",
				zap.String("topic", p.Topic), zap.Int32("partition", p.Partition))
			return
		}
		if !pc.acquire() {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer pc.wg.Done()
			commit, rewind := r.processPartition(pc, p)
			mu.Lock()
			defer mu.Unlock()
			if commit.Offset >= 0 {
				putOffset(commits, p.Topic, p.Partition, commit)
			}
			if rewind.Offset >= 0 {
				putOffset(rewinds, p.Topic, p.Partition, rewind)
			}
		}()
	})
	wg.Wait()

	if len(rewinds) > 0 {
		r.client.SetOffsets(rewinds)
	}
	if len(commits) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
		defer cancel()
		r.client.CommitOffsetsSync(ctx, commits, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
			if err != nil {
				r.set.Logger.Error("failed to commit offsets", zap.Error(err))
			}
		})
	}
}

func putOffset(m map[string]map[int32]kgo.EpochOffset, topic string, partition int32, off kgo.EpochOffset) {
	if m[topic] == nil {
		m[topic] = make(map[int32]kgo.EpochOffset)
	}
	m[topic][partition] = off
}

// processPartition delivers the records of one partition in order. It
// returns the offset to commit and, if delivery stopped on a record that
// must be redelivered, the offset to rewind to.
func (r *kafkaReceiver) processPartition(pc *partitionState, p kgo.FetchTopicPartition) (commit, rewind kgo.EpochOffset) {
	commit = noOffset
	if !r.cfg.MessageMarking.After {
		last := p.Records[len(p.Records)-1]
		commit = kgo.EpochOffset{Epoch: last.LeaderEpoch, Offset: last.Offset + 1}
	}
	for _, rec := range p.Records {
		err := r.processRecord(pc, rec)
		switch {
		case err == nil:
		case pc.ctx.Err() != nil:
			// The next owner of the partition resumes from the last commit.
			return commit, noOffset
		case consumer.IsDecode(err) || consumer.IsPermanent(err):
			r.skipLog.Do(func() {
				pc.log.Warn("skipping record", zap.Int64("offset", rec.Offset), zap.Error(err))
			})
		case r.cfg.MessageMarking.OnError:
			pc.log.Error("dropping record after delivery failures", zap.Int64("offset", rec.Offset), zap.Error(err))
		default:
			pc.log.Warn("rewinding partition after delivery failures", zap.Int64("offset", rec.Offset), zap.Error(err))
			return commit, kgo.EpochOffset{Epoch: -1, Offset: rec.Offset}
		}
		if r.cfg.MessageMarking.After {
			commit = kgo.EpochOffset{Epoch: rec.LeaderEpoch, Offset: rec.Offset + 1}
		}
	}
	return commit, noOffset
}

// processRecord decodes rec and hands it to the pipelines, retrying refused
// deliveries with the partition's backoff.
func (r *kafkaReceiver) processRecord(pc *partitionState, rec *kgo.Record) error {
	batch, err := r.decode(rec)
	if err != nil {
		return err
	}
	deliver := func() error {
		err := r.set.Deliver(pc.ctx, r.next, transport, batch.Clone())
		if consumer.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if !r.cfg.ErrorBackoff.Enabled {
		return deliver()
	}
	return backoff.RetryNotify(deliver, backoff.WithContext(pc.backoff, pc.ctx), func(err error, d time.Duration) {
		pc.log.Debug("delivery refused, retrying", zap.Int64("offset", rec.Offset), zap.Duration("backoff", d), zap.Error(err))
	})
}

func (r *kafkaReceiver) decode(rec *kgo.Record) (signal.Batch, error) {
	t, ok := r.topics[rec.Topic]
	if !ok {
		return signal.Batch{}, r.set.DecodeFailed(transport, fmt.Errorf("unexpected topic %q", rec.Topic))
	}
	batch, _, err := translate.Unmarshal(t, rec.Value, r.cfg.Topics.For(t).Encoding)
	if err != nil {
		return batch, r.set.DecodeFailed(transport,
			fmt.Errorf("topic %s partition %d offset %d: %w", rec.Topic, rec.Partition, rec.Offset, err))
	}
	batch = r.set.DropInvalid(transport, batch)
	if r.cfg.HeaderExtraction.ExtractHeaders {
		r.extractHeaders(batch, rec.Headers)
	}
	return batch, nil
}

func (r *kafkaReceiver) extractHeaders(batch signal.Batch, headers []kgo.RecordHeader) {
	if len(headers) == 0 {
		return
	}
	var wanted map[string]struct{}
	if len(r.cfg.HeaderExtraction.Headers) > 0 {
		wanted = make(map[string]struct{}, len(r.cfg.HeaderExtraction.Headers))
		for _, h := range r.cfg.HeaderExtraction.Headers {
			wanted[h] = struct{}{}
		}
	}
	for i := range batch.Signals {
		s := &batch.Signals[i]
		if s.Resource == nil {
			s.Resource = signal.Attributes{}
		}
		for _, h := range headers {
			if _, ok := wanted[h.Key]; ok || wanted == nil {
				s.Resource[HeaderAttributePrefix+h.Key] = string(h.Value)
			}
		}
	}
}

// clearLeaderEpoch drops leader epochs for brokers older than 2.1.0.
func clearLeaderEpoch(_ context.Context, topics map[string]map[int32]kgo.Offset) (map[string]map[int32]kgo.Offset, error) {
	for _, partitions := range topics {
		for p, off := range partitions {
			partitions[p] = off.WithEpoch(-1)
		}
	}
	return topics, nil
}
