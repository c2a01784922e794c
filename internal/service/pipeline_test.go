// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// countingAdmitter tracks admitted signals without limits.
type countingAdmitter struct {
	inflight atomic.Int64
}

func (a *countingAdmitter) Admit(n int) error { a.inflight.Add(int64(n)); return nil }
func (a *countingAdmitter) Release(n int)     { a.inflight.Add(-int64(n)) }

func TestRefusedBatchIsReleased(t *testing.T) {
	p := newPipeline(component.PipelineID{Signal: signal.TypeTraces}, 10, time.Second, zaptest.NewLogger(t), nil)
	adm := &countingAdmitter{}
	p.admitters = append(p.admitters, adm)
	// A stage that filters two signals and refuses the third.
	p.first = consumer.Func(func(_ context.Context, b signal.Batch) error {
		p.release(2)
		return consumer.Refused(b.Len()-2, component.ErrNotRunning)
	})

	require.NoError(t, p.Start(context.Background(), component.NopHost{}))
	require.NoError(t, p.Consume(context.Background(), spans("a", "b", "c")))
	require.Eventually(t, func() bool { return p.Undelivered() == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.Zero(t, adm.inflight.Load())
	assert.Equal(t, 1, p.Undelivered())
}

func TestRefusedWithoutCountReleasesWholeBatch(t *testing.T) {
	p := newPipeline(component.PipelineID{Signal: signal.TypeLogs}, 10, time.Second, zaptest.NewLogger(t), nil)
	adm := &countingAdmitter{}
	p.admitters = append(p.admitters, adm)
	p.first = consumer.Func(func(context.Context, signal.Batch) error { return component.ErrNotRunning })

	require.NoError(t, p.Start(context.Background(), component.NopHost{}))
	b := signal.NewBatch(signal.TypeLogs,
		signal.NewLog(nil, time.Now(), signal.Log{Body: "a"}),
		signal.NewLog(nil, time.Now(), signal.Log{Body: "b"}))
	require.NoError(t, p.Consume(context.Background(), b))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.Zero(t, adm.inflight.Load())
	assert.Equal(t, 1, p.Undelivered())
}
