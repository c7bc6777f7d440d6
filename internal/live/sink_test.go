package live_test

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/goapprove/internal/live"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSink struct {
	calls int
	err   error
}

func (c *countingSink) NotifyPrincipal(context.Context, int64, models.LiveEvent) error {
	c.calls++
	return c.err
}

func (c *countingSink) NotifyDocument(context.Context, int64, models.LiveEvent) error {
	c.calls++
	return c.err
}

func TestBreakerSink(t *testing.T) {
	ctx := context.Background()
	next := &countingSink{err: errors.New("connection refused")}
	sink := live.NewBreakerSink("test", next, live.BreakerSettings{ConsecutiveFailures: 3, OpenTimeout: time.Hour}, logrus.New())

	for i := 0; i < 3; i++ {
		assert.Error(t, sink.NotifyPrincipal(ctx, 1, models.LiveEvent{}))
	}
	assert.Equal(t, gobreaker.StateOpen, sink.State())

	err := sink.NotifyDocument(ctx, 1, models.LiveEvent{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, next.calls, "open breaker must not call through")
}

func TestBreakerSink_PassesSuccess(t *testing.T) {
	next := &countingSink{}
	sink := live.NewBreakerSink("ok", next, live.BreakerSettings{}, logrus.New())
	require.NoError(t, sink.NotifyDocument(context.Background(), 4, models.LiveEvent{}))
	assert.Equal(t, gobreaker.StateClosed, sink.State())
	assert.Equal(t, 1, next.calls)
}

func TestFallbackSink(t *testing.T) {
	ctx := context.Background()
	local := &countingSink{}

	healthy := &countingSink{}
	require.NoError(t, live.FallbackSink{Primary: healthy, Fallback: local}.NotifyPrincipal(ctx, 1, models.LiveEvent{}))
	assert.Equal(t, 1, healthy.calls)
	assert.Equal(t, 0, local.calls)

	down := &countingSink{err: errors.New("redis down")}
	err := live.FallbackSink{Primary: down, Fallback: local}.NotifyDocument(ctx, 1, models.LiveEvent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.Equal(t, 1, local.calls)

	local.err = errors.New("hub closed")
	err = live.FallbackSink{Primary: down, Fallback: local}.NotifyDocument(ctx, 1, models.LiveEvent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.Contains(t, err.Error(), "hub closed")
}
