package live

import (
	"context"
	"time"

	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/service"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerSink fails fast while the wrapped sink keeps failing, so a dead fabric does not
// add its timeout to every transition.
type BreakerSink struct {
	next service.NotificationSink
	cb   *gobreaker.CircuitBreaker
}

type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func NewBreakerSink(name string, next service.NotificationSink, settings BreakerSettings, logger *logrus.Logger) *BreakerSink {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout == 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("Live sink %s circuit breaker %s -> %s", name, from, to)
		},
	})
	return &BreakerSink{next: next, cb: cb}
}

func (b *BreakerSink) NotifyPrincipal(ctx context.Context, principalID int64, ev models.LiveEvent) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.NotifyPrincipal(ctx, principalID, ev)
	})
	return err
}

func (b *BreakerSink) NotifyDocument(ctx context.Context, documentID int64, ev models.LiveEvent) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.NotifyDocument(ctx, documentID, ev)
	})
	return err
}

func (b *BreakerSink) State() gobreaker.State {
	return b.cb.State()
}
