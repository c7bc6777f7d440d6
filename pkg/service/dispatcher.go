package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/goapprove/internal/metrics"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/pkg/errors"
)

// NotificationSink is the live-transport capability handed to the engine.
// NotifyPrincipal addresses one principal's channel, NotifyDocument every observer of a document.
type NotificationSink interface {
	NotifyPrincipal(ctx context.Context, principalID int64, event models.LiveEvent) error
	NotifyDocument(ctx context.Context, documentID int64, event models.LiveEvent) error
}

// ErrNoLiveTransport is returned by NopSink. Notifications pushed to it stay pending for Redeliver.
var ErrNoLiveTransport = errors.New("no live transport configured")

// NopSink is the sink of processes without a live transport, such as one-shot CLI commands.
type NopSink struct{}

func (NopSink) NotifyPrincipal(context.Context, int64, models.LiveEvent) error { return ErrNoLiveTransport }
func (NopSink) NotifyDocument(context.Context, int64, models.LiveEvent) error { return ErrNoLiveTransport }

// DeliveryError aggregates live push failures. The transition that produced the events has
// already committed; callers report it as a warning.
type DeliveryError struct {
	Failures []error
}

func (e *DeliveryError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("live delivery degraded (%d failed): %s", len(e.Failures), strings.Join(msgs, "; "))
}

// Dispatcher persists notifications and pushes them to the live transport.
type Dispatcher struct {
	store  storage.Store
	sink   NotificationSink
	logger Logger
	now    func() time.Time
}

func NewDispatcher(store storage.Store, sink NotificationSink, logger Logger) *Dispatcher {
	if sink == nil {
		sink = NopSink{}
	}
	return &Dispatcher{store: store, sink: sink, logger: logger, now: time.Now}
}

// Persist writes n inside the caller's transaction. A failure here fails the caller's operation.
func (d *Dispatcher) Persist(ctx context.Context, tx storage.Store, n models.Notification) (models.Notification, error) {
	n.IsRead = false
	n.PushedAt = nil
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}
	id, err := tx.SaveNotification(ctx, n)
	if err != nil {
		return models.Notification{}, errors.Wrap(err, "persist notification")
	}
	n.ID = id
	return n, nil
}

// Deliver pushes committed notifications to their recipients and broadcasts to document observers.
// Every attempt is recorded on the notification row. The returned error, if any, is a *DeliveryError.
func (d *Dispatcher) Deliver(ctx context.Context, notifications []models.Notification, broadcasts []models.LiveEvent) error {
	var failures []error
	for _, n := range notifications {
		if _, err := d.push(ctx, n); err != nil {
			failures = append(failures, err)
		}
	}
	for _, ev := range broadcasts {
		err := d.sink.NotifyDocument(ctx, ev.DocumentID, ev)
		if errors.Is(err, ErrNoLiveTransport) {
			continue
		}
		if err != nil {
			metrics.DeliveryFailures.WithLabelValues("document").Inc()
			failures = append(failures, errors.Wrapf(err, "broadcast to document %d", ev.DocumentID))
		}
	}
	if len(failures) > 0 {
		return &DeliveryError{Failures: failures}
	}
	return nil
}

// push reports whether n reached the live transport. Without a transport the row is left
// pending and no failure is reported.
func (d *Dispatcher) push(ctx context.Context, n models.Notification) (bool, error) {
	pushErr := d.sink.NotifyPrincipal(ctx, n.PrincipalID, notificationEvent(n))
	if errors.Is(pushErr, ErrNoLiveTransport) {
		return false, nil
	}
	if pushErr != nil {
		metrics.DeliveryFailures.WithLabelValues("user").Inc()
		pushErr = errors.Wrapf(pushErr, "push notification %d to principal %d", n.ID, n.PrincipalID)
		if err := d.store.RecordPush(ctx, n.ID, nil, pushErr.Error()); err != nil {
			d.logger.Errorf("Failed to record push failure for notification %d: %v", n.ID, err)
		}
		return false, pushErr
	}
	at := d.now()
	if err := d.store.RecordPush(ctx, n.ID, &at, ""); err != nil {
		d.logger.Errorf("Failed to record push for notification %d: %v", n.ID, err)
	}
	return true, nil
}

// Redeliver pushes up to limit notifications that never reached the live transport, oldest first.
// It returns how many were delivered.
func (d *Dispatcher) Redeliver(ctx context.Context, limit int) (int, error) {
	pending, err := d.store.ListUndelivered(ctx, limit)
	if err != nil {
		return 0, fromStorage("list undelivered notifications", err)
	}
	delivered := 0
	var failures []error
	for _, n := range pending {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		ok, err := d.push(ctx, n)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if ok {
			delivered++
		}
	}
	d.logger.Infof("Redelivered %d of %d pending notifications", delivered, len(pending))
	if len(failures) > 0 {
		return delivered, &DeliveryError{Failures: failures}
	}
	return delivered, nil
}

// List returns the principal's notifications, newest first.
func (d *Dispatcher) List(ctx context.Context, principalID int64, unreadOnly bool) ([]models.Notification, error) {
	notifications, err := d.store.ListNotifications(ctx, principalID, unreadOnly)
	return notifications, fromStorage("list notifications", err)
}

func (d *Dispatcher) UnreadCount(ctx context.Context, principalID int64) (int, error) {
	count, err := d.store.CountUnread(ctx, principalID)
	return count, fromStorage("count unread notifications", err)
}

// MarkRead flags one of the principal's own notifications as read.
func (d *Dispatcher) MarkRead(ctx context.Context, id, principalID int64) error {
	err := d.store.MarkNotificationRead(ctx, id, principalID)
	if errors.Is(err, storage.ErrNotFound) {
		return errors.WithMessagef(ErrNotFound, "notification %d not found", id)
	}
	return fromStorage("mark notification read", err)
}

func (d *Dispatcher) MarkAllRead(ctx context.Context, principalID int64) (int64, error) {
	updated, err := d.store.MarkAllNotificationsRead(ctx, principalID)
	return updated, fromStorage("mark all notifications read", err)
}

func notificationEvent(n models.Notification) models.LiveEvent {
	ev := models.LiveEvent{
		ID:             uuid.NewString(),
		Type:           models.NewNotificationEvent,
		NotificationID: n.ID,
		Kind:           n.Kind,
		Title:          n.Title,
		Timestamp:      n.CreatedAt,
	}
	if n.DocumentID != nil {
		ev.DocumentID = *n.DocumentID
	}
	return ev
}
