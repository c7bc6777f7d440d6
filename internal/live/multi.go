package live

import (
	"context"

	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/service"
	"go.uber.org/multierr"
)

// FallbackSink tries Primary and, when it fails, hands the event to Fallback so clients of this
// instance still hear about it. The primary error is always returned so the notification stays
// marked undelivered for redelivery.
type FallbackSink struct {
	Primary  service.NotificationSink
	Fallback service.NotificationSink
}

func (f FallbackSink) NotifyPrincipal(ctx context.Context, principalID int64, ev models.LiveEvent) error {
	err := f.Primary.NotifyPrincipal(ctx, principalID, ev)
	if err == nil {
		return nil
	}
	return multierr.Append(err, f.Fallback.NotifyPrincipal(ctx, principalID, ev))
}

func (f FallbackSink) NotifyDocument(ctx context.Context, documentID int64, ev models.LiveEvent) error {
	err := f.Primary.NotifyDocument(ctx, documentID, ev)
	if err == nil {
		return nil
	}
	return multierr.Append(err, f.Fallback.NotifyDocument(ctx, documentID, ev))
}
