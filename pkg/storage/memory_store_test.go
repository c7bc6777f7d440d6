package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store storage.Store) (models.Document, int64) {
	t.Helper()
	ctx := context.Background()
	approverID, err := store.SavePrincipal(ctx, models.Principal{DisplayName: "Morgan", RankLevel: 3})
	require.NoError(t, err)
	templateID, err := store.SaveTemplate(ctx, models.ChainTemplate{Code: "PO", Name: "Purchase order", Levels: []int64{3, 6}, IsActive: true})
	require.NoError(t, err)
	doc := models.Document{
		Code:            "PO-20250115-001",
		TemplateID:      templateID,
		Title:           "Office chairs",
		RequesterID:     1,
		Status:          models.PendingDocumentStatus,
		CurrentPosition: 1,
		TotalPositions:  2,
	}
	doc.ID, err = store.SaveDocument(ctx, doc)
	require.NoError(t, err)
	_, err = store.SaveStep(ctx, models.Step{DocumentID: doc.ID, Position: 1, ApproverID: &approverID, IsActive: true})
	require.NoError(t, err)
	_, err = store.SaveStep(ctx, models.Step{DocumentID: doc.ID, Position: 2})
	require.NoError(t, err)
	return doc, approverID
}

func TestMemoryStore_Transactions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	t.Run("rollback leaves no trace", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		id, err := tx.SavePrincipal(ctx, models.Principal{DisplayName: "Ghost", RankLevel: 2})
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		_, err = store.GetPrincipal(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("commit publishes", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		id, err := tx.SavePrincipal(ctx, models.Principal{DisplayName: "Casey", RankLevel: 9})
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		p, err := store.GetPrincipal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ActivePrincipalStatus, p.Status)
	})

	t.Run("finished transaction", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.ErrorIs(t, tx.Commit(), storage.ErrTxDone)
		assert.ErrorIs(t, tx.Rollback(), storage.ErrTxDone)
		_, err = tx.GetPrincipal(ctx, 1)
		assert.ErrorIs(t, err, storage.ErrTxDone)
	})

	t.Run("not a transaction", func(t *testing.T) {
		assert.Error(t, store.Commit())
		assert.Error(t, store.Rollback())
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.Begin(cancelled)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("transactions are serialised", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)

		started := make(chan struct{})
		committed := make(chan int64)
		go func() {
			close(started)
			other, err := store.Begin(ctx)
			if !assert.NoError(t, err) {
				committed <- 0
				return
			}
			id, _ := other.SavePrincipal(ctx, models.Principal{DisplayName: "Second", RankLevel: 1})
			assert.NoError(t, other.Commit())
			committed <- id
		}()
		<-started

		first, err := tx.SavePrincipal(ctx, models.Principal{DisplayName: "First", RankLevel: 1})
		require.NoError(t, err)
		select {
		case <-committed:
			t.Fatal("second transaction ran while the first was open")
		case <-time.After(50 * time.Millisecond):
		}
		require.NoError(t, tx.Commit())
		assert.Greater(t, <-committed, first)
	})
}

func TestMemoryStore_Principals(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	explicit, err := store.SavePrincipal(ctx, models.Principal{ID: 42, DisplayName: "Sam", RankLevel: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(42), explicit)
	_, err = store.SavePrincipal(ctx, models.Principal{DisplayName: "Retired", RankLevel: 9, Status: models.InactivePrincipalStatus})
	require.NoError(t, err)
	dana, err := store.SavePrincipal(ctx, models.Principal{DisplayName: "Dana", RankLevel: 6})
	require.NoError(t, err)
	assert.Greater(t, dana, explicit)

	eligible, err := store.ListEligiblePrincipals(ctx, 4)
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	assert.Equal(t, "Sam", eligible[0].DisplayName)
	assert.Equal(t, "Dana", eligible[1].DisplayName)
}

func TestMemoryStore_Templates(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	capex, err := store.SaveTemplate(ctx, models.ChainTemplate{Code: "CAPEX", Name: "Capital expense", Levels: []int64{4, 6, 9}, IsActive: true})
	require.NoError(t, err)
	_, err = store.SaveTemplate(ctx, models.ChainTemplate{Code: "PO", Name: "Purchase order", Levels: []int64{3}, IsActive: false})
	require.NoError(t, err)
	again, err := store.SaveTemplate(ctx, models.ChainTemplate{Code: "CAPEX", Name: "Capex", Levels: []int64{6}, IsActive: true})
	require.NoError(t, err)
	assert.Equal(t, capex, again)

	tpl, err := store.GetTemplate(ctx, capex)
	require.NoError(t, err)
	assert.Equal(t, "Capex", tpl.Name)

	all, err := store.ListTemplates(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Capex", all[0].Name)

	active, err := store.ListTemplates(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "CAPEX", active[0].Code)
}

func TestMemoryStore_Documents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	doc, approverID := seed(t, store)

	_, err := store.SaveDocument(ctx, doc)
	assert.ErrorIs(t, err, storage.ErrDuplicateCode)

	count, err := store.CountDocumentsByCodePrefix(ctx, "PO-20250115-")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = store.CountDocumentsByCodePrefix(ctx, "PO-20250116-")
	require.NoError(t, err)
	assert.Zero(t, count)
	count, err = store.CountDocumentsByCodePrefix(ctx, "P_-20250115-")
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = store.SaveStep(ctx, models.Step{DocumentID: doc.ID, Position: 2})
	assert.Error(t, err)
	_, err = store.SaveStep(ctx, models.Step{DocumentID: 999, Position: 1})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.ActivateStep(ctx, doc.ID, 2)
	assert.Error(t, err, "position 1 is still active")

	now := time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC)
	_, err = store.DecideActiveStep(ctx, doc.ID, approverID+1, models.ApproveDecision, "", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	decided, err := store.DecideActiveStep(ctx, doc.ID, approverID, models.ApproveDecision, "", now)
	require.NoError(t, err)
	assert.True(t, decided.Decided())
	assert.Equal(t, now, *decided.DecidedAt)
	_, err = store.DecideActiveStep(ctx, doc.ID, approverID, models.ApproveDecision, "", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	next, err := store.ActivateStep(ctx, doc.ID, 2)
	require.NoError(t, err)
	assert.True(t, next.IsActive)
	require.NoError(t, store.AdvanceDocument(ctx, doc.ID, 2))
	require.NoError(t, store.CompleteDocument(ctx, doc.ID, models.RejectedDocumentStatus, now))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentPosition)
	assert.Equal(t, models.RejectedDocumentStatus, got.Status)
	assert.Equal(t, now, *got.CompletedAt)

	steps, err := store.ListSteps(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Position)
	assert.Equal(t, 2, steps[1].Position)

	assert.ErrorIs(t, store.AdvanceDocument(ctx, 999, 2), storage.ErrNotFound)
	_, err = store.LockDocument(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryStore_Notifications(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	doc, approverID := seed(t, store)

	first, err := store.SaveNotification(ctx, models.Notification{PrincipalID: approverID, DocumentID: &doc.ID, Kind: models.NewRequestNotification, Title: "one"})
	require.NoError(t, err)
	second, err := store.SaveNotification(ctx, models.Notification{PrincipalID: approverID, DocumentID: &doc.ID, Kind: models.NewRequestNotification, Title: "two"})
	require.NoError(t, err)

	listed, err := store.ListNotifications(ctx, approverID, false)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	undelivered, err := store.ListUndelivered(ctx, 1)
	require.NoError(t, err)
	require.Len(t, undelivered, 1)
	assert.Equal(t, first, undelivered[0].ID)

	pushedAt := time.Now()
	require.NoError(t, store.RecordPush(ctx, first, &pushedAt, ""))
	require.NoError(t, store.RecordPush(ctx, second, nil, "connection refused"))
	undelivered, err = store.ListUndelivered(ctx, 0)
	require.NoError(t, err)
	require.Len(t, undelivered, 1)
	assert.Equal(t, "connection refused", undelivered[0].PushError)
	assert.ErrorIs(t, store.RecordPush(ctx, 999, nil, ""), storage.ErrNotFound)

	assert.ErrorIs(t, store.MarkNotificationRead(ctx, first, approverID+1), storage.ErrNotFound)
	require.NoError(t, store.MarkNotificationRead(ctx, first, approverID))
	unread, err := store.CountUnread(ctx, approverID)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	updated, err := store.MarkAllNotificationsRead(ctx, approverID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)
	onlyUnread, err := store.ListNotifications(ctx, approverID, true)
	require.NoError(t, err)
	assert.Empty(t, onlyUnread)
}
