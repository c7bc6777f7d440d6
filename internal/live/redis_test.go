package live_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ignatij/goapprove/internal/live"
	"github.com/ignatij/goapprove/internal/testutil"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRelay(t *testing.T) {
	addr := testutil.SetupRedis(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	hub, srv := newTestHub(t)
	relay := live.NewRelay(client, "goapprove-test", hub, logrus.New())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	conn := dial(t, srv, "as=1")
	waitForMembers(t, hub, live.UserRoom(1), 1)

	sink := live.NewRedisSink(client, "goapprove-test")
	// the relay subscribes asynchronously
	require.Eventually(t, func() bool {
		n, err := client.PubSubNumPat(ctx).Result()
		return err == nil && n > 0
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, sink.NotifyPrincipal(ctx, 1, models.LiveEvent{Type: models.NewNotificationEvent, NotificationID: 42}))

	var msg live.Message
	readMessage(t, conn, &msg)
	assert.Equal(t, "user:1", msg.Room)
	assert.Equal(t, int64(42), msg.Data.NotificationID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
}
