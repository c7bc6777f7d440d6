package live

import (
	"context"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RedisSink publishes events to Redis channels "{prefix}:{room}" so every instance's Relay
// can hand them to its own Hub.
type RedisSink struct {
	client *redis.Client
	prefix string
}

func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) NotifyPrincipal(ctx context.Context, principalID int64, ev models.LiveEvent) error {
	return s.publish(ctx, UserRoom(principalID), ev)
}

func (s *RedisSink) NotifyDocument(ctx context.Context, documentID int64, ev models.LiveEvent) error {
	return s.publish(ctx, DocumentRoom(documentID), ev)
}

func (s *RedisSink) publish(ctx context.Context, room string, ev models.LiveEvent) error {
	frame, err := encode(room, ev)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, channel(s.prefix, room), frame).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", room)
	}
	return nil
}

func channel(prefix, room string) string {
	return prefix + ":" + room
}

// Relay forwards frames published by any instance into the local Hub.
type Relay struct {
	client *redis.Client
	prefix string
	hub    *Hub
	logger *logrus.Logger
}

func NewRelay(client *redis.Client, prefix string, hub *Hub, logger *logrus.Logger) *Relay {
	return &Relay{client: client, prefix: prefix, hub: hub, logger: logger}
}

// Run subscribes and forwards until ctx is cancelled or the subscription breaks.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, channel(r.prefix, "*"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrap(err, "subscribe to live channels")
	}
	r.logger.Infof("Relaying live events from Redis channels %s:*", r.prefix)
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("redis subscription closed")
			}
			room := strings.TrimPrefix(msg.Channel, r.prefix+":")
			r.hub.Deliver(room, []byte(msg.Payload))
		}
	}
}
