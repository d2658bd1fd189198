package broadcast

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisPublisher fans events out to every instance through a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

// Relay delivers events received on the Redis channel to the local publisher,
// normally the process's hub.
type Relay struct {
	client  *redis.Client
	channel string
	local   Publisher
	logger  logrus.FieldLogger
}

func NewRelay(client *redis.Client, channel string, local Publisher, logger logrus.FieldLogger) *Relay {
	return &Relay{client: client, channel: channel, local: local, logger: logger}
}

// Run blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.deliver(ctx, []byte(msg.Payload))
		}
	}
}

func (r *Relay) deliver(ctx context.Context, data []byte) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		r.logger.WithField("module", "broadcast").WithError(err).Warn("drop malformed relay message")
		return
	}
	if err := r.local.Publish(ctx, event); err != nil {
		r.logger.WithFields(logrus.Fields{"module": "broadcast", "event": event.Name}).WithError(err).Warn("relay publish failed")
	}
}
