package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const DefaultEventsChannel = "support_events"

// RedisRelay carries broker events between service instances over redis
// pub/sub. Each instance tags what it publishes and drops its own echoes;
// duplicates that still slip through are removed by stream de-duplication.
type RedisRelay struct {
	rdb        *redis.Client
	channel    string
	instanceID string
	broker     *Broker
	log        *logrus.Entry
}

func NewRedisRelay(rdb *redis.Client, channel string, broker *Broker, log *logrus.Entry) *RedisRelay {
	if channel == "" {
		channel = DefaultEventsChannel
	}
	return &RedisRelay{
		rdb:        rdb,
		channel:    channel,
		instanceID: uuid.NewString(),
		broker:     broker,
		log:        log.WithField("component", "relay"),
	}
}

func (r *RedisRelay) InstanceID() string { return r.instanceID }

func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	ev.Origin = r.instanceID
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.rdb.Publish(ctx, r.channel, data).Err()
}

// Start subscribes to the channel and feeds remote events into the local
// broker until ctx is done.
func (r *RedisRelay) Start(ctx context.Context) {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	ch := pubsub.Channel()
	r.log.WithField("channel", r.channel).Info("subscribed to redis channel")

	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				r.log.Info("relay stopped")
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.handle([]byte(msg.Payload))
			}
		}
	}()
}

func (r *RedisRelay) handle(payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.log.WithError(err).Warn("invalid event payload")
		return
	}
	if ev.Origin == r.instanceID {
		return
	}
	r.broker.Deliver(ev)
}
