package fabric

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/apiwatch/backend/internal/config"
)

// RedisBridge replicates bus events across instances through a Redis pub/sub
// channel. Each instance tags outgoing events with its own ID and discards
// its echoes on receipt, so a single-instance deployment with the bridge
// enabled sees every event exactly once.
//
// The bridge is optional; the service is fully functional without Redis.
type RedisBridge struct {
	bus        *Bus
	client     *redis.Client
	channel    string
	instanceID string
	log        *zap.Logger
	cancel     context.CancelFunc
}

func NewRedisBridge(bus *Bus, cfg config.RedisConfig, log *zap.Logger) *RedisBridge {
	return &RedisBridge{
		bus: bus,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel:    cfg.Channel,
		instanceID: uuid.NewString(),
		log:        log.Named("redis-bridge"),
	}
}

// Start launches the outbound republisher and the inbound subscriber.
func (b *RedisBridge) Start(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return err
	}

	ctx, b.cancel = context.WithCancel(ctx)
	go b.republish(ctx)
	go b.consume(ctx)

	b.log.Info("bridge started",
		zap.String("channel", b.channel),
		zap.String("instance", b.instanceID))
	return nil
}

// Close stops both loops and releases the connection.
func (b *RedisBridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	return b.client.Close()
}

// republish forwards locally published events to Redis.
func (b *RedisBridge) republish(ctx context.Context) {
	ch := b.bus.Subscribe()
	defer b.bus.Unsubscribe(ch)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Origin != "" && ev.Origin != b.instanceID {
				// Arrived over the bridge already; re-sending would loop.
				continue
			}
			ev.Origin = b.instanceID
			data, err := json.Marshal(ev)
			if err != nil {
				b.log.Error("marshal bridge event", zap.Error(err))
				continue
			}
			if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
				b.log.Warn("publish to redis failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// consume re-injects events published by other instances into the local bus.
func (b *RedisBridge) consume(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	for {
		select {
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("bad bridge payload", zap.Error(err))
				continue
			}
			if ev.Origin == b.instanceID {
				continue
			}
			b.bus.Publish(ev)
		case <-ctx.Done():
			return
		}
	}
}
