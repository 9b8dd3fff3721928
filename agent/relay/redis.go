// Package relay republishes action state transitions on Redis pub/sub
// so that other services can follow the agent without connecting to it.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"tangled.sh/tangled.sh/agent/broker"
	"tangled.sh/tangled.sh/agent/config"
	"tangled.sh/tangled.sh/agent/models"
)

type Relay struct {
	rdb     *redis.Client
	channel string
	l       *slog.Logger
}

func New(cfg config.Redis, l *slog.Logger) *Relay {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewFromClient(rdb, cfg.Channel, l)
}

func NewFromClient(rdb *redis.Client, channel string, l *slog.Logger) *Relay {
	return &Relay{rdb: rdb, channel: channel, l: l.With("component", "relay", "channel", channel)}
}

func (r *Relay) Close() error {
	return r.rdb.Close()
}

func (r *Relay) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Publish sends one state event.
func (r *Relay) Publish(ctx context.Context, ev *models.StateEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("publishing state event: %w", err)
	}
	return nil
}

// Run publishes every event from sub until ctx is done or the broker
// closes. Publish failures are logged and skipped.
func (r *Relay) Run(ctx context.Context, sub *broker.Subscription[*models.StateEvent]) error {
	defer sub.Close()
	r.l.Info("relaying state events")

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, broker.ErrChannelClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ev == nil {
			continue
		}

		if err := r.Publish(ctx, ev); err != nil {
			r.l.Warn("failed to relay state event", "action", ev.ActionID, "error", err)
		}
	}
}
