package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/agent/broker"
	"tangled.sh/tangled.sh/agent/models"
)

func TestRelayPublishesStateEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewFromClient(rdb, "agent:actions:state", slog.Default())
	defer r.Close()
	require.NoError(t, r.Ping(context.Background()))

	sub := rdb.Subscribe(context.Background(), "agent:actions:state")
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	states := broker.NewStateBroker()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, states.Subscribe()) }()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, states.Send(&models.StateEvent{ActionID: 7, State: models.StateFailed, Timestamp: ts}))

	select {
	case msg := <-sub.Channel():
		var ev models.StateEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, uint32(7), ev.ActionID)
		assert.Equal(t, models.StateFailed, ev.State)
		assert.True(t, ts.Equal(ev.Timestamp))
		assert.Contains(t, msg.Payload, `"state":"Failed"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no state event published")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestRelayStopsWhenBrokerCloses(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "c", slog.Default())
	defer r.Close()

	states := broker.NewStateBroker()
	sub := states.Subscribe()
	states.Close()

	assert.NoError(t, r.Run(context.Background(), sub))
}
