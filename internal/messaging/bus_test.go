package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/clock"
	"github.com/agentfleet/agentfleet/internal/common/config"
	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/ident"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

func testConfig() config.MessageConfig {
	return config.MessageConfig{
		QueueSize:       3,
		RetryAttempts:   3,
		Timeout:         30,
		SweepInterval:   5,
		HeartbeatSweep:  10,
		CacheTTLSeconds: 300,
	}
}

func setupBus(t *testing.T) (*Bus, *clock.Fake) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewBus(testConfig(), 30*time.Second, ident.New(), clk, log), clk
}

func newMessage(id, from string, to ...string) *v1.Message {
	return &v1.Message{
		ID:      id,
		From:    from,
		To:      to,
		Type:    v1.MessageTypeRequest,
		Content: map[string]any{"text": "hello"},
	}
}

func TestSendValidation(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	t.Run("rejects missing id", func(t *testing.T) {
		msg := newMessage("", "a", "b")
		err := bus.Send(ctx, msg)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("rejects missing sender", func(t *testing.T) {
		err := bus.Send(ctx, newMessage("m1", "", "b"))
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("rejects missing recipient", func(t *testing.T) {
		err := bus.Send(ctx, newMessage("m2", "a"))
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("rejects invalid type", func(t *testing.T) {
		msg := newMessage("m3", "a", "b")
		msg.Type = "bogus"
		err := bus.Send(ctx, msg)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestDirectedDelivery(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	var received []*v1.Message
	require.NoError(t, bus.Connect("beta", func(ctx context.Context, msg *v1.Message) error {
		received = append(received, msg)
		return nil
	}))

	require.NoError(t, bus.Send(ctx, newMessage("m1", "alpha", "beta")))

	require.Len(t, received, 1)
	assert.Equal(t, "m1", received[0].ID)

	// History recorded for both participants, once each
	assert.Len(t, bus.HistoryFor("alpha"), 1)
	assert.Len(t, bus.HistoryFor("beta"), 1)
}

func TestHistoryDeduplicatesByID(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Connect("beta", nil))
	msg := newMessage("dup", "alpha", "beta")
	require.NoError(t, bus.Send(ctx, msg))
	require.NoError(t, bus.Send(ctx, msg))

	assert.Len(t, bus.HistoryFor("beta"), 1)
	assert.Len(t, bus.HistoryFor("alpha"), 1)
}

func TestOfflineQueueing(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	t.Run("queues for disconnected recipient", func(t *testing.T) {
		require.NoError(t, bus.Send(ctx, newMessage("q1", "alpha", "ghost")))
		assert.Equal(t, 1, bus.QueueSize("ghost"))
	})

	t.Run("drops oldest on overflow", func(t *testing.T) {
		for _, id := range []string{"q2", "q3", "q4"} {
			require.NoError(t, bus.Send(ctx, newMessage(id, "alpha", "ghost")))
		}
		// Queue cap is 3; q1 should have been dropped
		assert.Equal(t, 3, bus.QueueSize("ghost"))
	})

	t.Run("sweep delivers after reconnect", func(t *testing.T) {
		var received []*v1.Message
		require.NoError(t, bus.Connect("ghost", func(ctx context.Context, msg *v1.Message) error {
			received = append(received, msg)
			return nil
		}))

		bus.sweepQueues(ctx)

		require.Len(t, received, 3)
		assert.Equal(t, "q2", received[0].ID)
		assert.Equal(t, 0, bus.QueueSize("ghost"))
	})
}

func TestBroadcast(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	got := make(map[string]string)
	for _, id := range []string{"a", "b", "c"} {
		agentID := id
		require.NoError(t, bus.Connect(agentID, func(ctx context.Context, msg *v1.Message) error {
			got[agentID] = msg.ID
			return nil
		}))
	}

	msg := newMessage("bcast", "a")
	require.NoError(t, bus.Broadcast(ctx, msg))

	// Sender excluded; all recipients see the same id
	assert.NotContains(t, got, "a")
	assert.Equal(t, "bcast", got["b"])
	assert.Equal(t, "bcast", got["c"])
	assert.ElementsMatch(t, []string{"b", "c"}, msg.To)
}

func TestPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("no subscribers is a no-op", func(t *testing.T) {
		bus, _ := setupBus(t)
		require.NoError(t, bus.Publish(ctx, "task:created", map[string]any{"id": "t1"}, "tasks"))
		assert.Equal(t, 0, bus.Statistics().HistorySize)
	})

	t.Run("delivers in registration order", func(t *testing.T) {
		bus, _ := setupBus(t)
		var order []string
		require.NoError(t, bus.Subscribe("task:created", "a", func(ctx context.Context, event string, payload map[string]any) {
			order = append(order, "a")
		}))
		require.NoError(t, bus.Subscribe("task:created", "b", func(ctx context.Context, event string, payload map[string]any) {
			order = append(order, "b")
		}))

		require.NoError(t, bus.Publish(ctx, "task:created", nil, "tasks"))
		assert.Equal(t, []string{"a", "b"}, order)
	})

	t.Run("handler panic does not stop siblings", func(t *testing.T) {
		bus, _ := setupBus(t)
		var called bool
		require.NoError(t, bus.Subscribe("task:failed", "a", func(ctx context.Context, event string, payload map[string]any) {
			panic("boom")
		}))
		require.NoError(t, bus.Subscribe("task:failed", "b", func(ctx context.Context, event string, payload map[string]any) {
			called = true
		}))

		require.NoError(t, bus.Publish(ctx, "task:failed", nil, "tasks"))
		assert.True(t, called)
	})

	t.Run("records derived system message", func(t *testing.T) {
		bus, _ := setupBus(t)
		require.NoError(t, bus.Subscribe("file:locked", "a", func(ctx context.Context, event string, payload map[string]any) {}))
		require.NoError(t, bus.Publish(ctx, "file:locked", map[string]any{"path": "x"}, "files"))

		// The subscriber was never connected; the derived message must
		// still land in its history.
		history := bus.HistoryFor("a")
		require.Len(t, history, 1)
		assert.Equal(t, v1.MessageTypeSystem, history[0].Type)
		assert.Equal(t, "file:locked", history[0].Content["event"])

		// The queued copy delivered after connecting must not duplicate
		// the history entry.
		require.NoError(t, bus.Connect("a", nil))
		bus.sweepQueues(ctx)
		assert.Len(t, bus.HistoryFor("a"), 1)
	})
}

func TestHeartbeatSweep(t *testing.T) {
	bus, clk := setupBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Connect("alpha", nil))
	require.NoError(t, bus.Subscribe("task:created", "alpha", func(ctx context.Context, event string, payload map[string]any) {}))

	t.Run("exactly at timeout stays connected", func(t *testing.T) {
		clk.Advance(30 * time.Second)
		bus.sweepHeartbeats(ctx)
		assert.True(t, bus.IsConnected("alpha"))
	})

	t.Run("past timeout disconnects and unsubscribes", func(t *testing.T) {
		clk.Advance(time.Millisecond)
		bus.sweepHeartbeats(ctx)
		assert.False(t, bus.IsConnected("alpha"))
		assert.Equal(t, 0, bus.Statistics().Subscriptions)
	})

	t.Run("heartbeat refresh keeps agent alive", func(t *testing.T) {
		require.NoError(t, bus.Connect("beta", nil))
		clk.Advance(25 * time.Second)
		require.NoError(t, bus.UpdateHeartbeat("beta"))
		clk.Advance(25 * time.Second)
		bus.sweepHeartbeats(ctx)
		assert.True(t, bus.IsConnected("beta"))
	})
}

func TestNotifications(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Connect("beta", nil))
	msg := newMessage("n1", "alpha", "beta")
	msg.Type = v1.MessageTypeNotification
	msg.Content["is_notification"] = true
	require.NoError(t, bus.Send(ctx, msg))

	assert.False(t, bus.IsNotificationRead("n1", "beta"))
	require.NoError(t, bus.MarkNotificationRead("n1", "beta"))
	assert.True(t, bus.IsNotificationRead("n1", "beta"))
}

func TestHistoryBetween(t *testing.T) {
	bus, clk := setupBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Connect("a", nil))
	require.NoError(t, bus.Connect("b", nil))

	for i, id := range []string{"h1", "h2", "h3"} {
		var msg *v1.Message
		if i%2 == 0 {
			msg = newMessage(id, "a", "b")
		} else {
			msg = newMessage(id, "b", "a")
		}
		require.NoError(t, bus.Send(ctx, msg))
		clk.Advance(time.Second)
	}

	all := bus.History("a", "b", 0)
	require.Len(t, all, 3)
	assert.Equal(t, "h1", all[0].ID)
	assert.Equal(t, "h3", all[2].ID)

	limited := bus.History("a", "b", 2)
	require.Len(t, limited, 2)
	assert.Equal(t, "h2", limited[0].ID)
}

func TestSearch(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Connect("b", nil))
	msg := newMessage("s1", "a", "b")
	msg.Content = map[string]any{"text": "deploy the backend"}
	require.NoError(t, bus.Send(ctx, msg))

	results := bus.Search("backend", "b")
	require.Len(t, results, 1)
	assert.Equal(t, "s1", results[0].ID)

	assert.Empty(t, bus.Search("frontend", "b"))
}
