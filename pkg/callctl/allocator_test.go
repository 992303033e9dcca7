package callctl

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allocKey выделяет канал и сразу его отпускает
func allocKey(t *testing.T, e *testEngine, c *Connection) (string, error) {
	t.Helper()
	ch, hold, err := e.allocate(c, c.config(), true)
	if err != nil {
		return "", err
	}
	hold.Release()
	ch.unclaim()
	return ch.Key(), nil
}

func TestAllocateByCapabilities(t *testing.T) {
	e := newTestEngine(t)
	e.addController(t, "hdlc", 2, L2HDLC.Cap()|L3Trans.Cap())
	e.addController(t, "x75", 2, dataCaps)
	c := e.addConnection(t, "conn", nil)

	key, err := allocKey(t, e, c)
	require.NoError(t, err)
	assert.Equal(t, "x75/0", key)

	cfg := DefaultConnectionConfig()
	cfg.Protocol = Protocol{L2: L2HDLC, L3: L3Trans}
	require.NoError(t, e.Configure(context.Background(), "conn", cfg))
	key, err = allocKey(t, e, c)
	require.NoError(t, err)
	assert.Equal(t, "hdlc/0", key)
}

func TestAllocateSkipsBusyAndDisabled(t *testing.T) {
	e := newTestEngine(t)
	e.addController(t, "c1", 2, dataCaps)
	c := e.addConnection(t, "conn", nil)
	ctx := context.Background()

	require.NoError(t, e.DisableChannel(ctx, "c1", 0, true))
	ch, hold, err := e.allocate(c, c.config(), true)
	require.NoError(t, err)
	assert.Equal(t, "c1/1", ch.Key())
	assert.True(t, ch.allocated())

	_, _, err = e.allocate(c, c.config(), true)
	require.ErrorIs(t, err, ErrNoChannel)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.allocationFailures))

	hold.Release()
	ch.unclaim()
	assert.False(t, ch.allocated())

	require.NoError(t, e.DisableChannel(ctx, "c1", 0, false))
	key, err := allocKey(t, e, c)
	require.NoError(t, err)
	assert.Equal(t, "c1/0", key)

	require.ErrorIs(t, e.DisableChannel(ctx, "c9", 0, true), ErrUnknownController)
}

func TestAllocateExclusive(t *testing.T) {
	e := newTestEngine(t)
	e.addController(t, "c1", 2, dataCaps)
	owner := e.addConnection(t, "owner", func(cfg *ConnectionConfig) {
		cfg.Exclusive = &ChannelRef{Controller: "c1", Channel: 1}
	})
	other := e.addConnection(t, "other", nil)

	// зарезервированный канал не достается чужому соединению
	ch, hold, err := e.allocate(other, other.config(), true)
	require.NoError(t, err)
	assert.Equal(t, "c1/0", ch.Key())
	_, _, err = e.allocate(other, other.config(), true)
	require.ErrorIs(t, err, ErrNoChannel)
	hold.Release()
	ch.unclaim()

	key, err := allocKey(t, e, owner)
	require.NoError(t, err)
	assert.Equal(t, "c1/1", key)

	// второй резерв того же канала запрещен
	_, err = e.AddConnection(context.Background(), "thief", func() ConnectionConfig {
		cfg := DefaultConnectionConfig()
		cfg.Exclusive = &ChannelRef{Controller: "c1", Channel: 1}
		return cfg
	}())
	require.ErrorIs(t, err, ErrInvalidConfig)

	// после снятия резерва канал свободен для всех
	require.NoError(t, e.Unbind(context.Background(), "owner"))
	busy, hold, err := e.allocate(other, other.config(), true)
	require.NoError(t, err)
	key, err = allocKey(t, e, other)
	require.NoError(t, err)
	assert.Equal(t, "c1/1", key)
	hold.Release()
	busy.unclaim()
}

func TestAllocateExclusiveChannelBusy(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	d.setAnswer("1")
	e.addConnection(t, "a", func(cfg *ConnectionConfig) {
		cfg.Numbers = []string{"1"}
		cfg.Exclusive = &ChannelRef{Controller: "c1", Channel: 0}
	})
	ctx := waitCtx(t)
	require.NoError(t, e.Dial(ctx, "a"))
	require.NoError(t, e.Hangup(ctx, "a"))

	require.NoError(t, e.DisableChannel(ctx, "c1", 0, true))
	err := e.Dial(ctx, "a")
	require.ErrorIs(t, err, ErrNoChannel)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "c1/0", ce.Fields["exclusive"])
}

func TestBindExclusive(t *testing.T) {
	e := newTestEngine(t)
	e.addController(t, "c1", 2, dataCaps)
	a := e.addConnection(t, "a", nil)
	b := e.addConnection(t, "b", nil)
	ctx := context.Background()

	require.NoError(t, e.BindExclusive(ctx, "a", "c1", 1))
	require.NotNil(t, a.config().Exclusive)
	assert.Equal(t, ChannelRef{Controller: "c1", Channel: 1}, *a.config().Exclusive)
	key, err := allocKey(t, e, a)
	require.NoError(t, err)
	assert.Equal(t, "c1/1", key)

	require.ErrorIs(t, e.BindExclusive(ctx, "b", "c1", 1), ErrInvalidConfig)
	require.ErrorIs(t, e.BindExclusive(ctx, "a", "c9", 0), ErrUnknownController)
	require.ErrorIs(t, e.BindExclusive(ctx, "nobody", "c1", 0), ErrUnknownConnection)

	// перенос резерва освобождает прежний канал
	require.NoError(t, e.BindExclusive(ctx, "a", "c1", 0))
	require.NoError(t, e.BindExclusive(ctx, "b", "c1", 1))
	key, err = allocKey(t, e, b)
	require.NoError(t, err)
	assert.Equal(t, "c1/1", key)

	require.NoError(t, e.Unbind(ctx, "a"))
	assert.Nil(t, a.config().Exclusive)
}

func TestAllocateByMSN(t *testing.T) {
	e := newTestEngine(t)
	e.addController(t, "c1", 1, dataCaps, "100")
	e.addController(t, "c2", 1, dataCaps, "2*")
	c := e.addConnection(t, "conn", nil)
	ctx := context.Background()

	tests := []struct {
		local string
		want  string
	}{
		{"100", "c1/0"},
		{"v100", "c1/0"},
		{"2345", "c2/0"},
		{"999", ""},
		// без собственного номера контроллеры с MSN недоступны
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.local, func(t *testing.T) {
			cfg := DefaultConnectionConfig()
			cfg.LocalNumber = tt.local
			require.NoError(t, e.Configure(ctx, "conn", cfg))
			key, err := allocKey(t, e, c)
			if tt.want == "" {
				require.ErrorIs(t, err, ErrNoChannel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, key)
		})
	}
}

func TestAllocateSkipsUnusableControllers(t *testing.T) {
	e := newTestEngine(t)
	stopped := e.addController(t, "stopped", 1, dataCaps)
	broken := e.addController(t, "broken", 1, dataCaps)
	e.addController(t, "ok", 1, dataCaps)
	c := e.addConnection(t, "conn", nil)

	stopped.status(t, StatusEvent{Code: StatStopped})
	// уведомление для несуществующего канала выводит контроллер из работы
	broken.status(t, StatusEvent{Code: StatDConn, Channel: 9})

	ctrl, err := e.controller("broken")
	require.NoError(t, err)
	assert.True(t, ctrl.Broken())

	key, err := allocKey(t, e, c)
	require.NoError(t, err)
	assert.Equal(t, "ok/0", key)
}
