package callctl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commandCodes(cmds []Command) []CommandCode {
	out := make([]CommandCode, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.Code)
	}
	return out
}

func TestDialConnectsAndHangsUp(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 2, dataCaps)
	d.setAnswer("5551")
	e.addConnection(t, "out", func(cfg *ConnectionConfig) {
		cfg.LocalNumber = "100"
		cfg.Numbers = []string{"5551"}
	})
	ctx := waitCtx(t)

	require.NoError(t, e.Dial(ctx, "out"))
	require.NoError(t, e.WaitConnected(ctx, "out"))

	st, err := e.Status("out")
	require.NoError(t, err)
	assert.Equal(t, ConnActive, st.State)
	assert.Equal(t, "c1/0", st.Channel)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, "out", st.Direction)
	assert.Equal(t, ChanActive, e.channelState(t, "c1", 0))
	require.NoError(t, e.CheckInvariants())

	assert.Equal(t, []CommandCode{CmdSetL2, CmdSetL3, CmdDial, CmdAcceptB}, commandCodes(d.commands(0)))
	dial := d.commands(CmdDial)[0]
	assert.Equal(t, "100", dial.Params.LocalNumber)
	assert.Equal(t, SIData, dial.Params.SI)
	assert.Equal(t, L2X75I, dial.Params.L2)

	peer, err := e.PeerNumber("out")
	require.NoError(t, err)
	assert.Equal(t, "5551", peer)

	require.NoError(t, e.Hangup(ctx, "out"))
	assert.Equal(t, ConnIdle, mustState(t, e, "out"))
	assert.Equal(t, ChanUnbound, e.channelState(t, "c1", 0))
	assert.Len(t, d.commands(CmdHangup), 1)
	require.NoError(t, e.CheckInvariants())
}

func mustState(t *testing.T, e *testEngine, name string) ConnectionState {
	t.Helper()
	st, err := e.Status(name)
	require.NoError(t, err)
	return st.State
}

func TestDialEmptyNumberList(t *testing.T) {
	e := newTestEngine(t)
	e.addController(t, "c1", 1, dataCaps)
	c := e.addConnection(t, "empty", nil)

	err := e.Dial(context.Background(), "empty")
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.True(t, IsCategory(err, ErrorCategoryConfig))
	assert.Equal(t, ConnIdle, c.State())
	assert.False(t, c.claimed())
	require.NoError(t, e.CheckInvariants())
}

func TestDialNoChannel(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	d.setAnswer("1")
	e.addConnection(t, "a", func(cfg *ConnectionConfig) { cfg.Numbers = []string{"1"} })
	b := e.addConnection(t, "b", func(cfg *ConnectionConfig) { cfg.Numbers = []string{"2"} })
	ctx := waitCtx(t)

	require.NoError(t, e.Dial(ctx, "a"))
	err := e.Dial(ctx, "b")
	require.ErrorIs(t, err, ErrNoChannel)

	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.True(t, ce.IsRetryable())
	assert.Equal(t, ErrorCategoryResource, ce.Category)
	assert.Equal(t, ConnIdle, b.State())
	assert.False(t, b.claimed())
	require.NoError(t, e.CheckInvariants())
}

func TestDialRetryExhaustion(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	d.setRefuse("111", "222")
	c := e.addConnection(t, "retry", func(cfg *ConnectionConfig) {
		cfg.Numbers = []string{"111", "222"}
		cfg.DialMax = 2
	})
	ch, err := e.channel("c1", 0)
	require.NoError(t, err)
	ctx := waitCtx(t)

	require.NoError(t, e.Dial(ctx, "retry"))
	err = e.WaitConnected(ctx, "retry")
	require.ErrorIs(t, err, ErrDialExhausted)

	assert.Equal(t, []string{"111", "222", "111", "222"}, d.dialed())
	assert.Equal(t, ConnIdle, c.State())
	require.Eventually(t, func() bool { return ch.State() == ChanUnbound && !ch.allocated() },
		time.Second, 5*time.Millisecond)

	st, err := e.Status("retry")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Attempts)
	assert.Equal(t, 2, st.Retry)
	assert.Contains(t, st.LastError, "DIAL_EXHAUSTED")

	// повторных попыток больше нет
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, d.dialed(), 4)
	require.NoError(t, e.CheckInvariants())
}

func TestDialDriverError(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	d.dialErr = errors.New("line down")
	e.addConnection(t, "out", func(cfg *ConnectionConfig) { cfg.Numbers = []string{"1"} })
	ctx := waitCtx(t)

	require.NoError(t, e.Dial(ctx, "out"))
	require.ErrorIs(t, e.WaitConnected(ctx, "out"), ErrDialExhausted)

	ch, err := e.channel("c1", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ch.State() == ChanUnbound }, time.Second, 5*time.Millisecond)
}

func TestDialTimeoutHangsUp(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	e.addConnection(t, "out", func(cfg *ConnectionConfig) {
		cfg.Numbers = []string{"1"}
		cfg.DialTimeout = 20 * time.Millisecond
	})
	ctx := waitCtx(t)

	require.NoError(t, e.Dial(ctx, "out"))
	require.ErrorIs(t, e.WaitConnected(ctx, "out"), ErrDialExhausted)

	ch, err := e.channel("c1", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ch.State() == ChanUnbound }, time.Second, 5*time.Millisecond)
	assert.Len(t, d.commands(CmdHangup), 1)
	require.NoError(t, e.CheckInvariants())
}

func TestStaleAttemptNotificationIgnored(t *testing.T) {
	e := newTestEngine(t)
	e.addController(t, "c1", 1, dataCaps)
	e.addConnection(t, "out", func(cfg *ConnectionConfig) {
		cfg.Numbers = []string{"1"}
		cfg.DialTimeout = time.Hour
	})
	ctx := waitCtx(t)
	require.NoError(t, e.Dial(ctx, "out"))

	c, err := e.connection("out")
	require.NoError(t, err)
	before := c.State()
	require.NotEqual(t, ConnIdle, before)

	c.mu.Lock()
	ch, seq := c.current, c.dialSeq
	c.mu.Unlock()
	require.NotNil(t, ch)

	// d-hangup от предыдущей попытки не должен обрывать текущую
	require.NoError(t, c.exec.Do(ctx, func(ctx context.Context) error {
		c.handleChannelEvent(ctx, ch, connNote{ev: ConnEvDHangup, seq: seq + 1})
		return nil
	}))
	assert.Equal(t, before, c.State())

	st, err := e.Status("out")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Attempts)
}

func TestDialWhileActiveNotPermitted(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 2, dataCaps)
	d.setAnswer("1")
	e.addConnection(t, "out", func(cfg *ConnectionConfig) { cfg.Numbers = []string{"1"} })
	ctx := waitCtx(t)

	require.NoError(t, e.Dial(ctx, "out"))
	err := e.Dial(ctx, "out")
	require.ErrorIs(t, err, ErrNotPermitted)
	assert.Equal(t, ConnActive, mustState(t, e, "out"))

	require.ErrorIs(t, e.Configure(ctx, "out", DefaultConnectionConfig()), ErrBusy)
	require.ErrorIs(t, e.RemoveConnection(ctx, "out"), ErrBusy)
}

func TestDialModes(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 2, dataCaps)
	d.setAnswer("1")
	e.addConnection(t, "off", func(cfg *ConnectionConfig) {
		cfg.Numbers = []string{"1"}
		cfg.DialMode = DialOff
	})
	e.addConnection(t, "auto", func(cfg *ConnectionConfig) {
		cfg.Numbers = []string{"1"}
		cfg.DialMode = DialAuto
	})
	e.addConnection(t, "manual", func(cfg *ConnectionConfig) { cfg.Numbers = []string{"1"} })
	ctx := waitCtx(t)

	require.ErrorIs(t, e.Dial(ctx, "off"), ErrInvalidConfig)

	_, err := e.Submit(ctx, "manual", []byte("x"))
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, ConnIdle, mustState(t, e, "manual"))

	_, err = e.Submit(ctx, "auto", []byte("x"))
	require.ErrorIs(t, err, ErrNotConnected)
	require.NoError(t, e.WaitConnected(ctx, "auto"))

	n, err := e.Submit(ctx, "auto", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestIncomingCallAccepted(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 2, dataCaps)
	e.addConnection(t, "in", func(cfg *ConnectionConfig) { cfg.LocalNumber = "5551" })

	var (
		mu       sync.Mutex
		received []byte
		ups      int
		downs    int
	)
	require.NoError(t, e.SetReceiver("in", ReceiverFuncs{
		OnReceive: func(conn string, p []byte) {
			mu.Lock()
			received = append(received, p...)
			mu.Unlock()
		},
		OnLinkUp:   func(string) { mu.Lock(); ups++; mu.Unlock() },
		OnLinkDown: func(string) { mu.Lock(); downs++; mu.Unlock() },
	}))
	ctx := waitCtx(t)

	d.offer(t, 1, Offer{Calling: "0301234", Called: "5551", SI: SIData})
	require.NoError(t, e.WaitConnected(ctx, "in"))

	st, err := e.Status("in")
	require.NoError(t, err)
	assert.Equal(t, "c1/1", st.Channel)
	assert.Equal(t, "in", st.Direction)
	assert.Equal(t, ChanActive, e.channelState(t, "c1", 1))
	peer, err := e.PeerNumber("in")
	require.NoError(t, err)
	assert.Equal(t, "0301234", peer)

	acc := d.commands(CmdAcceptD)
	require.Len(t, acc, 1)
	assert.Equal(t, "5551", acc[0].Params.LocalNumber)
	require.NoError(t, e.CheckInvariants())

	require.NoError(t, d.ingress.Receive(ctx, 1, []byte("abc")))
	st, err = e.Status("in")
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.RxBytes)

	require.NoError(t, e.Hangup(ctx, "in"))
	assert.Equal(t, ConnIdle, mustState(t, e, "in"))
	assert.Equal(t, ChanUnbound, e.channelState(t, "c1", 1))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "abc", string(received))
	assert.Equal(t, 1, ups)
	assert.Equal(t, 1, downs)
}

func TestIncomingSetupTimeout(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	d.autoAccept = false
	c := e.addConnection(t, "in", func(cfg *ConnectionConfig) {
		cfg.LocalNumber = "5551"
		cfg.IncomingTimeout = 20 * time.Millisecond
	})
	ch, err := e.channel("c1", 0)
	require.NoError(t, err)

	d.offer(t, 0, Offer{Calling: "1", Called: "5551", SI: SIData})
	assert.Equal(t, ConnInWaitDConn, c.State())

	require.Eventually(t, func() bool {
		return c.State() == ConnIdle && ch.State() == ChanUnbound
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, d.commands(CmdHangup), 1)
	require.NoError(t, e.CheckInvariants())
}

func TestIncomingAcceptRefused(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	d.acceptErr = errors.New("line gone")
	c := e.addConnection(t, "in", func(cfg *ConnectionConfig) {
		cfg.LocalNumber = "5551"
		cfg.IncomingTimeout = time.Hour
	})
	ch, err := e.channel("c1", 0)
	require.NoError(t, err)
	ctx := waitCtx(t)

	d.offer(t, 0, Offer{Calling: "1", Called: "5551", SI: SIData})

	// соединение освобождается сразу, не дожидаясь IncomingTimeout
	require.Eventually(t, func() bool {
		return c.State() == ConnIdle && ch.State() == ChanUnbound && !c.claimed()
	}, time.Second, 5*time.Millisecond)
	err = e.WaitConnected(ctx, "in")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line gone")
	require.NoError(t, e.CheckInvariants())
}

func TestIncomingCallback(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	d.setAnswer("0301234")
	c := e.addConnection(t, "cb", func(cfg *ConnectionConfig) {
		cfg.LocalNumber = "5551"
		cfg.Callback = CallbackIn
		cfg.CallbackDelay = 10 * time.Millisecond
	})
	ctx := waitCtx(t)

	d.offer(t, 0, Offer{Calling: "0301234", Called: "5551", SI: SIData})

	rej := d.commands(CmdReject)
	require.Len(t, rej, 1)
	assert.Equal(t, causeCallback, rej[0].Params.Cause)
	assert.Equal(t, ConnWaitBeforeCallback, c.State())

	require.NoError(t, e.WaitConnected(ctx, "cb"))
	assert.Equal(t, []string{"0301234"}, d.dialed())
	require.NoError(t, e.CheckInvariants())
}

func TestHangupDuringCallbackWait(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	c := e.addConnection(t, "cb", func(cfg *ConnectionConfig) {
		cfg.LocalNumber = "5551"
		cfg.Callback = CallbackIn
		cfg.CallbackDelay = time.Hour
	})
	d.offer(t, 0, Offer{Calling: "1", Called: "5551", SI: SIData})
	require.Equal(t, ConnWaitBeforeCallback, c.State())

	require.NoError(t, e.Hangup(context.Background(), "cb"))
	assert.Equal(t, ConnIdle, c.State())
	assert.False(t, c.claimed())
	assert.False(t, e.timers.Armed(c.id, TimerCallback))
}

func TestWaitConnectedCancelled(t *testing.T) {
	e := newTestEngine(t)
	e.addController(t, "c1", 1, dataCaps)
	e.addConnection(t, "out", func(cfg *ConnectionConfig) { cfg.Numbers = []string{"1"} })

	require.NoError(t, e.Dial(context.Background(), "out"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.WaitConnected(ctx, "out"), context.DeadlineExceeded)

	require.ErrorIs(t, e.WaitConnected(ctx, "missing"), ErrUnknownConnection)
}

func TestChargeInfoCounted(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	d.setAnswer("1")
	e.addConnection(t, "out", func(cfg *ConnectionConfig) { cfg.Numbers = []string{"1"} })
	ctx := waitCtx(t)
	require.NoError(t, e.Dial(ctx, "out"))

	d.status(t, StatusEvent{Code: StatChargeInfo, Channel: 0})
	d.status(t, StatusEvent{Code: StatChargeInfo, Channel: 0})

	st, err := e.Status("out")
	require.NoError(t, err)
	assert.Equal(t, 2, st.ChargeUnits)
	assert.GreaterOrEqual(t, st.ChargeInterval, time.Duration(0))
}

func TestIdleHangup(t *testing.T) {
	e := newTestEngine(t, func(cfg *EngineConfig) { cfg.TickInterval = 10 * time.Millisecond })
	d := e.addController(t, "c1", 1, dataCaps)
	d.setAnswer("1")
	c := e.addConnection(t, "out", func(cfg *ConnectionConfig) {
		cfg.Numbers = []string{"1"}
		cfg.OnHookTime = 25 * time.Millisecond
	})
	require.NoError(t, e.Dial(waitCtx(t), "out"))
	require.Equal(t, ConnActive, c.State())

	require.Eventually(t, func() bool { return c.State() == ConnIdle }, time.Second, 5*time.Millisecond)
	assert.Len(t, d.commands(CmdHangup), 1)
}

func TestIdleHangupDue(t *testing.T) {
	now := time.Now()
	tick := time.Second
	base := DefaultConnectionConfig()
	base.OnHookTime = 10 * time.Second
	charged := base
	charged.ChargeHangup = true

	tests := []struct {
		name     string
		cfg      ConnectionConfig
		incoming bool
		idle     time.Duration
		charge   chargeState
		want     bool
	}{
		{"выключено", DefaultConnectionConfig(), false, time.Hour, chargeState{}, false},
		{"еще не простаивает", base, false, 10 * time.Second, chargeState{}, false},
		{"простой", base, false, 11 * time.Second, chargeState{}, true},
		{"входящий без InHangup", base, true, time.Hour, chargeState{}, false},
		{"тарификация без единиц", charged, false, 11 * time.Second, chargeState{}, true},
		{"далеко до единицы", charged, false, 11 * time.Second,
			chargeState{units: 2, interval: time.Minute, last: now.Add(-10 * time.Second)}, false},
		{"перед единицей", charged, false, 11 * time.Second,
			chargeState{units: 2, interval: time.Minute, last: now.Add(-59 * time.Second)}, true},
		{"пропущенная единица", charged, false, 11 * time.Second,
			chargeState{units: 2, interval: time.Minute, last: now.Add(-119 * time.Second)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := idleHangupDue(tt.cfg, tt.incoming, tt.idle, tt.charge, now, tick)
			assert.Equal(t, tt.want, got)
		})
	}

	in := base
	in.InHangup = true
	assert.True(t, idleHangupDue(in, true, 11*time.Second, chargeState{}, now, tick))
}

func TestBundleRoundRobin(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 2, dataCaps)
	d.setAnswer("5551")
	e.addConnection(t, "mp", func(cfg *ConnectionConfig) {
		cfg.Numbers = []string{"5551"}
		cfg.MaxChannels = 2
	})
	ctx := waitCtx(t)

	require.NoError(t, e.Dial(ctx, "mp"))
	key, err := e.Bundle(ctx, "mp")
	require.NoError(t, err)
	assert.Equal(t, "c1/1", key)
	assert.Equal(t, ChanActive, e.channelState(t, "c1", 1))

	_, err = e.Bundle(ctx, "mp")
	require.ErrorIs(t, err, ErrNotPermitted)

	for i := 0; i < 4; i++ {
		_, err := e.Submit(ctx, "mp", []byte("ab"))
		require.NoError(t, err)
	}
	d.mu.Lock()
	assert.Len(t, d.sent[0], 4)
	assert.Len(t, d.sent[1], 4)
	d.mu.Unlock()

	st, err := e.Status("mp")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1/0", "c1/1"}, st.Members)
	require.NoError(t, e.CheckInvariants())

	key, err = e.Unbundle(ctx, "mp")
	require.NoError(t, err)
	assert.Equal(t, "c1/1", key)
	assert.Equal(t, ChanUnbound, e.channelState(t, "c1", 1))
	require.NoError(t, e.CheckInvariants())

	// отбой основного канала освобождает весь пучок
	_, err = e.Bundle(ctx, "mp")
	require.NoError(t, err)
	require.NoError(t, e.Hangup(ctx, "mp"))
	assert.Equal(t, ConnIdle, mustState(t, e, "mp"))
	assert.Equal(t, ChanUnbound, e.channelState(t, "c1", 0))
	assert.Equal(t, ChanUnbound, e.channelState(t, "c1", 1))
	require.NoError(t, e.CheckInvariants())
}

func TestBundleRequiresActive(t *testing.T) {
	e := newTestEngine(t)
	e.addController(t, "c1", 2, dataCaps)
	e.addConnection(t, "mp", func(cfg *ConnectionConfig) { cfg.MaxChannels = 2 })

	_, err := e.Bundle(context.Background(), "mp")
	require.ErrorIs(t, err, ErrNotPermitted)
	_, err = e.Unbundle(context.Background(), "mp")
	require.ErrorIs(t, err, ErrNotPermitted)
}

func TestEngineStopRejectsCalls(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	d.setAnswer("1")
	c := e.addConnection(t, "conn", func(cfg *ConnectionConfig) {
		cfg.LocalNumber = "5551"
		cfg.Numbers = []string{"1"}
	})
	ctx := waitCtx(t)

	require.NoError(t, e.Stop(ctx))
	require.ErrorIs(t, e.Dial(ctx, "conn"), ErrStopped)

	d.offer(t, 0, Offer{Calling: "1", Called: "5551", SI: SIData})
	rej := d.commands(CmdReject)
	require.Len(t, rej, 1)
	assert.Equal(t, causeBusy, rej[0].Params.Cause)
	assert.Equal(t, ConnIdle, c.State())
	assert.Equal(t, ChanUnbound, e.channelState(t, "c1", 0))

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Dial(ctx, "conn"))
	assert.Equal(t, ConnActive, c.State())
}

func TestConfigureAndNumbers(t *testing.T) {
	e := newTestEngine(t)
	e.addController(t, "c1", 1, dataCaps)
	e.addConnection(t, "conn", nil)
	ctx := context.Background()

	require.NoError(t, e.AddNumber(ctx, "conn", "123"))
	require.NoError(t, e.AddNumber(ctx, "conn", "456"))
	require.NoError(t, e.AddNumber(ctx, "conn", "123"))
	require.ErrorIs(t, e.AddNumber(ctx, "conn", "12a"), ErrInvalidConfig)

	st, err := e.Status("conn")
	require.NoError(t, err)
	assert.Equal(t, []string{"123", "456"}, st.Numbers)

	require.NoError(t, e.RemoveNumber(ctx, "conn", "123"))
	require.ErrorIs(t, e.RemoveNumber(ctx, "conn", "999"), ErrInvalidConfig)

	cfg := DefaultConnectionConfig()
	cfg.LocalNumber = "777"
	require.NoError(t, e.Configure(ctx, "conn", cfg))
	st, err = e.Status("conn")
	require.NoError(t, err)
	assert.Equal(t, "777", st.LocalNumber)
	assert.Empty(t, st.Numbers)

	cfg.DialMax = 0
	require.ErrorIs(t, e.Configure(ctx, "conn", cfg), ErrInvalidConfig)
	_, err = e.AddConnection(ctx, "conn", DefaultConnectionConfig())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNumbersLockedDuringCall(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	d.setAnswer("5551")
	c := e.addConnection(t, "out", func(cfg *ConnectionConfig) {
		cfg.Numbers = []string{"5551"}
	})
	ctx := waitCtx(t)

	require.NoError(t, e.Dial(ctx, "out"))
	require.NoError(t, e.WaitConnected(ctx, "out"))

	require.ErrorIs(t, e.AddNumber(ctx, "out", "777"), ErrBusy)
	require.ErrorIs(t, e.RemoveNumber(ctx, "out", "5551"), ErrBusy)
	require.ErrorIs(t, e.BindExclusive(ctx, "out", "c1", 0), ErrBusy)

	st, err := e.Status("out")
	require.NoError(t, err)
	assert.Equal(t, ConnActive, st.State)
	assert.Equal(t, []string{"5551"}, st.Numbers)

	require.NoError(t, e.Hangup(ctx, "out"))
	require.Eventually(t, func() bool { return !c.busy() }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.AddNumber(ctx, "out", "777"))
	require.NoError(t, e.RemoveNumber(ctx, "out", "5551"))
	st, err = e.Status("out")
	require.NoError(t, err)
	assert.Equal(t, []string{"777"}, st.Numbers)
}

func TestRemoveConnectionDestroys(t *testing.T) {
	e := newTestEngine(t)
	e.addController(t, "c1", 1, dataCaps)
	c := e.addConnection(t, "conn", nil)

	require.NoError(t, e.RemoveConnection(context.Background(), "conn"))
	assert.True(t, c.refs.destroyed())
	select {
	case <-c.destroyed:
	default:
		t.Error("соединение не уничтожено")
	}
	_, err := e.Status("conn")
	require.ErrorIs(t, err, ErrUnknownConnection)
	assert.False(t, c.claim("late"))
}

func TestConnectionConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ConnectionConfig)
		ok     bool
	}{
		{"по умолчанию", func(*ConnectionConfig) {}, true},
		{"номер с буквой", func(c *ConnectionConfig) { c.Numbers = []string{"12x"} }, false},
		{"номер со звездой", func(c *ConnectionConfig) { c.Numbers = []string{"+49*1#"} }, true},
		{"пустой шаблон", func(c *ConnectionConfig) { c.Incoming = []string{""} }, false},
		{"dial_max", func(c *ConnectionConfig) { c.DialMax = 0 }, false},
		{"dial_timeout", func(c *ConnectionConfig) { c.DialTimeout = 0 }, false},
		{"callback без задержки", func(c *ConnectionConfig) {
			c.Callback = CallbackIn
			c.CallbackDelay = 0
		}, false},
		{"max_channels", func(c *ConnectionConfig) { c.MaxChannels = 0 }, false},
		{"onhook", func(c *ConnectionConfig) { c.OnHookTime = -time.Second }, false},
		{"jitter", func(c *ConnectionConfig) { c.Backoff.JitterFactor = 2 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConnectionConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestShutdownWakesWaiters(t *testing.T) {
	e := newTestEngine(t)
	e.addController(t, "c1", 1, dataCaps)
	e.addConnection(t, "out", func(cfg *ConnectionConfig) { cfg.Numbers = []string{"1"} })
	require.NoError(t, e.Dial(context.Background(), "out"))

	done := make(chan error, 1)
	go func() { done <- e.WaitConnected(context.Background(), "out") }()

	require.NoError(t, e.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrStopped) || errors.Is(err, ErrNotConnected), "ошибка %v", err)
	case <-time.After(time.Second):
		t.Fatal("WaitConnected не завершился после Shutdown")
	}
	require.ErrorIs(t, e.Dial(context.Background(), "out"), ErrStopped)
}
