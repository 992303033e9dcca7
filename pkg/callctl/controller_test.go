package callctl

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerRegistration(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.RegisterController(ctx, ControllerInfo{ID: "c1", Channels: 0, Driver: newScriptDriver()})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = e.RegisterController(ctx, ControllerInfo{ID: "c1", Channels: 1})
	require.ErrorIs(t, err, ErrInvalidConfig)

	e.addController(t, "c1", 2, dataCaps, "100")
	_, err = e.RegisterController(ctx, ControllerInfo{ID: "c1", Channels: 1, Driver: newScriptDriver()})
	require.ErrorIs(t, err, ErrInvalidConfig)

	ctrls := e.Controllers()
	require.Len(t, ctrls, 1)
	st := ctrls[0]
	assert.Equal(t, "c1", st.ID)
	assert.Equal(t, CtrlRunning, st.State)
	assert.Equal(t, []string{"100"}, st.MSNs)
	assert.False(t, st.Broken)
	require.Len(t, st.Channels, 2)
	assert.Equal(t, ChanUnbound, st.Channels[1].State)

	in := e.addController(t, "c2", 1, dataCaps).ingress
	assert.Equal(t, "c2", in.Controller())
	require.ErrorIs(t, in.Status(ctx, StatusEvent{Code: StatusCode(200)}), ErrInvalidConfig)
	require.ErrorIs(t, in.Status(ctx, StatusEvent{Code: StatDataSent + 1}), ErrInvalidConfig)
	require.ErrorIs(t, in.Status(ctx, StatusEvent{Code: 0}), ErrInvalidConfig)

	// неизвестный код не портит контроллер
	for _, st := range e.Controllers() {
		assert.False(t, st.Broken, st.ID)
	}
	out := e.addConnection(t, "out", func(cfg *ConnectionConfig) {
		cfg.Numbers = []string{"1"}
		cfg.Exclusive = &ChannelRef{Controller: "c2", Channel: 0}
	})
	key, err := allocKey(t, e, out)
	require.NoError(t, err)
	assert.Equal(t, "c2/0", key)
}

func TestStatusCodePerChannel(t *testing.T) {
	for code := StatDConn; code <= StatDataSent; code++ {
		assert.True(t, code.PerChannel(), code.String())
	}
	for _, code := range []StatusCode{0, StatStarted, StatStopped, StatUnload, StatAvailable, StatDataSent + 1, 200} {
		assert.False(t, code.PerChannel(), code.String())
	}
}

func TestControllerUnloadDefersDestruction(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	c := e.addConnection(t, "out", func(cfg *ConnectionConfig) {
		cfg.Numbers = []string{"1"}
		cfg.DialMax = 2
		cfg.Backoff = FixedBackoff(time.Hour)
	})
	ch, err := e.channel("c1", 0)
	require.NoError(t, err)
	ctx := waitCtx(t)

	require.NoError(t, e.Dial(ctx, "out"))
	require.Equal(t, ConnOutWaitDConn, c.State())

	d.status(t, StatusEvent{Code: StatUnload})

	// канал остается привязан к соединению, ожидающему повтора
	assert.Equal(t, ConnOutDialWait, c.State())
	assert.Equal(t, ChanBound, ch.State())
	_, err = e.controller("c1")
	require.ErrorIs(t, err, ErrUnknownController)
	select {
	case <-d.ingress.Destroyed():
		t.Fatal("контроллер уничтожен при занятом канале")
	default:
	}

	require.NoError(t, e.Hangup(ctx, "out"))
	assert.Equal(t, ConnIdle, c.State())
	assert.Equal(t, ChanUnbound, ch.State())
	select {
	case <-d.ingress.Destroyed():
	case <-time.After(time.Second):
		t.Fatal("контроллер не уничтожен после освобождения канала")
	}
}

func TestControllerUnloadIdleDestroysImmediately(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 2, dataCaps)

	d.status(t, StatusEvent{Code: StatUnload})
	select {
	case <-d.ingress.Destroyed():
	default:
		t.Fatal("свободный контроллер не уничтожен")
	}
	assert.Empty(t, e.Controllers())
}

func TestControllerStopForcesHangup(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	d.setAnswer("1")
	c := e.addConnection(t, "out", func(cfg *ConnectionConfig) { cfg.Numbers = []string{"1"} })
	ctx := waitCtx(t)

	require.NoError(t, e.Dial(ctx, "out"))
	require.Equal(t, ConnActive, c.State())

	d.status(t, StatusEvent{Code: StatStopped})
	assert.Equal(t, ConnIdle, c.State())
	assert.Equal(t, ChanUnbound, e.channelState(t, "c1", 0))

	ctrl, err := e.controller("c1")
	require.NoError(t, err)
	assert.Equal(t, CtrlLoaded, ctrl.State())
	require.ErrorIs(t, e.Dial(ctx, "out"), ErrNoChannel)

	d.status(t, StatusEvent{Code: StatStarted})
	assert.Equal(t, CtrlRunning, ctrl.State())
	require.NoError(t, e.Dial(ctx, "out"))
	assert.Equal(t, ConnActive, c.State())
	require.NoError(t, e.CheckInvariants())
}

func TestControllerRestartClearsBroken(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	d.setAnswer("1")
	c := e.addConnection(t, "out", func(cfg *ConnectionConfig) { cfg.Numbers = []string{"1"} })
	ctx := waitCtx(t)
	ctrl, err := e.controller("c1")
	require.NoError(t, err)

	d.status(t, StatusEvent{Code: StatStopped})
	// запоздалое разъединение после остановки
	d.status(t, StatusEvent{Code: StatDHup, Channel: 0})
	assert.True(t, ctrl.Broken())

	d.status(t, StatusEvent{Code: StatStarted})
	assert.False(t, ctrl.Broken())
	require.NoError(t, e.Dial(ctx, "out"))
	assert.Equal(t, ConnActive, c.State())
	require.NoError(t, e.CheckInvariants())
}

func TestControllerInvariantIsolation(t *testing.T) {
	e := newTestEngine(t)
	bad := e.addController(t, "bad", 1, dataCaps)
	good := e.addController(t, "good", 1, dataCaps)
	good.setAnswer("1")
	e.addConnection(t, "out", func(cfg *ConnectionConfig) { cfg.Numbers = []string{"1"} })

	bad.status(t, StatusEvent{Code: StatDConn, Channel: 9})

	ctrl, err := e.controller("bad")
	require.NoError(t, err)
	assert.True(t, ctrl.Broken())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.invariantViolations.WithLabelValues("controller")))

	// повторное нарушение не меняет состояние, но учитывается
	bad.status(t, StatusEvent{Code: StatICall, Channel: 5, Offer: &Offer{Called: "1"}})
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.invariantViolations.WithLabelValues("controller")))

	ctx := waitCtx(t)
	require.NoError(t, e.Dial(ctx, "out"))
	st, err := e.Status("out")
	require.NoError(t, err)
	assert.Equal(t, ConnActive, st.State)
	assert.Equal(t, "good/0", st.Channel)
}

func TestUnexpectedChannelEventIgnored(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)

	d.status(t, StatusEvent{Code: StatBConn, Channel: 0})
	ctrl, err := e.controller("c1")
	require.NoError(t, err)
	assert.False(t, ctrl.Broken())
	assert.Equal(t, ChanUnbound, e.channelState(t, "c1", 0))
}

func TestDiagramAndHistory(t *testing.T) {
	e := newTestEngine(t)
	d := e.addController(t, "c1", 1, dataCaps)
	d.setAnswer("1")
	e.addConnection(t, "out", func(cfg *ConnectionConfig) { cfg.Numbers = []string{"1"} })

	for _, m := range []string{"controller", "channel", "connection"} {
		out, err := e.Diagram(m)
		require.NoError(t, err, m)
		assert.True(t, strings.Contains(out, "stateDiagram"), m)
	}
	out, err := e.Diagram("connection")
	require.NoError(t, err)
	assert.Contains(t, out, string(ConnWaitBeforeCallback))

	_, err = e.Diagram("router")
	require.ErrorIs(t, err, ErrInvalidConfig)

	require.NoError(t, e.Dial(waitCtx(t), "out"))
	hist, err := e.History("out")
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, ConnIdle, hist[0].From)
	assert.Equal(t, ConnOutBound, hist[0].To)
	assert.Equal(t, ConnEvDial, hist[0].Event)
	assert.Equal(t, ConnActive, hist[len(hist)-1].To)

	_, err = e.History("missing")
	require.ErrorIs(t, err, ErrUnknownConnection)
}
