package callctl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// scriptDriver драйвер для тестов: записывает команды и по сценарию
// отвечает уведомлениями через Ingress
type scriptDriver struct {
	mu      sync.Mutex
	ingress *Ingress
	cmds    []Command
	sent    map[int][]byte

	answer     map[string]bool // номера, которые отвечают
	refuse     map[string]bool // номера, которые сразу разъединяют
	dialErr    error
	acceptErr  error
	autoAccept bool // входящий вызов устанавливается после AcceptD
	autoHangup bool // на Hangup сразу приходит d-hangup
}

func newScriptDriver() *scriptDriver {
	return &scriptDriver{
		sent:       make(map[int][]byte),
		answer:     make(map[string]bool),
		refuse:     make(map[string]bool),
		autoAccept: true,
		autoHangup: true,
	}
}

func (d *scriptDriver) Command(ctx context.Context, cmd Command) error {
	d.mu.Lock()
	d.cmds = append(d.cmds, cmd)
	in := d.ingress
	answer := d.answer[cmd.Params.Number]
	refuse := d.refuse[cmd.Params.Number]
	dialErr, acceptErr := d.dialErr, d.acceptErr
	autoAccept, autoHangup := d.autoAccept, d.autoHangup
	d.mu.Unlock()

	ch := cmd.Channel
	switch cmd.Code {
	case CmdDial:
		if dialErr != nil {
			return dialErr
		}
		switch {
		case answer:
			in.Status(ctx, StatusEvent{Code: StatDConn, Channel: ch})
			in.Status(ctx, StatusEvent{Code: StatBConn, Channel: ch})
		case refuse:
			in.Status(ctx, StatusEvent{Code: StatDHup, Channel: ch, Cause: 17})
		}
	case CmdAcceptD:
		if acceptErr != nil {
			return acceptErr
		}
		if autoAccept {
			in.Status(ctx, StatusEvent{Code: StatDConn, Channel: ch})
			in.Status(ctx, StatusEvent{Code: StatBConn, Channel: ch})
		}
	case CmdHangup:
		if autoHangup {
			in.Status(ctx, StatusEvent{Code: StatDHup, Channel: ch})
		}
	}
	return nil
}

func (d *scriptDriver) Transmit(ctx context.Context, channel int, payload []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent[channel] = append(d.sent[channel], payload...)
	return len(payload), nil
}

func (d *scriptDriver) setAnswer(numbers ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range numbers {
		d.answer[n] = true
	}
}

func (d *scriptDriver) setRefuse(numbers ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range numbers {
		d.refuse[n] = true
	}
}

// commands команды с кодом code (0 - все)
func (d *scriptDriver) commands(code CommandCode) []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Command
	for _, c := range d.cmds {
		if code == 0 || c.Code == code {
			out = append(out, c)
		}
	}
	return out
}

func (d *scriptDriver) dialed() []string {
	var out []string
	for _, c := range d.commands(CmdDial) {
		out = append(out, c.Params.Number)
	}
	return out
}

// testEngine движок с реестром метрик на время теста
type testEngine struct {
	*Registry
	prom *prometheus.Registry
}

func newTestEngine(t *testing.T, opts ...func(*EngineConfig)) *testEngine {
	t.Helper()
	prom := prometheus.NewRegistry()
	cfg := DefaultEngineConfig()
	cfg.TickInterval = time.Hour
	cfg.Metrics = &MetricsConfig{
		Enabled:    true,
		Namespace:  "test",
		Subsystem:  "engine",
		Registerer: prom,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return &testEngine{Registry: r, prom: prom}
}

// addController регистрирует и запускает контроллер со скриптовым драйвером
func (e *testEngine) addController(t *testing.T, id string, channels int, caps Capability, msns ...string) *scriptDriver {
	t.Helper()
	d := newScriptDriver()
	in, err := e.RegisterController(context.Background(), ControllerInfo{
		ID:       id,
		Channels: channels,
		Caps:     caps,
		MSNs:     msns,
		Driver:   d,
	})
	require.NoError(t, err)
	d.mu.Lock()
	d.ingress = in
	d.mu.Unlock()
	require.NoError(t, in.Status(context.Background(), StatusEvent{Code: StatStarted}))
	return d
}

func (e *testEngine) addConnection(t *testing.T, name string, mutate func(*ConnectionConfig)) *Connection {
	t.Helper()
	cfg := DefaultConnectionConfig()
	cfg.Backoff = FixedBackoff(time.Millisecond)
	if mutate != nil {
		mutate(&cfg)
	}
	_, err := e.AddConnection(context.Background(), name, cfg)
	require.NoError(t, err)
	c, err := e.connection(name)
	require.NoError(t, err)
	return c
}

// offer входящий вызов на канал ch контроллера драйвера d
func (d *scriptDriver) offer(t *testing.T, ch int, o Offer) {
	t.Helper()
	require.NoError(t, d.ingress.Status(context.Background(), StatusEvent{Code: StatICall, Channel: ch, Offer: &o}))
}

func (d *scriptDriver) status(t *testing.T, ev StatusEvent) {
	t.Helper()
	require.NoError(t, d.ingress.Status(context.Background(), ev))
}

func (e *testEngine) channelState(t *testing.T, ctrl string, idx int) ChannelState {
	t.Helper()
	ch, err := e.channel(ctrl, idx)
	require.NoError(t, err)
	return ch.State()
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var dataCaps = L2X75I.Cap() | L2HDLC.Cap() | L3Trans.Cap()
