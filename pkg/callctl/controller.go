package callctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/callctl/pkg/dispatch"
)

// ControllerState состояние контроллера
type ControllerState string

const (
	CtrlUnregistered ControllerState = "unregistered"
	CtrlLoaded       ControllerState = "loaded"
	CtrlRunning      ControllerState = "running"
)

// ControllerEvent событие автомата контроллера
type ControllerEvent string

const (
	CtrlEvRegister     ControllerEvent = "register"
	CtrlEvStarted      ControllerEvent = "started"
	CtrlEvStopped      ControllerEvent = "stopped"
	CtrlEvUnloaded     ControllerEvent = "unloaded"
	CtrlEvAvailable    ControllerEvent = "status-available"
	CtrlEvChannelAdded ControllerEvent = "channel-added"
	CtrlEvForward      ControllerEvent = "forward"
)

type ctrlStep = dispatch.Step[ControllerState, ControllerEvent]
type ctrlRule = dispatch.Rule[ControllerState, ControllerEvent, *Controller]

// dataNote принятые данные для канала
type dataNote struct {
	channel int
	payload []byte
}

var controllerTable = dispatch.NewTable("controller",
	ctrlRule{Event: CtrlEvRegister, Src: []ControllerState{CtrlUnregistered}, Dst: CtrlLoaded, Handler: ctrlRegister},
	ctrlRule{Event: CtrlEvStarted, Src: []ControllerState{CtrlLoaded}, Dst: CtrlRunning, Handler: ctrlStarted},
	ctrlRule{Event: CtrlEvStopped, Src: []ControllerState{CtrlRunning}, Dst: CtrlLoaded, Handler: ctrlStopped},
	ctrlRule{Event: CtrlEvUnloaded, Src: []ControllerState{CtrlLoaded, CtrlRunning}, Dst: CtrlUnregistered, Handler: ctrlUnloaded},
	ctrlRule{Event: CtrlEvAvailable, Src: []ControllerState{CtrlLoaded}, Dst: CtrlLoaded, Handler: ctrlAvailable},
	ctrlRule{Event: CtrlEvAvailable, Src: []ControllerState{CtrlRunning}, Dst: CtrlRunning, Handler: ctrlAvailable},
	ctrlRule{Event: CtrlEvChannelAdded, Src: []ControllerState{CtrlLoaded}, Dst: CtrlLoaded, Handler: ctrlChannelAdded},
	ctrlRule{Event: CtrlEvChannelAdded, Src: []ControllerState{CtrlRunning}, Dst: CtrlRunning, Handler: ctrlChannelAdded},
	ctrlRule{Event: CtrlEvForward, Src: []ControllerState{CtrlRunning}, Dst: CtrlRunning, Handler: ctrlForward},
)

// Controller аппаратный контроллер с набором каналов
type Controller struct {
	id     string
	reg    *Registry
	driver Driver
	caps   Capability
	msns   []string

	mu       sync.RWMutex
	channels []*Channel

	refs      *refCounter
	regHold   *Hold
	destroyed chan struct{}
	broken    atomic.Bool

	exec   *dispatch.Executor
	fsm    *dispatch.Machine[ControllerState, ControllerEvent, *Controller]
	logger StructuredLogger
}

func newController(r *Registry, info ControllerInfo) *Controller {
	c := &Controller{
		id:        info.ID,
		reg:       r,
		driver:    info.Driver,
		caps:      info.Caps,
		msns:      append([]string(nil), info.MSNs...),
		destroyed: make(chan struct{}),
		exec:      r.newExecutor("ctrl:" + info.ID),
		logger:    r.logger.WithController(info.ID),
	}
	c.refs = newRefCounter(c.destroy)
	c.regHold = c.refs.acquire("registry")
	c.fsm = dispatch.NewMachine(controllerTable, c, CtrlUnregistered, c.id)
	c.fsm.Observe(func(ctx context.Context, tr dispatch.Transition[ControllerState, ControllerEvent]) {
		r.onTransition(ctx, "controller", c.id, string(tr.From), string(tr.To), string(tr.Event), tr.At)
	})
	return c
}

// ID идентификатор контроллера
func (c *Controller) ID() string { return c.id }

// State текущее состояние
func (c *Controller) State() ControllerState { return c.fsm.Current() }

// Broken контроллер выведен из работы из-за нарушения инварианта
func (c *Controller) Broken() bool { return c.broken.Load() }

// Destroyed закрывается, когда отпущено последнее удержание контроллера
func (c *Controller) Destroyed() <-chan struct{} { return c.destroyed }

func (c *Controller) channel(index int) *Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.channels) {
		return nil
	}
	return c.channels[index]
}

func (c *Controller) channelList() []*Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// usable пригоден ли контроллер для новых вызовов
func (c *Controller) usable() bool {
	return c.fsm.Is(CtrlRunning) && !c.broken.Load()
}

func (c *Controller) destroy() {
	close(c.destroyed)
	c.logger.Info(context.Background(), "Controller destroyed")
}

// post ставит событие в очередь контроллера
func (c *Controller) post(ctx context.Context, ev ControllerEvent, payload any) error {
	err := c.exec.Post(ctx, func(ctx context.Context) {
		c.handle(ctx, ev, payload)
	})
	if err != nil {
		c.reg.postFailed(ctx, c.exec.Name(), string(ev), err)
	}
	return err
}

func (c *Controller) handle(ctx context.Context, ev ControllerEvent, payload any) {
	_, err := c.fsm.Dispatch(ctx, ev, payload)
	if err == nil {
		return
	}
	// уведомление канала вне Running или для несуществующего канала
	if ev == CtrlEvForward || errors.Is(err, ErrInvariant) || isDispatchInvariant(err) {
		c.markBroken(ctx, err)
		return
	}
	c.logger.Debug(ctx, "Controller event rejected", String("event", string(ev)), Err(err))
}

func (c *Controller) markBroken(ctx context.Context, err error) {
	c.reg.metrics.InvariantViolation("controller")
	if c.broken.CompareAndSwap(false, true) {
		c.logger.LogError(ctx, err, "Controller marked broken", String("state", string(c.fsm.Current())))
		return
	}
	c.logger.Debug(ctx, "Broken controller event", Err(err))
}

func isDispatchInvariant(err error) bool {
	var inv *dispatch.InvariantError
	return errors.As(err, &inv)
}

// forceHangup синтезирует d-hangup на всех занятых каналах
func (c *Controller) forceHangup(ctx context.Context, reason string) {
	for _, ch := range c.channelList() {
		if ch.fsm.Is(ChanUnbound) || ch.fsm.Is(ChanBound) {
			continue
		}
		ch.post(ctx, ChEvDHangup, StatusEvent{Code: StatDHup, Channel: ch.index, Cause: causeLocal})
	}
	c.logger.Info(ctx, "Busy channels forced to hang up", String("reason", reason))
}

func ctrlRegister(ctx context.Context, c *Controller, step *ctrlStep) error {
	c.logger.Debug(ctx, "Controller loaded", String("caps", c.caps.String()))
	return nil
}

func ctrlChannelAdded(ctx context.Context, c *Controller, step *ctrlStep) error {
	ch, ok := step.Payload.(*Channel)
	if !ok || ch == nil {
		return InvariantViolation(c.id, string(step.Src), "channel-added без канала")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch.index != len(c.channels) {
		return InvariantViolation(c.id, string(step.Src), fmt.Sprintf("канал %d добавлен не по порядку", ch.index))
	}
	c.channels = append(c.channels, ch)
	return nil
}

// ctrlStarted после остановки все каналы уже разъединены, поэтому
// признак broken с прошлого запуска снимается
func ctrlStarted(ctx context.Context, c *Controller, step *ctrlStep) error {
	if c.broken.CompareAndSwap(true, false) {
		c.logger.Warn(ctx, "Broken flag cleared on restart")
	}
	c.logger.Info(ctx, "Controller running", Int("channels", len(c.channelList())))
	return nil
}

func ctrlStopped(ctx context.Context, c *Controller, step *ctrlStep) error {
	c.forceHangup(ctx, "stopped")
	return nil
}

func ctrlUnloaded(ctx context.Context, c *Controller, step *ctrlStep) error {
	c.reg.removeController(c)
	c.forceHangup(ctx, "unloaded")
	// уничтожение откладывается до освобождения всех каналов
	c.regHold.Release()
	c.logger.Info(ctx, "Controller unloaded", Int("holds", c.refs.count()))
	return nil
}

func ctrlAvailable(ctx context.Context, c *Controller, step *ctrlStep) error {
	c.logger.Debug(ctx, "Controller availability changed")
	return nil
}

// ctrlForward дословно передает уведомление адресованному каналу
func ctrlForward(ctx context.Context, c *Controller, step *ctrlStep) error {
	var (
		index   int
		event   ChannelEvent
		payload any
	)
	switch p := step.Payload.(type) {
	case StatusEvent:
		ev, ok := channelEventFor(p.Code)
		if !ok {
			return InvariantViolation(c.id, string(step.Src), "уведомление "+p.Code.String()+" не адресовано каналу")
		}
		index, event, payload = p.Channel, ev, p
	case dataNote:
		index, event, payload = p.channel, ChEvDataIn, p.payload
	default:
		return InvariantViolation(c.id, string(step.Src), "forward без уведомления")
	}

	ch := c.channel(index)
	if ch == nil {
		return InvariantViolation(c.id, string(step.Src), fmt.Sprintf("индекс канала %d вне диапазона", index)).
			WithField("channel", index)
	}
	ch.post(ctx, event, payload)
	return nil
}

func channelEventFor(code StatusCode) (ChannelEvent, bool) {
	switch code {
	case StatDConn:
		return ChEvDConnected, true
	case StatBConn:
		return ChEvBConnected, true
	case StatDHup:
		return ChEvDHangup, true
	case StatBHup:
		return ChEvBHangup, true
	case StatICall:
		return ChEvIncoming, true
	case StatCallInfo:
		return ChEvCallInfo, true
	case StatChargeInfo:
		return ChEvChargeInfo, true
	case StatDataSent:
		return ChEvDataSent, true
	}
	return "", false
}

// ControllerStatus снимок состояния контроллера
type ControllerStatus struct {
	ID       string          `yaml:"id"`
	State    ControllerState `yaml:"state"`
	Caps     string          `yaml:"caps"`
	MSNs     []string        `yaml:"msns,omitempty"`
	Broken   bool            `yaml:"broken"`
	Holds    int             `yaml:"holds"`
	Channels []ChannelStatus `yaml:"channels"`
}

func (c *Controller) status() ControllerStatus {
	st := ControllerStatus{
		ID:     c.id,
		State:  c.fsm.Current(),
		Caps:   c.caps.String(),
		MSNs:   c.msns,
		Broken: c.broken.Load(),
		Holds:  c.refs.count(),
	}
	for _, ch := range c.channelList() {
		st.Channels = append(st.Channels, ch.status())
	}
	return st
}

// waitDestroyed ждет уничтожения контроллера
func (c *Controller) waitDestroyed(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.destroyed:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}
