package callctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arzzra/callctl/pkg/dispatch"
)

// ChannelState состояние физического канала
type ChannelState string

const (
	ChanUnbound      ChannelState = "unbound"
	ChanBound        ChannelState = "bound"
	ChanIncomingWait ChannelState = "incoming-wait"
	ChanOutWaitDConn ChannelState = "out-wait-dconn"
	ChanDConnected   ChannelState = "dconnected"
	ChanOutWaitBConn ChannelState = "out-wait-bconn"
	ChanActive       ChannelState = "active"
	ChanWaitBHangup  ChannelState = "wait-bhangup"
	ChanWaitDHangup  ChannelState = "wait-dhangup"
)

// ChannelEvent событие автомата канала
type ChannelEvent string

const (
	ChEvBind       ChannelEvent = "bind"
	ChEvIncoming   ChannelEvent = "incoming-call"
	ChEvCallInfo   ChannelEvent = "call-info"
	ChEvAccept     ChannelEvent = "accept"
	ChEvReject     ChannelEvent = "reject"
	ChEvDial       ChannelEvent = "dial"
	ChEvDConnected ChannelEvent = "d-connected"
	ChEvBConnected ChannelEvent = "b-connected"
	ChEvHangup     ChannelEvent = "hangup"
	ChEvBHangup    ChannelEvent = "b-hangup"
	ChEvDHangup    ChannelEvent = "d-hangup"
	ChEvUnbind     ChannelEvent = "unbind"
	ChEvDataIn     ChannelEvent = "data-in"
	ChEvDataSent   ChannelEvent = "data-sent"
	ChEvChargeInfo ChannelEvent = "charge-info"
)

// Причины отказа для CmdReject и синтезированных разъединений
const (
	causeLocal    = -1 // разъединение без участия драйвера
	causeNoMatch  = 1  // нет подходящего соединения
	causeCallback = 2  // будет обратный вызов
	causeBusy     = 3  // канал занят или движок остановлен
)

// bindRequest привязка канала к соединению.
// Удержание контроллера берется аллокатором и передается каналу.
type bindRequest struct {
	conn *Connection
	hold *Hold
}

// dialRequest параметры исходящего вызова
type dialRequest struct {
	number string
	local  string
	proto  Protocol
	si     ServiceIndicator
	seq    uint64
}

// acceptRequest соединение принимает предложенный вызов
type acceptRequest struct {
	conn  *Connection
	proto Protocol
	local string
}

// Channel физический канал контроллера
type Channel struct {
	ctrl  *Controller
	index int
	key   string

	// usage слово занятости: allocated, exclusive, disabled, offered
	usage     atomic.Uint32
	exclOwner atomic.Pointer[Connection]

	rx atomic.Int64
	tx atomic.Int64

	exec   *dispatch.Executor
	fsm    *dispatch.Machine[ChannelState, ChannelEvent, *Channel]
	logger StructuredLogger

	// Поля ниже меняются только обработчиками канала.
	// mu нужен для читателей из других горутин (Status).
	mu          sync.Mutex
	owner       *Connection
	routedTo    *Connection
	hold        *Hold
	dir         Direction
	number      string
	offer       *Offer
	pendingDial *dialRequest
	seq         uint64 // номер попытки дозвона владельца
}

// usageOffered канал занят входящим предложением до его принятия
const usageOffered = usageDisabled << 1

func newChannel(ctrl *Controller, index int) *Channel {
	key := fmt.Sprintf("%s/%d", ctrl.id, index)
	ch := &Channel{
		ctrl:   ctrl,
		index:  index,
		key:    key,
		exec:   ctrl.reg.newExecutor("chan:" + key),
		logger: ctrl.reg.logger.WithChannel(ctrl.id, index),
	}
	ch.fsm = dispatch.NewMachine(channelTable, ch, ChanUnbound, key)
	ch.fsm.Observe(func(ctx context.Context, tr dispatch.Transition[ChannelState, ChannelEvent]) {
		ctrl.reg.onTransition(ctx, "channel", key, string(tr.From), string(tr.To), string(tr.Event), tr.At)
	})
	return ch
}

// Key идентификатор канала вида "controller/index"
func (ch *Channel) Key() string { return ch.key }

// State текущее состояние
func (ch *Channel) State() ChannelState { return ch.fsm.Current() }

func (ch *Channel) allocated() bool {
	return ch.usage.Load()&usageAllocated != 0
}

// tryClaim атомарно помечает канал занятым для соединения c
func (ch *Channel) tryClaim(c *Connection) bool {
	for {
		old := ch.usage.Load()
		if old&(usageAllocated|usageOffered|usageDisabled) != 0 {
			return false
		}
		if old&usageExclusive != 0 && ch.exclOwner.Load() != c {
			return false
		}
		if ch.usage.CompareAndSwap(old, old|usageAllocated) {
			ch.ctrl.reg.metrics.ChannelAllocated()
			return true
		}
	}
}

// unclaim снимает признак занятости
func (ch *Channel) unclaim() {
	if ch.usage.And(^usageAllocated)&usageAllocated != 0 {
		ch.ctrl.reg.metrics.ChannelReleased()
	}
}

// markOffered занимает канал под входящее предложение
func (ch *Channel) markOffered() bool {
	for {
		old := ch.usage.Load()
		if old&(usageAllocated|usageOffered|usageDisabled) != 0 {
			return false
		}
		if ch.usage.CompareAndSwap(old, old|usageOffered) {
			return true
		}
	}
}

// acceptOffered переводит канал из предложенного в занятый
func (ch *Channel) acceptOffered() {
	for {
		old := ch.usage.Load()
		if ch.usage.CompareAndSwap(old, (old&^usageOffered)|usageAllocated) {
			if old&usageAllocated == 0 {
				ch.ctrl.reg.metrics.ChannelAllocated()
			}
			return
		}
	}
}

func (ch *Channel) clearOffered() {
	ch.usage.And(^usageOffered)
}

// setExclusive резервирует канал за соединением (nil - снять резерв)
func (ch *Channel) setExclusive(c *Connection) error {
	if c == nil {
		ch.exclOwner.Store(nil)
		ch.usage.And(^usageExclusive)
		return nil
	}
	if !ch.exclOwner.CompareAndSwap(nil, c) && ch.exclOwner.Load() != c {
		return InvalidConfigError("exclusive", ch.key, "канал уже зарезервирован другим соединением")
	}
	ch.usage.Or(usageExclusive)
	return nil
}

func (ch *Channel) setDisabled(disabled bool) {
	if disabled {
		ch.usage.Or(usageDisabled)
		return
	}
	ch.usage.And(^usageDisabled)
}

// post ставит событие в очередь канала
func (ch *Channel) post(ctx context.Context, ev ChannelEvent, payload any) {
	err := ch.exec.Post(ctx, func(ctx context.Context) {
		ch.handle(ctx, ev, payload)
	})
	if err != nil {
		ch.ctrl.reg.postFailed(ctx, ch.exec.Name(), string(ev), err)
		if req, ok := payload.(bindRequest); ok {
			req.hold.Release()
			ch.unclaim()
		}
	}
}

func (ch *Channel) handle(ctx context.Context, ev ChannelEvent, payload any) {
	_, err := ch.fsm.Dispatch(ctx, ev, payload)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, dispatch.ErrNotHandled):
		ch.notHandled(ctx, ev, payload, err)
	case isDispatchInvariant(err) || errors.Is(err, ErrInvariant):
		ch.ctrl.reg.metrics.InvariantViolation("channel")
		ch.logger.LogError(ctx, err, "Channel invariant violation", String("event", string(ev)))
	default:
		ch.logger.LogError(ctx, err, "Channel event failed", String("event", string(ev)))
	}
}

// notHandled освобождает ресурсы, пришедшие с необработанным событием
func (ch *Channel) notHandled(ctx context.Context, ev ChannelEvent, payload any, err error) {
	switch ev {
	case ChEvBind:
		if req, ok := payload.(bindRequest); ok {
			req.hold.Release()
			ch.unclaim()
			req.conn.notify(ctx, ch, connNote{ev: ConnEvDialFailed, err: err})
		}
		ch.ctrl.reg.metrics.InvariantViolation("channel")
		ch.logger.LogError(ctx, err, "Bind on busy channel")
		return
	case ChEvIncoming:
		// канал занят: отказываем, чтобы вызывающая сторона не ждала
		_ = ch.command(ctx, CmdReject, Params{Cause: causeBusy})
	case ChEvAccept:
		if req, ok := payload.(acceptRequest); ok {
			req.conn.notify(ctx, ch, connNote{ev: ConnEvDHangup, cause: causeLocal})
		}
	}
	ch.logger.Debug(ctx, "Channel event not handled",
		String("event", string(ev)),
		String("state", string(ch.fsm.Current())),
	)
}

// command передает команду драйверу контроллера
func (ch *Channel) command(ctx context.Context, code CommandCode, p Params) error {
	cmd := Command{Controller: ch.ctrl.id, Channel: ch.index, Code: code, Params: p}
	if err := ch.ctrl.driver.Command(ctx, cmd); err != nil {
		ch.logger.LogError(ctx, err, "Driver command failed", String("command", code.String()))
		return fmt.Errorf("%s: %w", cmd, err)
	}
	ch.logger.Trace(ctx, "Driver command", String("command", code.String()), String("number", p.Number))
	return nil
}

// setup передает драйверу протоколы канала
func (ch *Channel) setup(ctx context.Context, proto Protocol) error {
	if err := ch.command(ctx, CmdSetL2, Params{L2: proto.L2}); err != nil {
		return err
	}
	return ch.command(ctx, CmdSetL3, Params{L3: proto.L3})
}

// notifyOwner отправляет уведомление владельцу через его очередь
func (ch *Channel) notifyOwner(ctx context.Context, note connNote) {
	ch.mu.Lock()
	owner := ch.owner
	note.seq = ch.seq
	ch.mu.Unlock()
	if owner != nil {
		owner.notify(ctx, ch, note)
	}
}

func (ch *Channel) setCall(dir Direction, number string) {
	ch.mu.Lock()
	ch.dir = dir
	ch.number = number
	ch.mu.Unlock()
}

// resetCall сбрасывает параметры завершенного вызова
func (ch *Channel) resetCall() {
	ch.mu.Lock()
	ch.dir = DirNone
	ch.number = ""
	ch.offer = nil
	ch.mu.Unlock()
	ch.rx.Store(0)
	ch.tx.Store(0)
}

// releaseToUnbound отпускает контроллер и освобождает канал
func (ch *Channel) releaseToUnbound() {
	ch.mu.Lock()
	hold := ch.hold
	ch.hold = nil
	ch.owner = nil
	ch.routedTo = nil
	ch.pendingDial = nil
	ch.seq = 0
	ch.mu.Unlock()

	ch.clearOffered()
	ch.unclaim()
	hold.Release()
}

// dropOffer отклоняет входящее предложение
func (ch *Channel) dropOffer(ctx context.Context, cause int) {
	_ = ch.command(ctx, CmdReject, Params{Cause: cause})
	ch.resetCall()
	ch.releaseToUnbound()
}

// ChannelStatus снимок состояния канала
type ChannelStatus struct {
	Index     int          `yaml:"index"`
	State     ChannelState `yaml:"state"`
	Allocated bool         `yaml:"allocated"`
	Exclusive bool         `yaml:"exclusive"`
	Disabled  bool         `yaml:"disabled"`
	Owner     string       `yaml:"owner,omitempty"`
	Number    string       `yaml:"number,omitempty"`
	Direction string       `yaml:"direction"`
	RxBytes   int64        `yaml:"rx_bytes"`
	TxBytes   int64        `yaml:"tx_bytes"`
}

func (ch *Channel) status() ChannelStatus {
	u := ch.usage.Load()
	st := ChannelStatus{
		Index:     ch.index,
		State:     ch.fsm.Current(),
		Allocated: u&usageAllocated != 0,
		Exclusive: u&usageExclusive != 0,
		Disabled:  u&usageDisabled != 0,
		RxBytes:   ch.rx.Load(),
		TxBytes:   ch.tx.Load(),
	}
	ch.mu.Lock()
	if ch.owner != nil {
		st.Owner = ch.owner.name
	}
	st.Number = ch.number
	st.Direction = ch.dir.String()
	ch.mu.Unlock()
	return st
}
