package callctl

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/callctl/pkg/dispatch"
)

// ConnectionState состояние логического соединения
type ConnectionState string

const (
	ConnIdle               ConnectionState = "idle"
	ConnOutBound           ConnectionState = "out-bound"
	ConnOutWaitDConn       ConnectionState = "out-wait-dconn"
	ConnOutWaitBConn       ConnectionState = "out-wait-bconn"
	ConnInWaitDConn        ConnectionState = "in-wait-dconn"
	ConnInWaitBConn        ConnectionState = "in-wait-bconn"
	ConnActive             ConnectionState = "active"
	ConnWaitDHangup        ConnectionState = "wait-dhangup"
	ConnWaitBeforeCallback ConnectionState = "wait-before-callback"
	ConnOutDialWait        ConnectionState = "out-dial-wait"
)

// ConnEvent событие автомата соединения
type ConnEvent string

const (
	ConnEvDial            ConnEvent = "dial"
	ConnEvAttempt         ConnEvent = "attempt"
	ConnEvDConnected      ConnEvent = "d-connected"
	ConnEvBConnected      ConnEvent = "b-connected"
	ConnEvDialTimeout     ConnEvent = "dial-timeout"
	ConnEvDialFailed      ConnEvent = "dial-failed"
	ConnEvRedial          ConnEvent = "redial"
	ConnEvAcceptIncoming  ConnEvent = "accept-incoming"
	ConnEvIncomingTimeout ConnEvent = "incoming-timeout"
	ConnEvCallback        ConnEvent = "callback"
	ConnEvCallbackDial    ConnEvent = "callback-dial"
	ConnEvIdleCheck       ConnEvent = "idle-check"
	ConnEvChargeInfo      ConnEvent = "charge-info"
	ConnEvHangup          ConnEvent = "hangup"
	ConnEvBHangup         ConnEvent = "b-hangup"
	ConnEvDHangup         ConnEvent = "d-hangup"
	ConnEvDataIn          ConnEvent = "data-in"
)

// timerEvents событие, которое порождает сработавший таймер
var timerEvents = map[TimerKind]ConnEvent{
	TimerDial:     ConnEvDialTimeout,
	TimerBackoff:  ConnEvRedial,
	TimerIncoming: ConnEvIncomingTimeout,
	TimerCallback: ConnEvCallbackDial,
	TimerTick:     ConnEvIdleCheck,
}

// errStaleTimer событие от перевзведенного или отмененного таймера
var errStaleTimer = errors.New("stale timer")

// connNote уведомление канала для соединения
type connNote struct {
	ev      ConnEvent
	err     error
	cause   int
	offer   *Offer
	payload []byte
	seq     uint64 // номер попытки дозвона, к которой относится уведомление
}

// chanNote уведомление вместе с каналом-отправителем
type chanNote struct {
	ch   *Channel
	note connNote
}

// ChannelRef адрес канала для предварительного выбора
type ChannelRef struct {
	Controller string
	Channel    int
}

func (r ChannelRef) String() string {
	return fmt.Sprintf("%s/%d", r.Controller, r.Channel)
}

// ParseChannelRef разбирает ссылку вида "контроллер/канал"
func ParseChannelRef(s string) (ChannelRef, error) {
	id, num, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || id == "" {
		return ChannelRef{}, InvalidConfigError("channel", s, "ожидается контроллер/канал")
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return ChannelRef{}, InvalidConfigError("channel", s, "неверный номер канала")
	}
	return ChannelRef{Controller: id, Channel: n}, nil
}

// ConnectionConfig настройки соединения
type ConnectionConfig struct {
	// LocalNumber собственный номер. Префикс "v" помечает голосовое соединение.
	LocalNumber string

	// Numbers номера для исходящего дозвона, перебираются по кругу
	Numbers []string

	// Incoming шаблоны разрешенных входящих номеров (для Secure)
	Incoming []string

	Protocol Protocol

	Callback      CallbackPolicy
	CallbackDelay time.Duration

	// DialMax число полных циклов по списку номеров
	DialMax     int
	DialTimeout time.Duration
	Backoff     BackoffConfig

	IncomingTimeout time.Duration

	// OnHookTime время простоя до разъединения, 0 - не разъединять
	OnHookTime   time.Duration
	ChargeHangup bool
	InHangup     bool

	// Secure принимать только вызовы с номеров из Incoming
	Secure bool

	// Exclusive канал, закрепленный за соединением
	Exclusive *ChannelRef

	DialMode    DialMode
	MaxChannels int
}

// DefaultConnectionConfig возвращает конфигурацию по умолчанию
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Protocol:        Protocol{L2: L2X75I, L3: L3Trans},
		CallbackDelay:   2 * time.Second,
		DialMax:         1,
		DialTimeout:     60 * time.Second,
		Backoff:         DefaultBackoffConfig(),
		IncomingTimeout: 15 * time.Second,
		DialMode:        DialManual,
		MaxChannels:     1,
	}
}

// Validate проверяет конфигурацию. Пустой список номеров допустим,
// ошибка возникает только при попытке дозвона.
func (cfg ConnectionConfig) Validate() error {
	for _, n := range cfg.Numbers {
		if err := validateNumber(n); err != nil {
			return err
		}
	}
	for _, p := range cfg.Incoming {
		if p == "" {
			return InvalidConfigError("incoming", p, "пустой шаблон")
		}
	}
	if cfg.DialMax < 1 {
		return InvalidConfigError("dial_max", cfg.DialMax, "должно быть не меньше 1")
	}
	if cfg.DialTimeout <= 0 {
		return InvalidConfigError("dial_timeout", cfg.DialTimeout, "должен быть больше нуля")
	}
	if cfg.IncomingTimeout <= 0 {
		return InvalidConfigError("incoming_timeout", cfg.IncomingTimeout, "должен быть больше нуля")
	}
	if cfg.OnHookTime < 0 {
		return InvalidConfigError("onhook_time", cfg.OnHookTime, "отрицательное время")
	}
	if cfg.Callback != CallbackNone && cfg.CallbackDelay <= 0 {
		return InvalidConfigError("callback_delay", cfg.CallbackDelay, "должна быть больше нуля при обратном вызове")
	}
	if cfg.MaxChannels < 1 {
		return InvalidConfigError("max_channels", cfg.MaxChannels, "должно быть не меньше 1")
	}
	if cfg.Exclusive != nil && cfg.Exclusive.Channel < 0 {
		return InvalidConfigError("exclusive", cfg.Exclusive.String(), "отрицательный индекс канала")
	}
	return cfg.Backoff.Validate()
}

func validateNumber(n string) error {
	if n == "" {
		return InvalidConfigError("number", n, "пустой номер")
	}
	for _, r := range n {
		if (r < '0' || r > '9') && r != '+' && r != '*' && r != '#' {
			return InvalidConfigError("number", n, "допустимы цифры, '+', '*', '#'")
		}
	}
	return nil
}

// clone копия без общих срезов
func (cfg ConnectionConfig) clone() ConnectionConfig {
	out := cfg
	out.Numbers = slices.Clone(cfg.Numbers)
	out.Incoming = slices.Clone(cfg.Incoming)
	if cfg.Exclusive != nil {
		ref := *cfg.Exclusive
		out.Exclusive = &ref
	}
	return out
}

// splitLocalNumber отделяет голосовой маркер от собственного номера
func splitLocalNumber(local string) (string, bool) {
	if rest, ok := strings.CutPrefix(local, VoiceMarker); ok {
		return rest, true
	}
	return local, false
}

// Connection логическое соединение
type Connection struct {
	name string
	id   string
	reg  *Registry

	refs     *refCounter
	regHold  *Hold
	selfHold atomic.Pointer[Hold]

	exec   *dispatch.Executor
	fsm    *dispatch.Machine[ConnectionState, ConnEvent, *Connection]
	logger StructuredLogger

	cfgMu sync.RWMutex
	cfg   ConnectionConfig

	idleTicks atomic.Int64
	rx        atomic.Int64
	tx        atomic.Int64
	rr        atomic.Uint64

	destroyed chan struct{}

	waitMu  sync.Mutex
	changed chan struct{}

	mu             sync.Mutex
	current        *Channel
	members        []*Channel
	active         map[*Channel]bool
	dialList       []string
	numberIdx      int
	retry          int
	attempts       int
	dialSeq        uint64
	dir            Direction
	peer           string
	linkUp         bool
	callStart      time.Time
	chargeUnits    int
	chargeInterval time.Duration
	lastCharge     time.Time
	lastErr        error
	receiver       Receiver
}

func newConnection(r *Registry, name string, cfg ConnectionConfig) *Connection {
	c := &Connection{
		name:      name,
		id:        newConnectionID(),
		reg:       r,
		exec:      r.newExecutor("conn:" + name),
		logger:    r.logger.WithConnection(name),
		cfg:       cfg.clone(),
		destroyed: make(chan struct{}),
		changed:   make(chan struct{}),
		active:    make(map[*Channel]bool),
	}
	c.refs = newRefCounter(c.destroy)
	c.regHold = c.refs.acquire("registry")
	c.fsm = dispatch.NewMachine(connectionTable, c, ConnIdle, name)
	c.fsm.Observe(func(ctx context.Context, tr dispatch.Transition[ConnectionState, ConnEvent]) {
		r.onTransition(ctx, "connection", name, string(tr.From), string(tr.To), string(tr.Event), tr.At)
		c.signal()
	})
	return c
}

// Name имя соединения
func (c *Connection) Name() string { return c.name }

// ID уникальный идентификатор экземпляра соединения
func (c *Connection) ID() string { return c.id }

// State текущее состояние
func (c *Connection) State() ConnectionState { return c.fsm.Current() }

func (c *Connection) config() ConnectionConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func (c *Connection) setConfig(cfg ConnectionConfig) {
	c.cfgMu.Lock()
	c.cfg = cfg.clone()
	c.cfgMu.Unlock()
}

func (c *Connection) destroy() {
	c.reg.timers.CancelAll(c.id)
	close(c.destroyed)
	c.logger.Debug(context.Background(), "Connection destroyed", String("id", c.id))
}

// claim занимает соединение под вызов. Удачным может быть только один claim
// до releaseClaim.
func (c *Connection) claim(reason string) bool {
	h := c.refs.acquire(reason)
	if h == nil {
		return false
	}
	if !c.selfHold.CompareAndSwap(nil, h) {
		h.Release()
		return false
	}
	return true
}

func (c *Connection) claimed() bool {
	return c.selfHold.Load() != nil
}

// busy соединение занято вызовом или выделением канала
func (c *Connection) busy() bool {
	return !c.fsm.Is(ConnIdle) || c.claimed()
}

func (c *Connection) releaseClaim() {
	if h := c.selfHold.Swap(nil); h != nil {
		h.Release()
		c.signal()
	}
}

// signal будит ожидающих изменения состояния
func (c *Connection) signal() {
	c.waitMu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.waitMu.Unlock()
}

func (c *Connection) changes() <-chan struct{} {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.changed
}

// waitFor ждет выполнения условия. done возвращает результат ожидания
// или false, если нужно ждать дальше.
func (c *Connection) waitFor(ctx context.Context, done func() (bool, error)) error {
	for {
		ch := c.changes()
		if ok, err := done(); ok {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.reg.done:
			return StoppedError("wait")
		}
	}
}

func (c *Connection) waitConnected(ctx context.Context) error {
	return c.waitFor(ctx, func() (bool, error) {
		if c.fsm.Is(ConnActive) {
			return true, nil
		}
		if c.fsm.Is(ConnIdle) && !c.claimed() {
			c.mu.Lock()
			err := c.lastErr
			c.mu.Unlock()
			if err == nil {
				err = NotConnectedError(c.name, string(ConnIdle))
			}
			return true, err
		}
		return false, nil
	})
}

// post ставит событие в очередь соединения
func (c *Connection) post(ctx context.Context, ev ConnEvent, payload any) {
	err := c.exec.Post(ctx, func(ctx context.Context) {
		c.handle(ctx, ev, payload)
	})
	if err != nil {
		c.reg.postFailed(ctx, c.exec.Name(), string(ev), err)
	}
}

// notify доставляет уведомление канала через очередь соединения
func (c *Connection) notify(ctx context.Context, ch *Channel, note connNote) {
	err := c.exec.Post(ctx, func(ctx context.Context) {
		c.handleChannelEvent(ctx, ch, note)
	})
	if err != nil {
		c.reg.postFailed(ctx, c.exec.Name(), string(note.ev), err)
		if note.ev == ConnEvAcceptIncoming {
			ch.post(ctx, ChEvReject, nil)
			c.releaseClaim()
		}
	}
}

func (c *Connection) handle(ctx context.Context, ev ConnEvent, payload any) {
	_, err := c.fsm.Dispatch(ctx, ev, payload)
	switch {
	case err == nil, errors.Is(err, errStaleTimer):
	case errors.Is(err, dispatch.ErrNotHandled):
		c.logger.Debug(ctx, "Connection event not handled",
			String("event", string(ev)),
			String("state", string(c.fsm.Current())),
		)
	case isDispatchInvariant(err) || errors.Is(err, ErrInvariant):
		c.reg.metrics.InvariantViolation("connection")
		c.logger.LogError(ctx, err, "Connection invariant violation", String("event", string(ev)))
	default:
		c.logger.LogError(ctx, err, "Connection event failed", String("event", string(ev)))
	}
}

// dispatchOp выполняет команду оператора, находясь под блокировкой соединения
func (c *Connection) dispatchOp(ctx context.Context, ev ConnEvent, op string) error {
	_, err := c.fsm.Dispatch(ctx, ev, nil)
	if errors.Is(err, dispatch.ErrNotHandled) {
		return NotPermittedError(c.name, string(c.fsm.Current()), op)
	}
	return err
}

func (c *Connection) handleChannelEvent(ctx context.Context, ch *Channel, note connNote) {
	switch note.ev {
	case ConnEvAcceptIncoming, ConnEvCallback:
		// соединение уже занято маршрутизатором
		if _, err := c.fsm.Dispatch(ctx, note.ev, chanNote{ch: ch, note: note}); err != nil {
			c.logger.LogError(ctx, err, "Routed call dropped", String("event", string(note.ev)))
			if note.ev == ConnEvAcceptIncoming {
				ch.post(ctx, ChEvReject, nil)
			}
			c.releaseClaim()
		}
		return
	}

	c.mu.Lock()
	primary := ch == c.current
	member := primary || slices.Contains(c.members, ch)
	outgoing := c.dir == DirOutgoing
	seq := c.dialSeq
	c.mu.Unlock()

	if !member {
		c.logger.Debug(ctx, "Notification from foreign channel ignored",
			String("channel", ch.key),
			String("event", string(note.ev)),
		)
		return
	}
	if note.ev == ConnEvDataIn {
		c.onData(ctx, note.payload)
		return
	}
	if !primary {
		c.memberEvent(ctx, ch, note)
		return
	}
	if outgoing && note.seq != 0 && note.seq != seq {
		c.logger.Debug(ctx, "Notification for previous attempt ignored", String("event", string(note.ev)))
		return
	}

	ev := note.ev
	if ev == ConnEvDHangup && (c.fsm.Is(ConnOutWaitDConn) || c.fsm.Is(ConnOutWaitBConn)) {
		ev = ConnEvDialFailed
	}
	c.handle(ctx, ev, chanNote{ch: ch, note: note})
}

// onData принятые данные сбрасывают счетчик простоя
func (c *Connection) onData(ctx context.Context, payload []byte) {
	c.idleTicks.Store(0)
	c.rx.Add(int64(len(payload)))
	c.mu.Lock()
	rcv := c.receiver
	c.mu.Unlock()
	if rcv != nil {
		rcv.Receive(c.name, payload)
	}
}

// arm взводит таймер, сработавший таймер ставит событие в очередь
func (c *Connection) arm(kind TimerKind, d time.Duration) {
	ev := timerEvents[kind]
	c.reg.timers.Set(c.id, kind, d, func(te TimeoutEvent) {
		c.post(context.Background(), ev, te)
	})
}

// consume проверяет, что событие пришло от актуального таймера
func (c *Connection) consume(step *connStep) error {
	te, ok := step.Payload.(TimeoutEvent)
	if !ok || !c.reg.timers.Consume(te) {
		return errStaleTimer
	}
	return nil
}

// hangupMembers разъединяет все каналы соединения
func (c *Connection) hangupMembers(ctx context.Context) {
	c.mu.Lock()
	members := slices.Clone(c.members)
	c.mu.Unlock()
	for _, ch := range members {
		ch.post(ctx, ChEvHangup, nil)
	}
}

// finish освобождает каналы и соединение после завершения вызова
func (c *Connection) finish(ctx context.Context, cause error) {
	c.reg.timers.CancelAll(c.id)

	c.mu.Lock()
	members := c.members
	c.current = nil
	c.members = nil
	clear(c.active)
	c.dir = DirNone
	wasUp := c.linkUp
	c.linkUp = false
	start := c.callStart
	rcv := c.receiver
	if cause != nil {
		c.lastErr = cause
	}
	c.mu.Unlock()

	for _, ch := range members {
		ch.post(ctx, ChEvUnbind, nil)
	}
	if wasUp {
		c.reg.metrics.CallEnded(start)
		if rcv != nil {
			rcv.LinkDown(c.name)
		}
	}
	c.releaseClaim()
}

// ConnectionStatus снимок состояния соединения
type ConnectionStatus struct {
	Name           string          `yaml:"name"`
	ID             string          `yaml:"id"`
	State          ConnectionState `yaml:"state"`
	Claimed        bool            `yaml:"claimed"`
	LocalNumber    string          `yaml:"local_number"`
	Numbers        []string        `yaml:"numbers,omitempty"`
	Direction      string          `yaml:"direction"`
	Peer           string          `yaml:"peer,omitempty"`
	Channel        string          `yaml:"channel,omitempty"`
	Members        []string        `yaml:"members,omitempty"`
	Attempts       int             `yaml:"attempts"`
	Retry          int             `yaml:"retry"`
	RxBytes        int64           `yaml:"rx_bytes"`
	TxBytes        int64           `yaml:"tx_bytes"`
	ChargeUnits    int             `yaml:"charge_units"`
	ChargeInterval time.Duration   `yaml:"charge_interval"`
	IdleTicks      int64           `yaml:"idle_ticks"`
	CallStart      time.Time       `yaml:"call_start,omitempty"`
	LastError      string          `yaml:"last_error,omitempty"`
}

func (c *Connection) status() ConnectionStatus {
	cfg := c.config()
	st := ConnectionStatus{
		Name:        c.name,
		ID:          c.id,
		State:       c.fsm.Current(),
		Claimed:     c.claimed(),
		LocalNumber: cfg.LocalNumber,
		Numbers:     cfg.Numbers,
		RxBytes:     c.rx.Load(),
		TxBytes:     c.tx.Load(),
		IdleTicks:   c.idleTicks.Load(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st.Direction = c.dir.String()
	st.Peer = c.peer
	if c.current != nil {
		st.Channel = c.current.key
	}
	for _, ch := range c.members {
		st.Members = append(st.Members, ch.key)
	}
	st.Attempts = c.attempts
	st.Retry = c.retry
	st.ChargeUnits = c.chargeUnits
	st.ChargeInterval = c.chargeInterval
	st.CallStart = c.callStart
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}
