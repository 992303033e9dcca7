package callctl

import (
	"context"
	"time"

	"github.com/arzzra/callctl/pkg/dispatch"
)

type connStep = dispatch.Step[ConnectionState, ConnEvent]
type connRule = dispatch.Rule[ConnectionState, ConnEvent, *Connection]

func connStates(s ...ConnectionState) []ConnectionState { return s }

var connectionTable = dispatch.NewTable("connection",
	connRule{Event: ConnEvDial, Src: connStates(ConnIdle), Dst: ConnOutBound, Handler: connDial},
	connRule{Event: ConnEvAttempt, Src: connStates(ConnOutBound), Dst: ConnOutWaitDConn, Handler: connAttempt},
	connRule{Event: ConnEvDConnected, Src: connStates(ConnOutWaitDConn), Dst: ConnOutWaitBConn, Handler: connDConnected},
	connRule{Event: ConnEvDConnected, Src: connStates(ConnInWaitDConn), Dst: ConnInWaitBConn, Handler: connDConnected},
	connRule{Event: ConnEvBConnected, Src: connStates(ConnOutWaitBConn, ConnInWaitBConn), Dst: ConnActive, Handler: connBConnected},
	connRule{Event: ConnEvDialTimeout, Src: connStates(ConnOutWaitDConn, ConnOutWaitBConn), Dst: ConnOutDialWait, Handler: connDialTimeout},
	connRule{Event: ConnEvDialFailed, Src: connStates(ConnOutBound, ConnOutWaitDConn, ConnOutWaitBConn), Dst: ConnOutDialWait, Handler: connDialFailed},
	connRule{Event: ConnEvRedial, Src: connStates(ConnOutDialWait), Dst: ConnOutBound, Handler: connRedial},
	connRule{Event: ConnEvAcceptIncoming, Src: connStates(ConnIdle), Dst: ConnInWaitDConn, Handler: connAcceptIncoming},
	connRule{Event: ConnEvIncomingTimeout, Src: connStates(ConnInWaitDConn, ConnInWaitBConn), Dst: ConnWaitDHangup, Handler: connIncomingTimeout},
	connRule{Event: ConnEvCallback, Src: connStates(ConnIdle), Dst: ConnWaitBeforeCallback, Handler: connCallback},
	connRule{Event: ConnEvCallbackDial, Src: connStates(ConnWaitBeforeCallback), Dst: ConnOutBound, Handler: connCallbackDial},
	connRule{Event: ConnEvIdleCheck, Src: connStates(ConnActive), Dst: ConnActive, Handler: connIdleCheck},
	connRule{Event: ConnEvChargeInfo, Src: connStates(ConnActive), Dst: ConnActive, Handler: connChargeInfo},
	connRule{Event: ConnEvHangup, Src: connStates(ConnActive, ConnOutWaitDConn, ConnOutWaitBConn, ConnInWaitDConn, ConnInWaitBConn), Dst: ConnWaitDHangup, Handler: connHangupCall},
	connRule{Event: ConnEvHangup, Src: connStates(ConnOutBound, ConnOutDialWait, ConnWaitBeforeCallback), Dst: ConnIdle, Handler: connHangupIdle},
	connRule{Event: ConnEvBHangup, Src: connStates(ConnActive), Dst: ConnWaitDHangup, Handler: connBHangup},
	connRule{Event: ConnEvBHangup, Src: connStates(ConnWaitDHangup), Dst: ConnWaitDHangup, Handler: connIgnore},
	connRule{Event: ConnEvDHangup, Src: connStates(ConnActive, ConnWaitDHangup, ConnInWaitDConn, ConnInWaitBConn), Dst: ConnIdle, Handler: connDHangup},
	// разъединение прошлой попытки, канал остается за соединением
	connRule{Event: ConnEvDHangup, Src: connStates(ConnOutBound), Dst: ConnOutBound, Handler: connIgnore},
	connRule{Event: ConnEvDHangup, Src: connStates(ConnOutDialWait), Dst: ConnOutDialWait, Handler: connIgnore},
	connRule{Event: ConnEvDHangup, Src: connStates(ConnWaitBeforeCallback), Dst: ConnWaitBeforeCallback, Handler: connIgnore},
)

// connDial запуск исходящего вызова оператором
func connDial(ctx context.Context, c *Connection, step *connStep) error {
	cfg := c.config()
	if len(cfg.Numbers) == 0 {
		return InvalidConfigError("numbers", c.name, "список номеров для дозвона пуст")
	}
	if cfg.DialMode == DialOff {
		return InvalidConfigError("dial_mode", cfg.DialMode.String(), "дозвон запрещен")
	}
	if !c.reg.Running() {
		return StoppedError("dial")
	}
	if !c.claim("dial") {
		return NotPermittedError(c.name, string(step.Src), "dial")
	}
	if err := c.startDial(ctx, cfg, cfg.Numbers); err != nil {
		c.releaseClaim()
		return err
	}
	return nil
}

// startDial выделяет канал, привязывает его и ставит первую попытку
func (c *Connection) startDial(ctx context.Context, cfg ConnectionConfig, numbers []string) error {
	ch, hold, err := c.reg.allocate(c, cfg, true)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.current = ch
	c.members = []*Channel{ch}
	clear(c.active)
	c.dialList = append([]string(nil), numbers...)
	c.numberIdx = 0
	c.retry = 0
	c.attempts = 0
	c.dir = DirOutgoing
	c.lastErr = nil
	c.mu.Unlock()

	ch.post(ctx, ChEvBind, bindRequest{conn: c, hold: hold})
	c.post(ctx, ConnEvAttempt, nil)

	c.logger.Info(ctx, "Channel allocated", String("channel", ch.key), Int("numbers", len(numbers)))
	return nil
}

// connAttempt одна попытка дозвона по текущему номеру
func connAttempt(ctx context.Context, c *Connection, step *connStep) error {
	cfg := c.config()

	c.mu.Lock()
	ch := c.current
	if ch == nil || len(c.dialList) == 0 {
		c.mu.Unlock()
		return InvariantViolation(c.name, string(step.Src), "попытка дозвона без канала")
	}
	number := c.dialList[c.numberIdx]
	c.attempts++
	c.dialSeq++
	req := dialRequest{
		number: number,
		proto:  cfg.Protocol,
		seq:    c.dialSeq,
	}
	attempts, retry := c.attempts, c.retry
	c.mu.Unlock()

	local, voice := splitLocalNumber(cfg.LocalNumber)
	req.local = local
	req.si = SIData
	if voice {
		req.si = SIVoice
	}

	c.reg.metrics.DialAttempt()
	ch.post(ctx, ChEvDial, req)

	wait := cfg.DialTimeout
	if cfg.Callback == CallbackOut {
		wait = cfg.CallbackDelay
	}
	c.arm(TimerDial, wait)

	c.logger.Info(ctx, "Dialing",
		String("number", number),
		String("channel", ch.key),
		Int("attempt", attempts),
		Int("retry", retry),
	)
	return nil
}

func connDConnected(ctx context.Context, c *Connection, step *connStep) error {
	c.logger.Debug(ctx, "D-channel connected")
	return nil
}

// connBConnected вызов установлен
func connBConnected(ctx context.Context, c *Connection, step *connStep) error {
	c.reg.timers.Cancel(c.id, TimerDial)
	c.reg.timers.Cancel(c.id, TimerIncoming)
	c.idleTicks.Store(0)

	now := time.Now()
	c.mu.Lock()
	c.callStart = now
	c.chargeUnits = 0
	c.chargeInterval = 0
	c.lastCharge = time.Time{}
	c.linkUp = true
	rcv := c.receiver
	peer := c.peer
	if c.dir == DirOutgoing && len(c.dialList) > 0 {
		peer = c.dialList[c.numberIdx]
	}
	c.mu.Unlock()

	c.arm(TimerTick, c.reg.cfg.TickInterval)
	c.reg.metrics.CallStarted()
	if rcv != nil {
		rcv.LinkUp(c.name)
	}
	c.logger.Info(ctx, "Call established", String("peer", peer))
	return nil
}

func connDialTimeout(ctx context.Context, c *Connection, step *connStep) error {
	if err := c.consume(step); err != nil {
		return err
	}
	c.mu.Lock()
	ch := c.current
	c.mu.Unlock()
	if ch != nil {
		ch.post(ctx, ChEvHangup, nil)
	}
	c.logger.Info(ctx, "Dial timeout")
	return c.nextNumber(ctx, step)
}

func connDialFailed(ctx context.Context, c *Connection, step *connStep) error {
	c.reg.timers.Cancel(c.id, TimerDial)
	if n, ok := step.Payload.(chanNote); ok {
		c.logger.Info(ctx, "Dial failed", Int("cause", n.note.cause), Err(n.note.err))
	}
	return c.nextNumber(ctx, step)
}

// nextNumber переход к следующему номеру. После DialMax полных циклов
// соединение возвращается в Idle.
func (c *Connection) nextNumber(ctx context.Context, step *connStep) error {
	cfg := c.config()

	c.mu.Lock()
	c.numberIdx++
	if c.numberIdx >= len(c.dialList) {
		c.numberIdx = 0
		c.retry++
	}
	retry, attempts := c.retry, c.attempts
	c.mu.Unlock()

	if retry >= cfg.DialMax {
		err := DialExhaustedError(c.name, attempts, retry)
		c.reg.metrics.DialExhausted()
		c.reg.metrics.ErrorOccurred(err)
		c.logger.LogError(ctx, err, "Dialing exhausted")
		c.finish(ctx, err)
		step.Redirect(ConnIdle)
		return nil
	}

	c.arm(TimerBackoff, cfg.Backoff.Delay(retry))
	return nil
}

func connRedial(ctx context.Context, c *Connection, step *connStep) error {
	if err := c.consume(step); err != nil {
		return err
	}
	c.post(ctx, ConnEvAttempt, nil)
	return nil
}

// connAcceptIncoming маршрутизатор отдал соединению входящий вызов
func connAcceptIncoming(ctx context.Context, c *Connection, step *connStep) error {
	n, ok := step.Payload.(chanNote)
	if !ok || n.note.offer == nil {
		return InvariantViolation(c.name, string(step.Src), "accept-incoming без предложения")
	}
	cfg := c.config()
	local, _ := splitLocalNumber(cfg.LocalNumber)

	c.mu.Lock()
	c.current = n.ch
	c.members = []*Channel{n.ch}
	clear(c.active)
	c.peer = n.note.offer.Calling
	c.dir = DirIncoming
	c.attempts = 0
	c.retry = 0
	c.lastErr = nil
	c.mu.Unlock()

	n.ch.post(ctx, ChEvAccept, acceptRequest{conn: c, proto: cfg.Protocol, local: local})
	c.arm(TimerIncoming, cfg.IncomingTimeout)

	c.logger.Info(ctx, "Incoming call accepted",
		String("calling", n.note.offer.Calling),
		String("called", n.note.offer.Called),
		String("channel", n.ch.key),
	)
	return nil
}

func connIncomingTimeout(ctx context.Context, c *Connection, step *connStep) error {
	if err := c.consume(step); err != nil {
		return err
	}
	c.logger.Info(ctx, "Incoming call setup timeout")
	c.hangupMembers(ctx)
	return nil
}

// connCallback входящий вызов отклонен, через CallbackDelay перезваниваем
func connCallback(ctx context.Context, c *Connection, step *connStep) error {
	n, ok := step.Payload.(chanNote)
	if !ok || n.note.offer == nil {
		return InvariantViolation(c.name, string(step.Src), "callback без предложения")
	}
	cfg := c.config()

	c.mu.Lock()
	c.peer = n.note.offer.Calling
	c.lastErr = nil
	c.mu.Unlock()

	c.arm(TimerCallback, cfg.CallbackDelay)
	c.logger.Info(ctx, "Callback scheduled",
		String("peer", n.note.offer.Calling),
		Duration("delay", cfg.CallbackDelay),
	)
	return nil
}

func connCallbackDial(ctx context.Context, c *Connection, step *connStep) error {
	if err := c.consume(step); err != nil {
		return err
	}
	cfg := c.config()

	c.mu.Lock()
	numbers := cfg.Numbers
	if len(numbers) == 0 && c.peer != "" {
		numbers = []string{c.peer}
	}
	c.mu.Unlock()

	var err error
	switch {
	case len(numbers) == 0:
		err = InvalidConfigError("numbers", c.name, "нет номера для обратного вызова")
	case !c.reg.Running():
		err = StoppedError("callback")
	default:
		err = c.startDial(ctx, cfg, numbers)
	}
	if err != nil {
		c.logger.LogError(ctx, err, "Callback failed")
		c.finish(ctx, err)
		step.Redirect(ConnIdle)
	}
	return nil
}

// connIdleCheck периодическая проверка простоя
func connIdleCheck(ctx context.Context, c *Connection, step *connStep) error {
	if err := c.consume(step); err != nil {
		return err
	}
	tick := c.reg.cfg.TickInterval
	idle := time.Duration(c.idleTicks.Add(1)) * tick
	cfg := c.config()

	c.mu.Lock()
	incoming := c.dir == DirIncoming
	charge := chargeState{units: c.chargeUnits, interval: c.chargeInterval, last: c.lastCharge}
	c.mu.Unlock()

	if idleHangupDue(cfg, incoming, idle, charge, time.Now(), tick) {
		c.logger.Info(ctx, "Idle hangup",
			Duration("idle", idle),
			Int("charge_units", charge.units),
		)
		c.reg.timers.CancelAll(c.id)
		c.hangupMembers(ctx)
		step.Redirect(ConnWaitDHangup)
		return nil
	}
	c.arm(TimerTick, tick)
	return nil
}

type chargeState struct {
	units    int
	interval time.Duration
	last     time.Time
}

// idleHangupDue решает, пора ли разъединять простаивающее соединение.
// С ChargeHangup разъединение откладывается до последних двух тиков
// перед следующей единицей тарификации, если интервал уже известен.
func idleHangupDue(cfg ConnectionConfig, incoming bool, idle time.Duration, charge chargeState, now time.Time, tick time.Duration) bool {
	if cfg.OnHookTime <= 0 {
		return false
	}
	if incoming && !cfg.InHangup {
		return false
	}
	if idle <= cfg.OnHookTime {
		return false
	}
	if !cfg.ChargeHangup || charge.units == 0 || charge.interval <= 0 {
		return true
	}
	since := now.Sub(charge.last)
	if since < 0 {
		since = 0
	}
	remaining := charge.interval - since%charge.interval
	return remaining <= 2*tick
}

func connChargeInfo(ctx context.Context, c *Connection, step *connStep) error {
	now := time.Now()
	c.mu.Lock()
	if !c.lastCharge.IsZero() {
		c.chargeInterval = now.Sub(c.lastCharge)
	}
	c.lastCharge = now
	c.chargeUnits++
	units, interval := c.chargeUnits, c.chargeInterval
	c.mu.Unlock()

	c.logger.Debug(ctx, "Charge info", Int("units", units), Duration("interval", interval))
	return nil
}

// connHangupCall разъединение вызова на линии, ждем d-hangup
func connHangupCall(ctx context.Context, c *Connection, step *connStep) error {
	c.reg.timers.CancelAll(c.id)
	c.hangupMembers(ctx)
	c.logger.Info(ctx, "Hangup requested", String("state", string(step.Src)))
	return nil
}

// connHangupIdle разъединение, когда на линии нет вызова
func connHangupIdle(ctx context.Context, c *Connection, step *connStep) error {
	c.finish(ctx, nil)
	c.logger.Info(ctx, "Hangup requested", String("state", string(step.Src)))
	return nil
}

func connBHangup(ctx context.Context, c *Connection, step *connStep) error {
	c.reg.timers.CancelAll(c.id)
	c.logger.Debug(ctx, "B-channel released")
	return nil
}

// connDHangup вызов завершен
func connDHangup(ctx context.Context, c *Connection, step *connStep) error {
	cause := 0
	var err error
	if n, ok := step.Payload.(chanNote); ok {
		cause, err = n.note.cause, n.note.err
	}
	c.finish(ctx, err)
	c.logger.Info(ctx, "Call ended", Int("cause", cause), String("state", string(step.Src)))
	return nil
}

func connIgnore(ctx context.Context, c *Connection, step *connStep) error {
	return nil
}
