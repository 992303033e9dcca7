package callctl

import (
	"context"

	"github.com/arzzra/callctl/pkg/dispatch"
)

type chanStep = dispatch.Step[ChannelState, ChannelEvent]
type chanRule = dispatch.Rule[ChannelState, ChannelEvent, *Channel]
type chanHandler = dispatch.Handler[ChannelState, ChannelEvent, *Channel]

// chanStay правила, оставляющие канал в том же состоянии
func chanStay(ev ChannelEvent, h chanHandler, states ...ChannelState) []chanRule {
	rules := make([]chanRule, 0, len(states))
	for _, s := range states {
		rules = append(rules, chanRule{Event: ev, Src: []ChannelState{s}, Dst: s, Handler: h})
	}
	return rules
}

// Состояния с вызовом на линии
var chanBusyStates = []ChannelState{
	ChanOutWaitDConn, ChanDConnected, ChanOutWaitBConn, ChanActive, ChanWaitBHangup, ChanWaitDHangup,
}

var channelTable = dispatch.NewTable("channel", channelRules()...)

func channelRules() []chanRule {
	rules := []chanRule{
		{Event: ChEvBind, Src: []ChannelState{ChanUnbound}, Dst: ChanBound, Handler: chanBind},
		{Event: ChEvIncoming, Src: []ChannelState{ChanUnbound}, Dst: ChanIncomingWait, Handler: chanIncoming},
		{Event: ChEvCallInfo, Src: []ChannelState{ChanIncomingWait}, Dst: ChanIncomingWait, Handler: chanCallInfo},
		{Event: ChEvAccept, Src: []ChannelState{ChanIncomingWait}, Dst: ChanOutWaitDConn, Handler: chanAccept},
		{Event: ChEvReject, Src: []ChannelState{ChanIncomingWait}, Dst: ChanUnbound, Handler: chanReject},
		{Event: ChEvDial, Src: []ChannelState{ChanBound}, Dst: ChanOutWaitDConn, Handler: chanDial},
		{Event: ChEvDConnected, Src: []ChannelState{ChanOutWaitDConn}, Dst: ChanDConnected, Handler: chanDConnected},
		{Event: ChEvBConnected, Src: []ChannelState{ChanDConnected, ChanOutWaitBConn}, Dst: ChanActive, Handler: chanBConnected},
		{Event: ChEvHangup, Src: []ChannelState{ChanActive}, Dst: ChanWaitBHangup, Handler: chanHangup},
		{Event: ChEvHangup, Src: []ChannelState{ChanOutWaitDConn, ChanDConnected, ChanOutWaitBConn}, Dst: ChanWaitDHangup, Handler: chanHangup},
		{Event: ChEvBHangup, Src: []ChannelState{ChanActive, ChanWaitBHangup}, Dst: ChanWaitDHangup, Handler: chanBHangup},
		{Event: ChEvDHangup, Src: append([]ChannelState{ChanIncomingWait}, chanBusyStates...), Dst: ChanBound, Handler: chanDHangup},
		{Event: ChEvUnbind, Src: []ChannelState{ChanBound}, Dst: ChanUnbound, Handler: chanUnbindIdle},
		{Event: ChEvUnbind, Src: []ChannelState{ChanOutWaitDConn, ChanDConnected, ChanOutWaitBConn, ChanActive}, Dst: ChanWaitDHangup, Handler: chanUnbindBusy},
	}
	rules = append(rules, chanStay(ChEvDial, chanDialPending, ChanWaitBHangup, ChanWaitDHangup)...)
	rules = append(rules, chanStay(ChEvHangup, chanHangupPending, ChanWaitBHangup, ChanWaitDHangup)...)
	rules = append(rules, chanStay(ChEvHangup, chanHangupBound, ChanBound)...)
	rules = append(rules, chanStay(ChEvUnbind, chanDetach, ChanWaitBHangup, ChanWaitDHangup)...)
	rules = append(rules, chanStay(ChEvBHangup, chanNop, ChanWaitDHangup)...)
	rules = append(rules, chanStay(ChEvDataIn, chanDataIn, ChanActive)...)
	rules = append(rules, chanStay(ChEvDataSent, chanDataSent, ChanActive)...)
	rules = append(rules, chanStay(ChEvChargeInfo, chanChargeInfo, ChanActive)...)
	return rules
}

func chanBind(ctx context.Context, ch *Channel, step *chanStep) error {
	req, ok := step.Payload.(bindRequest)
	if !ok || req.conn == nil {
		return InvariantViolation(ch.key, string(step.Src), "bind без соединения")
	}
	ch.mu.Lock()
	ch.owner = req.conn
	ch.hold = req.hold
	ch.pendingDial = nil
	ch.mu.Unlock()
	return nil
}

// chanIncoming входящий вызов на свободном канале
func chanIncoming(ctx context.Context, ch *Channel, step *chanStep) error {
	ev, ok := step.Payload.(StatusEvent)
	if !ok || ev.Offer == nil {
		return InvariantViolation(ch.key, string(step.Src), "incoming-call без предложения")
	}
	offer := *ev.Offer

	refuse := func(reason string) error {
		_ = ch.command(ctx, CmdReject, Params{Cause: causeBusy})
		ch.logger.Info(ctx, "Incoming call refused", String("offer", offer.String()), String("reason", reason))
		step.Redirect(ChanUnbound)
		return nil
	}
	if !ch.ctrl.reg.Running() {
		return refuse("engine stopped")
	}
	if !ch.markOffered() {
		return refuse("channel claimed")
	}
	hold := ch.ctrl.refs.acquire("incoming " + ch.key)
	if hold == nil {
		ch.clearOffered()
		return refuse("controller destroyed")
	}

	ch.mu.Lock()
	ch.hold = hold
	ch.offer = &offer
	ch.dir = DirIncoming
	ch.number = offer.Calling
	ch.mu.Unlock()

	ch.routeOffer(ctx, step)
	return nil
}

// chanCallInfo донабор цифр вызываемого номера
func chanCallInfo(ctx context.Context, ch *Channel, step *chanStep) error {
	ev, ok := step.Payload.(StatusEvent)
	if !ok {
		return InvariantViolation(ch.key, string(step.Src), "call-info без цифр")
	}
	ch.mu.Lock()
	ch.offer.Called += ev.Digits
	routed := ch.routedTo != nil
	ch.mu.Unlock()

	if !routed {
		ch.routeOffer(ctx, step)
	}
	return nil
}

// routeOffer ищет соединение для предложения на канале
func (ch *Channel) routeOffer(ctx context.Context, step *chanStep) {
	offer := *ch.offer
	route := ch.ctrl.reg.route(ch, offer)

	switch route.Kind {
	case RouteAccept:
		ch.mu.Lock()
		ch.routedTo = route.Conn
		ch.mu.Unlock()
		route.Conn.notify(ctx, ch, connNote{ev: ConnEvAcceptIncoming, offer: &offer})
	case RouteCallback:
		ch.dropOffer(ctx, causeCallback)
		step.Redirect(ChanUnbound)
		route.Conn.notify(ctx, ch, connNote{ev: ConnEvCallback, offer: &offer})
	case RouteIncomplete:
		ch.logger.Debug(ctx, "Offer incomplete, waiting for digits", String("called", offer.Called))
	default:
		ch.logger.Info(ctx, "No connection for incoming call", String("offer", offer.String()))
		ch.dropOffer(ctx, causeNoMatch)
		step.Redirect(ChanUnbound)
	}
}

// chanAccept соединение принимает вызов
func chanAccept(ctx context.Context, ch *Channel, step *chanStep) error {
	req, ok := step.Payload.(acceptRequest)
	if !ok || req.conn == nil {
		return InvariantViolation(ch.key, string(step.Src), "accept без соединения")
	}
	if ch.routedTo != req.conn {
		return NotPermittedError(ch.key, string(step.Src), "accept от соединения "+req.conn.name)
	}

	ch.acceptOffered()
	ch.mu.Lock()
	ch.owner = req.conn
	ch.routedTo = nil
	ch.seq = 0
	ch.mu.Unlock()

	if err := ch.setup(ctx, req.proto); err != nil {
		ch.logger.LogError(ctx, err, "Protocol setup failed on accept")
	}
	err := ch.command(ctx, CmdAcceptD, Params{LocalNumber: req.local, L2: req.proto.L2, L3: req.proto.L3})
	if err != nil {
		// драйвер не принял вызов, освобождаем соединение сразу
		ch.resetCall()
		step.Redirect(ChanBound)
		ch.notifyOwner(ctx, connNote{ev: ConnEvDHangup, err: err})
	}
	return nil
}

func chanReject(ctx context.Context, ch *Channel, step *chanStep) error {
	ch.dropOffer(ctx, causeNoMatch)
	return nil
}

// chanDial исходящий вызов на привязанном канале
func chanDial(ctx context.Context, ch *Channel, step *chanStep) error {
	req, ok := step.Payload.(dialRequest)
	if !ok {
		return InvariantViolation(ch.key, string(step.Src), "dial без номера")
	}
	ch.issueDial(ctx, req, step)
	return nil
}

// issueDial передает драйверу команды вызова. При ошибке драйвера канал
// остается Bound, а владелец получает dial-failed.
func (ch *Channel) issueDial(ctx context.Context, req dialRequest, step *chanStep) {
	ch.mu.Lock()
	ch.pendingDial = nil
	ch.seq = req.seq
	ch.mu.Unlock()
	ch.setCall(DirOutgoing, req.number)

	err := ch.setup(ctx, req.proto)
	if err == nil {
		err = ch.command(ctx, CmdDial, Params{
			Number:      req.number,
			LocalNumber: req.local,
			SI:          req.si,
			L2:          req.proto.L2,
			L3:          req.proto.L3,
		})
	}
	if err != nil {
		ch.resetCall()
		step.Redirect(ChanBound)
		ch.notifyOwner(ctx, connNote{ev: ConnEvDialFailed, err: err})
		return
	}
	step.Redirect(ChanOutWaitDConn)
}

// chanDialPending запоминает вызов до завершения разъединения
func chanDialPending(ctx context.Context, ch *Channel, step *chanStep) error {
	req, ok := step.Payload.(dialRequest)
	if !ok {
		return InvariantViolation(ch.key, string(step.Src), "dial без номера")
	}
	ch.mu.Lock()
	ch.pendingDial = &req
	ch.mu.Unlock()
	return nil
}

func chanDConnected(ctx context.Context, ch *Channel, step *chanStep) error {
	ch.mu.Lock()
	outgoing := ch.dir == DirOutgoing
	ch.mu.Unlock()
	if outgoing {
		step.Redirect(ChanOutWaitBConn)
	}
	_ = ch.command(ctx, CmdAcceptB, Params{})
	ch.notifyOwner(ctx, connNote{ev: ConnEvDConnected})
	return nil
}

func chanBConnected(ctx context.Context, ch *Channel, step *chanStep) error {
	ch.notifyOwner(ctx, connNote{ev: ConnEvBConnected})
	return nil
}

func chanHangup(ctx context.Context, ch *Channel, step *chanStep) error {
	_ = ch.command(ctx, CmdHangup, Params{})
	return nil
}

// chanHangupPending разъединение уже идет, отменяем только отложенный вызов
func chanHangupPending(ctx context.Context, ch *Channel, step *chanStep) error {
	ch.mu.Lock()
	ch.pendingDial = nil
	ch.mu.Unlock()
	return nil
}

// chanHangupBound вызова на линии нет, владелец сразу получает d-hangup
func chanHangupBound(ctx context.Context, ch *Channel, step *chanStep) error {
	ch.mu.Lock()
	ch.pendingDial = nil
	ch.mu.Unlock()
	ch.notifyOwner(ctx, connNote{ev: ConnEvDHangup, cause: causeLocal})
	return nil
}

func chanBHangup(ctx context.Context, ch *Channel, step *chanStep) error {
	ch.notifyOwner(ctx, connNote{ev: ConnEvBHangup})
	return nil
}

// chanDHangup завершение вызова: Bound если владелец остался, иначе Unbound
func chanDHangup(ctx context.Context, ch *Channel, step *chanStep) error {
	ev, _ := step.Payload.(StatusEvent)

	ch.mu.Lock()
	owner := ch.owner
	routed := ch.routedTo
	pending := ch.pendingDial
	ch.mu.Unlock()

	ch.resetCall()

	if owner == nil {
		ch.releaseToUnbound()
		step.Redirect(ChanUnbound)
		if routed != nil {
			routed.notify(ctx, ch, connNote{ev: ConnEvDHangup, cause: ev.Cause})
		}
		return nil
	}

	if pending != nil {
		// владелец уже перешел к следующей попытке
		ch.issueDial(ctx, *pending, step)
		return nil
	}
	ch.notifyOwner(ctx, connNote{ev: ConnEvDHangup, cause: ev.Cause})
	return nil
}

func chanUnbindIdle(ctx context.Context, ch *Channel, step *chanStep) error {
	ch.releaseToUnbound()
	return nil
}

// chanUnbindBusy отвязка во время вызова: отсоединяем владельца и разъединяем
func chanUnbindBusy(ctx context.Context, ch *Channel, step *chanStep) error {
	chanDetach(ctx, ch, step)
	_ = ch.command(ctx, CmdHangup, Params{})
	return nil
}

func chanDetach(ctx context.Context, ch *Channel, step *chanStep) error {
	ch.mu.Lock()
	ch.owner = nil
	ch.pendingDial = nil
	ch.mu.Unlock()
	return nil
}

func chanNop(ctx context.Context, ch *Channel, step *chanStep) error {
	return nil
}

func chanDataIn(ctx context.Context, ch *Channel, step *chanStep) error {
	payload, _ := step.Payload.([]byte)
	ch.rx.Add(int64(len(payload)))
	ch.ctrl.reg.metrics.Bytes("rx", len(payload))
	ch.notifyOwner(ctx, connNote{ev: ConnEvDataIn, payload: payload})
	return nil
}

func chanDataSent(ctx context.Context, ch *Channel, step *chanStep) error {
	ev, _ := step.Payload.(StatusEvent)
	ch.tx.Add(int64(ev.Bytes))
	ch.ctrl.reg.metrics.Bytes("tx", ev.Bytes)
	return nil
}

func chanChargeInfo(ctx context.Context, ch *Channel, step *chanStep) error {
	ch.notifyOwner(ctx, connNote{ev: ConnEvChargeInfo})
	return nil
}
