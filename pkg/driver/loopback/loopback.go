// Package loopback имитирует аппаратные контроллеры в памяти.
//
// Контроллеры одной Network соединены между собой: набор номера на одном
// контроллере становится входящим вызовом на контроллере, чей MSN совпал с
// номером. Номера из Config.Answer обслуживает имитатор удаленной стороны,
// который сразу отвечает и, при Config.Echo, возвращает переданные данные.
//
// Пример:
//
//	net := loopback.NewNetwork(nil)
//	a, _ := net.Add(loopback.Config{ID: "a", Channels: 2, MSNs: []string{"100"}})
//	b, _ := net.Add(loopback.Config{ID: "b", Channels: 2, MSNs: []string{"200"}})
//	_ = a.Register(ctx, engineA)
//	_ = b.Register(ctx, engineB)
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/callctl/pkg/callctl"
	"github.com/arzzra/callctl/pkg/wildmat"
)

// Причины разъединения, которые получает вызывающая сторона
const (
	CauseUnallocated = 1  // номер не обслуживается
	CauseNormal      = 16 // нормальное разъединение
	CauseBusy        = 17 // нет свободной линии
)

var (
	ErrLineBusy    = errors.New("line busy")
	ErrLineDown    = errors.New("line not connected")
	ErrNotAttached = errors.New("controller not registered with engine")
	ErrBadChannel  = errors.New("channel index out of range")
	ErrDuplicateID = errors.New("controller id already in network")
)

type lineState uint8

const (
	lineIdle lineState = iota
	lineDialing
	lineOffered
	lineUp
)

func (s lineState) String() string {
	switch s {
	case lineDialing:
		return "dialing"
	case lineOffered:
		return "offered"
	case lineUp:
		return "up"
	default:
		return "idle"
	}
}

type lineRef struct {
	ctrl *Controller
	ch   int
}

type line struct {
	state lineState
	peer  *lineRef // nil - имитатор удаленной стороны
}

// Config параметры имитируемого контроллера
type Config struct {
	ID       string
	Channels int
	Caps     callctl.Capability // 0 - все протоколы
	MSNs     []string

	// Answer шаблоны wildmat номеров, на которые отвечает имитатор
	Answer []string
	// Echo имитатор возвращает переданные ему данные
	Echo bool
}

// notice уведомление, отправляемое после снятия блокировки сети
type notice struct {
	ctrl    *Controller
	ev      callctl.StatusEvent
	data    []byte
	receive bool
}

// Network общая среда контроллеров. Состояние всех линий защищено одной
// блокировкой, уведомления движкам отправляются после ее снятия.
type Network struct {
	mu     sync.Mutex
	ctrls  []*Controller
	logger callctl.StructuredLogger
}

// NewNetwork создает пустую сеть. logger может быть nil.
func NewNetwork(logger callctl.StructuredLogger) *Network {
	if logger == nil {
		logger = callctl.NoOpLogger{}
	}
	return &Network{logger: logger.WithComponent("loopback")}
}

// Add добавляет контроллер в сеть
func (n *Network) Add(cfg Config) (*Controller, error) {
	if cfg.ID == "" || cfg.Channels <= 0 {
		return nil, fmt.Errorf("loopback: invalid config for %q: need id and channels", cfg.ID)
	}
	for _, p := range append(append([]string{}, cfg.MSNs...), cfg.Answer...) {
		if p == "" {
			return nil, fmt.Errorf("loopback: %s: empty number pattern", cfg.ID)
		}
	}
	if cfg.Caps == 0 {
		cfg.Caps = callctl.AllCapabilities()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.ctrls {
		if c.cfg.ID == cfg.ID {
			return nil, fmt.Errorf("loopback: %s: %w", cfg.ID, ErrDuplicateID)
		}
	}
	c := &Controller{
		net:    n,
		cfg:    cfg,
		lines:  make([]line, cfg.Channels),
		logger: n.logger.WithController(cfg.ID),
	}
	n.ctrls = append(n.ctrls, c)
	return c, nil
}

// Controllers контроллеры сети в порядке добавления
func (n *Network) Controllers() []*Controller {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Controller, len(n.ctrls))
	copy(out, n.ctrls)
	return out
}

// Controller контроллер по идентификатору
func (n *Network) Controller(id string) (*Controller, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.ctrls {
		if c.cfg.ID == id {
			return c, true
		}
	}
	return nil, false
}

// lookup ищет свободную линию контроллера, обслуживающего номер.
// served сообщает, что номер обслуживается, но свободных линий нет.
// Вызывается под n.mu.
func (n *Network) lookup(number string, from lineRef) (ref lineRef, ok, served bool) {
	for _, c := range n.ctrls {
		if !c.serves(number) {
			continue
		}
		served = true
		for i := range c.lines {
			if c == from.ctrl && i == from.ch {
				continue
			}
			if c.lines[i].state == lineIdle {
				return lineRef{ctrl: c, ch: i}, true, true
			}
		}
	}
	return lineRef{}, false, served
}

func (n *Network) deliver(ctx context.Context, notes []notice) {
	for _, nt := range notes {
		var err error
		if nt.receive {
			err = nt.ctrl.receive(ctx, nt.ev.Channel, nt.data)
		} else {
			err = nt.ctrl.status(ctx, nt.ev)
		}
		if err != nil {
			nt.ctrl.logger.LogError(ctx, err, "Notification not delivered",
				callctl.String("code", nt.ev.Code.String()),
				callctl.Int("channel", nt.ev.Channel),
			)
		}
	}
}

// Controller имитируемый контроллер, реализует callctl.Driver
type Controller struct {
	net    *Network
	cfg    Config
	logger callctl.StructuredLogger

	// под net.mu
	lines []line

	imu     sync.RWMutex
	ingress *callctl.Ingress
}

var _ callctl.Driver = (*Controller)(nil)

// ID идентификатор контроллера
func (c *Controller) ID() string { return c.cfg.ID }

// Info описание контроллера для регистрации в движке
func (c *Controller) Info() callctl.ControllerInfo {
	return callctl.ControllerInfo{
		ID:       c.cfg.ID,
		Channels: c.cfg.Channels,
		Caps:     c.cfg.Caps,
		MSNs:     c.cfg.MSNs,
		Driver:   c,
	}
}

// Attach связывает контроллер с точкой входа движка
func (c *Controller) Attach(in *callctl.Ingress) {
	c.imu.Lock()
	c.ingress = in
	c.imu.Unlock()
}

// Register регистрирует контроллер в движке и запускает его
func (c *Controller) Register(ctx context.Context, reg *callctl.Registry) error {
	in, err := reg.RegisterController(ctx, c.Info())
	if err != nil {
		return err
	}
	c.Attach(in)
	return c.Start(ctx)
}

// Start сообщает движку о запуске контроллера
func (c *Controller) Start(ctx context.Context) error {
	return c.status(ctx, callctl.StatusEvent{Code: callctl.StatStarted})
}

// Stop останавливает контроллер, все линии освобождаются
func (c *Controller) Stop(ctx context.Context) error {
	c.net.deliver(ctx, c.dropAll())
	return c.status(ctx, callctl.StatusEvent{Code: callctl.StatStopped})
}

// Unload выгружает контроллер
func (c *Controller) Unload(ctx context.Context) error {
	c.net.deliver(ctx, c.dropAll())
	return c.status(ctx, callctl.StatusEvent{Code: callctl.StatUnload})
}

// LineState состояние линии: idle, dialing, offered, up
func (c *Controller) LineState(ch int) string {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if ch < 0 || ch >= len(c.lines) {
		return ""
	}
	return c.lines[ch].state.String()
}

func (c *Controller) serves(number string) bool {
	for _, msn := range c.cfg.MSNs {
		if msn == number || wildmat.MatchString(number, msn) == wildmat.Match {
			return true
		}
	}
	return false
}

func (c *Controller) answers(number string) bool {
	return wildmat.Any(number, c.cfg.Answer) == wildmat.Match
}

func (c *Controller) status(ctx context.Context, ev callctl.StatusEvent) error {
	c.imu.RLock()
	in := c.ingress
	c.imu.RUnlock()
	if in == nil {
		return ErrNotAttached
	}
	return in.Status(ctx, ev)
}

func (c *Controller) receive(ctx context.Context, ch int, payload []byte) error {
	c.imu.RLock()
	in := c.ingress
	c.imu.RUnlock()
	if in == nil {
		return ErrNotAttached
	}
	return in.Receive(ctx, ch, payload)
}

func st(c *Controller, code callctl.StatusCode, ch int) notice {
	return notice{ctrl: c, ev: callctl.StatusEvent{Code: code, Channel: ch}}
}

func hup(c *Controller, ch, cause int) notice {
	return notice{ctrl: c, ev: callctl.StatusEvent{Code: callctl.StatDHup, Channel: ch, Cause: cause}}
}

// Command выполняет команду движка
func (c *Controller) Command(ctx context.Context, cmd callctl.Command) error {
	if cmd.Channel < 0 || cmd.Channel >= c.cfg.Channels {
		return fmt.Errorf("%s/%d: %w", c.cfg.ID, cmd.Channel, ErrBadChannel)
	}

	c.net.mu.Lock()
	notes, err := c.command(cmd)
	c.net.mu.Unlock()
	if err != nil {
		return err
	}

	c.logger.Debug(ctx, "Command", callctl.String("command", cmd.String()))
	c.net.deliver(ctx, notes)
	return nil
}

// command меняет состояние линий и возвращает уведомления. Вызывается под net.mu.
func (c *Controller) command(cmd callctl.Command) ([]notice, error) {
	ch := cmd.Channel
	l := &c.lines[ch]

	switch cmd.Code {
	case callctl.CmdSetL2, callctl.CmdSetL3, callctl.CmdAcceptB:
		return nil, nil

	case callctl.CmdDial:
		if l.state != lineIdle {
			return nil, fmt.Errorf("%s/%d: %w", c.cfg.ID, ch, ErrLineBusy)
		}
		number := cmd.Params.Number
		peer, ok, served := c.net.lookup(number, lineRef{ctrl: c, ch: ch})
		if ok {
			l.state = lineDialing
			l.peer = &peer
			pl := &peer.ctrl.lines[peer.ch]
			pl.state = lineOffered
			pl.peer = &lineRef{ctrl: c, ch: ch}
			offer := &callctl.Offer{Calling: cmd.Params.LocalNumber, Called: number, SI: cmd.Params.SI}
			return []notice{{ctrl: peer.ctrl, ev: callctl.StatusEvent{Code: callctl.StatICall, Channel: peer.ch, Offer: offer}}}, nil
		}
		if served {
			return []notice{hup(c, ch, CauseBusy)}, nil
		}
		if c.answers(number) {
			l.state = lineUp
			l.peer = nil
			return []notice{st(c, callctl.StatDConn, ch), st(c, callctl.StatBConn, ch)}, nil
		}
		return []notice{hup(c, ch, CauseUnallocated)}, nil

	case callctl.CmdAcceptD:
		if l.state != lineOffered {
			return nil, fmt.Errorf("%s/%d: no offer to accept: %w", c.cfg.ID, ch, ErrLineDown)
		}
		l.state = lineUp
		notes := []notice{st(c, callctl.StatDConn, ch), st(c, callctl.StatBConn, ch)}
		if p := l.peer; p != nil {
			p.ctrl.lines[p.ch].state = lineUp
			notes = append(notes, st(p.ctrl, callctl.StatDConn, p.ch), st(p.ctrl, callctl.StatBConn, p.ch))
		}
		return notes, nil

	case callctl.CmdReject:
		if l.state != lineOffered {
			return nil, nil
		}
		var notes []notice
		if p := l.peer; p != nil {
			p.ctrl.lines[p.ch] = line{}
			notes = append(notes, hup(p.ctrl, p.ch, cmd.Params.Cause))
		}
		*l = line{}
		return notes, nil

	case callctl.CmdHangup:
		notes := []notice{hup(c, ch, CauseNormal)}
		if p := l.peer; p != nil {
			p.ctrl.lines[p.ch] = line{}
			notes = append(notes, hup(p.ctrl, p.ch, CauseNormal))
		}
		*l = line{}
		return notes, nil
	}
	return nil, fmt.Errorf("%s/%d: unsupported command %s", c.cfg.ID, ch, cmd.Code)
}

// Transmit передает данные на другой конец линии
func (c *Controller) Transmit(ctx context.Context, ch int, payload []byte) (int, error) {
	if ch < 0 || ch >= c.cfg.Channels {
		return 0, fmt.Errorf("%s/%d: %w", c.cfg.ID, ch, ErrBadChannel)
	}

	c.net.mu.Lock()
	l := c.lines[ch]
	c.net.mu.Unlock()
	if l.state != lineUp {
		return 0, fmt.Errorf("%s/%d: %w", c.cfg.ID, ch, ErrLineDown)
	}

	var notes []notice
	switch {
	case l.peer != nil:
		notes = append(notes, notice{ctrl: l.peer.ctrl, ev: callctl.StatusEvent{Channel: l.peer.ch}, data: payload, receive: true})
	case c.cfg.Echo:
		notes = append(notes, notice{ctrl: c, ev: callctl.StatusEvent{Channel: ch}, data: payload, receive: true})
	}
	notes = append(notes, notice{ctrl: c, ev: callctl.StatusEvent{Code: callctl.StatDataSent, Channel: ch, Bytes: len(payload)}})
	c.net.deliver(ctx, notes)
	return len(payload), nil
}

// Offer входящий вызов от имитатора удаленной стороны
func (c *Controller) Offer(ctx context.Context, ch int, offer callctl.Offer) error {
	if ch < 0 || ch >= c.cfg.Channels {
		return fmt.Errorf("%s/%d: %w", c.cfg.ID, ch, ErrBadChannel)
	}
	c.net.mu.Lock()
	l := &c.lines[ch]
	if l.state != lineIdle {
		c.net.mu.Unlock()
		return fmt.Errorf("%s/%d: %w", c.cfg.ID, ch, ErrLineBusy)
	}
	l.state = lineOffered
	l.peer = nil
	c.net.mu.Unlock()

	return c.status(ctx, callctl.StatusEvent{Code: callctl.StatICall, Channel: ch, Offer: &offer})
}

// CallInfo донабор цифр к предложенному вызову
func (c *Controller) CallInfo(ctx context.Context, ch int, digits string) error {
	return c.status(ctx, callctl.StatusEvent{Code: callctl.StatCallInfo, Channel: ch, Digits: digits})
}

// Charge единица тарификации на линии
func (c *Controller) Charge(ctx context.Context, ch int) error {
	return c.status(ctx, callctl.StatusEvent{Code: callctl.StatChargeInfo, Channel: ch})
}

// RemoteHangup разъединение с удаленной стороны
func (c *Controller) RemoteHangup(ctx context.Context, ch int) error {
	if ch < 0 || ch >= c.cfg.Channels {
		return fmt.Errorf("%s/%d: %w", c.cfg.ID, ch, ErrBadChannel)
	}
	c.net.mu.Lock()
	l := &c.lines[ch]
	notes := []notice{hup(c, ch, CauseNormal)}
	if p := l.peer; p != nil {
		p.ctrl.lines[p.ch] = line{}
		notes = append(notes, hup(p.ctrl, p.ch, CauseNormal))
	}
	*l = line{}
	c.net.mu.Unlock()

	c.net.deliver(ctx, notes)
	return nil
}

// dropAll освобождает линии контроллера и возвращает уведомления
// удаленным сторонам
func (c *Controller) dropAll() []notice {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	var notes []notice
	for i := range c.lines {
		if p := c.lines[i].peer; p != nil {
			p.ctrl.lines[p.ch] = line{}
			notes = append(notes, hup(p.ctrl, p.ch, CauseNormal))
		}
		c.lines[i] = line{}
	}
	return notes
}
