package callctl

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/arzzra/callctl/pkg/dispatch"
)

// withConnection выполняет команду оператора под cfgMu и блокировкой соединения
func (r *Registry) withConnection(ctx context.Context, name string, fn func(ctx context.Context, c *Connection) error) error {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	if r.closed.Load() {
		return StoppedError("command")
	}
	c, err := r.connection(name)
	if err != nil {
		return err
	}
	return c.exec.Do(ctx, func(ctx context.Context) error {
		return fn(ctx, c)
	})
}

// AddConnection создает соединение и возвращает его UUID
func (r *Registry) AddConnection(ctx context.Context, name string, cfg ConnectionConfig) (string, error) {
	if name == "" {
		return "", InvalidConfigError("name", name, "пустое имя соединения")
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	if r.closed.Load() {
		return "", StoppedError("add_connection")
	}
	if _, err := r.connection(name); err == nil {
		return "", InvalidConfigError("name", name, "соединение уже существует")
	}

	c := newConnection(r, name, cfg)
	if cfg.Exclusive != nil {
		if err := r.reserve(c, cfg.Exclusive); err != nil {
			c.regHold.Release()
			return "", err
		}
	}

	r.mu.Lock()
	r.conns = append(r.conns, c)
	r.connByName[name] = c
	r.mu.Unlock()

	r.logger.Info(ctx, "Connection added", String("connection", name), String("id", c.id))
	return c.id, nil
}

// RemoveConnection удаляет свободное соединение. Само соединение
// уничтожается после снятия последнего удержания.
func (r *Registry) RemoveConnection(ctx context.Context, name string) error {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	c, err := r.connection(name)
	if err != nil {
		return err
	}
	err = c.exec.Do(ctx, func(ctx context.Context) error {
		if c.busy() {
			return BusyError(c.name, string(c.fsm.Current()))
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.connByName, name)
	if i := slices.Index(r.conns, c); i >= 0 {
		r.conns = slices.Delete(r.conns, i, i+1)
	}
	r.mu.Unlock()

	if ref := c.config().Exclusive; ref != nil {
		r.release(c, ref)
	}
	c.regHold.Release()
	r.logger.Info(ctx, "Connection removed", String("connection", name), Int("holds", c.refs.count()))
	return nil
}

// reserve закрепляет канал за соединением
func (r *Registry) reserve(c *Connection, ref *ChannelRef) error {
	ch, err := r.channel(ref.Controller, ref.Channel)
	if err != nil {
		return err
	}
	return ch.setExclusive(c)
}

func (r *Registry) release(c *Connection, ref *ChannelRef) {
	ch, err := r.channel(ref.Controller, ref.Channel)
	if err != nil {
		return
	}
	if ch.exclOwner.Load() == c {
		ch.setExclusive(nil)
	}
}

// BindExclusive закрепляет канал за соединением
func (r *Registry) BindExclusive(ctx context.Context, name, controller string, channel int) error {
	return r.withConnection(ctx, name, func(ctx context.Context, c *Connection) error {
		if c.busy() {
			return BusyError(c.name, string(c.fsm.Current()))
		}
		ref := &ChannelRef{Controller: controller, Channel: channel}
		cfg := c.config().clone()
		if cfg.Exclusive != nil && *cfg.Exclusive == *ref {
			return nil
		}
		if err := r.reserve(c, ref); err != nil {
			return err
		}
		if cfg.Exclusive != nil {
			r.release(c, cfg.Exclusive)
		}
		cfg.Exclusive = ref
		c.setConfig(cfg)
		c.logger.Info(ctx, "Channel reserved", String("channel", ref.String()))
		return nil
	})
}

// Unbind снимает закрепление канала
func (r *Registry) Unbind(ctx context.Context, name string) error {
	return r.withConnection(ctx, name, func(ctx context.Context, c *Connection) error {
		if c.busy() {
			return BusyError(c.name, string(c.fsm.Current()))
		}
		cfg := c.config().clone()
		if cfg.Exclusive == nil {
			return nil
		}
		r.release(c, cfg.Exclusive)
		cfg.Exclusive = nil
		c.setConfig(cfg)
		return nil
	})
}

// Configure заменяет конфигурацию соединения. Во время вызова запрещено.
func (r *Registry) Configure(ctx context.Context, name string, cfg ConnectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return r.withConnection(ctx, name, func(ctx context.Context, c *Connection) error {
		if c.busy() {
			return BusyError(c.name, string(c.fsm.Current()))
		}
		old := c.config()
		if !sameRef(old.Exclusive, cfg.Exclusive) {
			if cfg.Exclusive != nil {
				if err := r.reserve(c, cfg.Exclusive); err != nil {
					return err
				}
			}
			if old.Exclusive != nil {
				r.release(c, old.Exclusive)
			}
		}
		c.setConfig(cfg)
		c.logger.Info(ctx, "Connection configured")
		return nil
	})
}

func sameRef(a, b *ChannelRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// AddNumber добавляет номер для исходящего дозвона
func (r *Registry) AddNumber(ctx context.Context, name, number string) error {
	if err := validateNumber(number); err != nil {
		return err
	}
	return r.withConnection(ctx, name, func(ctx context.Context, c *Connection) error {
		if c.busy() {
			return BusyError(c.name, string(c.fsm.Current()))
		}
		cfg := c.config().clone()
		if slices.Contains(cfg.Numbers, number) {
			return nil
		}
		cfg.Numbers = append(cfg.Numbers, number)
		c.setConfig(cfg)
		return nil
	})
}

// RemoveNumber удаляет номер из списка дозвона
func (r *Registry) RemoveNumber(ctx context.Context, name, number string) error {
	return r.withConnection(ctx, name, func(ctx context.Context, c *Connection) error {
		if c.busy() {
			return BusyError(c.name, string(c.fsm.Current()))
		}
		cfg := c.config().clone()
		i := slices.Index(cfg.Numbers, number)
		if i < 0 {
			return InvalidConfigError("number", number, "номер не найден")
		}
		cfg.Numbers = slices.Delete(cfg.Numbers, i, i+1)
		c.setConfig(cfg)
		return nil
	})
}

// Dial запускает исходящий вызов. Возвращается сразу после выделения канала,
// дождаться соединения можно через WaitConnected.
func (r *Registry) Dial(ctx context.Context, name string) error {
	return r.withConnection(ctx, name, func(ctx context.Context, c *Connection) error {
		return c.dispatchOp(ctx, ConnEvDial, "dial")
	})
}

// Hangup разъединяет соединение
func (r *Registry) Hangup(ctx context.Context, name string) error {
	return r.withConnection(ctx, name, func(ctx context.Context, c *Connection) error {
		return c.dispatchOp(ctx, ConnEvHangup, "hangup")
	})
}

// Bundle добавляет канал к активному соединению и возвращает его ключ
func (r *Registry) Bundle(ctx context.Context, name string) (string, error) {
	var key string
	err := r.withConnection(ctx, name, func(ctx context.Context, c *Connection) error {
		var err error
		key, err = c.bundle(ctx)
		return err
	})
	return key, err
}

// Unbundle отпускает последний добавленный канал
func (r *Registry) Unbundle(ctx context.Context, name string) (string, error) {
	var key string
	err := r.withConnection(ctx, name, func(ctx context.Context, c *Connection) error {
		var err error
		key, err = c.unbundle(ctx)
		return err
	})
	return key, err
}

// WaitConnected ждет перехода соединения в Active. Если вызов завершился
// неудачей, возвращает ее причину.
func (r *Registry) WaitConnected(ctx context.Context, name string) error {
	c, err := r.connection(name)
	if err != nil {
		return err
	}
	return c.waitConnected(ctx)
}

// WaitState ждет, пока соединение окажется в состоянии state
func (r *Registry) WaitState(ctx context.Context, name string, state ConnectionState) error {
	c, err := r.connection(name)
	if err != nil {
		return err
	}
	return c.waitFor(ctx, func() (bool, error) {
		return c.fsm.Is(state), nil
	})
}

// Status снимок состояния соединения
func (r *Registry) Status(name string) (ConnectionStatus, error) {
	c, err := r.connection(name)
	if err != nil {
		return ConnectionStatus{}, err
	}
	return c.status(), nil
}

// Connections состояние всех соединений в порядке регистрации
func (r *Registry) Connections() []ConnectionStatus {
	conns := r.connectionList()
	out := make([]ConnectionStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.status())
	}
	return out
}

// Controllers состояние всех контроллеров
func (r *Registry) Controllers() []ControllerStatus {
	ctrls := r.controllerList()
	out := make([]ControllerStatus, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.status())
	}
	return out
}

// PeerNumber номер удаленной стороны текущего или последнего вызова
func (r *Registry) PeerNumber(name string) (string, error) {
	c, err := r.connection(name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dir == DirOutgoing && len(c.dialList) > 0 {
		return c.dialList[c.numberIdx], nil
	}
	return c.peer, nil
}

// DisableChannel исключает канал из выделения и маршрутизации.
// Текущий вызов на канале не прерывается.
func (r *Registry) DisableChannel(ctx context.Context, controller string, channel int, disabled bool) error {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	ch, err := r.channel(controller, channel)
	if err != nil {
		return err
	}
	ch.setDisabled(disabled)
	r.logger.Info(ctx, "Channel availability changed", String("channel", ch.key), Bool("disabled", disabled))
	return nil
}

// Start разрешает новые вызовы
func (r *Registry) Start(ctx context.Context) error {
	if r.closed.Load() {
		return StoppedError("start")
	}
	if r.running.CompareAndSwap(false, true) {
		r.logger.Info(ctx, "Engine started")
	}
	return nil
}

// Stop запрещает новые вызовы. Установленные вызовы продолжаются.
func (r *Registry) Stop(ctx context.Context) error {
	if r.running.CompareAndSwap(true, false) {
		r.logger.Info(ctx, "Engine stopped")
	}
	return nil
}

// Diagram описание автомата в формате Mermaid
func (r *Registry) Diagram(machine string) (string, error) {
	switch machine {
	case "controller":
		return dispatch.NewMachine(controllerTable, (*Controller)(nil), CtrlUnregistered, machine).Diagram()
	case "channel":
		return dispatch.NewMachine(channelTable, (*Channel)(nil), ChanUnbound, machine).Diagram()
	case "connection":
		return dispatch.NewMachine(connectionTable, (*Connection)(nil), ConnIdle, machine).Diagram()
	}
	return "", InvalidConfigError("machine", machine, "допустимо controller, channel, connection")
}

// History последние переходы соединения
func (r *Registry) History(name string) ([]dispatch.Transition[ConnectionState, ConnEvent], error) {
	c, err := r.connection(name)
	if err != nil {
		return nil, err
	}
	return c.fsm.History(), nil
}

// CheckInvariants проверяет согласованность каналов и соединений.
// Результат имеет смысл только когда все очереди пусты.
func (r *Registry) CheckInvariants() error {
	var errs []error
	refs := make(map[*Channel][]string)

	for _, c := range r.connectionList() {
		c.mu.Lock()
		members := slices.Clone(c.members)
		current := c.current
		c.mu.Unlock()

		for _, ch := range members {
			refs[ch] = append(refs[ch], c.name)
		}
		state := c.fsm.Current()
		chActive := current != nil && current.fsm.Is(ChanActive)
		if (state == ConnActive) != chActive {
			errs = append(errs, InvariantViolation(c.name, string(state),
				fmt.Sprintf("соединение active=%t, канал active=%t", state == ConnActive, chActive)))
		}
	}

	for _, ctrl := range r.controllerList() {
		for _, ch := range ctrl.channelList() {
			owners := refs[ch]
			if ch.allocated() != (len(owners) == 1) {
				errs = append(errs, InvariantViolation(ch.key, string(ch.State()),
					fmt.Sprintf("allocated=%t, ссылок %d %v", ch.allocated(), len(owners), owners)))
			}
		}
	}
	return errors.Join(errs...)
}
