// Package callctl управляет жизненным циклом логических соединений поверх
// общего пула физических каналов аппаратных контроллеров.
//
// Три связанных автомата (контроллер, канал, соединение) построены на
// pkg/dispatch. Команды идут соединение -> канал -> контроллер -> драйвер,
// уведомления в обратную сторону. Сущности обмениваются только сообщениями
// через свои очереди, ни один обработчик не читает состояние чужой сущности
// под ее блокировкой.
//
// Порядок блокировок: cfgMu реестра -> блокировка сущности (Executor) ->
// листовые блокировки (индексы реестра, конфигурация соединения, слово
// занятости канала).
package callctl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/callctl/pkg/dispatch"
	"github.com/google/uuid"
)

// Tracer получает каждый примененный переход любого автомата
type Tracer interface {
	Transition(machine, entity, from, to, event string, at time.Time)
}

// EngineConfig конфигурация движка
type EngineConfig struct {
	// MailboxSize размер очереди каждой сущности
	MailboxSize int

	// TickInterval период проверки простоя активного соединения
	TickInterval time.Duration

	// StartStopped создать движок в остановленном состоянии
	StartStopped bool

	Logger StructuredLogger

	// Metrics nil - метрики выключены
	Metrics *MetricsConfig

	Tracer Tracer
}

// DefaultEngineConfig возвращает конфигурацию по умолчанию
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MailboxSize:  dispatch.DefaultMailboxSize,
		TickInterval: time.Second,
		Logger:       NoOpLogger{},
	}
}

// Registry владеет всеми контроллерами и соединениями движка
type Registry struct {
	cfg     EngineConfig
	logger  StructuredLogger
	metrics *MetricsCollector
	timers  *TimeoutManager
	tracer  Tracer

	// cfgMu сериализует команды оператора
	cfgMu sync.Mutex

	mu          sync.RWMutex
	controllers []*Controller
	ctrlByID    map[string]*Controller
	conns       []*Connection
	connByName  map[string]*Connection

	running  atomic.Bool
	closed   atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

// NewRegistry создает движок
func NewRegistry(cfg *EngineConfig) (*Registry, error) {
	if cfg == nil {
		cfg = DefaultEngineConfig()
	}
	c := *cfg
	if c.MailboxSize <= 0 {
		c.MailboxSize = dispatch.DefaultMailboxSize
	}
	if c.TickInterval <= 0 {
		return nil, InvalidConfigError("tick_interval", c.TickInterval, "должен быть больше нуля")
	}
	if c.Logger == nil {
		c.Logger = NoOpLogger{}
	}

	metrics := NewMetricsCollector(&MetricsConfig{Enabled: false})
	if c.Metrics != nil {
		mcfg := *c.Metrics
		if mcfg.Logger == nil {
			mcfg.Logger = c.Logger.WithComponent("metrics")
		}
		metrics = NewMetricsCollector(&mcfg)
	}

	r := &Registry{
		cfg:        c,
		logger:     c.Logger.WithComponent("callctl"),
		metrics:    metrics,
		timers:     NewTimeoutManager(),
		tracer:     c.Tracer,
		ctrlByID:   make(map[string]*Controller),
		connByName: make(map[string]*Connection),
		done:       make(chan struct{}),
	}
	r.running.Store(!c.StartStopped)
	return r, nil
}

// Metrics возвращает сборщик метрик движка
func (r *Registry) Metrics() *MetricsCollector { return r.metrics }

// Running сообщает, принимает ли движок новые вызовы
func (r *Registry) Running() bool { return r.running.Load() && !r.closed.Load() }

// Shutdown разрывает все вызовы, останавливает таймеры и будит ожидающих.
// Повторный вызов ничего не делает.
func (r *Registry) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.running.Store(false)

	r.cfgMu.Lock()
	conns := r.connectionList()
	for _, c := range conns {
		err := c.exec.Do(ctx, func(ctx context.Context) error {
			if c.fsm.Can(ConnEvHangup) {
				_, err := c.fsm.Dispatch(ctx, ConnEvHangup, nil)
				return err
			}
			return nil
		})
		if err != nil {
			r.logger.LogError(ctx, err, "Hangup on shutdown failed", String("connection", c.name))
		}
	}
	r.cfgMu.Unlock()

	r.timers.Stop()
	r.doneOnce.Do(func() { close(r.done) })
	r.logger.Info(ctx, "Engine shut down", Int("connections", len(conns)))
	return nil
}

// RegisterController регистрирует аппаратный контроллер и возвращает
// Ingress для уведомлений драйвера
func (r *Registry) RegisterController(ctx context.Context, info ControllerInfo) (*Ingress, error) {
	if err := info.validate(); err != nil {
		return nil, err
	}

	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	if r.closed.Load() {
		return nil, StoppedError("register_controller")
	}

	r.mu.RLock()
	_, dup := r.ctrlByID[info.ID]
	r.mu.RUnlock()
	if dup {
		return nil, InvalidConfigError("controller.id", info.ID, "контроллер уже зарегистрирован")
	}

	ctrl := newController(r, info)
	err := ctrl.exec.Do(ctx, func(ctx context.Context) error {
		if _, err := ctrl.fsm.Dispatch(ctx, CtrlEvRegister, nil); err != nil {
			return err
		}
		for i := 0; i < info.Channels; i++ {
			if _, err := ctrl.fsm.Dispatch(ctx, CtrlEvChannelAdded, newChannel(ctrl, i)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		ctrl.regHold.Release()
		return nil, fmt.Errorf("register controller %s: %w", info.ID, err)
	}

	r.mu.Lock()
	r.controllers = append(r.controllers, ctrl)
	r.ctrlByID[info.ID] = ctrl
	r.mu.Unlock()

	r.logger.Info(ctx, "Controller registered",
		String("controller", info.ID),
		Int("channels", info.Channels),
		String("caps", info.Caps.String()),
	)
	return &Ingress{ctrl: ctrl}, nil
}

func (r *Registry) removeController(ctrl *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.ctrlByID, ctrl.id)
	for i, c := range r.controllers {
		if c == ctrl {
			r.controllers = append(r.controllers[:i], r.controllers[i+1:]...)
			break
		}
	}
}

func (r *Registry) controller(id string) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.ctrlByID[id]
	if !ok {
		return nil, UnknownControllerError(id)
	}
	return c, nil
}

func (r *Registry) controllerList() []*Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Controller, len(r.controllers))
	copy(out, r.controllers)
	return out
}

func (r *Registry) connection(name string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connByName[name]
	if !ok {
		return nil, UnknownConnectionError(name)
	}
	return c, nil
}

func (r *Registry) connectionList() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, len(r.conns))
	copy(out, r.conns)
	return out
}

func (r *Registry) channel(ctrlID string, index int) (*Channel, error) {
	ctrl, err := r.controller(ctrlID)
	if err != nil {
		return nil, err
	}
	ch := ctrl.channel(index)
	if ch == nil {
		return nil, InvalidConfigError("channel", index, fmt.Sprintf("у контроллера %s нет такого канала", ctrlID))
	}
	return ch, nil
}

// newExecutor создает очередь сущности с восстановлением после panic
func (r *Registry) newExecutor(name string) *dispatch.Executor {
	x := dispatch.NewExecutor(name, r.cfg.MailboxSize)
	x.OnPanic = func(name string, v any) {
		r.metrics.InvariantViolation("executor")
		r.logger.Error(context.Background(), "Panic in entity task",
			String("executor", name),
			Any("panic_value", v),
		)
	}
	return x
}

// onTransition общий наблюдатель переходов всех автоматов
func (r *Registry) onTransition(ctx context.Context, machine, entity, from, to, event string, at time.Time) {
	r.metrics.Transition(machine, from, to)
	if r.tracer != nil {
		r.tracer.Transition(machine, entity, from, to, event, at)
	}
	r.logger.Debug(ctx, "Transition",
		String("machine", machine),
		String("entity", entity),
		String("from", from),
		String("to", to),
		String("event", event),
	)
}

// postFailed учитывает событие, не поставленное в очередь
func (r *Registry) postFailed(ctx context.Context, target string, event string, err error) {
	r.metrics.QueueOverflow()
	r.logger.LogError(ctx, err, "Event dropped",
		String("target", target),
		String("event", event),
	)
}

// Ingress точка входа уведомлений драйвера одного контроллера
type Ingress struct {
	ctrl *Controller
}

// Controller возвращает ID контроллера
func (in *Ingress) Controller() string { return in.ctrl.id }

// Status передает уведомление драйвера.
// Может вызываться из любой горутины, в том числе из Driver.Command.
func (in *Ingress) Status(ctx context.Context, ev StatusEvent) error {
	c := in.ctrl
	var event ControllerEvent
	switch ev.Code {
	case StatStarted:
		event = CtrlEvStarted
	case StatStopped:
		event = CtrlEvStopped
	case StatUnload:
		event = CtrlEvUnloaded
	case StatAvailable:
		event = CtrlEvAvailable
	default:
		if !ev.Code.PerChannel() {
			return InvalidConfigError("status.code", ev.Code, "неизвестное уведомление")
		}
		event = CtrlEvForward
	}
	return c.post(ctx, event, ev)
}

// Destroyed закрывается после выгрузки контроллера и освобождения всех его каналов
func (in *Ingress) Destroyed() <-chan struct{} { return in.ctrl.destroyed }

// Receive передает принятые данные канала
func (in *Ingress) Receive(ctx context.Context, channel int, payload []byte) error {
	data := make([]byte, len(payload))
	copy(data, payload)
	return in.ctrl.post(ctx, CtrlEvForward, dataNote{channel: channel, payload: data})
}

func newConnectionID() string {
	return uuid.NewString()
}
