// Package dispatch реализует табличный интерпретатор конечных автоматов,
// общий для всех FSM движка управления вызовами.
//
// Таблица переходов строится один раз на тип автомата из набора правил
// (событие, исходные состояния, состояние назначения, обработчик) и
// компилируется в github.com/looplab/fsm. Каждая сущность владеет своим
// экземпляром Machine.
//
// Основные гарантии:
//   - для пары (состояние, событие) выполняется ровно один обработчик,
//     либо возвращается NotHandledError без побочных эффектов
//   - ошибка обработчика отменяет переход, состояние не меняется
//   - повторный вход в Dispatch того же автомата обнаруживается и
//     возвращается как InvariantError (вместо deadlock)
//   - вход в Dispatch другого автомата из обработчика разрешен
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
)

var (
	// ErrNotHandled событие не обрабатывается в текущем состоянии
	ErrNotHandled = errors.New("event not handled in current state")

	// ErrReentrant повторный вход в Dispatch того же автомата
	ErrReentrant = errors.New("re-entrant dispatch on the same machine")

	// ErrQueueFull очередь сообщений сущности переполнена
	ErrQueueFull = errors.New("entity mailbox is full")
)

// NotHandledError описывает событие, для которого в таблице нет обработчика
type NotHandledError struct {
	Machine string
	State   string
	Event   string
}

func (e *NotHandledError) Error() string {
	return fmt.Sprintf("%s: event %q not handled in state %q", e.Machine, e.Event, e.State)
}

func (e *NotHandledError) Unwrap() error { return ErrNotHandled }

// InvariantError нарушение инварианта внутри автомата.
// Фатально для сущности, но не для движка.
type InvariantError struct {
	Machine string
	State   string
	Event   string
	Err     error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: invariant violation on %q in state %q: %v", e.Machine, e.Event, e.State, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// Handler обработчик перехода. Возврат ошибки отменяет переход.
type Handler[S ~string, E ~string, T any] func(ctx context.Context, entity T, step *Step[S, E]) error

// Rule правило таблицы переходов
type Rule[S ~string, E ~string, T any] struct {
	Event   E
	Src     []S
	Dst     S
	Handler Handler[S, E, T]
}

// Step контекст одного перехода, передаваемый обработчику
type Step[S ~string, E ~string] struct {
	Event   E
	Src     S
	Dst     S
	Payload any

	redirect *S
}

// Redirect меняет состояние назначения текущего перехода
func (s *Step[S, E]) Redirect(dst S) {
	s.redirect = &dst
}

// Target возвращает состояние, в которое перейдет автомат
func (s *Step[S, E]) Target() S {
	if s.redirect != nil {
		return *s.redirect
	}
	return s.Dst
}

type ruleKey[S ~string, E ~string] struct {
	state S
	event E
}

// Table статическая таблица переходов одного типа автомата
type Table[S ~string, E ~string, T any] struct {
	name     string
	events   fsm.Events
	handlers map[ruleKey[S, E]]Handler[S, E, T]
}

// NewTable собирает таблицу из правил.
// Дубликат пары (состояние, событие) - ошибка программиста, вызывает panic.
func NewTable[S ~string, E ~string, T any](name string, rules ...Rule[S, E, T]) *Table[S, E, T] {
	t := &Table[S, E, T]{
		name:     name,
		handlers: make(map[ruleKey[S, E]]Handler[S, E, T]),
	}
	for _, r := range rules {
		if r.Handler == nil {
			panic(fmt.Sprintf("dispatch: %s: rule %q has no handler", name, r.Event))
		}
		src := make([]string, 0, len(r.Src))
		for _, s := range r.Src {
			k := ruleKey[S, E]{state: s, event: r.Event}
			if _, dup := t.handlers[k]; dup {
				panic(fmt.Sprintf("dispatch: %s: duplicate rule for %q in state %q", name, r.Event, s))
			}
			t.handlers[k] = r.Handler
			src = append(src, string(s))
		}
		t.events = append(t.events, fsm.EventDesc{Name: string(r.Event), Src: src, Dst: string(r.Dst)})
	}
	return t
}

// Name возвращает имя таблицы
func (t *Table[S, E, T]) Name() string { return t.name }

// Handles проверяет наличие обработчика для пары (состояние, событие)
func (t *Table[S, E, T]) Handles(state S, event E) bool {
	_, ok := t.handlers[ruleKey[S, E]{state: state, event: event}]
	return ok
}

// Transition примененный переход
type Transition[S ~string, E ~string] struct {
	Machine string
	Entity  string
	From    S
	To      S
	Event   E
	At      time.Time
}

// Observer получает каждый примененный переход
type Observer[S ~string, E ~string] func(ctx context.Context, tr Transition[S, E])

// Outcome результат Dispatch
type Outcome[S ~string, E ~string] struct {
	From  S
	To    S
	Event E
}

// Changed сообщает, изменилось ли состояние
func (o Outcome[S, E]) Changed() bool { return o.From != o.To }

var machineSeq atomic.Uint64

type machineKey struct{ id uint64 }

// Machine экземпляр автомата, принадлежащий одной сущности
type Machine[S ~string, E ~string, T any] struct {
	id        uint64
	table     *Table[S, E, T]
	entity    T
	label     string
	fsm       *fsm.FSM
	history   *History[S, E]
	observers []Observer[S, E]
}

// NewMachine создает автомат сущности в начальном состоянии
func NewMachine[S ~string, E ~string, T any](table *Table[S, E, T], entity T, initial S, label string) *Machine[S, E, T] {
	m := &Machine[S, E, T]{
		id:      machineSeq.Add(1),
		table:   table,
		entity:  entity,
		label:   label,
		history: NewHistory[S, E](DefaultHistoryLimit),
	}
	m.fsm = fsm.NewFSM(string(initial), table.events, fsm.Callbacks{
		"before_event": func(ctx context.Context, e *fsm.Event) {
			m.runHandler(ctx, e)
		},
	})
	return m
}

// Observe добавляет наблюдателя переходов. Вызывать до начала работы.
func (m *Machine[S, E, T]) Observe(o Observer[S, E]) {
	m.observers = append(m.observers, o)
}

// Label возвращает метку автомата для логов
func (m *Machine[S, E, T]) Label() string { return m.label }

// Current возвращает текущее состояние (thread-safe)
func (m *Machine[S, E, T]) Current() S {
	return S(m.fsm.Current())
}

// Is проверяет текущее состояние
func (m *Machine[S, E, T]) Is(state S) bool {
	return m.fsm.Is(string(state))
}

// Can проверяет, обрабатывается ли событие в текущем состоянии
func (m *Machine[S, E, T]) Can(event E) bool {
	return m.table.Handles(m.Current(), event)
}

// History возвращает копию истории переходов
func (m *Machine[S, E, T]) History() []Transition[S, E] {
	return m.history.Snapshot()
}

// Diagram возвращает таблицу переходов в виде mermaid state diagram
func (m *Machine[S, E, T]) Diagram() (string, error) {
	return fsm.VisualizeWithType(m.fsm, fsm.MermaidStateDiagram)
}

// Dispatch выполняет обработчик для пары (текущее состояние, событие).
//
// Возвращает NotHandledError если обработчика нет, InvariantError при
// повторном входе или panic в обработчике, либо ошибку обработчика.
// Во всех этих случаях состояние не меняется.
func (m *Machine[S, E, T]) Dispatch(ctx context.Context, event E, payload any) (Outcome[S, E], error) {
	from := m.Current()
	out := Outcome[S, E]{From: from, To: from, Event: event}

	if ctx.Value(machineKey{m.id}) != nil {
		return out, &InvariantError{Machine: m.label, State: string(from), Event: string(event), Err: ErrReentrant}
	}
	if !m.table.Handles(from, event) {
		return out, m.notHandled(from, event)
	}

	ctx = context.WithValue(ctx, machineKey{m.id}, m)
	step := &Step[S, E]{Event: event, Src: from, Payload: payload}

	if err := m.fsm.Event(ctx, string(event), step); err != nil {
		var (
			canceled fsm.CanceledError
			noTr     fsm.NoTransitionError
			invalid  fsm.InvalidEventError
		)
		switch {
		case errors.As(err, &canceled):
			if canceled.Err != nil {
				return out, canceled.Err
			}
			return out, m.notHandled(from, event)
		case errors.As(err, &noTr) && noTr.Err == nil:
			// переход в то же состояние
		case errors.As(err, &invalid):
			return out, m.notHandled(S(invalid.State), event)
		default:
			return out, fmt.Errorf("%s: %w", m.label, err)
		}
	}

	to := m.Current()
	if step.redirect != nil && *step.redirect != to {
		m.fsm.SetState(string(*step.redirect))
		to = *step.redirect
	}
	out.To = to

	tr := Transition[S, E]{
		Machine: m.table.name,
		Entity:  m.label,
		From:    from,
		To:      to,
		Event:   event,
		At:      time.Now(),
	}
	m.history.Record(tr)
	for _, o := range m.observers {
		o(ctx, tr)
	}
	return out, nil
}

// runHandler вызывается looplab/fsm в before_event
func (m *Machine[S, E, T]) runHandler(ctx context.Context, e *fsm.Event) {
	if len(e.Args) == 0 {
		e.Cancel(m.notHandled(S(e.Src), E(e.Event)))
		return
	}
	step, ok := e.Args[0].(*Step[S, E])
	if !ok {
		e.Cancel(m.notHandled(S(e.Src), E(e.Event)))
		return
	}
	step.Src = S(e.Src)
	step.Dst = S(e.Dst)

	h, ok := m.table.handlers[ruleKey[S, E]{state: step.Src, event: step.Event}]
	if !ok {
		e.Cancel(m.notHandled(step.Src, step.Event))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.Cancel(&InvariantError{
				Machine: m.label,
				State:   e.Src,
				Event:   e.Event,
				Err:     fmt.Errorf("handler panic: %v", r),
			})
		}
	}()

	if err := h(ctx, m.entity, step); err != nil {
		e.Cancel(err)
	}
}

func (m *Machine[S, E, T]) notHandled(state S, event E) error {
	return &NotHandledError{Machine: m.label, State: string(state), Event: string(event)}
}
