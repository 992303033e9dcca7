package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// DefaultMailboxSize размер очереди сущности по умолчанию
const DefaultMailboxSize = 256

// Task единица работы, выполняемая под блокировкой сущности
type Task func(ctx context.Context)

type scopeKey struct{}

// scope собирает исполнителей, которым сообщения были отправлены
// изнутри задачи. Их очереди разбираются после снятия текущей блокировки.
type scope struct {
	pending []*Executor
}

func (s *scope) add(x *Executor) {
	for _, p := range s.pending {
		if p == x {
			return
		}
	}
	s.pending = append(s.pending, x)
}

func (s *scope) flush(ctx context.Context) {
	for len(s.pending) > 0 {
		x := s.pending[0]
		s.pending = s.pending[1:]
		x.Drain(ctx)
	}
}

// InTask сообщает, выполняется ли код внутри задачи какого-либо Executor
func InTask(ctx context.Context) bool {
	_, ok := ctx.Value(scopeKey{}).(*scope)
	return ok
}

// Executor сериализует обработку событий одной сущности.
//
// Блокировка сущности берется только через TryLock при разборе очереди,
// поэтому задачи никогда не ждут чужую блокировку. Сообщения, отправленные
// из задачи, доставляются после того, как текущая задача отпустит блокировку.
type Executor struct {
	name  string
	limit int

	mu sync.Mutex // блокировка сущности

	qmu   sync.Mutex
	queue []Task

	// OnPanic вызывается при panic в задаче. Задача считается выполненной.
	OnPanic func(name string, r any)
}

// NewExecutor создает исполнителя с очередью на limit задач (<= 0 - DefaultMailboxSize)
func NewExecutor(name string, limit int) *Executor {
	if limit <= 0 {
		limit = DefaultMailboxSize
	}
	return &Executor{
		name:  name,
		limit: limit,
		queue: make([]Task, 0, 8),
	}
}

// Name имя исполнителя
func (x *Executor) Name() string { return x.name }

// Pending количество задач в очереди
func (x *Executor) Pending() int {
	x.qmu.Lock()
	defer x.qmu.Unlock()
	return len(x.queue)
}

// Post ставит задачу в очередь.
// Вне задачи очередь разбирается сразу в вызывающей горутине.
func (x *Executor) Post(ctx context.Context, task Task) error {
	x.qmu.Lock()
	if len(x.queue) >= x.limit {
		x.qmu.Unlock()
		return fmt.Errorf("%s: %w", x.name, ErrQueueFull)
	}
	x.queue = append(x.queue, task)
	x.qmu.Unlock()

	if sc, ok := ctx.Value(scopeKey{}).(*scope); ok {
		sc.add(x)
		return nil
	}
	x.Drain(ctx)
	return nil
}

// Drain разбирает очередь, если блокировка сущности свободна.
// Если ее держит другая горутина, задачи выполнит она.
func (x *Executor) Drain(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for {
		if !x.mu.TryLock() {
			return
		}
		sc := &scope{}
		tctx := context.WithValue(ctx, scopeKey{}, sc)
		for {
			task := x.pop()
			if task == nil {
				break
			}
			x.run(tctx, task)
		}
		x.mu.Unlock()
		sc.flush(ctx)

		// задача могла появиться между pop и Unlock
		if x.Pending() == 0 {
			return
		}
	}
}

// Do синхронно выполняет команду под блокировкой сущности.
// Перед командой выполняются уже поставленные в очередь задачи.
// Вызов изнутри задачи запрещен и возвращает ErrReentrant.
func (x *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if InTask(ctx) {
		return fmt.Errorf("%s: %w", x.name, ErrReentrant)
	}
	base := context.WithoutCancel(ctx)

	x.mu.Lock()
	sc := &scope{}
	tctx := context.WithValue(ctx, scopeKey{}, sc)
	qctx := context.WithValue(base, scopeKey{}, sc)
	for {
		task := x.pop()
		if task == nil {
			break
		}
		x.run(qctx, task)
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s: command panic: %v", x.name, r)
				if x.OnPanic != nil {
					x.OnPanic(x.name, r)
				}
			}
		}()
		err = fn(tctx)
	}()
	x.mu.Unlock()

	sc.flush(base)
	x.Drain(base)
	return err
}

func (x *Executor) pop() Task {
	x.qmu.Lock()
	defer x.qmu.Unlock()
	if len(x.queue) == 0 {
		return nil
	}
	task := x.queue[0]
	x.queue[0] = nil
	x.queue = x.queue[1:]
	return task
}

func (x *Executor) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil && x.OnPanic != nil {
			x.OnPanic(x.name, r)
		}
	}()
	task(ctx)
}
