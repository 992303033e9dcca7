package callctl

import (
	"fmt"
	"sync"
	"time"
)

// TimerKind вид таймера соединения
type TimerKind int

const (
	TimerDial     TimerKind = iota // ожидание ответа на дозвон
	TimerBackoff                   // пауза перед повторным дозвоном
	TimerIncoming                  // ожидание установления входящего вызова
	TimerCallback                  // задержка перед обратным вызовом
	TimerTick                      // периодический тик в Active
)

var timerKindNames = map[TimerKind]string{
	TimerDial:     "dial",
	TimerBackoff:  "backoff",
	TimerIncoming: "incoming",
	TimerCallback: "callback",
	TimerTick:     "tick",
}

func (k TimerKind) String() string {
	if name, ok := timerKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("timer(%d)", int(k))
}

// TimeoutEvent событие срабатывания таймера
type TimeoutEvent struct {
	Kind       TimerKind
	Owner      string
	Generation uint64
	Timestamp  time.Time
}

// TimeoutCallback функция обратного вызова при таймауте.
// Вызывается из горутины таймера без блокировок менеджера.
type TimeoutCallback func(event TimeoutEvent)

type timerKey struct {
	owner string
	kind  TimerKind
}

type timeoutHandle struct {
	gen   uint64
	timer *time.Timer
}

// TimeoutManager управляет таймерами всех соединений.
//
// Каждое взведение таймера получает новое поколение. Сработавший таймер
// остается "живым" до тех пор, пока обработчик не заберет его через Consume,
// поэтому перевзведенный или отмененный таймер распознается как устаревший.
type TimeoutManager struct {
	mu      sync.Mutex
	timers  map[timerKey]*timeoutHandle
	nextGen uint64
	stopped bool

	totalCreated   int64
	totalFired     int64
	totalCancelled int64
}

// NewTimeoutManager создает новый менеджер таймаутов
func NewTimeoutManager() *TimeoutManager {
	return &TimeoutManager{
		timers: make(map[timerKey]*timeoutHandle),
	}
}

// Set взводит таймер, заменяя предыдущий того же вида у того же владельца.
// Возвращает поколение нового таймера (0 если менеджер остановлен).
func (tm *TimeoutManager) Set(owner string, kind TimerKind, d time.Duration, cb TimeoutCallback) uint64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.stopped {
		return 0
	}

	key := timerKey{owner: owner, kind: kind}
	if existing, ok := tm.timers[key]; ok && existing.timer != nil {
		existing.timer.Stop()
	}

	tm.nextGen++
	gen := tm.nextGen
	h := &timeoutHandle{gen: gen}
	h.timer = time.AfterFunc(d, func() {
		tm.mu.Lock()
		cur, ok := tm.timers[key]
		live := ok && cur.gen == gen && !tm.stopped
		if live {
			tm.totalFired++
		}
		tm.mu.Unlock()

		if live && cb != nil {
			cb(TimeoutEvent{Kind: kind, Owner: owner, Generation: gen, Timestamp: time.Now()})
		}
	})
	tm.timers[key] = h
	tm.totalCreated++
	return gen
}

// Consume проверяет, что событие относится к актуальному таймеру, и снимает его
func (tm *TimeoutManager) Consume(ev TimeoutEvent) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	key := timerKey{owner: ev.Owner, kind: ev.Kind}
	cur, ok := tm.timers[key]
	if !ok || cur.gen != ev.Generation {
		return false
	}
	delete(tm.timers, key)
	return true
}

// Cancel отменяет таймер
func (tm *TimeoutManager) Cancel(owner string, kind TimerKind) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	key := timerKey{owner: owner, kind: kind}
	if h, ok := tm.timers[key]; ok {
		h.timer.Stop()
		delete(tm.timers, key)
		tm.totalCancelled++
		return true
	}
	return false
}

// CancelAll отменяет все таймеры владельца
func (tm *TimeoutManager) CancelAll(owner string) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	n := 0
	for key, h := range tm.timers {
		if key.owner != owner {
			continue
		}
		h.timer.Stop()
		delete(tm.timers, key)
		n++
	}
	tm.totalCancelled += int64(n)
	return n
}

// Armed проверяет, взведен ли таймер
func (tm *TimeoutManager) Armed(owner string, kind TimerKind) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, ok := tm.timers[timerKey{owner: owner, kind: kind}]
	return ok
}

// GetActiveTimeouts возвращает количество активных таймеров
func (tm *TimeoutManager) GetActiveTimeouts() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.timers)
}

// GetStatistics возвращает статистику таймеров
func (tm *TimeoutManager) GetStatistics() map[string]int64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return map[string]int64{
		"active":    int64(len(tm.timers)),
		"created":   tm.totalCreated,
		"fired":     tm.totalFired,
		"cancelled": tm.totalCancelled,
	}
}

// Stop останавливает все таймеры. Последующие Set ничего не делают.
func (tm *TimeoutManager) Stop() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.stopped = true
	for key, h := range tm.timers {
		h.timer.Stop()
		delete(tm.timers, key)
	}
}
