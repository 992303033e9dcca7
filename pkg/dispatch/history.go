package dispatch

import (
	"fmt"
	"sync"
)

// DefaultHistoryLimit сколько последних переходов хранит автомат
const DefaultHistoryLimit = 20

// History ограниченная история переходов автомата
type History[S ~string, E ~string] struct {
	mu    sync.RWMutex
	limit int
	items []Transition[S, E]
}

// NewHistory создает историю с ограничением limit (<= 0 - DefaultHistoryLimit)
func NewHistory[S ~string, E ~string](limit int) *History[S, E] {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History[S, E]{
		limit: limit,
		items: make([]Transition[S, E], 0, 10), // Предаллоцируем для 10 переходов
	}
}

// Record добавляет переход, вытесняя самый старый
func (h *History[S, E]) Record(tr Transition[S, E]) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items = append(h.items, tr)
	if len(h.items) > h.limit {
		h.items = h.items[len(h.items)-h.limit:]
	}
}

// Snapshot возвращает копию истории
func (h *History[S, E]) Snapshot() []Transition[S, E] {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Transition[S, E], len(h.items))
	copy(out, h.items)
	return out
}

// Len количество записей
func (h *History[S, E]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}

func (h *History[S, E]) String() string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.items) == 0 {
		return "History{empty}"
	}
	last := h.items[len(h.items)-1]
	return fmt.Sprintf("History{last: %s -[%s]-> %s, transitions: %d}", last.From, last.Event, last.To, len(h.items))
}
