package callctl

import (
	"sync"
)

// refCounter считает удержания сущности. Когда счетчик падает до нуля,
// вызывается onZero и новые удержания становятся невозможны.
type refCounter struct {
	mu     sync.Mutex
	n      int
	dead   bool
	onZero func()
}

func newRefCounter(onZero func()) *refCounter {
	return &refCounter{onZero: onZero}
}

// Hold удержание сущности. Release идемпотентен.
type Hold struct {
	once sync.Once
	rc   *refCounter
	what string
}

// acquire берет удержание. Возвращает nil, если сущность уже уничтожена.
func (r *refCounter) acquire(what string) *Hold {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return nil
	}
	r.n++
	return &Hold{rc: r, what: what}
}

// Release отпускает удержание. Повторный вызов ничего не делает.
func (h *Hold) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.rc.release()
	})
}

// Reason для чего было взято удержание
func (h *Hold) Reason() string {
	if h == nil {
		return ""
	}
	return h.what
}

func (r *refCounter) release() {
	r.mu.Lock()
	r.n--
	fire := r.n == 0 && !r.dead
	if fire {
		r.dead = true
	}
	r.mu.Unlock()

	if fire && r.onZero != nil {
		r.onZero()
	}
}

func (r *refCounter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *refCounter) destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dead
}
