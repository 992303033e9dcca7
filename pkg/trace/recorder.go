package trace

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/arzzra/callctl/pkg/callctl"
)

// Recorder пишет переходы движка. Подключается через EngineConfig.Tracer.
// Безопасен для использования из нескольких горутин.
type Recorder struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	enc     *cbor.Encoder
	session string
	seq     uint64
	closed  bool
	err     error
}

var _ callctl.Tracer = (*Recorder)(nil)

// NewRecorder пишет записи в w. Если w реализует io.Closer, Close его закроет.
func NewRecorder(w io.Writer) *Recorder {
	r := &Recorder{
		w:       w,
		enc:     newEncoder(w),
		session: uuid.NewString(),
	}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// NewFileRecorder дописывает записи в файл path
func NewFileRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return NewRecorder(f), nil
}

// Session идентификатор текущего запуска
func (r *Recorder) Session() string { return r.session }

// Transition записывает переход. Ошибка записи запоминается и
// возвращается из Err, работа движка не прерывается.
func (r *Recorder) Transition(machine, entity, from, to, event string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.seq++
	err := r.enc.Encode(Event{
		Session: r.session,
		Seq:     r.seq,
		At:      at,
		Machine: machine,
		Entity:  entity,
		From:    from,
		To:      to,
		Event:   event,
	})
	if err != nil && r.err == nil {
		r.err = err
	}
}

// Count количество записанных переходов
func (r *Recorder) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Err первая ошибка записи
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close закрывает приемник. Повторный вызов ничего не делает.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
