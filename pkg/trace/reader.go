package trace

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter условия отбора записей. Пустые поля не ограничивают выборку.
type Filter struct {
	Session string
	Machine string
	Entity  string
	Since   time.Time

	// SkipSelfLoops пропускать переходы без смены состояния
	SkipSelfLoops bool
}

func (f *Filter) matches(ev Event) bool {
	if f.Session != "" && ev.Session != f.Session {
		return false
	}
	if f.Machine != "" && ev.Machine != f.Machine {
		return false
	}
	if f.Entity != "" && ev.Entity != f.Entity {
		return false
	}
	if !f.Since.IsZero() && ev.At.Before(f.Since) {
		return false
	}
	if f.SkipSelfLoops && ev.SelfLoop() {
		return false
	}
	return true
}

// Reader последовательно читает записи
type Reader struct {
	dec    *cbor.Decoder
	closer io.Closer
	filter Filter
}

// NewReader читает записи из r
func NewReader(r io.Reader, filter Filter) *Reader {
	rd := &Reader{dec: newDecoder(r), filter: filter}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	return rd
}

// Open открывает файл журнала
func Open(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewReader(f, filter), nil
}

// Next следующая подходящая запись, io.EOF в конце журнала
func (r *Reader) Next() (Event, error) {
	for {
		var ev Event
		if err := r.dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		if r.filter.matches(ev) {
			return ev, nil
		}
	}
}

// All читает все оставшиеся подходящие записи
func (r *Reader) All() ([]Event, error) {
	var out []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

// Tail последние n подходящих записей
func (r *Reader) Tail(n int) ([]Event, error) {
	all, err := r.All()
	if len(all) > n && n > 0 {
		all = all[len(all)-n:]
	}
	return all, err
}

// Close закрывает источник
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
