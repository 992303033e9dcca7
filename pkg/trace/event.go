// Package trace пишет и читает журнал переходов автоматов движка в CBOR.
//
// Каждая запись - один примененный переход любого автомата (controller,
// channel, connection). Файл состоит из подряд идущих CBOR-значений и
// может дописываться между запусками.
package trace

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Event запись о переходе
type Event struct {
	Session string    `cbor:"1,keyasint"`
	Seq     uint64    `cbor:"2,keyasint"`
	At      time.Time `cbor:"3,keyasint"`
	Machine string    `cbor:"4,keyasint"`
	Entity  string    `cbor:"5,keyasint"`
	From    string    `cbor:"6,keyasint"`
	To      string    `cbor:"7,keyasint"`
	Event   string    `cbor:"8,keyasint"`
}

// SelfLoop переход без смены состояния
func (e Event) SelfLoop() bool { return e.From == e.To }

func (e Event) String() string {
	return fmt.Sprintf("%s #%d %s %s: %s --%s--> %s",
		e.At.Format("15:04:05.000"), e.Seq, e.Machine, e.Entity, e.From, e.Event, e.To)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor decoder mode: %v", err))
	}
}

// EncodeEvent кодирует запись
func EncodeEvent(ev Event) ([]byte, error) {
	return encMode.Marshal(ev)
}

// DecodeEvent декодирует запись
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := decMode.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func newEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }

func newDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
