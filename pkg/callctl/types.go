package callctl

import (
	"fmt"
	"strings"
)

// Capability битовая маска протоколов, которые поддерживает контроллер.
// Биты L2 начинаются с 0, биты L3 со смещения 16.
type Capability uint32

const l3Shift = 16

// L2Proto протокол канального уровня
type L2Proto uint8

const (
	L2X75I L2Proto = iota
	L2X75UI
	L2X75BUI
	L2HDLC
	L2Trans
	L2X25DTE
	L2X25DCE
	L2V11
	L2Modem
)

var l2Names = []string{"x75i", "x75ui", "x75bui", "hdlc", "trans", "x25dte", "x25dce", "v11", "modem"}

func (p L2Proto) String() string {
	if int(p) < len(l2Names) {
		return l2Names[p]
	}
	return fmt.Sprintf("l2(%d)", uint8(p))
}

// Cap бит возможности для протокола
func (p L2Proto) Cap() Capability { return 1 << Capability(p) }

// L3Proto протокол сетевого уровня
type L3Proto uint8

const (
	L3Trans L3Proto = iota
	L3T70
)

var l3Names = []string{"trans", "t70"}

func (p L3Proto) String() string {
	if int(p) < len(l3Names) {
		return l3Names[p]
	}
	return fmt.Sprintf("l3(%d)", uint8(p))
}

// Cap бит возможности для протокола
func (p L3Proto) Cap() Capability { return 1 << (Capability(p) + l3Shift) }

// ParseL2 разбирает имя протокола L2
func ParseL2(s string) (L2Proto, error) {
	for i, n := range l2Names {
		if strings.EqualFold(n, s) {
			return L2Proto(i), nil
		}
	}
	return 0, InvalidConfigError("l2_proto", s, "неизвестный протокол")
}

// ParseL3 разбирает имя протокола L3
func ParseL3(s string) (L3Proto, error) {
	for i, n := range l3Names {
		if strings.EqualFold(n, s) {
			return L3Proto(i), nil
		}
	}
	return 0, InvalidConfigError("l3_proto", s, "неизвестный протокол")
}

// Has проверяет, что маска содержит все требуемые биты
func (c Capability) Has(required Capability) bool {
	return c&required == required
}

func (c Capability) String() string {
	var parts []string
	for i := range l2Names {
		if c&L2Proto(i).Cap() != 0 {
			parts = append(parts, "l2:"+l2Names[i])
		}
	}
	for i := range l3Names {
		if c&L3Proto(i).Cap() != 0 {
			parts = append(parts, "l3:"+l3Names[i])
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseCapabilities разбирает список вида "hdlc,x75i,l3:trans"
func ParseCapabilities(items []string) (Capability, error) {
	var c Capability
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(it, "l3:"); ok {
			p, err := ParseL3(rest)
			if err != nil {
				return 0, err
			}
			c |= p.Cap()
			continue
		}
		p, err := ParseL2(strings.TrimPrefix(it, "l2:"))
		if err != nil {
			return 0, err
		}
		c |= p.Cap()
	}
	return c, nil
}

// AllCapabilities все известные протоколы
func AllCapabilities() Capability {
	var c Capability
	for i := range l2Names {
		c |= L2Proto(i).Cap()
	}
	for i := range l3Names {
		c |= L3Proto(i).Cap()
	}
	return c
}

// Protocol пара протоколов соединения
type Protocol struct {
	L2 L2Proto
	L3 L3Proto
}

// Required маска возможностей, необходимая каналу
func (p Protocol) Required() Capability {
	return p.L2.Cap() | p.L3.Cap()
}

func (p Protocol) String() string {
	return p.L2.String() + "/" + p.L3.String()
}

// ServiceIndicator тип услуги входящего вызова
type ServiceIndicator uint8

const (
	SIVoice ServiceIndicator = 1
	SIData  ServiceIndicator = 7
)

func (si ServiceIndicator) String() string {
	switch si {
	case SIVoice:
		return "voice"
	case SIData:
		return "data"
	default:
		return fmt.Sprintf("si(%d)", uint8(si))
	}
}

// VoiceMarker префикс локального номера, помечающий голосовое соединение
const VoiceMarker = "v"

// Direction направление вызова на канале
type Direction uint8

const (
	DirNone Direction = iota
	DirOutgoing
	DirIncoming
)

func (d Direction) String() string {
	switch d {
	case DirOutgoing:
		return "out"
	case DirIncoming:
		return "in"
	default:
		return "none"
	}
}

// Биты слова занятости канала
const (
	usageAllocated uint32 = 1 << iota
	usageExclusive
	usageDisabled
)

// DialMode режим набора номера
type DialMode uint8

const (
	DialManual DialMode = iota
	DialAuto
	DialOff
)

func (m DialMode) String() string {
	switch m {
	case DialAuto:
		return "auto"
	case DialOff:
		return "off"
	default:
		return "manual"
	}
}

// ParseDialMode разбирает режим набора
func ParseDialMode(s string) (DialMode, error) {
	switch strings.ToLower(s) {
	case "", "manual":
		return DialManual, nil
	case "auto":
		return DialAuto, nil
	case "off":
		return DialOff, nil
	}
	return 0, InvalidConfigError("dial_mode", s, "допустимо off, manual, auto")
}

// CallbackPolicy политика обратного вызова
type CallbackPolicy uint8

const (
	CallbackNone CallbackPolicy = iota
	// CallbackIn входящий вызов отклоняется, затем набирается обратный
	CallbackIn
	// CallbackOut после дозвона ждем обратного вызова от удаленной стороны
	CallbackOut
)

func (p CallbackPolicy) String() string {
	switch p {
	case CallbackIn:
		return "in"
	case CallbackOut:
		return "out"
	default:
		return "off"
	}
}

// ParseCallbackPolicy разбирает политику обратного вызова
func ParseCallbackPolicy(s string) (CallbackPolicy, error) {
	switch strings.ToLower(s) {
	case "", "off", "none":
		return CallbackNone, nil
	case "in":
		return CallbackIn, nil
	case "out":
		return CallbackOut, nil
	}
	return 0, InvalidConfigError("callback", s, "допустимо off, in, out")
}

// Offer входящий вызов
type Offer struct {
	Calling string
	Called  string
	SI      ServiceIndicator
}

func (o Offer) String() string {
	return fmt.Sprintf("%s -> %s (%s)", o.Calling, o.Called, o.SI)
}
