package callctl

import (
	"context"
	"fmt"
)

// CommandCode команда драйверу контроллера
type CommandCode uint8

const (
	CmdDial    CommandCode = iota + 1 // исходящий вызов
	CmdAcceptD                        // принять установление D-канала
	CmdAcceptB                        // принять установление B-канала
	CmdHangup                         // разъединение
	CmdReject                         // отклонить входящий вызов
	CmdSetL2                          // установить протокол L2
	CmdSetL3                          // установить протокол L3
)

var commandNames = map[CommandCode]string{
	CmdDial:    "dial",
	CmdAcceptD: "acceptd",
	CmdAcceptB: "acceptb",
	CmdHangup:  "hangup",
	CmdReject:  "reject",
	CmdSetL2:   "setl2",
	CmdSetL3:   "setl3",
}

func (c CommandCode) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("cmd(%d)", uint8(c))
}

// Params параметры команды
type Params struct {
	Number      string // набираемый номер
	LocalNumber string // собственный номер (MSN)
	SI          ServiceIndicator
	L2          L2Proto
	L3          L3Proto
	Cause       int // причина отказа для CmdReject
}

// Command команда, передаваемая драйверу
type Command struct {
	Controller string
	Channel    int
	Code       CommandCode
	Params     Params
}

func (c Command) String() string {
	return fmt.Sprintf("%s/%d %s", c.Controller, c.Channel, c.Code)
}

// StatusCode уведомление от драйвера
type StatusCode uint8

const (
	StatStarted    StatusCode = iota + 1 // контроллер запущен
	StatStopped                          // контроллер остановлен
	StatUnload                           // драйвер выгружается
	StatAvailable                        // изменилась доступность
	StatDConn                            // D-канал установлен
	StatBConn                            // B-канал установлен
	StatDHup                             // D-канал разъединен
	StatBHup                             // B-канал разъединен
	StatICall                            // входящий вызов
	StatCallInfo                         // дополнительные цифры номера
	StatChargeInfo                       // единица тарификации
	StatDataSent                         // данные переданы
)

var statusNames = map[StatusCode]string{
	StatStarted:    "started",
	StatStopped:    "stopped",
	StatUnload:     "unload",
	StatAvailable:  "available",
	StatDConn:      "dconn",
	StatBConn:      "bconn",
	StatDHup:       "dhup",
	StatBHup:       "bhup",
	StatICall:      "icall",
	StatCallInfo:   "cinf",
	StatChargeInfo: "cinf-charge",
	StatDataSent:   "bsent",
}

func (s StatusCode) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stat(%d)", uint8(s))
}

// PerChannel сообщает, адресовано ли уведомление конкретному каналу
func (s StatusCode) PerChannel() bool {
	return s >= StatDConn && s <= StatDataSent
}

// StatusEvent уведомление драйвера с индексом канала
type StatusEvent struct {
	Code    StatusCode
	Channel int
	Offer   *Offer // для StatICall
	Digits  string // для StatCallInfo
	Bytes   int    // для StatDataSent
	Cause   int
}

// Driver интерфейс драйвера аппаратного контроллера.
// Вызывается из обработчиков FSM и не должен блокироваться надолго.
type Driver interface {
	Command(ctx context.Context, cmd Command) error
	Transmit(ctx context.Context, channel int, payload []byte) (int, error)
}

// ControllerInfo параметры регистрации контроллера
type ControllerInfo struct {
	ID       string
	Channels int
	Caps     Capability
	MSNs     []string // пусто - любой локальный номер
	Driver   Driver
}

func (ci ControllerInfo) validate() error {
	if ci.ID == "" {
		return InvalidConfigError("controller.id", ci.ID, "пустой идентификатор")
	}
	if ci.Channels <= 0 {
		return InvalidConfigError("controller.channels", ci.Channels, "нужен хотя бы один канал")
	}
	if ci.Driver == nil {
		return InvalidConfigError("controller.driver", nil, "драйвер не задан")
	}
	return nil
}

// Receiver получатель данных и событий линии соединения
type Receiver interface {
	Receive(conn string, payload []byte)
	LinkUp(conn string)
	LinkDown(conn string)
}

// ReceiverFuncs адаптер Receiver из функций, nil-поля игнорируются
type ReceiverFuncs struct {
	OnReceive  func(conn string, payload []byte)
	OnLinkUp   func(conn string)
	OnLinkDown func(conn string)
}

func (r ReceiverFuncs) Receive(conn string, payload []byte) {
	if r.OnReceive != nil {
		r.OnReceive(conn, payload)
	}
}

func (r ReceiverFuncs) LinkUp(conn string) {
	if r.OnLinkUp != nil {
		r.OnLinkUp(conn)
	}
}

func (r ReceiverFuncs) LinkDown(conn string) {
	if r.OnLinkDown != nil {
		r.OnLinkDown(conn)
	}
}
