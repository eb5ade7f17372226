// Package engine описывает контракт сигнального движка, с которым работает
// контроллер вызовов: подключение, регистрация, вызовы и их уведомления.
//
// Движок сам отвечает за SIP транспорт и согласование медиа. Контроллер
// только вызывает операции и получает асинхронные уведомления о смене
// состояния каждого вызова.
package engine

import (
	"context"

	"github.com/pion/rtp"
)

// State состояние вызова на стороне сигнального движка.
type State string

func (s State) String() string {
	return string(s)
}

const (
	// Initial - вызов создан, запрос еще не обработан
	Initial State = "INITIAL"
	// Establishing - идет установление вызова (получен 1xx или отправлен 200 OK)
	Establishing State = "ESTABLISHING"
	// Established - вызов установлен, медиа согласовано
	Established State = "ESTABLISHED"
	// Terminating - отправлен или получен BYE
	Terminating State = "TERMINATING"
	// Terminated - вызов завершен
	Terminated State = "TERMINATED"
)

// Credentials параметры учетной записи для подключения к серверу.
type Credentials struct {
	AuthorizationUsername string
	AuthorizationPassword string
	// SIPAccount адрес записи, например "sip:1000@pbx.example.com"
	SIPAccount string
	// ServerURL адрес сервера, например "udp://pbx.example.com:5060"
	ServerURL string
	// MediaSinkHandle идентификатор приемника звука
	MediaSinkHandle string
}

// Handlers обработчики уведомлений движка. Любое поле может быть nil.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnRegister   func()
	OnUnregister func()
	// OnInvite вызывается для каждого входящего INVITE вне диалога
	OnInvite func(call Call)
}

// Engine сигнальный движок.
//
// Сетевые операции возвращаются после локальной отправки запроса.
// Ответы удаленной стороны приходят позже через уведомления.
type Engine interface {
	Start(ctx context.Context, handlers Handlers) error
	Stop(ctx context.Context) error
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	// Invite отправляет INVITE на target (номер или SIP URI)
	Invite(ctx context.Context, target string) (Call, error)
}

// Call дескриптор вызова, которым владеет движок.
type Call interface {
	ID() string
	// RemoteIdentity отображаемый идентификатор удаленной стороны
	RemoteIdentity() string
	State() State
	// OnStateChange подписывает обработчик на смену состояния вызова.
	// Уведомления приходят в порядке переходов.
	OnStateChange(handler func(State))

	Accept(ctx context.Context) error
	Reject(ctx context.Context, code int) error
	Cancel(ctx context.Context) error
	Bye(ctx context.Context) error
	Refer(ctx context.Context, target string) error
	// ReferReplace переводит вызов на удаленную сторону replacement
	ReferReplace(ctx context.Context, replacement Call) error
	SendInfo(ctx context.Context, contentType string, body []byte) error

	// Media возвращает согласованный медиа канал, если он уже есть
	Media() (MediaChannel, bool)
}

// MediaChannel согласованный медиа канал вызова.
type MediaChannel interface {
	InboundTracks() []Track
}

// Track входящая медиа дорожка.
type Track interface {
	ID() string
	// Kind тип дорожки, например "audio"
	Kind() string
	Enabled() bool
	SetEnabled(enabled bool)
	// ReadRTP блокируется до следующего пакета или закрытия дорожки
	ReadRTP() (*rtp.Packet, error)
}
