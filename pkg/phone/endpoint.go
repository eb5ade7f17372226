package phone

import (
	"github.com/arzzra/siphook/pkg/engine"
	"github.com/arzzra/siphook/pkg/registration"
	"github.com/arzzra/siphook/pkg/session"
)

// endpoint состояние оконечного устройства. Владеет им контроллер,
// доступ только из цикла событий.
type endpoint struct {
	registration registration.Status
	sinkHandle   string

	// session последняя сессия. После TERMINATED остается до замены
	session *session.Session
	// consult вызов-консультация незавершенного перевода с консультацией
	consult *consultation

	externalNumber string
	received       bool
	liveFlag       bool
	autoAnswer     bool
	ringing        bool
	mediaAttached  bool
	lastMediaError error
}

func newEndpoint(autoAnswer bool) *endpoint {
	return &endpoint{
		registration: registration.Disconnected,
		autoAnswer:   autoAnswer,
	}
}

// live возвращает сессию, если она не завершена.
func (e *endpoint) live() (*session.Session, bool) {
	if e.session == nil || !e.session.Live() {
		return nil, false
	}
	return e.session, true
}

// resetCallFlags сбрасывает наблюдаемые признаки вызова.
func (e *endpoint) resetCallFlags() {
	e.externalNumber = ""
	e.received = false
	e.liveFlag = false
}

// Snapshot наблюдаемое состояние контроллера для UI.
type Snapshot struct {
	RegistrationStatus registration.Status
	ExternalNumber     string
	IsReceivedCall     bool
	HasLiveCall        bool
	AutoAnswer         bool
	Ringing            bool
	MediaAttached      bool
	// TransferPending идет вызов-консультация перевода ATTENDED
	TransferPending bool
	// SessionState состояние последней сессии, пусто если вызовов не было
	SessionState engine.State
	Direction    session.Direction
	MediaError   error
}

func (e *endpoint) snapshot() Snapshot {
	s := Snapshot{
		RegistrationStatus: e.registration,
		ExternalNumber:     e.externalNumber,
		IsReceivedCall:     e.received,
		HasLiveCall:        e.liveFlag,
		AutoAnswer:         e.autoAnswer,
		Ringing:            e.ringing,
		MediaAttached:      e.mediaAttached,
		TransferPending:    e.consult != nil,
		MediaError:         e.lastMediaError,
	}
	if e.session != nil {
		s.SessionState = e.session.State()
		s.Direction = e.session.Direction()
	}
	return s
}
