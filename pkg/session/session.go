// Package session содержит CallSession - логический вызов, который зеркалирует
// состояние вызова сигнального движка и реализует политику завершения.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/siphook/pkg/callerr"
	"github.com/arzzra/siphook/pkg/engine"
)

// Direction направление вызова
type Direction string

func (d Direction) String() string {
	return string(d)
}

const (
	Inbound  Direction = "INBOUND"
	Outbound Direction = "OUTBOUND"
)

// Коды отказа для reject
const (
	// StatusBusyHere отказ входящего при занятой линии
	StatusBusyHere = 486
	// StatusDecline отказ пользователем звонящего вызова
	StatusDecline = 480
)

// TransitionHandler вызывается после каждого перехода состояния
type TransitionHandler func(s *Session, from, to engine.State)

// Session один логический вызов.
type Session struct {
	id        string
	direction Direction
	remote    string
	call      engine.Call
	logger    *slog.Logger

	fsm *fsm.FSM

	// accepted - accept уже отправлен
	accepted bool

	handlersMu sync.Mutex
	handlers   []TransitionHandler
}

// New создает сессию в состоянии INITIAL для дескриптора движка call.
// remote - отображаемый идентификатор удаленной стороны.
func New(direction Direction, remote string, call engine.Call, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:        uuid.NewString(),
		direction: direction,
		remote:    remote,
		call:      call,
	}
	s.logger = logger.With(
		slog.String("component", "session"),
		slog.String("sessionID", s.id),
		slog.String("direction", direction.String()))
	s.initFSM()
	return s
}

func (s *Session) ID() string { return s.id }
func (s *Session) Direction() Direction { return s.direction }
func (s *Session) RemoteIdentity() string { return s.remote }
func (s *Session) Call() engine.Call { return s.call }
func (s *Session) State() engine.State { return engine.State(s.fsm.Current()) }
func (s *Session) Live() bool { return s.State() != engine.Terminated }
func (s *Session) IsInbound() bool { return s.direction == Inbound }
func (s *Session) Accepted() bool { return s.accepted }
func (s *Session) String() string { return s.direction.String() + ":" + s.remote }
func (s *Session) Logger() *slog.Logger { return s.logger }

// OnTransition добавляет обработчик переходов.
func (s *Session) OnTransition(handler TransitionHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Apply переводит сессию в состояние, полученное из уведомления движка.
// Повтор текущего состояния игнорируется, переход назад - ошибка.
func (s *Session) Apply(to engine.State) (from engine.State, changed bool, err error) {
	from = s.State()
	if from == to {
		return from, false, nil
	}
	if err := s.setState(to); err != nil {
		s.logger.Warn("rejected state notification",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.Any("error", err))
		return from, false, callerr.InvalidState("notify "+to.String(), from).WithCause(err)
	}
	return from, true, nil
}

// Answer принимает входящий вызов. Повторный ответ после accept ничего не делает.
func (s *Session) Answer(ctx context.Context) error {
	if s.accepted {
		return nil
	}
	state := s.State()
	if s.direction != Inbound || (state != engine.Initial && state != engine.Establishing) {
		return callerr.InvalidState("answer", state)
	}
	if err := s.call.Accept(ctx); err != nil {
		return callerr.Transport("answer", err)
	}
	s.accepted = true
	s.logger.Info("call accepted", slog.String("remote", s.remote))
	return nil
}

// Hangup завершает вызов согласно текущему состоянию:
// до установления - cancel (исходящий) или reject (входящий),
// в ESTABLISHED - bye. Для TERMINATING и TERMINATED повторный
// запрос не отправляется, возвращается AlreadyTerminated.
func (s *Session) Hangup(ctx context.Context) error {
	state := s.State()
	var err error
	switch state {
	case engine.Initial, engine.Establishing:
		if s.direction == Outbound {
			err = s.call.Cancel(ctx)
		} else {
			err = s.call.Reject(ctx, StatusDecline)
		}
	case engine.Established:
		err = s.call.Bye(ctx)
	case engine.Terminating, engine.Terminated:
		return callerr.AlreadyTerminated("hangup", state)
	default:
		return nil
	}

	if err != nil {
		s.logger.Error("hangup request failed", slog.String("state", state.String()), slog.Any("error", err))
		return callerr.Transport("hangup", err)
	}

	s.logger.Info("hangup sent", slog.String("state", state.String()))
	_, _, _ = s.Apply(engine.Terminating)
	return nil
}

// Reject отклоняет входящий вызов с кодом code без изменения сессии.
func (s *Session) Reject(ctx context.Context, code int) error {
	if err := s.call.Reject(ctx, code); err != nil {
		return callerr.Transport("reject", err)
	}
	return nil
}

// SendDTMF отправляет DTMF через INFO в установленном вызове.
func (s *Session) SendDTMF(ctx context.Context, signal string, durationMs int) error {
	if s.State() != engine.Established {
		return callerr.InvalidState("dtmf", s.State())
	}
	body, err := DTMFBody(signal, durationMs)
	if err != nil {
		return err
	}
	if err := s.call.SendInfo(ctx, DTMFContentType, body); err != nil {
		return callerr.Transport("dtmf", err)
	}
	s.logger.Debug("dtmf sent", slog.String("signal", signal), slog.Int("duration", durationMs))
	return nil
}

// BlindTransfer отправляет REFER на target.
func (s *Session) BlindTransfer(ctx context.Context, target string) error {
	if s.State() != engine.Established {
		return callerr.InvalidState("transfer", s.State())
	}
	if err := s.call.Refer(ctx, target); err != nil {
		return callerr.Transport("transfer", err)
	}
	s.logger.Info("blind transfer", slog.String("target", target))
	return nil
}

// AttendedTransfer переводит вызов, заменяя его вызовом replacement.
func (s *Session) AttendedTransfer(ctx context.Context, replacement engine.Call) error {
	if s.State() != engine.Established {
		return callerr.InvalidState("transfer", s.State())
	}
	if err := s.call.ReferReplace(ctx, replacement); err != nil {
		return callerr.Transport("transfer", err)
	}
	s.logger.Info("attended transfer", slog.String("replacement", replacement.ID()))
	return nil
}

// ControlMicLocal включает или выключает входящие дорожки.
// Возвращает false, если у вызова нет медиа канала.
func (s *Session) ControlMicLocal(enabled bool) bool {
	ch, ok := s.call.Media()
	if !ok || ch == nil {
		return false
	}
	for _, t := range ch.InboundTracks() {
		t.SetEnabled(enabled)
	}
	return true
}

func (s *Session) Hold(context.Context) error { return callerr.NotImplemented("hold") }
func (s *Session) Unhold(context.Context) error { return callerr.NotImplemented("unhold") }
func (s *Session) Mute(context.Context) error { return callerr.NotImplemented("mute") }
func (s *Session) Unmute(context.Context) error { return callerr.NotImplemented("unmute") }
func (s *Session) Renegotiate(context.Context) error { return callerr.NotImplemented("renegotiate") }

func formEventName(src, dst engine.State) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

// order порядок состояний, переходы только вперед
var order = []engine.State{
	engine.Initial,
	engine.Establishing,
	engine.Established,
	engine.Terminating,
	engine.Terminated,
}

/*
FSM сессии:

[INITIAL] → [ESTABLISHING] → [ESTABLISHED] → [TERMINATING] → [TERMINATED]

Допустим любой переход вперед, в том числе INITIAL → ESTABLISHED
(auto-answer) и INITIAL/ESTABLISHING → TERMINATED (cancel, reject).
Имена событий строятся через formEventName: "INITIAL_to_ESTABLISHED".
*/
func (s *Session) initFSM() {
	events := fsm.Events{}
	for i, src := range order {
		for _, dst := range order[i+1:] {
			events = append(events, fsm.EventDesc{
				Name: formEventName(src, dst),
				Src:  []string{string(src)},
				Dst:  string(dst),
			})
		}
	}
	s.fsm = fsm.NewFSM(string(engine.Initial), events, fsm.Callbacks{
		"after_event": s.afterStateChange,
	})
}

func (s *Session) afterStateChange(_ context.Context, e *fsm.Event) {
	from, to := engine.State(e.Src), engine.State(e.Dst)
	s.logger.Debug("session state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()))

	s.handlersMu.Lock()
	handlers := append([]TransitionHandler(nil), s.handlers...)
	s.handlersMu.Unlock()
	for _, h := range handlers {
		h(s, from, to)
	}
}

func (s *Session) setState(status engine.State) error {
	return s.fsm.Event(context.TODO(), formEventName(s.State(), status))
}
