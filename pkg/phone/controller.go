// Package phone содержит контроллер вызовов softphone: единую точку
// управления вызовом для UI поверх сигнального движка.
//
// Контроллер держит не более одной активной сессии. Все изменения
// состояния выполняются в одном цикле событий (Run): уведомления движка
// и операции UI обрабатываются строго по очереди.
package phone

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/siphook/pkg/callerr"
	"github.com/arzzra/siphook/pkg/engine"
	"github.com/arzzra/siphook/pkg/mediabridge"
	"github.com/arzzra/siphook/pkg/registration"
	"github.com/arzzra/siphook/pkg/session"
)

// TransferMode режим перевода вызова
type TransferMode string

const (
	Blind    TransferMode = "BLIND"
	Attended TransferMode = "ATTENDED"
)

// Config параметры контроллера
type Config struct {
	// Factory создает движок при connect
	Factory registration.EngineFactory
	// Sinks находит приемник звука по MediaSinkHandle
	Sinks mediabridge.SinkResolver
	// Ringer сигнал входящего вызова, по умолчанию без звука
	Ringer Ringer

	AutoAnswer bool

	// RequestTimeout таймаут запросов, которые контроллер отправляет сам
	// (отказ 486, auto-answer, принудительное завершение)
	RequestTimeout time.Duration

	Logger     *slog.Logger
	Registerer prometheus.Registerer

	// OnChange получает состояние после каждого изменения
	OnChange func(Snapshot)
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Ringer:         noopRinger{},
		RequestTimeout: 5 * time.Second,
		Logger:         slog.Default(),
	}
}

// Controller контроллер вызовов.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	loop    *eventLoop
	ep      *endpoint
	reg     *registration.Manager
	bridge  *mediabridge.Bridge
	ringer  Ringer
	metrics *metrics

	last Snapshot
}

// New создает контроллер. Для обработки событий нужно запустить Run.
func New(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.Ringer == nil {
		cfg.Ringer = def.Ringer
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	c := &Controller{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "controller"),
		loop:    newEventLoop(),
		ep:      newEndpoint(cfg.AutoAnswer),
		ringer:  cfg.Ringer,
		metrics: newMetrics(cfg.Registerer),
	}
	c.bridge = mediabridge.New(cfg.Sinks, cfg.Logger)
	c.reg = registration.New(registration.Config{
		Factory: cfg.Factory,
		Logger:  cfg.Logger,
		OnStatus: func(status registration.Status) {
			c.loop.post(func() { c.onRegistrationStatus(status) })
		},
		OnUnregistered: func() {
			c.loop.post(c.forceEnd)
		},
		OnInvite: func(call engine.Call) {
			c.loop.post(func() { c.admit(call) })
		},
	})
	c.metrics.setRegistration(registration.Disconnected)
	c.last = c.ep.snapshot()
	return c
}

// Run обрабатывает события до отмены ctx или Shutdown.
func (c *Controller) Run(ctx context.Context) error {
	return c.loop.run(ctx)
}

// Connect подключается к серверу и регистрируется.
// Статус регистрации меняется асинхронно, см. Snapshot и OnChange.
func (c *Controller) Connect(ctx context.Context, creds engine.Credentials) error {
	if err := c.loop.do(ctx, func() { c.ep.sinkHandle = creds.MediaSinkHandle }); err != nil {
		return err
	}
	return c.reg.Connect(ctx, creds)
}

// Register повторяет регистрацию.
func (c *Controller) Register(ctx context.Context) error {
	return c.reg.Register(ctx)
}

// Unregister снимает регистрацию и завершает активный вызов.
func (c *Controller) Unregister(ctx context.Context) error {
	return c.reg.Unregister(ctx)
}

// Call начинает исходящий вызов. Пустой destination берется из
// внешнего номера, заданного через SetExternalNumber.
func (c *Controller) Call(ctx context.Context, destination string) error {
	var err error
	if doErr := c.loop.do(ctx, func() { err = c.call(ctx, destination) }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Controller) call(ctx context.Context, destination string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		destination = c.ep.externalNumber
	}
	if destination == "" {
		return callerr.New(callerr.CodeInvalidArgument, "call", "destination is empty")
	}
	if live, ok := c.ep.live(); ok {
		return callerr.InvalidState("call", live.State())
	}
	eng, ok := c.reg.Engine()
	if !ok {
		return callerr.New(callerr.CodeInvalidStateOperation, "call", "not connected")
	}

	call, err := eng.Invite(ctx, destination)
	if err != nil {
		c.logger.Error("invite failed", slog.String("destination", destination), slog.Any("error", err))
		return callerr.Transport("call", err)
	}
	c.startSession(session.Outbound, destination, call)
	c.publish()
	return nil
}

// Answer принимает звонящий входящий вызов.
func (c *Controller) Answer(ctx context.Context) error {
	return c.exec(ctx, func() error {
		s, ok := c.ep.live()
		if !ok {
			return callerr.New(callerr.CodeInvalidStateOperation, "answer", "no live call")
		}
		return s.Answer(ctx)
	})
}

// Hangup завершает текущий вызов. Наблюдаемые признаки сбрасываются
// до возврата ошибки. Для уже завершенной сессии возвращается
// AlreadyTerminated без повторного запроса к движку.
func (c *Controller) Hangup(ctx context.Context) error {
	return c.exec(ctx, func() error {
		s := c.ep.session
		if s == nil {
			return nil
		}
		err := s.Hangup(ctx)
		c.ep.resetCallFlags()
		c.stopRing()
		if s.State() != engine.Established {
			c.detachMedia()
		}
		c.publish()
		return err
	})
}

// DTMF отправляет тон в установленном вызове.
func (c *Controller) DTMF(ctx context.Context, signal string, durationMs int) error {
	return c.exec(ctx, func() error {
		s, ok := c.ep.live()
		if !ok {
			return callerr.New(callerr.CodeInvalidStateOperation, "dtmf", "no live call")
		}
		return s.SendDTMF(ctx, signal, durationMs)
	})
}

// SetExternalNumber задает номер для исходящего вызова.
func (c *Controller) SetExternalNumber(ctx context.Context, value string) error {
	return c.exec(ctx, func() error {
		c.ep.externalNumber = strings.TrimSpace(value)
		c.publish()
		return nil
	})
}

// SetAutoAnswer меняет флаг auto-answer. Флаг читается при приеме INVITE.
func (c *Controller) SetAutoAnswer(ctx context.Context, enabled bool) error {
	return c.exec(ctx, func() error {
		c.ep.autoAnswer = enabled
		c.publish()
		return nil
	})
}

// ControlMicLocal включает или выключает входящий звук.
// Возвращает false, если нет активного медиа канала.
func (c *Controller) ControlMicLocal(ctx context.Context, enabled bool) bool {
	var found bool
	_ = c.loop.do(ctx, func() {
		if s, ok := c.ep.live(); ok {
			found = s.ControlMicLocal(enabled)
		}
	})
	return found
}

func (c *Controller) Hold(context.Context) error        { return callerr.NotImplemented("hold") }
func (c *Controller) Unhold(context.Context) error      { return callerr.NotImplemented("unhold") }
func (c *Controller) Mute(context.Context) error        { return callerr.NotImplemented("mute") }
func (c *Controller) Unmute(context.Context) error      { return callerr.NotImplemented("unmute") }
func (c *Controller) Renegotiate(context.Context) error { return callerr.NotImplemented("renegotiate") }

// Snapshot возвращает наблюдаемое состояние.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.loop.do(ctx, func() { snap = c.ep.snapshot() })
	return snap, err
}

// Shutdown завершает активный вызов, останавливает транспорт и цикл.
func (c *Controller) Shutdown(ctx context.Context) error {
	err := c.loop.do(ctx, func() {
		if s, ok := c.ep.live(); ok {
			if err := s.Hangup(ctx); err != nil && !errors.Is(err, callerr.ErrAlreadyTerminated) {
				c.logger.Warn("hangup on shutdown failed", slog.Any("error", err))
			}
			_, _, _ = s.Apply(engine.Terminated)
		}
	})
	if discErr := c.reg.Disconnect(ctx); discErr != nil && err == nil {
		err = discErr
	}
	c.loop.stop()
	return err
}

func (c *Controller) exec(ctx context.Context, fn func() error) error {
	var err error
	if doErr := c.loop.do(ctx, func() { err = fn() }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Controller) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
}

// startSession создает сессию, занимает слот активного вызова
// и подписывается на уведомления движка.
func (c *Controller) startSession(direction session.Direction, remote string, call engine.Call) *session.Session {
	s := session.New(direction, remote, call, c.cfg.Logger)
	s.OnTransition(c.onTransition)

	if c.ep.consult != nil {
		c.abandonConsultation(c.ep.consult.original)
	}
	c.ep.session = s
	c.ep.externalNumber = remote
	c.ep.liveFlag = true
	c.ep.received = false
	c.ep.lastMediaError = nil
	c.metrics.callStarted(direction)

	call.OnStateChange(func(state engine.State) {
		c.loop.post(func() { c.onCallState(s, state) })
	})
	if st := call.State(); st != engine.Initial {
		c.loop.post(func() { c.onCallState(s, st) })
	}

	c.logger.Info("session started",
		slog.String("sessionID", s.ID()),
		slog.String("direction", direction.String()),
		slog.String("remote", remote))
	return s
}

// onCallState применяет уведомление движка к сессии.
func (c *Controller) onCallState(s *session.Session, state engine.State) {
	if s != c.ep.session {
		c.logger.Debug("notification for replaced session ignored",
			slog.String("sessionID", s.ID()),
			slog.String("state", state.String()))
		return
	}
	if _, _, err := s.Apply(state); err != nil {
		if state == engine.Established && s.State() == engine.Terminating {
			c.byeAfterCrossedAnswer(s)
			return
		}
		c.logger.Warn("state notification rejected", slog.Any("error", err))
	}
}

// byeAfterCrossedAnswer завершает вызов, ответ на который пришел
// после CANCEL. Без BYE удаленная сторона осталась бы в разговоре,
// а сессия в TERMINATING.
func (c *Controller) byeAfterCrossedAnswer(s *session.Session) {
	c.logger.Info("call answered after hangup, sending bye", slog.String("sessionID", s.ID()))
	ctx, cancel := c.requestContext()
	defer cancel()
	if err := s.Call().Bye(ctx); err != nil {
		c.logger.Error("bye after crossed answer failed",
			slog.String("sessionID", s.ID()),
			slog.Any("error", err))
		_, _, _ = s.Apply(engine.Terminated)
	}
}

// onTransition реакция на переход текущей сессии: звонок, медиа и признаки.
func (c *Controller) onTransition(s *session.Session, from, to engine.State) {
	if s != c.ep.session {
		return
	}
	c.metrics.transition(to)

	if to != engine.Initial {
		c.stopRing()
	}
	if from == engine.Established {
		c.detachMedia()
	}
	if to == engine.Terminating || to == engine.Terminated {
		c.abandonConsultation(s)
	}
	switch to {
	case engine.Established:
		c.attachMedia(s)
	case engine.Terminated:
		c.detachMedia()
		c.ep.resetCallFlags()
		c.stopRing()
	}
	c.publish()
}

func (c *Controller) attachMedia(s *session.Session) {
	if c.ep.mediaAttached {
		return
	}
	if err := c.bridge.Attach(s.Call(), c.ep.sinkHandle); err != nil {
		c.metrics.mediaAttachFailures.Inc()
		c.ep.lastMediaError = err
		c.logger.Error("media attach failed",
			slog.String("sessionID", s.ID()),
			slog.String("sink", c.ep.sinkHandle),
			slog.Any("error", err))
		return
	}
	c.ep.mediaAttached = true
}

func (c *Controller) detachMedia() {
	if !c.ep.mediaAttached {
		return
	}
	c.bridge.Detach(c.ep.sinkHandle)
	c.ep.mediaAttached = false
}

func (c *Controller) startRing() {
	if c.ep.ringing {
		return
	}
	c.ep.ringing = true
	c.ringer.StartRing()
}

func (c *Controller) stopRing() {
	if !c.ep.ringing {
		return
	}
	c.ep.ringing = false
	c.ringer.EndRing()
}

func (c *Controller) onRegistrationStatus(status registration.Status) {
	c.ep.registration = status
	c.metrics.setRegistration(status)
	c.publish()
}

// forceEnd завершает активную сессию после разрегистрации.
func (c *Controller) forceEnd() {
	s, ok := c.ep.live()
	if !ok {
		return
	}
	ctx, cancel := c.requestContext()
	defer cancel()
	if err := s.Hangup(ctx); err != nil && !errors.Is(err, callerr.ErrAlreadyTerminated) {
		c.logger.Warn("hangup after unregister failed", slog.Any("error", err))
	}
	_, _, _ = s.Apply(engine.Terminated)
}

// publish отдает наблюдателю новое состояние, если оно изменилось.
func (c *Controller) publish() {
	snap := c.ep.snapshot()
	if snap == c.last {
		return
	}
	c.last = snap
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(snap)
	}
}

// TransferTarget строит адрес перевода из номера и хоста сервера.
// Полный SIP URI возвращается без изменений.
func TransferTarget(destination, host string) string {
	if strings.HasPrefix(destination, "sip:") || strings.HasPrefix(destination, "sips:") {
		return destination
	}
	if host == "" || strings.Contains(destination, "@") {
		return "sip:" + destination
	}
	return "sip:" + destination + "@" + host
}
