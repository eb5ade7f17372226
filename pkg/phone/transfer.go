package phone

import (
	"context"
	"log/slog"
	"strings"

	"github.com/arzzra/siphook/pkg/callerr"
	"github.com/arzzra/siphook/pkg/engine"
	"github.com/arzzra/siphook/pkg/session"
)

// Результаты перевода для метрик
const (
	transferReferred  = "referred"
	transferFailed    = "failed"
	transferAbandoned = "abandoned"
)

// consultation вызов-консультация перевода ATTENDED.
// REFER с заменой отправляется, когда консультация установлена.
type consultation struct {
	call     engine.Call
	original *session.Session
	target   string
}

// Transfer переводит установленный вызов на destination.
// BLIND отправляет REFER сразу. ATTENDED создает вызов-консультацию на
// destination и возвращается; REFER с заменой уходит после ее установления,
// ход перевода виден в Snapshot.TransferPending.
func (c *Controller) Transfer(ctx context.Context, destination string, mode TransferMode) error {
	return c.exec(ctx, func() error {
		s, ok := c.ep.live()
		if !ok {
			return callerr.New(callerr.CodeInvalidStateOperation, "transfer", "no live call")
		}
		if s.State() != engine.Established {
			return callerr.InvalidState("transfer", s.State())
		}
		destination = strings.TrimSpace(destination)
		if destination == "" {
			return callerr.New(callerr.CodeInvalidArgument, "transfer", "destination is empty")
		}

		switch mode {
		case Blind:
			if err := s.BlindTransfer(ctx, TransferTarget(destination, c.reg.ServerHost())); err != nil {
				c.metrics.transfer(Blind, transferFailed)
				return err
			}
			c.metrics.transfer(Blind, transferReferred)
			return nil
		case Attended:
			return c.startConsultation(ctx, s, destination)
		default:
			return callerr.Newf(callerr.CodeInvalidArgument, "transfer", "unknown transfer mode %q", mode)
		}
	})
}

func (c *Controller) startConsultation(ctx context.Context, s *session.Session, destination string) error {
	if c.ep.consult != nil {
		return callerr.New(callerr.CodeInvalidStateOperation, "transfer", "attended transfer already in progress")
	}
	eng, ok := c.reg.Engine()
	if !ok {
		return callerr.New(callerr.CodeInvalidStateOperation, "transfer", "not connected")
	}
	call, err := eng.Invite(ctx, destination)
	if err != nil {
		c.metrics.transfer(Attended, transferFailed)
		return callerr.Transport("transfer", err)
	}

	cons := &consultation{call: call, original: s, target: destination}
	c.ep.consult = cons
	call.OnStateChange(func(state engine.State) {
		c.loop.post(func() { c.onConsultState(cons, state) })
	})
	if st := call.State(); st != engine.Initial {
		c.loop.post(func() { c.onConsultState(cons, st) })
	}

	c.logger.Info("consultation call started",
		slog.String("sessionID", s.ID()),
		slog.String("target", destination),
		slog.String("callID", call.ID()))
	c.publish()
	return nil
}

// onConsultState реакция на уведомления движка о вызове-консультации.
func (c *Controller) onConsultState(cons *consultation, state engine.State) {
	if c.ep.consult != cons {
		return
	}
	switch state {
	case engine.Established:
		c.ep.consult = nil
		c.completeConsultation(cons)
		c.publish()
	case engine.Terminating, engine.Terminated:
		c.ep.consult = nil
		c.metrics.transfer(Attended, transferFailed)
		c.logger.Info("consultation call ended before transfer",
			slog.String("target", cons.target),
			slog.String("callID", cons.call.ID()))
		c.publish()
	}
}

// completeConsultation отправляет REFER с заменой на установленную
// консультацию. При ошибке консультация завершается.
func (c *Controller) completeConsultation(cons *consultation) {
	ctx, cancel := c.requestContext()
	defer cancel()

	if cons.original != c.ep.session || cons.original.State() != engine.Established {
		c.metrics.transfer(Attended, transferAbandoned)
		c.endCall(ctx, cons.call)
		return
	}
	if err := cons.original.AttendedTransfer(ctx, cons.call); err != nil {
		c.metrics.transfer(Attended, transferFailed)
		c.logger.Error("attended transfer failed",
			slog.String("sessionID", cons.original.ID()),
			slog.String("target", cons.target),
			slog.Any("error", err))
		c.endCall(ctx, cons.call)
		return
	}
	c.metrics.transfer(Attended, transferReferred)
}

// abandonConsultation завершает консультацию, если исходный вызов s
// закончился раньше нее.
func (c *Controller) abandonConsultation(s *session.Session) {
	cons := c.ep.consult
	if cons == nil || cons.original != s {
		return
	}
	c.ep.consult = nil
	c.metrics.transfer(Attended, transferAbandoned)
	c.logger.Info("consultation call abandoned",
		slog.String("sessionID", s.ID()),
		slog.String("callID", cons.call.ID()))

	ctx, cancel := c.requestContext()
	defer cancel()
	c.endCall(ctx, cons.call)
}

// endCall завершает вызов без сессии: CANCEL до установления, BYE после.
func (c *Controller) endCall(ctx context.Context, call engine.Call) {
	var err error
	switch call.State() {
	case engine.Initial, engine.Establishing:
		err = call.Cancel(ctx)
	case engine.Established:
		err = call.Bye(ctx)
	default:
		return
	}
	if err != nil {
		c.logger.Warn("call end request failed",
			slog.String("callID", call.ID()),
			slog.Any("error", err))
	}
}
