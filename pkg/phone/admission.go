package phone

import (
	"log/slog"

	"github.com/arzzra/siphook/pkg/engine"
	"github.com/arzzra/siphook/pkg/session"
)

// admit решает судьбу входящего INVITE. Выполняется одним шагом цикла,
// поэтому проверка занятости и создание сессии не перемежаются
// с другими изменениями.
//
// При активной сессии INVITE отклоняется с 486, текущая сессия не меняется.
// Иначе создается входящая сессия: с auto-answer вызов сразу принимается
// без звонка, без auto-answer выставляется received и запускается звонок.
func (c *Controller) admit(call engine.Call) {
	remote := call.RemoteIdentity()
	if live, ok := c.ep.live(); ok {
		c.logger.Info("invite rejected: busy",
			slog.String("remote", remote),
			slog.String("liveSession", live.ID()),
			slog.String("liveState", live.State().String()))
		c.metrics.admissionsRejected.Inc()

		ctx, cancel := c.requestContext()
		defer cancel()
		if err := call.Reject(ctx, session.StatusBusyHere); err != nil {
			c.logger.Error("busy reject failed", slog.String("remote", remote), slog.Any("error", err))
		}
		return
	}

	s := c.startSession(session.Inbound, remote, call)

	if c.ep.autoAnswer {
		ctx, cancel := c.requestContext()
		defer cancel()
		if err := s.Answer(ctx); err != nil {
			c.logger.Error("auto answer failed", slog.String("remote", remote), slog.Any("error", err))
		}
		c.publish()
		return
	}

	c.ep.received = true
	c.startRing()
	c.publish()
}
