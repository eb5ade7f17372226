package sipua

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/siphook/pkg/engine"
)

// onInvite обрабатывает INVITE вне диалога: 100 Trying, 180 Ringing
// и уведомление OnInvite. re-INVITE получает 200 OK с текущим SDP.
func (u *UA) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		u.respond(req, tx, sip.StatusBadRequest, "Missing Call-ID")
		return
	}

	if existing, ok := u.findCall(callID.Value()); ok {
		if toTag, _ := req.To().Params.Get("tag"); toTag != "" {
			u.onReInvite(existing, req, tx)
			return
		}
		u.respond(req, tx, sip.StatusLoopDetected, "Loop Detected")
		return
	}

	from := req.From()
	if from == nil {
		u.respond(req, tx, sip.StatusBadRequest, "Missing From")
		return
	}

	c := newCall(u, callID.Value(), true, remoteIdentity(from))
	c.mu.Lock()
	c.invite = req
	c.inviteTx = tx
	c.localTag = sip.RandString(10)
	c.localURI = req.To().Address
	c.remoteURI = from.Address
	c.remoteTag, _ = from.Params.Get("tag")
	c.remoteTarget = from.Address
	if contact := req.GetHeader("Contact"); contact != nil {
		if uri := uriFromHeaderValue(contact.Value()); uri != nil {
			c.remoteTarget = *uri
		}
	}
	c.mu.Unlock()
	u.addCall(c)

	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)); err != nil {
		c.logger.Error("trying not sent", slog.Any("error", err))
	}
	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	c.tagResponse(ringing)
	if err := tx.Respond(ringing); err != nil {
		c.logger.Error("ringing not sent", slog.Any("error", err))
	}

	c.logger.Info("incoming call", slog.String("from", c.remote))
	if h := u.handlersSnapshot().OnInvite; h != nil {
		h(c)
	}
}

func (u *UA) onReInvite(c *call, req *sip.Request, tx sip.ServerTransaction) {
	c.mu.Lock()
	body := c.localSDP
	c.mu.Unlock()

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", contentTypeSDP))
	}
	res.AppendHeader(u.contactHeader())
	if err := tx.Respond(res); err != nil {
		c.logger.Error("re-invite response not sent", slog.Any("error", err))
	}
}

func (u *UA) onAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		return
	}
	c, ok := u.findCall(callID.Value())
	if !ok || !c.inbound {
		return
	}
	if c.State() == engine.Establishing {
		c.fire(eventAnswer)
	}
}

func (u *UA) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		u.respond(req, tx, sip.StatusBadRequest, "Missing Call-ID")
		return
	}
	c, ok := u.findCall(callID.Value())
	if !ok {
		u.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	c.logger.Info("remote hangup")
	c.fire(eventBye)
	u.respond(req, tx, sip.StatusOK, "OK")
	c.fire(eventEnd)
}

func (u *UA) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		u.respond(req, tx, sip.StatusBadRequest, "Missing Call-ID")
		return
	}
	c, ok := u.findCall(callID.Value())
	if !ok || !c.inbound {
		u.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	u.respond(req, tx, sip.StatusOK, "OK")
	if err := c.respond(sip.StatusRequestTerminated, "Request Terminated", nil); err != nil {
		c.logger.Debug("invite already answered on cancel", slog.Any("error", err))
	}
	c.logger.Info("remote cancel")
	c.fire(eventEnd)
}

func (u *UA) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, NOTIFY, REFER, INFO"))
	if err := tx.Respond(res); err != nil {
		u.logger.Error("options response not sent", slog.Any("error", err))
	}
}

// onNotify принимает NOTIFY о ходе перевода (message/sipfrag)
func (u *UA) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	if callID := req.CallID(); callID != nil {
		if c, ok := u.findCall(callID.Value()); ok {
			c.logger.Info("transfer progress", slog.String("sipfrag", string(req.Body())))
		}
	}
	u.respond(req, tx, sip.StatusOK, "OK")
}

func (u *UA) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		u.logger.Error("response not sent",
			slog.String("method", req.Method.String()),
			slog.Int("status", code),
			slog.Any("error", err))
	}
}

// remoteIdentity отображаемое имя или user часть From
func remoteIdentity(from *sip.FromHeader) string {
	if from.DisplayName != "" {
		return from.DisplayName
	}
	if from.Address.User != "" {
		return from.Address.User
	}
	return from.Address.String()
}
