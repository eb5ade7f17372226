package sipua

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/siphook/pkg/engine"
	"github.com/arzzra/siphook/pkg/media"
)

// События конечного автомата вызова
const (
	eventProgress = "progress"
	eventAnswer   = "answer"
	eventConfirm  = "confirm"
	eventBye      = "bye"
	eventEnd      = "end"
)

var _ engine.Call = (*call)(nil)

// call SIP диалог одного вызова.
type call struct {
	ua      *UA
	callID  string
	inbound bool
	remote  string
	logger  *slog.Logger

	// transMu сериализует переходы и рассылку уведомлений
	transMu  sync.Mutex
	fsm      *fsm.FSM
	handlers []func(engine.State)

	mu           sync.Mutex
	state        engine.State
	localURI     sip.Uri
	remoteURI    sip.Uri
	localTag     string
	remoteTag    string
	remoteTarget sip.Uri
	invite       *sip.Request
	inviteTx     sip.ServerTransaction
	localSDP     []byte
	track        *media.RTPTrack
	negotiated   bool
	accepted     bool

	cseq atomic.Uint32
}

func newCall(ua *UA, callID string, inbound bool, remote string) *call {
	c := &call{
		ua:      ua,
		callID:  callID,
		inbound: inbound,
		remote:  remote,
		state:   engine.Initial,
		logger:  ua.logger.With(slog.String("callID", callID), slog.Bool("inbound", inbound)),
	}
	c.fsm = fsm.NewFSM(
		engine.Initial.String(),
		fsm.Events{
			{Name: eventProgress, Src: []string{engine.Initial.String()}, Dst: engine.Establishing.String()},
			{Name: eventAnswer, Src: []string{engine.Initial.String(), engine.Establishing.String()}, Dst: engine.Established.String()},
			// входящий вызов ждет ACK после 200 OK
			{Name: eventConfirm, Src: []string{engine.Initial.String()}, Dst: engine.Establishing.String()},
			{Name: eventBye, Src: []string{engine.Establishing.String(), engine.Established.String()}, Dst: engine.Terminating.String()},
			{Name: eventEnd, Src: []string{
				engine.Initial.String(),
				engine.Establishing.String(),
				engine.Established.String(),
				engine.Terminating.String(),
			}, Dst: engine.Terminated.String()},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				c.afterEvent(e)
			},
		},
	)
	return c
}

func (c *call) afterEvent(e *fsm.Event) {
	to := engine.State(e.Dst)
	c.mu.Lock()
	c.state = to
	handlers := append([]func(engine.State){}, c.handlers...)
	c.mu.Unlock()

	c.logger.Debug("call state changed",
		slog.String("event", e.Event),
		slog.String("from", e.Src),
		slog.String("to", e.Dst))

	if to == engine.Terminated {
		c.release()
	}
	for _, h := range handlers {
		h(to)
	}
}

// fire выполняет событие, если оно допустимо в текущем состоянии.
func (c *call) fire(event string) bool {
	c.transMu.Lock()
	defer c.transMu.Unlock()
	if !c.fsm.Can(event) {
		return false
	}
	if err := c.fsm.Event(context.Background(), event); err != nil {
		c.logger.Debug("call event ignored", slog.String("event", event), slog.Any("error", err))
		return false
	}
	return true
}

func (c *call) release() {
	c.mu.Lock()
	track := c.track
	c.negotiated = false
	c.mu.Unlock()
	if track != nil {
		_ = track.Close()
	}
	c.ua.removeCall(c.callID)
}

func (c *call) ID() string             { return c.callID }
func (c *call) RemoteIdentity() string { return c.remote }

func (c *call) State() engine.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *call) OnStateChange(handler func(engine.State)) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Media возвращает канал с одной входящей audio дорожкой после согласования.
func (c *call) Media() (engine.MediaChannel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.negotiated || c.track == nil {
		return nil, false
	}
	return mediaChannel{tracks: []engine.Track{c.track}}, true
}

type mediaChannel struct {
	tracks []engine.Track
}

func (m mediaChannel) InboundTracks() []engine.Track {
	return m.tracks
}

// Accept отвечает 200 OK с SDP answer на входящий INVITE.
func (c *call) Accept(ctx context.Context) error {
	c.mu.Lock()
	if !c.inbound || c.inviteTx == nil {
		c.mu.Unlock()
		return errors.New("accept: not an inbound call")
	}
	if c.accepted {
		c.mu.Unlock()
		return nil
	}
	invite, tx := c.invite, c.inviteTx
	c.mu.Unlock()

	offer, err := parseSDP(invite.Body())
	if err != nil {
		return errors.Wrap(err, "accept")
	}
	pt, ok := negotiate(offer.PayloadTypes, c.ua.cfg.PayloadTypes)
	if !ok {
		_ = c.respond(statusNotAcceptableHere, "", nil)
		c.fire(eventEnd)
		return errors.New("accept: no common codec")
	}

	track, err := c.ua.openTrack(c.callID)
	if err != nil {
		return errors.Wrap(err, "accept")
	}
	answer, err := buildSDP(sdpParams{
		SessionID:       c.ua.sessionID(),
		Host:            c.ua.rtpHost(),
		Port:            trackPort(track),
		PayloadTypes:    []uint8{pt},
		DTMF:            offer.DTMF,
		DTMFPayloadType: offer.DTMFPayloadType,
	})
	if err != nil {
		_ = track.Close()
		return errors.Wrap(err, "accept")
	}

	res := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", answer)
	c.tagResponse(res)
	res.AppendHeader(sip.NewHeader("Content-Type", contentTypeSDP))
	res.AppendHeader(c.ua.contactHeader())
	if err := tx.Respond(res); err != nil {
		_ = track.Close()
		return errors.Wrap(err, "accept: respond")
	}

	c.mu.Lock()
	c.accepted = true
	c.track = track
	c.localSDP = answer
	c.negotiated = true
	c.mu.Unlock()

	c.logger.Info("call accepted", slog.Int("payloadType", int(pt)))
	c.fire(eventConfirm)
	return nil
}

// Reject отвечает финальным кодом на входящий INVITE.
func (c *call) Reject(ctx context.Context, code int) error {
	if !c.inbound {
		return errors.New("reject: not an inbound call")
	}
	if code < 300 || code > 699 {
		return errors.Errorf("reject: invalid status code %d", code)
	}
	if err := c.respond(code, "", nil); err != nil {
		return errors.Wrap(err, "reject")
	}
	c.fire(eventEnd)
	return nil
}

// Cancel прерывает неустановленный вызов: CANCEL для исходящего,
// 487 для входящего.
func (c *call) Cancel(ctx context.Context) error {
	if c.inbound {
		if err := c.respond(sip.StatusRequestTerminated, "Request Terminated", nil); err != nil {
			return errors.Wrap(err, "cancel")
		}
		c.fire(eventEnd)
		return nil
	}

	c.mu.Lock()
	invite := c.invite
	c.mu.Unlock()
	if invite == nil {
		return errors.New("cancel: invite was not sent")
	}
	client, err := c.ua.activeClient()
	if err != nil {
		return errors.Wrap(err, "cancel")
	}
	if _, err := client.TransactionRequest(ctx, buildCancel(invite)); err != nil {
		return errors.Wrap(err, "cancel: send")
	}
	c.logger.Info("cancel sent")
	return nil
}

// Bye отправляет BYE в установленном диалоге.
func (c *call) Bye(ctx context.Context) error {
	req, err := c.newRequest(sip.BYE)
	if err != nil {
		return errors.Wrap(err, "bye")
	}
	client, err := c.ua.activeClient()
	if err != nil {
		return errors.Wrap(err, "bye")
	}
	tx, err := client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return errors.Wrap(err, "bye: send")
	}
	c.fire(eventBye)
	go func() {
		res, err := c.ua.waitFinal(tx)
		if err != nil {
			c.logger.Warn("bye without final response", slog.Any("error", err))
		} else {
			c.logger.Debug("bye completed", slog.Int("status", int(res.StatusCode)))
		}
		c.fire(eventEnd)
	}()
	return nil
}

// Refer отправляет REFER на target (blind transfer).
func (c *call) Refer(ctx context.Context, target string) error {
	uri, err := c.ua.targetURI(target)
	if err != nil {
		return errors.Wrap(err, "refer")
	}
	return c.sendRefer(ctx, angle(uri.String()))
}

// ReferReplace переводит удаленную сторону на удаленную сторону replacement.
func (c *call) ReferReplace(ctx context.Context, replacement engine.Call) error {
	other, ok := replacement.(*call)
	if !ok || other.ua != c.ua {
		return errors.New("refer replace: call belongs to another engine")
	}
	other.mu.Lock()
	target := other.remoteURI
	info := ReplacesInfo{CallID: other.callID, ToTag: other.remoteTag, FromTag: other.localTag}
	other.mu.Unlock()
	if info.ToTag == "" {
		return errors.New("refer replace: consultation dialog is not established")
	}
	return c.sendRefer(ctx, referToWithReplaces(target.String(), info))
}

func (c *call) sendRefer(ctx context.Context, referTo string) error {
	req, err := c.newRequest(sip.REFER)
	if err != nil {
		return errors.Wrap(err, "refer")
	}
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))
	c.mu.Lock()
	req.AppendHeader(sip.NewHeader("Referred-By", angle(c.localURI.String())))
	c.mu.Unlock()

	client, err := c.ua.activeClient()
	if err != nil {
		return errors.Wrap(err, "refer")
	}
	tx, err := client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return errors.Wrap(err, "refer: send")
	}
	c.logger.Info("refer sent", slog.String("referTo", referTo))
	go func() {
		res, err := c.ua.waitFinal(tx)
		if err != nil {
			c.logger.Warn("refer without final response", slog.Any("error", err))
			return
		}
		c.logger.Info("refer answered", slog.Int("status", int(res.StatusCode)))
	}()
	return nil
}

// SendInfo отправляет INFO с телом указанного типа.
func (c *call) SendInfo(ctx context.Context, contentType string, body []byte) error {
	req, err := c.newRequest(sip.INFO)
	if err != nil {
		return errors.Wrap(err, "info")
	}
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", contentType))

	client, err := c.ua.activeClient()
	if err != nil {
		return errors.Wrap(err, "info")
	}
	tx, err := client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return errors.Wrap(err, "info: send")
	}
	go func() {
		if _, err := c.ua.waitFinal(tx); err != nil {
			c.logger.Warn("info without final response", slog.Any("error", err))
		}
	}()
	return nil
}

// respond отправляет финальный ответ на входящий INVITE.
func (c *call) respond(code int, reason string, body []byte) error {
	c.mu.Lock()
	invite, tx, accepted := c.invite, c.inviteTx, c.accepted
	c.mu.Unlock()
	if invite == nil || tx == nil {
		return errors.New("no pending invite")
	}
	if accepted {
		return errors.New("invite already answered")
	}
	if reason == "" {
		reason = reasonPhrase(code)
	}
	res := sip.NewResponseFromRequest(invite, code, reason, body)
	c.tagResponse(res)
	return tx.Respond(res)
}

const statusNotAcceptableHere = 488

var reasonPhrases = map[int]string{
	480: "Temporarily Unavailable",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	603: "Decline",
}

func reasonPhrase(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	return "Rejected"
}

// tagResponse добавляет локальный tag в To ответа
func (c *call) tagResponse(res *sip.Response) {
	to := res.To()
	if to == nil {
		return
	}
	if _, ok := to.Params.Get("tag"); ok {
		return
	}
	c.mu.Lock()
	tag := c.localTag
	c.mu.Unlock()
	to.Params = to.Params.Add("tag", tag)
}

// newRequest строит запрос внутри диалога
func (c *call) newRequest(method sip.RequestMethod) (*sip.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteTag == "" || c.remoteTarget.Host == "" {
		return nil, errors.Errorf("%s outside of dialog", method)
	}

	req := sip.NewRequest(method, c.remoteTarget)
	callID := sip.CallIDHeader(c.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.FromHeader{
		Address: c.localURI,
		Params:  sip.NewParams().Add("tag", c.localTag),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: c.remoteURI,
		Params:  sip.NewParams().Add("tag", c.remoteTag),
	})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq.Add(1), MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(c.ua.contactHeader())
	req.AppendHeader(sip.NewHeader("User-Agent", c.ua.cfg.UserAgent))
	return req, nil
}

// buildCancel строит CANCEL для отправленного INVITE с тем же Via
func buildCancel(invite *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	if via := invite.Via(); via != nil {
		cancelReq.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, cancelReq)
	maxForwards := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxForwards)
	if h := invite.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.CANCEL
		cancelReq.AppendHeader(cseq)
	}
	cancelReq.SetTransport(invite.Transport())
	cancelReq.SetDestination(invite.Destination())
	return cancelReq
}
