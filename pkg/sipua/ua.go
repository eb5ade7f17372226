// Package sipua реализует движок engine.Engine поверх sipgo: транспорт,
// регистрацию с digest авторизацией, исходящие и входящие вызовы с SDP
// offer/answer и прием RTP в дорожку pkg/media.
package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/siphook/pkg/engine"
	"github.com/arzzra/siphook/pkg/media"
)

var _ engine.Engine = (*UA)(nil)

// UA SIP user agent одной учетной записи.
type UA struct {
	cfg     Config
	creds   engine.Credentials
	server  Target
	account sip.Uri
	logger  *slog.Logger

	mu        sync.Mutex
	started   bool
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	handlers  engine.Handlers
	cancel    context.CancelFunc
	closer    func() error
	localHost string
	localPort int
	calls     map[string]*call

	disconnectOnce sync.Once

	regCallID string
	regTag    string
	regCSeq   uint32
}

// New создает движок для учетной записи creds.
func New(cfg Config, creds engine.Credentials) (*UA, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "sipua config")
	}
	target, err := ParseServerURL(creds.ServerURL)
	if err != nil {
		return nil, err
	}
	account, err := parseAccount(creds.SIPAccount, target.Host)
	if err != nil {
		return nil, err
	}
	return &UA{
		cfg:       cfg,
		creds:     creds,
		server:    target,
		account:   account,
		logger:    cfg.Logger.With("component", "sipua", slog.String("account", account.String())),
		calls:     make(map[string]*call),
		regCallID: uuid.NewString(),
		regTag:    sip.RandString(10),
	}, nil
}

// Factory возвращает фабрику движков с общей конфигурацией.
func Factory(cfg Config) func(creds engine.Credentials) (engine.Engine, error) {
	return func(creds engine.Credentials) (engine.Engine, error) {
		return New(cfg, creds)
	}
}

// Server адрес SIP сервера
func (u *UA) Server() Target {
	return u.server
}

// LocalAddr адрес, на котором запущен SIP транспорт
func (u *UA) LocalAddr() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return net.JoinHostPort(u.localHost, strconv.Itoa(u.localPort))
}

// Start поднимает sipgo UA и транспорт. OnConnect вызывается после того,
// как транспорт слушает порт.
func (u *UA) Start(ctx context.Context, handlers engine.Handlers) error {
	u.mu.Lock()
	if u.started {
		u.mu.Unlock()
		return errors.New("sipua: already started")
	}
	u.mu.Unlock()

	host := u.cfg.ListenHost
	if host == "" || host == "0.0.0.0" {
		h, err := outboundIP(u.server)
		if err != nil {
			return errors.Wrap(err, "sipua: resolve local address")
		}
		host = h
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(u.cfg.UserAgent),
		sipgo.WithUserAgentHostname(host),
	)
	if err != nil {
		return errors.Wrap(err, "sipua: create user agent")
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return errors.Wrap(err, "sipua: create server")
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(host))
	if err != nil {
		_ = ua.Close()
		return errors.Wrap(err, "sipua: create client")
	}

	srv.OnInvite(u.onInvite)
	srv.OnAck(u.onAck)
	srv.OnBye(u.onBye)
	srv.OnCancel(u.onCancel)
	srv.OnOptions(u.onOptions)
	srv.OnNotify(u.onNotify)

	runCtx, cancel := context.WithCancel(context.Background())
	listenAddr := net.JoinHostPort(host, strconv.Itoa(u.cfg.ListenPort))
	if u.cfg.ListenHost == "0.0.0.0" {
		listenAddr = net.JoinHostPort("0.0.0.0", strconv.Itoa(u.cfg.ListenPort))
	}

	var (
		serve  func() error
		closer func() error
		port   = u.cfg.ListenPort
	)
	switch u.server.Transport {
	case "udp":
		conn, err := net.ListenPacket("udp", listenAddr)
		if err != nil {
			cancel()
			_ = ua.Close()
			return errors.Wrap(err, "sipua: listen udp")
		}
		port = conn.LocalAddr().(*net.UDPAddr).Port
		serve = func() error { return srv.ServeUDP(conn) }
		closer = conn.Close
	case "tcp":
		l, err := net.Listen("tcp", listenAddr)
		if err != nil {
			cancel()
			_ = ua.Close()
			return errors.Wrap(err, "sipua: listen tcp")
		}
		port = l.Addr().(*net.TCPAddr).Port
		serve = func() error { return srv.ServeTCP(l) }
		closer = l.Close
	default:
		serve = func() error { return srv.ListenAndServe(runCtx, u.server.Transport, listenAddr) }
		closer = func() error { return nil }
	}

	u.mu.Lock()
	u.started = true
	u.ua, u.srv, u.client = ua, srv, client
	u.handlers = handlers
	u.cancel = cancel
	u.closer = closer
	u.localHost = host
	u.localPort = port
	u.mu.Unlock()

	go func() {
		err := serve()
		if runCtx.Err() != nil {
			err = nil
		}
		u.disconnected(err)
	}()

	u.logger.Info("transport started",
		slog.String("transport", u.server.Transport),
		slog.String("local", net.JoinHostPort(host, strconv.Itoa(port))),
		slog.String("server", u.server.Addr()))
	if handlers.OnConnect != nil {
		handlers.OnConnect()
	}
	return nil
}

func (u *UA) disconnected(err error) {
	u.disconnectOnce.Do(func() {
		if err != nil {
			u.logger.Error("transport stopped", slog.Any("error", err))
		} else {
			u.logger.Info("transport stopped")
		}
		u.mu.Lock()
		h := u.handlers.OnDisconnect
		u.mu.Unlock()
		if h != nil {
			h(err)
		}
	})
}

// Stop завершает все вызовы и останавливает транспорт.
func (u *UA) Stop(ctx context.Context) error {
	u.mu.Lock()
	if !u.started {
		u.mu.Unlock()
		return nil
	}
	u.started = false
	calls := make([]*call, 0, len(u.calls))
	for _, c := range u.calls {
		calls = append(calls, c)
	}
	cancel, closer, client, srv, ua := u.cancel, u.closer, u.client, u.srv, u.ua
	u.mu.Unlock()

	for _, c := range calls {
		c.fire(eventEnd)
	}

	cancel()
	var firstErr error
	if err := closer(); err != nil {
		firstErr = errors.Wrap(err, "sipua: close listener")
	}
	if err := client.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "sipua: close client")
	}
	if err := srv.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "sipua: close server")
	}
	if err := ua.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "sipua: close user agent")
	}
	u.disconnected(nil)
	return firstErr
}

// Register отправляет REGISTER и ждет финального ответа.
func (u *UA) Register(ctx context.Context) error {
	if err := u.register(ctx, u.cfg.RegisterExpires); err != nil {
		return err
	}
	if h := u.handlersSnapshot().OnRegister; h != nil {
		h()
	}
	return nil
}

// Unregister отправляет REGISTER с Expires: 0.
func (u *UA) Unregister(ctx context.Context) error {
	if err := u.register(ctx, 0); err != nil {
		return err
	}
	if h := u.handlersSnapshot().OnUnregister; h != nil {
		h()
	}
	return nil
}

func (u *UA) register(ctx context.Context, expires int) error {
	client, err := u.activeClient()
	if err != nil {
		return err
	}

	recipient := sip.Uri{Host: u.server.Host, Port: u.server.Port}
	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(u.server.Transport))

	u.mu.Lock()
	u.regCSeq++
	cseq := u.regCSeq
	u.mu.Unlock()

	aor := u.account
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: sip.NewParams().Add("tag", u.regTag)})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	callID := sip.CallIDHeader(u.regCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(u.contactHeader())
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	req.AppendHeader(sip.NewHeader("User-Agent", u.cfg.UserAgent))

	ctx, cancel := context.WithTimeout(ctx, u.cfg.ResponseTimeout)
	defer cancel()

	res, err := u.doWithAuth(ctx, client, req, func(seq uint32) {
		u.mu.Lock()
		if seq > u.regCSeq {
			u.regCSeq = seq
		}
		u.mu.Unlock()
	})
	if err != nil {
		return errors.Wrap(err, "register")
	}
	if res.StatusCode != sip.StatusOK {
		return errors.Errorf("register: %d %s", res.StatusCode, res.Reason)
	}
	u.logger.Info("register completed", slog.Int("expires", expires))
	return nil
}

// doWithAuth отправляет запрос и ждет финального ответа. На 401/407
// повторяет запрос один раз с digest авторизацией.
func (u *UA) doWithAuth(ctx context.Context, client *sipgo.Client, req *sip.Request, onCSeq func(uint32)) (*sip.Response, error) {
	tx, err := client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, errors.Wrap(err, "send")
	}
	res, err := waitFinalCtx(ctx, tx)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != 401 && res.StatusCode != 407 {
		return res, nil
	}

	authReq, err := u.authorize(req, res)
	if err != nil {
		return nil, err
	}
	if onCSeq != nil {
		onCSeq(authReq.CSeq().SeqNo)
	}
	tx, err = client.TransactionRequest(ctx, authReq, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, errors.Wrap(err, "send authorized")
	}
	return waitFinalCtx(ctx, tx)
}

// Invite отправляет INVITE с SDP offer. Ответы обрабатываются в фоне.
func (u *UA) Invite(ctx context.Context, target string) (engine.Call, error) {
	client, err := u.activeClient()
	if err != nil {
		return nil, err
	}
	recipient, err := u.targetURI(target)
	if err != nil {
		return nil, errors.Wrap(err, "invite")
	}

	callID := uuid.NewString()
	c := newCall(u, callID, false, target)
	track, err := u.openTrack(callID)
	if err != nil {
		return nil, errors.Wrap(err, "invite")
	}
	offer, err := buildSDP(sdpParams{
		SessionID:    u.sessionID(),
		Host:         u.rtpHost(),
		Port:         trackPort(track),
		PayloadTypes: u.cfg.PayloadTypes,
		DTMF:         true,
	})
	if err != nil {
		_ = track.Close()
		return nil, errors.Wrap(err, "invite")
	}

	c.mu.Lock()
	c.localURI = u.account
	c.remoteURI = recipient
	c.remoteTarget = recipient
	c.localTag = sip.RandString(10)
	c.track = track
	c.localSDP = offer
	c.mu.Unlock()

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(u.server.Transport))
	req.AppendHeader(&sip.FromHeader{Address: u.account, Params: sip.NewParams().Add("tag", c.localTag)})
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq.Add(1), MethodName: sip.INVITE})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(u.contactHeader())
	req.AppendHeader(sip.NewHeader("User-Agent", u.cfg.UserAgent))
	req.AppendHeader(sip.NewHeader("Content-Type", contentTypeSDP))
	req.SetBody(offer)

	u.addCall(c)
	tx, err := client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		u.removeCall(callID)
		_ = track.Close()
		return nil, errors.Wrap(err, "invite: send")
	}
	c.mu.Lock()
	c.invite = req
	c.mu.Unlock()

	u.logger.Info("invite sent", slog.String("callID", callID), slog.String("to", recipient.String()))
	go u.runInvite(c, client, req, tx)
	return c, nil
}

// runInvite обрабатывает ответы на исходящий INVITE
func (u *UA) runInvite(c *call, client *sipgo.Client, req *sip.Request, tx sip.ClientTransaction) {
	authorized := false
	for {
		var res *sip.Response
		select {
		case res = <-tx.Responses():
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				c.logger.Warn("invite transaction failed", slog.Any("error", err))
			}
			c.fire(eventEnd)
			return
		}
		if res == nil {
			continue
		}

		switch {
		case res.StatusCode < 200:
			c.fire(eventProgress)

		case (res.StatusCode == 401 || res.StatusCode == 407) && !authorized:
			authorized = true
			authReq, err := u.authorize(req, res)
			if err != nil {
				c.logger.Error("invite authorization failed", slog.Any("error", err))
				c.fire(eventEnd)
				return
			}
			c.cseq.Store(authReq.CSeq().SeqNo)
			next, err := client.TransactionRequest(context.Background(), authReq, sipgo.ClientRequestAddVia)
			if err != nil {
				c.logger.Error("authorized invite not sent", slog.Any("error", err))
				c.fire(eventEnd)
				return
			}
			c.mu.Lock()
			c.invite = authReq
			c.mu.Unlock()
			req, tx = authReq, next

		case res.StatusCode < 300:
			u.onInviteAnswered(c, client, req, res)
			return

		default:
			c.logger.Info("invite rejected", slog.Int("status", int(res.StatusCode)), slog.String("reason", res.Reason))
			c.fire(eventEnd)
			return
		}
	}
}

func (u *UA) onInviteAnswered(c *call, client *sipgo.Client, req *sip.Request, res *sip.Response) {
	c.mu.Lock()
	if to := res.To(); to != nil {
		c.remoteTag, _ = to.Params.Get("tag")
	}
	if contact := res.GetHeader("Contact"); contact != nil {
		if uri := uriFromHeaderValue(contact.Value()); uri != nil {
			c.remoteTarget = *uri
		}
	}
	c.mu.Unlock()

	ack := buildAck(req, res, c.remoteTarget)
	if err := client.WriteRequest(ack, sipgo.ClientRequestAddVia); err != nil {
		c.logger.Error("ack not sent", slog.Any("error", err))
	}

	answer, err := parseSDP(res.Body())
	if err != nil {
		c.logger.Warn("answer without usable sdp", slog.Any("error", err))
	} else {
		c.logger.Debug("answer received",
			slog.String("remoteMedia", net.JoinHostPort(answer.Host, strconv.Itoa(answer.Port))),
			slog.Any("payloadTypes", answer.PayloadTypes))
		c.mu.Lock()
		c.negotiated = true
		c.mu.Unlock()
	}
	c.fire(eventAnswer)
}

// buildAck строит ACK на 2xx ответ
func buildAck(invite *sip.Request, res *sip.Response, target sip.Uri) *sip.Request {
	ack := sip.NewRequest(sip.ACK, target)
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	ack.SetTransport(invite.Transport())
	return ack
}

func (u *UA) handlersSnapshot() engine.Handlers {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.handlers
}

func (u *UA) activeClient() (*sipgo.Client, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.started {
		return nil, errors.New("sipua: not started")
	}
	return u.client, nil
}

func (u *UA) addCall(c *call) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls[c.callID] = c
}

func (u *UA) removeCall(callID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.calls, callID)
}

func (u *UA) findCall(callID string) (*call, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c, ok := u.calls[callID]
	return c, ok
}

func (u *UA) contactHeader() *sip.ContactHeader {
	u.mu.Lock()
	defer u.mu.Unlock()
	uri := sip.Uri{User: u.account.User, Host: u.localHost, Port: u.localPort}
	params := sip.NewParams()
	if u.server.Transport != "udp" {
		params = params.Add("transport", u.server.Transport)
	}
	return &sip.ContactHeader{Address: uri, Params: params}
}

func (u *UA) rtpHost() string {
	if u.cfg.RTPHost != "" {
		return u.cfg.RTPHost
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.localHost
}

func (u *UA) sessionID() uint64 {
	return uint64(time.Now().UnixNano())
}

// openTrack открывает RTP сокет в настроенном диапазоне портов
func (u *UA) openTrack(callID string) (*media.RTPTrack, error) {
	host := u.rtpHost()
	id := "audio-" + callID
	if u.cfg.RTPPortMin == 0 {
		return media.ListenRTPTrack(id, net.JoinHostPort(host, "0"))
	}
	var lastErr error
	for port := u.cfg.RTPPortMin; port <= u.cfg.RTPPortMax; port += 2 {
		track, err := media.ListenRTPTrack(id, net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return track, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "no free rtp port in %d-%d", u.cfg.RTPPortMin, u.cfg.RTPPortMax)
}

func trackPort(track *media.RTPTrack) int {
	if addr, ok := track.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// targetURI превращает номер или SIP URI в Request-URI
func (u *UA) targetURI(target string) (sip.Uri, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return sip.Uri{}, errors.New("empty target")
	}
	raw := target
	if !strings.HasPrefix(raw, "sip:") && !strings.HasPrefix(raw, "sips:") {
		if strings.Contains(raw, "@") {
			raw = "sip:" + raw
		} else {
			raw = fmt.Sprintf("sip:%s@%s", raw, u.server.Addr())
		}
	}
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return sip.Uri{}, errors.Wrapf(err, "parse target %q", target)
	}
	return uri, nil
}

// waitFinal ждет финального ответа транзакции с таймаутом движка
func (u *UA) waitFinal(tx sip.ClientTransaction) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), u.cfg.ResponseTimeout)
	defer cancel()
	return waitFinalCtx(ctx, tx)
}

func waitFinalCtx(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, errors.Wrap(err, "transaction terminated")
			}
			return nil, errors.New("transaction terminated")
		case res := <-tx.Responses():
			if res == nil || res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

// parseAccount разбирает SIP аккаунт, подставляя host сервера при его отсутствии
func parseAccount(account, serverHost string) (sip.Uri, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return sip.Uri{}, errors.New("empty sip account")
	}
	if !strings.HasPrefix(account, "sip:") && !strings.HasPrefix(account, "sips:") {
		account = "sip:" + account
	}
	if !strings.Contains(account, "@") {
		account = account + "@" + serverHost
	}
	var uri sip.Uri
	if err := sip.ParseUri(account, &uri); err != nil {
		return sip.Uri{}, errors.Wrapf(err, "parse sip account %q", account)
	}
	return uri, nil
}

// uriFromHeaderValue извлекает URI из значения вида "Name <sip:u@h>;p=v"
func uriFromHeaderValue(value string) *sip.Uri {
	raw := value
	if start := strings.Index(value, "<"); start >= 0 {
		if end := strings.Index(value[start:], ">"); end > 0 {
			raw = value[start+1 : start+end]
		}
	} else if i := strings.Index(value, ";"); i >= 0 {
		raw = value[:i]
	}
	var uri sip.Uri
	if err := sip.ParseUri(strings.TrimSpace(raw), &uri); err != nil {
		return nil
	}
	return &uri
}

// outboundIP определяет локальный адрес, с которого виден сервер
func outboundIP(server Target) (string, error) {
	conn, err := net.Dial("udp", server.Addr())
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
