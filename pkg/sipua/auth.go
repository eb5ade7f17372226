package sipua

import (
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
)

// authorize строит повтор запроса с digest авторизацией по ответу 401/407.
// CSeq увеличивается, Via удаляется для новой транзакции.
func (u *UA) authorize(req *sip.Request, res *sip.Response) (*sip.Request, error) {
	challengeHeader, authHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeHeader, authHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeHeader)
	if h == nil {
		return nil, errors.Errorf("%d without %s", res.StatusCode, challengeHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, errors.Wrap(err, "parse digest challenge")
	}

	username := u.creds.AuthorizationUsername
	if username == "" {
		username = u.account.User
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: u.creds.AuthorizationPassword,
	})
	if err != nil {
		return nil, errors.Wrap(err, "compute digest")
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader(authHeader)
	if cseq := authReq.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	authReq.AppendHeader(sip.NewHeader(authHeader, cred.String()))
	return authReq, nil
}
