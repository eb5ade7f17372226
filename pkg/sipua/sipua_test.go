package sipua

import (
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/siphook/pkg/engine"
)

func TestParseServerURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Target
		wantErr bool
	}{
		{name: "udp with port", raw: "udp://pbx.example.com:5080", want: Target{Transport: "udp", Host: "pbx.example.com", Port: 5080}},
		{name: "tcp default port", raw: "tcp://10.0.0.1", want: Target{Transport: "tcp", Host: "10.0.0.1", Port: 5060}},
		{name: "websocket", raw: "ws://pbx:8080/", want: Target{Transport: "ws", Host: "pbx", Port: 8080}},
		{name: "sip uri", raw: "sip:pbx.example.com:5062", want: Target{Transport: "udp", Host: "pbx.example.com", Port: 5062}},
		{name: "sip uri transport param", raw: "sip:pbx;transport=TCP", want: Target{Transport: "tcp", Host: "pbx", Port: 5060}},
		{name: "bare host port", raw: "pbx:5060", want: Target{Transport: "udp", Host: "pbx", Port: 5060}},
		{name: "user part ignored", raw: "sip:1000@pbx", want: Target{Transport: "udp", Host: "pbx", Port: 5060}},
		{name: "empty", raw: "", wantErr: true},
		{name: "unknown transport", raw: "tls://pbx:5061", wantErr: true},
		{name: "bad port", raw: "udp://pbx:99999", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServerURL(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, defaultUserAgent, cfg.UserAgent)
	assert.Equal(t, []uint8{0, 8}, cfg.PayloadTypes)
	assert.Equal(t, 3600, cfg.RegisterExpires)
	assert.NotNil(t, cfg.Logger)

	bad := Config{PayloadTypes: []uint8{18}}
	assert.Error(t, bad.Validate())

	badRange := Config{RTPPortMin: 20000, RTPPortMax: 10000}
	assert.Error(t, badRange.Validate())
}

func TestSDPRoundTrip(t *testing.T) {
	body, err := buildSDP(sdpParams{
		SessionID:    42,
		Host:         "192.0.2.10",
		Port:         40000,
		PayloadTypes: []uint8{0, 8},
		DTMF:         true,
	})
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "m=audio 40000 RTP/AVP 0 8 101")
	assert.Contains(t, text, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, text, "a=rtpmap:101 telephone-event/8000")
	assert.Contains(t, text, "a=sendrecv")

	rm, err := parseSDP(body)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", rm.Host)
	assert.Equal(t, 40000, rm.Port)
	assert.Equal(t, []uint8{0, 8, 101}, rm.PayloadTypes)
	assert.True(t, rm.DTMF)
	assert.Equal(t, uint8(101), rm.DTMFPayloadType)
}

func TestBuildSDPRequiresAddress(t *testing.T) {
	_, err := buildSDP(sdpParams{PayloadTypes: []uint8{0}})
	assert.Error(t, err)
}

func TestParseSDPWithoutAudio(t *testing.T) {
	body := "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=-\r\nc=IN IP4 192.0.2.1\r\nt=0 0\r\nm=video 5000 RTP/AVP 96\r\n"
	_, err := parseSDP([]byte(body))
	assert.Error(t, err)
}

func TestNegotiate(t *testing.T) {
	pt, ok := negotiate([]uint8{18, 8, 0, 101}, []uint8{0, 8})
	require.True(t, ok)
	assert.Equal(t, uint8(8), pt)

	_, ok = negotiate([]uint8{18, 9}, []uint8{0, 8})
	assert.False(t, ok)
}

func TestReplaces(t *testing.T) {
	info := ReplacesInfo{CallID: "abc@host", ToTag: "t1", FromTag: "f1"}
	assert.Equal(t, "abc@host;to-tag=t1;from-tag=f1", info.String())

	referTo := referToWithReplaces("sip:2000@pbx", info)
	assert.Equal(t, "<sip:2000@pbx?Replaces=abc%40host%3Bto-tag%3Dt1%3Bfrom-tag%3Df1>", referTo)

	raw := strings.TrimSuffix(strings.SplitN(referTo, "Replaces=", 2)[1], ">")
	unescaped, err := url.QueryUnescape(raw)
	require.NoError(t, err)
	parsed, err := ParseReplaces(unescaped)
	require.NoError(t, err)
	assert.Equal(t, info, parsed)

	_, err = ParseReplaces("abc;to-tag=x")
	assert.Error(t, err)
}

func TestAngle(t *testing.T) {
	assert.Equal(t, "<sip:a@b>", angle("sip:a@b"))
	assert.Equal(t, "<sip:a@b>", angle("<sip:a@b>"))
}

func newTestUA(t *testing.T) *UA {
	t.Helper()
	ua, err := New(Config{}, engine.Credentials{
		AuthorizationUsername: "1000",
		AuthorizationPassword: "secret",
		SIPAccount:            "sip:1000@pbx.example.com",
		ServerURL:             "udp://pbx.example.com:5060",
	})
	require.NoError(t, err)
	return ua
}

func TestNewRejectsBadCredentials(t *testing.T) {
	_, err := New(Config{}, engine.Credentials{SIPAccount: "1000", ServerURL: "tls://x"})
	assert.Error(t, err)

	_, err = New(Config{}, engine.Credentials{ServerURL: "udp://pbx"})
	assert.Error(t, err)
}

func TestTargetURI(t *testing.T) {
	ua := newTestUA(t)

	uri, err := ua.targetURI("2000")
	require.NoError(t, err)
	assert.Equal(t, "2000", uri.User)
	assert.Equal(t, "pbx.example.com", uri.Host)
	assert.Equal(t, 5060, uri.Port)

	uri, err = ua.targetURI("sip:3000@other.example.com")
	require.NoError(t, err)
	assert.Equal(t, "3000", uri.User)
	assert.Equal(t, "other.example.com", uri.Host)

	uri, err = ua.targetURI("4000@third")
	require.NoError(t, err)
	assert.Equal(t, "third", uri.Host)

	_, err = ua.targetURI("  ")
	assert.Error(t, err)
}

func TestParseAccount(t *testing.T) {
	uri, err := parseAccount("1000", "pbx")
	require.NoError(t, err)
	assert.Equal(t, "1000", uri.User)
	assert.Equal(t, "pbx", uri.Host)

	uri, err = parseAccount("sip:1001@pbx.example.com:5070", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "1001", uri.User)
	assert.Equal(t, 5070, uri.Port)
}

func TestURIFromHeaderValue(t *testing.T) {
	uri := uriFromHeaderValue(`"Bob" <sip:bob@192.0.2.4:5062;transport=udp>;expires=60`)
	require.NotNil(t, uri)
	assert.Equal(t, "bob", uri.User)
	assert.Equal(t, 5062, uri.Port)

	uri = uriFromHeaderValue("sip:alice@192.0.2.5;expires=60")
	require.NotNil(t, uri)
	assert.Equal(t, "alice", uri.User)
}

func TestCallStateMachine(t *testing.T) {
	ua := newTestUA(t)
	c := newCall(ua, "call-1", false, "2000")
	ua.addCall(c)

	var mu sync.Mutex
	var got []engine.State
	c.OnStateChange(func(s engine.State) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
	})

	assert.Equal(t, engine.Initial, c.State())
	assert.True(t, c.fire(eventProgress))
	assert.False(t, c.fire(eventProgress))
	assert.True(t, c.fire(eventAnswer))
	assert.True(t, c.fire(eventBye))
	assert.True(t, c.fire(eventEnd))
	assert.False(t, c.fire(eventAnswer))

	mu.Lock()
	assert.Equal(t, []engine.State{engine.Establishing, engine.Established, engine.Terminating, engine.Terminated}, got)
	mu.Unlock()

	_, ok := ua.findCall("call-1")
	assert.False(t, ok, "terminated call is released")
	_, ok = c.Media()
	assert.False(t, ok)
}

func TestCallWithoutDialogCannotSendInDialogRequests(t *testing.T) {
	ua := newTestUA(t)
	c := newCall(ua, "call-2", false, "2000")
	_, err := c.newRequest(sip.BYE)
	assert.Error(t, err)
}

func TestOperationsRequireStart(t *testing.T) {
	ua := newTestUA(t)
	_, err := ua.Invite(t.Context(), "2000")
	assert.Error(t, err)
	assert.Error(t, ua.Register(t.Context()))
	assert.NoError(t, ua.Stop(t.Context()))
}

func TestAuthorize(t *testing.T) {
	ua := newTestUA(t)

	recipient := sip.Uri{Host: "pbx.example.com", Port: 5060}
	req := sip.NewRequest(sip.REGISTER, recipient)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "192.0.2.1",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", "z9hG4bK-1"),
	})
	req.AppendHeader(&sip.FromHeader{Address: ua.account, Params: sip.NewParams().Add("tag", "a")})
	req.AppendHeader(&sip.ToHeader{Address: ua.account, Params: sip.NewParams()})
	callID := sip.CallIDHeader("reg-1")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})

	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="pbx", nonce="abc123", algorithm=MD5, qop="auth"`))

	authReq, err := ua.authorize(req, res)
	require.NoError(t, err)
	assert.Nil(t, authReq.GetHeader("Via"))
	assert.Equal(t, uint32(2), authReq.CSeq().SeqNo)

	h := authReq.GetHeader("Authorization")
	require.NotNil(t, h)
	assert.Contains(t, h.Value(), `username="1000"`)
	assert.Contains(t, h.Value(), `realm="pbx"`)

	assert.Equal(t, uint32(1), req.CSeq().SeqNo, "source request untouched")

	noChallenge := sip.NewResponseFromRequest(req, 407, "Proxy Authentication Required", nil)
	_, err = ua.authorize(req, noChallenge)
	assert.Error(t, err)
}

func TestReasonPhrase(t *testing.T) {
	assert.Equal(t, "Busy Here", reasonPhrase(486))
	assert.Equal(t, "Temporarily Unavailable", reasonPhrase(480))
	assert.Equal(t, "Rejected", reasonPhrase(499))
}
