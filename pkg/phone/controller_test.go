package phone

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/siphook/pkg/callerr"
	"github.com/arzzra/siphook/pkg/engine"
	"github.com/arzzra/siphook/pkg/engine/enginetest"
	"github.com/arzzra/siphook/pkg/mediabridge"
	"github.com/arzzra/siphook/pkg/registration"
	"github.com/arzzra/siphook/pkg/session"
)

var testCreds = engine.Credentials{
	AuthorizationUsername: "1000",
	AuthorizationPassword: "secret",
	SIPAccount:            "sip:1000@pbx.local",
	ServerURL:             "udp://pbx.local:5060",
	MediaSinkHandle:       "remoteAudio",
}

type countingRinger struct {
	mu     sync.Mutex
	starts int
	ends   int
}

func (r *countingRinger) StartRing() { r.mu.Lock(); r.starts++; r.mu.Unlock() }
func (r *countingRinger) EndRing()   { r.mu.Lock(); r.ends++; r.mu.Unlock() }

func (r *countingRinger) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.ends
}

type countingSink struct {
	mu      sync.Mutex
	streams int
	clears  int
	plays   int
	pauses  int
	playErr error
}

func (s *countingSink) SetStream(stream *mediabridge.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stream == nil {
		s.clears++
		return
	}
	s.streams++
}

func (s *countingSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays++
	return s.playErr
}

func (s *countingSink) Pause() { s.mu.Lock(); s.pauses++; s.mu.Unlock() }

func (s *countingSink) failPlay(err error) {
	s.mu.Lock()
	s.playErr = err
	s.mu.Unlock()
}

func (s *countingSink) streamCounts() (streams, clears int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams, s.clears
}

func (s *countingSink) counts() (plays, pauses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plays, s.pauses
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	ctrl   *Controller
	eng    *enginetest.Engine
	sink   *countingSink
	ringer *countingRinger

	mu    sync.Mutex
	snaps []Snapshot
}

func newHarness(t *testing.T, autoAnswer bool) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		eng:    enginetest.New(),
		sink:   &countingSink{},
		ringer: &countingRinger{},
	}
	h.ctrl = New(Config{
		Factory: func(engine.Credentials) (engine.Engine, error) { return h.eng, nil },
		Sinks: mediabridge.SinkResolverFunc(func(handle string) (mediabridge.Sink, error) {
			if handle != "remoteAudio" {
				return nil, errors.New("element not found")
			}
			return h.sink, nil
		}),
		Ringer:     h.ringer,
		AutoAnswer: autoAnswer,
		OnChange: func(s Snapshot) {
			h.mu.Lock()
			h.snaps = append(h.snaps, s)
			h.mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	opCtx, opCancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(opCancel)
	h.ctx = opCtx
	return h
}

func (h *harness) connect() {
	h.t.Helper()
	h.connectWith(testCreds)
}

func (h *harness) connectWith(creds engine.Credentials) {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Connect(h.ctx, creds))
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	s, err := h.ctrl.Snapshot(h.ctx)
	require.NoError(h.t, err)
	return s
}

func (h *harness) registrationHistory() []registration.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []registration.Status
	for _, s := range h.snaps {
		if len(out) == 0 || out[len(out)-1] != s.RegistrationStatus {
			out = append(out, s.RegistrationStatus)
		}
	}
	return out
}

// establishedOutbound создает исходящий вызов на 1001 в ESTABLISHED.
func (h *harness) establishedOutbound(tracks ...*enginetest.Track) *enginetest.Call {
	h.t.Helper()
	h.connect()
	require.NoError(h.t, h.ctrl.Call(h.ctx, "1001"))
	calls := h.eng.Calls()
	require.NotEmpty(h.t, calls)
	call := calls[len(calls)-1]
	call.SetMedia(tracks...)
	call.SetState(engine.Establishing)
	call.SetState(engine.Established)
	require.Equal(h.t, engine.Established, h.snapshot().SessionState)
	return call
}

func TestConnectRegisterStatusOrder(t *testing.T) {
	h := newHarness(t, false)
	assert.Equal(t, registration.Disconnected, h.snapshot().RegistrationStatus)

	h.connect()
	require.NoError(t, h.ctrl.Register(h.ctx))

	assert.Equal(t, registration.Registered, h.snapshot().RegistrationStatus)
	assert.Equal(t, []registration.Status{registration.Connected, registration.Registered}, h.registrationHistory())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ctrl.metrics.registrationStatus.WithLabelValues("REGISTERED")))
}

func TestConnectTransportFailure(t *testing.T) {
	h := newHarness(t, false)
	h.eng.StartErr = errors.New("connection refused")

	err := h.ctrl.Connect(h.ctx, testCreds)
	assert.ErrorIs(t, err, callerr.ErrTransportFailure)
	assert.Equal(t, registration.Disconnected, h.snapshot().RegistrationStatus)
}

func TestOutboundCallAttachesMediaOnce(t *testing.T) {
	h := newHarness(t, false)
	h.connect()

	require.NoError(t, h.ctrl.Call(h.ctx, "1001"))
	snap := h.snapshot()
	assert.Equal(t, session.Outbound, snap.Direction)
	assert.Equal(t, "1001", snap.ExternalNumber)
	assert.True(t, snap.HasLiveCall)
	assert.False(t, snap.IsReceivedCall)
	assert.Contains(t, h.eng.Ops(), "invite:1001")

	call := h.eng.Calls()[0]
	call.SetMedia(enginetest.NewTrack("audio-0"))
	call.SetState(engine.Establishing)
	call.SetState(engine.Established)
	call.SetState(engine.Established)

	snap = h.snapshot()
	assert.Equal(t, engine.Established, snap.SessionState)
	assert.True(t, snap.MediaAttached)
	plays, _ := h.sink.counts()
	assert.Equal(t, 1, plays)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ctrl.metrics.callsTotal.WithLabelValues("OUTBOUND")))
}

func TestInboundManualAnswer(t *testing.T) {
	h := newHarness(t, false)
	h.connect()

	call := h.eng.Incoming("2002")
	snap := h.snapshot()
	assert.True(t, snap.IsReceivedCall)
	assert.True(t, snap.Ringing)
	assert.True(t, snap.HasLiveCall)
	assert.Equal(t, "2002", snap.ExternalNumber)
	assert.Equal(t, session.Inbound, snap.Direction)
	starts, _ := h.ringer.counts()
	assert.Equal(t, 1, starts)

	require.NoError(t, h.ctrl.Answer(h.ctx))
	assert.Equal(t, []string{"accept"}, call.Ops())

	call.SetState(engine.Establishing)
	snap = h.snapshot()
	assert.False(t, snap.Ringing)
	_, ends := h.ringer.counts()
	assert.Equal(t, 1, ends)

	call.SetState(engine.Established)
	snap = h.snapshot()
	assert.True(t, snap.MediaAttached)
	assert.False(t, snap.Ringing)
	_, ends = h.ringer.counts()
	assert.Equal(t, 1, ends)
}

func TestAutoAnswerNeverRings(t *testing.T) {
	h := newHarness(t, false)
	h.connect()
	require.NoError(t, h.ctrl.SetAutoAnswer(h.ctx, true))

	call := h.eng.Incoming("2002")
	snap := h.snapshot()
	assert.False(t, snap.IsReceivedCall)
	assert.False(t, snap.Ringing)
	assert.True(t, snap.HasLiveCall)
	assert.Equal(t, []string{"accept"}, call.Ops())

	call.SetState(engine.Established)
	assert.True(t, h.snapshot().MediaAttached)

	starts, _ := h.ringer.counts()
	assert.Equal(t, 0, starts)

	// ручной ответ после auto-answer ничего не отправляет
	require.NoError(t, h.ctrl.Answer(h.ctx))
	assert.Equal(t, []string{"accept"}, call.Ops())
}

func TestAdmissionRejectsWhileLive(t *testing.T) {
	h := newHarness(t, false)
	first := h.establishedOutbound()

	second := h.eng.Incoming("2002")
	third := h.eng.Incoming("3003")
	snap := h.snapshot()

	assert.Equal(t, []string{"reject:486"}, second.Ops())
	assert.Equal(t, []string{"reject:486"}, third.Ops())
	assert.Empty(t, first.Ops())
	assert.Equal(t, engine.Established, snap.SessionState)
	assert.Equal(t, session.Outbound, snap.Direction)
	assert.Equal(t, "1001", snap.ExternalNumber)
	assert.False(t, snap.IsReceivedCall)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.ctrl.metrics.admissionsRejected))

	// уведомления отклоненного вызова не трогают текущую сессию
	second.SetState(engine.Terminated)
	assert.Equal(t, engine.Established, h.snapshot().SessionState)
}

func TestAdmissionAfterTermination(t *testing.T) {
	h := newHarness(t, false)
	first := h.establishedOutbound()
	first.SetState(engine.Terminated)

	call := h.eng.Incoming("2002")
	snap := h.snapshot()
	assert.Empty(t, call.Ops())
	assert.True(t, snap.IsReceivedCall)
	assert.Equal(t, engine.Initial, snap.SessionState)
	assert.Equal(t, "2002", snap.ExternalNumber)
}

func TestCallWhileLiveIsRejected(t *testing.T) {
	h := newHarness(t, false)
	h.establishedOutbound()

	err := h.ctrl.Call(h.ctx, "2002")
	assert.ErrorIs(t, err, callerr.ErrInvalidStateOperation)
	assert.Len(t, h.eng.Calls(), 1)
}

func TestCallBeforeConnect(t *testing.T) {
	h := newHarness(t, false)
	assert.ErrorIs(t, h.ctrl.Call(h.ctx, "1001"), callerr.ErrInvalidStateOperation)
}

func TestCallUsesExternalNumber(t *testing.T) {
	h := newHarness(t, false)
	h.connect()

	assert.ErrorIs(t, h.ctrl.Call(h.ctx, ""), callerr.ErrInvalidArgument)

	require.NoError(t, h.ctrl.SetExternalNumber(h.ctx, " 4004 "))
	require.NoError(t, h.ctrl.Call(h.ctx, ""))
	assert.Contains(t, h.eng.Ops(), "invite:4004")
	assert.Equal(t, "4004", h.snapshot().ExternalNumber)
}

func TestCallInviteFailure(t *testing.T) {
	h := newHarness(t, false)
	h.connect()
	h.eng.InviteErr = errors.New("no route")

	assert.ErrorIs(t, h.ctrl.Call(h.ctx, "1001"), callerr.ErrTransportFailure)
	snap := h.snapshot()
	assert.False(t, snap.HasLiveCall)
	assert.Empty(t, snap.SessionState)
}

func TestHangupEstablished(t *testing.T) {
	h := newHarness(t, false)
	call := h.establishedOutbound(enginetest.NewTrack("audio-0"))

	require.NoError(t, h.ctrl.Hangup(h.ctx))
	snap := h.snapshot()
	assert.Equal(t, []string{"bye"}, call.Ops())
	assert.Equal(t, "", snap.ExternalNumber)
	assert.False(t, snap.HasLiveCall)
	assert.False(t, snap.MediaAttached)
	assert.Equal(t, engine.Terminating, snap.SessionState)

	call.SetState(engine.Terminating)
	call.SetState(engine.Terminated)
	snap = h.snapshot()
	assert.Equal(t, engine.Terminated, snap.SessionState)

	_, pauses := h.sink.counts()
	assert.Equal(t, 1, pauses)
}

func TestHangupTwiceOnTerminatedSession(t *testing.T) {
	h := newHarness(t, false)
	call := h.establishedOutbound()
	require.NoError(t, h.ctrl.Hangup(h.ctx))
	call.SetState(engine.Terminated)
	before := h.snapshot()

	for i := 0; i < 2; i++ {
		err := h.ctrl.Hangup(h.ctx)
		assert.ErrorIs(t, err, callerr.ErrAlreadyTerminated)
		assert.Equal(t, before, h.snapshot())
	}
	assert.Equal(t, []string{"bye"}, call.Ops())
}

func TestHangupBeforeEstablish(t *testing.T) {
	t.Run("outbound cancels", func(t *testing.T) {
		h := newHarness(t, false)
		h.connect()
		require.NoError(t, h.ctrl.Call(h.ctx, "1001"))
		call := h.eng.Calls()[0]
		call.SetState(engine.Establishing)

		require.NoError(t, h.ctrl.Hangup(h.ctx))
		assert.Equal(t, []string{"cancel"}, call.Ops())
		snap := h.snapshot()
		assert.False(t, snap.HasLiveCall)
		assert.Equal(t, "", snap.ExternalNumber)

		call.SetState(engine.Terminated)
		assert.Equal(t, engine.Terminated, h.snapshot().SessionState)
		plays, pauses := h.sink.counts()
		assert.Zero(t, plays)
		assert.Zero(t, pauses)
	})

	t.Run("inbound rejects and stops ring", func(t *testing.T) {
		h := newHarness(t, false)
		h.connect()
		call := h.eng.Incoming("2002")

		require.NoError(t, h.ctrl.Hangup(h.ctx))
		assert.Equal(t, []string{"reject:480"}, call.Ops())
		snap := h.snapshot()
		assert.False(t, snap.IsReceivedCall)
		assert.False(t, snap.Ringing)
		assert.False(t, snap.HasLiveCall)
		_, ends := h.ringer.counts()
		assert.Equal(t, 1, ends)
	})
}

func TestHangupWithoutSession(t *testing.T) {
	h := newHarness(t, false)
	assert.NoError(t, h.ctrl.Hangup(h.ctx))
}

func TestRemoteTerminationResetsFlags(t *testing.T) {
	h := newHarness(t, false)
	h.connect()
	call := h.eng.Incoming("2002")
	require.True(t, h.snapshot().Ringing)

	// удаленная сторона отменила вызов
	call.SetState(engine.Terminated)
	snap := h.snapshot()
	assert.False(t, snap.Ringing)
	assert.False(t, snap.IsReceivedCall)
	assert.False(t, snap.HasLiveCall)
	assert.Equal(t, "", snap.ExternalNumber)
	assert.Equal(t, engine.Terminated, snap.SessionState)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.ctrl.metrics.liveCalls))
}

func TestMediaAttachedIffEstablished(t *testing.T) {
	tests := []struct {
		name  string
		steps []engine.State
	}{
		{"normal", []engine.State{engine.Establishing, engine.Established, engine.Terminating, engine.Terminated}},
		{"direct terminate", []engine.State{engine.Established, engine.Terminated}},
		{"never established", []engine.State{engine.Establishing, engine.Terminated}},
		{"backward ignored", []engine.State{engine.Established, engine.Establishing, engine.Terminated}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			h.connect()
			require.NoError(t, h.ctrl.Call(h.ctx, "1001"))
			call := h.eng.Calls()[0]

			for _, st := range tt.steps {
				call.SetState(st)
				snap := h.snapshot()
				assert.Equal(t, snap.SessionState == engine.Established, snap.MediaAttached,
					"after %s state is %s", st, snap.SessionState)
			}
			plays, pauses := h.sink.counts()
			assert.Equal(t, plays, pauses)
		})
	}
}

func TestMediaResolutionFailureKeepsCall(t *testing.T) {
	h := newHarness(t, false)
	creds := testCreds
	creds.MediaSinkHandle = "missing"
	h.connectWith(creds)

	require.NoError(t, h.ctrl.Call(h.ctx, "1001"))
	call := h.eng.Calls()[0]
	call.SetState(engine.Established)

	snap := h.snapshot()
	assert.Equal(t, engine.Established, snap.SessionState)
	assert.False(t, snap.MediaAttached)
	assert.ErrorIs(t, snap.MediaError, callerr.ErrMediaResolutionFailure)
	assert.True(t, snap.HasLiveCall)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ctrl.metrics.mediaAttachFailures))
}

func TestDTMF(t *testing.T) {
	h := newHarness(t, false)
	h.connect()

	assert.ErrorIs(t, h.ctrl.DTMF(h.ctx, "5", 100), callerr.ErrInvalidStateOperation)

	require.NoError(t, h.ctrl.Call(h.ctx, "1001"))
	call := h.eng.Calls()[0]
	call.SetState(engine.Establishing)
	assert.ErrorIs(t, h.ctrl.DTMF(h.ctx, "5", 100), callerr.ErrInvalidStateOperation)

	call.SetState(engine.Established)
	require.NoError(t, h.ctrl.DTMF(h.ctx, "5", 100))
	assert.Equal(t, []string{"info:application/dtmf-relay:Signal=5\r\nDuration=100"}, call.Ops())
	assert.Equal(t, engine.Established, h.snapshot().SessionState)
}

func TestBlindTransfer(t *testing.T) {
	h := newHarness(t, false)
	call := h.establishedOutbound()

	require.NoError(t, h.ctrl.Transfer(h.ctx, "3003", Blind))
	assert.Equal(t, []string{"refer:sip:3003@pbx.local"}, call.Ops())
	assert.Len(t, h.eng.Calls(), 1)
}

func TestAttendedTransfer(t *testing.T) {
	h := newHarness(t, false)
	call := h.establishedOutbound()

	require.NoError(t, h.ctrl.Transfer(h.ctx, "3003", Attended))

	calls := h.eng.Calls()
	require.Len(t, calls, 2)
	consult := calls[1]
	assert.Equal(t, []string{"start", "register", "invite:1001", "invite:3003"}, h.eng.Ops())
	assert.Empty(t, call.Ops(), "refer waits for the consultation call")
	assert.True(t, h.snapshot().TransferPending)

	consult.SetState(engine.Establishing)
	assert.Empty(t, call.Ops())

	consult.SetState(engine.Established)
	snap := h.snapshot()
	assert.Equal(t, []string{"refer-replace:" + consult.ID()}, call.Ops())
	assert.Empty(t, consult.Ops())
	assert.False(t, snap.TransferPending)
	assert.Equal(t, "1001", snap.ExternalNumber)
	assert.Equal(t, engine.Established, snap.SessionState)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ctrl.metrics.transfers.WithLabelValues("ATTENDED", transferReferred)))
}

func TestAttendedTransferReferFailureEndsConsultation(t *testing.T) {
	h := newHarness(t, false)
	call := h.establishedOutbound()

	require.NoError(t, h.ctrl.Transfer(h.ctx, "3003", Attended))
	consult := h.eng.Calls()[1]

	call.Err = errors.New("403 forbidden")
	consult.SetState(engine.Established)

	snap := h.snapshot()
	assert.Equal(t, []string{"bye"}, consult.Ops())
	assert.False(t, snap.TransferPending)
	assert.Equal(t, engine.Established, snap.SessionState, "original call survives a failed refer")
}

func TestAttendedTransferOriginalEndsFirst(t *testing.T) {
	h := newHarness(t, false)
	call := h.establishedOutbound()

	require.NoError(t, h.ctrl.Transfer(h.ctx, "3003", Attended))
	consult := h.eng.Calls()[1]
	consult.SetState(engine.Establishing)

	call.SetState(engine.Terminated)
	snap := h.snapshot()
	assert.Equal(t, []string{"cancel"}, consult.Ops())
	assert.False(t, snap.TransferPending)

	consult.SetState(engine.Established)
	h.snapshot()
	assert.Empty(t, call.Ops(), "late consultation answer does not refer")
}

func TestAttendedTransferConsultationRejected(t *testing.T) {
	h := newHarness(t, false)
	call := h.establishedOutbound()

	require.NoError(t, h.ctrl.Transfer(h.ctx, "3003", Attended))
	assert.ErrorIs(t, h.ctrl.Transfer(h.ctx, "4004", Attended), callerr.ErrInvalidStateOperation)

	h.eng.Calls()[1].SetState(engine.Terminated)
	assert.False(t, h.snapshot().TransferPending)
	assert.Empty(t, call.Ops())

	require.NoError(t, h.ctrl.Transfer(h.ctx, "4004", Attended))
	assert.Len(t, h.eng.Calls(), 3)
}

func TestHangupCrossedByAnswerSendsBye(t *testing.T) {
	h := newHarness(t, false)
	h.connect()
	require.NoError(t, h.ctrl.Call(h.ctx, "1001"))
	call := h.eng.Calls()[0]
	call.SetState(engine.Establishing)

	require.NoError(t, h.ctrl.Hangup(h.ctx))
	call.SetState(engine.Established)

	snap := h.snapshot()
	assert.Equal(t, []string{"cancel", "bye"}, call.Ops())
	assert.Equal(t, engine.Terminating, snap.SessionState)
	assert.False(t, snap.MediaAttached)

	call.SetState(engine.Terminated)
	snap = h.snapshot()
	assert.Equal(t, engine.Terminated, snap.SessionState)
	assert.False(t, snap.HasLiveCall)

	incoming := h.eng.Incoming("2002")
	snap = h.snapshot()
	assert.Empty(t, incoming.Ops(), "phone is free for the next call")
	assert.True(t, snap.IsReceivedCall)
}

func TestHangupCrossedByAnswerByeFailure(t *testing.T) {
	h := newHarness(t, false)
	h.connect()
	require.NoError(t, h.ctrl.Call(h.ctx, "1001"))
	call := h.eng.Calls()[0]
	call.SetState(engine.Establishing)
	require.NoError(t, h.ctrl.Hangup(h.ctx))

	call.Err = errors.New("transport closed")
	call.SetState(engine.Established)

	snap := h.snapshot()
	assert.Equal(t, engine.Terminated, snap.SessionState)
	require.NoError(t, h.ctrl.Call(h.ctx, "1002"))
}

func TestReconnectStopsPreviousEngine(t *testing.T) {
	h := newHarness(t, false)
	h.connect()
	h.connect()

	assert.Equal(t, []string{"start", "register", "stop", "start", "register"}, h.eng.Ops())
	assert.Equal(t, registration.Registered, h.snapshot().RegistrationStatus)
}

func TestMediaPlayFailureReleasesSink(t *testing.T) {
	h := newHarness(t, false)
	h.sink.failPlay(errors.New("device busy"))
	call := h.establishedOutbound(enginetest.NewTrack("audio-0"))

	snap := h.snapshot()
	assert.False(t, snap.MediaAttached)
	assert.ErrorIs(t, snap.MediaError, callerr.ErrMediaResolutionFailure)
	assert.False(t, h.ctrl.bridge.Attached("remoteAudio"))
	streams, clears := h.sink.streamCounts()
	assert.Equal(t, 1, streams)
	assert.Equal(t, 1, clears, "failed play unbinds the stream")

	call.SetState(engine.Terminated)
	h.snapshot()
	_, clears = h.sink.streamCounts()
	assert.Equal(t, 1, clears)
}

func TestTransferValidation(t *testing.T) {
	h := newHarness(t, false)
	h.connect()
	assert.ErrorIs(t, h.ctrl.Transfer(h.ctx, "3003", Blind), callerr.ErrInvalidStateOperation)

	require.NoError(t, h.ctrl.Call(h.ctx, "1001"))
	assert.ErrorIs(t, h.ctrl.Transfer(h.ctx, "3003", Blind), callerr.ErrInvalidStateOperation)

	h.eng.Calls()[0].SetState(engine.Established)
	assert.ErrorIs(t, h.ctrl.Transfer(h.ctx, "", Blind), callerr.ErrInvalidArgument)
	assert.ErrorIs(t, h.ctrl.Transfer(h.ctx, "3003", TransferMode("PARK")), callerr.ErrInvalidArgument)
}

func TestUnregisterEndsLiveCall(t *testing.T) {
	h := newHarness(t, false)
	call := h.establishedOutbound()

	require.NoError(t, h.ctrl.Unregister(h.ctx))
	snap := h.snapshot()
	assert.Equal(t, registration.Disconnected, snap.RegistrationStatus)
	assert.Equal(t, engine.Terminated, snap.SessionState)
	assert.False(t, snap.HasLiveCall)
	assert.False(t, snap.MediaAttached)
	assert.Equal(t, []string{"bye"}, call.Ops())
}

func TestControlMicLocal(t *testing.T) {
	h := newHarness(t, false)
	assert.False(t, h.ctrl.ControlMicLocal(h.ctx, false))

	track := enginetest.NewTrack("audio-0")
	h.establishedOutbound(track)

	assert.True(t, h.ctrl.ControlMicLocal(h.ctx, false))
	assert.False(t, track.Enabled())
	assert.True(t, h.ctrl.ControlMicLocal(h.ctx, true))
	assert.True(t, track.Enabled())
}

func TestDeferredOperations(t *testing.T) {
	h := newHarness(t, false)
	for name, op := range map[string]func(context.Context) error{
		"hold":        h.ctrl.Hold,
		"unhold":      h.ctrl.Unhold,
		"mute":        h.ctrl.Mute,
		"unmute":      h.ctrl.Unmute,
		"renegotiate": h.ctrl.Renegotiate,
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, op(h.ctx), callerr.ErrNotImplemented)
		})
	}
}

func TestShutdownEndsCallAndStopsLoop(t *testing.T) {
	h := newHarness(t, false)
	call := h.establishedOutbound()

	require.NoError(t, h.ctrl.Shutdown(h.ctx))
	assert.Equal(t, []string{"bye"}, call.Ops())
	assert.Contains(t, h.eng.Ops(), "stop")

	_, err := h.ctrl.Snapshot(h.ctx)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestTransferTarget(t *testing.T) {
	tests := []struct {
		dest, host, want string
	}{
		{"3003", "pbx.local", "sip:3003@pbx.local"},
		{"3003", "pbx.local:5061", "sip:3003@pbx.local:5061"},
		{"sip:3003@other.local", "pbx.local", "sip:3003@other.local"},
		{"3003@other.local", "pbx.local", "sip:3003@other.local"},
		{"3003", "", "sip:3003"},
	}
	for _, tt := range tests {
		t.Run(tt.dest+"@"+tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, TransferTarget(tt.dest, tt.host))
		})
	}
}
