// Package enginetest содержит управляемую из тестов реализацию engine.Engine.
package enginetest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pion/rtp"

	"github.com/arzzra/siphook/pkg/engine"
)

var (
	_ engine.Engine       = (*Engine)(nil)
	_ engine.Call         = (*Call)(nil)
	_ engine.MediaChannel = (*Media)(nil)
	_ engine.Track        = (*Track)(nil)
)

// Engine фейковый движок. Записывает операции и позволяет тесту
// генерировать уведомления.
type Engine struct {
	mu       sync.Mutex
	handlers engine.Handlers
	started  bool
	ops      []string
	calls    []*Call
	seq      int

	// Ошибки, которые вернут соответствующие операции
	StartErr      error
	RegisterErr   error
	UnregisterErr error
	InviteErr     error

	// AutoNotify включает уведомления OnConnect/OnRegister/OnUnregister
	// сразу после успешной операции
	AutoNotify bool
}

// New создает фейковый движок с автоматическими уведомлениями.
func New() *Engine {
	return &Engine{AutoNotify: true}
}

func (e *Engine) record(op string) {
	e.mu.Lock()
	e.ops = append(e.ops, op)
	e.mu.Unlock()
}

// Ops возвращает копию журнала операций движка.
func (e *Engine) Ops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

// Calls возвращает все вызовы, созданные движком.
func (e *Engine) Calls() []*Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Call(nil), e.calls...)
}

func (e *Engine) Start(_ context.Context, handlers engine.Handlers) error {
	e.record("start")
	if e.StartErr != nil {
		return e.StartErr
	}
	e.mu.Lock()
	e.handlers = handlers
	e.started = true
	auto := e.AutoNotify
	e.mu.Unlock()
	if auto {
		e.Connect()
	}
	return nil
}

func (e *Engine) Stop(context.Context) error {
	e.record("stop")
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
	return nil
}

func (e *Engine) Register(context.Context) error {
	e.record("register")
	if e.RegisterErr != nil {
		return e.RegisterErr
	}
	if e.auto() {
		e.Registered()
	}
	return nil
}

func (e *Engine) Unregister(context.Context) error {
	e.record("unregister")
	if e.UnregisterErr != nil {
		return e.UnregisterErr
	}
	if e.auto() {
		e.Unregistered()
	}
	return nil
}

func (e *Engine) Invite(_ context.Context, target string) (engine.Call, error) {
	e.record("invite:" + target)
	if e.InviteErr != nil {
		return nil, e.InviteErr
	}
	return e.newCall(target), nil
}

func (e *Engine) auto() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.AutoNotify
}

func (e *Engine) newCall(remote string) *Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	c := &Call{id: fmt.Sprintf("call-%d", e.seq), remote: remote, state: engine.Initial}
	e.calls = append(e.calls, c)
	return c
}

func (e *Engine) snapshot() engine.Handlers {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handlers
}

// Connect эмулирует уведомление о подключении транспорта.
func (e *Engine) Connect() {
	if h := e.snapshot(); h.OnConnect != nil {
		h.OnConnect()
	}
}

// Disconnect эмулирует потерю транспорта.
func (e *Engine) Disconnect(err error) {
	if h := e.snapshot(); h.OnDisconnect != nil {
		h.OnDisconnect(err)
	}
}

// Registered эмулирует успешную регистрацию.
func (e *Engine) Registered() {
	if h := e.snapshot(); h.OnRegister != nil {
		h.OnRegister()
	}
}

// Unregistered эмулирует завершение разрегистрации.
func (e *Engine) Unregistered() {
	if h := e.snapshot(); h.OnUnregister != nil {
		h.OnUnregister()
	}
}

// Incoming эмулирует входящий INVITE от remote.
func (e *Engine) Incoming(remote string) *Call {
	c := e.newCall(remote)
	if h := e.snapshot(); h.OnInvite != nil {
		h.OnInvite(c)
	}
	return c
}

// Call фейковый вызов.
type Call struct {
	mu       sync.Mutex
	id       string
	remote   string
	state    engine.State
	handlers []func(engine.State)
	ops      []string
	media    *Media

	// Ошибка, которую вернет любая сетевая операция вызова
	Err error
}

func (c *Call) ID() string             { return c.id }
func (c *Call) RemoteIdentity() string { return c.remote }

func (c *Call) State() engine.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) OnStateChange(handler func(engine.State)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
}

// SetState переводит вызов в state и уведомляет подписчиков.
func (c *Call) SetState(state engine.State) {
	c.mu.Lock()
	c.state = state
	handlers := append([]func(engine.State){}, c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(state)
	}
}

// SetMedia подключает согласованный медиа канал с дорожками tracks.
func (c *Call) SetMedia(tracks ...*Track) *Media {
	m := &Media{tracks: tracks}
	c.mu.Lock()
	c.media = m
	c.mu.Unlock()
	return m
}

func (c *Call) Media() (engine.MediaChannel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.media == nil {
		return nil, false
	}
	return c.media, true
}

// Ops возвращает журнал операций вызова.
func (c *Call) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *Call) record(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
	return c.Err
}

func (c *Call) Accept(context.Context) error { return c.record("accept") }
func (c *Call) Cancel(context.Context) error { return c.record("cancel") }
func (c *Call) Bye(context.Context) error    { return c.record("bye") }

func (c *Call) Reject(_ context.Context, code int) error {
	return c.record(fmt.Sprintf("reject:%d", code))
}

func (c *Call) Refer(_ context.Context, target string) error {
	return c.record("refer:" + target)
}

// ReferReplace требует установленного replacement, как и настоящий движок:
// без tag удаленной стороны заголовок Replaces не построить.
func (c *Call) ReferReplace(_ context.Context, replacement engine.Call) error {
	if st := replacement.State(); st != engine.Established {
		return fmt.Errorf("replacement call %s is %s, not established", replacement.ID(), st)
	}
	return c.record("refer-replace:" + replacement.ID())
}

func (c *Call) SendInfo(_ context.Context, contentType string, body []byte) error {
	return c.record("info:" + contentType + ":" + string(body))
}

// Media фейковый медиа канал.
type Media struct {
	tracks []*Track
}

func (m *Media) InboundTracks() []engine.Track {
	out := make([]engine.Track, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

// Track фейковая дорожка. Пакеты подаются через Push.
type Track struct {
	id      string
	mu      sync.Mutex
	enabled bool
	packets chan *rtp.Packet
	once    sync.Once
}

// NewTrack создает включенную дорожку.
func NewTrack(id string) *Track {
	return &Track{id: id, enabled: true, packets: make(chan *rtp.Packet, 16)}
}

func (t *Track) ID() string   { return t.id }
func (t *Track) Kind() string { return "audio" }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// Push ставит пакет в очередь чтения.
func (t *Track) Push(p *rtp.Packet) {
	t.packets <- p
}

// Close завершает дорожку, ReadRTP вернет io.EOF.
func (t *Track) Close() {
	t.once.Do(func() { close(t.packets) })
}

func (t *Track) ReadRTP() (*rtp.Packet, error) {
	p, ok := <-t.packets
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}
