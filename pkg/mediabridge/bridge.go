// Package mediabridge подключает согласованный звук вызова к приемнику
// воспроизведения и отключает его при выходе вызова из ESTABLISHED.
package mediabridge

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/arzzra/siphook/pkg/callerr"
	"github.com/arzzra/siphook/pkg/engine"
)

// Sink приемник воспроизведения.
type Sink interface {
	// SetStream заменяет текущий поток. nil очищает ссылку.
	SetStream(stream *Stream)
	Play() error
	Pause()
}

// SinkResolver находит приемник по внешнему идентификатору.
type SinkResolver interface {
	Resolve(handle string) (Sink, error)
}

// SinkResolverFunc адаптер функции к SinkResolver.
type SinkResolverFunc func(handle string) (Sink, error)

func (f SinkResolverFunc) Resolve(handle string) (Sink, error) {
	return f(handle)
}

// Stream набор входящих дорожек, собранных при подключении.
type Stream struct {
	tracks []engine.Track
}

// NewStream собирает поток из дорожек. Пустой поток допустим.
func NewStream(tracks ...engine.Track) *Stream {
	return &Stream{tracks: append([]engine.Track(nil), tracks...)}
}

func (s *Stream) Tracks() []engine.Track {
	if s == nil {
		return nil
	}
	return s.tracks
}

func (s *Stream) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tracks)
}

// Bridge связывает медиа каналы вызовов с приемниками.
type Bridge struct {
	resolver SinkResolver
	logger   *slog.Logger

	mu       sync.Mutex
	attached map[string]Sink
}

// New создает мост с резолвером приемников.
func New(resolver SinkResolver, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		resolver: resolver,
		logger:   logger.With("component", "mediabridge"),
		attached: make(map[string]Sink),
	}
}

// Attach находит приемник handle, собирает все входящие audio дорожки
// вызова в новый поток и запускает воспроизведение.
// Вызов без медиа канала дает пустой поток.
func (b *Bridge) Attach(call engine.Call, handle string) error {
	if b.resolver == nil {
		return callerr.New(callerr.CodeMediaResolutionFailure, "attach", "no sink resolver configured")
	}
	sink, err := b.resolver.Resolve(handle)
	if err != nil || sink == nil {
		e := callerr.Newf(callerr.CodeMediaResolutionFailure, "attach", "sink %q cannot be resolved", handle)
		if err != nil {
			e = e.WithCause(err)
		}
		b.logger.Error("attach failed", slog.String("sink", handle), slog.Any("error", e))
		return e
	}

	var tracks []engine.Track
	if call != nil {
		if ch, ok := call.Media(); ok && ch != nil {
			for _, t := range ch.InboundTracks() {
				if t.Kind() == "audio" {
					tracks = append(tracks, t)
				}
			}
		}
	}

	stream := NewStream(tracks...)
	sink.SetStream(stream)

	b.mu.Lock()
	b.attached[handle] = sink
	b.mu.Unlock()

	if err := sink.Play(); err != nil {
		b.mu.Lock()
		delete(b.attached, handle)
		b.mu.Unlock()
		sink.SetStream(nil)
		b.logger.Warn("sink play failed", slog.String("sink", handle), slog.Any("error", err))
		return callerr.New(callerr.CodeMediaResolutionFailure, "attach", fmt.Sprintf("sink %q play failed", handle)).WithCause(err)
	}

	b.logger.Debug("media attached",
		slog.String("sink", handle),
		slog.Int("tracks", stream.Len()))
	return nil
}

// Detach очищает поток приемника и останавливает воспроизведение.
// Повторный вызов ничего не делает.
func (b *Bridge) Detach(handle string) {
	b.mu.Lock()
	sink, ok := b.attached[handle]
	delete(b.attached, handle)
	b.mu.Unlock()
	if !ok {
		return
	}
	sink.SetStream(nil)
	sink.Pause()
	b.logger.Debug("media detached", slog.String("sink", handle))
}

// Attached сообщает, подключен ли поток к приемнику handle.
func (b *Bridge) Attached(handle string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.attached[handle]
	return ok
}
