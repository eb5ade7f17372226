package media

import (
	"io"
	"log/slog"
	"sync"

	"github.com/zaf/g711"

	"github.com/arzzra/siphook/pkg/engine"
	"github.com/arzzra/siphook/pkg/mediabridge"
)

var _ mediabridge.Sink = (*PCMSink)(nil)

// PCMSink приемник, декодирующий G.711 из дорожек потока в 16-bit
// little-endian PCM и пишущий его в io.Writer.
type PCMSink struct {
	out    io.Writer
	logger *slog.Logger

	mu      sync.Mutex
	stream  *mediabridge.Stream
	playing bool
	// gen поколение воспроизведения, читатели старого поколения выходят
	gen     uint64
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewPCMSink создает приемник, пишущий PCM в out.
func NewPCMSink(out io.Writer, logger *slog.Logger) *PCMSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PCMSink{out: out, logger: logger.With("component", "pcm_sink")}
}

func (s *PCMSink) SetStream(stream *mediabridge.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = stream
}

// Stream текущий поток приемника
func (s *PCMSink) Stream() *mediabridge.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Playing сообщает, идет ли воспроизведение.
func (s *PCMSink) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Play запускает по одному читателю на каждую дорожку потока.
func (s *PCMSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing {
		return nil
	}
	s.playing = true
	s.gen++
	gen := s.gen
	for _, track := range s.stream.Tracks() {
		s.wg.Add(1)
		go s.readTrack(gen, track)
	}
	s.logger.Debug("playback started", slog.Int("tracks", s.stream.Len()))
	return nil
}

// Pause останавливает воспроизведение. Читатели завершаются
// на следующем пакете или при закрытии дорожки.
func (s *PCMSink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return
	}
	s.playing = false
	s.gen++
	s.logger.Debug("playback paused")
}

// Wait ждет завершения всех читателей.
func (s *PCMSink) Wait() {
	s.wg.Wait()
}

func (s *PCMSink) active(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing && s.gen == gen
}

func (s *PCMSink) readTrack(gen uint64, track engine.Track) {
	defer s.wg.Done()
	for {
		packet, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF && err != ErrTrackClosed {
				s.logger.Warn("track read failed", slog.String("track", track.ID()), slog.Any("error", err))
			}
			return
		}
		if !s.active(gen) {
			return
		}
		pcm, ok := DecodePayload(packet.PayloadType, packet.Payload)
		if !ok {
			continue
		}
		s.writeMu.Lock()
		_, err = s.out.Write(pcm)
		s.writeMu.Unlock()
		if err != nil {
			s.logger.Warn("pcm write failed", slog.Any("error", err))
			return
		}
	}
}

// DecodePayload декодирует G.711 payload в PCM.
// Для других payload types возвращает false.
func DecodePayload(payloadType uint8, payload []byte) ([]byte, bool) {
	switch payloadType {
	case PayloadTypePCMU:
		return g711.DecodeUlaw(payload), true
	case PayloadTypePCMA:
		return g711.DecodeAlaw(payload), true
	default:
		return nil, false
	}
}
