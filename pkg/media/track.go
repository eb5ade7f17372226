// Package media содержит медиа примитивы softphone: входящую RTP дорожку
// поверх UDP, приемник, декодирующий G.711 в PCM, и реестр приемников.
package media

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// Ограничения размера пакета согласно RFC 3550 и MTU
const (
	MinRTPPacketSize = 12
	MaxRTPPacketSize = 1500

	rtpVersion = 2
)

// Payload types G.711 и DTMF
const (
	PayloadTypePCMU           uint8 = 0
	PayloadTypePCMA           uint8 = 8
	PayloadTypeTelephoneEvent uint8 = 101
)

// ErrTrackClosed возвращается чтением после закрытия дорожки
var ErrTrackClosed = errors.New("track closed")

// RTPTrack входящая audio дорожка, читающая RTP из PacketConn.
// Выключенная дорожка отбрасывает пакеты.
type RTPTrack struct {
	id   string
	conn net.PacketConn

	enabled atomic.Bool
	closed  atomic.Bool

	mu          sync.RWMutex
	remoteAddr  net.Addr
	stats       TrackStatistics
	expectedSeq uint16
}

// TrackStatistics статистика приема дорожки
type TrackStatistics struct {
	PacketsReceived uint64
	PacketsLost     uint64
	PacketsLate     uint64
	PacketsDropped  uint64
}

// NewRTPTrack создает включенную дорожку.
func NewRTPTrack(id string, conn net.PacketConn) *RTPTrack {
	t := &RTPTrack{id: id, conn: conn}
	t.enabled.Store(true)
	return t
}

// ListenRTPTrack открывает UDP сокет на addr и создает дорожку.
func ListenRTPTrack(id, addr string) (*RTPTrack, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen rtp %s: %w", addr, err)
	}
	return NewRTPTrack(id, conn), nil
}

func (t *RTPTrack) ID() string              { return t.id }
func (t *RTPTrack) Kind() string            { return "audio" }
func (t *RTPTrack) Enabled() bool           { return t.enabled.Load() }
func (t *RTPTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// LocalAddr адрес, на котором дорожка принимает RTP
func (t *RTPTrack) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// RemoteAddr адрес источника первого пакета, nil до первого пакета
func (t *RTPTrack) RemoteAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remoteAddr
}

// ReadRTP блокируется до следующего валидного пакета.
// Невалидные пакеты и пакеты выключенной дорожки пропускаются.
func (t *RTPTrack) ReadRTP() (*rtp.Packet, error) {
	buf := make([]byte, MaxRTPPacketSize)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if t.closed.Load() {
				return nil, ErrTrackClosed
			}
			return nil, fmt.Errorf("rtp read: %w", err)
		}

		packet, err := parseRTP(buf[:n])

		t.mu.Lock()
		if t.remoteAddr == nil {
			t.remoteAddr = addr
		}
		if err != nil || !t.Enabled() {
			t.stats.PacketsDropped++
			t.mu.Unlock()
			continue
		}
		t.account(packet.SequenceNumber)
		t.mu.Unlock()
		return packet, nil
	}
}

// Statistics возвращает копию статистики приема.
func (t *RTPTrack) Statistics() TrackStatistics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// account учитывает sequence number принятого пакета, вызывается под mu
func (t *RTPTrack) account(seq uint16) {
	if t.stats.PacketsReceived == 0 {
		t.expectedSeq = seq
	}
	t.stats.PacketsReceived++

	if seq != t.expectedSeq {
		if isSeqNewer(seq, t.expectedSeq) {
			t.stats.PacketsLost += uint64(seqDiff(seq, t.expectedSeq))
		} else {
			t.stats.PacketsLate++
			return
		}
	}
	t.expectedSeq = seq + 1
}

// Close закрывает сокет дорожки.
func (t *RTPTrack) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

func parseRTP(data []byte) (*rtp.Packet, error) {
	if len(data) < MinRTPPacketSize || len(data) > MaxRTPPacketSize {
		return nil, fmt.Errorf("invalid rtp packet size %d", len(data))
	}
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, err
	}
	if packet.Version != rtpVersion {
		return nil, fmt.Errorf("unsupported rtp version %d", packet.Version)
	}
	return packet, nil
}

// isSeqNewer проверяет, новее ли seq1 чем seq2 с учетом wrap-around
func isSeqNewer(seq1, seq2 uint16) bool {
	return ((seq1 > seq2) && (seq1-seq2 < 32768)) ||
		((seq1 < seq2) && (seq2-seq1 > 32768))
}

func seqDiff(newer, older uint16) uint16 {
	return newer - older
}
