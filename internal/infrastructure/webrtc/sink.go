package webrtc

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"meshcall/internal/core/domain"
	"meshcall/pkg/optimize"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// RTPSink forwards received remote media to a local UDP consumer such as a
// player or recorder. Packets from every remote keep their own SSRC.
type RTPSink struct {
	conn    net.Conn
	buffers *optimize.BytePool
	logger  *zap.SugaredLogger

	written atomic.Uint64
	failed  atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewRTPSink dials addr. An empty addr returns nil, which discards media.
func NewRTPSink(addr string, logger *zap.SugaredLogger) (*RTPSink, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial remote sink %s: %w", addr, err)
	}
	return &RTPSink{conn: conn, buffers: optimize.NewBytePool(optimize.MTU), logger: logger}, nil
}

func (s *RTPSink) Write(remoteID domain.UserID, kind domain.TrackKind, pkt *rtp.Packet) {
	if s == nil {
		return
	}
	buf := s.buffers.Get()
	defer s.buffers.Put(buf)

	n, err := pkt.MarshalTo(*buf)
	if err != nil {
		s.failed.Add(1)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := s.conn.Write((*buf)[:n]); err != nil {
		if s.failed.Add(1) == 1 {
			s.logger.Warnw("remote sink write failed", "remote_id", remoteID, "kind", kind, "error", err)
		}
		return
	}
	s.written.Add(1)
}

// Stats returns written and failed packet counts.
func (s *RTPSink) Stats() (written, failed uint64) {
	if s == nil {
		return 0, 0
	}
	return s.written.Load(), s.failed.Load()
}

func (s *RTPSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
