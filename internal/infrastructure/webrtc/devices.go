package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/optimize"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const screenStreamPrefix = "screen-"

var (
	opusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// IngestConfig names the UDP addresses that external encoders push RTP to.
// The microphone sends Opus, the camera and screen send VP8.
type IngestConfig struct {
	AudioAddr         string
	VideoAddr         string
	ScreenAddr        string
	ScreenIdleTimeout time.Duration
}

// RTPDevices opens capture sources as UDP RTP listeners.
type RTPDevices struct {
	config IngestConfig
	logger *zap.SugaredLogger
}

func NewRTPDevices(cfg IngestConfig, logger *zap.SugaredLogger) *RTPDevices {
	if cfg.ScreenIdleTimeout <= 0 {
		cfg.ScreenIdleTimeout = 5 * time.Second
	}
	return &RTPDevices{config: cfg, logger: logger}
}

func (d *RTPDevices) Acquire(ctx context.Context, constraints domain.MediaConstraints) (ports.MediaHandle, error) {
	streamID := "meshcall-" + uuid.NewString()[:8]

	h := &MediaHandle{
		config: d.config,
		tracks: make(map[domain.TrackKind]*RTPTrack),
		logger: d.logger,
	}

	if constraints.Audio {
		if err := h.open(domain.TrackAudio, d.config.AudioAddr, opusCapability, streamID); err != nil {
			h.Stop()
			return nil, fmt.Errorf("%w: microphone: %v", domain.ErrDeviceUnavailable, err)
		}
	}
	if constraints.Video {
		if err := h.open(domain.TrackVideo, d.config.VideoAddr, vp8Capability, streamID); err != nil {
			h.Stop()
			return nil, fmt.Errorf("%w: camera: %v", domain.ErrDeviceUnavailable, err)
		}
	}

	// The screen slot is published from the start and fed only while sharing.
	screen, err := newRTPTrack(domain.TrackScreen, vp8Capability, screenStreamPrefix+streamID, false)
	if err != nil {
		h.Stop()
		return nil, err
	}
	h.tracks[domain.TrackScreen] = screen

	return h, nil
}

// MediaHandle owns the tracks opened by one Acquire call.
type MediaHandle struct {
	config IngestConfig
	logger *zap.SugaredLogger

	mu      sync.Mutex
	tracks  map[domain.TrackKind]*RTPTrack
	stopped bool
}

func (h *MediaHandle) open(kind domain.TrackKind, addr string, capability webrtc.RTPCodecCapability, streamID string) error {
	if addr == "" {
		return errors.New("no ingest address configured")
	}
	track, err := newRTPTrack(kind, capability, streamID, true)
	if err != nil {
		return err
	}
	source, err := listenIngest(addr)
	if err != nil {
		return err
	}
	track.attach(source)
	go source.run(track, 0)

	h.logger.Infow("listening for rtp", "kind", kind, "address", source.Addr().String())
	h.tracks[kind] = track
	return nil
}

func (h *MediaHandle) Tracks() []ports.MediaTrack {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []ports.MediaTrack
	for _, kind := range []domain.TrackKind{domain.TrackAudio, domain.TrackVideo, domain.TrackScreen} {
		if t, ok := h.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (h *MediaHandle) Track(kind domain.TrackKind) (ports.MediaTrack, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tracks[kind]
	return t, ok
}

// IngestAddr returns the bound address of a track's RTP listener.
func (h *MediaHandle) IngestAddr(kind domain.TrackKind) (net.Addr, bool) {
	h.mu.Lock()
	t, ok := h.tracks[kind]
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	return t.ingestAddr()
}

func (h *MediaHandle) StartScreen(ctx context.Context) (ports.ScreenCapture, error) {
	h.mu.Lock()
	track, ok := h.tracks[domain.TrackScreen]
	stopped := h.stopped
	h.mu.Unlock()

	if stopped || !ok {
		return nil, fmt.Errorf("%w: screen: media released", domain.ErrDeviceUnavailable)
	}
	if h.config.ScreenAddr == "" {
		return nil, fmt.Errorf("%w: screen: no ingest address configured", domain.ErrDeviceUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	source, err := listenIngest(h.config.ScreenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: screen: %v", domain.ErrDeviceUnavailable, err)
	}
	track.attach(source)
	go source.run(track, h.config.ScreenIdleTimeout)

	h.logger.Infow("listening for screen rtp", "address", source.Addr().String())
	return &screenCapture{source: source}, nil
}

func (h *MediaHandle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	tracks := make([]*RTPTrack, 0, len(h.tracks))
	for _, t := range h.tracks {
		tracks = append(tracks, t)
	}
	h.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}

// RTPTrack is a local track fed by an RTP ingest. Packets arriving while the
// track is disabled are dropped, which mutes every peer at once.
type RTPTrack struct {
	kind  domain.TrackKind
	local *webrtc.TrackLocalStaticRTP

	enabled   atomic.Bool
	forwarded atomic.Uint64
	dropped   atomic.Uint64

	mu      sync.Mutex
	source  *ingest
	stopped bool
}

func newRTPTrack(kind domain.TrackKind, capability webrtc.RTPCodecCapability, streamID string, enabled bool) (*RTPTrack, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(capability, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}
	t := &RTPTrack{kind: kind, local: local}
	t.enabled.Store(enabled)
	return t, nil
}

func (t *RTPTrack) ID() string              { return t.local.ID() }
func (t *RTPTrack) Kind() domain.TrackKind  { return t.kind }
func (t *RTPTrack) Enabled() bool           { return t.enabled.Load() }
func (t *RTPTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// TrackLocal exposes the pion track for publishing on a peer connection.
func (t *RTPTrack) TrackLocal() webrtc.TrackLocal { return t.local }

// Stats returns forwarded and dropped packet counts.
func (t *RTPTrack) Stats() (forwarded, dropped uint64) {
	return t.forwarded.Load(), t.dropped.Load()
}

func (t *RTPTrack) Stop() {
	t.mu.Lock()
	source := t.source
	t.source = nil
	t.stopped = true
	t.mu.Unlock()

	t.enabled.Store(false)
	if source != nil {
		source.Close()
	}
}

func (t *RTPTrack) attach(source *ingest) {
	t.mu.Lock()
	previous := t.source
	if t.stopped {
		t.mu.Unlock()
		source.Close()
		return
	}
	t.source = source
	t.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
}

func (t *RTPTrack) ingestAddr() (net.Addr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.source == nil {
		return nil, false
	}
	return t.source.Addr(), true
}

func (t *RTPTrack) write(packet []byte) {
	if !t.enabled.Load() {
		t.dropped.Add(1)
		return
	}
	// Write only fails when a bound peer connection has gone away.
	_, _ = t.local.Write(packet)
	t.forwarded.Add(1)
}

// ingest reads RTP datagrams from one UDP socket.
type ingest struct {
	conn net.PacketConn
	done chan struct{}
	once sync.Once
}

func listenIngest(addr string) (*ingest, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &ingest{conn: conn, done: make(chan struct{})}, nil
}

func (i *ingest) Addr() net.Addr { return i.conn.LocalAddr() }

// run feeds track until the socket closes. A positive idle timeout ends the
// ingest once the sender goes quiet.
func (i *ingest) run(track *RTPTrack, idle time.Duration) {
	defer i.Close()

	buf := make([]byte, optimize.MTU)
	for {
		if idle > 0 {
			_ = i.conn.SetReadDeadline(time.Now().Add(idle))
		}
		n, _, err := i.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		track.write(buf[:n])
	}
}

func (i *ingest) Close() {
	i.once.Do(func() {
		_ = i.conn.Close()
		close(i.done)
	})
}

type screenCapture struct {
	source *ingest
}

func (c *screenCapture) Ended() <-chan struct{} { return c.source.done }
func (c *screenCapture) Stop()                  { c.source.Close() }
