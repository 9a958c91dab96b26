package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"go.uber.org/zap"
)

var sdpSeq atomic.Int64

func fakeSDP(label string) string {
	return fmt.Sprintf("v=0\r\no=- %d 1 IN IP4 127.0.0.1\r\ns=%s\r\nt=0 0\r\n", sdpSeq.Add(1), label)
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type fakeTransport struct {
	remote domain.UserID
	events ports.TransportEvents
	tracks []ports.MediaTrack

	mu           sync.Mutex
	local        *domain.SessionDescription
	remoteDesc   *domain.SessionDescription
	candidates   []domain.ICECandidate
	offers       int
	answers      int
	closed       bool
	setRemoteErr error
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.SessionDescription{}, fmt.Errorf("transport closed")
	}
	t.offers++
	desc := domain.SessionDescription{Type: "offer", SDP: fakeSDP("offer")}
	t.local = &desc
	return desc, nil
}

func (t *fakeTransport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.SessionDescription{}, fmt.Errorf("transport closed")
	}
	if t.remoteDesc == nil {
		return domain.SessionDescription{}, fmt.Errorf("no remote offer")
	}
	t.answers++
	desc := domain.SessionDescription{Type: "answer", SDP: fakeSDP("answer")}
	t.local = &desc
	return desc, nil
}

func (t *fakeTransport) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.setRemoteErr != nil {
		return t.setRemoteErr
	}
	t.remoteDesc = &desc
	return nil
}

func (t *fakeTransport) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteDesc == nil {
		return fmt.Errorf("remote description not set")
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	// Real transports report the closed state synchronously from Close.
	t.events.OnStateChange(domain.TransportClosed)
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) appliedCandidates() []domain.ICECandidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.ICECandidate(nil), t.candidates...)
}

func (t *fakeTransport) remoteDescription() *domain.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteDesc
}

func (t *fakeTransport) counts() (offers, answers int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offers, t.answers
}

type fakeTransportFactory struct {
	mu         sync.Mutex
	transports map[domain.UserID][]*fakeTransport
	err        error
}

func newFakeTransportFactory() *fakeTransportFactory {
	return &fakeTransportFactory{transports: make(map[domain.UserID][]*fakeTransport)}
}

func (f *fakeTransportFactory) NewTransport(remoteID domain.UserID, tracks []ports.MediaTrack, events ports.TransportEvents) (ports.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{remote: remoteID, events: events, tracks: tracks}
	f.transports[remoteID] = append(f.transports[remoteID], t)
	return t, nil
}

func (f *fakeTransportFactory) latest(remoteID domain.UserID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.transports[remoteID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *fakeTransportFactory) nth(remoteID domain.UserID, i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[remoteID][i]
}

func (f *fakeTransportFactory) count(remoteID domain.UserID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports[remoteID])
}

// recordingRelay stores published messages and optionally forwards them.
type recordingRelay struct {
	mu        sync.Mutex
	published []*domain.SignalingMessage
	forward   func(*domain.SignalingMessage)
}

func (r *recordingRelay) Publish(ctx context.Context, msg *domain.SignalingMessage) error {
	r.mu.Lock()
	r.published = append(r.published, msg)
	forward := r.forward
	r.mu.Unlock()
	if forward != nil {
		go forward(msg)
	}
	return nil
}

func (r *recordingRelay) Subscribe(ctx context.Context, roomID domain.RoomID, selfID domain.UserID, onMessage func(*domain.SignalingMessage)) (ports.Subscription, error) {
	return noopSubscription{}, nil
}

func (r *recordingRelay) messages(kind domain.SignalKind, to domain.UserID) []*domain.SignalingMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SignalingMessage
	for _, m := range r.published {
		if m.Kind == kind && m.To == to {
			out = append(out, m)
		}
	}
	return out
}

func (r *recordingRelay) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() error { return nil }

type staticTracks struct {
	tracks []ports.MediaTrack
}

func (s staticTracks) Tracks() []ports.MediaTrack { return s.tracks }

// recordingMetrics counts discards and failures by reason.
type recordingMetrics struct {
	ports.NoopMetrics

	mu        sync.Mutex
	discarded map[string]int
	failures  map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{discarded: make(map[string]int), failures: make(map[string]int)}
}

func (m *recordingMetrics) RecordSignalDiscarded(kind domain.SignalKind, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded[string(kind)+":"+reason]++
}

func (m *recordingMetrics) RecordLinkFailure(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[reason]++
}

func (m *recordingMetrics) discards(kind domain.SignalKind, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discarded[string(kind)+":"+reason]
}

func (m *recordingMetrics) failureCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[reason]
}

type fakeTrack struct {
	id      string
	kind    domain.TrackKind
	enabled atomic.Bool
	stopped atomic.Bool
}

func newFakeTrack(kind domain.TrackKind, enabled bool) *fakeTrack {
	t := &fakeTrack{id: string(kind) + "-track", kind: kind}
	t.enabled.Store(enabled)
	return t
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind    { return t.kind }
func (t *fakeTrack) Enabled() bool             { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }
func (t *fakeTrack) Stop()                     { t.stopped.Store(true) }

type fakeScreen struct {
	ended chan struct{}
	once  sync.Once
}

func (s *fakeScreen) Ended() <-chan struct{} { return s.ended }
func (s *fakeScreen) Stop()                  { s.once.Do(func() { close(s.ended) }) }

type fakeHandle struct {
	tracks  map[domain.TrackKind]*fakeTrack
	stopped atomic.Bool

	mu      sync.Mutex
	screens []*fakeScreen
}

func (h *fakeHandle) Tracks() []ports.MediaTrack {
	var out []ports.MediaTrack
	for _, kind := range []domain.TrackKind{domain.TrackAudio, domain.TrackVideo, domain.TrackScreen} {
		if t, ok := h.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (h *fakeHandle) Track(kind domain.TrackKind) (ports.MediaTrack, bool) {
	t, ok := h.tracks[kind]
	return t, ok
}

func (h *fakeHandle) StartScreen(ctx context.Context) (ports.ScreenCapture, error) {
	s := &fakeScreen{ended: make(chan struct{})}
	h.mu.Lock()
	h.screens = append(h.screens, s)
	h.mu.Unlock()
	return s, nil
}

func (h *fakeHandle) Stop() {
	h.stopped.Store(true)
	for _, t := range h.tracks {
		t.Stop()
	}
}

func (h *fakeHandle) lastScreen() *fakeScreen {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.screens) == 0 {
		return nil
	}
	return h.screens[len(h.screens)-1]
}

// fakeDevices fails for any requested kind listed in unavailable.
type fakeDevices struct {
	unavailable map[domain.TrackKind]bool

	mu      sync.Mutex
	handles []*fakeHandle
}

func (d *fakeDevices) Acquire(ctx context.Context, c domain.MediaConstraints) (ports.MediaHandle, error) {
	if c.Audio && d.unavailable[domain.TrackAudio] {
		return nil, fmt.Errorf("%w: microphone", domain.ErrDeviceUnavailable)
	}
	if c.Video && d.unavailable[domain.TrackVideo] {
		return nil, fmt.Errorf("%w: camera", domain.ErrDeviceUnavailable)
	}

	h := &fakeHandle{tracks: map[domain.TrackKind]*fakeTrack{
		domain.TrackScreen: newFakeTrack(domain.TrackScreen, false),
	}}
	if c.Audio {
		h.tracks[domain.TrackAudio] = newFakeTrack(domain.TrackAudio, true)
	}
	if c.Video {
		h.tracks[domain.TrackVideo] = newFakeTrack(domain.TrackVideo, true)
	}

	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, nil
}

func (d *fakeDevices) last() *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
