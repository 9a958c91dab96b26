package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/relay"
	"meshcall/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callHarness struct {
	rooms  ports.RoomService
	roster ports.RosterStore
	hub    *relay.MemoryRelay
	room   *domain.Room
}

func newCallHarness(t *testing.T, requireApproval bool) *callHarness {
	t.Helper()
	roster := memory.NewMemoryRosterRepository()
	rooms := NewRoomService(memory.NewMemoryRoomRepository(), roster, testLogger())
	room, err := rooms.CreateRoom(context.Background(), "Standup", "host", requireApproval, 0)
	require.NoError(t, err)
	return &callHarness{rooms: rooms, roster: roster, hub: relay.NewMemoryRelay(), room: room}
}

type testSession struct {
	*CallSession
	factory *fakeTransportFactory
	devices *fakeDevices
	signals *countingRelay
}

// countingRelay counts the signaling messages one session publishes.
type countingRelay struct {
	ports.SignalRelay
	published atomic.Int64
}

func (r *countingRelay) Publish(ctx context.Context, msg *domain.SignalingMessage) error {
	r.published.Add(1)
	return r.SignalRelay.Publish(ctx, msg)
}

func (h *callHarness) session(t *testing.T, id domain.UserID, name string, devices *fakeDevices) *testSession {
	t.Helper()
	if devices == nil {
		devices = &fakeDevices{}
	}
	factory := newFakeTransportFactory()
	signals := &countingRelay{SignalRelay: h.hub}

	manager := DefaultPeerManagerConfig(h.room.ID, id)
	manager.SnapshotGracePeriod = time.Hour

	s := NewCallSession(CallSessionConfig{
		RoomID:      h.room.ID,
		SelfID:      id,
		DisplayName: name,
		Constraints: domain.MediaConstraints{Audio: true, Video: true},
		Manager:     manager,
		RosterRetry: fastRetry(),
		Chat:        DefaultChatConfig(),
	}, CallSessionDeps{
		Rooms:      h.rooms,
		Roster:     h.roster,
		Signals:    signals,
		Chat:       h.hub,
		Transports: factory,
		Devices:    devices,
	}, testLogger())
	t.Cleanup(func() { _ = s.Leave(context.Background()) })

	return &testSession{CallSession: s, factory: factory, devices: devices, signals: signals}
}

func (s *testSession) waitLink(t *testing.T, remoteID domain.UserID, state domain.LinkState) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, l := range s.Links() {
			if l.RemoteID == remoteID && l.State == state {
				return true
			}
		}
		return false
	}, waitFor, tick, "%s -> %s never reached %s", s.config.SelfID, remoteID, state)
}

func (s *testSession) waitStatus(t *testing.T, status CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.View().Snapshot().Status == status
	}, waitFor, tick, "%s never reached %s", s.config.SelfID, status)
}

func joinAsync(s *testSession) <-chan error {
	result := make(chan error, 1)
	go func() { result <- s.Join(context.Background()) }()
	return result
}

func awaitJoin(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(waitFor):
		t.Fatal("join did not return")
		return nil
	}
}

// connect drives both transports to connected once their links are negotiating.
func connect(t *testing.T, a, b *testSession) {
	t.Helper()
	aID, bID := a.config.SelfID, b.config.SelfID
	a.waitLink(t, bID, domain.LinkConnecting)
	b.waitLink(t, aID, domain.LinkConnecting)
	a.factory.latest(bID).events.OnStateChange(domain.TransportConnected)
	b.factory.latest(aID).events.OnStateChange(domain.TransportConnected)
	a.waitLink(t, bID, domain.LinkConnected)
	b.waitLink(t, aID, domain.LinkConnected)
}

func TestCallSession_HostApprovesGuest(t *testing.T) {
	h := newCallHarness(t, true)
	host := h.session(t, "host", "Host", nil)
	guest := h.session(t, "guest", "Guest", nil)

	require.NoError(t, host.Join(context.Background()))
	assert.Equal(t, CallConnected, host.View().Snapshot().Status)
	assert.True(t, host.LocalMedia().HasVideo)

	joined := joinAsync(guest)
	guest.waitStatus(t, CallWaiting)
	assert.Empty(t, guest.Links())

	_, err := h.rooms.Approve(context.Background(), "host", h.room.ID, "guest")
	require.NoError(t, err)
	require.NoError(t, awaitJoin(t, joined))

	connect(t, host, guest)

	hostLinks := host.Links()
	require.Len(t, hostLinks, 1)
	assert.True(t, hostLinks[0].Initiator)

	snap := host.View().Snapshot()
	require.Len(t, snap.Tiles, 1)
	assert.Equal(t, "Guest", snap.Tiles[0].DisplayName)
	assert.Equal(t, domain.LinkConnected, snap.Tiles[0].State)

	guestSnap := guest.View().Snapshot()
	require.Len(t, guestSnap.Tiles, 1)
	assert.Equal(t, "Host", guestSnap.Tiles[0].DisplayName)
}

func TestCallSession_GuestLeaveTearsDownHostLink(t *testing.T) {
	h := newCallHarness(t, false)
	host := h.session(t, "host", "Host", nil)
	guest := h.session(t, "guest", "Guest", nil)

	require.NoError(t, host.Join(context.Background()))
	require.NoError(t, guest.Join(context.Background()))
	connect(t, host, guest)

	guestTransport := guest.factory.latest("host")
	hostTransport := host.factory.latest("guest")
	handle := guest.devices.last()

	require.NoError(t, guest.Leave(context.Background()))

	select {
	case <-guest.Done():
	default:
		t.Fatal("done not closed after Leave")
	}
	assert.NoError(t, guest.Err())
	assert.True(t, guestTransport.isClosed())
	assert.True(t, handle.stopped.Load())
	assert.Empty(t, guest.Links())
	assert.Equal(t, CallDisconnected, guest.View().Snapshot().Status)

	_, err := h.roster.Get(context.Background(), h.room.ID, "guest")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)

	require.Eventually(t, func() bool {
		return len(host.Links()) == 0
	}, waitFor, tick)
	assert.True(t, hostTransport.isClosed())
	assert.Empty(t, host.View().Snapshot().Tiles)

	require.NoError(t, guest.Leave(context.Background()))
	_, err = guest.SendChat(context.Background(), "anyone?")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestCallSession_RejectedJoinFailsFast(t *testing.T) {
	h := newCallHarness(t, true)
	host := h.session(t, "host", "Host", nil)
	guest := h.session(t, "guest", "Guest", nil)

	require.NoError(t, host.Join(context.Background()))

	joined := joinAsync(guest)
	guest.waitStatus(t, CallWaiting)

	_, err := h.rooms.Reject(context.Background(), "host", h.room.ID, "guest")
	require.NoError(t, err)

	assert.ErrorIs(t, awaitJoin(t, joined), domain.ErrParticipantRejected)
	assert.ErrorIs(t, guest.Err(), domain.ErrParticipantRejected)
	assert.Equal(t, CallRejected, guest.View().Snapshot().Status)
	assert.Nil(t, guest.devices.last(), "rejected guests never open devices")

	row, err := h.roster.Get(context.Background(), h.room.ID, "guest")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, row.Status)

	retry := h.session(t, "guest", "Guest", nil)
	assert.ErrorIs(t, retry.Join(context.Background()), domain.ErrParticipantRejected)
	assert.Empty(t, host.Links())
}

func TestCallSession_RemovedWhileInCall(t *testing.T) {
	h := newCallHarness(t, false)
	host := h.session(t, "host", "Host", nil)
	guest := h.session(t, "guest", "Guest", nil)

	require.NoError(t, host.Join(context.Background()))
	require.NoError(t, guest.Join(context.Background()))
	host.waitLink(t, "guest", domain.LinkConnecting)

	require.NoError(t, h.roster.Remove(context.Background(), h.room.ID, "guest"))

	select {
	case <-guest.Done():
	case <-time.After(waitFor):
		t.Fatal("guest never left after removal")
	}
	assert.ErrorIs(t, guest.Err(), domain.ErrParticipantRejected)
	assert.Equal(t, CallRejected, guest.View().Snapshot().Status)
	assert.Empty(t, guest.Links())

	require.Eventually(t, func() bool {
		return len(host.Links()) == 0
	}, waitFor, tick)
}

func TestCallSession_LeaveWhileWaiting(t *testing.T) {
	h := newCallHarness(t, true)
	guest := h.session(t, "guest", "Guest", nil)

	joined := joinAsync(guest)
	guest.waitStatus(t, CallWaiting)

	require.NoError(t, guest.Leave(context.Background()))
	assert.Error(t, awaitJoin(t, joined))
	assert.Equal(t, CallDisconnected, guest.View().Snapshot().Status)

	_, err := h.roster.Get(context.Background(), h.room.ID, "guest")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestCallSession_MediaControls(t *testing.T) {
	h := newCallHarness(t, false)
	host := h.session(t, "host", "Host", nil)

	_, err := host.ToggleAudio()
	assert.ErrorIs(t, err, domain.ErrSessionClosed)

	require.NoError(t, host.Join(context.Background()))
	handle := host.devices.last()

	enabled, err := host.ToggleAudio()
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, handle.tracks[domain.TrackAudio].Enabled())

	enabled, err = host.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, enabled)

	enabled, err = host.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, host.StartScreenShare(context.Background()))
	assert.True(t, host.View().Snapshot().Local.ScreenActive)
	require.NoError(t, host.StopScreenShare())
	assert.False(t, host.LocalMedia().ScreenActive)

	require.NoError(t, host.SetMediaEnabled(domain.TrackVideo, true))
	assert.True(t, host.View().Snapshot().Local.VideoEnabled)
}

func TestCallSession_MediaControlsNeverRenegotiate(t *testing.T) {
	h := newCallHarness(t, false)
	host := h.session(t, "host", "Host", nil)
	guest := h.session(t, "guest", "Guest", nil)

	require.NoError(t, host.Join(context.Background()))
	require.NoError(t, guest.Join(context.Background()))
	connect(t, host, guest)

	hostSent := host.signals.published.Load()
	guestSent := guest.signals.published.Load()
	require.Positive(t, hostSent)
	require.Positive(t, guestSent)

	_, err := host.ToggleAudio()
	require.NoError(t, err)
	_, err = host.ToggleVideo()
	require.NoError(t, err)
	require.NoError(t, host.SetMediaEnabled(domain.TrackAudio, true))
	require.NoError(t, host.SetMediaEnabled(domain.TrackVideo, true))
	require.NoError(t, host.StartScreenShare(context.Background()))
	require.NoError(t, host.StopScreenShare())

	_, err = guest.ToggleVideo()
	require.NoError(t, err)
	require.NoError(t, guest.StartScreenShare(context.Background()))
	require.NoError(t, guest.StopScreenShare())

	assert.Never(t, func() bool {
		return host.signals.published.Load() != hostSent || guest.signals.published.Load() != guestSent
	}, 100*time.Millisecond, tick)

	host.waitLink(t, "guest", domain.LinkConnected)
	guest.waitLink(t, "host", domain.LinkConnected)
	assert.Equal(t, 1, host.factory.count("guest"))
	assert.Equal(t, 1, guest.factory.count("host"))
}

func TestCallSession_JoinWithDegradedMedia(t *testing.T) {
	h := newCallHarness(t, false)
	devices := &fakeDevices{unavailable: map[domain.TrackKind]bool{domain.TrackVideo: true}}
	host := h.session(t, "host", "Host", devices)

	require.NoError(t, host.Join(context.Background()))

	local := host.LocalMedia()
	assert.True(t, local.Degraded)
	assert.True(t, local.HasAudio)
	assert.False(t, local.HasVideo)
	assert.Equal(t, CallConnected, host.View().Snapshot().Status)
}

func TestCallSession_Chat(t *testing.T) {
	h := newCallHarness(t, false)
	host := h.session(t, "host", "Host", nil)
	guest := h.session(t, "guest", "Guest", nil)

	require.NoError(t, host.Join(context.Background()))
	require.NoError(t, guest.Join(context.Background()))

	msg, err := host.SendChat(context.Background(), "welcome")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		history := guest.ChatHistory()
		return len(history) == 1 && history[0].ID == msg.ID
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return len(guest.View().Snapshot().Chat) == 1
	}, waitFor, tick)
	assert.Equal(t, "Host", guest.ChatHistory()[0].SenderName)
}

func TestCallSession_JoinTwice(t *testing.T) {
	h := newCallHarness(t, false)
	host := h.session(t, "host", "Host", nil)

	require.NoError(t, host.Join(context.Background()))
	assert.Error(t, host.Join(context.Background()))
}
