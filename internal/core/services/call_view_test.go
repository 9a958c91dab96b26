package services

import (
	"fmt"
	"testing"

	"meshcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallView_TilesFollowLinks(t *testing.T) {
	view := NewCallView(testRoom, "me")

	view.SetDisplayName("bob", "Bob")
	view.LinkStateChanged("bob", domain.LinkIdle, nil)
	view.LinkStateChanged("alice", domain.LinkOffering, nil)
	view.RemoteTrackAdded("bob", domain.RemoteTrack{ID: "v1", Kind: domain.TrackVideo})
	view.RemoteTrackAdded("bob", domain.RemoteTrack{ID: "a1", Kind: domain.TrackAudio})

	snap := view.Snapshot()
	require.Len(t, snap.Tiles, 2)
	assert.Equal(t, domain.UserID("alice"), snap.Tiles[0].RemoteID)
	assert.Equal(t, domain.LinkOffering, snap.Tiles[0].State)

	bob := snap.Tiles[1]
	assert.Equal(t, "Bob", bob.DisplayName)
	require.Len(t, bob.Tracks, 2)
	assert.Equal(t, "a1", bob.Tracks[0].ID)

	view.RemoteTrackRemoved("bob", "v1")
	view.RemoteTrackRemoved("nobody", "v1")
	assert.Len(t, view.Snapshot().Tiles[1].Tracks, 1)

	view.LinkRemoved("bob")
	snap = view.Snapshot()
	require.Len(t, snap.Tiles, 1)
	assert.Equal(t, domain.UserID("alice"), snap.Tiles[0].RemoteID)
}

func TestCallView_ClosedLinkKeepsError(t *testing.T) {
	view := NewCallView(testRoom, "me")

	view.LinkStateChanged("bob", domain.LinkConnecting, nil)
	view.RemoteTrackAdded("bob", domain.RemoteTrack{ID: "v1"})
	view.LinkStateChanged("bob", domain.LinkClosed, fmt.Errorf("%w: ice failed", domain.ErrTransportFailure))

	tile := view.Snapshot().Tiles[0]
	assert.Equal(t, domain.LinkClosed, tile.State)
	assert.Empty(t, tile.Tracks)
	assert.Contains(t, tile.LastError, "transport failure")

	// A fresh link clears the stale error.
	view.LinkStateChanged("bob", domain.LinkIdle, nil)
	assert.Empty(t, view.Snapshot().Tiles[0].LastError)
}

func TestCallView_StatusClearsTiles(t *testing.T) {
	view := NewCallView(testRoom, "me")
	assert.Equal(t, CallIdle, view.Snapshot().Status)

	view.SetStatus(CallConnected, nil)
	view.LinkStateChanged("bob", domain.LinkConnected, nil)

	view.SetStatus(CallRejected, domain.ErrParticipantRejected)
	snap := view.Snapshot()
	assert.Equal(t, CallRejected, snap.Status)
	assert.Equal(t, domain.ErrParticipantRejected.Error(), snap.Error)
	assert.Empty(t, snap.Tiles)

	view.SetStatus(CallWaiting, nil)
	assert.Empty(t, view.Snapshot().Error)
}

func TestCallView_ChatIsCapped(t *testing.T) {
	view := NewCallView(testRoom, "me")
	for i := 0; i < defaultChatHistory+10; i++ {
		view.AddChat(domain.ChatMessage{ID: fmt.Sprintf("m%d", i)})
	}

	chat := view.Snapshot().Chat
	require.Len(t, chat, defaultChatHistory)
	assert.Equal(t, "m10", chat[0].ID)
	assert.Equal(t, fmt.Sprintf("m%d", defaultChatHistory+9), chat[len(chat)-1].ID)
}

func TestCallView_SubscribeKeepsNewest(t *testing.T) {
	view := NewCallView(testRoom, "me")

	updates, unsubscribe := view.Subscribe()
	first := <-updates
	assert.Equal(t, uint64(0), first.Version)

	view.SetStatus(CallWaiting, nil)
	view.SetStatus(CallConnecting, nil)
	view.SetLocalMedia(domain.LocalMediaState{HasAudio: true})

	latest := <-updates
	assert.Equal(t, uint64(3), latest.Version)
	assert.Equal(t, CallConnecting, latest.Status)
	assert.True(t, latest.Local.HasAudio)

	unsubscribe()
	unsubscribe()
	_, open := <-updates
	assert.False(t, open)

	view.SetStatus(CallConnected, nil)
}
