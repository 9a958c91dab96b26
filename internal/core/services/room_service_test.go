package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestRoomService() (ports.RoomService, ports.RosterStore) {
	roster := memory.NewMemoryRosterRepository()
	return NewRoomService(memory.NewMemoryRoomRepository(), roster, testLogger()), roster
}

func TestRoomService_CreateRoom(t *testing.T) {
	rooms, _ := newTestRoomService()
	ctx := context.Background()

	room, err := rooms.CreateRoom(ctx, "  Standup  ", "host", true, 0)
	require.NoError(t, err)
	assert.Equal(t, "Standup", room.Name)
	assert.Equal(t, domain.UserID("host"), room.HostUserID)
	assert.Equal(t, domain.DefaultMaxParticipants, room.MaxParticipants)
	assert.Contains(t, string(room.ID), "room_")

	fetched, err := rooms.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.Name, fetched.Name)

	_, err = rooms.CreateRoom(ctx, "", "host", true, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)
	_, err = rooms.CreateRoom(ctx, "Standup", "host", true, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)

	_, err = rooms.GetRoom(ctx, "room_missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRoomService_JoinWithApproval(t *testing.T) {
	rooms, roster := newTestRoomService()
	ctx := context.Background()

	room, err := rooms.CreateRoom(ctx, "Standup", "host", true, 0)
	require.NoError(t, err)

	host, err := rooms.RequestJoin(ctx, room.ID, "host", "Host")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, host.Status)

	guest, err := rooms.RequestJoin(ctx, room.ID, "guest", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, guest.Status)
	assert.Equal(t, "guest", guest.DisplayName)

	again, err := rooms.RequestJoin(ctx, room.ID, "guest", "Other name")
	require.NoError(t, err)
	assert.Equal(t, "guest", again.DisplayName)

	pending, err := rooms.ListPending(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.UserID("guest"), pending[0].UserID)

	_, err = rooms.Approve(ctx, "guest", room.ID, "guest")
	assert.ErrorIs(t, err, domain.ErrNotHost)

	approved, err := rooms.Approve(ctx, "host", room.ID, "guest")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)

	_, err = rooms.Reject(ctx, "host", room.ID, "guest")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	row, err := roster.Get(ctx, room.ID, "guest")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, row.Status)
}

func TestRoomService_JoinWithoutApproval(t *testing.T) {
	rooms, _ := newTestRoomService()
	ctx := context.Background()

	room, err := rooms.CreateRoom(ctx, "Open", "host", false, 0)
	require.NoError(t, err)

	p, err := rooms.RequestJoin(ctx, room.ID, "walk-in", "Walk In")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, p.Status)
}

func TestRoomService_RejectAndLeave(t *testing.T) {
	rooms, roster := newTestRoomService()
	ctx := context.Background()

	room, err := rooms.CreateRoom(ctx, "Standup", "host", true, 0)
	require.NoError(t, err)
	_, err = rooms.RequestJoin(ctx, room.ID, "host", "Host")
	require.NoError(t, err)
	_, err = rooms.RequestJoin(ctx, room.ID, "guest", "Guest")
	require.NoError(t, err)

	rejected, err := rooms.Reject(ctx, "host", room.ID, "guest")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)

	// Rejected rows stay so a repeated join sees the decision.
	again, err := rooms.RequestJoin(ctx, room.ID, "guest", "Guest")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, again.Status)

	require.NoError(t, rooms.LeaveRoom(ctx, room.ID, "guest"))
	require.NoError(t, rooms.LeaveRoom(ctx, room.ID, "guest"))
	_, err = roster.Get(ctx, room.ID, "guest")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)

	_, err = rooms.Approve(ctx, "host", room.ID, "guest")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestRoomService_RoomFull(t *testing.T) {
	rooms, _ := newTestRoomService()
	ctx := context.Background()

	room, err := rooms.CreateRoom(ctx, "Pair", "host", false, 2)
	require.NoError(t, err)

	_, err = rooms.RequestJoin(ctx, room.ID, "host", "Host")
	require.NoError(t, err)
	_, err = rooms.RequestJoin(ctx, room.ID, "second", "Second")
	require.NoError(t, err)

	_, err = rooms.RequestJoin(ctx, room.ID, "third", "Third")
	assert.ErrorIs(t, err, domain.ErrRoomFull)
}

func TestRoomService_ConcurrentJoinsRespectCapacity(t *testing.T) {
	rooms, roster := newTestRoomService()
	ctx := context.Background()

	room, err := rooms.CreateRoom(ctx, "Crowd", "host", false, 4)
	require.NoError(t, err)

	const joiners = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		full     int
	)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := rooms.RequestJoin(ctx, room.ID, domain.UserID(fmt.Sprintf("user-%d", i)), "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, domain.ErrRoomFull):
				full++
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, admitted)
	assert.Equal(t, joiners-4, full)
	count, err := roster.Count(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestRoomService_LastLeaveClosesRoom(t *testing.T) {
	rooms, _ := newTestRoomService()
	ctx := context.Background()

	room, err := rooms.CreateRoom(ctx, "Standup", "host", false, 0)
	require.NoError(t, err)
	_, err = rooms.RequestJoin(ctx, room.ID, "host", "Host")
	require.NoError(t, err)
	_, err = rooms.RequestJoin(ctx, room.ID, "guest", "Guest")
	require.NoError(t, err)

	require.NoError(t, rooms.LeaveRoom(ctx, room.ID, "host"))
	_, err = rooms.GetRoom(ctx, room.ID)
	require.NoError(t, err, "room stays open while someone is in it")

	require.NoError(t, rooms.LeaveRoom(ctx, room.ID, "guest"))
	_, err = rooms.GetRoom(ctx, room.ID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	_, err = rooms.RequestJoin(ctx, room.ID, "late", "Late")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	require.NoError(t, rooms.LeaveRoom(ctx, room.ID, "guest"))
}

func TestRoomService_UnknownRoom(t *testing.T) {
	rooms, _ := newTestRoomService()

	_, err := rooms.RequestJoin(context.Background(), "room_missing", "guest", "Guest")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	_, err = rooms.ListPending(context.Background(), "room_missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRoomService_ConcurrentDecisionLoses(t *testing.T) {
	roomRepo := memory.NewMemoryRoomRepository()
	ctx := context.Background()
	room := &domain.Room{ID: "room_cas", Name: "CAS", HostUserID: "host", RequireApproval: true, MaxParticipants: 10}
	require.NoError(t, roomRepo.Create(ctx, room))

	roster := new(MockRosterStore)
	roster.On("Get", mock.Anything, room.ID, domain.UserID("guest")).
		Return(&domain.Participant{RoomID: room.ID, UserID: "guest", Status: domain.StatusPending}, nil)
	roster.On("UpdateStatus", mock.Anything, room.ID, domain.UserID("guest"), domain.StatusPending, domain.StatusApproved).
		Return(nil, domain.ErrInvalidTransition)

	rooms := NewRoomService(roomRepo, roster, testLogger())

	_, err := rooms.Approve(ctx, "host", room.ID, "guest")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	roster.AssertExpectations(t)
}

func TestRoomService_LeaveRoomStoreError(t *testing.T) {
	roster := new(MockRosterStore)
	roster.On("Remove", mock.Anything, domain.RoomID("room_x"), domain.UserID("guest")).Return(errors.New("timeout"))

	rooms := NewRoomService(memory.NewMemoryRoomRepository(), roster, testLogger())
	assert.Error(t, rooms.LeaveRoom(context.Background(), "room_x", "guest"))
}
