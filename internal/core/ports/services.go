package ports

import (
	"context"
	"time"

	"meshcall/internal/core/domain"
)

// CallObserver receives state changes for the UI surface. Methods may be
// called from any goroutine.
type CallObserver interface {
	LinkStateChanged(remoteID domain.UserID, state domain.LinkState, err error)
	RemoteTrackAdded(remoteID domain.UserID, track domain.RemoteTrack)
	RemoteTrackRemoved(remoteID domain.UserID, trackID string)
	LinkRemoved(remoteID domain.UserID)
}

type MeshMetrics interface {
	RecordLinkState(from, to domain.LinkState)
	RecordSignalSent(kind domain.SignalKind)
	RecordSignalReceived(kind domain.SignalKind)
	RecordSignalDiscarded(kind domain.SignalKind, reason string)
	RecordNegotiation(duration time.Duration)
	RecordLinkFailure(reason string)
}

type NoopMetrics struct{}

func (NoopMetrics) RecordLinkState(from, to domain.LinkState)                   {}
func (NoopMetrics) RecordSignalSent(kind domain.SignalKind)                     {}
func (NoopMetrics) RecordSignalReceived(kind domain.SignalKind)                 {}
func (NoopMetrics) RecordSignalDiscarded(kind domain.SignalKind, reason string) {}
func (NoopMetrics) RecordNegotiation(duration time.Duration)                    {}
func (NoopMetrics) RecordLinkFailure(reason string)                             {}

type NoopObserver struct{}

func (NoopObserver) LinkStateChanged(remoteID domain.UserID, state domain.LinkState, err error) {}
func (NoopObserver) RemoteTrackAdded(remoteID domain.UserID, track domain.RemoteTrack)          {}
func (NoopObserver) RemoteTrackRemoved(remoteID domain.UserID, trackID string)                  {}
func (NoopObserver) LinkRemoved(remoteID domain.UserID)                                         {}

// RoomService creates rooms and drives admission: join requests, host
// approval or rejection, and leaving.
type RoomService interface {
	CreateRoom(ctx context.Context, name string, host domain.UserID, requireApproval bool, maxParticipants int) (*domain.Room, error)
	GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error)
	RequestJoin(ctx context.Context, roomID domain.RoomID, userID domain.UserID, displayName string) (*domain.Participant, error)
	Approve(ctx context.Context, hostID domain.UserID, roomID domain.RoomID, userID domain.UserID) (*domain.Participant, error)
	Reject(ctx context.Context, hostID domain.UserID, roomID domain.RoomID, userID domain.UserID) (*domain.Participant, error)
	ListPending(ctx context.Context, roomID domain.RoomID) ([]*domain.Participant, error)
	LeaveRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error
}
