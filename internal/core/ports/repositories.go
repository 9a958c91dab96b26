package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// Subscription is a live feed registration. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// RosterStore holds participant rows and emits row changes per room.
type RosterStore interface {
	Upsert(ctx context.Context, p *domain.Participant) error
	// Join inserts p unless the user already has a row, in which case that
	// row is returned with created false. A new row is refused with
	// ErrRoomFull once the room holds capacity pending or approved rows. The
	// capacity check and the insert are atomic.
	Join(ctx context.Context, p *domain.Participant, capacity int) (row *domain.Participant, created bool, err error)
	Get(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (*domain.Participant, error)
	ListByStatus(ctx context.Context, roomID domain.RoomID, status domain.ParticipantStatus) ([]*domain.Participant, error)
	// UpdateStatus moves a row from one status to another. It fails with
	// ErrInvalidTransition when the current status is not from.
	UpdateStatus(ctx context.Context, roomID domain.RoomID, userID domain.UserID, from, to domain.ParticipantStatus) (*domain.Participant, error)
	Remove(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error
	// Count returns the number of pending and approved rows.
	Count(ctx context.Context, roomID domain.RoomID) (int, error)
	Watch(ctx context.Context, roomID domain.RoomID, onChange func(domain.RosterChange)) (Subscription, error)
}

type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	Delete(ctx context.Context, id domain.RoomID) error
}
