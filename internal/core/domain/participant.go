package domain

import "time"

type RoomID string
type UserID string

type ParticipantStatus string

const (
	StatusPending  ParticipantStatus = "pending"
	StatusApproved ParticipantStatus = "approved"
	StatusRejected ParticipantStatus = "rejected"
)

// Valid reports whether s is one of the known approval statuses.
func (s ParticipantStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Participant is one row of a room's roster.
type Participant struct {
	RoomID      RoomID            `json:"room_id"`
	UserID      UserID            `json:"user_id"`
	DisplayName string            `json:"display_name"`
	Status      ParticipantStatus `json:"status"`
	JoinedAt    time.Time         `json:"joined_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// IsApproved reports whether the participant may hold peer links.
func (p *Participant) IsApproved() bool {
	return p != nil && p.Status == StatusApproved
}

type RosterOp string

const (
	RosterInsert RosterOp = "insert"
	RosterUpdate RosterOp = "update"
	RosterDelete RosterOp = "delete"
)

// RosterChange is a single row change emitted by a roster store feed.
// Previous is nil for inserts; Participant carries the last known row for deletes.
type RosterChange struct {
	Op          RosterOp     `json:"op"`
	Participant Participant  `json:"participant"`
	Previous    *Participant `json:"previous,omitempty"`
}
