package domain

import "time"

const DefaultMaxParticipants = 50

type Room struct {
	ID              RoomID    `json:"id"`
	Name            string    `json:"name"`
	HostUserID      UserID    `json:"host_user_id"`
	RequireApproval bool      `json:"require_approval"`
	MaxParticipants int       `json:"max_participants"`
	CreatedAt       time.Time `json:"created_at"`
}

// IsHost reports whether userID owns the room.
func (r *Room) IsHost(userID UserID) bool {
	return r != nil && r.HostUserID == userID
}

type ChatMessage struct {
	ID         string    `json:"id"`
	RoomID     RoomID    `json:"room_id"`
	From       UserID    `json:"from"`
	SenderName string    `json:"sender_name"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
}
