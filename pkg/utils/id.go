package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// GenerateID returns prefix_ followed by 16 random hex characters.
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return prefix + "_" + hex.EncodeToString(b)
}

func GenerateRoomID() string {
	return GenerateID("room")
}

// GenerateMessageID returns a UUID so chat messages from different
// processes never collide.
func GenerateMessageID() string {
	return uuid.NewString()
}
