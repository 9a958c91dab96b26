package domain

import "errors"

var (
	ErrRosterLoad          = errors.New("roster load failed")
	ErrDeviceUnavailable   = errors.New("media device unavailable")
	ErrSignalingProtocol   = errors.New("signaling protocol error")
	ErrNegotiationTimeout  = errors.New("negotiation timed out")
	ErrTransportFailure    = errors.New("transport failure")
	ErrParticipantRejected = errors.New("participant rejected")

	ErrRoomNotFound        = errors.New("room not found")
	ErrInvalidRoom         = errors.New("invalid room settings")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNotHost             = errors.New("only the room host can do this")
	ErrInvalidTransition   = errors.New("invalid participant status transition")
	ErrRoomFull            = errors.New("room is full")
	ErrSessionClosed       = errors.New("session closed")
	ErrChatRateLimited     = errors.New("chat rate limit exceeded")
	ErrTrackNotFound       = errors.New("track not found")
)
