package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"meshcall/pkg/validation"
)

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// SignalingMessage is a directed envelope carried by the signal relay.
//
// NegotiationID names the offer/answer exchange a message belongs to. The
// offerer picks it; the answer and every candidate of that exchange echo it.
// Messages without one are accepted for compatibility.
type SignalingMessage struct {
	RoomID        RoomID          `json:"room_id"`
	From          UserID          `json:"from_user_id"`
	To            UserID          `json:"to_user_id"`
	Kind          SignalKind      `json:"signal_type"`
	Payload       json.RawMessage `json:"signal_data"`
	NegotiationID string          `json:"negotiation_id,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
}

// SessionDescription mirrors RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func NewDescriptionMessage(roomID RoomID, from, to UserID, desc SessionDescription) (*SignalingMessage, error) {
	kind := SignalKind(desc.Type)
	if kind != SignalOffer && kind != SignalAnswer {
		return nil, fmt.Errorf("%w: unsupported description type %q", ErrSignalingProtocol, desc.Type)
	}
	payload, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session description: %w", err)
	}
	return &SignalingMessage{
		RoomID:  roomID,
		From:    from,
		To:      to,
		Kind:    kind,
		Payload: payload,
		SentAt:  time.Now(),
	}, nil
}

func NewCandidateMessage(roomID RoomID, from, to UserID, candidate ICECandidate) (*SignalingMessage, error) {
	payload, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ice candidate: %w", err)
	}
	return &SignalingMessage{
		RoomID:  roomID,
		From:    from,
		To:      to,
		Kind:    SignalICECandidate,
		Payload: payload,
		SentAt:  time.Now(),
	}, nil
}

// WithNegotiation tags m with a negotiation id and returns it.
func (m *SignalingMessage) WithNegotiation(id string) *SignalingMessage {
	m.NegotiationID = id
	return m
}

// Validate checks the envelope addressing for a message delivered to selfID in roomID.
// Every failure wraps ErrSignalingProtocol.
func (m *SignalingMessage) Validate(roomID RoomID, selfID UserID) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrSignalingProtocol)
	}
	if m.RoomID != roomID {
		return fmt.Errorf("%w: room mismatch: expected %s, got %s", ErrSignalingProtocol, roomID, m.RoomID)
	}
	if m.To != selfID {
		return fmt.Errorf("%w: recipient mismatch: expected %s, got %s", ErrSignalingProtocol, selfID, m.To)
	}
	if err := validation.ValidateUserID(string(m.From)); err != nil {
		return fmt.Errorf("%w: sender: %v", ErrSignalingProtocol, err)
	}
	if m.From == selfID {
		return fmt.Errorf("%w: message from self", ErrSignalingProtocol)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrSignalingProtocol)
	}

	switch m.Kind {
	case SignalOffer, SignalAnswer:
		_, err := m.SessionDescription()
		return err
	case SignalICECandidate:
		_, err := m.ICECandidate()
		return err
	default:
		return fmt.Errorf("%w: unknown signal type %q", ErrSignalingProtocol, m.Kind)
	}
}

// SessionDescription decodes an offer or answer payload.
func (m *SignalingMessage) SessionDescription() (SessionDescription, error) {
	var desc SessionDescription
	if err := json.Unmarshal(m.Payload, &desc); err != nil {
		return SessionDescription{}, fmt.Errorf("%w: invalid %s payload: %v", ErrSignalingProtocol, m.Kind, err)
	}
	if desc.Type == "" {
		desc.Type = string(m.Kind)
	}
	if desc.Type != string(m.Kind) {
		return SessionDescription{}, fmt.Errorf("%w: %s envelope carries %q description", ErrSignalingProtocol, m.Kind, desc.Type)
	}
	if err := validation.ValidateSDP(desc.SDP); err != nil {
		return SessionDescription{}, fmt.Errorf("%w: %v", ErrSignalingProtocol, err)
	}
	return desc, nil
}

// ICECandidate decodes an ice-candidate payload.
func (m *SignalingMessage) ICECandidate() (ICECandidate, error) {
	var c ICECandidate
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return ICECandidate{}, fmt.Errorf("%w: invalid ice-candidate payload: %v", ErrSignalingProtocol, err)
	}
	if c.Candidate == "" {
		return ICECandidate{}, fmt.Errorf("%w: ICE candidate is required", ErrSignalingProtocol)
	}
	return c, nil
}
