package domain

import "time"

type LinkState int

const (
	LinkIdle LinkState = iota
	LinkOffering
	LinkAnswering
	LinkConnecting
	LinkConnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkOffering:
		return "offering"
	case LinkAnswering:
		return "answering"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON snapshots.
func (s LinkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Negotiating reports whether the link is waiting on the remote side.
func (s LinkState) Negotiating() bool {
	return s == LinkOffering || s == LinkAnswering || s == LinkConnecting
}

// TransportState is the reduced ICE connection state reported by a transport.
type TransportState string

const (
	TransportChecking     TransportState = "checking"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// RemoteTrack describes a media track received from a remote participant.
type RemoteTrack struct {
	ID       string    `json:"id"`
	StreamID string    `json:"stream_id"`
	Kind     TrackKind `json:"kind"`
	Codec    string    `json:"codec"`
}

// LinkInfo is a read-only snapshot of one peer link.
type LinkInfo struct {
	RemoteID    UserID        `json:"remote_id"`
	State       LinkState     `json:"state"`
	Initiator   bool          `json:"initiator"`
	Tracks      []RemoteTrack `json:"tracks"`
	CreatedAt   time.Time     `json:"created_at"`
	ConnectedAt time.Time     `json:"connected_at,omitempty"`
}
