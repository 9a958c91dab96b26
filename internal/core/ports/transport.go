package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// PeerTransport is one negotiated media connection to a remote participant.
// CreateOffer and CreateAnswer also apply the result as the local description.
type PeerTransport interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error
	Close() error
}

// TransportEvents are invoked from transport-owned goroutines.
type TransportEvents struct {
	OnICECandidate func(domain.ICECandidate)
	OnStateChange  func(domain.TransportState)
	OnTrack        func(domain.RemoteTrack)
	OnTrackEnded   func(trackID string)
}

type TransportFactory interface {
	NewTransport(remoteID domain.UserID, tracks []MediaTrack, events TransportEvents) (PeerTransport, error)
}
