package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// MediaTrack is a local capture track shared by every peer link.
type MediaTrack interface {
	ID() string
	Kind() domain.TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

type MediaHandle interface {
	Tracks() []MediaTrack
	Track(kind domain.TrackKind) (MediaTrack, bool)
	StartScreen(ctx context.Context) (ScreenCapture, error)
	Stop()
}

// ScreenCapture feeds the screen track until stopped. Ended is closed when the
// capture stops for any reason.
type ScreenCapture interface {
	Ended() <-chan struct{}
	Stop()
}

type MediaDevices interface {
	Acquire(ctx context.Context, constraints domain.MediaConstraints) (MediaHandle, error)
}
