package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"go.uber.org/zap"
)

// LocalMediaSource owns the local capture tracks. It is the only component
// that enables, disables or stops them; peer links only publish them.
type LocalMediaSource struct {
	devices ports.MediaDevices
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	handle    ports.MediaHandle
	screen    ports.ScreenCapture
	state     domain.LocalMediaState
	listeners []func(domain.LocalMediaState)
}

func NewLocalMediaSource(devices ports.MediaDevices, logger *zap.SugaredLogger) *LocalMediaSource {
	return &LocalMediaSource{
		devices: devices,
		logger:  logger,
	}
}

// OnStateChange registers a listener for local media state changes.
func (s *LocalMediaSource) OnStateChange(fn func(domain.LocalMediaState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Acquire opens the devices named by constraints. A device that cannot be
// opened fails the whole call with ErrDeviceUnavailable.
func (s *LocalMediaSource) Acquire(ctx context.Context, constraints domain.MediaConstraints) (domain.LocalMediaState, error) {
	handle, err := s.devices.Acquire(ctx, constraints)
	if err != nil {
		if !errors.Is(err, domain.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
		}
		return s.State(), err
	}

	s.mu.Lock()
	if s.handle != nil {
		s.mu.Unlock()
		handle.Stop()
		return s.State(), errors.New("local media already acquired")
	}
	s.handle = handle
	s.state = domain.LocalMediaState{}
	if t, ok := handle.Track(domain.TrackAudio); ok {
		s.state.HasAudio = true
		s.state.AudioEnabled = t.Enabled()
	}
	if t, ok := handle.Track(domain.TrackVideo); ok {
		s.state.HasVideo = true
		s.state.VideoEnabled = t.Enabled()
	}
	state := s.state
	s.mu.Unlock()

	s.logger.Infow("local media acquired", "audio", state.HasAudio, "video", state.HasVideo)
	s.notify(state)
	return state, nil
}

// AcquireWithFallback degrades from the requested devices to audio only and
// then to no capture device at all. The returned error is the first device
// failure; the session can proceed whenever the state is usable.
func (s *LocalMediaSource) AcquireWithFallback(ctx context.Context, constraints domain.MediaConstraints) (domain.LocalMediaState, error) {
	attempts := []domain.MediaConstraints{constraints}
	if constraints.Video {
		attempts = append(attempts, domain.MediaConstraints{Audio: constraints.Audio})
	}
	if constraints.Audio || constraints.Video {
		attempts = append(attempts, domain.MediaConstraints{})
	}

	var firstErr error
	for _, c := range attempts {
		state, err := s.Acquire(ctx, c)
		if err == nil {
			if firstErr != nil {
				state = s.markDegraded(firstErr)
			}
			return state, firstErr
		}
		if !errors.Is(err, domain.ErrDeviceUnavailable) {
			return state, err
		}
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Warnw("media device unavailable, degrading", "audio", c.Audio, "video", c.Video, "error", err)
	}
	return s.markDegraded(firstErr), firstErr
}

func (s *LocalMediaSource) markDegraded(err error) domain.LocalMediaState {
	s.mu.Lock()
	s.state.Degraded = true
	s.state.Error = err.Error()
	state := s.state
	s.mu.Unlock()

	s.notify(state)
	return state
}

// Tracks returns the tracks every new peer link publishes.
func (s *LocalMediaSource) Tracks() []ports.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	return s.handle.Tracks()
}

// ToggleTrack enables or disables the local audio or video track in place.
// Peers keep receiving the same track, so no renegotiation happens.
func (s *LocalMediaSource) ToggleTrack(kind domain.TrackKind, enabled bool) error {
	s.mu.Lock()
	if s.handle == nil || kind == domain.TrackScreen {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTrackNotFound, kind)
	}
	track, ok := s.handle.Track(kind)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTrackNotFound, kind)
	}
	track.SetEnabled(enabled)
	switch kind {
	case domain.TrackAudio:
		s.state.AudioEnabled = enabled
	case domain.TrackVideo:
		s.state.VideoEnabled = enabled
	}
	state := s.state
	s.mu.Unlock()

	s.logger.Debugw("local track toggled", "kind", kind, "enabled", enabled)
	s.notify(state)
	return nil
}

// AcquireScreen starts feeding the screen slot. The capture ending on its own
// clears ScreenActive without touching camera or microphone.
func (s *LocalMediaSource) AcquireScreen(ctx context.Context) error {
	s.mu.Lock()
	if s.handle == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTrackNotFound, domain.TrackScreen)
	}
	if s.screen != nil {
		s.mu.Unlock()
		return nil
	}
	handle := s.handle
	s.mu.Unlock()

	capture, err := handle.StartScreen(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: screen: %v", domain.ErrDeviceUnavailable, err)
		}
		return err
	}

	s.mu.Lock()
	if s.handle != handle || s.screen != nil {
		s.mu.Unlock()
		capture.Stop()
		return nil
	}
	s.screen = capture
	if t, ok := handle.Track(domain.TrackScreen); ok {
		t.SetEnabled(true)
	}
	s.state.ScreenActive = true
	state := s.state
	s.mu.Unlock()

	go s.watchScreen(capture)

	s.logger.Infow("screen share started")
	s.notify(state)
	return nil
}

func (s *LocalMediaSource) watchScreen(capture ports.ScreenCapture) {
	<-capture.Ended()
	if s.clearScreen(capture) {
		s.logger.Infow("screen share ended")
	}
}

func (s *LocalMediaSource) StopScreen() {
	s.mu.Lock()
	capture := s.screen
	s.mu.Unlock()

	if capture == nil {
		return
	}
	capture.Stop()
	s.clearScreen(capture)
}

func (s *LocalMediaSource) clearScreen(capture ports.ScreenCapture) bool {
	s.mu.Lock()
	if s.screen != capture {
		s.mu.Unlock()
		return false
	}
	s.screen = nil
	if s.handle != nil {
		if t, ok := s.handle.Track(domain.TrackScreen); ok {
			t.SetEnabled(false)
		}
	}
	s.state.ScreenActive = false
	state := s.state
	s.mu.Unlock()

	s.notify(state)
	return true
}

// Release stops every track. The source can be acquired again afterwards.
func (s *LocalMediaSource) Release() {
	s.mu.Lock()
	handle := s.handle
	capture := s.screen
	s.handle = nil
	s.screen = nil
	s.state = domain.LocalMediaState{}
	state := s.state
	s.mu.Unlock()

	if capture != nil {
		capture.Stop()
	}
	if handle != nil {
		handle.Stop()
		s.logger.Infow("local media released")
	}
	s.notify(state)
}

func (s *LocalMediaSource) State() domain.LocalMediaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *LocalMediaSource) notify(state domain.LocalMediaState) {
	s.mu.Lock()
	listeners := append([]func(domain.LocalMediaState){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}
