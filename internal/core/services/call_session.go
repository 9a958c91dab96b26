package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/retry"

	"go.uber.org/zap"
)

type CallSessionConfig struct {
	RoomID      domain.RoomID
	SelfID      domain.UserID
	DisplayName string
	Constraints domain.MediaConstraints
	Manager     PeerManagerConfig
	RosterRetry retry.Config
	Chat        ChatConfig
}

// CallSessionDeps are the adapters a session drives.
type CallSessionDeps struct {
	Rooms      ports.RoomService
	Roster     ports.RosterStore
	Signals    ports.SignalRelay
	Chat       ports.ChatRelay
	Transports ports.TransportFactory
	Devices    ports.MediaDevices
	Metrics    ports.MeshMetrics
}

type sessionState int

const (
	sessionIdle sessionState = iota
	sessionWaiting
	sessionJoining
	sessionActive
	sessionLeft
)

// CallSession is one user's presence in one room, from join request to
// leave. A session cannot be rejoined once it has left.
type CallSession struct {
	config CallSessionConfig
	deps   CallSessionDeps
	logger *zap.SugaredLogger

	view    *CallView
	media   *LocalMediaSource
	tracker *RosterTracker
	manager *PeerManager
	chat    *ChatService

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     sessionState
	signalSub ports.Subscription
	err       error
}

func NewCallSession(config CallSessionConfig, deps CallSessionDeps, logger *zap.SugaredLogger) *CallSession {
	if config.Manager.RoomID == "" {
		config.Manager.RoomID = config.RoomID
	}
	if config.Manager.SelfID == "" {
		config.Manager.SelfID = config.SelfID
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NoopMetrics{}
	}

	log := logger.With("room_id", config.RoomID, "user_id", config.SelfID)
	ctx, cancel := context.WithCancel(context.Background())

	s := &CallSession{
		config: config,
		deps:   deps,
		logger: log,
		view:   NewCallView(config.RoomID, config.SelfID),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.media = NewLocalMediaSource(deps.Devices, log)
	s.tracker = NewRosterTracker(config.RoomID, config.SelfID, deps.Roster, config.RosterRetry, logger)
	s.manager = NewPeerManager(config.Manager, deps.Signals, deps.Transports, s.media, s.view, deps.Metrics, logger)
	s.chat = NewChatService(config.RoomID, config.SelfID, config.DisplayName, deps.Chat, config.Chat, logger)

	s.media.OnStateChange(s.view.SetLocalMedia)
	s.chat.OnMessage(s.view.AddChat)

	s.tracker.OnParticipantJoined(func(p domain.Participant) {
		s.view.SetDisplayName(p.UserID, p.DisplayName)
	})
	s.tracker.OnParticipantApproved(func(p domain.Participant) {
		s.view.SetDisplayName(p.UserID, p.DisplayName)
		s.manager.ParticipantApproved(p.UserID)
	})
	s.tracker.OnParticipantLeftOrRejected(func(p domain.Participant) {
		s.manager.ParticipantRemoved(p.UserID)
	})
	s.tracker.OnSelfStatusChanged(s.handleSelfChange)

	return s
}

func (s *CallSession) View() *CallView { return s.view }

func (s *CallSession) Links() []domain.LinkInfo { return s.manager.Links() }

func (s *CallSession) LocalMedia() domain.LocalMediaState { return s.media.State() }

func (s *CallSession) ChatHistory() []domain.ChatMessage { return s.chat.History() }

// Done is closed once the session has fully left the call.
func (s *CallSession) Done() <-chan struct{} { return s.done }

// Err reports why the session ended, or nil for a voluntary leave.
func (s *CallSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Join requests admission, waits while the host has not decided and then
// enters the call. It fails fast with ErrParticipantRejected.
func (s *CallSession) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.state != sessionIdle {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.state = sessionWaiting
	s.mu.Unlock()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(s.ctx, stop)
	defer unlink()

	p, err := s.deps.Rooms.RequestJoin(ctx, s.config.RoomID, s.config.SelfID, s.config.DisplayName)
	if err != nil {
		_ = s.leave(context.Background(), err)
		return fmt.Errorf("failed to request join: %w", err)
	}
	s.view.SetDisplayName(s.config.SelfID, p.DisplayName)

	if p.Status == domain.StatusPending {
		s.view.SetStatus(CallWaiting, nil)
		s.logger.Infow("waiting for host approval")
		status, err := s.waitForDecision(ctx)
		if err != nil {
			_ = s.leave(context.Background(), err)
			return err
		}
		p.Status = status
	}
	if p.Status == domain.StatusRejected {
		_ = s.leave(context.Background(), domain.ErrParticipantRejected)
		return domain.ErrParticipantRejected
	}

	if err := s.enter(ctx); err != nil {
		_ = s.leave(context.Background(), err)
		return err
	}
	return nil
}

// waitForDecision watches the local participant's own row until it leaves
// pending.
func (s *CallSession) waitForDecision(ctx context.Context) (domain.ParticipantStatus, error) {
	decided := make(chan domain.ParticipantStatus, 1)
	report := func(status domain.ParticipantStatus) {
		if status == domain.StatusPending {
			return
		}
		select {
		case decided <- status:
		default:
		}
	}

	sub, err := s.deps.Roster.Watch(ctx, s.config.RoomID, func(change domain.RosterChange) {
		if change.Participant.UserID != s.config.SelfID {
			return
		}
		if change.Op == domain.RosterDelete {
			report(domain.StatusRejected)
			return
		}
		report(change.Participant.Status)
	})
	if err != nil {
		return "", fmt.Errorf("failed to watch own status: %w", err)
	}
	defer sub.Unsubscribe()

	// The decision may have landed before the watch started.
	current, err := s.deps.Roster.Get(ctx, s.config.RoomID, s.config.SelfID)
	switch {
	case errors.Is(err, domain.ErrParticipantNotFound):
		report(domain.StatusRejected)
	case err != nil:
		return "", fmt.Errorf("failed to read own status: %w", err)
	default:
		report(current.Status)
	}

	select {
	case status := <-decided:
		return status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// enter brings an approved participant into the call. Signaling is
// subscribed and the roster feed is buffering before the snapshot is read,
// so no offer or roster change from that window is lost.
func (s *CallSession) enter(ctx context.Context) error {
	s.mu.Lock()
	if s.state != sessionWaiting {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	s.state = sessionJoining
	s.mu.Unlock()

	s.view.SetStatus(CallConnecting, nil)

	if _, err := s.media.AcquireWithFallback(ctx, s.config.Constraints); err != nil {
		if !errors.Is(err, domain.ErrDeviceUnavailable) {
			return fmt.Errorf("failed to acquire local media: %w", err)
		}
		s.logger.Warnw("joining with degraded media", "error", err)
	}
	if err := s.requireState(sessionJoining); err != nil {
		s.media.Release()
		return err
	}

	sub, err := s.deps.Signals.Subscribe(s.ctx, s.config.RoomID, s.config.SelfID, func(msg *domain.SignalingMessage) {
		_ = s.manager.HandleIncomingSignal(msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to signaling: %w", err)
	}
	s.mu.Lock()
	if s.state != sessionJoining {
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		return domain.ErrSessionClosed
	}
	s.signalSub = sub
	s.mu.Unlock()

	if err := s.tracker.Start(s.ctx); err != nil {
		return err
	}

	snapshot, err := s.tracker.LoadInitialRoster(ctx)
	if err != nil {
		return err
	}
	for _, p := range snapshot {
		s.view.SetDisplayName(p.UserID, p.DisplayName)
	}
	s.manager.AddSnapshot(snapshot)
	s.tracker.Release()

	if err := s.chat.Start(s.ctx); err != nil {
		s.logger.Warnw("chat unavailable", "error", err)
	}

	s.mu.Lock()
	if s.state != sessionJoining {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	s.state = sessionActive
	s.mu.Unlock()

	s.view.SetStatus(CallConnected, nil)
	s.logger.Infow("joined call", "peers", len(snapshot))
	return nil
}

func (s *CallSession) handleSelfChange(change domain.RosterChange) {
	if change.Op != domain.RosterDelete && change.Participant.Status != domain.StatusRejected {
		return
	}
	s.logger.Warnw("removed from room", "op", change.Op, "status", change.Participant.Status)

	// Leaving stops the roster feed, which waits for this handler to return.
	go func() {
		_ = s.leave(context.Background(), domain.ErrParticipantRejected)
	}()
}

// Leave exits the call. It is safe to call more than once.
func (s *CallSession) Leave(ctx context.Context) error {
	return s.leave(ctx, nil)
}

// leave tears down in reverse order of enter so that nothing still
// subscribed can recreate a link after the manager is closed.
func (s *CallSession) leave(ctx context.Context, cause error) error {
	s.mu.Lock()
	if s.state == sessionLeft {
		s.mu.Unlock()
		return nil
	}
	s.state = sessionLeft
	s.err = cause
	sub := s.signalSub
	s.signalSub = nil
	s.mu.Unlock()

	s.cancel()

	var errs []error
	if err := s.tracker.Stop(); err != nil {
		errs = append(errs, err)
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unsubscribe from signaling: %w", err))
		}
	}
	if err := s.chat.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to unsubscribe from chat: %w", err))
	}
	s.manager.Close()
	s.media.Release()

	// A rejected row stays so a repeated join request fails fast.
	if !errors.Is(cause, domain.ErrParticipantRejected) {
		if err := s.deps.Rooms.LeaveRoom(ctx, s.config.RoomID, s.config.SelfID); err != nil {
			errs = append(errs, err)
		}
	}

	if errors.Is(cause, domain.ErrParticipantRejected) {
		s.view.SetStatus(CallRejected, cause)
	} else {
		s.view.SetStatus(CallDisconnected, cause)
	}
	close(s.done)

	s.logger.Infow("left call", "cause", cause)
	return errors.Join(errs...)
}

// ToggleAudio flips the local microphone and returns the new state.
func (s *CallSession) ToggleAudio() (bool, error) {
	enabled := !s.media.State().AudioEnabled
	return enabled, s.SetMediaEnabled(domain.TrackAudio, enabled)
}

// ToggleVideo flips the local camera and returns the new state.
func (s *CallSession) ToggleVideo() (bool, error) {
	enabled := !s.media.State().VideoEnabled
	return enabled, s.SetMediaEnabled(domain.TrackVideo, enabled)
}

func (s *CallSession) SetMediaEnabled(kind domain.TrackKind, enabled bool) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	return s.media.ToggleTrack(kind, enabled)
}

func (s *CallSession) StartScreenShare(ctx context.Context) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	return s.media.AcquireScreen(ctx)
}

func (s *CallSession) StopScreenShare() error {
	if err := s.requireActive(); err != nil {
		return err
	}
	s.media.StopScreen()
	return nil
}

func (s *CallSession) SendChat(ctx context.Context, text string) (*domain.ChatMessage, error) {
	if err := s.requireActive(); err != nil {
		return nil, err
	}
	return s.chat.Send(ctx, text)
}

func (s *CallSession) requireActive() error {
	return s.requireState(sessionActive)
}

func (s *CallSession) requireState(want sessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != want {
		return domain.ErrSessionClosed
	}
	return nil
}
