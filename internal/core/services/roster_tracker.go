package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/retry"

	"go.uber.org/zap"
)

type ParticipantHandler func(p domain.Participant)

type SelfStatusHandler func(change domain.RosterChange)

// RosterTracker follows the approved participants of one room. Changes are
// queued from Start until Release so the initial snapshot can be loaded
// without losing events.
type RosterTracker struct {
	roomID   domain.RoomID
	selfID   domain.UserID
	store    ports.RosterStore
	retryCfg retry.Config
	logger   *zap.SugaredLogger

	handlersMu sync.RWMutex
	onJoined   []ParticipantHandler
	onApproved []ParticipantHandler
	onLeft     []ParticipantHandler
	onSelf     []SelfStatusHandler

	mu        sync.Mutex
	approved  map[domain.UserID]domain.Participant
	sub       ports.Subscription
	buffering bool
	buffered  []domain.RosterChange
	stopped   bool

	deliverMu sync.Mutex
}

func NewRosterTracker(
	roomID domain.RoomID,
	selfID domain.UserID,
	store ports.RosterStore,
	retryCfg retry.Config,
	logger *zap.SugaredLogger,
) *RosterTracker {
	return &RosterTracker{
		roomID:   roomID,
		selfID:   selfID,
		store:    store,
		retryCfg: retryCfg,
		logger:   logger.With("room_id", roomID),
		approved: make(map[domain.UserID]domain.Participant),
	}
}

func (t *RosterTracker) OnParticipantJoined(h ParticipantHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.onJoined = append(t.onJoined, h)
}

func (t *RosterTracker) OnParticipantApproved(h ParticipantHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.onApproved = append(t.onApproved, h)
}

func (t *RosterTracker) OnParticipantLeftOrRejected(h ParticipantHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.onLeft = append(t.onLeft, h)
}

// OnSelfStatusChanged reports changes to the local participant's own row.
func (t *RosterTracker) OnSelfStatusChanged(h SelfStatusHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.onSelf = append(t.onSelf, h)
}

// LoadInitialRoster returns every approved participant except self, retrying
// store failures with backoff. The result also seeds Approved.
func (t *RosterTracker) LoadInitialRoster(ctx context.Context) ([]*domain.Participant, error) {
	participants, err := retry.RetryWithResult(ctx, t.retryCfg, func() ([]*domain.Participant, error) {
		return t.store.ListByStatus(ctx, t.roomID, domain.StatusApproved)
	})
	if err != nil {
		t.logger.Warnw("failed to load initial roster", "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrRosterLoad, err)
	}

	result := make([]*domain.Participant, 0, len(participants))
	t.mu.Lock()
	for _, p := range participants {
		if p == nil || p.UserID == t.selfID || !p.IsApproved() {
			continue
		}
		t.approved[p.UserID] = *p
		result = append(result, p)
	}
	t.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	t.logger.Infow("initial roster loaded", "participants", len(result))
	return result, nil
}

// Start subscribes to the room's change feed. Events are held until Release.
func (t *RosterTracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if t.sub != nil {
		t.mu.Unlock()
		return nil
	}
	t.buffering = true
	t.mu.Unlock()

	sub, err := t.store.Watch(ctx, t.roomID, t.handleChange)
	if err != nil {
		return fmt.Errorf("failed to watch roster: %w", err)
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		_ = sub.Unsubscribe()
		return domain.ErrSessionClosed
	}
	t.sub = sub
	t.mu.Unlock()
	return nil
}

// Release delivers held events in arrival order and switches to live delivery.
func (t *RosterTracker) Release() {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	for {
		t.mu.Lock()
		if t.stopped {
			t.buffered = nil
			t.mu.Unlock()
			return
		}
		batch := t.buffered
		t.buffered = nil
		if len(batch) == 0 {
			t.buffering = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		for _, change := range batch {
			t.deliver(change)
		}
	}
}

// Stop unsubscribes from the feed for good. Events already in flight are
// dropped and a later Start fails.
func (t *RosterTracker) Stop() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.stopped = true
	t.buffered = nil
	t.mu.Unlock()

	// Wait out a delivery in progress so no handler runs after Stop returns.
	t.deliverMu.Lock()
	t.deliverMu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from roster: %w", err)
	}
	return nil
}

// Approved returns the approved participants currently known, sorted by id.
func (t *RosterTracker) Approved() []domain.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.Participant, 0, len(t.approved))
	for _, p := range t.approved {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *RosterTracker) handleChange(change domain.RosterChange) {
	if change.Participant.RoomID != t.roomID {
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.buffering {
		t.buffered = append(t.buffered, change)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}
	t.deliver(change)
}

func (t *RosterTracker) deliver(change domain.RosterChange) {
	p := change.Participant

	if p.UserID == t.selfID {
		t.logger.Debugw("own roster row changed", "op", change.Op, "status", p.Status)
		for _, h := range t.selfHandlers() {
			h(change)
		}
		return
	}

	t.mu.Lock()
	switch {
	case change.Op == domain.RosterDelete, p.Status != domain.StatusApproved:
		delete(t.approved, p.UserID)
	default:
		t.approved[p.UserID] = p
	}
	t.mu.Unlock()

	t.logger.Debugw("roster change", "op", change.Op, "user_id", p.UserID, "status", p.Status)

	switch change.Op {
	case domain.RosterInsert:
		t.fire(t.handlers(&t.onJoined), p)
		if p.Status == domain.StatusApproved {
			t.fire(t.handlers(&t.onApproved), p)
		}
	case domain.RosterUpdate:
		switch p.Status {
		case domain.StatusApproved:
			t.fire(t.handlers(&t.onApproved), p)
		case domain.StatusRejected:
			t.fire(t.handlers(&t.onLeft), p)
		}
	case domain.RosterDelete:
		t.fire(t.handlers(&t.onLeft), p)
	}
}

func (t *RosterTracker) fire(handlers []ParticipantHandler, p domain.Participant) {
	for _, h := range handlers {
		h(p)
	}
}

func (t *RosterTracker) handlers(list *[]ParticipantHandler) []ParticipantHandler {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()
	return append([]ParticipantHandler(nil), (*list)...)
}

func (t *RosterTracker) selfHandlers() []SelfStatusHandler {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()
	return append([]SelfStatusHandler(nil), t.onSelf...)
}

