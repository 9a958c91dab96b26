package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/distributed"
)

type rosterKey struct {
	room domain.RoomID
	user domain.UserID
}

type MemoryRosterRepository struct {
	mu       sync.RWMutex
	rows     map[rosterKey]domain.Participant
	watchers map[domain.RoomID]map[int]*distributed.Dispatcher[domain.RosterChange]
	nextID   int
}

func NewMemoryRosterRepository() ports.RosterStore {
	return &MemoryRosterRepository{
		rows:     make(map[rosterKey]domain.Participant),
		watchers: make(map[domain.RoomID]map[int]*distributed.Dispatcher[domain.RosterChange]),
	}
}

func (r *MemoryRosterRepository) Upsert(ctx context.Context, p *domain.Participant) error {
	if p == nil || !p.Status.Valid() {
		return fmt.Errorf("invalid participant row")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := rosterKey{p.RoomID, p.UserID}
	row := *p
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}

	change := domain.RosterChange{Op: domain.RosterInsert, Participant: row}
	if prev, exists := r.rows[key]; exists {
		change.Op = domain.RosterUpdate
		change.Previous = &prev
	}
	r.rows[key] = row
	r.emitLocked(change)
	return nil
}

func (r *MemoryRosterRepository) Join(ctx context.Context, p *domain.Participant, capacity int) (*domain.Participant, bool, error) {
	if p == nil || !p.Status.Valid() {
		return nil, false, fmt.Errorf("invalid participant row")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := rosterKey{p.RoomID, p.UserID}
	if existing, ok := r.rows[key]; ok {
		return &existing, false, nil
	}
	if count := r.countLocked(p.RoomID); count >= capacity {
		return nil, false, fmt.Errorf("%w: %d/%d participants", domain.ErrRoomFull, count, capacity)
	}

	row := *p
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	r.rows[key] = row
	r.emitLocked(domain.RosterChange{Op: domain.RosterInsert, Participant: row})
	return &row, true, nil
}

func (r *MemoryRosterRepository) Get(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, exists := r.rows[rosterKey{roomID, userID}]
	if !exists {
		return nil, domain.ErrParticipantNotFound
	}
	return &row, nil
}

func (r *MemoryRosterRepository) ListByStatus(ctx context.Context, roomID domain.RoomID, status domain.ParticipantStatus) ([]*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Participant
	for key, row := range r.rows {
		if key.room == roomID && row.Status == status {
			row := row
			result = append(result, &row)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].JoinedAt.Before(result[j].JoinedAt) })
	return result, nil
}

func (r *MemoryRosterRepository) UpdateStatus(ctx context.Context, roomID domain.RoomID, userID domain.UserID, from, to domain.ParticipantStatus) (*domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := rosterKey{roomID, userID}
	prev, exists := r.rows[key]
	if !exists {
		return nil, domain.ErrParticipantNotFound
	}
	if prev.Status != from {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, prev.Status, to)
	}

	row := prev
	row.Status = to
	row.UpdatedAt = time.Now().UTC()
	r.rows[key] = row
	r.emitLocked(domain.RosterChange{Op: domain.RosterUpdate, Participant: row, Previous: &prev})
	return &row, nil
}

func (r *MemoryRosterRepository) Remove(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := rosterKey{roomID, userID}
	row, exists := r.rows[key]
	if !exists {
		return domain.ErrParticipantNotFound
	}
	delete(r.rows, key)
	r.emitLocked(domain.RosterChange{Op: domain.RosterDelete, Participant: row})
	return nil
}

func (r *MemoryRosterRepository) Count(ctx context.Context, roomID domain.RoomID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLocked(roomID), nil
}

func (r *MemoryRosterRepository) countLocked(roomID domain.RoomID) int {
	count := 0
	for key, row := range r.rows {
		if key.room == roomID && row.Status != domain.StatusRejected {
			count++
		}
	}
	return count
}

// Watch delivers row changes for roomID in commit order on a dedicated
// goroutine until the subscription or ctx ends.
func (r *MemoryRosterRepository) Watch(ctx context.Context, roomID domain.RoomID, onChange func(domain.RosterChange)) (ports.Subscription, error) {
	d := distributed.NewDispatcher(onChange)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	if r.watchers[roomID] == nil {
		r.watchers[roomID] = make(map[int]*distributed.Dispatcher[domain.RosterChange])
	}
	r.watchers[roomID][id] = d
	r.mu.Unlock()

	sub := &watchSubscription{unsubscribe: func() {
		r.mu.Lock()
		delete(r.watchers[roomID], id)
		if len(r.watchers[roomID]) == 0 {
			delete(r.watchers, roomID)
		}
		r.mu.Unlock()
		d.Close()
	}}
	context.AfterFunc(ctx, func() { _ = sub.Unsubscribe() })
	return sub, nil
}

func (r *MemoryRosterRepository) emitLocked(change domain.RosterChange) {
	for _, d := range r.watchers[change.Participant.RoomID] {
		d.Push(change)
	}
}

type watchSubscription struct {
	once        sync.Once
	unsubscribe func()
}

func (s *watchSubscription) Unsubscribe() error {
	s.once.Do(s.unsubscribe)
	return nil
}
