package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/distributed"
	pkgdistributed "meshcall/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	rowLockTTL      = 2 * time.Second
	joinLockTimeout = 3 * time.Second
)

// RedisRosterRepository stores each room's roster as a hash of JSON rows
// keyed by user id. Every write holds the row lock and publishes the change
// on the room event channel, which is the feed Watch consumes.
type RedisRosterRepository struct {
	client redis.UniversalClient
	bus    *distributed.EventBus
	locks  *pkgdistributed.LockManager
	logger *zap.SugaredLogger
}

func NewRedisRosterRepository(client redis.UniversalClient, bus *distributed.EventBus, logger *zap.SugaredLogger) ports.RosterStore {
	return &RedisRosterRepository{
		client: client,
		bus:    bus,
		locks:  pkgdistributed.NewLockManager(client, "meshcall:lock:", rowLockTTL),
		logger: logger,
	}
}

func rosterKey(roomID domain.RoomID) string {
	return fmt.Sprintf("meshcall:room:%s:roster", roomID)
}

func rowLockKey(roomID domain.RoomID, userID domain.UserID) string {
	return fmt.Sprintf("roster:%s:%s", roomID, userID)
}

func joinLockKey(roomID domain.RoomID) string {
	return fmt.Sprintf("roster:%s:join", roomID)
}

func (r *RedisRosterRepository) Upsert(ctx context.Context, p *domain.Participant) error {
	if p == nil || !p.Status.Valid() {
		return fmt.Errorf("invalid participant row")
	}

	return r.locks.WithLock(ctx, rowLockKey(p.RoomID, p.UserID), func(ctx context.Context) error {
		prev, err := r.get(ctx, p.RoomID, p.UserID)
		if err != nil && !errors.Is(err, domain.ErrParticipantNotFound) {
			return err
		}

		row := *p
		if row.UpdatedAt.IsZero() {
			row.UpdatedAt = time.Now().UTC()
		}
		if err := r.put(ctx, &row); err != nil {
			return err
		}

		change := domain.RosterChange{Op: domain.RosterInsert, Participant: row}
		if prev != nil {
			change.Op = domain.RosterUpdate
			change.Previous = prev
		}
		return r.emit(ctx, change)
	})
}

// Join serializes admissions per room under a room lock. The row itself is
// written with HSETNX so a concurrent Upsert of the same user is never
// overwritten.
func (r *RedisRosterRepository) Join(ctx context.Context, p *domain.Participant, capacity int) (*domain.Participant, bool, error) {
	if p == nil || !p.Status.Valid() {
		return nil, false, fmt.Errorf("invalid participant row")
	}

	lock := r.locks.AcquireLock(joinLockKey(p.RoomID))
	if err := lock.LockWithTimeout(ctx, joinLockTimeout); err != nil {
		return nil, false, fmt.Errorf("failed to lock room roster: %w", err)
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warnw("failed to release room roster lock", "room_id", p.RoomID, "error", err)
		}
	}()

	existing, err := r.get(ctx, p.RoomID, p.UserID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, domain.ErrParticipantNotFound):
		return nil, false, err
	}

	count, err := r.Count(ctx, p.RoomID)
	if err != nil {
		return nil, false, err
	}
	if count >= capacity {
		return nil, false, fmt.Errorf("%w: %d/%d participants", domain.ErrRoomFull, count, capacity)
	}

	row := *p
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal roster row: %w", err)
	}
	inserted, err := r.client.HSetNX(ctx, rosterKey(row.RoomID), string(row.UserID), data).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to write roster row: %w", err)
	}
	if !inserted {
		existing, err := r.get(ctx, row.RoomID, row.UserID)
		return existing, false, err
	}
	return &row, true, r.emit(ctx, domain.RosterChange{Op: domain.RosterInsert, Participant: row})
}

func (r *RedisRosterRepository) Get(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (*domain.Participant, error) {
	return r.get(ctx, roomID, userID)
}

func (r *RedisRosterRepository) ListByStatus(ctx context.Context, roomID domain.RoomID, status domain.ParticipantStatus) ([]*domain.Participant, error) {
	rows, err := r.all(ctx, roomID)
	if err != nil {
		return nil, err
	}

	var result []*domain.Participant
	for _, row := range rows {
		if row.Status == status {
			result = append(result, row)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].JoinedAt.Before(result[j].JoinedAt) })
	return result, nil
}

func (r *RedisRosterRepository) UpdateStatus(ctx context.Context, roomID domain.RoomID, userID domain.UserID, from, to domain.ParticipantStatus) (*domain.Participant, error) {
	var updated *domain.Participant
	err := r.locks.WithLock(ctx, rowLockKey(roomID, userID), func(ctx context.Context) error {
		prev, err := r.get(ctx, roomID, userID)
		if err != nil {
			return err
		}
		if prev.Status != from {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, prev.Status, to)
		}

		row := *prev
		row.Status = to
		row.UpdatedAt = time.Now().UTC()
		if err := r.put(ctx, &row); err != nil {
			return err
		}
		updated = &row
		return r.emit(ctx, domain.RosterChange{Op: domain.RosterUpdate, Participant: row, Previous: prev})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *RedisRosterRepository) Remove(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error {
	return r.locks.WithLock(ctx, rowLockKey(roomID, userID), func(ctx context.Context) error {
		row, err := r.get(ctx, roomID, userID)
		if err != nil {
			return err
		}
		if err := r.client.HDel(ctx, rosterKey(roomID), string(userID)).Err(); err != nil {
			return fmt.Errorf("failed to delete roster row: %w", err)
		}
		return r.emit(ctx, domain.RosterChange{Op: domain.RosterDelete, Participant: *row})
	})
}

func (r *RedisRosterRepository) Count(ctx context.Context, roomID domain.RoomID) (int, error) {
	rows, err := r.all(ctx, roomID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, row := range rows {
		if row.Status != domain.StatusRejected {
			count++
		}
	}
	return count, nil
}

// Watch consumes the room event channel. Changes are delivered in channel
// order on a dedicated goroutine.
func (r *RedisRosterRepository) Watch(ctx context.Context, roomID domain.RoomID, onChange func(domain.RosterChange)) (ports.Subscription, error) {
	d := distributed.NewDispatcher(onChange)

	sub, err := r.bus.Subscribe(ctx, roomID, distributed.EventRosterChanged, func(e *distributed.Event) {
		var change domain.RosterChange
		if err := json.Unmarshal(e.Payload, &change); err != nil {
			r.logger.Warnw("dropping malformed roster change",
				"room_id", roomID,
				"error", err,
			)
			return
		}
		d.Push(change)
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	return &rosterWatch{events: sub, dispatcher: d}, nil
}

func (r *RedisRosterRepository) get(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (*domain.Participant, error) {
	data, err := r.client.HGet(ctx, rosterKey(roomID), string(userID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get roster row from Redis: %w", err)
	}

	var row domain.Participant
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roster row: %w", err)
	}
	return &row, nil
}

func (r *RedisRosterRepository) all(ctx context.Context, roomID domain.RoomID) ([]*domain.Participant, error) {
	values, err := r.client.HVals(ctx, rosterKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list roster rows: %w", err)
	}

	rows := make([]*domain.Participant, 0, len(values))
	for _, data := range values {
		var row domain.Participant
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			r.logger.Warnw("skipping malformed roster row",
				"room_id", roomID,
				"error", err,
			)
			continue
		}
		rows = append(rows, &row)
	}
	return rows, nil
}

func (r *RedisRosterRepository) put(ctx context.Context, row *domain.Participant) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal roster row: %w", err)
	}
	if err := r.client.HSet(ctx, rosterKey(row.RoomID), string(row.UserID), data).Err(); err != nil {
		return fmt.Errorf("failed to write roster row: %w", err)
	}
	return nil
}

func (r *RedisRosterRepository) emit(ctx context.Context, change domain.RosterChange) error {
	if err := r.bus.Publish(ctx, change.Participant.RoomID, distributed.EventRosterChanged, change); err != nil {
		return fmt.Errorf("roster row written but change not published: %w", err)
	}
	return nil
}

type rosterWatch struct {
	events     *distributed.EventSubscription
	dispatcher *distributed.Dispatcher[domain.RosterChange]
	once       sync.Once
	err        error
}

func (w *rosterWatch) Unsubscribe() error {
	w.once.Do(func() {
		w.err = w.events.Unsubscribe()
		w.dispatcher.Close()
	})
	return w.err
}
