package repositories

import (
	"context"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/cache"
)

// CachedRoomRepository serves room lookups from a TTL cache in front of a
// shared store. Room settings do not change after creation, so only Delete
// needs to invalidate.
type CachedRoomRepository struct {
	repo  ports.RoomRepository
	rooms *cache.Cache[domain.RoomID, domain.Room]
}

func NewCachedRoomRepository(repo ports.RoomRepository, rooms *cache.Cache[domain.RoomID, domain.Room]) *CachedRoomRepository {
	return &CachedRoomRepository{repo: repo, rooms: rooms}
}

func (r *CachedRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	if err := r.repo.Create(ctx, room); err != nil {
		return err
	}
	r.rooms.Set(room.ID, *room)
	return nil
}

func (r *CachedRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	room, err := r.rooms.GetOrLoad(ctx, id, func(ctx context.Context) (domain.Room, error) {
		found, err := r.repo.GetByID(ctx, id)
		if err != nil {
			return domain.Room{}, err
		}
		return *found, nil
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *CachedRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	r.rooms.Delete(id)
	return r.repo.Delete(ctx, id)
}
