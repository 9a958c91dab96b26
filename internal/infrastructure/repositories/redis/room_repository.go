package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const roomIndexKey = "meshcall:rooms"

type RedisRoomRepository struct {
	client redis.UniversalClient
}

func NewRedisRoomRepository(client redis.UniversalClient) ports.RoomRepository {
	return &RedisRoomRepository{client: client}
}

func roomKey(id domain.RoomID) string {
	return fmt.Sprintf("meshcall:room:%s:meta", id)
}

func (r *RedisRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	created, err := r.client.SetNX(ctx, roomKey(room.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create room in Redis: %w", err)
	}
	if !created {
		return fmt.Errorf("room already exists: %s", room.ID)
	}

	if err := r.client.SAdd(ctx, roomIndexKey, string(room.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index room: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := r.client.Get(ctx, roomKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var room domain.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &room, nil
}

// Delete removes the room with its roster.
func (r *RedisRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	pipe := r.client.TxPipeline()
	deleted := pipe.Del(ctx, roomKey(id))
	pipe.Del(ctx, rosterKey(id))
	pipe.SRem(ctx, roomIndexKey, string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}

	if deleted.Val() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}
