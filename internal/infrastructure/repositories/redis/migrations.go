package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const schemaVersionKey = "meshcall:schema:version"

// Migration is one keyspace layout change.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, client redis.UniversalClient) error
}

// Migrate runs all pending migrations in version order.
func Migrate(ctx context.Context, client redis.UniversalClient, logger *zap.SugaredLogger) error {
	current, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	migrations := getMigrations()
	target := migrations[len(migrations)-1].Version
	if current >= target {
		logger.Debugw("schema is up to date",
			"current_version", current,
		)
		return nil
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Infow("running migration",
			"version", m.Version,
			"name", m.Name,
		)
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	logger.Infow("all migrations completed",
		"final_version", target,
	)
	return nil
}

func getSchemaVersion(ctx context.Context, client redis.UniversalClient) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func getMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "index existing rooms",
			Up:      indexRooms,
		},
	}
}

// indexRooms adds every stored room to the room index set.
func indexRooms(ctx context.Context, client redis.UniversalClient) error {
	iter := client.Scan(ctx, 0, "meshcall:room:*:meta", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimSuffix(strings.TrimPrefix(iter.Val(), "meshcall:room:"), ":meta")
		if err := client.SAdd(ctx, roomIndexKey, id).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
