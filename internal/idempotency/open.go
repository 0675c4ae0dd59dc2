package idempotency

import (
	"context"
	"fmt"
	"strings"
)

// Open builds the store selected by driver: memory, file, postgres or redis.
// The returned close func is never nil.
func Open(ctx context.Context, driver, path, postgresDSN, redisURL string) (Store, func(), error) {
	switch strings.ToLower(driver) {
	case "", "memory":
		return NewMemoryStore(), func() {}, nil
	case "file":
		s, err := NewFileStore(path)
		if err != nil {
			return nil, func() {}, fmt.Errorf("file store: %w", err)
		}
		return s, func() {}, nil
	case "postgres":
		s, err := NewPostgresStore(ctx, postgresDSN)
		if err != nil {
			return nil, func() {}, fmt.Errorf("postgres store: %w", err)
		}
		return s, s.Close, nil
	case "redis":
		s, err := NewRedisStore(ctx, redisURL)
		if err != nil {
			return nil, func() {}, fmt.Errorf("redis store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown store driver %q", driver)
	}
}
