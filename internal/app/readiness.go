package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a dependency capable of Ping. The pgx
// pool, the snapshot cache, and the report producer all satisfy it.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the postgres, redis, and kafka readiness
// checks. Redis and Kafka are optional; a nil client yields a nil check so
// the readiness handler skips it entirely.
func BuildReadinessChecks(pool, cache, producer Pinger) (
	dbCheck func(ctx context.Context) error,
	redisCheck func(ctx context.Context) error,
	kafkaCheck func(ctx context.Context) error,
) {
	dbCheck = func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("postgres not configured")
		}
		return pool.Ping(ctx)
	}
	if cache != nil {
		redisCheck = func(ctx context.Context) error { return cache.Ping(ctx) }
	}
	if producer != nil {
		kafkaCheck = func(ctx context.Context) error { return producer.Ping(ctx) }
	}
	return dbCheck, redisCheck, kafkaCheck
}
