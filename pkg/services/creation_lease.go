package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CreationLease marks a project's sandbox creation as in progress across
// instances. It only saves duplicate provider calls; the serializable claim
// decides which sandbox a project keeps.
type CreationLease interface {
	// Acquire tries to take the lease. When acquired is false another holder
	// is creating right now. release must be called when acquired is true.
	Acquire(ctx context.Context, projectID uuid.UUID) (release func(), acquired bool, err error)
}

const creationLeaseKeyPrefix = "ekaya:sandbox-create:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lease re-taken by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type redisCreationLease struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCreationLease returns a Redis-backed lease, or a lease that is always
// granted when client is nil.
func NewCreationLease(client *redis.Client, ttl time.Duration) CreationLease {
	if client == nil {
		return noopCreationLease{}
	}
	return &redisCreationLease{client: client, ttl: ttl}
}

func (l *redisCreationLease) Acquire(ctx context.Context, projectID uuid.UUID) (func(), bool, error) {
	key := creationLeaseKeyPrefix + projectID.String()
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire creation lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

type noopCreationLease struct{}

func (noopCreationLease) Acquire(context.Context, uuid.UUID) (func(), bool, error) {
	return func() {}, true, nil
}
