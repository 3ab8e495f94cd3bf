// Package redis provides a Redis-backed aggregate locker for deployments
// that already run Redis instead of NATS.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/guard"
	"github.com/plaenen/equbledger/pkg/idgen"
)

var _ guard.Locker = (*Locker)(nil)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a guard.Locker on SET NX PX.
type Locker struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures a Locker.
type Option func(*Locker)

// WithPrefix sets the key prefix (default "equb:lock:").
func WithPrefix(p string) Option {
	return func(l *Locker) {
		l.prefix = p
	}
}

// WithTTL bounds how long a lock outlives a crashed holder (default 30s).
func WithTTL(d time.Duration) Option {
	return func(l *Locker) {
		l.ttl = d
	}
}

// NewLocker wraps an existing client.
func NewLocker(rdb goredis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{rdb: rdb, prefix: "equb:lock:", ttl: 30 * time.Second}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// TryLock implements guard.Locker.
func (l *Locker) TryLock(ctx context.Context, aggregateID string) (string, bool, error) {
	token := idgen.NewID()
	ok, err := l.rdb.SetNX(ctx, l.prefix+aggregateID, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis lock %s: %w", aggregateID, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock implements guard.Locker.
func (l *Locker) Unlock(ctx context.Context, aggregateID, token string) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.prefix + aggregateID}, token).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("redis unlock %s: %w", aggregateID, err)
	}
	if n == 0 {
		return domain.NewError(domain.KindConcurrency, domain.CodeLockNotHeld,
			"lock on %s is not held by this writer", aggregateID)
	}
	return nil
}
