package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/guard"
	"github.com/plaenen/equbledger/pkg/idgen"
)

var _ guard.Locker = (*KVLocker)(nil)

// KVLockConfig configures the lock bucket.
type KVLockConfig struct {
	// Bucket is the key-value bucket name
	Bucket string

	// TTL bounds how long an abandoned lock survives a crashed holder
	TTL time.Duration

	// Storage selects file or memory storage
	Storage nats.StorageType
}

// DefaultKVLockConfig returns sensible defaults.
func DefaultKVLockConfig() KVLockConfig {
	return KVLockConfig{
		Bucket:  "EQUB_LOCKS",
		TTL:     30 * time.Second,
		Storage: nats.MemoryStorage,
	}
}

// KVLocker is a guard.Locker shared by every instance connected to the same
// JetStream domain. Create on a key-value bucket only succeeds when the key
// is absent, which gives fail-fast mutual exclusion.
type KVLocker struct {
	kv nats.KeyValue
}

// NewKVLocker binds to the lock bucket, creating it if needed.
func NewKVLocker(js nats.JetStreamContext, cfg KVLockConfig) (*KVLocker, error) {
	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "equb aggregate single-writer locks",
			History:     1,
			TTL:         cfg.TTL,
			Storage:     cfg.Storage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to bind lock bucket %s: %w", cfg.Bucket, err)
	}
	return &KVLocker{kv: kv}, nil
}

// lockKey maps an aggregate id onto the key alphabet NATS accepts.
func lockKey(aggregateID string) string {
	return "agg." + base64.RawURLEncoding.EncodeToString([]byte(aggregateID))
}

// TryLock implements guard.Locker.
func (l *KVLocker) TryLock(_ context.Context, aggregateID string) (string, bool, error) {
	token := idgen.NewID()
	if _, err := l.kv.Create(lockKey(aggregateID), []byte(token)); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to take lock on %s: %w", aggregateID, err)
	}
	return token, true, nil
}

// Unlock implements guard.Locker. The delete is conditional on the revision
// this holder wrote, so a lock taken over after TTL expiry is left alone.
func (l *KVLocker) Unlock(_ context.Context, aggregateID, token string) error {
	key := lockKey(aggregateID)
	entry, err := l.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return notHeld(aggregateID)
	}
	if err != nil {
		return fmt.Errorf("failed to read lock on %s: %w", aggregateID, err)
	}
	if string(entry.Value()) != token {
		return notHeld(aggregateID)
	}

	if err := l.kv.Delete(key, nats.LastRevision(entry.Revision())); err != nil {
		var apiErr *nats.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence {
			return notHeld(aggregateID)
		}
		return fmt.Errorf("failed to release lock on %s: %w", aggregateID, err)
	}
	return nil
}

func notHeld(aggregateID string) error {
	return domain.NewError(domain.KindConcurrency, domain.CodeLockNotHeld,
		"lock on %s is not held by this writer", aggregateID)
}
