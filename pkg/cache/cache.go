package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrCacheMiss = errors.New("cache: key not found")
	// ErrLockNotHeld is returned by Unlock when the lock expired or another
	// holder took it over.
	ErrLockNotHeld = errors.New("cache: lock not held")
)

// lockToken identifies one TryLock acquisition.
var lockToken = uuid.NewString

// Service defines cache operations interface. Values are JSON encoded; a *string
// or *[]byte destination receives the raw stored bytes.
type Service interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPattern(ctx context.Context, pattern string) error
	Exists(ctx context.Context, keys ...string) (bool, error)
	// TryLock takes key for ttl. The returned token must be passed to Unlock.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
	Close() error
}
