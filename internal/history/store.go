package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/comigor/jarvis-chat/internal/config"
)

// ErrStore wraps every backend failure. Absence of a key is never an ErrStore.
var ErrStore = errors.New("history store")

// Store persists one History per conversation id with a time-bounded lifetime.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the stored history for id. A missing or expired entry yields
	// (nil, false, nil).
	Load(ctx context.Context, id string) (History, bool, error)

	// Save overwrites the entry for id and resets its expiry to ttl in the same write.
	Save(ctx context.Context, id string, h History, ttl time.Duration) error

	Close() error
}

// Sweeper is implemented by stores that must delete expired entries themselves.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// DefaultKeyPrefix namespaces conversation entries in shared key spaces.
const DefaultKeyPrefix = "chat:"

// Key returns the storage key of a conversation.
func Key(prefix, id string) string {
	return prefix + id
}

type options struct {
	prefix string
	now    func() time.Time
}

// Option configures a store.
type Option func(*options)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithClock replaces time.Now for expiry bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{prefix: DefaultKeyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

func encode(h History) ([]byte, error) {
	if h == nil {
		h = History{}
	}
	return json.Marshal(h)
}

func decode(data []byte) (History, error) {
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return h, nil
}

// Open builds the store selected by cfg.Driver.
func Open(cfg config.StoreConfig, opts ...Option) (Store, error) {
	if cfg.KeyPrefix != "" {
		opts = append([]Option{WithKeyPrefix(cfg.KeyPrefix)}, opts...)
	}
	switch cfg.Driver {
	case config.DriverMemory:
		return NewMemoryStore(opts...), nil
	case config.DriverSQLite:
		return OpenSQLite(cfg.SQLite.Path, opts...)
	case config.DriverRedis:
		return OpenRedis(cfg.Redis, opts...), nil
	case config.DriverPebble:
		return OpenPebble(cfg.Pebble.Path, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownDriver, cfg.Driver)
	}
}
