package history

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/comigor/jarvis-chat/internal/config"
)

const day = 24 * time.Hour

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// backend bundles a store with a way to move its notion of time forward.
type backend struct {
	store   Store
	advance func(time.Duration)
	now     func() time.Time
}

func backends(t *testing.T) map[string]func(t *testing.T) backend {
	t.Helper()
	return map[string]func(t *testing.T) backend{
		"memory": func(t *testing.T) backend {
			clock := newFakeClock()
			return backend{store: NewMemoryStore(WithClock(clock.Now)), advance: clock.Advance, now: clock.Now}
		},
		"sqlite": func(t *testing.T) backend {
			clock := newFakeClock()
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"), WithClock(clock.Now))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return backend{store: s, advance: clock.Advance, now: clock.Now}
		},
		"pebble": func(t *testing.T) backend {
			clock := newFakeClock()
			s, err := OpenPebble(filepath.Join(t.TempDir(), "pebble"), WithClock(clock.Now))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return backend{store: s, advance: clock.Advance, now: clock.Now}
		},
		"redis": func(t *testing.T) backend {
			mr := miniredis.RunT(t)
			s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
			t.Cleanup(func() { _ = s.Close() })
			return backend{store: s, advance: mr.FastForward, now: time.Now}
		},
	}
}

func TestStore_Contract(t *testing.T) {
	t.Parallel()

	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			t.Run("missing key is absent, not an error", func(t *testing.T) {
				b := mk(t)
				h, ok, err := b.store.Load(ctx, "nope")
				require.NoError(t, err)
				require.False(t, ok)
				require.Nil(t, h)
			})

			t.Run("round trip preserves order and content", func(t *testing.T) {
				b := mk(t)
				want := conversation(5)
				want = append(want, Message{Role: RoleModel, Parts: []Part{{Text: "a"}, {Text: "b"}}})
				require.NoError(t, b.store.Save(ctx, "c1", want, day))

				got, ok, err := b.store.Load(ctx, "c1")
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, want, got)
			})

			t.Run("save overwrites", func(t *testing.T) {
				b := mk(t)
				require.NoError(t, b.store.Save(ctx, "c1", conversation(2), day))
				require.NoError(t, b.store.Save(ctx, "c1", conversation(4), day))

				got, ok, err := b.store.Load(ctx, "c1")
				require.NoError(t, err)
				require.True(t, ok)
				require.Len(t, got, 5)
			})

			t.Run("ids are isolated", func(t *testing.T) {
				b := mk(t)
				require.NoError(t, b.store.Save(ctx, "a", conversation(1), day))
				require.NoError(t, b.store.Save(ctx, "b", conversation(3), day))

				a, _, err := b.store.Load(ctx, "a")
				require.NoError(t, err)
				require.Len(t, a, 2)
				bb, _, err := b.store.Load(ctx, "b")
				require.NoError(t, err)
				require.Len(t, bb, 4)
			})

			t.Run("entry expires after ttl", func(t *testing.T) {
				b := mk(t)
				require.NoError(t, b.store.Save(ctx, "c1", conversation(2), day))

				b.advance(day - time.Minute)
				_, ok, err := b.store.Load(ctx, "c1")
				require.NoError(t, err)
				require.True(t, ok)

				b.advance(2 * time.Minute)
				h, ok, err := b.store.Load(ctx, "c1")
				require.NoError(t, err)
				require.False(t, ok)
				require.Nil(t, h)
			})

			t.Run("save resets expiry", func(t *testing.T) {
				b := mk(t)
				require.NoError(t, b.store.Save(ctx, "c1", conversation(2), day))
				b.advance(day - time.Hour)
				require.NoError(t, b.store.Save(ctx, "c1", conversation(4), day))
				b.advance(2 * time.Hour)

				got, ok, err := b.store.Load(ctx, "c1")
				require.NoError(t, err)
				require.True(t, ok)
				require.Len(t, got, 5)
			})

			t.Run("sweep removes only expired entries", func(t *testing.T) {
				b := mk(t)
				sw, ok := b.store.(Sweeper)
				if !ok {
					t.Skip("backend expires entries natively")
				}
				require.NoError(t, b.store.Save(ctx, "old", conversation(1), time.Hour))
				require.NoError(t, b.store.Save(ctx, "new", conversation(1), day))
				b.advance(2 * time.Hour)

				n, err := sw.Sweep(ctx, b.now())
				require.NoError(t, err)
				require.Equal(t, 1, n)

				_, ok, err = b.store.Load(ctx, "new")
				require.NoError(t, err)
				require.True(t, ok)

				n, err = sw.Sweep(ctx, b.now())
				require.NoError(t, err)
				require.Zero(t, n)
			})
		})
	}
}

func TestRedisStore_KeyAndTTL(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Save(context.Background(), "abc", conversation(2), day))

	require.True(t, mr.Exists("chat:abc"))
	require.Equal(t, day, mr.TTL("chat:abc"))

	raw, err := mr.Get("chat:abc")
	require.NoError(t, err)
	require.JSONEq(t,
		`[{"role":"system","parts":[{"text":"seed"}]},
		  {"role":"user","parts":[{"text":"turn-0"}]},
		  {"role":"model","parts":[{"text":"turn-1"}]}]`,
		raw)
}

func TestRedisStore_BackendErrorsAreStoreErrors(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	mr.SetError("ERR backend unavailable")

	_, _, err := s.Load(context.Background(), "abc")
	require.ErrorIs(t, err, ErrStore)

	err = s.Save(context.Background(), "abc", conversation(1), day)
	require.ErrorIs(t, err, ErrStore)
}

func TestMemoryStore_KeyPrefix(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(WithKeyPrefix("conv/"))
	require.NoError(t, s.Save(context.Background(), "x", conversation(0), day))
	require.Equal(t, 1, s.Len())

	_, ok := s.entries["conv/x"]
	require.True(t, ok)
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Save(ctx, "x", conversation(1), day))

	first, _, err := s.Load(ctx, "x")
	require.NoError(t, err)
	first[0].Parts[0].Text = "mutated"

	second, _, err := s.Load(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, "seed", second[0].Text())
}

func TestSQLiteStore_ClosedDatabaseIsStoreError(t *testing.T) {
	t.Parallel()

	s, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.Load(context.Background(), "x")
	require.ErrorIs(t, err, ErrStore)
}

func TestOpen(t *testing.T) {
	t.Parallel()

	s, err := Open(config.StoreConfig{Driver: config.DriverMemory, KeyPrefix: "p:"})
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)
	require.Equal(t, "p:", s.(*MemoryStore).opts.prefix)

	s, err = Open(config.StoreConfig{
		Driver: config.DriverSQLite,
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "nested", "h.db")},
	})
	require.NoError(t, err)
	require.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(config.StoreConfig{Driver: "etcd"})
	require.ErrorIs(t, err, config.ErrUnknownDriver)
}
