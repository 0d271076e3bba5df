package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/comigor/jarvis-chat/internal/logger"
)

// pebbleEnvelope is the value written under chat:<id>; pebble has no TTL of its own.
type pebbleEnvelope struct {
	ExpiresAt int64   `json:"expires_at"` // unix milliseconds
	History   History `json:"history"`
}

// PebbleStore is an embedded key-value Store. Expired values read as absent and are
// removed by Sweep.
type PebbleStore struct {
	db   *pebble.DB
	opts options
}

var (
	_ Store   = (*PebbleStore)(nil)
	_ Sweeper = (*PebbleStore)(nil)
)

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string, opts ...Option) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, storeError("open", err)
	}
	logger.L.Info("pebble history store opened", "path", path)
	return &PebbleStore{db: db, opts: buildOptions(opts)}, nil
}

// Load returns the unexpired history for id.
func (s *PebbleStore) Load(_ context.Context, id string) (History, bool, error) {
	v, closer, err := s.db.Get([]byte(Key(s.opts.prefix, id)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, storeError("get", err)
	}
	defer closer.Close()

	var env pebbleEnvelope
	if err := json.Unmarshal(v, &env); err != nil {
		return nil, false, storeError("decode", err)
	}
	if s.opts.now().UnixMilli() >= env.ExpiresAt {
		return nil, false, nil
	}
	return env.History, true, nil
}

// Save writes the envelope synchronously; history and deadline share one value.
func (s *PebbleStore) Save(_ context.Context, id string, h History, ttl time.Duration) error {
	if h == nil {
		h = History{}
	}
	data, err := json.Marshal(pebbleEnvelope{
		ExpiresAt: s.opts.now().Add(ttl).UnixMilli(),
		History:   h,
	})
	if err != nil {
		return storeError("encode", err)
	}
	if err := s.db.Set([]byte(Key(s.opts.prefix, id)), data, pebble.Sync); err != nil {
		return storeError("set", err)
	}
	return nil
}

// Sweep deletes every entry under the key prefix that expired at now.
func (s *PebbleStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	prefix := []byte(s.opts.prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix})
	if err != nil {
		return 0, storeError("sweep", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	cutoff := now.UnixMilli()
	n := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if ctx.Err() != nil {
			break
		}
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var env pebbleEnvelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			logger.L.Warn("pebble sweep: undecodable entry", "key", string(iter.Key()), "error", err)
			continue
		}
		if cutoff >= env.ExpiresAt {
			if err := batch.Delete(bytes.Clone(iter.Key()), nil); err != nil {
				_ = iter.Close()
				return 0, storeError("sweep", err)
			}
			n++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, storeError("sweep", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, storeError("sweep", err)
	}
	return n, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
