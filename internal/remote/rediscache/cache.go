// Package rediscache puts a shared redis layer in front of a remote boundary.
// Confirmed-absent addresses are stored as a JSON null tombstone.
package rediscache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
	"github.com/mohammed-shakir/grid-content-cache/internal/cache/keys"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/observability"
	"github.com/mohammed-shakir/grid-content-cache/internal/remote"
)

var tombstone = []byte("null")

// Store is the subset of redisstore.Client the cache needs.
type Store interface {
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	MSetWithTTL(ctx context.Context, kv map[string][]byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type Options struct {
	Namespace string
	TTL       time.Duration
	// NegativeTTL applies to tombstones; zero means TTL.
	NegativeTTL time.Duration
	OpTimeout   time.Duration
	Logger      *slog.Logger
}

type Cache struct {
	inner remote.Boundary
	store Store
	opts  Options
	log   *slog.Logger
}

var _ remote.Boundary = (*Cache)(nil)

func New(inner remote.Boundary, store Store, opts Options) *Cache {
	if opts.Namespace == "" {
		opts.Namespace = keys.DefaultNamespace
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = opts.TTL
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 250 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Cache{inner: inner, store: store, opts: opts, log: log.With("component", "rediscache")}
}

func (c *Cache) Lookup(ctx context.Context, addr address.Address) (*model.Record, error) {
	hits, missing := c.load(ctx, []address.Address{addr})
	if len(missing) == 0 {
		return hits[addr], nil
	}
	rec, err := c.inner.Lookup(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.save(ctx, []address.Address{addr}, map[address.Address]*model.Record{addr: rec})
	return rec, nil
}

// BatchLookup serves what redis has and asks the inner boundary for the
// rest in a single call. Redis failures fall through to the inner boundary.
func (c *Cache) BatchLookup(ctx context.Context, addrs []address.Address) (map[address.Address]*model.Record, error) {
	hits, missing := c.load(ctx, addrs)

	out := make(map[address.Address]*model.Record, len(addrs))
	for a, rec := range hits {
		if rec != nil {
			out[a] = rec
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.inner.BatchLookup(ctx, missing)
	if err != nil {
		return nil, err
	}
	c.save(ctx, missing, fetched)
	for _, a := range missing {
		if rec := fetched[a]; rec != nil {
			out[a] = rec
		}
	}
	return out, nil
}

// Forget removes addrs from redis so the next lookup reaches the inner boundary.
func (c *Cache) Forget(ctx context.Context, addrs ...address.Address) error {
	if len(addrs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	if err := c.store.Del(ctx, keys.Keys(c.opts.Namespace, addrs)...); err != nil {
		return fmt.Errorf("forget %d addresses: %w", len(addrs), err)
	}
	return nil
}

// load returns decoded hits (nil for tombstones) and the addresses that
// must go to the inner boundary, in input order.
func (c *Cache) load(ctx context.Context, addrs []address.Address) (map[address.Address]*model.Record, []address.Address) {
	hits := make(map[address.Address]*model.Record, len(addrs))
	if len(addrs) == 0 {
		return hits, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()

	ks := keys.Keys(c.opts.Namespace, addrs)
	vals, err := c.store.MGet(ctx, ks)
	if err != nil {
		c.log.Warn("redis read failed; using remote", "keys", len(ks), "err", err)
		observability.AddL2Misses(len(addrs))
		return hits, addrs
	}

	var missing []address.Address
	for i, a := range addrs {
		v, ok := vals[ks[i]]
		if !ok {
			missing = append(missing, a)
			continue
		}
		if bytes.Equal(v, tombstone) {
			hits[a] = nil
			continue
		}
		var rec model.Record
		if err := json.Unmarshal(v, &rec); err != nil {
			c.log.Warn("dropping undecodable cached record", "addr", a.Short(), "err", err)
			missing = append(missing, a)
			continue
		}
		hits[a] = &rec
	}
	observability.AddL2Hits(len(hits))
	observability.AddL2Misses(len(missing))
	return hits, missing
}

// save writes fetched records for requested, with tombstones for the ones
// the remote left out. Failures are logged and otherwise ignored.
func (c *Cache) save(ctx context.Context, requested []address.Address, fetched map[address.Address]*model.Record) {
	present := make(map[string][]byte, len(fetched))
	absent := make(map[string][]byte)
	for _, a := range requested {
		k := keys.Key(c.opts.Namespace, a)
		rec := fetched[a]
		if rec == nil {
			absent[k] = tombstone
			continue
		}
		b, err := json.Marshal(rec)
		if err != nil {
			c.log.Warn("encode record for redis", "addr", a.Short(), "err", err)
			continue
		}
		present[k] = b
	}

	// the caller's context may already be near its deadline
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.OpTimeout)
	defer cancel()

	if err := c.store.MSetWithTTL(ctx, present, c.opts.TTL); err != nil {
		c.log.Warn("redis write failed", "keys", len(present), "err", err)
	}
	if err := c.store.MSetWithTTL(ctx, absent, c.opts.NegativeTTL); err != nil {
		c.log.Warn("redis tombstone write failed", "keys", len(absent), "err", err)
	}
}
