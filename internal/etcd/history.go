package etcd

import (
	"context"
	"errors"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tzfun/etcd-workbench/internal/apperr"
	"github.com/tzfun/etcd-workbench/internal/logutil"
)

// revisionRange is the [CreateRevision, ModRevision] of a key as read at
// some revision. ok is false when the key did not exist there.
type revisionRange struct {
	create, mod int64
	ok          bool
}

type revisionFetcher func(ctx context.Context, revision int64) (revisionRange, error)

// History returns the revisions in [start, end] at which key was written,
// newest first. A compacted revision ends the walk early without an error.
func (c *Connector) History(ctx context.Context, key []byte, start, end int64) ([]int64, error) {
	if len(key) == 0 {
		return nil, apperr.Argument("key is required")
	}
	if start <= 0 {
		start = 1
	}
	if end <= 0 {
		kv, err := c.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		end = kv.ModRevision
	}
	if end < start {
		return nil, apperr.Argument("end revision %d is before start %d", end, start)
	}

	full := c.key(key)
	fetch := func(ctx context.Context, rev int64) (revisionRange, error) {
		resp, err := c.get(ctx, full, clientv3.WithRev(rev))
		if err != nil {
			return revisionRange{}, err
		}
		if len(resp.Kvs) == 0 {
			return revisionRange{}, nil
		}
		kv := resp.Kvs[0]
		return revisionRange{create: kv.CreateRevision, mod: kv.ModRevision, ok: true}, nil
	}
	return walkHistory(ctx, start, end, fetch)
}

// walkHistory walks backward from end. A candidate revision inside the
// key's [create, mod] range is recorded and the walk steps to candidate-1;
// otherwise it jumps to mod, the newest write at or before the candidate.
func walkHistory(ctx context.Context, start, end int64, fetch revisionFetcher) ([]int64, error) {
	var history []int64
	candidate := end
	for candidate >= start {
		if err := ctx.Err(); err != nil {
			return history, err
		}

		r, err := fetch(ctx, candidate)
		if err != nil {
			if errors.Is(err, apperr.ErrCompacted) {
				return history, nil
			}
			return history, err
		}
		if !r.ok {
			break
		}

		if r.create <= candidate && candidate <= r.mod {
			history = append(history, candidate)
			candidate--
			continue
		}
		if r.mod >= candidate {
			// A well-behaved server never returns a write from the future.
			candidate--
			continue
		}
		candidate = r.mod
	}
	return history, nil
}

// GetByVersion returns key as it was when its version was version. Versions
// older than the last compaction report NotExist.
func (c *Connector) GetByVersion(ctx context.Context, key []byte, version int64) (KeyValue, error) {
	if version <= 0 {
		return KeyValue{}, apperr.Argument("version must be positive, got %d", version)
	}
	cur, err := c.Get(ctx, key)
	if err != nil {
		return KeyValue{}, err
	}
	if version == cur.Version {
		return cur, nil
	}
	if version > cur.Version {
		return KeyValue{}, apperr.Wrap(apperr.ErrNotExist, fmt.Errorf("version %d of %s", version, logutil.Key(key)))
	}

	revs, err := c.History(ctx, key, cur.CreateRevision, cur.ModRevision)
	if err != nil {
		return KeyValue{}, err
	}
	// History holds one revision per write since creation, newest first.
	idx := int(cur.Version - version)
	if idx >= len(revs) {
		return KeyValue{}, apperr.Wrap(apperr.ErrNotExist, fmt.Errorf("version %d of %s was compacted", version, logutil.Key(key)))
	}
	return c.GetAtRevision(ctx, key, revs[idx])
}
