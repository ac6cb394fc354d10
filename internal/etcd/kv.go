package etcd

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sort"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tzfun/etcd-workbench/internal/apperr"
	"github.com/tzfun/etcd-workbench/internal/logutil"
)

// scope returns the start key and range option that cover the whole
// namespace.
func (c *Connector) scope() (string, clientv3.OpOption) {
	if len(c.namespace) == 0 {
		return string(noRangeEnd), clientv3.WithRange(string(noRangeEnd))
	}
	return string(c.namespace), clientv3.WithRange(string(rangeEnd(c.namespace)))
}

// prefixRange returns the range option for every key starting with the
// namespaced prefix.
func prefixRange(full []byte) clientv3.OpOption {
	if len(full) == 0 {
		return clientv3.WithRange(string(noRangeEnd))
	}
	return clientv3.WithRange(string(rangeEnd(full)))
}

func (c *Connector) get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	return call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.GetResponse, error) {
		return cli.Get(ctx, key, opts...)
	})
}

// Count returns the number of keys in the namespace.
func (c *Connector) Count(ctx context.Context) (int64, error) {
	start, end := c.scope()
	resp, err := c.get(ctx, start, end, clientv3.WithCountOnly())
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Get returns the current value of key, with its lease TTL when the key is
// attached to one.
func (c *Connector) Get(ctx context.Context, key []byte) (KeyValue, error) {
	return c.GetAtRevision(ctx, key, 0)
}

// GetAtRevision returns key as it was at revision (0 means current).
func (c *Connector) GetAtRevision(ctx context.Context, key []byte, revision int64) (KeyValue, error) {
	if len(key) == 0 {
		return KeyValue{}, apperr.Argument("key is required")
	}
	var opts []clientv3.OpOption
	if revision > 0 {
		opts = append(opts, clientv3.WithRev(revision))
	}
	resp, err := c.get(ctx, c.key(key), opts...)
	if err != nil {
		return KeyValue{}, err
	}
	if len(resp.Kvs) == 0 {
		return KeyValue{}, apperr.Wrap(apperr.ErrNotExist, fmt.Errorf("key %s", logutil.Key(key)))
	}
	kv := c.toKeyValue(resp.Kvs[0])
	if kv.Lease != 0 && revision == 0 {
		if info, err := c.leaseSummary(ctx, kv.Lease); err == nil {
			kv.LeaseInfo = info
		}
	}
	return kv, nil
}

// AllKeys lists every key in the namespace without values.
func (c *Connector) AllKeys(ctx context.Context) ([]KeyValue, error) {
	start, end := c.scope()
	resp, err := c.get(ctx, start, end, clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}
	return c.toKeyValues(resp), nil
}

// KeysPaging lists up to limit keys strictly after cursor, in key order.
// An empty cursor starts just after the namespace. Pass the last
// key of a page as the next cursor.
func (c *Connector) KeysPaging(ctx context.Context, cursor []byte, limit int64) (Page, error) {
	if limit <= 0 {
		return Page{}, apperr.Argument("limit must be positive, got %d", limit)
	}

	// The start is always the cursor plus 0x00, so a key equal to the
	// namespace itself is never listed.
	start := append(prefixKey(c.namespace, cursor), 0)
	end := noRangeEnd
	if len(c.namespace) > 0 {
		end = rangeEnd(c.namespace)
	}

	resp, err := c.get(ctx, string(start),
		clientv3.WithRange(string(end)),
		clientv3.WithLimit(limit),
		clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return Page{}, err
	}
	return Page{Keys: c.toKeyValues(resp), More: resp.More}, nil
}

// SearchPrefix returns the keys starting with prefix, capped at the search
// limit, plus the total count.
func (c *Connector) SearchPrefix(ctx context.Context, prefix []byte) (SearchResult, error) {
	full := prefixKey(c.namespace, prefix)
	start := string(full)
	if len(full) == 0 {
		start = string(noRangeEnd)
	}
	resp, err := c.get(ctx, start, prefixRange(full),
		clientv3.WithLimit(c.searchLimit),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Count: resp.Count, Results: c.toKeyValues(resp)}, nil
}

// NextDirs returns the distinct path segments directly under prefix, using
// '/' as the separator. Directories end with '/'; leaf keys are included
// only when includeFiles is set.
func (c *Connector) NextDirs(ctx context.Context, prefix []byte, includeFiles bool) ([]string, error) {
	full := prefixKey(c.namespace, prefix)
	start := string(full)
	if len(full) == 0 {
		start = string(noRangeEnd)
	}
	resp, err := c.get(ctx, start, prefixRange(full),
		clientv3.WithKeysOnly(),
		clientv3.WithLimit(c.searchLimit))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, kv := range resp.Kvs {
		rest := stripKey(c.namespace, kv.Key)[len(prefix):]
		if i := bytes.IndexByte(rest, '/'); i >= 0 {
			seen[string(prefix)+string(rest[:i+1])] = struct{}{}
		} else if includeFiles && len(rest) > 0 {
			seen[string(prefix)+string(rest)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Put writes key. See PutOptions for lease and compare-and-swap handling.
func (c *Connector) Put(ctx context.Context, key, value []byte, opts PutOptions) (PutResult, error) {
	if len(key) == 0 {
		return PutResult{}, apperr.Argument("key is required")
	}
	full := c.key(key)

	var leaseOpt clientv3.OpOption
	if opts.TTL > 0 {
		lease, err := c.LeaseGrant(ctx, opts.TTL, 0)
		if err != nil {
			return PutResult{}, fmt.Errorf("grant lease for put: %w", err)
		}
		leaseOpt = clientv3.WithLease(clientv3.LeaseID(lease))
	}

	if opts.ExpectVersion == nil {
		resp, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.PutResponse, error) {
			if leaseOpt != nil {
				return cli.Put(ctx, full, string(value), leaseOpt)
			}
			// Keep whatever lease the key already has.
			resp, err := cli.Put(ctx, full, string(value), clientv3.WithIgnoreLease())
			if rpctypes.Error(err) == rpctypes.ErrKeyNotFound {
				return cli.Put(ctx, full, string(value))
			}
			return resp, err
		})
		if err != nil {
			return PutResult{}, err
		}
		return PutResult{Success: true, Revision: resp.Header.GetRevision()}, nil
	}

	expect := *opts.ExpectVersion
	var putOpts []clientv3.OpOption
	switch {
	case leaseOpt != nil:
		putOpts = append(putOpts, leaseOpt)
	case expect > 0:
		// The compare guarantees the key exists.
		putOpts = append(putOpts, clientv3.WithIgnoreLease())
	}
	resp, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.TxnResponse, error) {
		return cli.Txn(ctx).
			If(clientv3.Compare(clientv3.Version(full), "=", expect)).
			Then(clientv3.OpPut(full, string(value), putOpts...)).
			Else(clientv3.OpGet(full)).
			Commit()
	})
	if err != nil {
		return PutResult{}, err
	}
	out := PutResult{Success: resp.Succeeded, Revision: resp.Header.GetRevision()}
	if !resp.Succeeded && len(resp.Responses) > 0 {
		if rr := resp.Responses[0].GetResponseRange(); rr != nil && len(rr.Kvs) > 0 {
			kv := c.toKeyValue(rr.Kvs[0])
			out.Existing = &kv
		}
	}
	return out, nil
}

// Delete removes keys one by one and returns how many were deleted.
func (c *Connector) Delete(ctx context.Context, keys [][]byte) (int64, error) {
	var deleted int64
	for _, k := range keys {
		if len(k) == 0 {
			continue
		}
		full := c.key(k)
		resp, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.DeleteResponse, error) {
			return cli.Delete(ctx, full)
		})
		if err != nil {
			return deleted, fmt.Errorf("delete %s: %w", logutil.Key(k), err)
		}
		deleted += resp.Deleted
	}
	return deleted, nil
}

// DeletePrefix removes every key starting with prefix. An empty prefix is
// refused.
func (c *Connector) DeletePrefix(ctx context.Context, prefix []byte) (int64, error) {
	if len(prefix) == 0 {
		return 0, apperr.Argument("refusing to delete with an empty prefix")
	}
	full := prefixKey(c.namespace, prefix)
	resp, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.DeleteResponse, error) {
		return cli.Delete(ctx, string(full), prefixRange(full))
	})
	if err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

// RenameDir copies every key under src to the same suffix under dst,
// keeping leases, and optionally deletes the originals. It refuses with a
// LimitedError when more keys than the rename limit would be touched.
// The returned keys are those that failed to copy.
func (c *Connector) RenameDir(ctx context.Context, src, dst []byte, deleteSource bool) ([]string, error) {
	if len(src) == 0 || len(dst) == 0 {
		return nil, apperr.Argument("source and destination prefixes are required")
	}
	if bytes.Equal(src, dst) {
		return nil, apperr.Argument("source and destination are the same")
	}
	if bytes.HasPrefix(dst, src) {
		return nil, apperr.Argument("destination %s is inside source", logutil.Key(dst))
	}

	fullSrc := prefixKey(c.namespace, src)
	countResp, err := c.get(ctx, string(fullSrc), prefixRange(fullSrc), clientv3.WithCountOnly())
	if err != nil {
		return nil, err
	}
	if countResp.Count > c.renameLimit {
		return nil, &apperr.LimitedError{Count: countResp.Count, Limit: c.renameLimit}
	}
	if countResp.Count == 0 {
		return nil, apperr.Wrap(apperr.ErrNotExist, fmt.Errorf("no keys under %s", logutil.Key(src)))
	}

	resp, err := c.get(ctx, string(fullSrc), prefixRange(fullSrc), clientv3.WithRev(countResp.Header.GetRevision()))
	if err != nil {
		return nil, err
	}

	var failed []string
	for _, kv := range resp.Kvs {
		rel := stripKey(c.namespace, kv.Key)
		target := c.key(append(bytes.Clone(dst), rel[len(src):]...))
		var opts []clientv3.OpOption
		if kv.Lease != 0 {
			opts = append(opts, clientv3.WithLease(clientv3.LeaseID(kv.Lease)))
		}
		_, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.PutResponse, error) {
			return cli.Put(ctx, target, string(kv.Value), opts...)
		})
		if err != nil {
			log.Printf("[etcd] rename %s failed: %v", logutil.Key(rel), err)
			failed = append(failed, string(rel))
			continue
		}
		if deleteSource {
			key := kv.Key
			if _, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.DeleteResponse, error) {
				return cli.Delete(ctx, string(key))
			}); err != nil {
				log.Printf("[etcd] delete renamed source %s failed: %v", logutil.Key(rel), err)
				failed = append(failed, string(rel))
			}
		}
	}
	return failed, nil
}

// Compact discards history before revision.
func (c *Connector) Compact(ctx context.Context, revision int64, physical bool) error {
	if revision <= 0 {
		return apperr.Argument("revision must be positive, got %d", revision)
	}
	var opts []clientv3.CompactOption
	if physical {
		opts = append(opts, clientv3.WithCompactPhysical())
	}
	_, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.CompactResponse, error) {
		return cli.Compact(ctx, revision, opts...)
	})
	return err
}

func (c *Connector) toKeyValues(resp *clientv3.GetResponse) []KeyValue {
	out := make([]KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, c.toKeyValue(kv))
	}
	return out
}
