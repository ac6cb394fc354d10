package etcd

import (
	"context"
	"fmt"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tzfun/etcd-workbench/internal/apperr"
)

// Watch opens a watch stream on req.Key (or every key under it when
// req.Prefix is set). Batches are delivered with the namespace stripped.
// The channel is closed when ctx is done or the stream ends; a batch with
// a non-nil Err is always the last one.
//
// Without a StartRevision the stream starts right after the revision at
// which the connection was verified, so no write after Watch returns is
// missed.
func (c *Connector) Watch(ctx context.Context, req WatchRequest) (<-chan WatchBatch, error) {
	if len(req.Key) == 0 && !req.Prefix {
		return nil, apperr.Argument("key is required")
	}
	full := prefixKey(c.namespace, req.Key)

	start := req.StartRevision
	if start <= 0 {
		// Also refreshes an expired token before the stream is opened.
		probe, err := c.get(ctx, string(full), clientv3.WithCountOnly())
		if err != nil {
			return nil, err
		}
		start = probe.Header.GetRevision() + 1
	} else if err := c.ready(); err != nil {
		return nil, err
	}

	opts := []clientv3.OpOption{
		clientv3.WithRev(start),
		clientv3.WithPrevKV(),
		clientv3.WithProgressNotify(),
	}
	key := string(full)
	if req.Prefix {
		if len(full) == 0 {
			key = string(noRangeEnd)
		}
		opts = append(opts, prefixRange(full))
	}
	if req.NoPut {
		opts = append(opts, clientv3.WithFilterPut())
	}
	if req.NoDelete {
		opts = append(opts, clientv3.WithFilterDelete())
	}

	cli := c.auth.Client()
	if cli == nil {
		return nil, apperr.ErrConnectionLost
	}
	src := cli.Watch(clientv3.WithRequireLeader(ctx), key, opts...)

	out := make(chan WatchBatch)
	go func() {
		defer close(out)
		for {
			var resp clientv3.WatchResponse
			select {
			case r, ok := <-src:
				if !ok {
					return
				}
				resp = r
			case <-ctx.Done():
				return
			}

			batch := c.translate(resp)
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
			if batch.Err != nil {
				return
			}
		}
	}()
	return out, nil
}

func (c *Connector) translate(resp clientv3.WatchResponse) WatchBatch {
	batch := WatchBatch{
		Revision:        resp.Header.GetRevision(),
		CompactRevision: resp.CompactRevision,
	}
	if err := resp.Err(); err != nil {
		if resp.CompactRevision != 0 {
			batch.Err = apperr.Wrap(apperr.ErrCompacted, fmt.Errorf("watch: %w", err))
		} else {
			batch.Err = apperr.FromEtcd(err)
		}
		return batch
	}
	for _, ev := range resp.Events {
		we := WatchEvent{Type: EventPut, Kv: c.toKeyValue(ev.Kv)}
		if ev.Type == mvccpb.DELETE {
			we.Type = EventDelete
		}
		if ev.PrevKv != nil {
			prev := c.toKeyValue(ev.PrevKv)
			we.PrevKv = &prev
		}
		batch.Events = append(batch.Events, we)
	}
	return batch
}
