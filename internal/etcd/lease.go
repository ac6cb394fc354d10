package etcd

import (
	"bytes"
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tzfun/etcd-workbench/internal/apperr"
)

// LeaseInfo is a lease with the keys attached to it.
type LeaseInfo struct {
	ID         int64    `json:"id,string"`
	TTL        int64    `json:"ttl"`
	GrantedTTL int64    `json:"grantedTtl"`
	Keys       []string `json:"keys"`
}

// Leases lists the ids of all leases in the cluster.
func (c *Connector) Leases(ctx context.Context) ([]int64, error) {
	resp, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.LeaseLeasesResponse, error) {
		return cli.Leases(ctx)
	})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(resp.Leases))
	for _, l := range resp.Leases {
		ids = append(ids, int64(l.ID))
	}
	return ids, nil
}

// LeaseGet returns the lease with the namespace-stripped keys attached to it.
// Keys outside the namespace are not reported.
func (c *Connector) LeaseGet(ctx context.Context, id int64) (LeaseInfo, error) {
	resp, err := c.timeToLive(ctx, id, true)
	if err != nil {
		return LeaseInfo{}, err
	}
	info := LeaseInfo{ID: id, TTL: resp.TTL, GrantedTTL: resp.GrantedTTL, Keys: []string{}}
	for _, k := range resp.Keys {
		if len(c.namespace) > 0 && !bytes.HasPrefix(k, c.namespace) {
			continue
		}
		info.Keys = append(info.Keys, string(stripKey(c.namespace, k)))
	}
	return info, nil
}

func (c *Connector) leaseSummary(ctx context.Context, id int64) (*LeaseSummary, error) {
	resp, err := c.timeToLive(ctx, id, false)
	if err != nil {
		return nil, err
	}
	return &LeaseSummary{ID: id, TTL: resp.TTL, GrantedTTL: resp.GrantedTTL}, nil
}

func (c *Connector) timeToLive(ctx context.Context, id int64, withKeys bool) (*clientv3.LeaseTimeToLiveResponse, error) {
	var opts []clientv3.LeaseOption
	if withKeys {
		opts = append(opts, clientv3.WithAttachedKeys())
	}
	resp, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.LeaseTimeToLiveResponse, error) {
		return cli.TimeToLive(ctx, clientv3.LeaseID(id), opts...)
	})
	if err != nil {
		return nil, err
	}
	// An expired or unknown lease comes back with TTL -1 rather than an error.
	if resp.TTL == -1 {
		return nil, apperr.Wrap(apperr.ErrNotExist, fmt.Errorf("lease %d", id))
	}
	return resp, nil
}

// LeaseGrant grants a new lease of ttl seconds. When id is non-zero the
// existing lease is kept alive once instead and id is returned.
func (c *Connector) LeaseGrant(ctx context.Context, ttl int64, id int64) (int64, error) {
	if id != 0 {
		_, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.LeaseKeepAliveResponse, error) {
			return cli.KeepAliveOnce(ctx, clientv3.LeaseID(id))
		})
		if err != nil {
			return 0, err
		}
		return id, nil
	}
	if ttl <= 0 {
		return 0, apperr.Argument("ttl must be positive, got %d", ttl)
	}
	resp, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.LeaseGrantResponse, error) {
		return cli.Grant(ctx, ttl)
	})
	if err != nil {
		return 0, err
	}
	return int64(resp.ID), nil
}

// LeaseRevoke revokes the lease, deleting every key attached to it.
func (c *Connector) LeaseRevoke(ctx context.Context, id int64) error {
	_, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.LeaseRevokeResponse, error) {
		return cli.Revoke(ctx, clientv3.LeaseID(id))
	})
	return err
}
