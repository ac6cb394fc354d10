package etcd

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tzfun/etcd-workbench/internal/apperr"
)

// DialFunc builds a fresh, authenticated etcd client.
type DialFunc func(ctx context.Context) (*clientv3.Client, error)

// AuthClient owns the etcd client of one connection and replaces it with a
// freshly authenticated one when the server rejects the current token.
// The lock is per connection, so sessions never contend with each other.
type AuthClient struct {
	mu     sync.RWMutex
	cli    *clientv3.Client
	redial DialFunc

	reauths atomic.Int64
}

// NewAuthClient wraps cli. redial may be nil when the connection carries no
// credentials, in which case Unauthenticated errors are returned as is.
func NewAuthClient(cli *clientv3.Client, redial DialFunc) *AuthClient {
	return &AuthClient{cli: cli, redial: redial}
}

// Client returns the current client.
func (a *AuthClient) Client() *clientv3.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cli
}

// Reauths counts successful re-authentications.
func (a *AuthClient) Reauths() int64 { return a.reauths.Load() }

// Do runs call against the current client. If it fails with Unauthenticated
// the client re-authenticates once and call is replayed with identical
// arguments. A failed re-authentication and a second failure are both
// returned without further retries.
func Do[T any](ctx context.Context, a *AuthClient, call func(context.Context, *clientv3.Client) (T, error)) (T, error) {
	cli := a.Client()
	if cli == nil {
		var zero T
		return zero, apperr.ErrConnectionLost
	}
	res, err := call(ctx, cli)
	if err == nil || a.redial == nil || !apperr.IsUnauthenticated(err) {
		return res, err
	}

	if rerr := a.reauthenticate(ctx, cli); rerr != nil {
		var zero T
		return zero, rerr
	}
	if cli = a.Client(); cli == nil {
		var zero T
		return zero, apperr.ErrConnectionLost
	}
	return call(ctx, cli)
}

// reauthenticate swaps in a new client unless another caller already
// replaced stale.
func (a *AuthClient) reauthenticate(ctx context.Context, stale *clientv3.Client) error {
	a.mu.Lock()
	if a.cli == nil {
		a.mu.Unlock()
		return apperr.ErrConnectionLost
	}
	if a.cli != stale {
		a.mu.Unlock()
		return nil
	}
	fresh, err := a.redial(ctx)
	if err != nil {
		a.mu.Unlock()
		return apperr.Wrap(apperr.ErrUnauthenticated, fmt.Errorf("re-authenticate: %w", err))
	}
	a.cli = fresh
	a.mu.Unlock()

	a.reauths.Add(1)
	log.Printf("[etcd] token expired, re-authenticated (total %d)", a.reauths.Load())
	if stale != nil {
		go stale.Close()
	}
	return nil
}

// Close closes the current client.
func (a *AuthClient) Close() error {
	a.mu.Lock()
	cli := a.cli
	a.cli = nil
	a.mu.Unlock()
	if cli == nil {
		return nil
	}
	return cli.Close()
}
