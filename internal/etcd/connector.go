// Package etcd is the per-connection façade over the etcd v3 client: it
// scopes keys to a namespace, re-authenticates expired sessions, pages
// through large keyspaces, walks key history and streams snapshots.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tzfun/etcd-workbench/internal/apperr"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultRequestTimeout = 15 * time.Second
	defaultRenameLimit    = 5000
	defaultSearchLimit    = 5000
)

// Options tune a Connector. Zero values select the defaults.
type Options struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration

	// Endpoint overrides the spec's address, e.g. with a tunnel's local
	// address.
	Endpoint string

	Formatter      Formatter
	RenameDirLimit int64
	SearchLimit    int64
}

func (o *Options) applyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.RenameDirLimit <= 0 {
		o.RenameDirLimit = defaultRenameLimit
	}
	if o.SearchLimit <= 0 {
		o.SearchLimit = defaultSearchLimit
	}
}

// Connector is one live connection to an etcd cluster.
type Connector struct {
	endpoint  string
	user      string
	namespace []byte
	auth      *AuthClient
	formatter Formatter

	requestTimeout time.Duration
	renameLimit    int64
	searchLimit    int64

	state atomic.Int32
}

// Connect dials the cluster described by spec, authenticates and verifies
// the connection with a cheap read before returning a Ready connector.
func Connect(ctx context.Context, spec ConnectionSpec, opts Options) (*Connector, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = spec.Address()
	}

	cfg, err := spec.clientConfig(endpoint, opts.DialTimeout)
	if err != nil {
		return nil, err
	}

	c := newConnector(nil, spec, opts)
	c.endpoint = endpoint

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	cli, err := dialClient(dialCtx, cfg)
	if err != nil {
		return nil, err
	}

	var redial DialFunc
	if spec.User != "" {
		redial = func(ctx context.Context) (*clientv3.Client, error) {
			ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
			defer cancel()
			return dialClient(ctx, cfg)
		}
	}
	c.auth = NewAuthClient(cli, redial)
	c.state.Store(int32(StateReady))

	if _, err := c.Count(ctx); err != nil {
		// A user restricted to a sub-range cannot count the namespace; the
		// connection itself is fine.
		if !errors.Is(err, apperr.ErrPermission) {
			c.Close()
			return nil, fmt.Errorf("verify connection to %s: %w", endpoint, err)
		}
		log.Printf("[etcd] %q cannot count keys at %s, continuing with restricted permissions", spec.User, endpoint)
	}

	log.Printf("[etcd] connected to %s (namespace %q)", endpoint, spec.Namespace)
	return c, nil
}

// newConnector wires a connector around an existing AuthClient. The result
// is still Connecting.
func newConnector(auth *AuthClient, spec ConnectionSpec, opts Options) *Connector {
	opts.applyDefaults()
	c := &Connector{
		endpoint:       spec.Address(),
		user:           spec.User,
		namespace:      []byte(spec.Namespace),
		auth:           auth,
		formatter:      opts.Formatter,
		requestTimeout: opts.RequestTimeout,
		renameLimit:    opts.RenameDirLimit,
		searchLimit:    opts.SearchLimit,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State reports the lifecycle state.
func (c *Connector) State() State { return State(c.state.Load()) }

// User is the etcd user the connection authenticated as, or "".
func (c *Connector) User() string { return c.user }

// Endpoint is the address the client dials.
func (c *Connector) Endpoint() string { return c.endpoint }

// Namespace is the raw namespace prefix.
func (c *Connector) Namespace() []byte { return c.namespace }

// Close moves the connector to Closed and releases the client. Subsequent
// operations fail with ConnectionLost.
func (c *Connector) Close() error {
	if State(c.state.Swap(int32(StateClosed))) == StateClosed {
		return nil
	}
	if c.auth == nil {
		return nil
	}
	err := c.auth.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close etcd client: %w", err)
	}
	return nil
}

func (c *Connector) ready() error {
	if c.State() != StateReady {
		return apperr.ErrConnectionLost
	}
	return nil
}

// call runs fn through the re-authenticating client under the request
// timeout and classifies its error.
func call[T any](ctx context.Context, c *Connector, fn func(context.Context, *clientv3.Client) (T, error)) (T, error) {
	var zero T
	if err := c.ready(); err != nil {
		return zero, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	res, err := Do(ctx, c.auth, fn)
	if err != nil {
		if c.State() == StateClosed {
			return zero, apperr.ErrConnectionLost
		}
		return zero, apperr.FromEtcd(err)
	}
	return res, nil
}

// key applies the namespace to a caller key.
func (c *Connector) key(k []byte) string {
	return string(prefixKey(c.namespace, k))
}
