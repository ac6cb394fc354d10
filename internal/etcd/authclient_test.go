package etcd

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tzfun/etcd-workbench/internal/apperr"
)

func expiredTokenKV() *fakeKV {
	kv := newFakeKV()
	kv.fail = func(string) error { return rpctypes.ErrGRPCInvalidAuthToken }
	return kv
}

func countKeys(ctx context.Context, cli *clientv3.Client) (int64, error) {
	resp, err := cli.Get(ctx, "k", clientv3.WithCountOnly())
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func TestDoReauthenticatesOnceAndReplays(t *testing.T) {
	stale := newFakeClient(expiredTokenKV(), newFakeLease())
	freshKV := newFakeKV()
	freshKV.seed("k", "v")
	fresh := newFakeClient(freshKV, newFakeLease())

	var dials atomic.Int32
	a := NewAuthClient(stale, func(context.Context) (*clientv3.Client, error) {
		dials.Add(1)
		return fresh, nil
	})
	defer a.Close()

	var calls int
	n, err := Do(context.Background(), a, func(ctx context.Context, cli *clientv3.Client) (int64, error) {
		calls++
		return countKeys(ctx, cli)
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
	if calls != 2 {
		t.Errorf("call ran %d times, want 2", calls)
	}
	if dials.Load() != 1 || a.Reauths() != 1 {
		t.Errorf("dials=%d reauths=%d, want 1/1", dials.Load(), a.Reauths())
	}
	if a.Client() != fresh {
		t.Error("fresh client was not swapped in")
	}
}

func TestDoGivesUpAfterOneRetry(t *testing.T) {
	var dials atomic.Int32
	a := NewAuthClient(newFakeClient(expiredTokenKV(), newFakeLease()), func(context.Context) (*clientv3.Client, error) {
		dials.Add(1)
		return newFakeClient(expiredTokenKV(), newFakeLease()), nil
	})
	defer a.Close()

	var calls int
	_, err := Do(context.Background(), a, func(ctx context.Context, cli *clientv3.Client) (int64, error) {
		calls++
		return countKeys(ctx, cli)
	})
	if !apperr.IsUnauthenticated(err) {
		t.Fatalf("err = %v, want unauthenticated", err)
	}
	if calls != 2 || dials.Load() != 1 {
		t.Errorf("calls=%d dials=%d, want 2/1", calls, dials.Load())
	}
}

func TestDoReportsFailedReauthentication(t *testing.T) {
	dialErr := errors.New("authentication failed, invalid user ID or password")
	a := NewAuthClient(newFakeClient(expiredTokenKV(), newFakeLease()), func(context.Context) (*clientv3.Client, error) {
		return nil, dialErr
	})
	defer a.Close()

	var calls int
	_, err := Do(context.Background(), a, func(ctx context.Context, cli *clientv3.Client) (int64, error) {
		calls++
		return countKeys(ctx, cli)
	})
	if !errors.Is(err, apperr.ErrUnauthenticated) || !errors.Is(err, dialErr) {
		t.Errorf("err = %v, want unauthenticated wrapping the dial error", err)
	}
	if calls != 1 {
		t.Errorf("call ran %d times, want 1", calls)
	}
}

func TestDoWithoutCredentialsDoesNotRetry(t *testing.T) {
	a := NewAuthClient(newFakeClient(expiredTokenKV(), newFakeLease()), nil)
	defer a.Close()

	var calls int
	_, err := Do(context.Background(), a, func(ctx context.Context, cli *clientv3.Client) (int64, error) {
		calls++
		return countKeys(ctx, cli)
	})
	if err == nil || calls != 1 {
		t.Errorf("err=%v calls=%d, want an error after one call", err, calls)
	}
}

func TestDoIgnoresOtherErrors(t *testing.T) {
	kv := newFakeKV()
	kv.fail = func(string) error { return errUnavailable }
	var dials atomic.Int32
	a := NewAuthClient(newFakeClient(kv, newFakeLease()), func(context.Context) (*clientv3.Client, error) {
		dials.Add(1)
		return nil, errors.New("unexpected dial")
	})
	defer a.Close()

	if _, err := Do(context.Background(), a, countKeys); err == nil {
		t.Fatal("expected an error")
	}
	if dials.Load() != 0 {
		t.Errorf("redialed %d times on a non-auth error", dials.Load())
	}
}

func TestReauthenticateSkipsWhenAlreadyReplaced(t *testing.T) {
	stale := newFakeClient(expiredTokenKV(), newFakeLease())
	var dials atomic.Int32
	a := NewAuthClient(stale, func(context.Context) (*clientv3.Client, error) {
		dials.Add(1)
		return newFakeClient(newFakeKV(), newFakeLease()), nil
	})
	defer a.Close()

	ctx := context.Background()
	if err := a.reauthenticate(ctx, stale); err != nil {
		t.Fatalf("first reauthenticate: %v", err)
	}
	// A second caller that saw the same stale client must reuse the
	// replacement instead of dialing again.
	if err := a.reauthenticate(ctx, stale); err != nil {
		t.Fatalf("second reauthenticate: %v", err)
	}
	if dials.Load() != 1 {
		t.Errorf("dials = %d, want 1", dials.Load())
	}
}

func TestDoAfterCloseIsConnectionLost(t *testing.T) {
	a := NewAuthClient(newFakeClient(newFakeKV(), newFakeLease()), nil)
	a.Close()
	if _, err := Do(context.Background(), a, countKeys); !errors.Is(err, apperr.ErrConnectionLost) {
		t.Errorf("err = %v, want connection lost", err)
	}
}
