package etcd

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errUnavailable = status.Error(codes.Unavailable, "connection refused")

// fakeKV is an in-memory pb.KVClient that keeps every revision of every key,
// so reads at past revisions behave like a real server.
type fakeKV struct {
	pb.KVClient

	mu      sync.Mutex
	rev     int64
	history map[string][]fakeRevision
	ranges  []*pb.RangeRequest

	// fail, when set, may return an error for a method before it runs.
	fail func(method string) error
}

type fakeRevision struct {
	kv      mvccpb.KeyValue
	deleted bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{rev: 1, history: make(map[string][]fakeRevision)}
}

// seed writes key/value pairs, one revision each.
func (f *fakeKV) seed(pairs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i+1 < len(pairs); i += 2 {
		f.put(pairs[i], pairs[i+1], 0)
	}
}

func (f *fakeKV) seedWithLease(key, value string, lease int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(key, value, lease)
}

func (f *fakeKV) current(key string) *mvccpb.KeyValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.at(key, f.rev)
}

func (f *fakeKV) revision() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rev
}

func (f *fakeKV) lastRange() *pb.RangeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ranges) == 0 {
		return nil
	}
	return f.ranges[len(f.ranges)-1]
}

func (f *fakeKV) failure(method string) error {
	if f.fail == nil {
		return nil
	}
	return f.fail(method)
}

func (f *fakeKV) at(key string, rev int64) *mvccpb.KeyValue {
	var found *mvccpb.KeyValue
	for _, r := range f.history[key] {
		if r.kv.ModRevision > rev {
			break
		}
		if r.deleted {
			found = nil
			continue
		}
		kv := r.kv
		found = &kv
	}
	return found
}

func (f *fakeKV) put(key, value string, lease int64) {
	cur := f.at(key, f.rev)
	f.rev++
	kv := mvccpb.KeyValue{
		Key:            []byte(key),
		Value:          []byte(value),
		CreateRevision: f.rev,
		ModRevision:    f.rev,
		Version:        1,
		Lease:          lease,
	}
	if cur != nil {
		kv.CreateRevision = cur.CreateRevision
		kv.Version = cur.Version + 1
	}
	f.history[key] = append(f.history[key], fakeRevision{kv: kv})
}

func inRange(key, start, end []byte) bool {
	if len(end) == 0 {
		return bytes.Equal(key, start)
	}
	if bytes.Compare(key, start) < 0 {
		return false
	}
	return isOpenEnd(end) || bytes.Compare(key, end) < 0
}

func (f *fakeKV) match(start, end []byte, rev int64) []*mvccpb.KeyValue {
	keys := make([]string, 0, len(f.history))
	for k := range f.history {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*mvccpb.KeyValue
	for _, k := range keys {
		if !inRange([]byte(k), start, end) {
			continue
		}
		if kv := f.at(k, rev); kv != nil {
			out = append(out, kv)
		}
	}
	return out
}

func (f *fakeKV) header() *pb.ResponseHeader {
	return &pb.ResponseHeader{Revision: f.rev, ClusterId: 0xc1, MemberId: 0xa1}
}

func (f *fakeKV) rangeLocked(req *pb.RangeRequest) (*pb.RangeResponse, error) {
	rev := req.Revision
	if rev == 0 {
		rev = f.rev
	}
	if rev > f.rev {
		return nil, rpctypes.ErrGRPCFutureRev
	}
	kvs := f.match(req.Key, req.RangeEnd, rev)
	resp := &pb.RangeResponse{Header: f.header(), Count: int64(len(kvs))}
	if req.CountOnly {
		return resp, nil
	}
	if req.Limit > 0 && int64(len(kvs)) > req.Limit {
		kvs = kvs[:req.Limit]
		resp.More = true
	}
	for _, kv := range kvs {
		if req.KeysOnly {
			kv.Value = nil
		}
		resp.Kvs = append(resp.Kvs, kv)
	}
	return resp, nil
}

func (f *fakeKV) Range(_ context.Context, req *pb.RangeRequest, _ ...grpc.CallOption) (*pb.RangeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, req)
	if err := f.failure("range"); err != nil {
		return nil, err
	}
	return f.rangeLocked(req)
}

func (f *fakeKV) putLocked(req *pb.PutRequest) error {
	lease := req.Lease
	if req.IgnoreLease {
		cur := f.at(string(req.Key), f.rev)
		if cur == nil {
			return rpctypes.ErrGRPCKeyNotFound
		}
		lease = cur.Lease
	}
	f.put(string(req.Key), string(req.Value), lease)
	return nil
}

func (f *fakeKV) Put(_ context.Context, req *pb.PutRequest, _ ...grpc.CallOption) (*pb.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("put"); err != nil {
		return nil, err
	}
	if err := f.putLocked(req); err != nil {
		return nil, err
	}
	return &pb.PutResponse{Header: f.header()}, nil
}

func (f *fakeKV) DeleteRange(_ context.Context, req *pb.DeleteRangeRequest, _ ...grpc.CallOption) (*pb.DeleteRangeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("delete"); err != nil {
		return nil, err
	}
	kvs := f.match(req.Key, req.RangeEnd, f.rev)
	if len(kvs) > 0 {
		f.rev++
		for _, kv := range kvs {
			k := string(kv.Key)
			f.history[k] = append(f.history[k], fakeRevision{
				kv:      mvccpb.KeyValue{Key: kv.Key, ModRevision: f.rev},
				deleted: true,
			})
		}
	}
	return &pb.DeleteRangeResponse{Header: f.header(), Deleted: int64(len(kvs))}, nil
}

func (f *fakeKV) Txn(_ context.Context, req *pb.TxnRequest, _ ...grpc.CallOption) (*pb.TxnResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("txn"); err != nil {
		return nil, err
	}

	ok := true
	for _, c := range req.Compare {
		if c.Target != pb.Compare_VERSION || c.Result != pb.Compare_EQUAL {
			return nil, status.Error(codes.Unimplemented, "fake supports version equality only")
		}
		var version int64
		if cur := f.at(string(c.Key), f.rev); cur != nil {
			version = cur.Version
		}
		ok = ok && version == c.GetVersion()
	}

	ops := req.Success
	if !ok {
		ops = req.Failure
	}
	resp := &pb.TxnResponse{Succeeded: ok}
	for _, op := range ops {
		switch {
		case op.GetRequestPut() != nil:
			if err := f.putLocked(op.GetRequestPut()); err != nil {
				return nil, err
			}
			resp.Responses = append(resp.Responses, &pb.ResponseOp{
				Response: &pb.ResponseOp_ResponsePut{ResponsePut: &pb.PutResponse{Header: f.header()}},
			})
		case op.GetRequestRange() != nil:
			rr, err := f.rangeLocked(op.GetRequestRange())
			if err != nil {
				return nil, err
			}
			resp.Responses = append(resp.Responses, &pb.ResponseOp{
				Response: &pb.ResponseOp_ResponseRange{ResponseRange: rr},
			})
		}
	}
	resp.Header = f.header()
	return resp, nil
}

// fakeLease grants sequential lease ids and remembers their TTLs.
type fakeLease struct {
	clientv3.Lease

	mu         sync.Mutex
	next       int64
	ttls       map[int64]int64
	keepAlives []int64
}

func newFakeLease() *fakeLease {
	return &fakeLease{next: 100, ttls: make(map[int64]int64)}
}

func (l *fakeLease) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.ttls[l.next] = ttl
	return &clientv3.LeaseGrantResponse{ResponseHeader: &pb.ResponseHeader{}, ID: clientv3.LeaseID(l.next), TTL: ttl}, nil
}

func (l *fakeLease) TimeToLive(_ context.Context, id clientv3.LeaseID, _ ...clientv3.LeaseOption) (*clientv3.LeaseTimeToLiveResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ttl, ok := l.ttls[int64(id)]
	if !ok {
		return &clientv3.LeaseTimeToLiveResponse{ResponseHeader: &pb.ResponseHeader{}, ID: id, TTL: -1}, nil
	}
	return &clientv3.LeaseTimeToLiveResponse{ResponseHeader: &pb.ResponseHeader{}, ID: id, TTL: ttl, GrantedTTL: ttl}, nil
}

func (l *fakeLease) KeepAliveOnce(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseKeepAliveResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ttls[int64(id)]; !ok {
		return nil, rpctypes.ErrLeaseNotFound
	}
	l.keepAlives = append(l.keepAlives, int64(id))
	return &clientv3.LeaseKeepAliveResponse{ResponseHeader: &pb.ResponseHeader{}, ID: id}, nil
}

func (l *fakeLease) Close() error { return nil }

// fakeWatcher hands out channels the test feeds directly.
type fakeWatcher struct {
	clientv3.Watcher

	mu      sync.Mutex
	keys    []string
	streams []chan clientv3.WatchResponse
}

func (w *fakeWatcher) Watch(ctx context.Context, key string, _ ...clientv3.OpOption) clientv3.WatchChan {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan clientv3.WatchResponse, 8)
	w.keys = append(w.keys, key)
	w.streams = append(w.streams, ch)
	return ch
}

func (w *fakeWatcher) stream(i int) chan clientv3.WatchResponse {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.streams[i]
}

func (w *fakeWatcher) Close() error { return nil }

// newFakeClient builds a client backed by the fakes without dialing.
func newFakeClient(kv *fakeKV, lease *fakeLease) *clientv3.Client {
	cli := clientv3.NewCtxClient(context.Background())
	cli.KV = clientv3.NewKVFromKVClient(kv, nil)
	cli.Lease = lease
	cli.Watcher = &fakeWatcher{}
	return cli
}

type testConnector struct {
	*Connector
	kv    *fakeKV
	lease *fakeLease
	cli   *clientv3.Client
}

func newTestConnector(t *testing.T, namespace string, opts Options) *testConnector {
	t.Helper()
	kv := newFakeKV()
	lease := newFakeLease()
	cli := newFakeClient(kv, lease)
	c := newConnector(NewAuthClient(cli, nil), ConnectionSpec{Host: "127.0.0.1", Port: 2379, Namespace: namespace}, opts)
	c.state.Store(int32(StateReady))
	t.Cleanup(func() { c.Close() })
	return &testConnector{Connector: c, kv: kv, lease: lease, cli: cli}
}

func (tc *testConnector) watcher() *fakeWatcher {
	return tc.cli.Watcher.(*fakeWatcher)
}

func keyStrings(kvs []KeyValue) []string {
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, string(kv.Key))
	}
	return out
}
