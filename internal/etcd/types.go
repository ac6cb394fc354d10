package etcd

import (
	"encoding/json"
	"unicode/utf8"

	"go.etcd.io/etcd/api/v3/mvccpb"
)

// State is the lifecycle state of a Connector.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// KeyValue is a key as seen by the caller, with the namespace stripped.
type KeyValue struct {
	Key            []byte
	Value          []byte
	CreateRevision int64
	ModRevision    int64
	Version        int64
	Lease          int64
	LeaseInfo      *LeaseSummary
	Formatted      *FormattedValue
}

// LeaseSummary is the TTL view of the lease a key is attached to.
type LeaseSummary struct {
	ID         int64 `json:"id"`
	TTL        int64 `json:"ttl"`
	GrantedTTL int64 `json:"grantedTtl"`
}

// MarshalJSON renders keys and values as strings when they are valid UTF-8
// and adds raw byte arrays when they are not, so binary keys survive a round
// trip through the UI.
func (kv KeyValue) MarshalJSON() ([]byte, error) {
	type out struct {
		Key            string          `json:"key"`
		KeyBytes       []int           `json:"keyBytes,omitempty"`
		Value          string          `json:"value"`
		ValueBytes     []int           `json:"valueBytes,omitempty"`
		CreateRevision int64           `json:"createRevision"`
		ModRevision    int64           `json:"modRevision"`
		Version        int64           `json:"version"`
		Lease          int64           `json:"lease,string"`
		LeaseInfo      *LeaseSummary   `json:"leaseInfo,omitempty"`
		Formatted      *FormattedValue `json:"formattedValue,omitempty"`
	}
	o := out{
		Key:            string(kv.Key),
		Value:          string(kv.Value),
		CreateRevision: kv.CreateRevision,
		ModRevision:    kv.ModRevision,
		Version:        kv.Version,
		Lease:          kv.Lease,
		LeaseInfo:      kv.LeaseInfo,
		Formatted:      kv.Formatted,
	}
	if !utf8.Valid(kv.Key) {
		o.KeyBytes = byteInts(kv.Key)
	}
	if !utf8.Valid(kv.Value) {
		o.ValueBytes = byteInts(kv.Value)
	}
	return json.Marshal(o)
}

func byteInts(b []byte) []int {
	out := make([]int, len(b))
	for i, c := range b {
		out[i] = int(c)
	}
	return out
}

// FormattedValue is a human-readable rendering of a value, produced by a
// Formatter.
type FormattedValue struct {
	Source string `json:"source"`
	Value  string `json:"value"`
}

// Formatter pretty-prints raw values. It is best-effort: ok=false means the
// value is returned as is.
type Formatter interface {
	Format(key, value []byte) (*FormattedValue, bool)
}

// Page is one step of a paginated key listing.
type Page struct {
	Keys []KeyValue `json:"keys"`
	More bool       `json:"more"`
}

// SearchResult is a prefix search capped at the configured search limit.
type SearchResult struct {
	Count   int64      `json:"count"`
	Results []KeyValue `json:"results"`
}

// PutOptions select lease and compare-and-swap behavior for Put.
type PutOptions struct {
	// TTL > 0 attaches the key to a new lease of that many seconds. Without
	// a TTL the key keeps the lease it already has.
	TTL int64 `json:"ttl,omitempty"`

	// ExpectVersion, when set, makes the put conditional on the key's
	// current version (0 means "does not exist").
	ExpectVersion *int64 `json:"expectVersion,omitempty"`
}

// PutResult reports a conditional put. On conflict Existing holds the value
// that won.
type PutResult struct {
	Success  bool      `json:"success"`
	Existing *KeyValue `json:"existing,omitempty"`
	Revision int64     `json:"revision"`
}

// EventType is the raw watch event type.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// WatchEvent is a namespace-stripped watch notification.
type WatchEvent struct {
	Type   EventType
	Kv     KeyValue
	PrevKv *KeyValue
}

// WatchBatch is one server response on a watch stream. A non-nil Err ends
// the stream.
type WatchBatch struct {
	Events          []WatchEvent
	Revision        int64
	CompactRevision int64
	Err             error
}

// WatchRequest opens a watch stream.
type WatchRequest struct {
	Key      []byte
	Prefix   bool
	NoPut    bool
	NoDelete bool
	// StartRevision > 0 resumes a stream without gaps.
	StartRevision int64
}

// SnapshotProgress is reported once per received chunk, and once more when
// the stream ends with an error.
type SnapshotProgress struct {
	Received  int64 `json:"received"`
	Remaining int64 `json:"remaining"`
	Err       error `json:"-"`
}

func (c *Connector) toKeyValue(kv *mvccpb.KeyValue) KeyValue {
	out := KeyValue{
		Key:            stripKey(c.namespace, kv.Key),
		Value:          kv.Value,
		CreateRevision: kv.CreateRevision,
		ModRevision:    kv.ModRevision,
		Version:        kv.Version,
		Lease:          kv.Lease,
	}
	if c.formatter != nil && len(kv.Value) > 0 {
		if f, ok := c.formatter.Format(kv.Key, kv.Value); ok {
			out.Formatted = f
		}
	}
	return out
}
