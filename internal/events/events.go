// Package events fans session events out to the UI.
//
// Publishers never block: each subscriber has a bounded queue and events
// that do not fit are dropped and counted. The most recent events of every
// session are also kept in a ring buffer (100 entries) so a UI that attaches
// late can replay what it missed.
package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tzfun/etcd-workbench/internal/etcd"
)

const (
	// recentBufferSize is the maximum number of events kept per session.
	recentBufferSize = 100

	defaultSubscriberBuffer = 64
)

// Type identifies the payload of an Event.
type Type string

const (
	TypeKeyChange           Type = "key_change"
	TypeSessionDisconnected Type = "session_disconnected"
	TypeSnapshotProgress    Type = "snapshot_progress"
)

// ChangeKind classifies a watched key change.
type ChangeKind string

const (
	KindCreate ChangeKind = "create"
	KindModify ChangeKind = "modify"
	KindRemove ChangeKind = "remove"
)

// KeyChange is emitted for every reported change of a watched key.
type KeyChange struct {
	SessionID  int64          `json:"sessionId"`
	WatchedKey string         `json:"watchedKey"`
	Key        string         `json:"key"`
	Kind       ChangeKind     `json:"kind"`
	Time       time.Time      `json:"time"`
	Previous   *etcd.KeyValue `json:"previous,omitempty"`
	Current    *etcd.KeyValue `json:"current,omitempty"`
}

// SessionDisconnected is emitted when a session is torn down because of a
// fault rather than a user request.
type SessionDisconnected struct {
	SessionID int64  `json:"sessionId"`
	Reason    string `json:"reason"`
}

// SnapshotProgress reports a running snapshot task.
type SnapshotProgress struct {
	TaskID        string `json:"taskId"`
	SessionID     int64  `json:"sessionId"`
	Received      int64  `json:"received"`
	Remaining     int64  `json:"remaining"`
	ReceivedHuman string `json:"receivedHuman"`
	Done          bool   `json:"done"`
	Error         string `json:"error,omitempty"`
}

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      Type      `json:"type"`
	SessionID int64     `json:"sessionId"`
	Time      time.Time `json:"time"`
	Payload   any       `json:"payload"`
}

// ringBuffer is a fixed-size ring of Events for one session.
type ringBuffer struct {
	events [recentBufferSize]Event
	head   int // next write position
	count  int
}

func (b *ringBuffer) record(e Event) {
	b.events[b.head] = e
	b.head = (b.head + 1) % recentBufferSize
	if b.count < recentBufferSize {
		b.count++
	}
}

// history returns events oldest first.
func (b *ringBuffer) history() []Event {
	if b.count == 0 {
		return nil
	}
	out := make([]Event, b.count)
	if b.count < recentBufferSize {
		copy(out, b.events[:b.count])
	} else {
		// Full: head is the oldest entry.
		n := copy(out, b.events[b.head:])
		copy(out[n:], b.events[:b.head])
	}
	return out
}

// Bus is a non-blocking publish/subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	recent map[int64]*ringBuffer

	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		recent: make(map[int64]*ringBuffer),
	}
}

// Subscribe returns a channel receiving every event published from now on
// and a function that unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish records e and hands it to every subscriber with room for it.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	buf, ok := b.recent[e.SessionID]
	if !ok {
		buf = &ringBuffer{}
		b.recent[e.SessionID] = buf
	}
	buf.record(e)
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			if n := b.dropped.Add(1); n%100 == 1 {
				log.Printf("[events] subscriber queue full, dropped %d events so far", n)
			}
		}
	}
}

func (b *Bus) PublishKeyChange(c KeyChange) {
	b.Publish(Event{Type: TypeKeyChange, SessionID: c.SessionID, Time: c.Time, Payload: c})
}

func (b *Bus) PublishDisconnected(d SessionDisconnected) {
	b.Publish(Event{Type: TypeSessionDisconnected, SessionID: d.SessionID, Payload: d})
}

func (b *Bus) PublishSnapshot(p SnapshotProgress) {
	b.Publish(Event{Type: TypeSnapshotProgress, SessionID: p.SessionID, Payload: p})
}

// Recent returns the retained events of a session, oldest first.
func (b *Bus) Recent(sessionID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	buf, ok := b.recent[sessionID]
	if !ok {
		return nil
	}
	return buf.history()
}

// Forget drops the retained events of a session.
func (b *Bus) Forget(sessionID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.recent, sessionID)
}

// Dropped counts events that did not fit a subscriber's queue.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
