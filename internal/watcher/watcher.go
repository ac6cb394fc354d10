// Package watcher keeps per-key watch subscriptions of one session alive.
//
// Each subscription runs in its own goroutine, translating raw watch
// events into Create / Modify / Remove changes. When the stream fails the
// goroutine resubscribes at a fixed interval, resuming after the last
// delivered revision, and gives up after a bounded number of consecutive
// failures by reporting the loss to the Sink exactly once.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tzfun/etcd-workbench/internal/apperr"
	"github.com/tzfun/etcd-workbench/internal/etcd"
	"github.com/tzfun/etcd-workbench/internal/events"
	"github.com/tzfun/etcd-workbench/internal/logutil"
	"github.com/tzfun/etcd-workbench/internal/notify"
)

// Retry and notification defaults. Package-level vars so tests can override.
var (
	defaultRetryInterval  = 3 * time.Second
	defaultRetryLimit     = 10
	defaultNotifyDebounce = 3 * time.Second
)

var errStreamClosed = errors.New("watch stream closed")

// Source opens watch streams. *etcd.Connector implements it.
type Source interface {
	Watch(ctx context.Context, req etcd.WatchRequest) (<-chan etcd.WatchBatch, error)
}

// Sink receives changes and the terminal loss of a subscription. Calls are
// made from subscription goroutines and must not block on the Watcher.
type Sink interface {
	KeyChanged(change events.KeyChange)
	WatchLost(sessionID int64, key string, reason error)
}

// Config is the persisted description of one subscription.
type Config struct {
	Key           string `json:"key" yaml:"key"`
	Prefix        bool   `json:"prefix" yaml:"prefix"`
	MonitorCreate bool   `json:"monitorCreate" yaml:"monitorCreate"`
	MonitorModify bool   `json:"monitorModify" yaml:"monitorModify"`
	MonitorRemove bool   `json:"monitorRemove" yaml:"monitorRemove"`
	Paused        bool   `json:"paused" yaml:"paused"`
}

func (c Config) reports(kind events.ChangeKind) bool {
	switch kind {
	case events.KindCreate:
		return c.MonitorCreate
	case events.KindModify:
		return c.MonitorModify
	case events.KindRemove:
		return c.MonitorRemove
	}
	return false
}

func (c Config) request(start int64) etcd.WatchRequest {
	return etcd.WatchRequest{
		Key:           []byte(c.Key),
		Prefix:        c.Prefix,
		NoPut:         !c.MonitorCreate && !c.MonitorModify,
		NoDelete:      !c.MonitorRemove,
		StartRevision: start,
	}
}

// Options tune a Watcher. Zero values select the defaults.
type Options struct {
	RetryInterval  time.Duration
	RetryLimit     int
	NotifyDebounce time.Duration

	// Now is the clock used for change timestamps and debouncing.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultRetryInterval
	}
	if o.RetryLimit <= 0 {
		o.RetryLimit = defaultRetryLimit
	}
	if o.NotifyDebounce <= 0 {
		o.NotifyDebounce = defaultNotifyDebounce
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type subscription struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the subscription goroutine.
	lastRev      int64
	lastNotified time.Time
}

// stop cancels the goroutine and waits for it. Paused subscriptions have
// none.
func (s *subscription) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

// Watcher owns the subscriptions of one session, keyed by watched key.
type Watcher struct {
	sessionID int64
	src       Source
	sink      Sink
	notifier  notify.Notifier
	opts      Options

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// New creates an empty Watcher. notifier may be nil.
func New(sessionID int64, src Source, sink Sink, notifier notify.Notifier, opts Options) *Watcher {
	opts.applyDefaults()
	return &Watcher{
		sessionID: sessionID,
		src:       src,
		sink:      sink,
		notifier:  notifier,
		opts:      opts,
		subs:      make(map[string]*subscription),
	}
}

// Set installs cfg, replacing any subscription on the same key. The old
// subscription is cancelled and joined first. The initial subscribe error
// is returned synchronously and nothing is installed in that case.
func (w *Watcher) Set(ctx context.Context, cfg Config) error {
	if cfg.Key == "" && !cfg.Prefix {
		return apperr.Argument("watch key is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return apperr.ErrConnectionLost
	}

	if old, ok := w.subs[cfg.Key]; ok {
		old.stop()
		delete(w.subs, cfg.Key)
	}

	sub := &subscription{cfg: cfg}
	if !cfg.Paused {
		if err := w.start(ctx, sub); err != nil {
			return err
		}
	}
	w.subs[cfg.Key] = sub
	return nil
}

// start opens the first stream synchronously and hands it to a goroutine.
// Callers hold w.mu.
func (w *Watcher) start(ctx context.Context, sub *subscription) error {
	// The stream outlives the request that created it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := w.src.Watch(runCtx, sub.cfg.request(0))
	if err != nil {
		cancel()
		return fmt.Errorf("watch %s: %w", logutil.SanitizeForLog(sub.cfg.Key), err)
	}
	sub.cancel = cancel
	sub.done = make(chan struct{})
	go w.run(runCtx, sub, stream)
	return nil
}

// Remove cancels and discards the subscription on key.
func (w *Watcher) Remove(key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	sub, ok := w.subs[key]
	if !ok {
		return apperr.Wrap(apperr.ErrNotExist, fmt.Errorf("no watch on %s", logutil.SanitizeForLog(key)))
	}
	sub.stop()
	delete(w.subs, key)
	return nil
}

// Pause stops or resumes delivery for key without forgetting its config.
func (w *Watcher) Pause(ctx context.Context, key string, paused bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return apperr.ErrConnectionLost
	}
	sub, ok := w.subs[key]
	if !ok {
		return apperr.Wrap(apperr.ErrNotExist, fmt.Errorf("no watch on %s", logutil.SanitizeForLog(key)))
	}
	if sub.cfg.Paused == paused {
		return nil
	}
	sub.stop()
	sub.cfg.Paused = paused
	if !paused {
		// Resume from now; changes made while paused are not replayed.
		sub.lastRev = 0
		if err := w.start(ctx, sub); err != nil {
			sub.cfg.Paused = true
			return err
		}
	}
	return nil
}

// Configs returns the current subscription configs sorted by key.
func (w *Watcher) Configs() []Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Config, 0, len(w.subs))
	for _, s := range w.subs {
		out = append(out, s.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close cancels and joins every subscription. Further Set calls fail with
// ConnectionLost.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for key, sub := range w.subs {
		sub.stop()
		delete(w.subs, key)
	}
}

// run consumes the stream and resubscribes after failures until ctx is
// cancelled or the retry limit is reached.
func (w *Watcher) run(ctx context.Context, sub *subscription, stream <-chan etcd.WatchBatch) {
	defer close(sub.done)
	key := logutil.SanitizeForLog(sub.cfg.Key)

	attempts := 0
	for {
		err := w.consume(ctx, sub, stream)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, apperr.ErrCompacted) {
			// The resume point is gone; restart from the current revision.
			sub.lastRev = 0
		}
		log.Printf("[watcher] session %d watch on %s ended: %v", w.sessionID, key, err)

		for {
			if attempts >= w.opts.RetryLimit {
				log.Printf("[watcher] session %d giving up on %s after %d attempts", w.sessionID, key, attempts)
				w.sink.WatchLost(w.sessionID, sub.cfg.Key, err)
				return
			}
			attempts++

			timer := time.NewTimer(w.opts.RetryInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			var start int64
			if sub.lastRev > 0 {
				start = sub.lastRev + 1
			}
			var werr error
			stream, werr = w.src.Watch(ctx, sub.cfg.request(start))
			if werr == nil {
				log.Printf("[watcher] session %d resubscribed to %s (attempt %d)", w.sessionID, key, attempts)
				attempts = 0
				break
			}
			if ctx.Err() != nil {
				return
			}
			err = werr
			log.Printf("[watcher] session %d resubscribe %s attempt %d/%d failed: %v",
				w.sessionID, key, attempts, w.opts.RetryLimit, werr)
		}
	}
}

// consume delivers batches until the stream ends and returns why it ended.
func (w *Watcher) consume(ctx context.Context, sub *subscription, stream <-chan etcd.WatchBatch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-stream:
			if !ok {
				return errStreamClosed
			}
			if b.Err != nil {
				return b.Err
			}
			if len(b.Events) == 0 && b.Revision > sub.lastRev {
				// Progress notification: nothing up to here is pending.
				sub.lastRev = b.Revision
			}
			// Events of one request share a revision, so only revisions
			// at or below the floor from before this batch are duplicates.
			floor := sub.lastRev
			for _, ev := range b.Events {
				if ev.Kv.ModRevision <= floor {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.deliver(sub, ev)
				if ev.Kv.ModRevision > sub.lastRev {
					sub.lastRev = ev.Kv.ModRevision
				}
			}
		}
	}
}

// Classify maps a raw watch event to a change kind: a put that created the
// key (version 1) is a Create, any other put a Modify, a delete a Remove.
func Classify(ev etcd.WatchEvent) events.ChangeKind {
	switch {
	case ev.Type == etcd.EventDelete:
		return events.KindRemove
	case ev.Kv.Version == 1:
		return events.KindCreate
	default:
		return events.KindModify
	}
}

func (w *Watcher) deliver(sub *subscription, ev etcd.WatchEvent) {
	kind := Classify(ev)
	if !sub.cfg.reports(kind) {
		return
	}

	change := events.KeyChange{
		SessionID:  w.sessionID,
		WatchedKey: sub.cfg.Key,
		Key:        string(ev.Kv.Key),
		Kind:       kind,
		Time:       w.opts.Now(),
		Previous:   ev.PrevKv,
	}
	if kind != events.KindRemove {
		kv := ev.Kv
		change.Current = &kv
	}
	w.sink.KeyChanged(change)
	w.notify(sub, change)
}

// notify raises a desktop notification when the UI is not focused, at most
// once per subscription per debounce window.
func (w *Watcher) notify(sub *subscription, change events.KeyChange) {
	if w.notifier == nil || w.notifier.Focused() {
		return
	}
	if !sub.lastNotified.IsZero() && change.Time.Sub(sub.lastNotified) < w.opts.NotifyDebounce {
		return
	}
	sub.lastNotified = change.Time

	title := fmt.Sprintf("Key %s", change.Kind)
	body := fmt.Sprintf("%s (session %d)", change.Key, w.sessionID)
	if err := w.notifier.Notify(title, body); err != nil {
		log.Printf("[watcher] notification failed: %v", err)
	}
}
