// Package session owns the live connections of the daemon. A session bundles
// an optional SSH tunnel, the etcd connector dialled through it and the
// watch subscriptions running on that connector.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tzfun/etcd-workbench/internal/apperr"
	"github.com/tzfun/etcd-workbench/internal/etcd"
	"github.com/tzfun/etcd-workbench/internal/events"
	"github.com/tzfun/etcd-workbench/internal/logutil"
	"github.com/tzfun/etcd-workbench/internal/notify"
	"github.com/tzfun/etcd-workbench/internal/sshtunnel"
	"github.com/tzfun/etcd-workbench/internal/watcher"
)

// Backend is the part of a connector the registry drives directly.
// *etcd.Connector implements it.
type Backend interface {
	watcher.Source
	Status(ctx context.Context) (etcd.Status, error)
	UserIsRoot(ctx context.Context, name string) (bool, error)
	Close() error
}

// MonitorStore persists watch configs per connection profile.
type MonitorStore interface {
	Monitors(profile string) ([]watcher.Config, error)
	SaveMonitor(profile string, cfg watcher.Config) error
	RemoveMonitor(profile, key string) error
}

type tunnel interface {
	LocalAddr() string
	Faults() <-chan error
	Close() error
}

// Options configure a Registry.
type Options struct {
	Connector etcd.Options
	Tunnel    sshtunnel.Options
	Watcher   watcher.Options

	// TunnelRateLimit throttles tunnel attempts per bastion login. Only
	// authentication failures count towards a block.
	TunnelRateLimit sshtunnel.RateLimitConfig

	// HealthFailureThreshold is how many consecutive failed probes
	// disconnect a session. Zero disables the disconnect.
	HealthFailureThreshold int
	HealthProbeTimeout     time.Duration

	// OnClose runs for every session leaving the registry, whatever the
	// cause, before its connector is closed.
	OnClose func(sessionID int64)
}

// ConnectOptions are per-connect settings.
type ConnectOptions struct {
	// Profile names the saved profile the spec came from. Its persisted
	// monitors are restored on connect and watch changes are saved to it.
	Profile string
}

// Info is the externally visible description of a session.
type Info struct {
	ID        int64     `json:"id"`
	Profile   string    `json:"profile,omitempty"`
	Endpoint  string    `json:"endpoint"`
	Namespace string    `json:"namespace,omitempty"`
	User      string    `json:"user,omitempty"`
	Root      bool      `json:"root"`
	Tunnel    string    `json:"tunnel,omitempty"`
	Created   time.Time `json:"created"`
}

// Session is one live connection.
type Session struct {
	info    Info
	backend Backend
	tunnel  tunnel
	watcher *watcher.Watcher

	// ops sequences structural changes with teardown.
	ops    sync.Mutex
	closed bool

	stop     chan struct{}
	failures atomic.Int32
}

// Info describes the session.
func (s *Session) Info() Info { return s.info }

// Connector returns the etcd connector of the session, or nil when the
// backend is not an *etcd.Connector.
func (s *Session) Connector() *etcd.Connector {
	c, _ := s.backend.(*etcd.Connector)
	return c
}

// Registry maps session ids to live sessions.
type Registry struct {
	bus      *events.Bus
	notifier notify.Notifier
	monitors MonitorStore
	opts     Options

	openTunnel func(ctx context.Context, spec sshtunnel.Spec, host string, port int, opts sshtunnel.Options) (tunnel, error)
	dial       func(ctx context.Context, spec etcd.ConnectionSpec, opts etcd.Options) (Backend, error)
	now        func() time.Time
	limiter    *sshtunnel.RateLimiter

	nextID atomic.Int64

	mu       sync.RWMutex
	sessions map[int64]*Session

	cron *cron.Cron
}

// NewRegistry creates an empty registry. monitors and notifier may be nil.
func NewRegistry(bus *events.Bus, notifier notify.Notifier, monitors MonitorStore, opts Options) *Registry {
	if opts.HealthProbeTimeout <= 0 {
		opts.HealthProbeTimeout = 5 * time.Second
	}
	return &Registry{
		bus:      bus,
		notifier: notifier,
		monitors: monitors,
		opts:     opts,
		openTunnel: func(ctx context.Context, spec sshtunnel.Spec, host string, port int, opts sshtunnel.Options) (tunnel, error) {
			return sshtunnel.Open(ctx, spec, host, port, opts)
		},
		dial: func(ctx context.Context, spec etcd.ConnectionSpec, opts etcd.Options) (Backend, error) {
			return etcd.Connect(ctx, spec, opts)
		},
		now:      time.Now,
		limiter:  sshtunnel.NewRateLimiter(opts.TunnelRateLimit),
		sessions: make(map[int64]*Session),
	}
}

// Connect opens the tunnel (when spec asks for one), dials etcd through it,
// restores the profile's persisted watches and registers the session.
func (r *Registry) Connect(ctx context.Context, spec etcd.ConnectionSpec, opts ConnectOptions) (Info, error) {
	if err := spec.Validate(); err != nil {
		return Info{}, err
	}
	id := r.nextID.Add(1)

	var tun tunnel
	copts := r.opts.Connector
	if spec.SSH != nil {
		key := sshtunnel.LimitKey(*spec.SSH)
		if err := r.limiter.Allow(key); err != nil {
			return Info{}, fmt.Errorf("open tunnel for session %d: %w", id, err)
		}
		t, err := r.openTunnel(ctx, *spec.SSH, spec.Host, spec.Port, r.opts.Tunnel)
		if err != nil {
			if errors.Is(err, apperr.ErrAuthFailure) {
				r.limiter.RecordFailure(key)
			}
			return Info{}, fmt.Errorf("open tunnel for session %d: %w", id, err)
		}
		r.limiter.RecordSuccess(key)
		tun = t
		copts.Endpoint = t.LocalAddr()
	}

	backend, err := r.dial(ctx, spec, copts)
	if err != nil {
		if tun != nil {
			tun.Close()
		}
		return Info{}, fmt.Errorf("connect session %d: %w", id, err)
	}

	s := &Session{
		info: Info{
			ID:        id,
			Profile:   opts.Profile,
			Endpoint:  spec.Address(),
			Namespace: spec.Namespace,
			User:      spec.User,
			Created:   r.now(),
		},
		backend: backend,
		tunnel:  tun,
		stop:    make(chan struct{}),
	}
	if tun != nil {
		s.info.Tunnel = tun.LocalAddr()
	}
	s.watcher = watcher.New(id, backend, r, r.notifier, r.opts.Watcher)

	if spec.User != "" {
		root, err := backend.UserIsRoot(ctx, spec.User)
		if err != nil {
			log.Printf("[session] %d: cannot determine roles of %s: %v", id, logutil.SanitizeForLog(spec.User), err)
		}
		s.info.Root = root
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	if tun != nil {
		go r.watchTunnel(s)
	}

	// A watch lost while restoring tears the session down once ops is free.
	if err := s.locked(func() error {
		r.restoreMonitors(ctx, s)
		return nil
	}); err != nil {
		return Info{}, fmt.Errorf("connect session %d: %w", id, err)
	}
	log.Printf("[session] %d connected to %s", id, logutil.SanitizeForLog(spec.Address()))
	return s.info, nil
}

// restoreMonitors installs the persisted watches of the session's profile.
// A watch that cannot start is kept paused.
func (r *Registry) restoreMonitors(ctx context.Context, s *Session) {
	if r.monitors == nil || s.info.Profile == "" {
		return
	}
	cfgs, err := r.monitors.Monitors(s.info.Profile)
	if err != nil {
		log.Printf("[session] %d: load monitors of %s: %v", s.info.ID, logutil.SanitizeForLog(s.info.Profile), err)
		return
	}
	for _, cfg := range cfgs {
		if err := s.watcher.Set(ctx, cfg); err != nil {
			log.Printf("[session] %d: restore watch %s: %v", s.info.ID, logutil.SanitizeForLog(cfg.Key), err)
			cfg.Paused = true
			s.watcher.Set(ctx, cfg)
		}
	}
}

// watchTunnel turns the first tunnel fault into a disconnect.
func (r *Registry) watchTunnel(s *Session) {
	select {
	case err, ok := <-s.tunnel.Faults():
		if !ok {
			err = errors.New("tunnel closed")
		}
		r.teardown(s.info.ID, fmt.Errorf("ssh tunnel: %w", err))
	case <-s.stop:
	}
}

// Disconnect removes the session and releases its resources.
func (r *Registry) Disconnect(id int64, reason string) error {
	if reason == "" {
		reason = "user request"
	}
	log.Printf("[session] %d disconnecting: %s", id, logutil.SanitizeForLog(reason))
	return r.teardown(id, nil)
}

// teardown unregisters id, runs the OnClose hook, waits for in-flight
// structural operations and closes watchers, connector and tunnel in that
// order. A non-nil cause is published as SessionDisconnected. The session's
// retained events are dropped afterwards.
func (r *Registry) teardown(id int64, cause error) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return apperr.Wrap(apperr.ErrConnectionLost, fmt.Errorf("session %d not found", id))
	}

	if r.opts.OnClose != nil {
		r.opts.OnClose(id)
	}

	s.ops.Lock()
	s.closed = true
	close(s.stop)
	s.watcher.Close()
	if err := s.backend.Close(); err != nil {
		log.Printf("[session] %d: close connector: %v", id, err)
	}
	if s.tunnel != nil {
		if err := s.tunnel.Close(); err != nil {
			log.Printf("[session] %d: close tunnel: %v", id, err)
		}
	}
	s.ops.Unlock()

	if cause != nil {
		log.Printf("[session] %d lost: %v", id, cause)
		r.bus.PublishDisconnected(events.SessionDisconnected{SessionID: id, Reason: cause.Error()})
	}
	r.bus.Forget(id)
	return nil
}

// Close disconnects every session and stops health probes.
func (r *Registry) Close() {
	r.StopHealthChecks()
	for _, info := range r.List() {
		r.Disconnect(info.ID, "shutdown")
	}
}

// Session looks up a live session.
func (r *Registry) Session(id int64) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.Wrap(apperr.ErrConnectionLost, fmt.Errorf("session %d not found", id))
	}
	return s, nil
}

// Connector is a shortcut for Session(id).Connector().
func (r *Registry) Connector(id int64) (*etcd.Connector, error) {
	s, err := r.Session(id)
	if err != nil {
		return nil, err
	}
	c := s.Connector()
	if c == nil {
		return nil, apperr.Wrap(apperr.ErrConnectionLost, fmt.Errorf("session %d has no etcd connector", id))
	}
	return c, nil
}

// List returns the live sessions ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// locked runs fn under the session's ops mutex unless it was torn down.
func (r *Registry) locked(id int64, fn func(s *Session) error) error {
	s, err := r.Session(id)
	if err != nil {
		return err
	}
	return s.locked(func() error { return fn(s) })
}

// locked runs fn under the ops mutex unless the session was torn down.
func (s *Session) locked(fn func() error) error {
	s.ops.Lock()
	defer s.ops.Unlock()
	if s.closed {
		return apperr.Wrap(apperr.ErrConnectionLost, fmt.Errorf("session %d closed", s.info.ID))
	}
	return fn()
}

// SetWatch installs or replaces a watch and persists it to the profile.
func (r *Registry) SetWatch(ctx context.Context, id int64, cfg watcher.Config) error {
	return r.locked(id, func(s *Session) error {
		if err := s.watcher.Set(ctx, cfg); err != nil {
			return err
		}
		r.saveMonitor(s, cfg)
		return nil
	})
}

// RemoveWatch cancels a watch and forgets it in the profile.
func (r *Registry) RemoveWatch(id int64, key string) error {
	return r.locked(id, func(s *Session) error {
		if err := s.watcher.Remove(key); err != nil {
			return err
		}
		if r.monitors != nil && s.info.Profile != "" {
			if err := r.monitors.RemoveMonitor(s.info.Profile, key); err != nil {
				log.Printf("[session] %d: forget monitor %s: %v", id, logutil.SanitizeForLog(key), err)
			}
		}
		return nil
	})
}

// PauseWatch pauses or resumes a watch.
func (r *Registry) PauseWatch(ctx context.Context, id int64, key string, paused bool) error {
	return r.locked(id, func(s *Session) error {
		if err := s.watcher.Pause(ctx, key, paused); err != nil {
			return err
		}
		for _, cfg := range s.watcher.Configs() {
			if cfg.Key == key {
				r.saveMonitor(s, cfg)
			}
		}
		return nil
	})
}

// Watches lists the watch configs of a session.
func (r *Registry) Watches(id int64) ([]watcher.Config, error) {
	s, err := r.Session(id)
	if err != nil {
		return nil, err
	}
	return s.watcher.Configs(), nil
}

func (r *Registry) saveMonitor(s *Session, cfg watcher.Config) {
	if r.monitors == nil || s.info.Profile == "" {
		return
	}
	if err := r.monitors.SaveMonitor(s.info.Profile, cfg); err != nil {
		log.Printf("[session] %d: persist monitor %s: %v", s.info.ID, logutil.SanitizeForLog(cfg.Key), err)
	}
}

// KeyChanged implements watcher.Sink.
func (r *Registry) KeyChanged(change events.KeyChange) {
	r.bus.PublishKeyChange(change)
}

// WatchLost implements watcher.Sink. The session is torn down from a new
// goroutine because teardown joins the subscription goroutine calling us.
func (r *Registry) WatchLost(sessionID int64, key string, reason error) {
	go r.teardown(sessionID, fmt.Errorf("watch on %s lost: %w", logutil.SanitizeForLog(key), reason))
}
