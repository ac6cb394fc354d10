// Package snapshot runs etcd snapshot downloads as background tasks.
//
// Each task streams a snapshot of one session's cluster to a file in the
// snapshot directory and publishes its progress on the event bus. Tasks are
// identified by UUID and stay listed until removed.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/tzfun/etcd-workbench/internal/apperr"
	"github.com/tzfun/etcd-workbench/internal/etcd"
	"github.com/tzfun/etcd-workbench/internal/events"
	"github.com/tzfun/etcd-workbench/internal/logutil"
)

// progressInterval throttles progress events of a single task.
var progressInterval = 200 * time.Millisecond

// Source streams a snapshot to path. *etcd.Connector implements it.
type Source interface {
	Snapshot(ctx context.Context, path string, progress func(etcd.SnapshotProgress)) (int64, error)
}

// State is the lifecycle state of a task.
type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
	StateStopped State = "stopped"
)

// Info is a point-in-time view of a task.
type Info struct {
	ID            string     `json:"id"`
	SessionID     int64      `json:"sessionId"`
	Path          string     `json:"path"`
	State         State      `json:"state"`
	Received      int64      `json:"received"`
	Remaining     int64      `json:"remaining"`
	ReceivedHuman string     `json:"receivedHuman"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

type task struct {
	id        string
	sessionID int64
	path      string
	createdAt time.Time

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	mu           sync.Mutex
	state        State
	received     int64
	remaining    int64
	err          string
	finishedAt   *time.Time
	lastProgress time.Time
}

func (t *task) info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		ID:            t.id,
		SessionID:     t.sessionID,
		Path:          t.path,
		State:         t.state,
		Received:      t.received,
		Remaining:     t.remaining,
		ReceivedHuman: units.HumanSize(float64(t.received)),
		Error:         t.err,
		CreatedAt:     t.createdAt,
		FinishedAt:    t.finishedAt,
	}
}

// stop cancels the task once. Later calls are no-ops.
func (t *task) stop() {
	t.stopOnce.Do(t.cancel)
}

// Manager tracks snapshot tasks of all sessions.
type Manager struct {
	bus *events.Bus
	dir string
	now func() time.Time

	mu    sync.RWMutex
	tasks map[string]*task
}

// NewManager creates a manager writing snapshots into dir.
func NewManager(bus *events.Bus, dir string) *Manager {
	return &Manager{
		bus:   bus,
		dir:   dir,
		now:   time.Now,
		tasks: make(map[string]*task),
	}
}

// Start begins streaming a snapshot of src into dir/name. An empty name
// picks one from the session id and the current time.
func (m *Manager) Start(sessionID int64, src Source, name string) (Info, error) {
	if name == "" {
		name = fmt.Sprintf("etcd-session%d-%s.db", sessionID, m.now().Format("20060102-150405"))
	}
	if name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return Info{}, apperr.Argument("invalid snapshot file name %q", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:        uuid.New().String(),
		sessionID: sessionID,
		path:      filepath.Join(m.dir, name),
		createdAt: m.now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateRunning,
	}

	m.mu.Lock()
	m.tasks[t.id] = t
	m.mu.Unlock()

	go m.run(ctx, t, src)

	log.Printf("[snapshot] task %s started for session %d -> %s", t.id, sessionID, logutil.SanitizeForLog(t.path))
	return t.info(), nil
}

func (m *Manager) run(ctx context.Context, t *task, src Source) {
	defer close(t.done)
	defer t.cancel()

	size, err := src.Snapshot(ctx, t.path, func(p etcd.SnapshotProgress) {
		t.mu.Lock()
		t.received = p.Received
		t.remaining = p.Remaining
		now := m.now()
		publish := p.Err == nil && now.Sub(t.lastProgress) >= progressInterval
		if publish {
			t.lastProgress = now
		}
		t.mu.Unlock()
		if publish {
			m.publish(t)
		}
	})

	now := m.now()
	t.mu.Lock()
	t.finishedAt = &now
	switch {
	case err == nil:
		t.state = StateDone
		t.received = size
		t.remaining = 0
	case errors.Is(err, context.Canceled):
		t.state = StateStopped
	default:
		t.state = StateFailed
		t.err = err.Error()
	}
	state := t.state
	t.mu.Unlock()

	m.publish(t)
	if state == StateFailed {
		log.Printf("[snapshot] task %s failed: %v", t.id, err)
		return
	}
	log.Printf("[snapshot] task %s %s (%s)", t.id, state, units.HumanSize(float64(size)))
}

func (m *Manager) publish(t *task) {
	if m.bus == nil {
		return
	}
	info := t.info()
	m.bus.PublishSnapshot(events.SnapshotProgress{
		TaskID:        info.ID,
		SessionID:     info.SessionID,
		Received:      info.Received,
		Remaining:     info.Remaining,
		ReceivedHuman: info.ReceivedHuman,
		Done:          info.State != StateRunning,
		Error:         info.Error,
	})
}

func (m *Manager) get(id string) (*task, error) {
	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.Wrap(apperr.ErrNotExist, fmt.Errorf("snapshot task %s not found", id))
	}
	return t, nil
}

// Get returns the current view of a task.
func (m *Manager) Get(id string) (Info, error) {
	t, err := m.get(id)
	if err != nil {
		return Info{}, err
	}
	return t.info(), nil
}

// List returns the tasks of a session, or of all sessions for sessionID 0,
// oldest first.
func (m *Manager) List(sessionID int64) []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.tasks))
	for _, t := range m.tasks {
		if sessionID == 0 || t.sessionID == sessionID {
			out = append(out, t.info())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stop cancels a running task and waits for it to finish. The partial
// file is kept.
func (m *Manager) Stop(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	t.stop()
	<-t.done
	return nil
}

// Remove stops the task if needed and forgets it. A file left by a stopped
// or failed task is deleted.
func (m *Manager) Remove(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	t.stop()
	<-t.done

	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()

	if info := t.info(); info.State != StateDone {
		if err := os.Remove(info.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove partial snapshot: %w", err)
		}
	}
	return nil
}

// StopSession stops every running task of a session.
func (m *Manager) StopSession(sessionID int64) {
	for _, info := range m.List(sessionID) {
		if info.State == StateRunning {
			m.Stop(info.ID)
		}
	}
}

// Close stops every running task.
func (m *Manager) Close() {
	m.StopSession(0)
}
