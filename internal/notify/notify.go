// Package notify delivers desktop notifications for watched key changes.
package notify

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/tzfun/etcd-workbench/internal/logutil"
)

// Notifier shows a notification to the user. Focused reports whether the
// UI window currently has focus, in which case callers usually skip the
// notification because the change is already visible.
type Notifier interface {
	Focused() bool
	Notify(title, body string) error
}

// LogNotifier writes notifications to the log. The UI flips its focus flag
// over the local API.
type LogNotifier struct {
	focused atomic.Bool

	mu   sync.Mutex
	sent int
}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) Focused() bool { return n.focused.Load() }

func (n *LogNotifier) SetFocused(focused bool) { n.focused.Store(focused) }

func (n *LogNotifier) Notify(title, body string) error {
	n.mu.Lock()
	n.sent++
	n.mu.Unlock()
	log.Printf("[notify] %s: %s", logutil.SanitizeForLog(title), logutil.SanitizeForLog(body))
	return nil
}

// Sent counts delivered notifications.
func (n *LogNotifier) Sent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}
