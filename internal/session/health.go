package session

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/tzfun/etcd-workbench/internal/apperr"
)

// StartHealthChecks probes every session on the given cron schedule
// (e.g. "@every 30s").
func (r *Registry) StartHealthChecks(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.ProbeAll(context.Background()) }); err != nil {
		return fmt.Errorf("health check schedule %q: %w", schedule, err)
	}
	r.mu.Lock()
	if r.cron != nil {
		r.mu.Unlock()
		return errors.New("health checks already running")
	}
	r.cron = c
	r.mu.Unlock()

	c.Start()
	log.Printf("[health] probing sessions %s", schedule)
	return nil
}

// StopHealthChecks stops the schedule and waits for a running probe.
func (r *Registry) StopHealthChecks() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// ProbeAll queries the status of every session once. Sessions whose probe
// failed HealthFailureThreshold times in a row are disconnected.
func (r *Registry) ProbeAll(ctx context.Context) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		r.probe(ctx, s)
	}
}

func (r *Registry) probe(ctx context.Context, s *Session) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.HealthProbeTimeout)
	defer cancel()

	_, err := s.backend.Status(ctx)
	if err == nil || !unhealthy(err) {
		s.failures.Store(0)
		return
	}

	n := int(s.failures.Add(1))
	log.Printf("[health] session %d probe failed (%d in a row): %v", s.info.ID, n, err)
	if r.opts.HealthFailureThreshold > 0 && n >= r.opts.HealthFailureThreshold {
		r.teardown(s.info.ID, fmt.Errorf("health probe failed %d times: %w", n, err))
	}
}

// unhealthy reports whether err says the endpoint is unreachable, as
// opposed to a permission or request problem on a working connection.
func unhealthy(err error) bool {
	return errors.Is(err, apperr.ErrTransport) ||
		errors.Is(err, apperr.ErrTimeout) ||
		errors.Is(err, apperr.ErrConnectionLost) ||
		errors.Is(err, context.DeadlineExceeded)
}
