package crons

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrDuplicate marks attempts to schedule a cron id that is already live.
var ErrDuplicate = errors.New("duplicate cron id")

// Scheduler owns the live cron jobs of one server process. Definitions are
// admitted by id: a second definition with a live id is refused, never
// silently replaced. Jobs only fire between Start and Stop.
type Scheduler struct {
	registry *Registry
	serverID string
	log      *zap.Logger

	mu     sync.Mutex
	runner *cron.Cron
	jobs   map[string]cron.EntryID
	list   []Cron
}

// NewScheduler creates a stopped scheduler resolving actions against
// registry. serverID is this process; definitions pinned elsewhere are
// skipped by AddAll.
func NewScheduler(registry *Registry, serverID string, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		registry: registry,
		serverID: serverID,
		log:      log.Named("crons"),
		runner:   cron.New(cron.WithSeconds()),
		jobs:     make(map[string]cron.EntryID),
	}
}

// Add admits one definition: the id must not be live, the action must
// resolve, and the expression must parse as six-field cron syntax.
func (s *Scheduler) Add(c Cron) error {
	if c.ID == "" {
		return errors.New("cron without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, live := s.jobs[c.ID]; live {
		return fmt.Errorf("cron %s: %w", c.ID, ErrDuplicate)
	}
	fn, err := s.registry.Resolve(c.Action)
	if err != nil {
		return fmt.Errorf("cron %s: %w", c.ID, err)
	}
	entry, err := s.runner.AddFunc(c.Time, s.guard(c, fn))
	if err != nil {
		return fmt.Errorf("cron %s: schedule %q: %w", c.ID, c.Time, err)
	}
	s.jobs[c.ID] = entry
	s.list = append(s.list, c)
	return nil
}

// AddAll admits a batch. Definitions pinned to another server are skipped
// silently; duplicates are warned about; broken definitions are logged. Good
// definitions in the same batch are always admitted. Returns how many were.
func (s *Scheduler) AddAll(defs []Cron) int {
	added := 0
	for _, c := range defs {
		if c.ServerID != "" && c.ServerID != s.serverID {
			continue
		}
		err := s.Add(c)
		switch {
		case err == nil:
			added++
		case errors.Is(err, ErrDuplicate):
			s.log.Warn("cron is duplicated", zap.String("id", c.ID), zap.String("action", c.Action))
		default:
			s.log.Error("fail to schedule cron", zap.String("id", c.ID), zap.Error(err))
		}
	}
	return added
}

// Remove unschedules the cron with the given id. It reports whether the id
// was live.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, live := s.jobs[id]
	if !live {
		return false
	}
	s.runner.Remove(entry)
	delete(s.jobs, id)
	for i, c := range s.list {
		if c.ID == id {
			s.list = append(s.list[:i], s.list[i+1:]...)
			break
		}
	}
	return true
}

// RemoveAll unschedules every listed definition by id and returns how many
// were live.
func (s *Scheduler) RemoveAll(defs []Cron) int {
	removed := 0
	for _, c := range defs {
		if s.Remove(c.ID) {
			removed++
		} else {
			s.log.Warn("cron not scheduled here", zap.String("id", c.ID))
		}
	}
	return removed
}

// List returns a copy of the live definitions in admission order.
func (s *Scheduler) List() []Cron {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Cron(nil), s.list...)
}

// Start arms the scheduler. Jobs admitted earlier begin firing on their
// expressions.
func (s *Scheduler) Start() {
	s.runner.Start()
}

// Stop disarms the scheduler. The returned context completes when jobs that
// were mid-run have finished.
func (s *Scheduler) Stop() context.Context {
	return s.runner.Stop()
}

// guard keeps a panicking job from killing the scheduler goroutine.
func (s *Scheduler) guard(c Cron, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("cron panicked",
					zap.String("id", c.ID), zap.String("action", c.Action), zap.Any("panic", r))
			}
		}()
		fn()
	}
}
