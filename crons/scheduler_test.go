package crons_test

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mybios/pinus/crons"
)

func newScheduler(t *testing.T) (*crons.Scheduler, *crons.Registry) {
	t.Helper()
	reg := crons.NewRegistry(nil)
	if err := reg.RegisterFunc("tickCron", "tick", func() {}); err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}
	return crons.NewScheduler(reg, "chat-1", zap.NewNop()), reg
}

func TestSchedulerAdd(t *testing.T) {
	s, _ := newScheduler(t)

	if err := s.Add(crons.Cron{ID: "tick", Time: "0 * * * * *", Action: "tickCron.tick"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if list := s.List(); len(list) != 1 || list[0].ID != "tick" {
		t.Fatalf("List = %v", list)
	}
}

func TestSchedulerAddRefusesBrokenDefinitions(t *testing.T) {
	s, _ := newScheduler(t)

	tests := []struct {
		name string
		c    crons.Cron
	}{
		{"empty id", crons.Cron{Time: "0 * * * * *", Action: "tickCron.tick"}},
		{"unknown action", crons.Cron{ID: "x", Time: "0 * * * * *", Action: "ghost.tick"}},
		{"malformed action", crons.Cron{ID: "x", Time: "0 * * * * *", Action: "nodot"}},
		{"five-field expr", crons.Cron{ID: "x", Time: "* * * * *", Action: "tickCron.tick"}},
		{"garbage expr", crons.Cron{ID: "x", Time: "whenever", Action: "tickCron.tick"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Add(tt.c); err == nil {
				t.Fatalf("Add(%+v) accepted", tt.c)
			}
		})
	}
	if list := s.List(); len(list) != 0 {
		t.Fatalf("broken definitions leaked into the live list: %v", list)
	}
}

func TestSchedulerDuplicateID(t *testing.T) {
	s, _ := newScheduler(t)

	if err := s.Add(crons.Cron{ID: "tick", Time: "0 * * * * *", Action: "tickCron.tick"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := s.Add(crons.Cron{ID: "tick", Time: "30 * * * * *", Action: "tickCron.tick"})
	if !errors.Is(err, crons.ErrDuplicate) {
		t.Fatalf("second Add err = %v, want ErrDuplicate", err)
	}

	// The original stays live and unchanged.
	if list := s.List(); len(list) != 1 || list[0].Time != "0 * * * * *" {
		t.Fatalf("List = %v, want the original definition", list)
	}
}

func TestSchedulerAddAllMixedBatch(t *testing.T) {
	s, _ := newScheduler(t)
	if err := s.Add(crons.Cron{ID: "live", Time: "0 * * * * *", Action: "tickCron.tick"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	added := s.AddAll([]crons.Cron{
		{ID: "live", Time: "0 * * * * *", Action: "tickCron.tick"},                        // duplicate
		{ID: "fresh", Time: "0 30 * * * *", Action: "tickCron.tick"},                      // good
		{ID: "elsewhere", Time: "0 * * * * *", Action: "tickCron.tick", ServerID: "chat-2"}, // pinned away
		{ID: "broken", Time: "garbage", Action: "tickCron.tick"},                          // bad expr
	})

	if added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
	list := s.List()
	if len(list) != 2 || list[0].ID != "live" || list[1].ID != "fresh" {
		t.Fatalf("List = %v", list)
	}
}

func TestSchedulerAddAllHonorsOwnPin(t *testing.T) {
	s, _ := newScheduler(t)

	added := s.AddAll([]crons.Cron{
		{ID: "mine", Time: "0 * * * * *", Action: "tickCron.tick", ServerID: "chat-1"},
	})
	if added != 1 {
		t.Fatalf("added = %d, want a cron pinned to this server admitted", added)
	}
}

func TestSchedulerRemove(t *testing.T) {
	s, _ := newScheduler(t)
	if err := s.Add(crons.Cron{ID: "tick", Time: "0 * * * * *", Action: "tickCron.tick"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if !s.Remove("tick") {
		t.Fatal("Remove returned false for a live id")
	}
	if s.Remove("tick") {
		t.Fatal("Remove returned true for an already removed id")
	}
	if list := s.List(); len(list) != 0 {
		t.Fatalf("List after remove = %v", list)
	}

	// A removed id can be admitted again.
	if err := s.Add(crons.Cron{ID: "tick", Time: "30 * * * * *", Action: "tickCron.tick"}); err != nil {
		t.Fatalf("re-Add after Remove: %v", err)
	}
}

func TestSchedulerRemoveAll(t *testing.T) {
	s, _ := newScheduler(t)
	s.AddAll([]crons.Cron{
		{ID: "a", Time: "0 * * * * *", Action: "tickCron.tick"},
		{ID: "b", Time: "0 * * * * *", Action: "tickCron.tick"},
	})

	removed := s.RemoveAll([]crons.Cron{{ID: "a"}, {ID: "ghost"}})
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if list := s.List(); len(list) != 1 || list[0].ID != "b" {
		t.Fatalf("List = %v", list)
	}
}

func TestSchedulerRunsJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for wall-clock cron fires")
	}

	reg := crons.NewRegistry(nil)
	fired := make(chan struct{}, 8)
	if err := reg.RegisterFunc("tickCron", "tick", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}
	if err := reg.RegisterFunc("boomCron", "explode", func() { panic("kaboom") }); err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}

	s := crons.NewScheduler(reg, "chat-1", zap.NewNop())
	if err := s.Add(crons.Cron{ID: "boom", Time: "* * * * * *", Action: "boomCron.explode"}); err != nil {
		t.Fatalf("Add boom: %v", err)
	}
	if err := s.Add(crons.Cron{ID: "tick", Time: "* * * * * *", Action: "tickCron.tick"}); err != nil {
		t.Fatalf("Add tick: %v", err)
	}

	s.Start()
	defer s.Stop()

	// The panicking job fires on the same schedule; surviving two healthy
	// fires shows the recovery guard held.
	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatal("cron did not fire")
		}
	}
}
