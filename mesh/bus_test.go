package mesh

import (
	"testing"

	"github.com/mybios/pinus/crons"
)

type recordingSink struct {
	added   [][]crons.Cron
	removed [][]crons.Cron
}

func (s *recordingSink) AddCrons(defs []crons.Cron) int {
	s.added = append(s.added, defs)
	return len(defs)
}

func (s *recordingSink) RemoveCrons(defs []crons.Cron) int {
	s.removed = append(s.removed, defs)
	return len(defs)
}

func TestBusDeliverRoutesTopics(t *testing.T) {
	b := NewBus("chat-1", "chat", nil)
	sink := &recordingSink{}
	defs := []crons.Cron{{ID: "tick", Time: "* * * * * *", Action: "a.b"}}

	b.deliver(TopicAddCrons, &CronEvent{From: "chat-2", ServerType: "chat", Crons: defs}, sink)
	b.deliver(TopicRemoveCrons, &CronEvent{From: "chat-2", ServerType: "chat", Crons: defs}, sink)
	b.deliver("bogus.topic", &CronEvent{From: "chat-2", ServerType: "chat", Crons: defs}, sink)

	if len(sink.added) != 1 || sink.added[0][0].ID != "tick" {
		t.Fatalf("added = %v", sink.added)
	}
	if len(sink.removed) != 1 || sink.removed[0][0].ID != "tick" {
		t.Fatalf("removed = %v", sink.removed)
	}
}

func TestBusDeliverSkipsOwnEvents(t *testing.T) {
	b := NewBus("chat-1", "chat", nil)
	sink := &recordingSink{}

	b.deliver(TopicAddCrons, &CronEvent{From: "chat-1", ServerType: "chat",
		Crons: []crons.Cron{{ID: "tick"}}}, sink)

	if len(sink.added) != 0 {
		t.Fatalf("added = %v, want own event skipped", sink.added)
	}
}

func TestBusDeliverFiltersByServerType(t *testing.T) {
	b := NewBus("chat-1", "chat", nil)
	sink := &recordingSink{}
	defs := []crons.Cron{{ID: "tick", Time: "* * * * * *", Action: "a.b"}}

	// An event for another fleet never reaches the sink, even when its
	// action would resolve here.
	b.deliver(TopicAddCrons, &CronEvent{From: "gate-1", ServerType: "gate", Crons: defs}, sink)
	if len(sink.added) != 0 {
		t.Fatalf("added = %v, want the gate event dropped", sink.added)
	}

	// An untargeted event reaches every process.
	b.deliver(TopicAddCrons, &CronEvent{From: "master-1", Crons: defs}, sink)
	if len(sink.added) != 1 {
		t.Fatalf("added = %v, want the untargeted event applied", sink.added)
	}
}
