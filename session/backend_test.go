package session_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/mybios/pinus/session"
)

type recordingInvoker struct {
	bindFrontend string
	bindSID      int64
	bindUID      string

	unbindUID string

	pushFrontend string
	pushSID      int64
	pushSettings map[string]any

	err error
}

func (r *recordingInvoker) Bind(frontendID string, sid int64, uid string) error {
	r.bindFrontend = frontendID
	r.bindSID = sid
	r.bindUID = uid
	return r.err
}

func (r *recordingInvoker) Unbind(frontendID string, sid int64, uid string) error {
	r.unbindUID = uid
	return r.err
}

func (r *recordingInvoker) PushSettings(frontendID string, sid int64, settings map[string]any) error {
	r.pushFrontend = frontendID
	r.pushSID = sid
	r.pushSettings = settings
	return r.err
}

func TestBackendCreateFromExport(t *testing.T) {
	svc := session.NewBackendService(nil, nil)
	bs := svc.Create(&session.Export{
		ID:         7,
		FrontendID: "connector-1",
		UID:        "u1",
		Settings:   map[string]any{"room": "lobby"},
	})

	if bs.ID() != 7 || bs.FrontendID() != "connector-1" || bs.UID() != "u1" {
		t.Fatalf("snapshot identity: id=%d frontend=%q uid=%q", bs.ID(), bs.FrontendID(), bs.UID())
	}
	if bs.Get("room") != "lobby" {
		t.Fatalf("snapshot settings: %v", bs.Get("room"))
	}
}

func TestBackendCreateNilExport(t *testing.T) {
	svc := session.NewBackendService(nil, nil)
	bs := svc.Create(nil)

	if bs.ID() != 0 || bs.UID() != "" {
		t.Fatalf("empty snapshot: id=%d uid=%q", bs.ID(), bs.UID())
	}
	bs.Set("k", "v")
	if bs.Get("k") != "v" {
		t.Fatal("empty snapshot not writable")
	}
}

func TestBackendSetStaysLocalUntilPush(t *testing.T) {
	inv := &recordingInvoker{}
	svc := session.NewBackendService(inv, nil)
	bs := svc.Create(&session.Export{ID: 3, FrontendID: "connector-1"})

	bs.Set("score", 42)
	if inv.pushSettings != nil {
		t.Fatal("Set alone must not reach the frontend")
	}

	var cbErr error
	bs.Push("score", func(err error) { cbErr = err })

	if cbErr != nil {
		t.Fatalf("push err = %v", cbErr)
	}
	if inv.pushFrontend != "connector-1" || inv.pushSID != 3 {
		t.Fatalf("push addressed frontend=%q sid=%d", inv.pushFrontend, inv.pushSID)
	}
	if !reflect.DeepEqual(inv.pushSettings, map[string]any{"score": 42}) {
		t.Fatalf("pushed settings = %v, want only the named key", inv.pushSettings)
	}
}

func TestBackendPushAllSendsEverySetting(t *testing.T) {
	inv := &recordingInvoker{}
	svc := session.NewBackendService(inv, nil)
	bs := svc.Create(&session.Export{ID: 3, Settings: map[string]any{"a": 1}})
	bs.Set("b", 2)

	bs.PushAll(func(err error) {
		if err != nil {
			t.Fatalf("pushAll err = %v", err)
		}
	})

	want := map[string]any{"a": 1, "b": 2}
	if !reflect.DeepEqual(inv.pushSettings, want) {
		t.Fatalf("pushed settings = %v, want %v", inv.pushSettings, want)
	}
}

func TestBackendBindUpdatesSnapshotOnSuccess(t *testing.T) {
	inv := &recordingInvoker{}
	svc := session.NewBackendService(inv, nil)
	bs := svc.Create(&session.Export{ID: 5, FrontendID: "connector-2"})

	bs.Bind("u9", func(err error) {
		if err != nil {
			t.Fatalf("bind err = %v", err)
		}
	})

	if inv.bindFrontend != "connector-2" || inv.bindSID != 5 || inv.bindUID != "u9" {
		t.Fatalf("invoker saw frontend=%q sid=%d uid=%q", inv.bindFrontend, inv.bindSID, inv.bindUID)
	}
	if bs.UID() != "u9" {
		t.Fatalf("snapshot uid = %q, want u9", bs.UID())
	}
}

func TestBackendBindKeepsUIDOnFailure(t *testing.T) {
	inv := &recordingInvoker{err: errors.New("frontend down")}
	svc := session.NewBackendService(inv, nil)
	bs := svc.Create(&session.Export{ID: 5, UID: "old"})

	var cbErr error
	bs.Bind("new", func(err error) { cbErr = err })

	if cbErr == nil {
		t.Fatal("expected bind error")
	}
	if bs.UID() != "old" {
		t.Fatalf("snapshot uid = %q, want old after failed bind", bs.UID())
	}
}

func TestBackendUnbindClearsMatchingUID(t *testing.T) {
	inv := &recordingInvoker{}
	svc := session.NewBackendService(inv, nil)
	bs := svc.Create(&session.Export{ID: 5, UID: "u1"})

	bs.Unbind("u1", nil)
	if bs.UID() != "" {
		t.Fatalf("uid = %q after unbind, want empty", bs.UID())
	}
	if inv.unbindUID != "u1" {
		t.Fatalf("invoker saw unbind uid = %q", inv.unbindUID)
	}
}

func TestBackendOpsWithoutInvoker(t *testing.T) {
	svc := session.NewBackendService(nil, nil)
	bs := svc.Create(&session.Export{ID: 1})

	var errs []error
	collect := func(err error) { errs = append(errs, err) }

	bs.Bind("u1", collect)
	bs.Unbind("u1", collect)
	bs.Push("k", collect)
	bs.PushAll(collect)

	if len(errs) != 4 {
		t.Fatalf("expected 4 callbacks, got %d", len(errs))
	}
	for i, err := range errs {
		if !errors.Is(err, session.ErrNoInvoker) {
			t.Fatalf("op %d err = %v, want ErrNoInvoker", i, err)
		}
	}
	if bs.UID() != "" {
		t.Fatalf("uid = %q after failed bind, want empty", bs.UID())
	}
}

// Round trip: a frontend export rebuilt on a backend and exported again is
// the same view, and a push lands on the authoritative session.
func TestFrontendToBackendRoundTrip(t *testing.T) {
	front := session.NewService("connector-1", nil, nil)
	fs := front.Create()
	if err := fs.Bind("u1"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	fs.Set("room", "lobby")

	ex := fs.Export()

	// The invoker applies pushes straight to the authoritative service, the
	// way the mesh does across processes.
	inv := &applyingInvoker{svc: front}
	back := session.NewBackendService(inv, nil)
	bs := back.Create(ex)

	if got := bs.Export(); !reflect.DeepEqual(got, ex) {
		t.Fatalf("rebuilt export = %+v, want %+v", got, ex)
	}

	bs.Set("score", 42)
	bs.Push("score", func(err error) {
		if err != nil {
			t.Fatalf("push err = %v", err)
		}
	})

	if got := fs.Get("score"); got != 42 {
		t.Fatalf("authoritative session score = %v, want 42", got)
	}
	if got := fs.Get("room"); got != "lobby" {
		t.Fatalf("authoritative session room = %v, want lobby", got)
	}
}

type applyingInvoker struct {
	svc *session.Service
}

func (a *applyingInvoker) Bind(_ string, sid int64, uid string) error {
	return a.svc.Bind(sid, uid)
}

func (a *applyingInvoker) Unbind(_ string, sid int64, uid string) error {
	return a.svc.Unbind(sid, uid)
}

func (a *applyingInvoker) PushSettings(_ string, sid int64, settings map[string]any) error {
	return a.svc.ImportSettings(sid, settings)
}
