package handler_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/mybios/pinus/handler"
	"github.com/mybios/pinus/message"
	"github.com/mybios/pinus/route"
	"github.com/mybios/pinus/session"
)

type chatHandler struct {
	sends int
	kicks int
	last  *message.Message
}

func (h *chatHandler) Send(m *message.Message, s session.Session, cb message.Callback) {
	h.sends++
	h.last = m
	cb(nil, map[string]any{"echo": m.Body}, message.Options{"handled": true})
}

func (h *chatHandler) Kick(m *message.Message, s session.Session, cb message.Callback) {
	h.kicks++
	cb(errors.New("not allowed"), nil, nil)
}

// Wrong signatures must be skipped by registration.
func (h *chatHandler) Stats() int                          { return h.sends }
func (h *chatHandler) Reset(n int)                         { h.sends = n }
func (h *chatHandler) Peek(m *message.Message) *chatHandler { return h }

func newSession(t *testing.T) session.Session {
	t.Helper()
	return session.NewService("connector-1", nil, nil).Create()
}

func mustParse(t *testing.T, r string) *route.Record {
	t.Helper()
	rec := route.Parse(r)
	if rec == nil {
		t.Fatalf("route %q did not parse", r)
	}
	return rec
}

func TestRegisterScansEngineMethods(t *testing.T) {
	svc := handler.New(nil)
	if err := svc.Register("chatHandler", &chatHandler{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for _, method := range []string{"send", "kick"} {
		if !svc.Has("chatHandler", method) {
			t.Fatalf("method %q not registered", method)
		}
	}
	for _, method := range []string{"stats", "reset", "peek", "Send"} {
		if svc.Has("chatHandler", method) {
			t.Fatalf("method %q should not be registered", method)
		}
	}
}

func TestRegisterRejectsUselessHandlers(t *testing.T) {
	svc := handler.New(nil)

	if err := svc.Register("", &chatHandler{}); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := svc.Register("plain", struct{}{}); err == nil {
		t.Fatal("handler without dispatchable methods accepted")
	}
	if err := svc.Register("nil", nil); err == nil {
		t.Fatal("nil handler accepted")
	}
}

func TestHandleInvokesMethod(t *testing.T) {
	svc := handler.New(nil)
	h := &chatHandler{}
	if err := svc.Register("chatHandler", h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m := &message.Message{Route: "chat.chatHandler.send", Body: "hello"}
	var gotErr error
	var gotResp any
	var gotOpts message.Options
	svc.Handle(mustParse(t, m.Route), m, newSession(t), func(err error, resp any, opts message.Options) {
		gotErr = err
		gotResp = resp
		gotOpts = opts
	})

	if h.sends != 1 {
		t.Fatalf("send invoked %d times", h.sends)
	}
	if h.last != m {
		t.Fatal("handler did not receive the message")
	}
	if gotErr != nil {
		t.Fatalf("cb err = %v", gotErr)
	}
	if resp, ok := gotResp.(map[string]any); !ok || resp["echo"] != "hello" {
		t.Fatalf("cb resp = %v", gotResp)
	}
	if gotOpts["handled"] != true {
		t.Fatalf("cb opts = %v", gotOpts)
	}
}

func TestHandlePropagatesHandlerError(t *testing.T) {
	svc := handler.New(nil)
	if err := svc.Register("chatHandler", &chatHandler{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var gotErr error
	svc.Handle(mustParse(t, "chat.chatHandler.kick"), &message.Message{Route: "chat.chatHandler.kick"}, newSession(t), func(err error, resp any, opts message.Options) {
		gotErr = err
	})

	if gotErr == nil || gotErr.Error() != "not allowed" {
		t.Fatalf("cb err = %v, want the handler error", gotErr)
	}
}

func TestHandleUnknownTargets(t *testing.T) {
	svc := handler.New(nil)
	if err := svc.Register("chatHandler", &chatHandler{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name  string
		route string
	}{
		{"unknown handler", "chat.roomHandler.join"},
		{"unknown method", "chat.chatHandler.join"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotErr error
			svc.Handle(mustParse(t, tt.route), &message.Message{Route: tt.route}, newSession(t), func(err error, resp any, opts message.Options) {
				gotErr = err
			})
			if !errors.Is(gotErr, handler.ErrNotFound) {
				t.Fatalf("cb err = %v, want ErrNotFound", gotErr)
			}
			if !strings.Contains(gotErr.Error(), tt.route) {
				t.Fatalf("cb err %q does not name the route", gotErr)
			}
		})
	}
}

func TestRegisterFunc(t *testing.T) {
	svc := handler.New(nil)
	calls := 0
	err := svc.RegisterFunc("gateHandler", "entry", func(m *message.Message, s session.Session, cb message.Callback) {
		calls++
		cb(nil, "ok", nil)
	})
	if err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}

	svc.Handle(mustParse(t, "gate.gateHandler.entry"), &message.Message{Route: "gate.gateHandler.entry"}, newSession(t), func(err error, resp any, opts message.Options) {
		if err != nil || resp != "ok" {
			t.Fatalf("cb err=%v resp=%v", err, resp)
		}
	})
	if calls != 1 {
		t.Fatalf("func invoked %d times", calls)
	}

	if err := svc.RegisterFunc("", "entry", nil); err == nil {
		t.Fatal("empty registration accepted")
	}
	if err := svc.RegisterFunc("gateHandler", "other", nil); err == nil {
		t.Fatal("nil func accepted")
	}
}

func TestRegisterReplacesHandler(t *testing.T) {
	svc := handler.New(nil)
	first := &chatHandler{}
	second := &chatHandler{}
	if err := svc.Register("chatHandler", first); err != nil {
		t.Fatalf("Register first: %v", err)
	}
	if err := svc.Register("chatHandler", second); err != nil {
		t.Fatalf("Register second: %v", err)
	}

	svc.Handle(mustParse(t, "chat.chatHandler.send"), &message.Message{Route: "chat.chatHandler.send"}, newSession(t), func(err error, resp any, opts message.Options) {})

	if first.sends != 0 {
		t.Fatal("replaced handler still receiving dispatches")
	}
	if second.sends != 1 {
		t.Fatalf("replacement handler sends = %d, want 1", second.sends)
	}
}
