package session

import (
	"errors"

	"go.uber.org/zap"
)

// ErrNoInvoker is returned by backend session operations when the service
// has no way to reach the owning frontend.
var ErrNoInvoker = errors.New("no frontend invoker configured")

// FrontendInvoker carries backend session mutations back to the owning
// frontend. The mesh client implements it; tests swap in fakes.
type FrontendInvoker interface {
	Bind(frontendID string, sid int64, uid string) error
	Unbind(frontendID string, sid int64, uid string) error
	PushSettings(frontendID string, sid int64, settings map[string]any) error
}

// BackendService rebuilds session snapshots on backend processes from the
// exports riding forwarded messages.
type BackendService struct {
	invoker FrontendInvoker
	log     *zap.Logger
}

// NewBackendService creates the backend-side session factory. invoker may be
// nil for purely local setups; mutating operations then fail with
// ErrNoInvoker.
func NewBackendService(invoker FrontendInvoker, log *zap.Logger) *BackendService {
	if log == nil {
		log = zap.NewNop()
	}
	return &BackendService{invoker: invoker, log: log.Named("backendsession")}
}

// Create materializes a snapshot session from an export. A nil export yields
// an empty snapshot.
func (s *BackendService) Create(ex *Export) *BackendSession {
	bs := &BackendSession{svc: s, settings: make(map[string]any)}
	if ex != nil {
		bs.id = ex.ID
		bs.frontendID = ex.FrontendID
		bs.uid = ex.UID
		for k, v := range ex.Settings {
			bs.settings[k] = v
		}
	}
	return bs
}

// BackendSession is the snapshot a backend works with while servicing one
// forwarded request. It is owned by that single request and is not shared,
// so it carries no locking. Local mutations stay local until pushed.
type BackendSession struct {
	svc *BackendService

	id         int64
	frontendID string
	uid        string
	settings   map[string]any
}

// ID returns the session id assigned by the owning frontend.
func (bs *BackendSession) ID() int64 { return bs.id }

// FrontendID returns the id of the frontend that owns the real session.
func (bs *BackendSession) FrontendID() string { return bs.frontendID }

// UID returns the bound user id as of the snapshot, or after a successful
// Bind on this snapshot.
func (bs *BackendSession) UID() string { return bs.uid }

// Get reads one setting from the snapshot.
func (bs *BackendSession) Get(key string) any { return bs.settings[key] }

// Set writes one setting on the snapshot only. The owning frontend sees the
// value once Push or PushAll succeeds.
func (bs *BackendSession) Set(key string, v any) { bs.settings[key] = v }

// Bind asks the owning frontend to bind uid to this session and completes cb
// with the outcome. The snapshot uid is updated only on success.
func (bs *BackendSession) Bind(uid string, cb func(err error)) {
	err := bs.invoke(func(inv FrontendInvoker) error {
		return inv.Bind(bs.frontendID, bs.id, uid)
	})
	if err == nil {
		bs.uid = uid
	}
	done(cb, err)
}

// Unbind asks the owning frontend to unbind uid from this session.
func (bs *BackendSession) Unbind(uid string, cb func(err error)) {
	err := bs.invoke(func(inv FrontendInvoker) error {
		return inv.Unbind(bs.frontendID, bs.id, uid)
	})
	if err == nil && bs.uid == uid {
		bs.uid = ""
	}
	done(cb, err)
}

// Push sends the named setting back to the owning frontend. Concurrent
// pushes for the same session resolve last writer wins.
func (bs *BackendSession) Push(key string, cb func(err error)) {
	err := bs.invoke(func(inv FrontendInvoker) error {
		return inv.PushSettings(bs.frontendID, bs.id, map[string]any{key: bs.settings[key]})
	})
	done(cb, err)
}

// PushAll sends every snapshot setting back to the owning frontend.
func (bs *BackendSession) PushAll(cb func(err error)) {
	err := bs.invoke(func(inv FrontendInvoker) error {
		settings := make(map[string]any, len(bs.settings))
		for k, v := range bs.settings {
			settings[k] = v
		}
		return inv.PushSettings(bs.frontendID, bs.id, settings)
	})
	done(cb, err)
}

// Export returns the plain-data view of the snapshot, settings copied.
func (bs *BackendSession) Export() *Export {
	settings := make(map[string]any, len(bs.settings))
	for k, v := range bs.settings {
		settings[k] = v
	}
	return &Export{
		ID:         bs.id,
		FrontendID: bs.frontendID,
		UID:        bs.uid,
		Settings:   settings,
	}
}

func (bs *BackendSession) invoke(call func(inv FrontendInvoker) error) error {
	if bs.svc == nil || bs.svc.invoker == nil {
		return ErrNoInvoker
	}
	err := call(bs.svc.invoker)
	if err != nil {
		bs.svc.log.Error("frontend invoke failed",
			zap.Int64("sid", bs.id), zap.String("frontend", bs.frontendID), zap.Error(err))
	}
	return err
}

func done(cb func(err error), err error) {
	if cb != nil {
		cb(err)
	}
}
