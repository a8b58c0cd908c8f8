// Package session holds the per-connection state the dispatch engine works
// with. The frontend that accepted the connection owns the authoritative
// FrontendSession; backends servicing forwarded requests hold a transient
// BackendSession snapshot and write back only through explicit pushes.
package session

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrNoSession is returned for operations against a session id the service
// does not know (already removed, or never created here).
var ErrNoSession = errors.New("session not found")

// Session is the engine-facing view shared by FrontendSession and
// BackendSession: filters and handlers receive it, the forward path exports
// it. Set on a frontend session mutates authoritative state; on a backend
// session it touches only the local snapshot.
type Session interface {
	ID() int64
	FrontendID() string
	UID() string
	Get(key string) any
	Set(key string, v any)
	Export() *Export
}

// Export is the plain-data view of a session that crosses process
// boundaries: it rides every forwarded message and every session push.
type Export struct {
	ID         int64          `msgpack:"id" json:"id"`
	FrontendID string         `msgpack:"frontendId" json:"frontendId"`
	UID        string         `msgpack:"uid" json:"uid"`
	Settings   map[string]any `msgpack:"settings" json:"settings"`
}

// SettingsStore is the optional write-through target for FrontendSession
// pushes. The host decides what persistence means; the service passes the
// full settings view on every push.
type SettingsStore interface {
	Save(sid int64, uid string, settings map[string]any) error
}

// Service is the authoritative session registry of one frontend process.
type Service struct {
	frontendID string
	store      SettingsStore
	log        *zap.Logger

	nextID atomic.Int64

	mu       sync.RWMutex
	sessions map[int64]*FrontendSession
	uids     map[string][]*FrontendSession
}

// NewService creates the session registry for the frontend identified by
// frontendID. store may be nil: pushes then succeed without persisting.
func NewService(frontendID string, store SettingsStore, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		frontendID: frontendID,
		store:      store,
		log:        log.Named("session"),
		sessions:   make(map[int64]*FrontendSession),
		uids:       make(map[string][]*FrontendSession),
	}
}

// Create registers a new session for a freshly accepted connection.
func (s *Service) Create() *FrontendSession {
	fs := &FrontendSession{
		id:         s.nextID.Add(1),
		frontendID: s.frontendID,
		settings:   make(map[string]any),
		svc:        s,
	}
	s.mu.Lock()
	s.sessions[fs.id] = fs
	s.mu.Unlock()
	return fs
}

// Get returns the session with the given id, or nil.
func (s *Service) Get(sid int64) *FrontendSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sid]
}

// GetByUID returns every session currently bound to uid.
func (s *Service) GetByUID(uid string) []*FrontendSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*FrontendSession(nil), s.uids[uid]...)
}

// Bind attaches uid to the session sid. Rebinding to a different uid
// replaces the previous binding.
func (s *Service) Bind(sid int64, uid string) error {
	fs := s.Get(sid)
	if fs == nil {
		return ErrNoSession
	}
	fs.mu.Lock()
	old := fs.uid
	fs.uid = uid
	fs.mu.Unlock()

	s.mu.Lock()
	if old != "" {
		s.dropUID(old, fs)
	}
	s.uids[uid] = append(s.uids[uid], fs)
	s.mu.Unlock()
	return nil
}

// Unbind detaches uid from the session sid.
func (s *Service) Unbind(sid int64, uid string) error {
	fs := s.Get(sid)
	if fs == nil {
		return ErrNoSession
	}
	fs.mu.Lock()
	if fs.uid == uid {
		fs.uid = ""
	}
	fs.mu.Unlock()

	s.mu.Lock()
	s.dropUID(uid, fs)
	s.mu.Unlock()
	return nil
}

// ImportSettings overwrites the named keys on the authoritative session.
// This is the frontend half of BackendSession.Push/PushAll: last writer
// wins, no transactionality across keys or processes.
func (s *Service) ImportSettings(sid int64, settings map[string]any) error {
	fs := s.Get(sid)
	if fs == nil {
		return ErrNoSession
	}
	fs.mu.Lock()
	for k, v := range settings {
		fs.settings[k] = v
	}
	fs.mu.Unlock()
	return nil
}

// Remove forgets the session, usually on connection close.
func (s *Service) Remove(sid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.sessions[sid]
	if !ok {
		return
	}
	delete(s.sessions, sid)
	if uid := fs.UID(); uid != "" {
		s.dropUID(uid, fs)
	}
}

// Count reports the number of live sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// dropUID removes fs from the uid index. Callers hold s.mu.
func (s *Service) dropUID(uid string, fs *FrontendSession) {
	list := s.uids[uid]
	for i, cur := range list {
		if cur == fs {
			s.uids[uid] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.uids[uid]) == 0 {
		delete(s.uids, uid)
	}
}

// FrontendSession is the mutable, authoritative per-connection session. It
// lives on the connector process; mutations are visible to every subsequent
// request of the same connection.
type FrontendSession struct {
	id         int64
	frontendID string
	svc        *Service

	mu       sync.RWMutex
	uid      string
	settings map[string]any
}

// ID returns the session id, unique within the owning frontend.
func (fs *FrontendSession) ID() int64 { return fs.id }

// FrontendID returns the id of the owning frontend process.
func (fs *FrontendSession) FrontendID() string { return fs.frontendID }

// UID returns the bound user id, or "" while unbound.
func (fs *FrontendSession) UID() string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.uid
}

// Bind attaches uid to this session through the owning service.
func (fs *FrontendSession) Bind(uid string) error {
	return fs.svc.Bind(fs.id, uid)
}

// Unbind detaches uid from this session through the owning service.
func (fs *FrontendSession) Unbind(uid string) error {
	return fs.svc.Unbind(fs.id, uid)
}

// Get reads one setting.
func (fs *FrontendSession) Get(key string) any {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.settings[key]
}

// Set writes one setting on the authoritative session.
func (fs *FrontendSession) Set(key string, v any) {
	fs.mu.Lock()
	fs.settings[key] = v
	fs.mu.Unlock()
}

// Push writes the session settings through to the host-configured store and
// completes cb. Without a store the push succeeds without persisting. The
// key names what triggered the push; the store always receives the full
// settings view.
func (fs *FrontendSession) Push(key string, cb func(err error)) {
	var err error
	if fs.svc.store != nil {
		ex := fs.Export()
		err = fs.svc.store.Save(ex.ID, ex.UID, ex.Settings)
		if err != nil {
			fs.svc.log.Error("settings push failed",
				zap.Int64("sid", fs.id), zap.String("key", key), zap.Error(err))
		}
	}
	if cb != nil {
		cb(err)
	}
}

// Export returns the plain-data view used for forwarding. The settings map
// is copied; mutating the export never touches the session.
func (fs *FrontendSession) Export() *Export {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	settings := make(map[string]any, len(fs.settings))
	for k, v := range fs.settings {
		settings[k] = v
	}
	return &Export{
		ID:         fs.id,
		FrontendID: fs.frontendID,
		UID:        fs.uid,
		Settings:   settings,
	}
}
