// Package handler keeps the two-level registry that maps a parsed route to
// executable code: handler name to method name to function. Handlers are
// plain structs whose exported methods follow the engine signature; they are
// discovered by reflection at registration time so dispatch itself is a map
// lookup and a direct call.
package handler

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/mybios/pinus/message"
	"github.com/mybios/pinus/route"
	"github.com/mybios/pinus/session"
)

// ErrNotFound marks dispatches whose route names no registered handler
// method.
var ErrNotFound = errors.New("handler not found")

// Func is the engine signature every handler method resolves to.
type Func func(m *message.Message, s session.Session, cb message.Callback)

var (
	msgType  = reflect.TypeOf((*message.Message)(nil))
	sessType = reflect.TypeOf((*session.Session)(nil)).Elem()
	cbType   = reflect.TypeOf((message.Callback)(nil))
)

// Service is the handler registry of one server process.
type Service struct {
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[string]map[string]Func
}

// New creates an empty registry.
func New(log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		log:      log.Named("handler"),
		handlers: make(map[string]map[string]Func),
	}
}

// Register scans handler for exported methods with the signature
// func(*message.Message, session.Session, message.Callback) and registers
// each under name with the first letter of the method lowered, matching how
// routes spell methods. Registering a second handler under the same name
// replaces the first. It fails when no method qualifies.
func (s *Service) Register(name string, handler any) error {
	if name == "" {
		return errors.New("empty handler name")
	}
	methods := scanMethods(handler)
	if len(methods) == 0 {
		return fmt.Errorf("handler %s exposes no dispatchable methods", name)
	}

	s.mu.Lock()
	s.handlers[name] = methods
	s.mu.Unlock()

	for method := range methods {
		s.log.Debug("handler registered",
			zap.String("handler", name), zap.String("method", method))
	}
	return nil
}

// RegisterFunc registers a single function under handler.method, bypassing
// reflection. Useful for small handlers and for tests.
func (s *Service) RegisterFunc(handler, method string, fn Func) error {
	if handler == "" || method == "" {
		return errors.New("empty handler or method name")
	}
	if fn == nil {
		return errors.New("nil handler func")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	methods, ok := s.handlers[handler]
	if !ok {
		methods = make(map[string]Func)
		s.handlers[handler] = methods
	}
	methods[method] = fn
	return nil
}

// Has reports whether handler.method is registered.
func (s *Service) Has(handler, method string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[handler][method]
	return ok
}

// Handle resolves r against the registry and invokes the handler method. An
// unresolvable route completes cb with an error wrapping ErrNotFound; the
// handler itself owns cb afterwards.
func (s *Service) Handle(r *route.Record, m *message.Message, sess session.Session, cb message.Callback) {
	s.mu.RLock()
	fn := s.handlers[r.Handler][r.Method]
	s.mu.RUnlock()

	if fn == nil {
		s.log.Error("fail to find handler", zap.String("route", r.Route))
		cb.Invoke(fmt.Errorf("fail to find handler for %s: %w", r.Route, ErrNotFound), nil, nil)
		return
	}
	fn(m, sess, cb)
}

func scanMethods(handler any) map[string]Func {
	if handler == nil {
		return nil
	}
	v := reflect.ValueOf(handler)
	t := v.Type()

	methods := make(map[string]Func)
	for i := 0; i < t.NumMethod(); i++ {
		mt := t.Method(i).Type
		if mt.NumIn() != 4 || mt.NumOut() != 0 {
			continue
		}
		if mt.In(1) != msgType || mt.In(2) != sessType || mt.In(3) != cbType {
			continue
		}
		fn, ok := v.Method(i).Interface().(func(*message.Message, session.Session, message.Callback))
		if !ok {
			continue
		}
		methods[lowerFirst(t.Method(i).Name)] = Func(fn)
	}
	if len(methods) == 0 {
		return nil
	}
	return methods
}

func lowerFirst(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToLower(r)) + name[size:]
}
