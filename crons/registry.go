package crons

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ErrNoAction marks cron actions that resolve to no registered runner.
var ErrNoAction = errors.New("cron action not found")

// Registry maps cron actions to runnable functions. Runners are structs
// whose exported niladic methods become actions, mirroring how handlers are
// registered.
type Registry struct {
	log *zap.Logger

	mu      sync.RWMutex
	runners map[string]map[string]func()
}

// NewRegistry creates an empty cron-action registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:     log.Named("crons"),
		runners: make(map[string]map[string]func()),
	}
}

// Register scans runner for exported methods taking no arguments and
// returning nothing, and registers each under name with the first letter of
// the method lowered. It fails when no method qualifies.
func (r *Registry) Register(name string, runner any) error {
	if name == "" {
		return errors.New("empty cron runner name")
	}
	methods := scanRunners(runner)
	if len(methods) == 0 {
		return fmt.Errorf("cron runner %s exposes no runnable methods", name)
	}

	r.mu.Lock()
	r.runners[name] = methods
	r.mu.Unlock()
	return nil
}

// RegisterFunc registers a single function under name.method.
func (r *Registry) RegisterFunc(name, method string, fn func()) error {
	if name == "" || method == "" {
		return errors.New("empty cron runner or method name")
	}
	if fn == nil {
		return errors.New("nil cron func")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	methods, ok := r.runners[name]
	if !ok {
		methods = make(map[string]func())
		r.runners[name] = methods
	}
	methods[method] = fn
	return nil
}

// Resolve turns an action string into the function to schedule. The action
// must split as "name.method" and name a registered runner.
func (r *Registry) Resolve(action string) (func(), error) {
	name, method, ok := SplitAction(action)
	if !ok {
		return nil, fmt.Errorf("invalid cron action %q", action)
	}

	r.mu.RLock()
	fn := r.runners[name][method]
	r.mu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("cron action %q: %w", action, ErrNoAction)
	}
	return fn, nil
}

func scanRunners(runner any) map[string]func() {
	if runner == nil {
		return nil
	}
	v := reflect.ValueOf(runner)
	t := v.Type()

	methods := make(map[string]func())
	for i := 0; i < t.NumMethod(); i++ {
		mt := t.Method(i).Type
		if mt.NumIn() != 1 || mt.NumOut() != 0 {
			continue
		}
		fn, ok := v.Method(i).Interface().(func())
		if !ok {
			continue
		}
		methods[lowerFirstRune(t.Method(i).Name)] = fn
	}
	if len(methods) == 0 {
		return nil
	}
	return methods
}

func lowerFirstRune(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToLower(r)) + name[size:]
}
