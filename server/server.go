// Package server is the dispatch engine of one process: it routes incoming
// messages through filter chains into local handlers or forwards them to the
// process that owns the route, and it runs the process's scheduled jobs.
//
// Messages arriving from connected clients enter through GlobalHandle;
// messages forwarded by a peer enter through Handle. The global filter layer
// wraps the whole dispatch on the receiving process, the per-server layer
// wraps handler execution on the owning process.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mybios/pinus/crons"
	"github.com/mybios/pinus/filter"
	"github.com/mybios/pinus/handler"
	"github.com/mybios/pinus/message"
	"github.com/mybios/pinus/route"
	"github.com/mybios/pinus/session"
)

// State is the lifecycle position of a Server.
type State int32

const (
	// Inited accepts configuration but no traffic.
	Inited State = iota
	// Started dispatches traffic.
	Started
	// Stopped refuses traffic permanently.
	Stopped
)

func (s State) String() string {
	switch s {
	case Inited:
		return "inited"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotStarted is returned through cb for traffic outside the Started
	// state.
	ErrNotStarted = errors.New("server not started")
	// ErrUnknownRoute is returned through cb for routes that do not parse.
	ErrUnknownRoute = errors.New("unknown route")
)

// Server dispatches messages for one process.
type Server struct {
	app  Application
	opts Options
	log  *zap.Logger

	globalFilters *filter.Service
	filters       *filter.Service
	handlers      *handler.Service
	scheduler     *crons.Scheduler

	lifeMu sync.Mutex
	state  atomic.Int32
}

// New builds a server for app in the Inited state. opts may be nil.
func New(app Application, opts *Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("server").With(zap.String("server", app.ServerID()))

	o := Options{}
	if opts != nil {
		o = *opts
	}

	s := &Server{
		app:           app,
		opts:          o,
		log:           log,
		globalFilters: filter.New(log.Named("global")),
		filters:       filter.New(log),
		handlers:      handler.New(log),
		scheduler:     crons.NewScheduler(app.CronHandlers(), app.ServerID(), log),
	}
	for _, f := range o.GlobalBefores {
		s.globalFilters.AddBefore(f)
	}
	for _, f := range o.GlobalAfters {
		s.globalFilters.AddAfter(f)
	}
	for _, f := range o.Befores {
		s.filters.AddBefore(f)
	}
	for _, f := range o.Afters {
		s.filters.AddAfter(f)
	}
	return s
}

// State reports the lifecycle position.
func (s *Server) State() State {
	return State(s.state.Load())
}

// RegisterHandler scans h for handler methods and registers them under name.
// Routes address them as <serverType>.<name>.<method>.
func (s *Server) RegisterHandler(name string, h any) error {
	return s.handlers.Register(name, h)
}

// RegisterHandlerFunc registers one function under name.method.
func (s *Server) RegisterHandlerFunc(name, method string, fn handler.Func) error {
	return s.handlers.RegisterFunc(name, method, fn)
}

// Start moves Inited to Started: cron definitions for this process are
// loaded from config and admitted, though they fire only after AfterStart.
// Calling Start in any other state is a no-op.
func (s *Server) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if State(s.state.Load()) != Inited {
		return nil
	}

	table, err := crons.Load(s.app.Base(), s.opts.Env)
	if err != nil {
		return fmt.Errorf("start %s: %w", s.app.ServerID(), err)
	}
	s.scheduler.AddAll(table.ForServer(s.app.ServerType(), s.app.ServerID()))
	if len(s.opts.Crons) > 0 {
		s.scheduler.AddAll(s.opts.Crons)
	}

	s.state.Store(int32(Started))
	s.log.Info("server started", zap.String("type", s.app.ServerType()))
	return nil
}

// AfterStart arms the cron scheduler once the process is fully wired.
func (s *Server) AfterStart() {
	if s.State() != Started {
		return
	}
	s.scheduler.Start()
}

// Stop moves the server to Stopped. Traffic after Stop fails with
// ErrNotStarted; armed crons and in-flight requests are left alone, the
// surrounding host cancels them on its own schedule (StopCrons).
func (s *Server) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if State(s.state.Load()) == Stopped {
		return
	}
	s.state.Store(int32(Stopped))
	s.log.Info("server stopped")
}

// StopCrons disarms the scheduler. The returned context completes when jobs
// that were mid-run have finished.
func (s *Server) StopCrons() context.Context {
	return s.scheduler.Stop()
}

// GlobalHandle dispatches a message that arrived from a client of this
// process. The global filter layer wraps everything that follows: local
// handling when this process owns the route's server type, a forward to the
// owning process otherwise. cb completes exactly once with the outcome.
func (s *Server) GlobalHandle(m *message.Message, sess session.Session, cb message.Callback) {
	if s.State() != Started {
		cb.Invoke(ErrNotStarted, nil, nil)
		return
	}
	rec := route.Parse(m.Route)
	if rec == nil {
		s.log.Error("cannot dispatch message", zap.String("route", m.Route))
		cb.Invoke(fmt.Errorf("route %q: %w", m.Route, ErrUnknownRoute), nil, nil)
		return
	}

	s.globalFilters.RunBefore(m, sess, func(err error, resp any, opts message.Options) {
		if err != nil {
			s.handleError(true, err, m, sess, resp, opts, func(err error, resp any, opts message.Options) {
				s.respond(true, err, m, sess, resp, opts, cb)
			})
			return
		}
		complete := func(err error, resp any, opts message.Options) {
			s.respond(true, err, m, sess, resp, opts, cb)
		}
		if rec.ServerType != s.app.ServerType() {
			s.forward(rec, m, sess, complete)
		} else {
			s.doHandle(rec, m, sess, complete)
		}
	})
}

// Handle dispatches a message another process forwarded here because this
// process owns its server type. Only the per-server filter layer runs; the
// global layer already ran where the message arrived.
func (s *Server) Handle(m *message.Message, sess session.Session, cb message.Callback) {
	if s.State() != Started {
		cb.Invoke(ErrNotStarted, nil, nil)
		return
	}
	rec := route.Parse(m.Route)
	if rec == nil {
		s.log.Error("cannot handle message", zap.String("route", m.Route))
		cb.Invoke(fmt.Errorf("route %q: %w", m.Route, ErrUnknownRoute), nil, nil)
		return
	}
	s.doHandle(rec, m, sess, cb)
}

// AddCrons admits definitions into the live schedule, typically on a
// cluster-wide broadcast. Duplicates are warned about and skipped.
func (s *Server) AddCrons(defs []crons.Cron) int {
	return s.scheduler.AddAll(defs)
}

// RemoveCrons unschedules the listed definitions by id.
func (s *Server) RemoveCrons(defs []crons.Cron) int {
	return s.scheduler.RemoveAll(defs)
}

// Crons returns the live definitions in admission order.
func (s *Server) Crons() []crons.Cron {
	return s.scheduler.List()
}

// doHandle runs the per-server layer: befores, the handler, then afters.
// The per-server error handler resolves before-filter and handler errors;
// the after chain runs regardless and the error it settles on is what cb
// receives.
func (s *Server) doHandle(rec *route.Record, m *message.Message, sess session.Session, cb message.Callback) {
	s.filters.RunBefore(m, sess, func(err error, resp any, opts message.Options) {
		if err != nil {
			s.handleError(false, err, m, sess, resp, opts, func(err error, resp any, opts message.Options) {
				s.respond(false, err, m, sess, resp, opts, cb)
			})
			return
		}
		s.safeHandle(rec, m, sess, func(err error, resp any, opts message.Options) {
			if err != nil {
				s.handleError(false, err, m, sess, resp, opts, func(err error, resp any, opts message.Options) {
					s.respond(false, err, m, sess, resp, opts, cb)
				})
				return
			}
			s.respond(false, err, m, sess, resp, opts, cb)
		})
	})
}

// safeHandle invokes the handler with a panic guard. cb is single-use so a
// handler that responded and then panicked cannot complete twice.
func (s *Server) safeHandle(rec *route.Record, m *message.Message, sess session.Session, cb message.Callback) {
	guarded := once(cb)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked",
				zap.String("route", m.Route), zap.Any("panic", r))
			guarded(fmt.Errorf("handler %s panicked: %v", m.Route, r), nil, nil)
		}
	}()
	s.handlers.Handle(rec, m, sess, guarded)
}

// forward hands the message to the process that owns rec.ServerType. cb
// completes exactly once even when the remote proxy both responds and
// panics.
func (s *Server) forward(rec *route.Record, m *message.Message, sess session.Session, cb message.Callback) {
	rpc := s.app.SysRPC()
	if rpc == nil {
		cb.Invoke(fmt.Errorf("forward %s: no sysrpc configured", m.Route), nil, nil)
		return
	}
	remote, ok := rpc.Remote(rec.ServerType)
	if !ok {
		cb.Invoke(fmt.Errorf("forward %s: no remote for server type %s", m.Route, rec.ServerType), nil, nil)
		return
	}

	var finished atomic.Bool
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("fail to forward message",
				zap.String("route", m.Route), zap.Any("panic", r))
			if finished.CompareAndSwap(false, true) {
				cb.Invoke(fmt.Errorf("forward %s: %v", m.Route, r), nil, nil)
			}
		}
	}()
	remote.ForwardMessage(sess.Export(), m, func(err error, resp any, opts message.Options) {
		if err != nil {
			s.log.Error("fail to process remote message",
				zap.String("route", m.Route), zap.Error(err))
		}
		if finished.CompareAndSwap(false, true) {
			cb.Invoke(err, resp, opts)
		}
	})
}

// handleError gives the configured error handler a chance to shape err
// before the response path runs. Without one the error passes through.
func (s *Server) handleError(isGlobal bool, err error, m *message.Message, sess session.Session, resp any, opts message.Options, cb message.Callback) {
	h := s.opts.ErrorHandler
	if isGlobal {
		h = s.opts.GlobalErrorHandler
	}
	if h == nil {
		s.log.Debug("no error handler for dispatch error",
			zap.String("route", m.Route), zap.Error(err))
		cb.Invoke(err, resp, opts)
		return
	}
	h(err, m, resp, sess, cb)
}

// respond completes the dispatch. The global layer answers the requester
// first and then runs its after chain purely for observation; the
// per-server layer runs its after chain first and the error it settles on
// is the one reported.
func (s *Server) respond(isGlobal bool, err error, m *message.Message, sess session.Session, resp any, opts message.Options, cb message.Callback) {
	if isGlobal {
		cb.Invoke(err, resp, opts)
		s.globalFilters.RunAfter(err, m, sess, resp, func(error) {})
		return
	}
	s.filters.RunAfter(err, m, sess, resp, func(aerr error) {
		cb.Invoke(aerr, resp, opts)
	})
}

// once makes cb single-use; extra completions are dropped.
func once(cb message.Callback) message.Callback {
	var done atomic.Bool
	return func(err error, resp any, opts message.Options) {
		if !done.CompareAndSwap(false, true) {
			return
		}
		cb.Invoke(err, resp, opts)
	}
}
