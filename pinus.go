// Package pinus assembles one server process of the mesh: it owns the
// process configuration, the dispatch server, the session services and the
// mesh plumbing, and wires them to each other. Application code registers
// handlers, filters and cron runners on an App, starts it, and feeds it
// messages from whatever connector it terminates.
package pinus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mybios/pinus/config"
	"github.com/mybios/pinus/crons"
	"github.com/mybios/pinus/handler"
	"github.com/mybios/pinus/logger"
	"github.com/mybios/pinus/mesh"
	"github.com/mybios/pinus/message"
	"github.com/mybios/pinus/server"
	"github.com/mybios/pinus/session"
)

// App is one process of the cluster. Registration happens between NewApp and
// Start; registrations after Start are not seen by the running server.
type App struct {
	cfg *config.Config
	log *zap.Logger

	cronHandlers *crons.Registry
	opts         server.Options

	pendingHandlers []pendingHandler
	pendingFuncs    []pendingFunc
	store           session.SettingsStore

	mu      sync.Mutex
	started bool

	client   *mesh.Client
	srv      *server.Server
	sessions *session.Service
	backends *session.BackendService
	endpoint *mesh.Endpoint
	bus      *mesh.Bus
}

type pendingHandler struct {
	name string
	h    any
}

type pendingFunc struct {
	name   string
	method string
	fn     handler.Func
}

var _ server.Application = (*App)(nil)

// Load reads the process config at path and builds an App with a logger at
// the configured level.
func Load(path string) (*App, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Server.LogLevel)
	if err != nil {
		return nil, err
	}
	return NewApp(cfg, log), nil
}

// NewApp builds an App from an already-loaded config. log may be nil.
func NewApp(cfg *config.Config, log *zap.Logger) *App {
	log = logger.OrNop(log)
	a := &App{
		cfg: cfg,
		log: log,
	}
	a.cronHandlers = crons.NewRegistry(log)
	a.opts.Env = cfg.Server.Env
	return a
}

// ServerType is the role this process plays, the first route segment.
func (a *App) ServerType() string { return a.cfg.Server.Type }

// ServerID uniquely names this process in the cluster.
func (a *App) ServerID() string { return a.cfg.Server.ID }

// Base is the directory config files resolve against.
func (a *App) Base() string { return a.cfg.Server.Base }

// SysRPC reaches remote server types through the mesh client. It is nil
// until Start wires the client up.
func (a *App) SysRPC() server.SysRPC {
	if a.client == nil {
		return nil
	}
	return sysRPC{client: a.client}
}

// CronHandlers is the registry cron actions resolve against.
func (a *App) CronHandlers() *crons.Registry { return a.cronHandlers }

// RegisterHandler queues h for registration under name when the server is
// built. Routes address its methods as <serverType>.<name>.<method>.
func (a *App) RegisterHandler(name string, h any) {
	a.pendingHandlers = append(a.pendingHandlers, pendingHandler{name: name, h: h})
}

// RegisterHandlerFunc queues one function for registration under name.method.
func (a *App) RegisterHandlerFunc(name, method string, fn handler.Func) {
	a.pendingFuncs = append(a.pendingFuncs, pendingFunc{name: name, method: method, fn: fn})
}

// RegisterCronRunner scans runner for niladic methods and makes them
// available as cron actions under name.
func (a *App) RegisterCronRunner(name string, runner any) error {
	return a.cronHandlers.Register(name, runner)
}

// RegisterCronFunc makes one function available as the cron action
// name.method.
func (a *App) RegisterCronFunc(name, method string, fn func()) error {
	return a.cronHandlers.RegisterFunc(name, method, fn)
}

// GlobalBefore appends a filter to the global before chain.
func (a *App) GlobalBefore(f any) { a.opts.GlobalBefores = append(a.opts.GlobalBefores, f) }

// GlobalAfter registers a filter on the global after chain; the most
// recently registered runs first.
func (a *App) GlobalAfter(f any) { a.opts.GlobalAfters = append(a.opts.GlobalAfters, f) }

// Before appends a filter to the per-server before chain.
func (a *App) Before(f any) { a.opts.Befores = append(a.opts.Befores, f) }

// After registers a filter on the per-server after chain; the most recently
// registered runs first.
func (a *App) After(f any) { a.opts.Afters = append(a.opts.Afters, f) }

// SetGlobalErrorHandler resolves errors raised in the global dispatch layer.
func (a *App) SetGlobalErrorHandler(h server.ErrorHandler) { a.opts.GlobalErrorHandler = h }

// SetErrorHandler resolves errors raised in the per-server dispatch layer.
func (a *App) SetErrorHandler(h server.ErrorHandler) { a.opts.ErrorHandler = h }

// ScheduleCron adds a definition on top of those loaded from crons.json.
func (a *App) ScheduleCron(c crons.Cron) { a.opts.Crons = append(a.opts.Crons, c) }

// SetSettingsStore configures the write-through target of frontend session
// pushes.
func (a *App) SetSettingsStore(store session.SettingsStore) { a.store = store }

// Start wires the process and brings it up: mesh client, session services,
// the dispatch server with everything registered so far, the mesh endpoint
// when an advertise address is configured, and the event bus when the proxy
// is. Crons are armed last, once the rest of the process is ready. Calling
// Start on a started App is a no-op.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	cfg := a.cfg

	a.client = mesh.NewClient(cfg.Server.ID, cfg.Mesh.Timeout, a.log)
	for serverType, peers := range cfg.Mesh.Peers {
		for _, p := range peers {
			a.client.AddPeer(serverType, p.ID, p.Addr)
		}
	}
	if cfg.Server.Frontend {
		a.sessions = session.NewService(cfg.Server.ID, a.store, a.log)
	}
	a.backends = session.NewBackendService(a.client, a.log)

	a.srv = server.New(a, &a.opts, a.log)
	for _, ph := range a.pendingHandlers {
		if err := a.srv.RegisterHandler(ph.name, ph.h); err != nil {
			return fmt.Errorf("start %s: %w", cfg.Server.ID, err)
		}
	}
	for _, pf := range a.pendingFuncs {
		if err := a.srv.RegisterHandlerFunc(pf.name, pf.method, pf.fn); err != nil {
			return fmt.Errorf("start %s: %w", cfg.Server.ID, err)
		}
	}
	if err := a.srv.Start(); err != nil {
		return err
	}

	if cfg.Mesh.Advertise != "" {
		a.endpoint = mesh.NewEndpoint(cfg.Mesh.Advertise, cfg.Server.ID,
			a.srv, a.backends, a.sessions, cfg.Mesh.Timeout, a.log)
		if err := a.endpoint.Start(); err != nil {
			a.srv.Stop()
			return fmt.Errorf("start %s: %w", cfg.Server.ID, err)
		}
	}
	if cfg.Mesh.ProxyPub != "" && cfg.Mesh.ProxySub != "" {
		a.bus = mesh.NewBus(cfg.Server.ID, cfg.Server.Type, a.log)
		if err := a.bus.Connect(cfg.Mesh.ProxyPub, cfg.Mesh.ProxySub); err != nil {
			if a.endpoint != nil {
				a.endpoint.Close()
			}
			a.srv.Stop()
			return fmt.Errorf("start %s: %w", cfg.Server.ID, err)
		}
		a.bus.Serve(a.srv)
	}

	a.srv.AfterStart()
	a.started = true
	a.log.Info("process up",
		zap.String("server", cfg.Server.ID), zap.String("type", cfg.Server.Type))
	return nil
}

// Stop takes the process down: no more traffic, no more cron firings, no
// more mesh or bus activity. In-flight requests get their timeout to finish.
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return
	}
	a.started = false

	if a.bus != nil {
		a.bus.Close()
	}
	if a.endpoint != nil {
		a.endpoint.Close()
	}
	a.srv.Stop()
	a.srv.StopCrons()
	a.log.Info("process down", zap.String("server", a.cfg.Server.ID))
}

// GlobalHandle dispatches a message that arrived from a client of this
// process, forwarding it when another server type owns the route.
func (a *App) GlobalHandle(m *message.Message, sess session.Session, cb message.Callback) {
	if a.srv == nil {
		cb.Invoke(server.ErrNotStarted, nil, nil)
		return
	}
	a.srv.GlobalHandle(m, sess, cb)
}

// Handle dispatches a message already routed to this process, running only
// the per-server layer.
func (a *App) Handle(m *message.Message, sess session.Session, cb message.Callback) {
	if a.srv == nil {
		cb.Invoke(server.ErrNotStarted, nil, nil)
		return
	}
	a.srv.Handle(m, sess, cb)
}

// Server exposes the dispatch server, nil before Start.
func (a *App) Server() *server.Server { return a.srv }

// Sessions is the authoritative session registry; nil on non-frontends and
// before Start.
func (a *App) Sessions() *session.Service { return a.sessions }

// BackendSessions rebuilds snapshots from forwarded exports; nil before
// Start.
func (a *App) BackendSessions() *session.BackendService { return a.backends }

// AddCrons schedules definitions on this process only.
func (a *App) AddCrons(defs []crons.Cron) int {
	if a.srv == nil {
		return 0
	}
	return a.srv.AddCrons(defs)
}

// RemoveCrons unschedules definitions on this process only.
func (a *App) RemoveCrons(defs []crons.Cron) int {
	if a.srv == nil {
		return 0
	}
	return a.srv.RemoveCrons(defs)
}

// BroadcastAddCrons schedules definitions here and publishes them to the
// rest of this server type's fleet. Processes of other types drop the event;
// within the fleet the usual server-id pinning applies.
func (a *App) BroadcastAddCrons(defs []crons.Cron) error {
	a.AddCrons(defs)
	if a.bus == nil {
		return nil
	}
	return a.bus.PublishAddCrons(defs)
}

// BroadcastRemoveCrons unschedules definitions here and across this server
// type's fleet.
func (a *App) BroadcastRemoveCrons(defs []crons.Cron) error {
	a.RemoveCrons(defs)
	if a.bus == nil {
		return nil
	}
	return a.bus.PublishRemoveCrons(defs)
}

// sysRPC adapts the mesh client to the dispatch server's forwarding facade.
type sysRPC struct {
	client *mesh.Client
}

func (s sysRPC) Remote(serverType string) (server.MsgRemote, bool) {
	g, ok := s.client.Remote(serverType)
	if !ok {
		return nil, false
	}
	return g, true
}
