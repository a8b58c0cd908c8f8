package server

import (
	"github.com/mybios/pinus/crons"
	"github.com/mybios/pinus/message"
	"github.com/mybios/pinus/session"
)

// Application is the process hosting this server: it knows its own identity
// and owns the cross-process plumbing the server dispatches through.
type Application interface {
	// ServerType is the role this process plays, the first route segment.
	ServerType() string
	// ServerID uniquely names this process in the cluster.
	ServerID() string
	// Base is the working directory config files are resolved against.
	Base() string
	// SysRPC reaches remote servers for forwarded messages. May be nil in
	// single-process setups; forwards then fail.
	SysRPC() SysRPC
	// CronHandlers resolves cron actions for this process.
	CronHandlers() *crons.Registry
}

// SysRPC locates the remote proxy for a server type.
type SysRPC interface {
	Remote(serverType string) (MsgRemote, bool)
}

// MsgRemote delivers a message to some process of a remote server type and
// completes cb with that process's response.
type MsgRemote interface {
	ForwardMessage(export *session.Export, m *message.Message, cb message.Callback)
}

// ErrorHandler lets the host shape dispatch errors before they reach the
// requester: it owns cb and decides what error, response and options go out.
type ErrorHandler func(err error, m *message.Message, resp any, s session.Session, cb message.Callback)

// Options configures one server. Filter entries take the forms the filter
// package accepts; invalid entries surface as chain errors at dispatch time.
type Options struct {
	// Global filters run on the process the message arrived at, around the
	// whole dispatch including forwards.
	GlobalBefores []any
	GlobalAfters  []any

	// Per-server filters run on the process whose handler executes.
	Befores []any
	Afters  []any

	// GlobalErrorHandler resolves errors in the global layer,
	// ErrorHandler those in the per-server layer. Either may be nil: the
	// error then passes through unchanged.
	GlobalErrorHandler ErrorHandler
	ErrorHandler       ErrorHandler

	// Crons are scheduled in addition to the definitions loaded from
	// crons.json.
	Crons []crons.Cron

	// Env selects the config subdirectory definitions load from.
	Env string
}
