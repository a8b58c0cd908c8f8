// Package message defines the unit of work that travels through the dispatch
// engine and across forwarded hops.
package message

// Message is the request record as the engine sees it: the logical address
// plus an opaque payload for the user handler. Frontends decode the connector
// frame into this shape; backends receive it verbatim over the mesh.
type Message struct {
	Route string `msgpack:"route" json:"route"`
	Body  any    `msgpack:"body" json:"body"`
}

// Options are free-form response options that ride the callback chain from
// whoever produced the reply (a handler, a filter short-circuit, an error
// handler) back to the caller. The engine never interprets them.
type Options map[string]any

// Callback completes one request. Exactly one invocation is expected;
// the engine detects and ignores extra calls where it can.
type Callback func(err error, resp any, opts Options)

// Invoke calls cb if it is non-nil. Handlers and hooks are user code, so the
// engine tolerates a missing callback the same way the original runtime did.
func (cb Callback) Invoke(err error, resp any, opts Options) {
	if cb != nil {
		cb(err, resp, opts)
	}
}
