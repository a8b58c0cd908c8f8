// Package route parses the logical three-part addresses that name a handler
// method across the mesh: "serverType.handler.method".
package route

import "strings"

// Record is the parsed form of a route string. All four fields are non-empty
// on every Record produced by Parse.
type Record struct {
	Route      string
	ServerType string
	Handler    string
	Method     string
}

// Parse splits a route into its three segments. It returns nil for anything
// that is not exactly three non-empty dot-separated segments: no trimming,
// no defaulting. Parse never fails in any other way and has no side effects.
func Parse(route string) *Record {
	if route == "" {
		return nil
	}
	parts := strings.Split(route, ".")
	if len(parts) != 3 {
		return nil
	}
	for _, p := range parts {
		if p == "" {
			return nil
		}
	}
	return &Record{
		Route:      route,
		ServerType: parts[0],
		Handler:    parts[1],
		Method:     parts[2],
	}
}
