// Package filter runs the ordered before/after interceptor chains around
// every dispatched request. A filter is user code in one of two accepted
// forms: a plain function, or a value exposing a Before/After method with
// the same signature. Both forms may appear at any position of a chain.
package filter

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mybios/pinus/message"
	"github.com/mybios/pinus/session"
)

// ErrInvalidFilter marks a chain entry that is neither of the two accepted
// filter forms. It fails the current chain, never the server.
var ErrInvalidFilter = errors.New("invalid filter")

// Next resumes a before chain. Every filter receives its own single-use
// Next; a second invocation is detected, logged and ignored. A non-nil err
// short-circuits the chain with the supplied arguments.
type Next func(err error, resp any, opts message.Options)

// AfterNext resumes an after chain. Only the error travels; afters are
// cleanup handlers and the chain never short-circuits on it.
type AfterNext func(err error)

// Before is the record form of a before filter.
type Before interface {
	Before(m *message.Message, s session.Session, next Next)
}

// After is the record form of an after filter.
type After interface {
	After(err error, m *message.Message, s session.Session, resp any, next AfterNext)
}

// BeforeFunc is the plain callable form of a before filter.
type BeforeFunc func(m *message.Message, s session.Session, next Next)

// AfterFunc is the plain callable form of an after filter.
type AfterFunc func(err error, m *message.Message, s session.Session, resp any, next AfterNext)

// Service holds one before chain and one after chain. Registration order is
// preserved for befores; afters are prepended, so the most recently added
// after runs first. Chains are not locked: all mutation must happen before
// the owning server starts serving, reads are lock-free afterwards.
type Service struct {
	befores []any
	afters  []any
	log     *zap.Logger
}

// New returns an empty filter service logging through log (nil for none).
func New(log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{log: log}
}

// AddBefore appends f to the tail of the before chain.
func (s *Service) AddBefore(f any) {
	s.befores = append(s.befores, f)
}

// AddAfter prepends f to the head of the after chain.
func (s *Service) AddAfter(f any) {
	s.afters = append([]any{f}, s.afters...)
}

// RunBefore walks the before chain in registration order and completes with
// cb. The chain stops advancing as soon as a filter passes a non-nil error
// to its Next, or when the chain is exhausted; either way cb receives the
// arguments last supplied. A filter that never calls Next stalls the request
// indefinitely — documented behavior, not prevented here.
func (s *Service) RunBefore(m *message.Message, sess session.Session, cb message.Callback) {
	var advance func(idx int, err error, resp any, opts message.Options)
	advance = func(idx int, err error, resp any, opts message.Options) {
		if err != nil || idx >= len(s.befores) {
			cb.Invoke(err, resp, opts)
			return
		}
		next := s.onceNext(func(err error, resp any, opts message.Options) {
			advance(idx+1, err, resp, opts)
		})
		switch h := s.befores[idx].(type) {
		case BeforeFunc:
			h(m, sess, next)
		case func(m *message.Message, s session.Session, next Next):
			h(m, sess, next)
		case Before:
			h.Before(m, sess, next)
		default:
			s.log.Error("before filter is neither a function nor a Before record",
				zap.Int("index", idx))
			next(fmt.Errorf("before filter %d: %w", idx, ErrInvalidFilter), nil, nil)
		}
	}
	advance(0, nil, nil, nil)
}

// RunAfter walks the after chain from the head (most recently registered
// first) and calls done with the final error once the chain is drained.
// A non-nil error never skips the remaining afters.
func (s *Service) RunAfter(err error, m *message.Message, sess session.Session, resp any, done AfterNext) {
	var advance func(idx int, err error)
	advance = func(idx int, err error) {
		if idx >= len(s.afters) {
			if done != nil {
				done(err)
			}
			return
		}
		next := s.onceAfterNext(func(err error) {
			advance(idx+1, err)
		})
		switch h := s.afters[idx].(type) {
		case AfterFunc:
			h(err, m, sess, resp, next)
		case func(err error, m *message.Message, s session.Session, resp any, next AfterNext):
			h(err, m, sess, resp, next)
		case After:
			h.After(err, m, sess, resp, next)
		default:
			s.log.Error("after filter is neither a function nor an After record",
				zap.Int("index", idx))
			next(fmt.Errorf("after filter %d: %w", idx, ErrInvalidFilter))
		}
	}
	advance(0, err)
}

// onceNext wraps a continuation so a filter cannot resume the chain twice.
func (s *Service) onceNext(fn func(err error, resp any, opts message.Options)) Next {
	var used atomic.Bool
	return func(err error, resp any, opts message.Options) {
		if !used.CompareAndSwap(false, true) {
			s.log.Error("before filter invoked next more than once")
			return
		}
		fn(err, resp, opts)
	}
}

func (s *Service) onceAfterNext(fn func(err error)) AfterNext {
	var used atomic.Bool
	return func(err error) {
		if !used.CompareAndSwap(false, true) {
			s.log.Error("after filter invoked next more than once")
			return
		}
		fn(err)
	}
}
