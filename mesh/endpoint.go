package mesh

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/mybios/pinus/message"
	"github.com/mybios/pinus/session"
)

// Dispatcher is the slice of the dispatch server the endpoint drives: the
// already-routed path for messages a peer forwarded here because this
// process owns their server type.
type Dispatcher interface {
	Handle(m *message.Message, s session.Session, cb message.Callback)
}

// Endpoint is the mesh listener of one process. It binds a ROUTER socket at
// the advertised address and serves two kinds of traffic: forwarded messages,
// dispatched through the local server with a per-session serial queue so one
// session's messages are handled in arrival order; and session mutations,
// applied to the authoritative session registry on frontends.
//
// One goroutine owns the socket. Replies produced on queue lanes travel back
// to it over a channel, so socket use never crosses goroutines.
type Endpoint struct {
	addr    string
	from    string
	timeout time.Duration
	log     *zap.Logger

	dispatcher Dispatcher
	backends   *session.BackendService
	frontends  *session.Service

	queue   *SeqQueue
	replies chan [][]byte
	done    chan struct{}
	wg      sync.WaitGroup
	sock    *zmq.Socket

	closeOnce sync.Once
}

// NewEndpoint creates an endpoint for the process named from, bound to addr
// once started. frontends carries the authoritative sessions and is nil on
// backend processes; session mutations then fail. timeout bounds how long a
// forwarded message may sit in its handler before the caller gets a failure.
func NewEndpoint(addr, from string, d Dispatcher, backends *session.BackendService, frontends *session.Service, timeout time.Duration, log *zap.Logger) *Endpoint {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("endpoint").With(zap.String("server", from))
	return &Endpoint{
		addr:       addr,
		from:       from,
		timeout:    timeout,
		log:        log,
		dispatcher: d,
		backends:   backends,
		frontends:  frontends,
		queue:      NewSeqQueue(0, log),
		replies:    make(chan [][]byte, 256),
		done:       make(chan struct{}),
	}
}

// Start binds the socket and begins serving. The endpoint is live when Start
// returns; peers may connect before or after.
func (e *Endpoint) Start() error {
	sock, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return fmt.Errorf("new router socket: %w", err)
	}
	sock.SetLinger(0)
	if err := sock.SetRcvtimeo(100 * time.Millisecond); err != nil {
		sock.Close()
		return fmt.Errorf("set recv timeout: %w", err)
	}
	if err := sock.Bind(e.addr); err != nil {
		sock.Close()
		return fmt.Errorf("bind %s: %w", e.addr, err)
	}
	e.sock = sock

	e.wg.Add(1)
	go e.loop()
	e.log.Info("endpoint listening", zap.String("addr", e.addr))
	return nil
}

// Close stops the socket loop, drains the queue lanes and releases the
// socket. In-flight handlers get their timeout to finish.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.queue.Close()
		e.wg.Wait()
		if e.sock != nil {
			e.sock.Close()
		}
	})
}

// loop owns the socket: it alternates between flushing queued replies and
// polling for requests. ROUTER prepends the peer's routing frames; everything
// before the last frame is echoed back so the reply finds its way home.
func (e *Endpoint) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case frames := <-e.replies:
			if _, err := e.sock.SendMessage(frames); err != nil {
				e.log.Error("send reply", zap.Error(err))
			}
			continue
		default:
		}

		frames, err := e.sock.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			e.log.Error("recv", zap.Error(err))
			continue
		}
		if len(frames) < 2 {
			e.log.Warn("short frame", zap.Int("frames", len(frames)))
			continue
		}
		e.dispatch(frames[:len(frames)-1], frames[len(frames)-1])
	}
}

func (e *Endpoint) dispatch(prefix [][]byte, payload []byte) {
	env, err := Decode(payload)
	if err != nil {
		// Not a mesh peer; without an envelope there is no reply to route.
		e.log.Error("decode request", zap.Error(err))
		return
	}

	switch env.Kind {
	case KindForward:
		e.handleForward(prefix, env)
	case KindSessionBind, KindSessionUnbind, KindSessionPush:
		e.handleSessionOp(prefix, env)
	default:
		e.send(prefix, env, &Reply{Err: fmt.Sprintf("unknown request kind %q", env.Kind)})
	}
}

// handleForward rebuilds the session snapshot and queues the dispatch on the
// session's lane. The lane worker waits for the handler callback, so two
// messages of one session never overlap while distinct sessions run in
// parallel.
func (e *Endpoint) handleForward(prefix [][]byte, env *Envelope) {
	var fwd Forward
	if err := env.DecodePayload(&fwd); err != nil {
		e.send(prefix, env, &Reply{Err: err.Error()})
		return
	}
	if fwd.Message == nil {
		e.send(prefix, env, &Reply{Err: "forward without message"})
		return
	}

	sess := e.backends.Create(fwd.Session)
	key := fmt.Sprintf("%s/%d", sess.FrontendID(), sess.ID())
	err := e.queue.Do(key, func() {
		fut := newReplyFuture()
		e.dispatcher.Handle(fwd.Message, sess, func(err error, resp any, opts message.Options) {
			fut.complete(&Reply{Err: errText(err), Resp: resp, Opts: opts}, nil)
		})

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		rep, werr := fut.wait(ctx)
		if werr != nil {
			e.log.Error("handler did not complete",
				zap.String("route", fwd.Message.Route), zap.Error(werr))
			rep = &Reply{Err: fmt.Sprintf("handle %s: %v", fwd.Message.Route, werr)}
		}
		e.send(prefix, env, rep)
	})
	if err != nil {
		e.send(prefix, env, &Reply{Err: fmt.Sprintf("handle %s: %v", fwd.Message.Route, err)})
	}
}

// handleSessionOp applies a backend-originated session mutation to the
// authoritative registry. Only frontends carry one.
func (e *Endpoint) handleSessionOp(prefix [][]byte, env *Envelope) {
	if e.frontends == nil {
		e.send(prefix, env, &Reply{Err: fmt.Sprintf("%s: %s is not a frontend", env.Kind, e.from)})
		return
	}
	var op SessionOp
	if err := env.DecodePayload(&op); err != nil {
		e.send(prefix, env, &Reply{Err: err.Error()})
		return
	}

	var err error
	switch env.Kind {
	case KindSessionBind:
		err = e.frontends.Bind(op.SID, op.UID)
	case KindSessionUnbind:
		err = e.frontends.Unbind(op.SID, op.UID)
	case KindSessionPush:
		err = e.frontends.ImportSettings(op.SID, op.Settings)
	}
	if err != nil {
		e.log.Error("session op failed",
			zap.String("kind", env.Kind), zap.Int64("sid", op.SID), zap.Error(err))
	}
	e.send(prefix, env, &Reply{Err: errText(err)})
}

// send hands a reply to the socket loop, echoing the routing prefix.
func (e *Endpoint) send(prefix [][]byte, req *Envelope, rep *Reply) {
	renv, err := req.Reply(e.from, rep)
	if err != nil {
		e.log.Error("encode reply", zap.String("kind", req.Kind), zap.Error(err))
		return
	}
	raw, err := Encode(renv)
	if err != nil {
		e.log.Error("encode reply", zap.String("kind", req.Kind), zap.Error(err))
		return
	}

	frames := make([][]byte, 0, len(prefix)+1)
	frames = append(frames, prefix...)
	frames = append(frames, raw)
	select {
	case e.replies <- frames:
	case <-e.done:
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
