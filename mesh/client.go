package mesh

import (
	"errors"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/mybios/pinus/message"
	"github.com/mybios/pinus/session"
)

// Client reaches the rest of the cluster. Forwards go to any process of the
// owning server type, round robin; session calls go to the one frontend that
// owns the session. Every call opens a short-lived REQ socket, so Client is
// safe for concurrent use without sharing socket state.
type Client struct {
	from    string
	timeout time.Duration
	log     *zap.Logger

	mu     sync.RWMutex
	groups map[string]*RemoteGroup
	addrs  map[string]string
}

var _ session.FrontendInvoker = (*Client)(nil)

// NewClient creates a client sending as the process named from. timeout
// bounds each remote call end to end.
func NewClient(from string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		from:    from,
		timeout: timeout,
		log:     log.Named("mesh").With(zap.String("server", from)),
		groups:  make(map[string]*RemoteGroup),
		addrs:   make(map[string]string),
	}
}

// AddPeer makes the process serverID of serverType reachable at addr.
// Re-adding an id updates its address.
func (c *Client) AddPeer(serverType, serverID, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.addrs[serverID] = addr
	g, ok := c.groups[serverType]
	if !ok {
		g = &RemoteGroup{client: c, serverType: serverType}
		c.groups[serverType] = g
	}
	g.add(serverID, addr)
}

// RemovePeer forgets a process everywhere it is listed.
func (c *Client) RemovePeer(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.addrs, serverID)
	for _, g := range c.groups {
		g.remove(serverID)
	}
}

// Remote returns the proxy for a server type. The proxy stays valid as peers
// come and go; it fails per call when the type has no live process.
func (c *Client) Remote(serverType string) (*RemoteGroup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[serverType]
	return g, ok
}

// Bind asks the owning frontend to bind uid to session sid.
func (c *Client) Bind(frontendID string, sid int64, uid string) error {
	return c.sessionCall(KindSessionBind, frontendID, &SessionOp{SID: sid, UID: uid})
}

// Unbind asks the owning frontend to unbind uid from session sid.
func (c *Client) Unbind(frontendID string, sid int64, uid string) error {
	return c.sessionCall(KindSessionUnbind, frontendID, &SessionOp{SID: sid, UID: uid})
}

// PushSettings writes settings onto the authoritative session, last writer
// wins per key.
func (c *Client) PushSettings(frontendID string, sid int64, settings map[string]any) error {
	return c.sessionCall(KindSessionPush, frontendID, &SessionOp{SID: sid, Settings: settings})
}

func (c *Client) sessionCall(kind, frontendID string, op *SessionOp) error {
	c.mu.RLock()
	addr, ok := c.addrs[frontendID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: unknown frontend %s", kind, frontendID)
	}

	env, err := NewEnvelope(kind, c.from, op)
	if err != nil {
		return err
	}
	rep, err := c.call(addr, env)
	if err != nil {
		return fmt.Errorf("%s on %s: %w", kind, frontendID, err)
	}
	return replyError(rep)
}

// call performs one request/reply exchange on a fresh REQ socket.
func (c *Client) call(addr string, env *Envelope) (*Reply, error) {
	sock, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		return nil, fmt.Errorf("new req socket: %w", err)
	}
	defer sock.Close()
	sock.SetLinger(0)
	if err := sock.SetRcvtimeo(c.timeout); err != nil {
		return nil, fmt.Errorf("set recv timeout: %w", err)
	}
	if err := sock.SetSndtimeo(c.timeout); err != nil {
		return nil, fmt.Errorf("set send timeout: %w", err)
	}
	if err := sock.Connect(addr); err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	raw, err := Encode(env)
	if err != nil {
		return nil, err
	}
	if _, err := sock.SendBytes(raw, 0); err != nil {
		return nil, fmt.Errorf("send %s to %s: %w", env.Kind, addr, err)
	}
	replyRaw, err := sock.RecvBytes(0)
	if err != nil {
		return nil, fmt.Errorf("await %s reply from %s: %w", env.Kind, addr, err)
	}

	replyEnv, err := Decode(replyRaw)
	if err != nil {
		return nil, err
	}
	if replyEnv.Kind != KindReply {
		return nil, fmt.Errorf("unexpected reply kind %q from %s", replyEnv.Kind, addr)
	}
	var rep Reply
	if err := replyEnv.DecodePayload(&rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// RemoteGroup is the forwarding proxy for one server type.
type RemoteGroup struct {
	client     *Client
	serverType string

	mu    sync.Mutex
	peers []peerAddr
	next  int
}

type peerAddr struct {
	id   string
	addr string
}

// ForwardMessage sends the message and session view to some process of this
// server type and completes cb with the remote outcome. The call runs on its
// own goroutine; cb fires once, on success, remote error, or timeout.
func (g *RemoteGroup) ForwardMessage(ex *session.Export, m *message.Message, cb message.Callback) {
	addr, ok := g.pick()
	if !ok {
		cb.Invoke(fmt.Errorf("no live process for server type %s", g.serverType), nil, nil)
		return
	}
	env, err := NewEnvelope(KindForward, g.client.from, &Forward{Session: ex, Message: m})
	if err != nil {
		cb.Invoke(err, nil, nil)
		return
	}

	go func() {
		rep, err := g.client.call(addr, env)
		if err != nil {
			g.client.log.Error("forward failed",
				zap.String("route", m.Route), zap.String("addr", addr), zap.Error(err))
			cb.Invoke(fmt.Errorf("forward %s: %w", m.Route, err), nil, nil)
			return
		}
		cb.Invoke(replyError(rep), rep.Resp, rep.Opts)
	}()
}

func (g *RemoteGroup) add(id, addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.peers {
		if g.peers[i].id == id {
			g.peers[i].addr = addr
			return
		}
	}
	g.peers = append(g.peers, peerAddr{id: id, addr: addr})
}

func (g *RemoteGroup) remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.peers {
		if g.peers[i].id == id {
			g.peers = append(g.peers[:i], g.peers[i+1:]...)
			return
		}
	}
}

func (g *RemoteGroup) pick() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.peers) == 0 {
		return "", false
	}
	p := g.peers[g.next%len(g.peers)]
	g.next++
	return p.addr, true
}

func replyError(r *Reply) error {
	if r.Err == "" {
		return nil
	}
	return errors.New(r.Err)
}
