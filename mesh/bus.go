package mesh

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/mybios/pinus/crons"
)

// Topics on the cluster event plane.
const (
	// TopicAddCrons schedules definitions on every process that admits them.
	TopicAddCrons = "crons.add"
	// TopicRemoveCrons unschedules definitions wherever they are live.
	TopicRemoveCrons = "crons.remove"
)

// CronEvent is the payload of the crons.* topics. ServerType names the fleet
// the definitions belong to; processes of other types drop the event. An
// empty ServerType reaches every process.
type CronEvent struct {
	From       string       `msgpack:"from"`
	ServerType string       `msgpack:"serverType"`
	Crons      []crons.Cron `msgpack:"crons"`
}

// CronSink receives bus-driven cron mutations. The dispatch server is the
// sink; it serialises mutations against its own scheduling path.
type CronSink interface {
	AddCrons(defs []crons.Cron) int
	RemoveCrons(defs []crons.Cron) int
}

// Bus is one process's hookup to the cluster event plane, a PUB/SUB pair
// joined through the event proxy: publishes go to the proxy's XSUB side,
// subscriptions come from its XPUB side. Events this process published itself
// come back around and are skipped, the publisher applies them locally.
type Bus struct {
	from       string
	serverType string
	log        *zap.Logger

	pubMu sync.Mutex
	pub   *zmq.Socket
	sub   *zmq.Socket

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBus creates an unconnected bus for the process named from, playing
// serverType. Published cron events target that type's fleet; received
// events for other types are dropped.
func NewBus(from, serverType string, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		from:       from,
		serverType: serverType,
		log:        log.Named("bus").With(zap.String("server", from)),
		done:       make(chan struct{}),
	}
}

// Connect attaches the bus to the event proxy: pubAddr is the proxy's XSUB
// endpoint, subAddr its XPUB endpoint.
func (b *Bus) Connect(pubAddr, subAddr string) error {
	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return fmt.Errorf("new pub socket: %w", err)
	}
	pub.SetLinger(0)
	if err := pub.Connect(pubAddr); err != nil {
		pub.Close()
		return fmt.Errorf("connect pub %s: %w", pubAddr, err)
	}

	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		pub.Close()
		return fmt.Errorf("new sub socket: %w", err)
	}
	sub.SetLinger(0)
	if err := sub.SetRcvtimeo(100 * time.Millisecond); err != nil {
		pub.Close()
		sub.Close()
		return fmt.Errorf("set recv timeout: %w", err)
	}
	if err := sub.Connect(subAddr); err != nil {
		pub.Close()
		sub.Close()
		return fmt.Errorf("connect sub %s: %w", subAddr, err)
	}
	for _, topic := range []string{TopicAddCrons, TopicRemoveCrons} {
		if err := sub.SetSubscribe(topic); err != nil {
			pub.Close()
			sub.Close()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	b.pub = pub
	b.sub = sub
	return nil
}

// Serve starts delivering subscribed events into sink until Close.
func (b *Bus) Serve(sink CronSink) {
	b.wg.Add(1)
	go b.subLoop(sink)
}

// PublishAddCrons broadcasts definitions for this server type's fleet to
// schedule. The caller applies them locally; remote processes of the type
// admit or skip them by server id as usual.
func (b *Bus) PublishAddCrons(defs []crons.Cron) error {
	return b.publish(TopicAddCrons, defs)
}

// PublishRemoveCrons broadcasts definitions for this server type's fleet to
// unschedule.
func (b *Bus) PublishRemoveCrons(defs []crons.Cron) error {
	return b.publish(TopicRemoveCrons, defs)
}

// Close stops the subscription loop and releases both sockets.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.pubMu.Lock()
		if b.pub != nil {
			b.pub.Close()
		}
		b.pubMu.Unlock()
		if b.sub != nil {
			b.sub.Close()
		}
	})
}

func (b *Bus) publish(topic string, defs []crons.Cron) error {
	raw, err := msgpack.Marshal(&CronEvent{From: b.from, ServerType: b.serverType, Crons: defs})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pub == nil {
		return fmt.Errorf("publish %s: bus not connected", topic)
	}
	if _, err := b.pub.SendMessage(topic, raw); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// subLoop receives [topic, payload] pairs and feeds the sink. Malformed
// events are logged and dropped, they never stop the loop.
func (b *Bus) subLoop(sink CronSink) {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		default:
		}

		parts, err := b.sub.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			b.log.Error("recv event", zap.Error(err))
			continue
		}
		if len(parts) < 2 {
			b.log.Warn("short event frame", zap.Int("frames", len(parts)))
			continue
		}

		topic := string(parts[0])
		var ev CronEvent
		if err := msgpack.Unmarshal(parts[1], &ev); err != nil {
			b.log.Error("decode event", zap.String("topic", topic), zap.Error(err))
			continue
		}
		b.deliver(topic, &ev, sink)
	}
}

// deliver applies one event to the sink. Events this process published come
// back around through the proxy and are skipped, as are events targeting a
// different server type.
func (b *Bus) deliver(topic string, ev *CronEvent, sink CronSink) {
	if ev.From == b.from {
		return
	}
	if ev.ServerType != "" && ev.ServerType != b.serverType {
		return
	}

	switch topic {
	case TopicAddCrons:
		sink.AddCrons(ev.Crons)
	case TopicRemoveCrons:
		sink.RemoveCrons(ev.Crons)
	default:
		b.log.Warn("unknown event topic", zap.String("topic", topic))
	}
}
