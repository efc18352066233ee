// Package transport carries runtime.Message records between the hub and its
// nodes. Two framings share one connection type:
//
//   - stream: a byte-oriented duplex channel (unix socket, pipe) where frames
//     are separated by a sentinel byte
//   - websocket: a message-oriented channel where every websocket message is
//     one frame
//
// Both expose the same Binding to the session layer.
package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/eljojo/hubsync/runtime"
)

// AllTargets subscribes a handler to every inbound message.
const AllTargets = "*"

// Handler receives inbound messages, in transport order.
type Handler func(*runtime.Message)

// Binding is what the session layer needs from a transport.
type Binding interface {
	// Send queues a message for delivery. It fails only once the binding is closed.
	Send(msg *runtime.Message) error

	// Subscribe registers fn for inbound messages addressed to target
	// (or AllTargets). The returned func removes the subscription.
	Subscribe(target string, fn Handler) (unsubscribe func())

	// Start begins delivering inbound frames. Call it after subscribing.
	Start()

	// Done is closed when the binding is closed, locally or by the remote.
	Done() <-chan struct{}

	// Err returns why the binding closed; nil for a local Close or clean EOF.
	Err() error

	Close() error
	RemoteAddr() string
}

// frameConn is the framing-specific half of a Conn.
type frameConn interface {
	readFrame() ([]byte, error)
	writeFrame(frame []byte) error
	ping() error
	close() error
}

// Options tune a Conn.
type Options struct {
	// PingInterval sends keepalives this often; zero disables them.
	PingInterval time.Duration
	// QueueSize bounds the outbound queue.
	QueueSize int
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	return o
}

// Conn is a Binding over one framed connection.
//
// One goroutine reads and dispatches frames in order; another drains the
// outbound queue, so a handler that replies inline never blocks the reader.
type Conn struct {
	fc   frameConn
	addr string
	opts Options
	log  *runtime.ServiceLog

	disp *dispatcher
	out  chan []byte

	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	mu  sync.Mutex
	err error
}

func newConn(fc frameConn, addr string, opts Options, log *runtime.ServiceLog) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		fc:   fc,
		addr: addr,
		opts: opts,
		log:  log,
		disp: newDispatcher(log),
		out:  make(chan []byte, opts.QueueSize),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send encodes msg and queues it for the writer.
func (c *Conn) Send(msg *runtime.Message) error {
	frame, err := runtime.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return runtime.ErrClosed
	default:
	}

	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return runtime.ErrClosed
	}
}

func (c *Conn) Subscribe(target string, fn Handler) func() {
	return c.disp.subscribe(target, fn)
}

func (c *Conn) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Conn) RemoteAddr() string {
	return c.addr
}

func (c *Conn) closeWith(cause error) {
	c.closeOnce.Do(func() {
		if isCleanClose(cause) {
			cause = nil
		}
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()

		close(c.done)
		if err := c.fc.close(); err != nil {
			c.log.Debug("close %s: %v", c.addr, err)
		}
		if cause != nil {
			c.log.Info("connection %s lost: %v", c.addr, cause)
		} else {
			c.log.Debug("connection %s closed", c.addr)
		}
	})
}

func (c *Conn) readLoop() {
	for {
		frame, err := c.fc.readFrame()
		if err != nil {
			c.closeWith(err)
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		c.disp.dispatch(c.addr, frame)
	}
}

func (c *Conn) writeLoop() {
	var tick <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case frame := <-c.out:
			if err := c.fc.writeFrame(frame); err != nil {
				c.closeWith(err)
				return
			}
		case <-tick:
			if err := c.fc.ping(); err != nil {
				c.closeWith(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func isCleanClose(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || isWebsocketNormalClose(err)
}
