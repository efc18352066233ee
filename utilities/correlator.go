package utilities

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/eljojo/hubsync/runtime"
)

// Correlator tracks pending requests and matches responses.
//
// Each waiter is registered under a key and resolved exactly once: by a
// response for that key, by its own timer, or by CancelAll. Whoever removes
// the waiter from the table under the lock is the one that delivers.
//
// Several waiters may share a key; one Resolve satisfies all of them. The
// session layer relies on this for legacy target/field correlation.
//
// Example:
//
//	calls := utilities.NewCorrelator[*runtime.Message](clock.New())
//	ticket := calls.Expect(msg.ID, 5*time.Second)
//	_ = binding.Send(msg)
//	result := <-ticket.C()
type Correlator[Resp any] struct {
	mu      sync.Mutex
	pending map[string][]*Ticket[Resp]
	clock   clock.Clock
	closed  error
	count   int
}

// Ticket is one waiter's handle on its pending request.
type Ticket[Resp any] struct {
	owner  *Correlator[Resp]
	key    string
	ch     chan Result[Resp]
	timer  *clock.Timer
	sentAt time.Time
}

// Result is delivered once per Ticket.
type Result[Resp any] struct {
	Response Resp
	Err      error // runtime.ErrTimeout if no response in time
	Elapsed  time.Duration
}

// NewCorrelator creates a correlator driven by clk (clock.New() in production,
// clock.NewMock() in tests).
func NewCorrelator[Resp any](clk clock.Clock) *Correlator[Resp] {
	if clk == nil {
		clk = clock.New()
	}
	return &Correlator[Resp]{
		pending: make(map[string][]*Ticket[Resp]),
		clock:   clk,
	}
}

// Expect registers a waiter for key with its own timeout.
//
// Register before sending the request so a fast reply can't be missed. If the
// correlator was already cancelled the ticket resolves immediately with that error.
func (c *Correlator[Resp]) Expect(key string, timeout time.Duration) *Ticket[Resp] {
	t := &Ticket[Resp]{
		owner:  c,
		key:    key,
		ch:     make(chan Result[Resp], 1),
		sentAt: c.clock.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		t.ch <- Result[Resp]{Err: c.closed}
		return t
	}

	c.pending[key] = append(c.pending[key], t)
	c.count++
	t.timer = c.clock.AfterFunc(timeout, func() {
		t.Cancel(runtime.ErrTimeout)
	})
	return t
}

// C returns the channel the result is delivered on.
func (t *Ticket[Resp]) C() <-chan Result[Resp] {
	return t.ch
}

// Key returns the key this ticket waits on.
func (t *Ticket[Resp]) Key() string {
	return t.key
}

// Cancel resolves the ticket with err if it is still pending.
// Returns false if it was already resolved.
func (t *Ticket[Resp]) Cancel(err error) bool {
	c := t.owner
	c.mu.Lock()
	removed := c.removeLocked(t)
	c.mu.Unlock()

	if removed {
		t.deliver(Result[Resp]{Err: err})
	}
	return removed
}

func (t *Ticket[Resp]) deliver(r Result[Resp]) {
	if t.timer != nil {
		t.timer.Stop()
	}
	r.Elapsed = t.owner.clock.Since(t.sentAt)
	t.ch <- r
}

func (c *Correlator[Resp]) removeLocked(t *Ticket[Resp]) bool {
	waiters := c.pending[t.key]
	for i, w := range waiters {
		if w == t {
			waiters = append(waiters[:i:i], waiters[i+1:]...)
			if len(waiters) == 0 {
				delete(c.pending, t.key)
			} else {
				c.pending[t.key] = waiters
			}
			c.count--
			return true
		}
	}
	return false
}

// Resolve delivers resp to every waiter on key.
//
// Returns how many waiters were satisfied; zero means a late or unsolicited
// response.
func (c *Correlator[Resp]) Resolve(key string, resp Resp) int {
	c.mu.Lock()
	waiters := c.pending[key]
	delete(c.pending, key)
	c.count -= len(waiters)
	c.mu.Unlock()

	for _, t := range waiters {
		t.deliver(Result[Resp]{Response: resp})
	}
	return len(waiters)
}

// CancelAll fails every pending waiter with err and refuses new ones.
// Returns how many waiters were failed.
func (c *Correlator[Resp]) CancelAll(err error) int {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	all := c.pending
	c.pending = make(map[string][]*Ticket[Resp])
	c.count = 0
	c.mu.Unlock()

	n := 0
	for _, waiters := range all {
		for _, t := range waiters {
			t.deliver(Result[Resp]{Err: err})
			n++
		}
	}
	return n
}

// Pending returns how many waiters are outstanding.
func (c *Correlator[Resp]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Keys lists the keys with outstanding waiters, for debugging.
func (c *Correlator[Resp]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	return keys
}
