package transport

import (
	"errors"
	"sync"

	"github.com/eljojo/hubsync/runtime"
)

type subscription struct {
	id     uint64
	target string
	fn     Handler
}

// dispatcher decodes frames and fans them out to subscribers by target.
type dispatcher struct {
	mu   sync.RWMutex
	subs []subscription
	next uint64
	log  *runtime.ServiceLog
}

func newDispatcher(log *runtime.ServiceLog) *dispatcher {
	return &dispatcher{log: log}
}

func (d *dispatcher) subscribe(target string, fn Handler) func() {
	d.mu.Lock()
	d.next++
	id := d.next
	d.subs = append(d.subs, subscription{id: id, target: target, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, s := range d.subs {
				if s.id == id {
					d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// dispatch delivers one frame. Malformed frames are logged and dropped.
func (d *dispatcher) dispatch(from string, frame []byte) {
	msg, err := runtime.Decode(frame)
	if err != nil {
		var perr *runtime.ParseError
		if errors.As(err, &perr) {
			runtime.ParseErrors.Inc()
		}
		d.log.Warn("dropping malformed frame from %s: %v", from, err)
		return
	}

	d.mu.RLock()
	matched := make([]Handler, 0, 2)
	for _, s := range d.subs {
		if s.target == msg.Target || s.target == AllTargets {
			matched = append(matched, s.fn)
		}
	}
	d.mu.RUnlock()

	if len(matched) == 0 {
		d.log.Debug("no subscriber for %s from %s", msg, from)
		return
	}
	for _, fn := range matched {
		fn(msg)
	}
}
