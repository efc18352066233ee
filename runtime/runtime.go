package runtime

import (
	"fmt"
	"sync"
)

// Group manages the lifecycle of a process's services.
//
// Services start in the order they were added and stop in reverse order.
// A service that fails to start stops everything started before it.
type Group struct {
	mu       sync.Mutex
	services []Service
	started  int
	log      *ServiceLog
}

// NewGroup creates an empty service group.
func NewGroup(name string) *Group {
	return &Group{log: Log(name)}
}

// AddService registers a service with the group.
func (g *Group) AddService(svc Service) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.services = append(g.services, svc)
}

// Start starts all services.
func (g *Group) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := g.started; i < len(g.services); i++ {
		svc := g.services[i]
		if err := svc.Start(); err != nil {
			g.stopLocked()
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		g.started = i + 1
		g.log.Info("started %s", svc.Name())
	}
	return nil
}

// Stop stops all started services.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLocked()
}

func (g *Group) stopLocked() {
	for i := g.started - 1; i >= 0; i-- {
		svc := g.services[i]
		if err := svc.Stop(); err != nil {
			g.log.Warn("stop %s: %v", svc.Name(), err)
		} else {
			g.log.Info("stopped %s", svc.Name())
		}
	}
	g.started = 0
}
