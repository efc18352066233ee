package stash

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/eljojo/hubsync/runtime"
	"github.com/eljojo/hubsync/state"
)

// DefaultDebounce is how long a tree may stay dirty before it is saved.
const DefaultDebounce = 2 * time.Second

// Exporter produces the tree to persist at save time.
type Exporter func() ([]state.ModulePayload, error)

// Options tune a Service.
type Options struct {
	Clock    clock.Clock
	Debounce time.Duration
}

// Service persists authority trees with debouncing: a burst of pushes from
// one node becomes a single write once the node has been quiet for Debounce.
type Service struct {
	store *Store
	opts  Options
	log   *runtime.ServiceLog

	mu      sync.Mutex
	dirty   map[string]Exporter
	timers  map[string]*clock.Timer
	saves   int
	stopped bool
}

// NewService creates a stash service over store.
func NewService(store *Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Service{
		store:  store,
		opts:   opts,
		log:    runtime.Log("stash"),
		dirty:  make(map[string]Exporter),
		timers: make(map[string]*clock.Timer),
	}
}

// === Service interface ===

func (s *Service) Name() string {
	return "stash"
}

func (s *Service) Start() error {
	names, err := s.store.Names()
	if err != nil {
		return fmt.Errorf("list stored trees: %w", err)
	}
	s.log.Info("stash service started, %d stored trees", len(names))
	return nil
}

// Stop flushes every dirty tree and refuses further marks.
func (s *Service) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	err := s.FlushAll()
	s.log.Info("stash service stopped")
	return err
}

// === Public API ===

// Load returns the stored tree for name.
func (s *Service) Load(name string) ([]state.ModulePayload, bool, error) {
	rec, found, err := s.store.Load(name)
	if err != nil || !found {
		return nil, found, err
	}
	return rec.Modules, true, nil
}

// MarkDirty schedules a save of name. Marks inside the debounce window
// collapse into one save using the latest exporter.
func (s *Service) MarkDirty(name string, export Exporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.log.Warn("dropping save of %s after stop", name)
		return
	}
	s.dirty[name] = export
	if _, scheduled := s.timers[name]; scheduled {
		return
	}
	s.timers[name] = s.opts.Clock.AfterFunc(s.opts.Debounce, func() {
		if err := s.Flush(name); err != nil {
			s.log.Error("save %s: %v", name, err)
		}
	})
}

// Flush saves name now if it is dirty.
func (s *Service) Flush(name string) error {
	s.mu.Lock()
	export, ok := s.dirty[name]
	delete(s.dirty, name)
	if t, scheduled := s.timers[name]; scheduled {
		t.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	modules, err := export()
	if err != nil {
		return fmt.Errorf("export %s: %w", name, err)
	}
	rec := Record{Name: name, SavedAt: s.opts.Clock.Now().UTC(), Modules: modules}
	if err := s.store.Save(rec); err != nil {
		return err
	}

	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	s.log.Debug("saved %s (%d modules)", name, len(modules))
	return nil
}

// FlushAll saves every dirty tree.
func (s *Service) FlushAll() error {
	s.mu.Lock()
	names := make([]string, 0, len(s.dirty))
	for name := range s.dirty {
		names = append(names, name)
	}
	s.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := s.Flush(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Saves counts completed writes.
func (s *Service) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Dirty lists trees waiting to be saved.
func (s *Service) Dirty() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.dirty))
	for name := range s.dirty {
		names = append(names, name)
	}
	return names
}
