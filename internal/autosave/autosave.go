// Package autosave debounces field edits into background partial updates.
package autosave

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"dealflow/internal/domain"
)

const (
	FieldDelay = 500 * time.Millisecond
	GroupDelay = 2000 * time.Millisecond

	GroupMaterials = "materials"
)

var ErrStopped = errors.New("autosave stopped")

type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. The zero Scheduler uses the wall clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SaveFunc persists one batch. It is never called concurrently for the same key.
type SaveFunc func(ctx context.Context, key string, patch domain.Patch) error

type State string

const (
	StateIdle    State = "idle"
	StatePending State = "pending"
	StateSaving  State = "saving"
	StateFailed  State = "failed"
)

type Options struct {
	FieldDelay time.Duration
	GroupDelay time.Duration
	// Groups maps a field to the batch key it is saved under. Unlisted fields are their own key.
	Groups   map[domain.Field]string
	Excluded []domain.Field
	Clock    Clock
	OnState  func(key string, st State, err error)
	Logger   *log.Logger
}

// DefaultGroups batches the material specification fields.
func DefaultGroups() map[domain.Field]string {
	return map[domain.Field]string{
		domain.FieldMaterialCategory: GroupMaterials,
		domain.FieldMaterialSubtype:  GroupMaterials,
		domain.FieldMaterialColor:    GroupMaterials,
		domain.FieldTrimColor:        GroupMaterials,
	}
}

type entry struct {
	pending    domain.Patch
	hasPending bool
	timer      Timer
	gen        int
	queue      []domain.Patch
	running    bool
	state      State
	err        error
}

type Scheduler struct {
	save SaveFunc
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool
	wg      sync.WaitGroup
}

func New(save SaveFunc, opts Options) *Scheduler {
	if opts.FieldDelay <= 0 {
		opts.FieldDelay = FieldDelay
	}
	if opts.GroupDelay <= 0 {
		opts.GroupDelay = GroupDelay
	}
	if opts.Groups == nil {
		opts.Groups = DefaultGroups()
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Scheduler{save: save, opts: opts, entries: map[string]*entry{}}
}

// KeyFor returns the batch key a field is saved under.
func (s *Scheduler) KeyFor(f domain.Field) string {
	if g, ok := s.opts.Groups[f]; ok {
		return g
	}
	return string(f)
}

func (s *Scheduler) delay(key string) time.Duration {
	for _, g := range s.opts.Groups {
		if g == key {
			return s.opts.GroupDelay
		}
	}
	return s.opts.FieldDelay
}

// Filter drops fields that are never autosaved.
func (s *Scheduler) Filter(p domain.Patch) domain.Patch {
	drop := append([]domain.Field{domain.FieldStatus}, s.opts.Excluded...)
	return p.Without(drop...)
}

// Edit merges p into the pending batch for key and restarts its delay.
// It reports false when nothing in p is eligible for autosave.
func (s *Scheduler) Edit(key string, p domain.Patch) (bool, error) {
	p = s.Filter(p)
	if p.IsEmpty() {
		return false, nil
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false, ErrStopped
	}
	e := s.entry(key)
	if e.timer != nil {
		e.timer.Stop()
	}
	e.pending = e.pending.Merge(p)
	e.hasPending = true
	e.gen++
	gen := e.gen
	e.timer = s.opts.Clock.AfterFunc(s.delay(key), func() { s.fire(key, gen) })
	e.state = StatePending
	s.mu.Unlock()
	s.notify(key, StatePending, nil)
	return true, nil
}

// EditFields splits p by batch key and schedules each part.
func (s *Scheduler) EditFields(p domain.Patch) error {
	byKey := map[string][]domain.Field{}
	var order []string
	for _, f := range s.Filter(p).Fields() {
		k := s.KeyFor(f)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], f)
	}
	for _, k := range order {
		if _, err := s.Edit(k, p.Only(byKey[k]...)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) entry(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{state: StateIdle}
		s.entries[key] = e
	}
	return e
}

func (s *Scheduler) fire(key string, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if s.stopped || !ok || e.gen != gen || !e.hasPending {
		return
	}
	s.enqueueLocked(key, e)
}

func (s *Scheduler) enqueueLocked(key string, e *entry) {
	e.queue = append(e.queue, e.pending)
	e.pending = domain.Patch{}
	e.hasPending = false
	e.timer = nil
	if !e.running {
		e.running = true
		s.wg.Add(1)
		go s.drain(key, e)
	}
}

func (s *Scheduler) drain(key string, e *entry) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			if e.state == StateSaving {
				e.state = StateIdle
			}
			st := e.state
			if e.hasPending {
				st = StatePending
			}
			s.mu.Unlock()
			if st != StateFailed {
				s.notify(key, st, nil)
			}
			return
		}
		p := e.queue[0]
		e.queue = e.queue[1:]
		e.state = StateSaving
		s.mu.Unlock()
		s.notify(key, StateSaving, nil)

		// In-flight saves are never canceled; Stop only silences their result.
		err := s.save(context.Background(), key, p)

		s.mu.Lock()
		e.err = err
		if err != nil {
			e.state = StateFailed
		}
		s.mu.Unlock()
		if err != nil {
			s.opts.Logger.Printf("autosave %s failed: %v", key, err)
			s.notify(key, StateFailed, err)
		}
	}
}

func (s *Scheduler) notify(key string, st State, err error) {
	if s.opts.OnState == nil {
		return
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if !stopped {
		s.opts.OnState(key, st, err)
	}
}

// State returns the current indicator state for key.
func (s *Scheduler) State(key string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return StateIdle, nil
	}
	return e.state, e.err
}

// Pending returns the batch waiting on key's timer.
func (s *Scheduler) Pending(key string) (domain.Patch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.hasPending {
		return domain.Patch{}, false
	}
	return e.pending, true
}

// PendingFields lists every field waiting on a timer or queued for save.
func (s *Scheduler) PendingFields() []domain.Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[domain.Field]bool{}
	var out []domain.Field
	add := func(p domain.Patch) {
		for _, f := range p.Fields() {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	for _, e := range s.entries {
		if e.hasPending {
			add(e.pending)
		}
		for _, q := range e.queue {
			add(q)
		}
	}
	return out
}

// Flush saves every pending batch now and waits for all saves to finish.
// ctx bounds the wait only; saves already started run to completion.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	for key, e := range s.entries {
		if !e.hasPending {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		e.gen++
		s.enqueueLocked(key, e)
	}
	s.mu.Unlock()

	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for key, e := range s.entries {
		if e.state == StateFailed && e.err != nil {
			errs = append(errs, errors.New(key+": "+e.err.Error()))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until no save is in flight or queued.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels every timer and drops unsaved batches. In-flight saves complete
// but their outcome is no longer reported. Later edits return ErrStopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.gen++
		e.pending = domain.Patch{}
		e.hasPending = false
		e.queue = nil
	}
}
