// Package form holds the editable state a deal screen owns between persistence calls.
package form

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"dealflow/internal/domain"
	"dealflow/internal/workflow"
)

// ErrFieldInFlight is returned when an edit targets a field an explicit save is writing.
var ErrFieldInFlight = errors.New("field is being saved")

type FieldBusyError struct {
	Fields []domain.Field
}

func (e FieldBusyError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, string(f))
	}
	return "saving " + strings.Join(names, ", ")
}

func (e FieldBusyError) Unwrap() error { return ErrFieldInFlight }

type Updater interface {
	Update(ctx context.Context, dealID string, patch domain.Patch) (domain.Deal, error)
}

// State is the serializable per-screen view: the last persisted snapshot plus local edits.
type State struct {
	Persisted domain.Deal      `json:"persisted"`
	Pending   domain.Patch     `json:"pending"`
	InFlight  []domain.Field   `json:"in_flight,omitempty"`
	Notice    *workflow.Notice `json:"notice,omitempty"`
	Error     string           `json:"error,omitempty"`

	mu sync.Mutex
}

func New(d domain.Deal) *State {
	return &State{Persisted: d}
}

// Edit layers p over the pending edits. Status is never edited locally; the
// attempt is dropped and surfaced as a notice.
func (s *State) Edit(p domain.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Has(domain.FieldStatus) {
		p = p.Without(domain.FieldStatus)
		s.Notice = &workflow.Notice{Code: workflow.NoticeStatusDerived, Message: "Status is set by the workflow and cannot be edited."}
	}
	var busy []domain.Field
	for _, f := range p.Fields() {
		if s.inFlightLocked(f) {
			busy = append(busy, f)
		}
	}
	if len(busy) > 0 {
		return FieldBusyError{Fields: busy}
	}
	s.Pending = s.Pending.Merge(p)
	return nil
}

func (s *State) inFlightLocked(f domain.Field) bool {
	for _, x := range s.InFlight {
		if x == f {
			return true
		}
	}
	return false
}

// Merged is the view every gate check must use.
func (s *State) Merged() domain.Deal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Apply(s.Persisted, s.Pending)
}

// Stage is the status as last confirmed by the store.
func (s *State) Stage() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Persisted.Status
}

// Ready reports whether the merged view satisfies the current stage, and what is missing.
func (s *State) Ready() (bool, []workflow.Requirement) {
	merged := s.Merged()
	step, ok := workflow.Step(merged.Status)
	if !ok {
		return false, nil
	}
	missing := workflow.Missing(merged, step)
	return len(missing) == 0, missing
}

// SaveAndContinue sends every pending edit as one batch. The returned deal, and
// with it the stage, is adopted only when the store accepts the whole batch.
func (s *State) SaveAndContinue(ctx context.Context, u Updater) (domain.Deal, error) {
	s.mu.Lock()
	batch := s.Pending
	fields := batch.Fields()
	if len(fields) == 0 {
		d := s.Persisted
		s.mu.Unlock()
		return d, nil
	}
	if len(s.InFlight) > 0 {
		s.mu.Unlock()
		return domain.Deal{}, FieldBusyError{Fields: append([]domain.Field(nil), s.InFlight...)}
	}
	s.InFlight = fields
	id := s.Persisted.ID
	s.Error = ""
	s.mu.Unlock()

	d, err := u.Update(ctx, id, batch)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.InFlight = nil
	if err != nil {
		s.Error = fmt.Sprintf("Could not save changes: %v", err)
		return domain.Deal{}, err
	}
	s.Persisted = d
	s.Pending = s.Pending.Without(fields...)
	return d, nil
}

// Saved records a background save of p. Pending edits that still match what was
// saved are dropped; newer local values are kept.
func (s *State) Saved(d domain.Deal, p domain.Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Persisted = d
	var done []domain.Field
	for _, f := range p.Fields() {
		if reflect.DeepEqual(s.Pending.Only(f), p.Only(f)) {
			done = append(done, f)
		}
	}
	s.Pending = s.Pending.Without(done...)
}

// Refresh replaces the persisted snapshot, e.g. after an admin-side change.
func (s *State) Refresh(d domain.Deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Persisted = d
}

func (s *State) ClearNotice() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Notice = nil
	s.Error = ""
}
