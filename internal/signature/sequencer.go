// Package signature sequences multi-slot signature capture. A session either finishes
// with every slot captured or leaves nothing behind.
package signature

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPrerequisites = errors.New("signature prerequisites not met")
	ErrOutOfSequence = errors.New("signature captured out of sequence")
	ErrCanceled      = errors.New("signature session canceled")
	ErrIncomplete    = errors.New("signature session incomplete")
	ErrEmptyArtifact = errors.New("signature artifact is empty")
)

// PrerequisiteError lists the inputs missing before slot 1 can open.
type PrerequisiteError struct {
	Missing []string
}

func (e PrerequisiteError) Error() string {
	return "missing " + strings.Join(e.Missing, ", ")
}

func (e PrerequisiteError) Unwrap() error { return ErrPrerequisites }

type Signer string

const (
	SignerOwner Signer = "owner"
	SignerRep   Signer = "rep"
)

// Slot is one required capture in a flow.
type Slot struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Signer   Signer `json:"signer"`
	Initials bool   `json:"initials"`
}

type ArtifactKind string

const (
	Drawn ArtifactKind = "drawn"
	Typed ArtifactKind = "typed"
)

// Artifact is a captured signature. Drawn artifacts carry PNG bytes; typed ones carry text.
type Artifact struct {
	Slot       string       `json:"slot"`
	Kind       ArtifactKind `json:"kind"`
	Image      []byte       `json:"-"`
	Text       string       `json:"text,omitempty"`
	CapturedAt time.Time    `json:"captured_at"`
}

func (a Artifact) Empty() bool {
	if a.Kind == Drawn {
		return len(a.Image) == 0
	}
	return strings.TrimSpace(a.Text) == ""
}

// File returns the bytes and mime type used when the artifact is uploaded on its own.
func (a Artifact) File() (data []byte, mimeType, ext string) {
	if a.Kind == Drawn {
		return a.Image, "image/png", ".png"
	}
	return []byte(a.Text), "text/plain", ".txt"
}

// Sequencer walks an ordered list of slots. State 0 is reading and data entry,
// state k in 1..N captures slot k, and state N+1 means every slot is captured.
type Sequencer struct {
	SessionID string

	slots     []Slot
	state     int
	artifacts []Artifact
	canceled  bool
	now       func() time.Time
}

func NewSequencer(slots []Slot, now func() time.Time) *Sequencer {
	if now == nil {
		now = time.Now
	}
	return &Sequencer{
		SessionID: uuid.NewString(),
		slots:     append([]Slot(nil), slots...),
		now:       now,
	}
}

func (s *Sequencer) State() int { return s.state }

func (s *Sequencer) Slots() []Slot { return append([]Slot(nil), s.slots...) }

func (s *Sequencer) Canceled() bool { return s.canceled }

// Done reports whether every slot has been captured.
func (s *Sequencer) Done() bool { return !s.canceled && s.state > len(s.slots) }

// Current returns the slot awaiting capture.
func (s *Sequencer) Current() (Slot, bool) {
	if s.canceled || s.state < 1 || s.state > len(s.slots) {
		return Slot{}, false
	}
	return s.slots[s.state-1], true
}

// Begin leaves the reading state once ready reports no missing prerequisites.
func (s *Sequencer) Begin(ready func() error) error {
	if s.canceled {
		return ErrCanceled
	}
	if s.state != 0 {
		return fmt.Errorf("%w: session already at slot %d", ErrOutOfSequence, s.state)
	}
	if ready != nil {
		if err := ready(); err != nil {
			return err
		}
	}
	s.state = 1
	return nil
}

// Capture stores a for the current slot and moves to the next one.
// An artifact naming a different slot is rejected.
func (s *Sequencer) Capture(a Artifact) error {
	if s.canceled {
		return ErrCanceled
	}
	cur, ok := s.Current()
	if !ok {
		return fmt.Errorf("%w: no slot open at state %d", ErrOutOfSequence, s.state)
	}
	if a.Slot != "" && a.Slot != cur.ID {
		return fmt.Errorf("%w: expected %s, got %s", ErrOutOfSequence, cur.ID, a.Slot)
	}
	if a.Empty() {
		return fmt.Errorf("%s: %w", cur.ID, ErrEmptyArtifact)
	}
	a.Slot = cur.ID
	if a.CapturedAt.IsZero() {
		a.CapturedAt = s.now()
	}
	s.artifacts = append(s.artifacts, a)
	s.state++
	return nil
}

// Artifacts returns the captured artifacts in slot order.
func (s *Sequencer) Artifacts() []Artifact {
	return append([]Artifact(nil), s.artifacts...)
}

// Artifact returns the capture for slot id.
func (s *Sequencer) Artifact(id string) (Artifact, bool) {
	for _, a := range s.artifacts {
		if a.Slot == id {
			return a, true
		}
	}
	return Artifact{}, false
}

// Cancel discards every captured artifact. The session cannot be resumed.
func (s *Sequencer) Cancel() {
	s.canceled = true
	s.artifacts = nil
}
