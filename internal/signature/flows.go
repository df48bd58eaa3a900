package signature

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dealflow/internal/domain"
)

type FlowKind string

const (
	FlowAgreement  FlowKind = "agreement"
	FlowCompletion FlowKind = "completion"
)

// Slot ids are stable because rendered documents reference them.
const (
	SlotFeeInitials        = "fee_initials"
	SlotRepSignature       = "rep_signature"
	SlotOwnerSignature     = "owner_signature"
	SlotDeckingInitials    = "decking_initials"
	SlotConstructionNotice = "construction_notice"
	SlotSupplements        = "supplements"
	SlotSection1Initials   = "section1_initials"
	SlotSection2Initials   = "section2_initials"
)

var AgreementSlots = []Slot{
	{ID: SlotFeeInitials, Label: "Fee acknowledgment initials", Signer: SignerOwner, Initials: true},
	{ID: SlotRepSignature, Label: "Representative signature", Signer: SignerRep},
	{ID: SlotOwnerSignature, Label: "Owner signature", Signer: SignerOwner},
	{ID: SlotDeckingInitials, Label: "Decking fee initials", Signer: SignerOwner, Initials: true},
	{ID: SlotConstructionNotice, Label: "Notice of construction signature", Signer: SignerOwner},
	{ID: SlotSupplements, Label: "Supplements acknowledgment signature", Signer: SignerOwner},
}

var CompletionSlots = []Slot{
	{ID: SlotSection1Initials, Label: "Section 1 initials", Signer: SignerOwner, Initials: true},
	{ID: SlotSection2Initials, Label: "Section 2 initials", Signer: SignerOwner, Initials: true},
	{ID: SlotOwnerSignature, Label: "Owner signature", Signer: SignerOwner},
	{ID: SlotRepSignature, Label: "Representative signature", Signer: SignerRep},
}

// Walkthrough options offered on the completion form.
var Walkthroughs = []string{"in_person", "virtual", "declined"}

func ValidWalkthrough(s string) bool {
	for _, w := range Walkthroughs {
		if w == s {
			return true
		}
	}
	return false
}

// Flow is one signing session over a deal snapshot.
type Flow struct {
	Kind        FlowKind
	Deal        domain.Deal
	RepName     string
	CrewLead    string
	Walkthrough string

	*Sequencer
	finished bool
}

// OpenAgreement starts a fresh agreement session.
func OpenAgreement(d domain.Deal, repName string, now func() time.Time) *Flow {
	return &Flow{Kind: FlowAgreement, Deal: d, RepName: repName, Sequencer: NewSequencer(AgreementSlots, now)}
}

// OpenCompletion starts a fresh completion-form session. The deal must be installed.
func OpenCompletion(d domain.Deal, repName string, now func() time.Time) (*Flow, error) {
	if d.Status != domain.StatusInstalled {
		return nil, fmt.Errorf("%w: completion form requires status %s, deal is %s", ErrPrerequisites, domain.StatusInstalled, d.Status)
	}
	return &Flow{
		Kind:        FlowCompletion,
		Deal:        d,
		RepName:     repName,
		CrewLead:    domain.Value(d.CrewLeadName),
		Walkthrough: domain.Value(d.WalkthroughType),
		Sequencer:   NewSequencer(CompletionSlots, now),
	}, nil
}

// Begin checks the flow's prerequisites and opens slot 1.
func (f *Flow) Begin() error {
	return f.Sequencer.Begin(f.prerequisites)
}

func (f *Flow) prerequisites() error {
	if f.Kind != FlowCompletion {
		return nil
	}
	var missing []string
	if strings.TrimSpace(f.CrewLead) == "" {
		missing = append(missing, "crew lead name")
	}
	if !ValidWalkthrough(f.Walkthrough) {
		missing = append(missing, "walkthrough type")
	}
	if len(missing) > 0 {
		return PrerequisiteError{Missing: missing}
	}
	return nil
}

func (f *Flow) Finished() bool { return f.finished }

// Updater persists a partial deal update.
type Updater interface {
	Update(ctx context.Context, dealID string, patch domain.Patch) (domain.Deal, error)
}

// Uploader stores a file and returns its opaque key. An empty key is a failure.
type Uploader interface {
	UploadFile(ctx context.Context, data []byte, name, mimeType, category, dealID string) (string, error)
}

// Document is everything an assembler needs to render a signed form.
type Document struct {
	Kind        FlowKind
	Company     string
	Deal        domain.Deal
	RepName     string
	Date        string
	CrewLead    string
	Walkthrough string
	Slots       []Slot
	Artifacts   []Artifact
}

// Assembler renders a finished session into a single file.
type Assembler interface {
	Render(doc Document) ([]byte, error)
}

// UploadError reports a failed upload during finish. Nothing was written to the deal.
type UploadError struct {
	Name string
	Err  error
}

func (e UploadError) Error() string { return fmt.Sprintf("upload %s: %v", e.Name, e.Err) }

func (e UploadError) Unwrap() error { return e.Err }

var ErrFinished = errors.New("signature session already finished")

// Finisher turns a completed flow into documents and exactly one deal update.
type Finisher struct {
	Store   Updater
	Files   Uploader
	Docs    Assembler
	Company string
	Now     func() time.Time
}

func (fin Finisher) now() time.Time {
	if fin.Now != nil {
		return fin.Now()
	}
	return time.Now()
}

// Finish assembles and uploads the session's documents and persists the result.
// On any failure the deal is untouched and the flow may be finished again.
func (fin Finisher) Finish(ctx context.Context, f *Flow) (domain.Deal, error) {
	switch {
	case f.Canceled():
		return domain.Deal{}, ErrCanceled
	case f.finished:
		return domain.Deal{}, ErrFinished
	case !f.Done():
		return domain.Deal{}, fmt.Errorf("%w: at slot %d of %d", ErrIncomplete, f.State(), len(f.Slots()))
	}
	if f.Kind == FlowCompletion {
		if err := f.prerequisites(); err != nil {
			return domain.Deal{}, err
		}
	}
	today := fin.now().Format(domain.DateLayout)
	doc := Document{
		Kind:        f.Kind,
		Company:     fin.Company,
		Deal:        f.Deal,
		RepName:     f.RepName,
		Date:        today,
		CrewLead:    f.CrewLead,
		Walkthrough: f.Walkthrough,
		Slots:       f.Slots(),
		Artifacts:   f.Artifacts(),
	}
	data, err := fin.Docs.Render(doc)
	if err != nil {
		return domain.Deal{}, fmt.Errorf("render %s: %w", f.Kind, err)
	}

	var patch domain.Patch
	switch f.Kind {
	case FlowAgreement:
		docKey, err := fin.upload(ctx, f, data, "insurance_agreement.pdf", "application/pdf", "insurance_agreement")
		if err != nil {
			return domain.Deal{}, err
		}
		ownerKey, err := fin.uploadArtifact(ctx, f, SlotOwnerSignature)
		if err != nil {
			return domain.Deal{}, err
		}
		repKey, err := fin.uploadArtifact(ctx, f, SlotRepSignature)
		if err != nil {
			return domain.Deal{}, err
		}
		patch = domain.Patch{
			ContractSigned:        domain.Bool(true),
			SignedDate:            domain.String(today),
			InsuranceAgreementKey: domain.String(docKey),
			OwnerSignatureKey:     domain.String(ownerKey),
			RepSignatureKey:       domain.String(repKey),
		}
	case FlowCompletion:
		formKey, err := fin.upload(ctx, f, data, "completion_form.pdf", "application/pdf", "completion_form")
		if err != nil {
			return domain.Deal{}, err
		}
		patch = domain.Patch{
			CompletionFormKey:    domain.String(formKey),
			CompletionSignedDate: domain.String(today),
			CrewLeadName:         domain.String(f.CrewLead),
			WalkthroughType:      domain.String(f.Walkthrough),
		}
	default:
		return domain.Deal{}, fmt.Errorf("unknown flow %q", f.Kind)
	}

	d, err := fin.Store.Update(ctx, f.Deal.ID, patch)
	if err != nil {
		return domain.Deal{}, err
	}
	f.finished = true
	f.Deal = d
	return d, nil
}

func (fin Finisher) upload(ctx context.Context, f *Flow, data []byte, name, mimeType, category string) (string, error) {
	key, err := fin.Files.UploadFile(ctx, data, name, mimeType, category, f.Deal.ID)
	if err == nil && key == "" {
		err = errors.New("no key returned")
	}
	if err != nil {
		return "", UploadError{Name: name, Err: err}
	}
	return key, nil
}

func (fin Finisher) uploadArtifact(ctx context.Context, f *Flow, slot string) (string, error) {
	a, ok := f.Artifact(slot)
	if !ok {
		return "", fmt.Errorf("%w: %s not captured", ErrIncomplete, slot)
	}
	data, mimeType, ext := a.File()
	return fin.upload(ctx, f, data, slot+ext, mimeType, "signature")
}
