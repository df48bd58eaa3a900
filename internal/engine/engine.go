package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"dealflow/internal/autosave"
	"dealflow/internal/domain"
	"dealflow/internal/events"
	"dealflow/internal/finance"
	"dealflow/internal/signature"
	"dealflow/internal/workflow"
)

// Store is the persistence collaborator. Update must apply the patch field by field.
type Store interface {
	CreateFromPin(ctx context.Context, pinID, repID string) (domain.Deal, error)
	Get(ctx context.Context, id string) (domain.Deal, error)
	Update(ctx context.Context, id string, patch domain.Patch) (domain.Deal, error)
	List(ctx context.Context, f domain.DealFilter) ([]domain.Deal, error)
	SetCommission(ctx context.Context, id string, rec domain.CommissionRecord) (domain.Deal, error)
}

type Uploader interface {
	UploadFile(ctx context.Context, data []byte, name, mimeType, category, dealID string) (string, error)
}

type Events interface {
	Record(ctx context.Context, evtType, dealID, actorID string, payload events.EventPayload) error
}

// Reps resolves a rep id to its commission settings.
type Reps interface {
	Rep(id string) (domain.Rep, bool)
}

type Actor struct {
	ID   string
	Role domain.Role
}

func (a Actor) IsAdmin() bool { return a.Role == domain.RoleAdmin }

// PersistError reports a failed write. Nothing from the attempted change was adopted.
type PersistError struct {
	Action string
	Err    error
}

func (e PersistError) Error() string {
	return fmt.Sprintf("could not %s: %v", e.Action, e.Err)
}

func (e PersistError) Unwrap() error { return e.Err }

type Engine struct {
	Store   Store
	Files   Uploader
	Docs    signature.Assembler
	Reps    Reps
	Events  Events
	Logger  *log.Logger
	Company string
	Now     func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (e Engine) record(ctx context.Context, evtType, dealID string, actor Actor, payload events.EventPayload) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Record(ctx, evtType, dealID, actor.ID, payload); err != nil {
		e.logf("event %s for deal %s not recorded: %v", evtType, dealID, err)
	}
}

func (e Engine) recordEffects(ctx context.Context, dealID string, actor Actor, effects []workflow.Effect) {
	for _, fx := range effects {
		payload := events.EventPayload{"from": string(fx.From), "to": string(fx.To)}
		for k, v := range fx.Detail {
			payload[k] = v
		}
		e.record(ctx, fx.Type, dealID, actor, payload)
	}
}

func (e Engine) rep(id string) *domain.Rep {
	if e.Reps == nil || id == "" {
		return nil
	}
	r, ok := e.Reps.Rep(id)
	if !ok {
		return nil
	}
	return &r
}

// Result is the outcome of one update as seen by the caller.
type Result struct {
	Deal     domain.Deal            `json:"deal"`
	From     domain.Status          `json:"from"`
	To       domain.Status          `json:"to"`
	Noop     bool                   `json:"noop"`
	Advanced bool                   `json:"advanced"`
	Blocked  []workflow.Requirement `json:"blocked,omitempty"`
	Notices  []workflow.Notice      `json:"notices,omitempty"`
}

func resultOf(d domain.Deal, dec workflow.Decision) Result {
	return Result{
		Deal:     d,
		From:     dec.From,
		To:       dec.To,
		Noop:     dec.Noop,
		Advanced: dec.Advanced,
		Blocked:  dec.Blocked,
		Notices:  dec.Notices,
	}
}

// CreateFromPin converts a pin to a lead. Reps always own the deals they create.
func (e Engine) CreateFromPin(ctx context.Context, actor Actor, pinID, repID string) (domain.Deal, error) {
	if !actor.IsAdmin() || repID == "" {
		repID = actor.ID
	}
	d, err := e.Store.CreateFromPin(ctx, pinID, repID)
	if err != nil {
		return domain.Deal{}, err
	}
	e.record(ctx, "deal.created", d.ID, actor, events.EventPayload{"pin_id": pinID, "rep_id": repID})
	return d, nil
}

func (e Engine) Get(ctx context.Context, actor Actor, id string) (domain.Deal, error) {
	d, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Deal{}, err
	}
	if err := canSee(actor, d); err != nil {
		return domain.Deal{}, err
	}
	return d, nil
}

// ErrForbidden is returned when a rep touches another rep's deal.
var ErrForbidden = errors.New("deal belongs to another rep")

func canSee(actor Actor, d domain.Deal) error {
	if actor.IsAdmin() || d.RepID == "" || d.RepID == actor.ID {
		return nil
	}
	return ErrForbidden
}

type ListOptions struct {
	Status        domain.Status
	RepID         string
	AwaitingAdmin bool
	Limit         int
	CursorUpdated string
	CursorID      string
}

// List returns deals newest first. Reps only see their own deals.
func (e Engine) List(ctx context.Context, actor Actor, opts ListOptions) ([]domain.Deal, error) {
	if !actor.IsAdmin() {
		opts.RepID = actor.ID
	}
	f := domain.DealFilter{Status: opts.Status, RepID: opts.RepID, CursorUpdatedAt: opts.CursorUpdated, CursorID: opts.CursorID}
	if !opts.AwaitingAdmin {
		f.Limit = opts.Limit
	}
	deals, err := e.Store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if !opts.AwaitingAdmin {
		return deals, nil
	}
	var out []domain.Deal
	for _, d := range deals {
		if _, ok := workflow.AwaitingAdmin(d); ok {
			out = append(out, d)
			if opts.Limit > 0 && len(out) == opts.Limit {
				break
			}
		}
	}
	return out, nil
}

// UpdateDeal runs a field update through the state machine and persists the decided patch.
func (e Engine) UpdateDeal(ctx context.Context, actor Actor, id string, patch domain.Patch) (Result, error) {
	cur, err := e.Get(ctx, actor, id)
	if err != nil {
		return Result{}, err
	}
	dec, err := workflow.Decide(cur, patch, actor.Role)
	if err != nil {
		return resultOf(cur, dec), err
	}
	if dec.Noop {
		return resultOf(cur, dec), nil
	}
	return e.persist(ctx, actor, cur, dec, "save deal")
}

func (e Engine) persist(ctx context.Context, actor Actor, cur domain.Deal, dec workflow.Decision, action string) (Result, error) {
	d, err := e.Store.Update(ctx, cur.ID, dec.Patch)
	if err != nil {
		e.logf("%s %s failed: %v", action, cur.ID, err)
		return resultOf(cur, dec), PersistError{Action: action, Err: err}
	}
	fields := make([]string, 0, len(dec.Patch.Fields()))
	for _, f := range dec.Patch.Fields() {
		fields = append(fields, string(f))
	}
	e.record(ctx, "deal.updated", d.ID, actor, events.EventPayload{"fields": fields, "status": string(d.Status)})
	e.recordEffects(ctx, d.ID, actor, dec.Effects)
	return resultOf(d, dec), nil
}

// Updater adapts the engine to the single-update collaborator used by forms and signing flows.
func (e Engine) Updater(actor Actor) DealUpdater {
	return DealUpdater{engine: e, actor: actor}
}

type DealUpdater struct {
	engine Engine
	actor  Actor
}

func (u DealUpdater) Update(ctx context.Context, id string, patch domain.Patch) (domain.Deal, error) {
	res, err := u.engine.UpdateDeal(ctx, u.actor, id, patch)
	return res.Deal, err
}

// Autosave returns a scheduler whose saves go through UpdateDeal for one deal.
func (e Engine) Autosave(actor Actor, dealID string, opts autosave.Options) *autosave.Scheduler {
	if opts.Logger == nil {
		opts.Logger = e.Logger
	}
	return autosave.New(func(ctx context.Context, key string, patch domain.Patch) error {
		_, err := e.UpdateDeal(ctx, actor, dealID, patch)
		return err
	}, opts)
}

func (e Engine) upload(ctx context.Context, d domain.Deal, data []byte, name, mimeType, category string) (string, error) {
	if e.Files == nil {
		return "", PersistError{Action: "upload " + name, Err: errors.New("no file store configured")}
	}
	key, err := e.Files.UploadFile(ctx, data, name, mimeType, category, d.ID)
	if err == nil && key == "" {
		err = errors.New("no key returned")
	}
	if err != nil {
		e.logf("upload %s for %s failed: %v", name, d.ID, err)
		return "", PersistError{Action: "upload " + name, Err: err}
	}
	return key, nil
}

// Upload stores a photo set and advances stages that move on that upload.
func (e Engine) Upload(ctx context.Context, actor Actor, id string, kind workflow.Upload, data []byte, name, mimeType string) (Result, error) {
	cur, err := e.Get(ctx, actor, id)
	if err != nil {
		return Result{}, err
	}
	key, err := e.upload(ctx, cur, data, name, mimeType, string(kind))
	if err != nil {
		return Result{Deal: cur, From: cur.Status, To: cur.Status}, err
	}
	e.record(ctx, "upload.stored", cur.ID, actor, events.EventPayload{"category": string(kind), "key": key})
	dec := workflow.Signal(cur, kind)
	if dec.Noop {
		e.recordEffects(ctx, cur.ID, actor, dec.Effects)
		return resultOf(cur, dec), nil
	}
	return e.persist(ctx, actor, cur, dec, "advance deal")
}

// AttachDocument uploads a document and stores its key in the given field.
func (e Engine) AttachDocument(ctx context.Context, actor Actor, id string, field domain.Field, data []byte, name, mimeType string) (Result, error) {
	if !domain.IsDocumentField(field) {
		return Result{}, fmt.Errorf("%s is not a document field", field)
	}
	cur, err := e.Get(ctx, actor, id)
	if err != nil {
		return Result{}, err
	}
	key, err := e.upload(ctx, cur, data, name, mimeType, strings.TrimSuffix(string(field), "_key"))
	if err != nil {
		return Result{Deal: cur, From: cur.Status, To: cur.Status}, err
	}
	var patch domain.Patch
	if err := patch.SetText(field, key); err != nil {
		return Result{}, err
	}
	return e.UpdateDeal(ctx, actor, id, patch)
}

// RequestPayment flags the deal for commission payout.
func (e Engine) RequestPayment(ctx context.Context, actor Actor, id string) (Result, error) {
	return e.UpdateDeal(ctx, actor, id, domain.Patch{PaymentRequested: domain.Bool(true)})
}

// AdminAction applies an admin-gated transition. Approving snapshots the commission record.
func (e Engine) AdminAction(ctx context.Context, actor Actor, id string, action workflow.AdminAction, opts workflow.AdminOptions) (Result, error) {
	if !actor.IsAdmin() {
		return Result{}, workflow.ErrAdminRequired
	}
	cur, err := e.Store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	dec, err := workflow.AdminTransition(cur, action, opts)
	if err != nil {
		return resultOf(cur, dec), err
	}
	res, err := e.persist(ctx, actor, cur, dec, string(action))
	if err != nil {
		return res, err
	}
	e.logf("admin %s: %s on deal %s (%s -> %s)", actor.ID, action, id, dec.From, dec.To)
	if action == workflow.ActionApprove {
		d, err := e.snapshotCommission(ctx, res.Deal)
		if err != nil {
			return res, err
		}
		res.Deal = d
	}
	return res, nil
}

func (e Engine) snapshotCommission(ctx context.Context, d domain.Deal) (domain.Deal, error) {
	var pct float64
	if r := e.rep(d.RepID); r != nil {
		pct = finance.CommissionPercent(r.CommissionPercent, r.Tier)
	}
	rcv := 0.0
	if d.RCV != nil {
		rcv = *d.RCV
	}
	c := finance.CommissionAmount(finance.CommissionInput{RCV: rcv, Percent: pct})
	rec := domain.CommissionRecord{CommissionPercent: c.Percent, CommissionAmount: c.Amount}
	out, err := e.Store.SetCommission(ctx, d.ID, rec)
	if err != nil {
		e.logf("commission snapshot for %s failed: %v", d.ID, err)
		return d, PersistError{Action: "record commission", Err: err}
	}
	return out, nil
}

// SetCommissionOverride sets or, with a nil amount, clears the admin commission override.
func (e Engine) SetCommissionOverride(ctx context.Context, actor Actor, id string, amount *float64, reason string) (Result, error) {
	if !actor.IsAdmin() {
		return Result{}, workflow.ErrAdminRequired
	}
	var patch domain.Patch
	if amount == nil {
		patch.Clear = []domain.Field{domain.FieldCommissionOverrideAmount, domain.FieldCommissionOverrideReason}
	} else {
		if *amount < 0 {
			return Result{}, errors.New("override amount must not be negative")
		}
		if strings.TrimSpace(reason) == "" {
			return Result{}, errors.New("override reason is required")
		}
		patch.CommissionOverrideAmount = amount
		patch.CommissionOverrideReason = domain.String(strings.TrimSpace(reason))
	}
	res, err := e.UpdateDeal(ctx, actor, id, patch)
	if err == nil {
		e.logf("admin %s: commission override on deal %s", actor.ID, id)
	}
	return res, err
}

// Financials returns the derived financial view of a deal.
func (e Engine) Financials(ctx context.Context, actor Actor, id string) (finance.Summary, error) {
	d, err := e.Get(ctx, actor, id)
	if err != nil {
		return finance.Summary{}, err
	}
	return finance.Breakdown(d, e.rep(d.RepID)), nil
}

type StepView struct {
	Status    domain.Status          `json:"status"`
	Position  int                    `json:"position"`
	Label     string                 `json:"label"`
	AdminOnly bool                   `json:"admin_only"`
	State     string                 `json:"state"`
	Missing   []workflow.Requirement `json:"missing,omitempty"`
}

type WorkflowView struct {
	DealID        string        `json:"deal_id"`
	Status        domain.Status `json:"status"`
	Position      int           `json:"position"`
	AwaitingAdmin bool          `json:"awaiting_admin"`
	Next          domain.Status `json:"next,omitempty"`
	Steps         []StepView    `json:"steps"`
}

// Workflow describes where a deal sits in the pipeline and what its current stage still needs.
func (e Engine) Workflow(ctx context.Context, actor Actor, id string) (WorkflowView, error) {
	d, err := e.Get(ctx, actor, id)
	if err != nil {
		return WorkflowView{}, err
	}
	return View(d), nil
}

func View(d domain.Deal) WorkflowView {
	v := WorkflowView{DealID: d.ID, Status: d.Status, Position: workflow.Position(d.Status)}
	v.Next, _ = workflow.Next(d)
	_, v.AwaitingAdmin = workflow.AwaitingAdmin(d)
	for _, s := range workflow.Steps() {
		sv := StepView{Status: s.Status, Position: s.Position, Label: s.Label, AdminOnly: s.AdminOnly}
		switch {
		case s.Position < v.Position:
			sv.State = "done"
			if s.Status == domain.StatusAdjusterMet && d.AdjusterNotAssigned {
				sv.State = "skipped"
			}
		case s.Position == v.Position:
			sv.State = "current"
			sv.Missing = workflow.Missing(d, s)
		default:
			sv.State = "upcoming"
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}

// OpenAgreement starts a fresh agreement signing session.
func (e Engine) OpenAgreement(ctx context.Context, actor Actor, id string) (*signature.Flow, error) {
	d, err := e.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return signature.OpenAgreement(d, e.repName(d.RepID), e.Now), nil
}

// OpenCompletion starts a fresh completion form session. The deal must be installed.
func (e Engine) OpenCompletion(ctx context.Context, actor Actor, id string) (*signature.Flow, error) {
	d, err := e.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return signature.OpenCompletion(d, e.repName(d.RepID), e.Now)
}

func (e Engine) repName(id string) string {
	if r := e.rep(id); r != nil && r.Name != "" {
		return r.Name
	}
	return id
}

// FinishSigning renders and uploads the session documents, then issues its single update.
func (e Engine) FinishSigning(ctx context.Context, actor Actor, f *signature.Flow) (domain.Deal, error) {
	if e.Files == nil || e.Docs == nil {
		return domain.Deal{}, errors.New("signing requires a file store and document renderer")
	}
	fin := signature.Finisher{
		Store:   e.Updater(actor),
		Files:   e.Files,
		Docs:    e.Docs,
		Company: e.Company,
		Now:     e.Now,
	}
	d, err := fin.Finish(ctx, f)
	if err != nil {
		e.logf("finish %s signing for %s: %v", f.Kind, f.Deal.ID, err)
		return domain.Deal{}, err
	}
	e.record(ctx, "signature.completed", d.ID, actor, events.EventPayload{"flow": string(f.Kind), "session": f.SessionID})
	return d, nil
}
