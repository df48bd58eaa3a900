package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dealflow/internal/domain"
)

var (
	ErrFinancialsLocked  = errors.New("financial fields are locked after approval")
	ErrAdminRequired     = errors.New("admin role required")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// AdminFieldError reports a rep patch touching fields only an admin may write.
type AdminFieldError struct {
	Fields []domain.Field
}

func (e AdminFieldError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, string(f))
	}
	return fmt.Sprintf("admin role required to set %s", strings.Join(names, ", "))
}

func (e AdminFieldError) Unwrap() error { return ErrAdminRequired }

// BlockedError reports an admin action whose stage requirements are unmet.
type BlockedError struct {
	Status  domain.Status
	Missing []Requirement
}

func (e BlockedError) Error() string {
	labels := make([]string, 0, len(e.Missing))
	for _, r := range e.Missing {
		labels = append(labels, r.Label)
	}
	return fmt.Sprintf("%s requirements not met: %s", e.Status, strings.Join(labels, ", "))
}

func (e BlockedError) Unwrap() error { return ErrInvalidTransition }

// adminFields are writable only by admins: commission decisions and scheduling.
var adminFields = []domain.Field{
	domain.FieldCommissionOverrideAmount,
	domain.FieldCommissionOverrideReason,
	domain.FieldCommissionPaid,
	domain.FieldInstallDate,
}

const (
	NoticeStatusDerived = "status_is_derived"
	NoticeAwaitingAdmin = "awaiting_admin"
	NoticeAdjusterSkip  = "adjuster_skipped"
)

type Notice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	EffectStatusAdvanced = "status.advanced"
	EffectAwaitingAdmin  = "deal.awaiting_admin"
	EffectAdminAction    = "admin.action"
	EffectStatusOverride = "status.override"
)

// Effect is a side effect the caller should record once the patch is persisted.
type Effect struct {
	Type   string         `json:"type"`
	From   domain.Status  `json:"from,omitempty"`
	To     domain.Status  `json:"to,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Decision is the outcome of evaluating one update against the pipeline.
type Decision struct {
	Patch    domain.Patch  `json:"patch"`
	Deal     domain.Deal   `json:"deal"`
	From     domain.Status `json:"from"`
	To       domain.Status `json:"to"`
	Noop     bool          `json:"noop"`
	Advanced bool          `json:"advanced"`
	Blocked  []Requirement `json:"blocked,omitempty"`
	Notices  []Notice      `json:"notices,omitempty"`
	Effects  []Effect      `json:"effects,omitempty"`
}

// Decide evaluates a field update from actor against the persisted deal.
// It returns the patch to persist, with status appended when the update completes the current stage.
func Decide(persisted domain.Deal, patch domain.Patch, actor domain.Role) (Decision, error) {
	dec := Decision{Deal: persisted, From: persisted.Status, To: persisted.Status}
	if patch.Has(domain.FieldStatus) {
		dec.Noop = true
		dec.Notices = append(dec.Notices, Notice{
			Code:    NoticeStatusDerived,
			Message: "Status advances automatically when a stage's requirements are complete; the update was not applied.",
		})
		return dec, nil
	}
	if actor != domain.RoleAdmin {
		var denied []domain.Field
		for _, f := range adminFields {
			if patch.Has(f) {
				denied = append(denied, f)
			}
		}
		if len(denied) > 0 {
			return dec, AdminFieldError{Fields: denied}
		}
		if persisted.FinancialsLocked() {
			for _, f := range domain.FinancialFields {
				if patch.Has(f) {
					return dec, ErrFinancialsLocked
				}
			}
		}
	}
	if patch.IsEmpty() {
		dec.Noop = true
		return dec, nil
	}

	merged := domain.Apply(persisted, patch)
	if merged.AdjusterNotAssigned && (merged.AdjusterPhone != nil || merged.AdjusterMeetingDate != nil) {
		patch = patch.Without(domain.FieldAdjusterPhone, domain.FieldAdjusterMeetingDate)
		patch.Clear = append(patch.Clear, domain.FieldAdjusterPhone, domain.FieldAdjusterMeetingDate)
		merged = domain.Apply(persisted, patch)
	}

	step, ok := Step(merged.Status)
	if !ok {
		return dec, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, merged.Status)
	}
	switch {
	case merged.Status == domain.StatusAdjusterMet && merged.AdjusterNotAssigned:
		dec.Notices = append(dec.Notices, Notice{Code: NoticeAdjusterSkip, Message: "No adjuster assigned; skipping the adjuster meeting."})
		advance(&dec, &patch, &merged, domain.StatusAwaitingApproval)
	case len(step.Requirements) == 0:
	case !IsStageSatisfied(merged, step):
		dec.Blocked = Missing(merged, step)
	default:
		next, ok := Next(merged)
		if !ok {
			break
		}
		nextStep, _ := Step(next)
		if nextStep.AdminOnly {
			dec.Notices = append(dec.Notices, Notice{
				Code:    NoticeAwaitingAdmin,
				Message: fmt.Sprintf("%s is complete; an admin will move the deal to %s.", step.Label, nextStep.Label),
			})
			dec.Effects = append(dec.Effects, Effect{Type: EffectAwaitingAdmin, From: merged.Status, To: next})
			break
		}
		advance(&dec, &patch, &merged, next)
	}
	dec.Patch = patch
	dec.Deal = merged
	return dec, nil
}

func advance(dec *Decision, patch *domain.Patch, merged *domain.Deal, to domain.Status) {
	from := merged.Status
	patch.Status = domain.StatusPtr(to)
	merged.Status = to
	dec.To = to
	dec.Advanced = true
	dec.Effects = append(dec.Effects, Effect{Type: EffectStatusAdvanced, From: from, To: to})
}

// Signal advances a stage that moves on an external upload rather than form fields.
// The decision is a no-op when the upload does not move the current stage.
func Signal(d domain.Deal, upload Upload) Decision {
	dec := Decision{Deal: d, From: d.Status, To: d.Status, Noop: true}
	step, ok := Step(d.Status)
	if !ok || step.AdvanceOn != upload || len(step.Requirements) > 0 {
		return dec
	}
	next, ok := Next(d)
	if !ok {
		return dec
	}
	if nextStep, _ := Step(next); nextStep.AdminOnly {
		dec.Notices = append(dec.Notices, Notice{Code: NoticeAwaitingAdmin, Message: fmt.Sprintf("An admin will move the deal to %s.", nextStep.Label)})
		dec.Effects = append(dec.Effects, Effect{Type: EffectAwaitingAdmin, From: d.Status, To: next})
		return dec
	}
	var patch domain.Patch
	merged := d.Clone()
	advance(&dec, &patch, &merged, next)
	dec.Noop = false
	dec.Patch = patch
	dec.Deal = merged
	return dec
}

type AdminAction string

const (
	ActionApprove         AdminAction = "approve"
	ActionScheduleInstall AdminAction = "schedule_install"
	ActionSendInvoice     AdminAction = "send_invoice"
	ActionApprovePayment  AdminAction = "approve_payment"
	ActionPayCommission   AdminAction = "pay_commission"
	ActionOverride        AdminAction = "override"
)

func ParseAdminAction(s string) (AdminAction, error) {
	switch AdminAction(s) {
	case ActionApprove, ActionScheduleInstall, ActionSendInvoice, ActionApprovePayment, ActionPayCommission, ActionOverride:
		return AdminAction(s), nil
	}
	return "", fmt.Errorf("invalid admin action %q", s)
}

// AdminOptions carries per-action parameters.
type AdminOptions struct {
	InstallDate string
	Status      domain.Status
	Reason      string
}

var adminMoves = map[AdminAction]struct{ from, to domain.Status }{
	ActionApprove:         {domain.StatusAwaitingApproval, domain.StatusApproved},
	ActionScheduleInstall: {domain.StatusMaterialsSelected, domain.StatusInstallScheduled},
	ActionSendInvoice:     {domain.StatusCompletionSigned, domain.StatusInvoiceSent},
	ActionApprovePayment:  {domain.StatusDepreciationCollected, domain.StatusComplete},
	ActionPayCommission:   {domain.StatusComplete, domain.StatusPaid},
}

// AdminTransition moves a deal through an admin-gated stage or overrides its status.
// Callers are responsible for checking the actor holds the admin role.
func AdminTransition(d domain.Deal, action AdminAction, opts AdminOptions) (Decision, error) {
	dec := Decision{Deal: d, From: d.Status, To: d.Status}
	var patch domain.Patch
	merged := d.Clone()

	if action == ActionOverride {
		if !opts.Status.Valid() {
			return dec, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, opts.Status)
		}
		if strings.TrimSpace(opts.Reason) == "" {
			return dec, errors.New("override reason is required")
		}
		patch.Status = domain.StatusPtr(opts.Status)
		merged.Status = opts.Status
		dec.To = opts.Status
		dec.Advanced = opts.Status.Ordinal() > d.Status.Ordinal()
		dec.Effects = append(dec.Effects, Effect{Type: EffectStatusOverride, From: d.Status, To: opts.Status, Detail: map[string]any{"reason": opts.Reason}})
		dec.Patch = patch
		dec.Deal = merged
		return dec, nil
	}

	move, ok := adminMoves[action]
	if !ok {
		return dec, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	if d.Status != move.from {
		return dec, fmt.Errorf("%w: %s requires %s, deal is %s", ErrInvalidTransition, action, move.from, d.Status)
	}
	step, _ := Step(d.Status)
	if missing := Missing(d, step); len(missing) > 0 {
		dec.Blocked = missing
		return dec, BlockedError{Status: d.Status, Missing: missing}
	}
	detail := map[string]any{"action": string(action)}
	switch action {
	case ActionScheduleInstall:
		if _, err := time.Parse(domain.DateLayout, opts.InstallDate); err != nil {
			return dec, fmt.Errorf("install date must be %s: %w", domain.DateLayout, err)
		}
		patch.InstallDate = domain.String(opts.InstallDate)
		merged.InstallDate = patch.InstallDate
		detail["install_date"] = opts.InstallDate
	case ActionPayCommission:
		patch.CommissionPaid = domain.Bool(true)
		merged.CommissionPaid = true
	}
	advance(&dec, &patch, &merged, move.to)
	dec.Effects = append(dec.Effects, Effect{Type: EffectAdminAction, From: move.from, To: move.to, Detail: detail})
	dec.Patch = patch
	dec.Deal = merged
	return dec, nil
}

// AwaitingAdmin reports whether d has finished its stage and only an admin can move it on.
// The returned status is the stage the admin would move it to.
func AwaitingAdmin(d domain.Deal) (domain.Status, bool) {
	step, ok := Step(d.Status)
	if !ok || !IsStageSatisfied(d, step) {
		return "", false
	}
	next, ok := Next(d)
	if !ok {
		return "", false
	}
	nextStep, _ := Step(next)
	return next, nextStep.AdminOnly
}
