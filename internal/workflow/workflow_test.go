package workflow_test

import (
	"errors"
	"testing"

	"dealflow/internal/domain"
	"dealflow/internal/workflow"
)

func mustStep(t *testing.T, s domain.Status) workflow.StepDefinition {
	t.Helper()
	step, ok := workflow.Step(s)
	if !ok {
		t.Fatalf("no step for %s", s)
	}
	return step
}

func claimFiledDeal() domain.Deal {
	return domain.Deal{
		ID:               "d1",
		Status:           domain.StatusClaimFiled,
		RCV:              domain.Float(10000),
		ACV:              domain.Float(8000),
		Deductible:       domain.Float(500),
		Depreciation:     domain.Float(2000),
		LostStatementKey: domain.String("files/lost.pdf"),
	}
}

func TestStepTableOrder(t *testing.T) {
	steps := workflow.Steps()
	if len(steps) != 16 {
		t.Fatalf("expected 16 steps, got %d", len(steps))
	}
	for i, s := range steps {
		if s.Position != i+1 || s.Status != domain.Statuses[i] {
			t.Fatalf("step %d out of order: %+v", i, s)
		}
	}
	admin := map[domain.Status]bool{
		domain.StatusApproved:         true,
		domain.StatusInstallScheduled: true,
		domain.StatusInvoiceSent:      true,
		domain.StatusComplete:         true,
		domain.StatusPaid:             true,
	}
	for _, s := range steps {
		if s.AdminOnly != admin[s.Status] {
			t.Fatalf("admin flag for %s = %v", s.Status, s.AdminOnly)
		}
	}
}

func TestLeadAdvancesOnlyOnInspectionPhotos(t *testing.T) {
	d := domain.Deal{ID: "d1", Status: domain.StatusLead}
	if !workflow.IsStageSatisfied(d, mustStep(t, domain.StatusLead)) {
		t.Fatalf("lead gate should be trivially satisfied")
	}
	dec, err := workflow.Decide(d, domain.Patch{HomeownerName: domain.String("Ann Lee")}, domain.RoleRep)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if dec.Advanced || dec.Patch.Status != nil {
		t.Fatalf("lead must not auto-advance on field edits: %+v", dec)
	}
	if got := workflow.Signal(d, workflow.UploadAdjusterPhotos); !got.Noop {
		t.Fatalf("wrong upload category should not advance")
	}
	got := workflow.Signal(d, workflow.UploadInspectionPhotos)
	if got.Noop || got.To != domain.StatusInspectionScheduled || got.Patch.Status == nil {
		t.Fatalf("expected advance to inspection_scheduled, got %+v", got)
	}
}

func TestFinancialsAllOrNothing(t *testing.T) {
	step := mustStep(t, domain.StatusClaimFiled)
	base := claimFiledDeal()
	base.AdjusterNotAssigned = true
	if !workflow.IsStageSatisfied(base, step) {
		t.Fatalf("complete claim should satisfy gate: %+v", workflow.Missing(base, step))
	}
	drop := []func(*domain.Deal){
		func(d *domain.Deal) { d.RCV = nil },
		func(d *domain.Deal) { d.ACV = nil },
		func(d *domain.Deal) { d.Deductible = nil },
		func(d *domain.Deal) { d.Depreciation = nil },
	}
	for i, fn := range drop {
		d := base.Clone()
		fn(&d)
		if workflow.IsStageSatisfied(d, step) {
			t.Fatalf("case %d: gate passed with a missing financial field", i)
		}
		missing := workflow.Missing(d, step)
		if len(missing) != 1 || missing[0].Kind != workflow.KindFinancials {
			t.Fatalf("case %d: expected single financial requirement, got %+v", i, missing)
		}
	}
}

func TestAdjusterSkip(t *testing.T) {
	persisted := claimFiledDeal()
	persisted.AdjusterPhone = domain.String("555-0100")
	dec, err := workflow.Decide(persisted, domain.Patch{AdjusterNotAssigned: domain.Bool(true)}, domain.RoleRep)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !dec.Advanced || dec.To != domain.StatusAwaitingApproval {
		t.Fatalf("expected claim_filed -> awaiting_approval, got %+v", dec)
	}
	if dec.Deal.AdjusterPhone != nil || dec.Deal.AdjusterMeetingDate != nil {
		t.Fatalf("waived adjuster fields should be cleared: %+v", dec.Deal)
	}
	if !dec.Patch.Has(domain.FieldAdjusterPhone) || !dec.Patch.Has(domain.FieldAdjusterMeetingDate) {
		t.Fatalf("patch should clear adjuster fields: %+v", dec.Patch)
	}
	if dec.Deal.AdjusterPhoneLabel() != domain.NotAssignedLabel {
		t.Fatalf("label = %q", dec.Deal.AdjusterPhoneLabel())
	}
}

func TestAdjusterRequiredWhenAssigned(t *testing.T) {
	persisted := claimFiledDeal()
	dec, err := workflow.Decide(persisted, domain.Patch{AdjusterPhone: domain.String("555-0100")}, domain.RoleRep)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if dec.Advanced {
		t.Fatalf("should block without meeting date")
	}
	if len(dec.Blocked) != 1 || dec.Blocked[0].Field != domain.FieldAdjusterMeetingDate {
		t.Fatalf("blocked = %+v", dec.Blocked)
	}
	dec, err = workflow.Decide(dec.Deal, domain.Patch{AdjusterMeetingDate: domain.String("2026-10-20")}, domain.RoleRep)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if dec.To != domain.StatusAdjusterMet {
		t.Fatalf("assigned adjuster should go to adjuster_met, got %s", dec.To)
	}
}

func TestStatusIsDerived(t *testing.T) {
	d := domain.Deal{ID: "d1", Status: domain.StatusLead}
	for _, role := range []domain.Role{domain.RoleRep, domain.RoleAdmin} {
		dec, err := workflow.Decide(d, domain.Patch{Status: domain.StatusPtr(domain.StatusPaid), HomeownerName: domain.String("x")}, role)
		if err != nil {
			t.Fatalf("decide: %v", err)
		}
		if !dec.Noop || !dec.Patch.IsEmpty() || dec.Deal.Status != domain.StatusLead {
			t.Fatalf("status edit should be a no-op: %+v", dec)
		}
		if len(dec.Notices) != 1 || dec.Notices[0].Code != workflow.NoticeStatusDerived {
			t.Fatalf("notices = %+v", dec.Notices)
		}
	}
}

func TestFinancialsLockedForReps(t *testing.T) {
	d := domain.Deal{ID: "d1", Status: domain.StatusApproved, RCV: domain.Float(1), ApprovedDate: domain.String("2026-10-01")}
	if _, err := workflow.Decide(d, domain.Patch{RCV: domain.Float(2)}, domain.RoleRep); !errors.Is(err, workflow.ErrFinancialsLocked) {
		t.Fatalf("expected locked error, got %v", err)
	}
	if _, err := workflow.Decide(d, domain.Patch{Clear: []domain.Field{domain.FieldDeductible}}, domain.RoleRep); !errors.Is(err, workflow.ErrFinancialsLocked) {
		t.Fatalf("clearing a locked field should fail, got %v", err)
	}
	if _, err := workflow.Decide(d, domain.Patch{RCV: domain.Float(2)}, domain.RoleAdmin); err != nil {
		t.Fatalf("admin may correct financials: %v", err)
	}
}

func TestAdminFieldsRejectedForReps(t *testing.T) {
	d := domain.Deal{ID: "d1", Status: domain.StatusComplete}
	_, err := workflow.Decide(d, domain.Patch{CommissionOverrideAmount: domain.Float(2500)}, domain.RoleRep)
	var afe workflow.AdminFieldError
	if !errors.As(err, &afe) || !errors.Is(err, workflow.ErrAdminRequired) {
		t.Fatalf("expected admin field error, got %v", err)
	}
}

func TestAdminOnlyNextStageHoldsStatus(t *testing.T) {
	d := domain.Deal{ID: "d1", Status: domain.StatusAwaitingApproval}
	dec, err := workflow.Decide(d, domain.Patch{ApprovalType: domain.Approval(domain.ApprovalFull), ApprovedDate: domain.String("2026-10-01")}, domain.RoleRep)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if dec.Advanced || dec.Patch.Status != nil {
		t.Fatalf("approved is admin-only; status must stay: %+v", dec)
	}
	if dec.Patch.ApprovedDate == nil {
		t.Fatalf("fields should still be saved")
	}
	if len(dec.Effects) != 1 || dec.Effects[0].Type != workflow.EffectAwaitingAdmin {
		t.Fatalf("effects = %+v", dec.Effects)
	}
}

func TestMaterialsGate(t *testing.T) {
	step := mustStep(t, domain.StatusDeductibleCollected)
	d := domain.Deal{Status: domain.StatusDeductibleCollected, MaterialCategory: domain.String("standing_seam_metal"), MaterialColor: domain.String("charcoal")}
	if workflow.IsStageSatisfied(d, step) {
		t.Fatalf("metal category needs a subtype")
	}
	d.MaterialSubtype = domain.String("24 gauge")
	if !workflow.IsStageSatisfied(d, step) {
		t.Fatalf("metal with subtype should pass: %+v", workflow.Missing(d, step))
	}
	d = domain.Deal{Status: domain.StatusDeductibleCollected, MaterialCategory: domain.String("shingle")}
	if workflow.IsStageSatisfied(d, step) {
		t.Fatalf("shingle needs a color")
	}
	d.MaterialColor = domain.String("  ")
	if workflow.IsStageSatisfied(d, step) {
		t.Fatalf("blank color must not satisfy")
	}
	d.MaterialColor = domain.String("weathered wood")
	if !workflow.IsStageSatisfied(d, step) {
		t.Fatalf("shingle with color should pass")
	}
}

func TestSignatureAcceptsUploadedDocument(t *testing.T) {
	step := mustStep(t, domain.StatusInspectionScheduled)
	d := domain.Deal{
		Status:           domain.StatusInspectionScheduled,
		InsuranceCompany: domain.String("Acme Mutual"),
		PolicyNumber:     domain.String("P-1"),
		ClaimNumber:      domain.String("C-1"),
		DateOfLoss:       domain.String("2026-09-30"),
	}
	if workflow.IsStageSatisfied(d, step) {
		t.Fatalf("agreement signature missing")
	}
	signed := d.Clone()
	signed.ContractSigned = true
	uploaded := d.Clone()
	uploaded.InsuranceAgreementKey = domain.String("files/agreement.pdf")
	if !workflow.IsStageSatisfied(signed, step) || !workflow.IsStageSatisfied(uploaded, step) {
		t.Fatalf("either signing path should satisfy the gate")
	}
}

func TestMonotonicProgression(t *testing.T) {
	d := domain.Deal{ID: "d1", Status: domain.StatusLead}
	patches := []domain.Patch{
		{InsuranceCompany: domain.String("Acme")},
		{PolicyNumber: domain.String("P"), ClaimNumber: domain.String("C")},
		{DateOfLoss: domain.String("2026-09-01"), ContractSigned: domain.Bool(true)},
		{RCV: domain.Float(10000), ACV: domain.Float(8000)},
		{Deductible: domain.Float(500), Depreciation: domain.Float(2000), LostStatementKey: domain.String("k")},
		{AdjusterNotAssigned: domain.Bool(true)},
		{Status: domain.StatusPtr(domain.StatusLead)},
		{ApprovalType: domain.Approval(domain.ApprovalPartial), ApprovedDate: domain.String("2026-10-01")},
		{HomeownerPhone: domain.String("555")},
	}
	d = workflow.Signal(d, workflow.UploadInspectionPhotos).Deal
	last := d.Status.Ordinal()
	var seen []domain.Status
	for i, p := range patches {
		dec, err := workflow.Decide(d, p, domain.RoleRep)
		if err != nil {
			t.Fatalf("patch %d: %v", i, err)
		}
		if !dec.Noop {
			d = dec.Deal
		}
		if d.Status.Ordinal() < last {
			t.Fatalf("patch %d lowered status to %s", i, d.Status)
		}
		last = d.Status.Ordinal()
		seen = append(seen, d.Status)
	}
	for _, s := range seen {
		if s == domain.StatusAdjusterMet {
			t.Fatalf("adjuster_met entered despite no adjuster")
		}
	}
	if d.Status != domain.StatusAwaitingApproval {
		t.Fatalf("final status = %s", d.Status)
	}
}

func TestAdminTransitions(t *testing.T) {
	d := domain.Deal{ID: "d1", Status: domain.StatusAwaitingApproval}
	if _, err := workflow.AdminTransition(d, workflow.ActionApprove, workflow.AdminOptions{}); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("approve without approval fields should be blocked, got %v", err)
	}
	d.ApprovalType = domain.Approval(domain.ApprovalFull)
	d.ApprovedDate = domain.String("2026-10-01")
	dec, err := workflow.AdminTransition(d, workflow.ActionApprove, workflow.AdminOptions{})
	if err != nil || dec.To != domain.StatusApproved {
		t.Fatalf("approve: %+v %v", dec, err)
	}
	if _, err := workflow.AdminTransition(dec.Deal, workflow.ActionSendInvoice, workflow.AdminOptions{}); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("send_invoice from approved should fail, got %v", err)
	}

	m := domain.Deal{ID: "d2", Status: domain.StatusMaterialsSelected, PermitKey: domain.String("permit")}
	if _, err := workflow.AdminTransition(m, workflow.ActionScheduleInstall, workflow.AdminOptions{InstallDate: "next week"}); err == nil {
		t.Fatalf("bad install date accepted")
	}
	dec, err = workflow.AdminTransition(m, workflow.ActionScheduleInstall, workflow.AdminOptions{InstallDate: "2026-11-02"})
	if err != nil || dec.Deal.Status != domain.StatusInstallScheduled || domain.Value(dec.Patch.InstallDate) != "2026-11-02" {
		t.Fatalf("schedule_install: %+v %v", dec, err)
	}

	c := domain.Deal{ID: "d3", Status: domain.StatusComplete}
	dec, err = workflow.AdminTransition(c, workflow.ActionPayCommission, workflow.AdminOptions{})
	if err != nil || dec.To != domain.StatusPaid || !dec.Deal.CommissionPaid {
		t.Fatalf("pay_commission: %+v %v", dec, err)
	}
}

func TestOverride(t *testing.T) {
	d := domain.Deal{ID: "d1", Status: domain.StatusApproved}
	if _, err := workflow.AdminTransition(d, workflow.ActionOverride, workflow.AdminOptions{Status: domain.StatusClaimFiled}); err == nil {
		t.Fatalf("override without reason accepted")
	}
	dec, err := workflow.AdminTransition(d, workflow.ActionOverride, workflow.AdminOptions{Status: domain.StatusClaimFiled, Reason: "supplement"})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if dec.To != domain.StatusClaimFiled || dec.Advanced || dec.Effects[0].Type != workflow.EffectStatusOverride {
		t.Fatalf("override decision = %+v", dec)
	}
}

func TestAwaitingAdmin(t *testing.T) {
	d := domain.Deal{Status: domain.StatusAwaitingApproval, ApprovalType: domain.Approval(domain.ApprovalFull)}
	if _, ok := workflow.AwaitingAdmin(d); ok {
		t.Fatalf("approval date still missing")
	}
	d.ApprovedDate = domain.String("2026-10-01")
	if next, ok := workflow.AwaitingAdmin(d); !ok || next != domain.StatusApproved {
		t.Fatalf("awaiting = %s %v", next, ok)
	}
	if next, ok := workflow.AwaitingAdmin(domain.Deal{Status: domain.StatusCompletionSigned}); !ok || next != domain.StatusInvoiceSent {
		t.Fatalf("completion signed awaits invoice: %s %v", next, ok)
	}
	if _, ok := workflow.AwaitingAdmin(domain.Deal{Status: domain.StatusLead}); ok {
		t.Fatalf("lead never waits on an admin")
	}
	if _, ok := workflow.AwaitingAdmin(domain.Deal{Status: domain.StatusPaid}); ok {
		t.Fatalf("paid is terminal")
	}
}
