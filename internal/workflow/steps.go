package workflow

import (
	"fmt"

	"dealflow/internal/domain"
)

// Upload names a photo category whose arrival moves a stage without form requirements.
type Upload string

const (
	UploadInspectionPhotos Upload = "inspection_photos"
	UploadAdjusterPhotos   Upload = "adjuster_photos"
	UploadInstallPhotos    Upload = "install_photos"
)

func ParseUpload(s string) (Upload, error) {
	switch Upload(s) {
	case UploadInspectionPhotos, UploadAdjusterPhotos, UploadInstallPhotos:
		return Upload(s), nil
	}
	return "", fmt.Errorf("invalid upload category %q", s)
}

// StepDefinition is one row of the fixed pipeline table.
// Requirements gate leaving the stage; AdminOnly means entering it is an admin action.
type StepDefinition struct {
	Status       domain.Status `json:"status"`
	Position     int           `json:"position"`
	Label        string        `json:"label"`
	Requirements []Requirement `json:"required_fields"`
	AdminOnly    bool          `json:"admin_only"`
	AdvanceOn    Upload        `json:"advance_on,omitempty"`
}

var steps = []StepDefinition{
	{
		Status:    domain.StatusLead,
		Label:     "Lead",
		AdvanceOn: UploadInspectionPhotos,
	},
	{
		Status: domain.StatusInspectionScheduled,
		Label:  "Inspection Scheduled",
		Requirements: []Requirement{
			text(domain.FieldInsuranceCompany, "Insurance company", func(d domain.Deal) *string { return d.InsuranceCompany }),
			text(domain.FieldPolicyNumber, "Policy number", func(d domain.Deal) *string { return d.PolicyNumber }),
			text(domain.FieldClaimNumber, "Claim number", func(d domain.Deal) *string { return d.ClaimNumber }),
			date(domain.FieldDateOfLoss, "Date of loss", func(d domain.Deal) *string { return d.DateOfLoss }),
			signature(domain.FieldInsuranceAgreementKey, "Insurance agreement",
				func(d domain.Deal) bool { return d.ContractSigned },
				func(d domain.Deal) *string { return d.InsuranceAgreementKey }),
		},
	},
	{
		Status: domain.StatusClaimFiled,
		Label:  "Claim Filed",
		Requirements: []Requirement{
			financials(),
			document(domain.FieldLostStatementKey, "Lost statement", func(d domain.Deal) *string { return d.LostStatementKey }),
			text(domain.FieldAdjusterPhone, "Adjuster phone", func(d domain.Deal) *string { return d.AdjusterPhone }).onlyWhen(adjusterAssigned),
			date(domain.FieldAdjusterMeetingDate, "Adjuster meeting date", func(d domain.Deal) *string { return d.AdjusterMeetingDate }).onlyWhen(adjusterAssigned),
		},
	},
	{
		Status:    domain.StatusAdjusterMet,
		Label:     "Adjuster Met",
		AdvanceOn: UploadAdjusterPhotos,
	},
	{
		Status: domain.StatusAwaitingApproval,
		Label:  "Awaiting Approval",
		Requirements: []Requirement{
			{Field: domain.FieldApprovalType, Label: "Approval type", Kind: KindChoice, check: func(d domain.Deal) bool {
				return d.ApprovalType != nil && *d.ApprovalType != ""
			}},
			date(domain.FieldApprovedDate, "Approved date", func(d domain.Deal) *string { return d.ApprovedDate }),
		},
	},
	{
		Status:    domain.StatusApproved,
		Label:     "Approved",
		AdminOnly: true,
		Requirements: []Requirement{
			document(domain.FieldACVReceiptKey, "ACV receipt", func(d domain.Deal) *string { return d.ACVReceiptKey }),
		},
	},
	{
		Status: domain.StatusACVCollected,
		Label:  "ACV Collected",
		Requirements: []Requirement{
			document(domain.FieldDeductibleReceiptKey, "Deductible receipt", func(d domain.Deal) *string { return d.DeductibleReceiptKey }),
		},
	},
	{
		Status: domain.StatusDeductibleCollected,
		Label:  "Deductible Collected",
		Requirements: []Requirement{
			text(domain.FieldMaterialCategory, "Material category", func(d domain.Deal) *string { return d.MaterialCategory }),
			text(domain.FieldMaterialSubtype, "Metal type", func(d domain.Deal) *string { return d.MaterialSubtype }).onlyWhen(metalCategory),
			text(domain.FieldMaterialColor, "Material color", func(d domain.Deal) *string { return d.MaterialColor }).onlyWhen(nonMetalCategory),
		},
	},
	{
		Status: domain.StatusMaterialsSelected,
		Label:  "Materials Selected",
		Requirements: []Requirement{
			document(domain.FieldPermitKey, "Permit", func(d domain.Deal) *string { return d.PermitKey }),
		},
	},
	{
		Status:    domain.StatusInstallScheduled,
		Label:     "Install Scheduled",
		AdminOnly: true,
		AdvanceOn: UploadInstallPhotos,
	},
	{
		Status: domain.StatusInstalled,
		Label:  "Installed",
		Requirements: []Requirement{
			signature(domain.FieldCompletionFormKey, "Completion form",
				func(d domain.Deal) bool { return domain.Present(d.CompletionSignedDate) },
				func(d domain.Deal) *string { return d.CompletionFormKey }),
		},
	},
	{
		Status: domain.StatusCompletionSigned,
		Label:  "Completion Signed",
	},
	{
		Status:    domain.StatusInvoiceSent,
		Label:     "Invoice Sent",
		AdminOnly: true,
		Requirements: []Requirement{
			document(domain.FieldDepreciationReceiptKey, "Depreciation receipt", func(d domain.Deal) *string { return d.DepreciationReceiptKey }),
		},
	},
	{
		Status: domain.StatusDepreciationCollected,
		Label:  "Depreciation Collected",
		Requirements: []Requirement{
			flag(domain.FieldPaymentRequested, "Payment requested", func(d domain.Deal) bool { return d.PaymentRequested }),
		},
	},
	{
		Status:    domain.StatusComplete,
		Label:     "Complete",
		AdminOnly: true,
	},
	{
		Status:    domain.StatusPaid,
		Label:     "Paid",
		AdminOnly: true,
	},
}

func init() {
	if len(steps) != len(domain.Statuses) {
		panic("workflow: stage table does not cover every status")
	}
	for i := range steps {
		if steps[i].Status != domain.Statuses[i] {
			panic(fmt.Sprintf("workflow: stage %d is %s, want %s", i+1, steps[i].Status, domain.Statuses[i]))
		}
		steps[i].Position = i + 1
	}
}

// Steps returns a copy of the pipeline table in order.
func Steps() []StepDefinition {
	return append([]StepDefinition(nil), steps...)
}

// Step looks up the definition for s.
func Step(s domain.Status) (StepDefinition, bool) {
	p := s.Ordinal()
	if p == 0 {
		return StepDefinition{}, false
	}
	return steps[p-1], true
}

func Position(s domain.Status) int { return s.Ordinal() }

// Next returns the stage that follows the deal's current one, applying the adjuster skip.
// ok is false at the end of the pipeline.
func Next(d domain.Deal) (domain.Status, bool) {
	p := d.Status.Ordinal()
	if p == 0 || p >= len(steps) {
		return "", false
	}
	next := steps[p].Status
	if next == domain.StatusAdjusterMet && d.AdjusterNotAssigned {
		next = domain.StatusAwaitingApproval
	}
	return next, true
}
