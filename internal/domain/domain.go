package domain

import (
	"fmt"
	"strings"
)

// DateLayout is the wire format for every date-only field on a deal.
const DateLayout = "2006-01-02"

// NotAssignedLabel is shown in place of adjuster details that were waived.
const NotAssignedLabel = "N/A"

type Status string

const (
	StatusLead                  Status = "lead"
	StatusInspectionScheduled   Status = "inspection_scheduled"
	StatusClaimFiled            Status = "claim_filed"
	StatusAdjusterMet           Status = "adjuster_met"
	StatusAwaitingApproval      Status = "awaiting_approval"
	StatusApproved              Status = "approved"
	StatusACVCollected          Status = "acv_collected"
	StatusDeductibleCollected   Status = "deductible_collected"
	StatusMaterialsSelected     Status = "materials_selected"
	StatusInstallScheduled      Status = "install_scheduled"
	StatusInstalled             Status = "installed"
	StatusCompletionSigned      Status = "completion_signed"
	StatusInvoiceSent           Status = "invoice_sent"
	StatusDepreciationCollected Status = "depreciation_collected"
	StatusComplete              Status = "complete"
	StatusPaid                  Status = "paid"
)

// Statuses lists every stage in pipeline order.
var Statuses = []Status{
	StatusLead,
	StatusInspectionScheduled,
	StatusClaimFiled,
	StatusAdjusterMet,
	StatusAwaitingApproval,
	StatusApproved,
	StatusACVCollected,
	StatusDeductibleCollected,
	StatusMaterialsSelected,
	StatusInstallScheduled,
	StatusInstalled,
	StatusCompletionSigned,
	StatusInvoiceSent,
	StatusDepreciationCollected,
	StatusComplete,
	StatusPaid,
}

// Ordinal returns the 1-based pipeline position, or 0 for unknown values.
func (s Status) Ordinal() int {
	for i, st := range Statuses {
		if st == s {
			return i + 1
		}
	}
	return 0
}

func (s Status) Valid() bool { return s.Ordinal() > 0 }

// ParseStatus accepts the exact wire literal only; there are no synonyms.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid status %q", s)
	}
	return st, nil
}

type ApprovalType string

const (
	ApprovalFull             ApprovalType = "full"
	ApprovalPartial          ApprovalType = "partial"
	ApprovalSupplementNeeded ApprovalType = "supplement_needed"
	ApprovalSale             ApprovalType = "sale"
)

func ParseApprovalType(s string) (ApprovalType, error) {
	switch ApprovalType(s) {
	case ApprovalFull, ApprovalPartial, ApprovalSupplementNeeded, ApprovalSale:
		return ApprovalType(s), nil
	}
	return "", fmt.Errorf("invalid approval type %q", s)
}

type Role string

const (
	RoleRep   Role = "rep"
	RoleAdmin Role = "admin"
)

type Tier string

const (
	TierJunior  Tier = "junior"
	TierSenior  Tier = "senior"
	TierManager Tier = "manager"
)

// Rep is a field sales representative. CommissionPercent, when set, beats the tier default.
type Rep struct {
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	Tier              Tier     `json:"tier" yaml:"tier"`
	CommissionPercent *float64 `json:"commission_percent,omitempty" yaml:"commission_percent,omitempty"`
}

// CommissionRecord is the denormalized commission row kept by the backend.
type CommissionRecord struct {
	CommissionPercent float64 `json:"commission_percent"`
	CommissionAmount  float64 `json:"commission_amount"`
	Paid              bool    `json:"paid"`
}

// Deal is the aggregate root carried through the pipeline.
type Deal struct {
	ID     string `json:"id"`
	PinID  string `json:"pin_id,omitempty"`
	RepID  string `json:"rep_id,omitempty"`
	Status Status `json:"status"`

	HomeownerName  *string `json:"homeowner_name,omitempty"`
	HomeownerPhone *string `json:"homeowner_phone,omitempty"`
	HomeownerEmail *string `json:"homeowner_email,omitempty"`
	Address        *string `json:"address,omitempty"`
	City           *string `json:"city,omitempty"`
	State          *string `json:"state,omitempty"`
	Zip            *string `json:"zip,omitempty"`

	InsuranceCompany    *string `json:"insurance_company,omitempty"`
	PolicyNumber        *string `json:"policy_number,omitempty"`
	ClaimNumber         *string `json:"claim_number,omitempty"`
	DateOfLoss          *string `json:"date_of_loss,omitempty"`
	AdjusterName        *string `json:"adjuster_name,omitempty"`
	AdjusterPhone       *string `json:"adjuster_phone,omitempty"`
	AdjusterMeetingDate *string `json:"adjuster_meeting_date,omitempty"`
	AdjusterNotAssigned bool    `json:"adjuster_not_assigned"`

	RCV          *float64 `json:"rcv,omitempty"`
	ACV          *float64 `json:"acv,omitempty"`
	Deductible   *float64 `json:"deductible,omitempty"`
	Depreciation *float64 `json:"depreciation,omitempty"`

	ApprovalType *ApprovalType `json:"approval_type,omitempty"`
	ApprovedDate *string       `json:"approved_date,omitempty"`

	MaterialCategory *string `json:"material_category,omitempty"`
	MaterialSubtype  *string `json:"material_subtype,omitempty"`
	MaterialColor    *string `json:"material_color,omitempty"`
	TrimColor        *string `json:"trim_color,omitempty"`

	LostStatementKey       *string `json:"lost_statement_key,omitempty"`
	InsuranceAgreementKey  *string `json:"insurance_agreement_key,omitempty"`
	ACVReceiptKey          *string `json:"acv_receipt_key,omitempty"`
	DeductibleReceiptKey   *string `json:"deductible_receipt_key,omitempty"`
	DepreciationReceiptKey *string `json:"depreciation_receipt_key,omitempty"`
	PermitKey              *string `json:"permit_key,omitempty"`
	CompletionFormKey      *string `json:"completion_form_key,omitempty"`
	OwnerSignatureKey      *string `json:"owner_signature_key,omitempty"`
	RepSignatureKey        *string `json:"rep_signature_key,omitempty"`

	ContractSigned       bool    `json:"contract_signed"`
	SignedDate           *string `json:"signed_date,omitempty"`
	CompletionSignedDate *string `json:"completion_signed_date,omitempty"`
	CrewLeadName         *string `json:"crew_lead_name,omitempty"`
	WalkthroughType      *string `json:"walkthrough_type,omitempty"`

	CommissionOverrideAmount *float64          `json:"commission_override_amount,omitempty"`
	CommissionOverrideReason *string           `json:"commission_override_reason,omitempty"`
	DealCommissions          []CommissionRecord `json:"deal_commissions,omitempty"`

	PaymentRequested bool    `json:"payment_requested"`
	CommissionPaid   bool    `json:"commission_paid"`
	InstallDate      *string `json:"install_date,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Clone returns a copy that shares no slices with d.
func (d Deal) Clone() Deal {
	out := d
	if d.DealCommissions != nil {
		out.DealCommissions = append([]CommissionRecord(nil), d.DealCommissions...)
	}
	return out
}

// FinancialsLocked reports whether approval has frozen rcv/acv/deductible/depreciation.
func (d Deal) FinancialsLocked() bool {
	return Present(d.ApprovedDate)
}

// Commission returns the first persisted commission record, if any.
func (d Deal) Commission() (CommissionRecord, bool) {
	if len(d.DealCommissions) == 0 {
		return CommissionRecord{}, false
	}
	return d.DealCommissions[0], true
}

// AdjusterPhoneLabel is the display value for the adjuster phone.
func (d Deal) AdjusterPhoneLabel() string {
	if d.AdjusterNotAssigned {
		return NotAssignedLabel
	}
	return Value(d.AdjusterPhone)
}

// AdjusterMeetingLabel is the display value for the adjuster meeting date.
func (d Deal) AdjusterMeetingLabel() string {
	if d.AdjusterNotAssigned {
		return NotAssignedLabel
	}
	return Value(d.AdjusterMeetingDate)
}

// Event is one audit log entry.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	DealID  string `json:"deal_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// Present reports whether an optional text value is non-empty.
func Present(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

func Value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func String(s string) *string { return &s }

func Float(f float64) *float64 { return &f }

func Bool(b bool) *bool { return &b }

func StatusPtr(s Status) *Status { return &s }

func Approval(a ApprovalType) *ApprovalType { return &a }

// DealFilter narrows a deal listing. Zero values match everything.
type DealFilter struct {
	Status          Status
	RepID           string
	Limit           int
	CursorUpdatedAt string
	CursorID        string
}
