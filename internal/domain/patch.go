package domain

import (
	"fmt"
	"reflect"
	"strings"
)

// Field names a writable deal property by its wire name.
type Field string

const (
	FieldStatus                   Field = "status"
	FieldHomeownerName            Field = "homeowner_name"
	FieldHomeownerPhone           Field = "homeowner_phone"
	FieldHomeownerEmail           Field = "homeowner_email"
	FieldAddress                  Field = "address"
	FieldCity                     Field = "city"
	FieldState                    Field = "state"
	FieldZip                      Field = "zip"
	FieldInsuranceCompany         Field = "insurance_company"
	FieldPolicyNumber             Field = "policy_number"
	FieldClaimNumber              Field = "claim_number"
	FieldDateOfLoss               Field = "date_of_loss"
	FieldAdjusterName             Field = "adjuster_name"
	FieldAdjusterPhone            Field = "adjuster_phone"
	FieldAdjusterMeetingDate      Field = "adjuster_meeting_date"
	FieldAdjusterNotAssigned      Field = "adjuster_not_assigned"
	FieldRCV                      Field = "rcv"
	FieldACV                      Field = "acv"
	FieldDeductible               Field = "deductible"
	FieldDepreciation             Field = "depreciation"
	FieldApprovalType             Field = "approval_type"
	FieldApprovedDate             Field = "approved_date"
	FieldMaterialCategory         Field = "material_category"
	FieldMaterialSubtype          Field = "material_subtype"
	FieldMaterialColor            Field = "material_color"
	FieldTrimColor                Field = "trim_color"
	FieldLostStatementKey         Field = "lost_statement_key"
	FieldInsuranceAgreementKey    Field = "insurance_agreement_key"
	FieldACVReceiptKey            Field = "acv_receipt_key"
	FieldDeductibleReceiptKey     Field = "deductible_receipt_key"
	FieldDepreciationReceiptKey   Field = "depreciation_receipt_key"
	FieldPermitKey                Field = "permit_key"
	FieldCompletionFormKey        Field = "completion_form_key"
	FieldOwnerSignatureKey        Field = "owner_signature_key"
	FieldRepSignatureKey          Field = "rep_signature_key"
	FieldContractSigned           Field = "contract_signed"
	FieldSignedDate               Field = "signed_date"
	FieldCompletionSignedDate     Field = "completion_signed_date"
	FieldCrewLeadName             Field = "crew_lead_name"
	FieldWalkthroughType          Field = "walkthrough_type"
	FieldCommissionOverrideAmount Field = "commission_override_amount"
	FieldCommissionOverrideReason Field = "commission_override_reason"
	FieldPaymentRequested         Field = "payment_requested"
	FieldCommissionPaid           Field = "commission_paid"
	FieldInstallDate              Field = "install_date"
)

// FinancialFields are the claim numbers that are required and locked together.
var FinancialFields = []Field{FieldRCV, FieldACV, FieldDeductible, FieldDepreciation}

// DocumentFields hold keys of documents a rep attaches directly.
var DocumentFields = []Field{
	FieldLostStatementKey,
	FieldInsuranceAgreementKey,
	FieldACVReceiptKey,
	FieldDeductibleReceiptKey,
	FieldDepreciationReceiptKey,
	FieldPermitKey,
	FieldCompletionFormKey,
}

func IsDocumentField(f Field) bool {
	for _, d := range DocumentFields {
		if d == f {
			return true
		}
	}
	return false
}

// Patch is a partial deal update. Nil pointers are untouched; Clear nulls fields.
// Go field names mirror Deal so Apply can layer a patch onto a snapshot.
type Patch struct {
	Status *Status `json:"status,omitempty"`

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
	AdjusterNotAssigned *bool   `json:"adjuster_not_assigned,omitempty"`

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

	ContractSigned       *bool   `json:"contract_signed,omitempty"`
	SignedDate           *string `json:"signed_date,omitempty"`
	CompletionSignedDate *string `json:"completion_signed_date,omitempty"`
	CrewLeadName         *string `json:"crew_lead_name,omitempty"`
	WalkthroughType      *string `json:"walkthrough_type,omitempty"`

	CommissionOverrideAmount *float64 `json:"commission_override_amount,omitempty"`
	CommissionOverrideReason *string  `json:"commission_override_reason,omitempty"`

	PaymentRequested *bool   `json:"payment_requested,omitempty"`
	CommissionPaid   *bool   `json:"commission_paid,omitempty"`
	InstallDate      *string `json:"install_date,omitempty"`

	Clear []Field `json:"clear,omitempty"`
}

type patchField struct {
	key   Field
	index int
	name  string
	typ   reflect.Type
}

var (
	patchFields  []patchField
	patchByField = map[Field]patchField{}
)

func init() {
	pt := reflect.TypeOf(Patch{})
	dt := reflect.TypeOf(Deal{})
	for i := 0; i < pt.NumField(); i++ {
		sf := pt.Field(i)
		if sf.Name == "Clear" {
			continue
		}
		tag := strings.Split(sf.Tag.Get("json"), ",")[0]
		df, ok := dt.FieldByName(sf.Name)
		if !ok {
			panic(fmt.Sprintf("domain: patch field %s has no deal counterpart", sf.Name))
		}
		if df.Type != sf.Type && df.Type != sf.Type.Elem() {
			panic(fmt.Sprintf("domain: patch field %s type mismatch", sf.Name))
		}
		pf := patchField{key: Field(tag), index: i, name: sf.Name, typ: sf.Type}
		patchFields = append(patchFields, pf)
		patchByField[pf.key] = pf
	}
}

// KnownField reports whether f names a writable deal property.
func KnownField(f Field) bool {
	_, ok := patchByField[f]
	return ok
}

// Fields lists every field the patch sets or clears, in declaration order.
func (p Patch) Fields() []Field {
	v := reflect.ValueOf(p)
	var out []Field
	for _, pf := range patchFields {
		if !v.Field(pf.index).IsNil() || p.clears(pf.key) {
			out = append(out, pf.key)
		}
	}
	return out
}

// Has reports whether the patch sets or clears f.
func (p Patch) Has(f Field) bool {
	pf, ok := patchByField[f]
	if !ok {
		return false
	}
	return !reflect.ValueOf(p).Field(pf.index).IsNil() || p.clears(f)
}

func (p Patch) IsEmpty() bool { return len(p.Fields()) == 0 }

func (p Patch) clears(f Field) bool {
	for _, c := range p.Clear {
		if c == f {
			return true
		}
	}
	return false
}

// Without returns a copy of p with the given fields neither set nor cleared.
func (p Patch) Without(fields ...Field) Patch {
	out := p
	out.Clear = nil
	v := reflect.ValueOf(&out).Elem()
	drop := map[Field]bool{}
	for _, f := range fields {
		drop[f] = true
		if pf, ok := patchByField[f]; ok {
			fv := v.Field(pf.index)
			fv.Set(reflect.Zero(fv.Type()))
		}
	}
	for _, c := range p.Clear {
		if !drop[c] {
			out.Clear = append(out.Clear, c)
		}
	}
	return out
}

// Only returns a copy of p restricted to the given fields.
func (p Patch) Only(fields ...Field) Patch {
	keep := map[Field]bool{}
	for _, f := range fields {
		keep[f] = true
	}
	var drop []Field
	for _, f := range p.Fields() {
		if !keep[f] {
			drop = append(drop, f)
		}
	}
	return p.Without(drop...)
}

// Merge layers later on top of p; the later value wins per field.
func (p Patch) Merge(later Patch) Patch {
	out := p.Without(later.Fields()...)
	ov := reflect.ValueOf(&out).Elem()
	lv := reflect.ValueOf(later)
	for _, pf := range patchFields {
		if f := lv.Field(pf.index); !f.IsNil() {
			ov.Field(pf.index).Set(f)
		}
	}
	out.Clear = append(out.Clear, later.Clear...)
	return out
}

// Set stores the value of f taken from the snapshot d. Zero values become clears.
func (p *Patch) Set(f Field, d Deal) {
	pf, ok := patchByField[f]
	if !ok {
		return
	}
	*p = p.Without(f)
	src := reflect.ValueOf(d).FieldByName(pf.name)
	dst := reflect.ValueOf(p).Elem().Field(pf.index)
	if src.Kind() == reflect.Pointer {
		if src.IsNil() {
			p.Clear = append(p.Clear, f)
			return
		}
		dst.Set(src)
		return
	}
	cp := reflect.New(src.Type())
	cp.Elem().Set(src)
	dst.Set(cp)
}

// SetText stores v for a string-valued field.
func (p *Patch) SetText(f Field, v string) error {
	pf, ok := patchByField[f]
	if !ok {
		return fmt.Errorf("unknown field %q", f)
	}
	if pf.typ != reflect.TypeOf((*string)(nil)) {
		return fmt.Errorf("field %s is not text", f)
	}
	*p = p.Without(f)
	reflect.ValueOf(p).Elem().Field(pf.index).Set(reflect.ValueOf(&v))
	return nil
}

// Apply returns the merged view of a persisted snapshot with a pending patch.
func Apply(d Deal, p Patch) Deal {
	out := d.Clone()
	dv := reflect.ValueOf(&out).Elem()
	pv := reflect.ValueOf(p)
	for _, c := range p.Clear {
		pf, ok := patchByField[c]
		if !ok {
			continue
		}
		t := dv.FieldByName(pf.name)
		t.Set(reflect.Zero(t.Type()))
	}
	for _, pf := range patchFields {
		src := pv.Field(pf.index)
		if src.IsNil() {
			continue
		}
		t := dv.FieldByName(pf.name)
		if t.Kind() == reflect.Pointer {
			cp := reflect.New(src.Elem().Type())
			cp.Elem().Set(src.Elem())
			t.Set(cp)
			continue
		}
		t.Set(src.Elem())
	}
	return out
}
