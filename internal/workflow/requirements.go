package workflow

import (
	"strings"

	"dealflow/internal/domain"
)

type Kind string

const (
	KindText       Kind = "text"
	KindDate       Kind = "date"
	KindNumber     Kind = "number"
	KindChoice     Kind = "choice"
	KindDocument   Kind = "document"
	KindSignature  Kind = "signature"
	KindFlag       Kind = "flag"
	KindFinancials Kind = "financials"
)

// Requirement is one gate condition bound to a typed deal accessor.
type Requirement struct {
	Field domain.Field `json:"field"`
	Label string       `json:"label"`
	Kind  Kind         `json:"type"`

	check func(domain.Deal) bool
	when  func(domain.Deal) bool
}

// Applies reports whether the requirement is in force for d.
func (r Requirement) Applies(d domain.Deal) bool {
	return r.when == nil || r.when(d)
}

// Satisfied reports whether d meets the requirement. Waived requirements are satisfied.
func (r Requirement) Satisfied(d domain.Deal) bool {
	if !r.Applies(d) {
		return true
	}
	return r.check(d)
}

func text(f domain.Field, label string, get func(domain.Deal) *string) Requirement {
	return Requirement{Field: f, Label: label, Kind: KindText, check: func(d domain.Deal) bool { return domain.Present(get(d)) }}
}

func date(f domain.Field, label string, get func(domain.Deal) *string) Requirement {
	r := text(f, label, get)
	r.Kind = KindDate
	return r
}

func document(f domain.Field, label string, get func(domain.Deal) *string) Requirement {
	r := text(f, label, get)
	r.Kind = KindDocument
	return r
}

func flag(f domain.Field, label string, get func(domain.Deal) bool) Requirement {
	return Requirement{Field: f, Label: label, Kind: KindFlag, check: get}
}

// signature is satisfied by the in-app signing flag or by a manually uploaded document.
func signature(f domain.Field, label string, signed func(domain.Deal) bool, doc func(domain.Deal) *string) Requirement {
	return Requirement{Field: f, Label: label, Kind: KindSignature, check: func(d domain.Deal) bool {
		return signed(d) || domain.Present(doc(d))
	}}
}

// financials is the all-or-nothing rcv/acv/deductible/depreciation group.
func financials() Requirement {
	return Requirement{Field: domain.FieldRCV, Label: "Claim financials (RCV, ACV, deductible, depreciation)", Kind: KindFinancials, check: func(d domain.Deal) bool {
		return d.RCV != nil && d.ACV != nil && d.Deductible != nil && d.Depreciation != nil
	}}
}

func (r Requirement) onlyWhen(cond func(domain.Deal) bool) Requirement {
	r.when = cond
	return r
}

func adjusterAssigned(d domain.Deal) bool { return !d.AdjusterNotAssigned }

// IsMetal reports whether a material category needs a metal subtype.
func IsMetal(category string) bool {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case "metal", "standing_seam_metal", "stone_coated_metal":
		return true
	}
	return false
}

func metalCategory(d domain.Deal) bool { return IsMetal(domain.Value(d.MaterialCategory)) }

func nonMetalCategory(d domain.Deal) bool { return !metalCategory(d) }

// IsStageSatisfied reports whether every requirement of step holds for the merged view d.
// Steps without requirements are trivially satisfied.
func IsStageSatisfied(d domain.Deal, step StepDefinition) bool {
	for _, r := range step.Requirements {
		if !r.Satisfied(d) {
			return false
		}
	}
	return true
}

// Missing lists the unmet requirements of step for d.
func Missing(d domain.Deal, step StepDefinition) []Requirement {
	var out []Requirement
	for _, r := range step.Requirements {
		if !r.Satisfied(d) {
			out = append(out, r)
		}
	}
	return out
}

// Active lists the requirements of step that are in force for d.
func Active(d domain.Deal, step StepDefinition) []Requirement {
	var out []Requirement
	for _, r := range step.Requirements {
		if r.Applies(d) {
			out = append(out, r)
		}
	}
	return out
}
