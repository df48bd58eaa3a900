// Package finance holds the claim and commission formulas. Every function is pure;
// money is carried as float64 and only rounded by Money at display time.
package finance

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"dealflow/internal/domain"
)

const (
	SalesTaxRate = 0.0825
	// ConsistencyTolerance is how far rcv may drift from acv+depreciation before a reminder shows.
	ConsistencyTolerance = 0.01
)

// TierPercent holds the fallback commission percentage per seniority tier.
var TierPercent = map[domain.Tier]float64{
	domain.TierJunior:  5,
	domain.TierSenior:  10,
	domain.TierManager: 13,
}

func SalesTax(rcv float64) float64 {
	return rcv * SalesTaxRate
}

// BaseAmount is the commissionable amount: rcv less sales tax.
func BaseAmount(rcv float64) float64 {
	return rcv - SalesTax(rcv)
}

// CommissionPercent picks the explicit per-rep percentage over the tier default.
func CommissionPercent(repOverride *float64, tier domain.Tier) float64 {
	if repOverride != nil {
		return *repOverride
	}
	if p, ok := TierPercent[tier]; ok {
		return p
	}
	return 0
}

type Source string

const (
	SourceAdminOverride Source = "admin_override"
	SourceStored        Source = "stored"
	SourceComputed      Source = "computed"
)

// CommissionInput is everything the commission amount can be derived from.
type CommissionInput struct {
	RCV            float64
	Percent        float64
	OverrideAmount *float64
	OverrideReason string
	StoredAmount   *float64
}

type Commission struct {
	Amount  float64 `json:"amount"`
	Percent float64 `json:"percent"`
	Source  Source  `json:"source"`
	Reason  string  `json:"reason,omitempty"`
}

// CommissionAmount applies admin override, then stored record, then a fresh computation.
func CommissionAmount(in CommissionInput) Commission {
	switch {
	case in.OverrideAmount != nil:
		return Commission{Amount: *in.OverrideAmount, Percent: in.Percent, Source: SourceAdminOverride, Reason: in.OverrideReason}
	case in.StoredAmount != nil:
		return Commission{Amount: *in.StoredAmount, Percent: in.Percent, Source: SourceStored}
	default:
		return Commission{Amount: BaseAmount(in.RCV) * in.Percent / 100, Percent: in.Percent, Source: SourceComputed}
	}
}

// FirstCheck is what the homeowner owes from the first insurance check.
func FirstCheck(acv, deductible float64) float64 {
	return acv - deductible
}

// SecondCheck is the released depreciation.
func SecondCheck(depreciation float64) float64 {
	return depreciation
}

// RCVConsistent reports whether rcv matches acv+depreciation within tolerance.
func RCVConsistent(rcv, acv, depreciation float64) bool {
	return math.Abs(rcv-(acv+depreciation)) <= ConsistencyTolerance
}

// Money formats a value rounded half away from zero to two decimals.
func Money(v float64) string {
	return "$" + decimal.NewFromFloat(v).StringFixed(2)
}

// Summary is the derived financial view of one deal.
type Summary struct {
	RCV          float64    `json:"rcv"`
	ACV          float64    `json:"acv"`
	Deductible   float64    `json:"deductible"`
	Depreciation float64    `json:"depreciation"`
	SalesTax     float64    `json:"sales_tax"`
	BaseAmount   float64    `json:"base_amount"`
	FirstCheck   float64    `json:"first_check"`
	SecondCheck  float64    `json:"second_check"`
	Consistent   bool       `json:"rcv_consistent"`
	Complete     bool       `json:"financials_complete"`
	Locked       bool       `json:"financials_locked"`
	Commission   Commission `json:"commission"`
	Reminder     string     `json:"reminder,omitempty"`
	Banner       string     `json:"banner,omitempty"`
}

// Breakdown derives every display value for d. rep may be nil when the deal is unassigned.
func Breakdown(d domain.Deal, rep *domain.Rep) Summary {
	s := Summary{
		RCV:          deref(d.RCV),
		ACV:          deref(d.ACV),
		Deductible:   deref(d.Deductible),
		Depreciation: deref(d.Depreciation),
		Complete:     d.RCV != nil && d.ACV != nil && d.Deductible != nil && d.Depreciation != nil,
		Locked:       d.FinancialsLocked(),
	}
	s.SalesTax = SalesTax(s.RCV)
	s.BaseAmount = BaseAmount(s.RCV)
	s.FirstCheck = FirstCheck(s.ACV, s.Deductible)
	s.SecondCheck = SecondCheck(s.Depreciation)
	s.Consistent = RCVConsistent(s.RCV, s.ACV, s.Depreciation)

	in := CommissionInput{RCV: s.RCV, OverrideAmount: d.CommissionOverrideAmount, OverrideReason: domain.Value(d.CommissionOverrideReason)}
	stored, hasStored := d.Commission()
	switch {
	case hasStored && stored.CommissionPercent > 0:
		in.Percent = stored.CommissionPercent
	case rep != nil:
		in.Percent = CommissionPercent(rep.CommissionPercent, rep.Tier)
	}
	if hasStored && stored.CommissionAmount > 0 {
		amt := stored.CommissionAmount
		in.StoredAmount = &amt
	}
	s.Commission = CommissionAmount(in)

	if s.Complete && !s.Consistent {
		s.Reminder = fmt.Sprintf("RCV %s does not equal ACV %s + depreciation %s; double-check the claim paperwork",
			Money(s.RCV), Money(s.ACV), Money(s.Depreciation))
	}
	if s.Commission.Source == SourceAdminOverride {
		s.Banner = "Commission set by admin override: " + Money(s.Commission.Amount)
		if s.Commission.Reason != "" {
			s.Banner += " (" + s.Commission.Reason + ")"
		}
	}
	return s
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
