package finance_test

import (
	"math"
	"strings"
	"testing"

	"dealflow/internal/domain"
	"dealflow/internal/finance"
)

const tolerance = 1e-6

func near(a, b float64) bool { return math.Abs(a-b) <= tolerance }

func TestSalesTaxAndBase(t *testing.T) {
	if got := finance.SalesTax(20000); !near(got, 1650) {
		t.Fatalf("sales tax = %v", got)
	}
	if got := finance.BaseAmount(20000); !near(got, 18350) {
		t.Fatalf("base = %v", got)
	}
	for _, rcv := range []float64{0, 1, 999.99, 12345.67, 250000} {
		if !near(finance.BaseAmount(rcv), rcv*0.9175) {
			t.Fatalf("base(%v) != rcv*0.9175", rcv)
		}
	}
}

func TestCommissionPercentPrecedence(t *testing.T) {
	seven := 7.5
	cases := []struct {
		name     string
		override *float64
		tier     domain.Tier
		want     float64
	}{
		{"override beats tier", &seven, domain.TierManager, 7.5},
		{"junior", nil, domain.TierJunior, 5},
		{"senior", nil, domain.TierSenior, 10},
		{"manager", nil, domain.TierManager, 13},
		{"unknown tier", nil, domain.Tier("intern"), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := finance.CommissionPercent(tc.override, tc.tier); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestCommissionAmountPrecedence(t *testing.T) {
	override := 2500.0
	stored := 1900.0
	for _, rcv := range []float64{0, 5000, 20000, 87654.32} {
		for _, pct := range []float64{0, 5, 10, 13} {
			got := finance.CommissionAmount(finance.CommissionInput{RCV: rcv, Percent: pct, OverrideAmount: &override, StoredAmount: &stored, OverrideReason: "storm bonus"})
			if got.Amount != override || got.Source != finance.SourceAdminOverride || got.Reason != "storm bonus" {
				t.Fatalf("override not applied: %+v", got)
			}
			got = finance.CommissionAmount(finance.CommissionInput{RCV: rcv, Percent: pct, StoredAmount: &stored})
			if got.Amount != stored || got.Source != finance.SourceStored {
				t.Fatalf("stored not applied: %+v", got)
			}
			got = finance.CommissionAmount(finance.CommissionInput{RCV: rcv, Percent: pct})
			if !near(got.Amount, (rcv*0.9175)*(pct/100)) || got.Source != finance.SourceComputed {
				t.Fatalf("computed mismatch: %+v", got)
			}
		}
	}
}

func TestChecksAndConsistency(t *testing.T) {
	if got := finance.FirstCheck(8000, 500); got != 7500 {
		t.Fatalf("first check = %v", got)
	}
	if got := finance.SecondCheck(2000); got != 2000 {
		t.Fatalf("second check = %v", got)
	}
	if !finance.RCVConsistent(10000, 8000, 2000) {
		t.Fatalf("expected consistent")
	}
	if finance.RCVConsistent(10000, 8000, 1500) {
		t.Fatalf("expected inconsistent")
	}
}

func TestMoneyRoundsAtDisplay(t *testing.T) {
	cases := map[float64]string{
		1835:       "$1835.00",
		1650.00001: "$1650.00",
		0.005:      "$0.01",
		12.344:     "$12.34",
	}
	for in, want := range cases {
		if got := finance.Money(in); got != want {
			t.Fatalf("Money(%v) = %s want %s", in, got, want)
		}
	}
}

func TestBreakdownApprovedDeal(t *testing.T) {
	d := domain.Deal{
		Status:          domain.StatusApproved,
		RCV:             domain.Float(20000),
		ACV:             domain.Float(16000),
		Deductible:      domain.Float(1000),
		Depreciation:    domain.Float(4000),
		ApprovedDate:    domain.String("2026-10-01"),
		DealCommissions: []domain.CommissionRecord{{CommissionPercent: 10}},
	}
	s := finance.Breakdown(d, nil)
	if !near(s.SalesTax, 1650) || !near(s.BaseAmount, 18350) {
		t.Fatalf("unexpected tax/base: %+v", s)
	}
	if !near(s.Commission.Amount, 1835) || s.Commission.Source != finance.SourceComputed {
		t.Fatalf("unexpected commission: %+v", s.Commission)
	}
	if finance.Money(s.Commission.Amount) != "$1835.00" {
		t.Fatalf("display = %s", finance.Money(s.Commission.Amount))
	}
	if !s.Locked || !s.Complete || !s.Consistent || s.Reminder != "" || s.Banner != "" {
		t.Fatalf("unexpected flags: %+v", s)
	}
	if !near(s.FirstCheck, 15000) || !near(s.SecondCheck, 4000) {
		t.Fatalf("unexpected checks: %+v", s)
	}

	d.CommissionOverrideAmount = domain.Float(2500)
	d.CommissionOverrideReason = domain.String("split with manager")
	s = finance.Breakdown(d, nil)
	if s.Commission.Amount != 2500 {
		t.Fatalf("override amount = %v", s.Commission.Amount)
	}
	if !strings.Contains(s.Banner, "override") || !strings.Contains(s.Banner, "$2500.00") || !strings.Contains(s.Banner, "split with manager") {
		t.Fatalf("banner = %q", s.Banner)
	}
}

func TestBreakdownUsesRepWhenNoRecord(t *testing.T) {
	d := domain.Deal{RCV: domain.Float(10000), ACV: domain.Float(8000), Deductible: domain.Float(500), Depreciation: domain.Float(1000)}
	s := finance.Breakdown(d, &domain.Rep{ID: "r1", Tier: domain.TierSenior})
	if !near(s.Commission.Amount, 917.5) || s.Commission.Percent != 10 {
		t.Fatalf("unexpected commission: %+v", s.Commission)
	}
	if s.Consistent || s.Reminder == "" {
		t.Fatalf("expected rcv reminder: %+v", s)
	}
}
