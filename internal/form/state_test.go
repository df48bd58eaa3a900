package form_test

import (
	"context"
	"errors"
	"testing"

	"dealflow/internal/domain"
	"dealflow/internal/form"
	"dealflow/internal/workflow"
)

type updater struct {
	fail   error
	seen   []domain.Patch
	during func()
}

func (u *updater) Update(_ context.Context, id string, p domain.Patch) (domain.Deal, error) {
	u.seen = append(u.seen, p)
	if u.during != nil {
		u.during()
	}
	if u.fail != nil {
		return domain.Deal{}, u.fail
	}
	d := domain.Apply(domain.Deal{ID: id, Status: domain.StatusClaimFiled}, p)
	d.Status = domain.StatusAwaitingApproval
	return d, nil
}

func claimFiled() domain.Deal {
	return domain.Deal{ID: "d1", Status: domain.StatusClaimFiled, AdjusterNotAssigned: true}
}

func TestMergedViewGatesPendingEdits(t *testing.T) {
	s := form.New(claimFiled())
	if ok, missing := s.Ready(); ok || len(missing) != 2 {
		t.Fatalf("expected financials and lost statement missing, got %v %+v", ok, missing)
	}
	if err := s.Edit(domain.Patch{RCV: domain.Float(10000), ACV: domain.Float(8000), Deductible: domain.Float(500), Depreciation: domain.Float(2000)}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := s.Edit(domain.Patch{LostStatementKey: domain.String("files/lost.pdf")}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if ok, missing := s.Ready(); !ok {
		t.Fatalf("typed input should unblock the gate: %+v", missing)
	}
	if s.Persisted.RCV != nil {
		t.Fatalf("persisted snapshot must not change before save")
	}
}

func TestStatusEditBecomesNotice(t *testing.T) {
	s := form.New(claimFiled())
	if err := s.Edit(domain.Patch{Status: domain.StatusPtr(domain.StatusPaid), City: domain.String("Tulsa")}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if s.Pending.Status != nil || s.Merged().Status != domain.StatusClaimFiled {
		t.Fatalf("status leaked into pending edits")
	}
	if s.Notice == nil || s.Notice.Code != workflow.NoticeStatusDerived {
		t.Fatalf("notice = %+v", s.Notice)
	}
	if domain.Value(s.Pending.City) != "Tulsa" {
		t.Fatalf("other fields should still apply")
	}
}

func TestSaveAndContinueAdoptsOnlyOnSuccess(t *testing.T) {
	s := form.New(claimFiled())
	s.Edit(domain.Patch{LostStatementKey: domain.String("k")})

	u := &updater{fail: errors.New("502 bad gateway")}
	if _, err := s.SaveAndContinue(context.Background(), u); err == nil {
		t.Fatalf("expected failure")
	}
	if s.Stage() != domain.StatusClaimFiled || s.Pending.LostStatementKey == nil || s.Error == "" {
		t.Fatalf("failed batch must leave state untouched: stage %s pending %+v", s.Stage(), s.Pending)
	}

	u.fail = nil
	d, err := s.SaveAndContinue(context.Background(), u)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if d.Status != domain.StatusAwaitingApproval || s.Stage() != domain.StatusAwaitingApproval {
		t.Fatalf("stage not adopted: %s", s.Stage())
	}
	if !s.Pending.IsEmpty() || len(s.InFlight) != 0 {
		t.Fatalf("pending = %+v in flight = %v", s.Pending, s.InFlight)
	}
}

func TestInFlightFieldsRefuseEdits(t *testing.T) {
	s := form.New(claimFiled())
	s.Edit(domain.Patch{ClaimNumber: domain.String("C-1")})
	var editErr, otherErr error
	u := &updater{during: func() {
		editErr = s.Edit(domain.Patch{ClaimNumber: domain.String("C-2")})
		otherErr = s.Edit(domain.Patch{MaterialColor: domain.String("slate")})
	}}
	if _, err := s.SaveAndContinue(context.Background(), u); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !errors.Is(editErr, form.ErrFieldInFlight) {
		t.Fatalf("edit of in-flight field should be refused, got %v", editErr)
	}
	if otherErr != nil {
		t.Fatalf("other fields stay editable: %v", otherErr)
	}
	if domain.Value(s.Pending.MaterialColor) != "slate" || s.Pending.ClaimNumber != nil {
		t.Fatalf("pending after save = %+v", s.Pending)
	}
}

func TestSavedKeepsNewerLocalValues(t *testing.T) {
	s := form.New(claimFiled())
	s.Edit(domain.Patch{MaterialColor: domain.String("slate"), City: domain.String("Tulsa")})
	saved := domain.Patch{MaterialColor: domain.String("charcoal"), City: domain.String("Tulsa")}
	s.Saved(domain.Apply(claimFiled(), saved), saved)
	if s.Pending.City != nil {
		t.Fatalf("saved field should leave pending")
	}
	if domain.Value(s.Pending.MaterialColor) != "slate" {
		t.Fatalf("newer local value dropped: %+v", s.Pending)
	}
}
