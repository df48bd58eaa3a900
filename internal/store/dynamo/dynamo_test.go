package dynamo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"dealflow/internal/domain"
	"dealflow/internal/repo"
)

// fakeDB keeps items in memory and understands only the expressions the store issues.
type fakeDB struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	racePuts int
}

func newFakeDB() *fakeDB {
	return &fakeDB{items: map[string]map[string]types.AttributeValue{}}
}

func idOf(item map[string]types.AttributeValue) string {
	if v, ok := item["id"].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func str(item map[string]types.AttributeValue, name string) string {
	switch v := item[name].(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	}
	return ""
}

func (f *fakeDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[idOf(in.Key)]}, nil
}

func (f *fakeDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := idOf(in.Item)
	if aws.ToString(in.ConditionExpression) == "#version = :version" {
		if f.racePuts > 0 {
			f.racePuts--
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("raced")}
		}
		want := in.ExpressionAttributeValues[":version"].(*types.AttributeValueMemberN).Value
		cur, ok := f.items[id]
		if !ok || str(cur, "version") != want {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("version")}
		}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDB) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ti := range in.TransactItems {
		if _, exists := f.items[idOf(ti.Put.Item)]; exists {
			return nil, &types.TransactionCanceledException{Message: aws.String("conditional check failed")}
		}
	}
	for _, ti := range in.TransactItems {
		f.items[idOf(ti.Put.Item)] = ti.Put.Item
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDB) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]types.AttributeValue
	for id, item := range f.items {
		if strings.HasPrefix(id, pinPrefix) {
			continue
		}
		if v, ok := in.ExpressionAttributeValues[":status"]; ok && str(item, "status") != v.(*types.AttributeValueMemberS).Value {
			continue
		}
		if v, ok := in.ExpressionAttributeValues[":rep"]; ok && str(item, "rep_id") != v.(*types.AttributeValueMemberS).Value {
			continue
		}
		out = append(out, item)
	}
	return &dynamodb.ScanOutput{Items: out}, nil
}

func newStore(t *testing.T) (*Store, *fakeDB) {
	t.Helper()
	db := newFakeDB()
	s := New(db, "")
	tick := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	s.Now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return s, db
}

func TestItemConversionKeepsCommission(t *testing.T) {
	d := domain.Deal{ID: "d1", PinID: "p1", Status: domain.StatusApproved, HomeownerName: domain.String("Ann"),
		DealCommissions: []domain.CommissionRecord{{CommissionPercent: 10, CommissionAmount: 1835, Paid: true}}}
	it, err := toItem(d, 4)
	if err != nil {
		t.Fatalf("to item: %v", err)
	}
	if strings.Contains(it.Data, "1835") {
		t.Fatalf("commission must live outside the document: %s", it.Data)
	}
	back, err := fromItem(it)
	if err != nil {
		t.Fatalf("from item: %v", err)
	}
	rec, ok := back.Commission()
	if !ok || rec.CommissionAmount != 1835 || !rec.Paid || domain.Value(back.HomeownerName) != "Ann" {
		t.Fatalf("round trip = %+v", back)
	}
}

func TestCreateFromPinGuardsPin(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	d, err := s.CreateFromPin(ctx, "pin-1", "rep-1")
	if err != nil || d.Status != domain.StatusLead {
		t.Fatalf("create: %v %+v", err, d)
	}
	if _, err := s.CreateFromPin(ctx, "pin-1", "rep-2"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := s.Get(ctx, pinPrefix+"pin-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("pin markers are not deals: %v", err)
	}
}

func TestUpdateRetriesOnVersionConflict(t *testing.T) {
	s, db := newStore(t)
	ctx := context.Background()
	d, _ := s.CreateFromPin(ctx, "pin-1", "rep-1")
	if _, err := s.Update(ctx, d.ID, domain.Patch{HomeownerName: domain.String("Ann")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	db.racePuts = 1
	got, err := s.Update(ctx, d.ID, domain.Patch{City: domain.String("Tulsa")})
	if err != nil {
		t.Fatalf("update after race: %v", err)
	}
	if domain.Value(got.HomeownerName) != "Ann" || domain.Value(got.City) != "Tulsa" {
		t.Fatalf("fields lost: %+v", got)
	}
	db.racePuts = maxAttempts
	if _, err := s.Update(ctx, d.ID, domain.Patch{City: domain.String("Tulsa")}); err == nil {
		t.Fatalf("expected error after repeated conflicts")
	}
	if _, err := s.Update(ctx, "missing", domain.Patch{City: domain.String("x")}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCommissionPaidSurvivesRecordUpdate(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	d, _ := s.CreateFromPin(ctx, "pin-1", "rep-1")
	if _, err := s.SetCommission(ctx, d.ID, domain.CommissionRecord{CommissionPercent: 10, CommissionAmount: 1835}); err != nil {
		t.Fatalf("set commission: %v", err)
	}
	if _, err := s.Update(ctx, d.ID, domain.Patch{CommissionPaid: domain.Bool(true)}); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	got, _ := s.SetCommission(ctx, d.ID, domain.CommissionRecord{CommissionPercent: 13, CommissionAmount: 2000})
	if rec, _ := got.Commission(); !rec.Paid || rec.CommissionPercent != 13 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestListOrdersAndFilters(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	a, _ := s.CreateFromPin(ctx, "pin-a", "rep-1")
	b, _ := s.CreateFromPin(ctx, "pin-b", "rep-2")
	s.Update(ctx, a.ID, domain.Patch{Status: domain.StatusPtr(domain.StatusClaimFiled)})

	all, err := s.List(ctx, domain.DealFilter{})
	if err != nil || len(all) != 2 || all[0].ID != a.ID || all[1].ID != b.ID {
		t.Fatalf("list all: %v %+v", err, all)
	}
	filed, _ := s.List(ctx, domain.DealFilter{Status: domain.StatusClaimFiled})
	if len(filed) != 1 || filed[0].ID != a.ID {
		t.Fatalf("status filter = %+v", filed)
	}
	page, _ := s.List(ctx, domain.DealFilter{Limit: 1, CursorUpdatedAt: all[0].UpdatedAt, CursorID: all[0].ID})
	if len(page) != 1 || page[0].ID != b.ID {
		t.Fatalf("cursor page = %+v", page)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("DYNAMODB_TABLE", "")
	t.Setenv("DYNAMODB_ENDPOINT", "http://localhost:8000")
	c := ConfigFromEnv(Config{})
	if c.Region != "us-east-1" || c.Table != DefaultTable || c.Endpoint != "http://localhost:8000" {
		t.Fatalf("config = %+v", c)
	}
	c = ConfigFromEnv(Config{Table: "custom"})
	if c.Table != "custom" {
		t.Fatalf("explicit table overridden: %+v", c)
	}
}
