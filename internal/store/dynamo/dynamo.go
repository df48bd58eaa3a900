// Package dynamo stores deals in a single DynamoDB table keyed by id.
//
// Table requirements:
//   - PK: id (string)
//
// Each deal is one item holding the JSON document plus index attributes.
// Pin conversions are guarded by a marker item whose id is "pin#<pin id>".
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"dealflow/internal/domain"
	"dealflow/internal/repo"
)

const (
	DefaultTable = "dealflow_deals"
	pinPrefix    = "pin#"
	maxAttempts  = 3
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type Config struct {
	Table           string `yaml:"table"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
}

// ConfigFromEnv fills unset values from AWS_REGION, DYNAMODB_ENDPOINT, DYNAMODB_TABLE
// and the static credential variables. Local endpoints accept any credentials.
func ConfigFromEnv(c Config) Config {
	if c.Region == "" {
		c.Region = getenvDefault("AWS_REGION", "us-east-1")
	}
	if c.Endpoint == "" {
		c.Endpoint = os.Getenv("DYNAMODB_ENDPOINT")
	}
	if c.Table == "" {
		c.Table = getenvDefault("DYNAMODB_TABLE", DefaultTable)
	}
	if c.AccessKeyID == "" {
		c.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if c.SecretAccessKey == "" {
		c.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	return c
}

// NewClient builds a DynamoDB client. Static credentials are used when provided,
// otherwise the default AWS credential chain applies.
func NewClient(ctx context.Context, c Config) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(c.Region)}
	if c.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, "")))
	} else if c.Endpoint != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
	}), nil
}

type commissionItem struct {
	Percent float64 `dynamodbav:"percent"`
	Amount  float64 `dynamodbav:"amount"`
	Paid    bool    `dynamodbav:"paid"`
}

type dealItem struct {
	ID         string          `dynamodbav:"id"`
	PinID      string          `dynamodbav:"pin_id,omitempty"`
	RepID      string          `dynamodbav:"rep_id,omitempty"`
	Status     string          `dynamodbav:"status"`
	Data       string          `dynamodbav:"data"`
	Commission *commissionItem `dynamodbav:"commission,omitempty"`
	Version    int64           `dynamodbav:"version"`
	CreatedAt  string          `dynamodbav:"created_at"`
	UpdatedAt  string          `dynamodbav:"updated_at"`
}

type pinItem struct {
	ID     string `dynamodbav:"id"`
	DealID string `dynamodbav:"deal_id"`
}

type Store struct {
	DB    API
	Table string
	Now   func() time.Time
}

func New(db API, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{DB: db, Table: table, Now: time.Now}
}

func (s *Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func toItem(d domain.Deal, version int64) (dealItem, error) {
	it := dealItem{
		ID:        d.ID,
		PinID:     d.PinID,
		RepID:     d.RepID,
		Status:    string(d.Status),
		Version:   version,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if rec, ok := d.Commission(); ok {
		it.Commission = &commissionItem{Percent: rec.CommissionPercent, Amount: rec.CommissionAmount, Paid: rec.Paid}
	}
	doc := d.Clone()
	doc.DealCommissions = nil
	b, err := json.Marshal(doc)
	if err != nil {
		return it, fmt.Errorf("encode deal %s: %w", d.ID, err)
	}
	it.Data = string(b)
	return it, nil
}

func fromItem(it dealItem) (domain.Deal, error) {
	var d domain.Deal
	if err := json.Unmarshal([]byte(it.Data), &d); err != nil {
		return d, fmt.Errorf("decode deal %s: %w", it.ID, err)
	}
	d.ID, d.PinID, d.RepID = it.ID, it.PinID, it.RepID
	d.Status = domain.Status(it.Status)
	d.CreatedAt, d.UpdatedAt = it.CreatedAt, it.UpdatedAt
	d.DealCommissions = nil
	if it.Commission != nil {
		d.DealCommissions = []domain.CommissionRecord{{
			CommissionPercent: it.Commission.Percent,
			CommissionAmount:  it.Commission.Amount,
			Paid:              it.Commission.Paid,
		}}
	}
	return d, nil
}

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func (s *Store) load(ctx context.Context, id string) (domain.Deal, int64, error) {
	if strings.HasPrefix(id, pinPrefix) {
		return domain.Deal{}, 0, repo.ErrNotFound
	}
	out, err := s.DB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.Table),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Deal{}, 0, err
	}
	if len(out.Item) == 0 {
		return domain.Deal{}, 0, repo.ErrNotFound
	}
	var it dealItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return domain.Deal{}, 0, err
	}
	d, err := fromItem(it)
	return d, it.Version, err
}

func (s *Store) Get(ctx context.Context, id string) (domain.Deal, error) {
	d, _, err := s.load(ctx, id)
	return d, err
}

// CreateFromPin writes the deal and its pin marker in one transaction.
func (s *Store) CreateFromPin(ctx context.Context, pinID, repID string) (domain.Deal, error) {
	if strings.TrimSpace(pinID) == "" {
		return domain.Deal{}, errors.New("pin id is required")
	}
	now := s.now()
	d := domain.Deal{ID: uuid.NewString(), PinID: pinID, RepID: repID, Status: domain.StatusLead, CreatedAt: now, UpdatedAt: now}
	it, err := toItem(d, 1)
	if err != nil {
		return domain.Deal{}, err
	}
	dealAV, err := attributevalue.MarshalMap(it)
	if err != nil {
		return domain.Deal{}, err
	}
	pinAV, err := attributevalue.MarshalMap(pinItem{ID: pinPrefix + pinID, DealID: d.ID})
	if err != nil {
		return domain.Deal{}, err
	}
	notExists := aws.String("attribute_not_exists(#id)")
	names := map[string]string{"#id": "id"}
	_, err = s.DB.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(s.Table), Item: pinAV, ConditionExpression: notExists, ExpressionAttributeNames: names}},
			{Put: &types.Put{TableName: aws.String(s.Table), Item: dealAV, ConditionExpression: notExists, ExpressionAttributeNames: names}},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return domain.Deal{}, fmt.Errorf("%w: pin %s already converted", repo.ErrConflict, pinID)
		}
		return domain.Deal{}, err
	}
	return d, nil
}

// Update applies patch with optimistic locking on the item version, re-reading on contention.
func (s *Store) Update(ctx context.Context, id string, patch domain.Patch) (domain.Deal, error) {
	return s.mutate(ctx, id, func(d domain.Deal) (domain.Deal, error) {
		next := domain.Apply(d, patch)
		next.ID = d.ID
		if !next.Status.Valid() {
			return next, fmt.Errorf("invalid status %q", next.Status)
		}
		if patch.CommissionPaid != nil && *patch.CommissionPaid && len(next.DealCommissions) > 0 {
			next.DealCommissions[0].Paid = true
		}
		return next, nil
	})
}

// SetCommission stores the denormalized commission record, keeping the paid flag.
func (s *Store) SetCommission(ctx context.Context, id string, rec domain.CommissionRecord) (domain.Deal, error) {
	return s.mutate(ctx, id, func(d domain.Deal) (domain.Deal, error) {
		if cur, ok := d.Commission(); ok {
			rec.Paid = cur.Paid
		}
		d.DealCommissions = []domain.CommissionRecord{rec}
		return d, nil
	})
}

func (s *Store) mutate(ctx context.Context, id string, fn func(domain.Deal) (domain.Deal, error)) (domain.Deal, error) {
	for attempt := 1; ; attempt++ {
		cur, version, err := s.load(ctx, id)
		if err != nil {
			return domain.Deal{}, err
		}
		next, err := fn(cur.Clone())
		if err != nil {
			return domain.Deal{}, err
		}
		next.UpdatedAt = s.now()
		it, err := toItem(next, version+1)
		if err != nil {
			return domain.Deal{}, err
		}
		av, err := attributevalue.MarshalMap(it)
		if err != nil {
			return domain.Deal{}, err
		}
		_, err = s.DB.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                aws.String(s.Table),
			Item:                     av,
			ConditionExpression:      aws.String("#version = :version"),
			ExpressionAttributeNames: map[string]string{"#version": "version"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":version": &types.AttributeValueMemberN{Value: fmt.Sprint(version)},
			},
		})
		if err == nil {
			return next, nil
		}
		var cfe *types.ConditionalCheckFailedException
		if !errors.As(err, &cfe) || attempt >= maxAttempts {
			return domain.Deal{}, err
		}
	}
}

// List scans the table. Results are ordered by last update, newest first.
func (s *Store) List(ctx context.Context, f domain.DealFilter) ([]domain.Deal, error) {
	filter := "NOT begins_with(#id, :pin)"
	names := map[string]string{"#id": "id"}
	values := map[string]types.AttributeValue{":pin": &types.AttributeValueMemberS{Value: pinPrefix}}
	if f.Status != "" {
		filter += " AND #status = :status"
		names["#status"] = "status"
		values[":status"] = &types.AttributeValueMemberS{Value: string(f.Status)}
	}
	if f.RepID != "" {
		filter += " AND #rep = :rep"
		names["#rep"] = "rep_id"
		values[":rep"] = &types.AttributeValueMemberS{Value: f.RepID}
	}
	p := dynamodb.NewScanPaginator(s.DB, &dynamodb.ScanInput{
		TableName:                 aws.String(s.Table),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	var res []domain.Deal
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var items []dealItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}
		for _, it := range items {
			d, err := fromItem(it)
			if err != nil {
				return nil, err
			}
			res = append(res, d)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].UpdatedAt != res[j].UpdatedAt {
			return res[i].UpdatedAt > res[j].UpdatedAt
		}
		return res[i].ID > res[j].ID
	})
	if f.CursorUpdatedAt != "" && f.CursorID != "" {
		start := len(res)
		for i, d := range res {
			if d.UpdatedAt < f.CursorUpdatedAt || (d.UpdatedAt == f.CursorUpdatedAt && d.ID < f.CursorID) {
				start = i
				break
			}
		}
		res = res[start:]
	}
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
