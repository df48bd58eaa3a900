package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealflow/internal/domain"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const dealColumns = `d.id,COALESCE(d.pin_id,''),COALESCE(d.rep_id,''),d.status,d.data_json,d.created_at,d.updated_at,
c.commission_percent,c.commission_amount,c.paid`

const dealFrom = `FROM deals d LEFT JOIN deal_commissions c ON c.deal_id=d.id`

type scanner interface {
	Scan(dest ...any) error
}

func scanDeal(row scanner) (domain.Deal, error) {
	var d domain.Deal
	var status, data string
	var pct, amt sql.NullFloat64
	var paid sql.NullBool
	if err := row.Scan(&d.ID, &d.PinID, &d.RepID, &status, &data, &d.CreatedAt, &d.UpdatedAt, &pct, &amt, &paid); err != nil {
		if err == sql.ErrNoRows {
			return d, ErrNotFound
		}
		return d, err
	}
	id, pin, rep, created, updated := d.ID, d.PinID, d.RepID, d.CreatedAt, d.UpdatedAt
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return d, fmt.Errorf("decode deal %s: %w", id, err)
	}
	// Index columns are authoritative over the document copy.
	d.ID, d.PinID, d.RepID, d.CreatedAt, d.UpdatedAt = id, pin, rep, created, updated
	d.Status = domain.Status(status)
	d.DealCommissions = nil
	if pct.Valid || amt.Valid {
		d.DealCommissions = []domain.CommissionRecord{{
			CommissionPercent: pct.Float64,
			CommissionAmount:  amt.Float64,
			Paid:              paid.Valid && paid.Bool,
		}}
	}
	return d, nil
}

func encodeDeal(d domain.Deal) (string, error) {
	d.DealCommissions = nil
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode deal %s: %w", d.ID, err)
	}
	return string(b), nil
}

func getDeal(ctx context.Context, q querier, id string) (domain.Deal, error) {
	return scanDeal(q.QueryRowContext(ctx, `SELECT `+dealColumns+` `+dealFrom+` WHERE d.id=?`, id))
}

// CreateFromPin converts a map pin into a lead. A pin converts at most once.
func (r Repo) CreateFromPin(ctx context.Context, pinID, repID string) (domain.Deal, error) {
	if strings.TrimSpace(pinID) == "" {
		return domain.Deal{}, errors.New("pin id is required")
	}
	now := r.now()
	d := domain.Deal{
		ID:        uuid.NewString(),
		PinID:     pinID,
		RepID:     repID,
		Status:    domain.StatusLead,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := encodeDeal(d)
	if err != nil {
		return domain.Deal{}, err
	}
	var exists int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM deals WHERE pin_id=?`, pinID).Scan(&exists); err != nil {
		return domain.Deal{}, err
	}
	if exists > 0 {
		return domain.Deal{}, fmt.Errorf("%w: pin %s already converted", ErrConflict, pinID)
	}
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO deals(id,pin_id,rep_id,status,data_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.PinID, nullable(d.RepID), string(d.Status), data, d.CreatedAt, d.UpdatedAt); err != nil {
		return domain.Deal{}, fmt.Errorf("insert deal: %w", err)
	}
	return d, nil
}

func (r Repo) Get(ctx context.Context, id string) (domain.Deal, error) {
	return getDeal(ctx, r.DB, id)
}

// Update applies a partial update in one transaction. Fields absent from the patch are untouched.
func (r Repo) Update(ctx context.Context, id string, patch domain.Patch) (domain.Deal, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deal{}, err
	}
	defer tx.Rollback()

	cur, err := getDeal(ctx, tx, id)
	if err != nil {
		return domain.Deal{}, err
	}
	next := domain.Apply(cur, patch)
	next.ID = cur.ID
	next.UpdatedAt = r.now()
	if !next.Status.Valid() {
		return domain.Deal{}, fmt.Errorf("invalid status %q", next.Status)
	}
	data, err := encodeDeal(next)
	if err != nil {
		return domain.Deal{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE deals SET status=?,data_json=?,updated_at=? WHERE id=?`,
		string(next.Status), data, next.UpdatedAt, id)
	if err != nil {
		return domain.Deal{}, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.Deal{}, ErrNotFound
	}
	if patch.CommissionPaid != nil && *patch.CommissionPaid {
		if _, err := tx.ExecContext(ctx, `UPDATE deal_commissions SET paid=1,updated_at=? WHERE deal_id=?`, next.UpdatedAt, id); err != nil {
			return domain.Deal{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Deal{}, err
	}
	return r.Get(ctx, id)
}

// SetCommission stores the denormalized commission record. The paid flag is preserved.
func (r Repo) SetCommission(ctx context.Context, id string, rec domain.CommissionRecord) (domain.Deal, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return domain.Deal{}, err
	}
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO deal_commissions(deal_id,commission_percent,commission_amount,paid,updated_at) VALUES (?,?,?,0,?)
ON CONFLICT(deal_id) DO UPDATE SET commission_percent=excluded.commission_percent, commission_amount=excluded.commission_amount, updated_at=excluded.updated_at`,
		id, rec.CommissionPercent, rec.CommissionAmount, r.now()); err != nil {
		return domain.Deal{}, err
	}
	return r.Get(ctx, id)
}

func (r Repo) List(ctx context.Context, f domain.DealFilter) ([]domain.Deal, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "d.status=?")
		args = append(args, string(f.Status))
	}
	if f.RepID != "" {
		clauses = append(clauses, "d.rep_id=?")
		args = append(args, f.RepID)
	}
	if f.CursorUpdatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(d.updated_at < ? OR (d.updated_at = ? AND d.id < ?))")
		args = append(args, f.CursorUpdatedAt, f.CursorUpdatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + dealColumns + ` ` + dealFrom + ` ` + where + ` ORDER BY d.updated_at DESC, d.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// LatestEvents returns events newest first. cursor, when set, pages below that id.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, dealID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if dealID != "" {
		clauses = append(clauses, "deal_id=?")
		args = append(args, dealID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(deal_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with ids greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, dealID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if dealID != "" {
		clauses = append(clauses, "deal_id=?")
		args = append(args, dealID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(deal_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.DealID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
