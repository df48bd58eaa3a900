package server

import (
	"encoding/json"

	"dealflow/internal/domain"
	"dealflow/internal/engine"
	"dealflow/internal/finance"
	"dealflow/internal/workflow"
)

// Request payloads

type CreateDealRequest struct {
	PinID string  `json:"pin_id" minLength:"1"`
	RepID *string `json:"rep_id,omitempty" doc:"Admins may assign the deal to another rep"`
}

type UploadRequest struct {
	Category string `json:"category" enum:"inspection_photos,adjuster_photos,install_photos"`
	FileName string `json:"file_name" minLength:"1"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data" doc:"Base64 file contents"`
}

type DocumentRequest struct {
	Field    string `json:"field" enum:"lost_statement_key,insurance_agreement_key,acv_receipt_key,deductible_receipt_key,depreciation_receipt_key,permit_key,completion_form_key"`
	FileName string `json:"file_name" minLength:"1"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data" doc:"Base64 file contents"`
}

type AdminActionRequest struct {
	InstallDate string `json:"install_date,omitempty" doc:"Required for schedule_install"`
	Status      string `json:"status,omitempty" doc:"Target status for override"`
	Reason      string `json:"reason,omitempty"`
}

type CommissionOverrideRequest struct {
	Amount *float64 `json:"amount,omitempty" doc:"Omit to clear the override"`
	Reason string   `json:"reason,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty" enum:"rep,admin"`
}

// Response payloads

type DealResponse struct {
	domain.Deal
	Position      int  `json:"position"`
	AwaitingAdmin bool `json:"awaiting_admin"`
}

type ResultResponse struct {
	Deal     DealResponse           `json:"deal"`
	From     domain.Status          `json:"from"`
	To       domain.Status          `json:"to"`
	Noop     bool                   `json:"noop"`
	Advanced bool                   `json:"advanced"`
	Blocked  []workflow.Requirement `json:"blocked"`
	Notices  []workflow.Notice      `json:"notices"`
}

type FinancialsResponse struct {
	finance.Summary
	Display map[string]string `json:"display"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	DealID  string         `json:"deal_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

type MeResponse struct {
	ActorID string      `json:"actor_id"`
	Role    domain.Role `json:"role"`
	Source  string      `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedDeals struct {
	Items      []DealResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func dealResponse(d domain.Deal) DealResponse {
	_, waiting := workflow.AwaitingAdmin(d)
	return DealResponse{Deal: d, Position: workflow.Position(d.Status), AwaitingAdmin: waiting}
}

func resultResponse(r engine.Result) ResultResponse {
	return ResultResponse{
		Deal:     dealResponse(r.Deal),
		From:     r.From,
		To:       r.To,
		Noop:     r.Noop,
		Advanced: r.Advanced,
		Blocked:  nonNilSlice(r.Blocked),
		Notices:  nonNilSlice(r.Notices),
	}
}

func financialsResponse(s finance.Summary) FinancialsResponse {
	return FinancialsResponse{
		Summary: s,
		Display: map[string]string{
			"rcv":               finance.Money(s.RCV),
			"acv":               finance.Money(s.ACV),
			"deductible":        finance.Money(s.Deductible),
			"depreciation":      finance.Money(s.Depreciation),
			"sales_tax":         finance.Money(s.SalesTax),
			"base_amount":       finance.Money(s.BaseAmount),
			"first_check":       finance.Money(s.FirstCheck),
			"second_check":      finance.Money(s.SecondCheck),
			"commission_amount": finance.Money(s.Commission.Amount),
		},
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		DealID:  e.DealID,
		ActorID: e.ActorID,
		Payload: decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
