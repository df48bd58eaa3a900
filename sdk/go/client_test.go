package dealflowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsAuthAndDecodes(t *testing.T) {
	var gotAuth, gotQuery, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		if r.Method == http.MethodPatch {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			_, _ = w.Write([]byte(`{"deal":{"id":"d1","status":"claim_filed"},"from":"inspection_scheduled","to":"claim_filed","advanced":true,"blocked":[],"notices":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"items":[{"id":"d1","status":"lead"}],"next_cursor":"x|y"}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	page, err := c.DealsPage(context.Background(), ListOptions{AwaitingAdmin: true, Limit: 5})
	if err != nil {
		t.Fatalf("deals page: %v", err)
	}
	if gotAuth != "Bearer tok" || gotPath != "/v1/deals" || gotQuery != "awaiting_admin=true&limit=5" {
		t.Fatalf("request auth=%q path=%q query=%q", gotAuth, gotPath, gotQuery)
	}
	if len(page.Items) != 1 || page.NextCursor != "x|y" {
		t.Fatalf("page = %+v", page)
	}

	res, err := c.UpdateDeal(context.Background(), "d1", map[string]any{"claim_number": "C-9"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if gotPath != "/v1/deals/d1" || gotBody["claim_number"] != "C-9" || !res.Advanced || res.Deal.Status != "claim_filed" {
		t.Fatalf("update path=%q body=%v res=%+v", gotPath, gotBody, res)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k" {
			t.Errorf("api key header missing")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"financials_locked","message":"financial fields are locked after approval"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k"
	_, err := c.UpdateDeal(context.Background(), "d1", map[string]any{"rcv": 1})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "financials_locked" {
		t.Fatalf("api error = %+v", apiErr)
	}
}
