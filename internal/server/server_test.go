package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"dealflow/internal/app"
	"dealflow/internal/config"
	"dealflow/internal/domain"
	"dealflow/internal/engine"
	"dealflow/internal/repo"
	"dealflow/internal/workflow"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, allowDevLogin bool) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Company.Name = "Acme Roofing"
	cfg.Reps = []domain.Rep{
		{ID: "rep-1", Name: "Rita Rep", Tier: domain.TierSenior},
		{ID: "rep-2", Name: "Sam Second", Tier: domain.TierJunior},
	}
	logger := log.New(io.Discard, "", 0)
	a, err := app.Open(context.Background(), workspace, cfg, logger)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{
		Engine:   a.Engine,
		Repo:     a.Repo,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowDevLogin: allowDevLogin, Logger: logger},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, subject string, role domain.Role) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, subject, role, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

func createDeal(t *testing.T, srv *testServer, headers map[string]string, pinID string) DealResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/deals", map[string]any{"pin_id": pinID}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create deal status %d: %s", res.StatusCode, data)
	}
	var d DealResponse
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal deal: %v", err)
	}
	return d
}

func TestHealthAndAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/deals", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "unauthorized" {
		t.Fatalf("anonymous list %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "invalid_credentials" {
		t.Fatalf("bad token %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(t, "admin-1", domain.RoleAdmin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, body)
	}
	var me MeResponse
	_ = json.Unmarshal(body, &me)
	if me.ActorID != "admin-1" || me.Role != domain.RoleAdmin || me.Source != "jwt" {
		t.Fatalf("me = %+v", me)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "x"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dev login must be disabled, got %d", res.StatusCode)
	}
}

func TestAPIKeyCarriesRole(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	err := srv.App.Repo.InsertAPIKey(context.Background(), repo.APIKey{
		ID:      "key-1",
		ActorID: "admin-9",
		Role:    domain.RoleAdmin,
		KeyHash: repo.HashAPIKey("secret-key"),
	})
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "secret-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, body)
	}
	var me MeResponse
	_ = json.Unmarshal(body, &me)
	if me.ActorID != "admin-9" || me.Role != domain.RoleAdmin || me.Source != "api_key" {
		t.Fatalf("me = %+v", me)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d", res.StatusCode)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t, true)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "rep-1", "role": "rep"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, body)
	}
	var tok DevLoginResponse
	if err := json.Unmarshal(body, &tok); err != nil || tok.Token == "" {
		t.Fatalf("token = %s (%v)", body, err)
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + tok.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, body)
	}
}

func TestRepFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	rep := bearer(t, "rep-1", domain.RoleRep)

	d := createDeal(t, srv, rep, "pin-1")
	if d.Status != domain.StatusLead || d.RepID != "rep-1" || d.Position != 1 {
		t.Fatalf("created = %+v", d)
	}

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/deals/"+d.ID+"/uploads", map[string]any{
		"category":  "inspection_photos",
		"file_name": "roof.jpg",
		"mime_type": "image/jpeg",
		"data":      []byte("jpeg bytes"),
	}, rep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d: %s", res.StatusCode, body)
	}
	var out ResultResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !out.Advanced || out.Deal.Status != domain.StatusInspectionScheduled {
		t.Fatalf("upload result = %+v", out)
	}

	res, body = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/deals/"+d.ID, map[string]any{"status": "paid"}, rep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status patch %d: %s", res.StatusCode, body)
	}
	out = ResultResponse{}
	_ = json.Unmarshal(body, &out)
	if !out.Noop || len(out.Notices) != 1 || out.Notices[0].Code != workflow.NoticeStatusDerived {
		t.Fatalf("status patch result = %+v", out)
	}

	res, body = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/deals/"+d.ID, map[string]any{
		"insurance_company": "State Mutual",
		"policy_number":     "P-1",
	}, rep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch %d: %s", res.StatusCode, body)
	}
	out = ResultResponse{}
	_ = json.Unmarshal(body, &out)
	if out.Advanced || len(out.Blocked) == 0 || domain.Value(out.Deal.InsuranceCompany) != "State Mutual" {
		t.Fatalf("partial patch result = %+v", out)
	}

	res, body = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/deals/"+d.ID, map[string]any{"install_date": "2026-11-01"}, rep)
	if res.StatusCode != http.StatusForbidden || errorCode(t, body) != "admin_required" {
		t.Fatalf("rep install date %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/deals/"+d.ID+"/workflow", nil, rep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("workflow %d: %s", res.StatusCode, body)
	}
	var view engine.WorkflowView
	_ = json.Unmarshal(body, &view)
	if view.Position != 2 || len(view.Steps) != len(domain.Statuses) || view.Steps[0].State != "done" || view.Steps[1].State != "current" {
		t.Fatalf("workflow = %+v", view)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/deals/"+d.ID, nil, bearer(t, "rep-2", domain.RoleRep))
	if res.StatusCode != http.StatusForbidden || errorCode(t, body) != "forbidden" {
		t.Fatalf("other rep get %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/deals/missing", nil, rep)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing deal %d: %s", res.StatusCode, body)
	}
}

func TestAdminApprovalOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()
	rep := bearer(t, "rep-1", domain.RoleRep)
	admin := bearer(t, "admin-1", domain.RoleAdmin)

	d := createDeal(t, srv, rep, "pin-approve")
	adminActor := engine.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	if _, err := srv.App.Repo.Update(ctx, d.ID, domain.Patch{RCV: domain.Float(20000)}); err != nil {
		t.Fatalf("seed rcv: %v", err)
	}
	if _, err := srv.App.Engine.AdminAction(ctx, adminActor, d.ID, workflow.ActionOverride, workflow.AdminOptions{Status: domain.StatusAwaitingApproval, Reason: "test setup"}); err != nil {
		t.Fatalf("override: %v", err)
	}

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/deals/"+d.ID+"/admin/approve", map[string]any{}, admin)
	if res.StatusCode != http.StatusConflict || errorCode(t, body) != "requirements_unmet" {
		t.Fatalf("approve without fields %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/deals/"+d.ID, map[string]any{
		"approval_type": "full",
		"approved_date": "2026-10-10",
	}, rep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approval fields %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/deals?awaiting_admin=true", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("awaiting list %d: %s", res.StatusCode, body)
	}
	var page paginatedDeals
	_ = json.Unmarshal(body, &page)
	if len(page.Items) != 1 || page.Items[0].ID != d.ID || !page.Items[0].AwaitingAdmin {
		t.Fatalf("awaiting page = %+v", page)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/deals/"+d.ID+"/admin/approve", map[string]any{}, rep)
	if res.StatusCode != http.StatusForbidden || errorCode(t, body) != "admin_required" {
		t.Fatalf("rep approve %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/deals/"+d.ID+"/admin/approve", map[string]any{}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve %d: %s", res.StatusCode, body)
	}
	var out ResultResponse
	_ = json.Unmarshal(body, &out)
	if out.Deal.Status != domain.StatusApproved || len(out.Deal.DealCommissions) != 1 {
		t.Fatalf("approved = %+v", out)
	}

	res, body = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/deals/"+d.ID, map[string]any{"rcv": 1}, rep)
	if res.StatusCode != http.StatusConflict || errorCode(t, body) != "financials_locked" {
		t.Fatalf("locked rcv %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v1/deals/"+d.ID+"/commission-override", map[string]any{"amount": 500}, admin)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("override without reason %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v1/deals/"+d.ID+"/commission-override", map[string]any{"amount": 500, "reason": "split deal"}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("override %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/deals/"+d.ID+"/financials", nil, rep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("financials %d: %s", res.StatusCode, body)
	}
	var fin FinancialsResponse
	_ = json.Unmarshal(body, &fin)
	if fin.Commission.Amount != 500 || fin.Commission.Reason != "split deal" || fin.Display["commission_amount"] != "$500.00" || !fin.Locked {
		t.Fatalf("financials = %+v", fin)
	}
}

func TestListPaginationAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	rep := bearer(t, "rep-1", domain.RoleRep)
	admin := bearer(t, "admin-1", domain.RoleAdmin)

	seen := map[string]bool{}
	for _, pin := range []string{"pin-a", "pin-b", "pin-c"} {
		createDeal(t, srv, rep, pin)
	}
	createDeal(t, srv, bearer(t, "rep-2", domain.RoleRep), "pin-d")

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/deals?limit=2", nil, rep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list %d: %s", res.StatusCode, body)
	}
	var page paginatedDeals
	_ = json.Unmarshal(body, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page = %+v", page)
	}
	for _, d := range page.Items {
		seen[d.ID] = true
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/deals?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, rep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page %d: %s", res.StatusCode, body)
	}
	page = paginatedDeals{}
	_ = json.Unmarshal(body, &page)
	if len(page.Items) != 1 || page.NextCursor != "" || seen[page.Items[0].ID] || page.Items[0].RepID != "rep-1" {
		t.Fatalf("second page = %+v", page)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/deals?status=bogus", nil, admin)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status filter %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events", nil, rep)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("rep events without deal %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=deal.created", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", res.StatusCode, body)
	}
	var evts paginatedEvents
	_ = json.Unmarshal(body, &evts)
	if len(evts.Items) != 4 || evts.Items[0].Payload["pin_id"] != "pin-d" {
		t.Fatalf("events = %+v", evts)
	}
}
