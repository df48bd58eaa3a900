package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dealflow/internal/domain"
	"dealflow/internal/engine"
	"dealflow/internal/files"
	"dealflow/internal/repo"
	"dealflow/internal/signature"
	"dealflow/internal/workflow"
)

// Config for the HTTP API handler. Repo serves events and API keys.
type Config struct {
	Engine   engine.Engine
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
	Now      func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"financials_locked"`
	Message string         `json:"message" example:"financial fields are locked after approval"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"fields\":[\"install_date\"]}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the dealflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Dealflow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDeals(group, cfg.Engine)
	registerDealActions(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)
	registerEvents(group, cfg.Engine, cfg.Repo)
	registerMe(group)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth, cfg.Now)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var afe workflow.AdminFieldError
	if errors.As(err, &afe) {
		return newAPIError(http.StatusForbidden, "admin_required", err.Error(), map[string]any{"fields": afe.Fields})
	}
	var be workflow.BlockedError
	if errors.As(err, &be) {
		return newAPIError(http.StatusConflict, "requirements_unmet", err.Error(), map[string]any{"status": be.Status, "missing": be.Missing})
	}
	var pe engine.PersistError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadGateway, "persist_failed", err.Error(), map[string]any{"action": pe.Action})
	}
	var pre signature.PrerequisiteError
	if errors.As(err, &pre) {
		return newAPIError(http.StatusUnprocessableEntity, "signature_prerequisites", err.Error(), map[string]any{"missing": pre.Missing})
	}
	switch {
	case errors.Is(err, workflow.ErrAdminRequired):
		return newAPIError(http.StatusForbidden, "admin_required", err.Error(), nil)
	case errors.Is(err, engine.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, workflow.ErrFinancialsLocked):
		return newAPIError(http.StatusConflict, "financials_locked", err.Error(), nil)
	case errors.Is(err, workflow.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, signature.ErrOutOfSequence), errors.Is(err, signature.ErrFinished):
		return newAPIError(http.StatusConflict, "signature_sequence", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, files.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "must"),
		strings.Contains(lowered, "not a document field"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Dealflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type dealPath struct {
	ID string `path:"id"`
}

type dealBody struct {
	Body DealResponse `json:"body"`
}

type resultBody struct {
	Body ResultResponse `json:"body"`
}

func registerDeals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deal",
		Method:        http.MethodPost,
		Path:          "/deals",
		Summary:       "Convert a pin to a lead",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateDealRequest `json:"body"`
	}) (*dealBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pinID := strings.TrimSpace(input.Body.PinID)
		if pinID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "pin_id is required", nil)
		}
		repID := ""
		if input.Body.RepID != nil {
			repID = strings.TrimSpace(*input.Body.RepID)
		}
		d, err := e.CreateFromPin(ctx, actor, pinID, repID)
		if err != nil {
			return nil, handleError(err)
		}
		return &dealBody{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deals",
		Method:      http.MethodGet,
		Path:        "/deals",
		Summary:     "List deals, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status"`
		RepID         string `query:"rep_id"`
		AwaitingAdmin bool   `query:"awaiting_admin"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        string `query:"cursor"`
	}) (*struct {
		Body paginatedDeals `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ListOptions{RepID: input.RepID, AwaitingAdmin: input.AwaitingAdmin}
		if input.Status != "" {
			st, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"status": input.Status})
			}
			opts.Status = st
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		opts.CursorUpdated, opts.CursorID = ts, id
		limit := normalizeLimit(input.Limit)
		opts.Limit = limit + 1
		items, err := e.List(ctx, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDeals{Items: []DealResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.UpdatedAt, last.ID)
			items = items[:limit]
		}
		for _, d := range items {
			resp.Items = append(resp.Items, dealResponse(d))
		}
		return &struct {
			Body paginatedDeals `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deal",
		Method:      http.MethodGet,
		Path:        "/deals/{id}",
		Summary:     "Get a deal",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*dealBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Get(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &dealBody{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-deal",
		Method:      http.MethodPatch,
		Path:        "/deals/{id}",
		Summary:     "Update deal fields",
		Description: "Status is derived. A patch carrying status is ignored and answered with a status_is_derived notice.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body domain.Patch `json:"body"`
	}) (*resultBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		for _, f := range input.Body.Clear {
			if !domain.KnownField(f) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown field in clear", map[string]any{"field": f})
			}
		}
		res, err := e.UpdateDeal(ctx, actor, input.ID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &resultBody{Body: resultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deal-workflow",
		Method:      http.MethodGet,
		Path:        "/deals/{id}/workflow",
		Summary:     "Pipeline position and outstanding requirements",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body engine.WorkflowView `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.Workflow(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.WorkflowView `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deal-financials",
		Method:      http.MethodGet,
		Path:        "/deals/{id}/financials",
		Summary:     "Derived financial breakdown",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body FinancialsResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Financials(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FinancialsResponse `json:"body"`
		}{Body: financialsResponse(s)}, nil
	})
}

func registerDealActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upload-photos",
		Method:      http.MethodPost,
		Path:        "/deals/{id}/uploads",
		Summary:     "Store a photo set and signal the pipeline",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body UploadRequest `json:"body"`
	}) (*resultBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, err := workflow.ParseUpload(input.Body.Category)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if len(input.Body.Data) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "data is required", nil)
		}
		res, err := e.Upload(ctx, actor, input.ID, kind, input.Body.Data, input.Body.FileName, mimeOrDefault(input.Body.MimeType))
		if err != nil {
			return nil, handleError(err)
		}
		return &resultBody{Body: resultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-document",
		Method:      http.MethodPost,
		Path:        "/deals/{id}/documents",
		Summary:     "Upload a document into one of the deal's document fields",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DocumentRequest `json:"body"`
	}) (*resultBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Data) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "data is required", nil)
		}
		res, err := e.AttachDocument(ctx, actor, input.ID, domain.Field(input.Body.Field), input.Body.Data, input.Body.FileName, mimeOrDefault(input.Body.MimeType))
		if err != nil {
			return nil, handleError(err)
		}
		return &resultBody{Body: resultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-payment",
		Method:      http.MethodPost,
		Path:        "/deals/{id}/payment-request",
		Summary:     "Flag the deal for commission payout",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *dealPath) (*resultBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RequestPayment(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &resultBody{Body: resultResponse(res)}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-action",
		Method:      http.MethodPost,
		Path:        "/deals/{id}/admin/{action}",
		Summary:     "Apply an admin-gated transition",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID     string             `path:"id"`
		Action string             `path:"action" enum:"approve,schedule_install,send_invoice,approve_payment,pay_commission,override"`
		Body   AdminActionRequest `json:"body" required:"false"`
	}) (*resultBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		action, err := workflow.ParseAdminAction(input.Action)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		opts := workflow.AdminOptions{
			InstallDate: strings.TrimSpace(input.Body.InstallDate),
			Status:      domain.Status(strings.TrimSpace(input.Body.Status)),
			Reason:      input.Body.Reason,
		}
		res, err := e.AdminAction(ctx, actor, input.ID, action, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &resultBody{Body: resultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "commission-override",
		Method:      http.MethodPut,
		Path:        "/deals/{id}/commission-override",
		Summary:     "Set or clear the commission override",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body CommissionOverrideRequest `json:"body"`
	}) (*resultBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SetCommissionOverride(ctx, actor, input.ID, input.Body.Amount, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &resultBody{Body: resultResponse(res)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Description: "Reps must name a deal they own. Admins may list every event, e.g. type=deal.awaiting_admin.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		DealID string `query:"deal_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !actor.IsAdmin() {
			if input.DealID == "" {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "deal_id is required for reps", nil)
			}
			if _, err := e.Get(ctx, actor, input.DealID); err != nil {
				return nil, handleError(err)
			}
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := r.LatestEvents(ctx, limit+1, cursorID, input.DealID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{ActorID: p.ActorID, Role: p.Role, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig, now func() time.Time) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		role := domain.Role(input.Body.Role)
		if role == "" {
			role = domain.RoleRep
		}
		token, err := SignToken(authCfg.JWTSecret, actor, role, 0, now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		authCfg.logger().Printf("dev login issued token for %s (%s)", actor, role)
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func mimeOrDefault(m string) string {
	if strings.TrimSpace(m) == "" {
		return "application/octet-stream"
	}
	return m
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
