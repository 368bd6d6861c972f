package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/repo"
)

func registerDirectives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-directive",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/directives",
		Summary:       "Request directive",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string                 `path:"tenant_id"`
		Body     CreateDirectiveRequest `json:"body"`
	}) (*struct {
		Body CreateDirectiveResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		opts := engine.DirectiveCreateOptions{
			Tenant:         input.TenantID,
			Name:           input.Body.Name,
			Payload:        input.Body.Payload,
			Metadata:       input.Body.Metadata,
			IdempotencyKey: stringOrEmpty(input.Body.IdempotencyKey),
			RequestedBy:    actorID(ctx),
		}
		if input.Body.MaxAttempts != nil {
			opts.MaxAttempts = *input.Body.MaxAttempts
		}
		if input.Body.ScheduledAt != nil {
			ts, err := time.Parse(time.RFC3339, *input.Body.ScheduledAt)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid scheduled_at", map[string]any{"scheduled_at": *input.Body.ScheduledAt})
			}
			opts.ScheduledAt = &ts
		}
		d, created, err := e.CreateDirective(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateDirectiveResponse `json:"body"`
		}{Body: CreateDirectiveResponse{Directive: d, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-directives",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/directives",
		Summary:     "List directives",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		Name     string `query:"name"`
		Status   string `query:"status" enum:",requested,running,succeeded,failed,canceled"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedDirectives `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorInserted, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListDirectives(ctx, input.TenantID, repo.DirectiveFilters{
			Name:           input.Name,
			Status:         input.Status,
			Limit:          limit + 1,
			CursorInserted: cursorInserted,
			CursorID:       cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDirectives{Items: []domain.Directive{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].InsertedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedDirectives `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-directive",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/directives/{id}",
		Summary:     "Get directive",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body domain.Directive `json:"body"`
	}, error) {
		d, err := e.Repo.GetDirective(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Directive `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-directive",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/directives/{id}/cancel",
		Summary:     "Cancel directive",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body domain.Directive `json:"body"`
	}, error) {
		d, err := e.CancelDirective(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Directive `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rerun-directive",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/directives/{id}/rerun",
		Summary:     "Rerun finished directive",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body domain.Directive `json:"body"`
	}, error) {
		d, err := e.RerunDirective(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Directive `json:"body"`
		}{Body: d}, nil
	})
}
