package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/repo"
	"pulseline/internal/signal"
)

func registerSignals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "emit-signal",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/signals",
		Summary:       "Emit signal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string            `path:"tenant_id"`
		Body     EmitSignalRequest `json:"body"`
	}) (*struct {
		Body EmitSignalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if _, err := e.Repo.GetTenant(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		opts := signal.EmitOptions{
			Metadata:      input.Body.Metadata,
			DedupeKey:     stringOrEmpty(input.Body.DedupeKey),
			CorrelationID: stringOrEmpty(input.Body.CorrelationID),
			CausationID:   stringOrEmpty(input.Body.CausationID),
			ActorType:     stringOrEmpty(input.Body.ActorType),
			ActorID:       stringOrEmpty(input.Body.ActorID),
			SubjectType:   stringOrEmpty(input.Body.SubjectType),
			SubjectID:     stringOrEmpty(input.Body.SubjectID),
			Source:        stringOrEmpty(input.Body.Source),
		}
		if opts.ActorID == "" {
			opts.ActorID = actorID(ctx)
		}
		if input.Body.OccurredAt != nil {
			ts, err := time.Parse(time.RFC3339, *input.Body.OccurredAt)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid occurred_at", map[string]any{"occurred_at": *input.Body.OccurredAt})
			}
			opts.OccurredAt = &ts
		}
		s, created, err := e.Bus.Emit(ctx, input.TenantID, input.Body.Name, input.Body.Payload, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EmitSignalResponse `json:"body"`
		}{Body: EmitSignalResponse{Signal: s, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/signals",
		Summary:     "List signals",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TenantID      string `path:"tenant_id"`
		Name          string `query:"name"`
		SubjectType   string `query:"subject_type"`
		SubjectID     string `query:"subject_id"`
		CorrelationID string `query:"correlation_id"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        string `query:"cursor"`
	}) (*struct {
		Body paginatedSignals `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorInserted, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListSignals(ctx, input.TenantID, repo.SignalFilters{
			Name:           input.Name,
			SubjectType:    input.SubjectType,
			SubjectID:      input.SubjectID,
			CorrelationID:  input.CorrelationID,
			Limit:          limit + 1,
			CursorInserted: cursorInserted,
			CursorID:       cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedSignals{Items: []domain.Signal{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].InsertedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedSignals `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-signal",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/signals/{id}",
		Summary:     "Get signal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body domain.Signal `json:"body"`
	}, error) {
		s, err := e.Repo.GetSignal(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Signal `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "signal-stats",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/signals/stats",
		Summary:     "Per-name signal delivery counts",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		stats, err := e.Repo.SignalStats(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: stats}, nil
	})
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
