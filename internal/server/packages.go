package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"pulseline/internal/domain"
	"pulseline/internal/engine"
)

func registerPackages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-package",
		Method:        http.MethodPost,
		Path:          "/packages",
		Summary:       "Register package",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterPackageRequest `json:"body"`
	}) (*struct {
		Body domain.Package `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := e.RegisterPackage(ctx, engine.PackageRegisterOptions{
			Slug:     input.Body.Slug,
			Name:     input.Body.Name,
			Version:  input.Body.Version,
			Includes: input.Body.Includes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Package `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-packages",
		Method:      http.MethodGet,
		Path:        "/packages",
		Summary:     "List packages",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Package `json:"body"`
	}, error) {
		items, err := e.Repo.ListPackages(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Package{}
		}
		return &struct {
			Body []domain.Package `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-package",
		Method:      http.MethodGet,
		Path:        "/packages/{slug}",
		Summary:     "Get package",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
	}) (*struct {
		Body domain.Package `json:"body"`
	}, error) {
		p, err := e.Repo.GetPackageBySlug(ctx, input.Slug)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Package `json:"body"`
		}{Body: p}, nil
	})
}

func registerInstallations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-install",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/installations",
		Summary:       "Request package install",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string                `path:"tenant_id"`
		Body     RequestInstallRequest `json:"body"`
	}) (*struct {
		Body CreateDirectiveResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.PackageSlug == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "package_slug is required", nil)
		}
		d, created, err := e.RequestInstall(ctx, input.TenantID, input.Body.PackageSlug, input.Body.PackageVersion,
			input.Body.Config, stringOrEmpty(input.Body.IdempotencyKey), actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateDirectiveResponse `json:"body"`
		}{Body: CreateDirectiveResponse{Directive: d, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-installations",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/installations",
		Summary:     "List installations",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		Status   string `query:"status" enum:",requested,installing,installed,failed,disabled"`
	}) (*struct {
		Body []domain.Installation `json:"body"`
	}, error) {
		items, err := e.Repo.ListInstallations(ctx, input.TenantID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Installation{}
		}
		return &struct {
			Body []domain.Installation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-installation",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/installations/{id}",
		Summary:     "Get installation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body domain.Installation `json:"body"`
	}, error) {
		ins, err := e.Repo.GetInstallation(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Installation `json:"body"`
		}{Body: ins}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/agents",
		Summary:     "List installed agents",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgents(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Agent{}
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})
}
