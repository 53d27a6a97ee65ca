// Package server exposes the lifecycle engine over HTTP. It is transport
// only: authentication and rendering belong to layers outside this module.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/history"
	"caseflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code        string   `json:"code" example:"duplicate-active-department"`
	Message     string   `json:"message" example:"duplicate-active-department: GEPLAN"`
	Departments []string `json:"departments,omitempty"`
	Fields      []string `json:"fields,omitempty"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Caseflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return &apiError{status: status, Body: apiErrorBody{Code: defaultCodeForStatus(status), Message: msg}}
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		return &apiError{status: status, Body: apiErrorBody{Code: defaultCodeForStatus(status), Message: msg}}
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Caseflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	projector := history.New(cfg.Engine.Repo)

	registerHealth(group)
	registerInstances(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerAnalysis(group, cfg.Engine)
	registerHistory(group, cfg.Engine, projector)
	registerFields(group, cfg.Engine)

	return router, nil
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return &apiError{status: http.StatusUnprocessableEntity, Body: apiErrorBody{Code: ve.Reason, Message: err.Error(), Fields: ve.Fields}}
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return &apiError{status: http.StatusConflict, Body: apiErrorBody{Code: ce.Reason, Message: err.Error(), Departments: ce.Departments}}
	}
	var ite engine.IllegalTransitionError
	if errors.As(err, &ite) {
		code := ite.Reason
		if code == "" {
			code = "illegal-transition"
		}
		return &apiError{status: http.StatusConflict, Body: apiErrorBody{Code: code, Message: err.Error()}}
	}
	var nfe engine.NotFoundError
	if errors.As(err, &nfe) || errors.Is(err, repo.ErrNotFound) {
		return &apiError{status: http.StatusNotFound, Body: apiErrorBody{Code: "not_found", Message: err.Error()}}
	}
	return &apiError{status: http.StatusInternalServerError, Body: apiErrorBody{Code: "internal_error", Message: "internal error"}}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// actorOf resolves the acting person from the X-Actor-Id header; identity
// verification is owned by the layer in front of this API.
func actorOf(header string) string {
	if header == "" {
		return "anonymous"
	}
	return header
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

// InstancePath carries the id path parameter and acting user shared by the
// per-instance endpoints. Handlers with a request body embed it; it must stay
// exported or request binding skips the embedded fields.
type InstancePath struct {
	InstanceID string `path:"instance_id"`
	Actor      string `header:"X-Actor-Id"`
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-instance",
		Method:        http.MethodPost,
		Path:          "/instances",
		Summary:       "Create process instance",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Actor string                `header:"X-Actor-Id"`
		Body  CreateInstanceRequest `json:"body"`
	}) (*struct {
		Body domain.ProcessInstance `json:"body"`
	}, error) {
		b := input.Body
		p, err := e.CreateInstance(ctx, engine.CreateOptions{
			CaseNumber:       b.CaseNumber,
			Department:       b.Department,
			RelationalKey:    deref(b.RelationalKey),
			Subject:          deref(b.Subject),
			Stakeholder:      deref(b.Stakeholder),
			ExternalParty:    deref(b.ExternalParty),
			Status:           deref(b.Status),
			Coordination:     deref(b.Coordination),
			Team:             deref(b.Team),
			AssigneeID:       deref(b.AssigneeID),
			DeadlineAt:       deref(b.DeadlineAt),
			ReviewDeadlineAt: deref(b.ReviewDeadlineAt),
			Notes:            deref(b.Notes),
			Attributes:       b.Attributes,
			ActorID:          actorOf(input.Actor),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProcessInstance `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Fetch one process instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *InstancePath) (*struct {
		Body domain.ProcessInstance `json:"body"`
	}, error) {
		p, err := e.Repo.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProcessInstance `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List process instances",
	}, func(ctx context.Context, input *struct {
		Department string `query:"department"`
		Status     string `query:"status"`
		Active     bool   `query:"active"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.ProcessInstance `json:"body"`
	}, error) {
		list, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{
			Department: input.Department,
			Status:     input.Status,
			ActiveOnly: input.Active,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ProcessInstance `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-instance",
		Method:      http.MethodPatch,
		Path:        "/instances/{instance_id}",
		Summary:     "Edit workflow fields",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		InstancePath
		Body EditInstanceRequest `json:"body"`
	}) (*struct {
		Body domain.ProcessInstance `json:"body"`
	}, error) {
		b := input.Body
		p, err := e.Edit(ctx, engine.EditOptions{
			InstanceID:       input.InstanceID,
			Subject:          b.Subject,
			Stakeholder:      b.Stakeholder,
			ExternalParty:    b.ExternalParty,
			Status:           b.Status,
			Coordination:     b.Coordination,
			Team:             b.Team,
			DeadlineAt:       b.DeadlineAt,
			ReviewDeadlineAt: b.ReviewDeadlineAt,
			Notes:            b.Notes,
			SetAttributes:    b.SetAttributes,
			RemoveAttributes: b.RemoveAttributes,
			ActorID:          actorOf(input.Actor),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProcessInstance `json:"body"`
		}{Body: p}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transfer-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/transfer",
		Summary:     "Transfer to another department",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		InstancePath
		Body TransferRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		res, err := e.Transfer(ctx, input.InstanceID, input.Body.Department, actorOf(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{Instances: res.Instances, Warning: res.Warning}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-department",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/finalize",
		Summary:     "Finalize the department leg",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		InstancePath
		Body FinalizeDepartmentRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		res, err := e.FinalizeDepartment(ctx, engine.FinalizeDepartmentOptions{
			InstanceID:     input.InstanceID,
			NextDepartment: deref(input.Body.NextDepartment),
			ActorID:        actorOf(input.Actor),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{Instances: res.Instances, Warning: res.Warning}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-group",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/close",
		Summary:     "Globally finalize the demand cycle",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *InstancePath) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		res, err := e.FinalizeGlobal(ctx, input.InstanceID, actorOf(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{Instances: res.Instances}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "return-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/return",
		Summary:     "Return from outbound review",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		InstancePath
		Body ReturnRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		res, err := e.ReturnFromReview(ctx, input.InstanceID, input.Body.Department, actorOf(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{Instances: res.Instances}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/assign",
		Summary:     "Reassign responsibility",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		InstancePath
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body domain.ProcessInstance `json:"body"`
	}, error) {
		p, err := e.Reassign(ctx, input.InstanceID, input.Body.AssigneeID, actorOf(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProcessInstance `json:"body"`
		}{Body: p}, nil
	})
}

func registerAnalysis(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "inspect-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_number}/analysis",
		Summary:     "Analyze existing demand cycles of a case number",
	}, func(ctx context.Context, input *struct {
		CaseNumber string `path:"case_number"`
	}) (*struct {
		Body domain.GroupAnalysis `json:"body"`
	}, error) {
		analysis, err := e.Inspect(ctx, input.CaseNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GroupAnalysis `json:"body"`
		}{Body: analysis}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine, pr history.Projector) {
	huma.Register(api, huma.Operation{
		OperationID: "instance-timeline",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/timeline",
		Summary:     "Replay the movement ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *InstancePath) (*struct {
		Body []domain.TimelineEntry `json:"body"`
	}, error) {
		entries, err := pr.Timeline(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TimelineEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instance-department-view",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/view/{department}",
		Summary:     "Instance as it looked in a department",
		Description: "Values frozen at hand-off win once the instance has left the department.",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
		Department string `path:"department"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		dept, ok := e.Norm.Normalize(input.Department, true)
		if !ok {
			return nil, handleError(engine.ValidationError{Reason: engine.ReasonInvalidDepartment, Fields: []string{input.Department}})
		}
		view, err := pr.DepartmentView(ctx, input.InstanceID, dept)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "occupancy",
		Method:      http.MethodGet,
		Path:        "/occupancy",
		Summary:     "Active instances per department",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body OccupancyResponse `json:"body"`
	}, error) {
		counts, err := pr.Occupancy(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OccupancyResponse `json:"body"`
		}{Body: OccupancyResponse{Departments: counts}}, nil
	})
}

func registerFields(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-fields",
		Method:      http.MethodGet,
		Path:        "/departments/{department}/fields",
		Summary:     "List custom field definitions",
	}, func(ctx context.Context, input *struct {
		Department string `path:"department"`
	}) (*struct {
		Body []domain.DepartmentField `json:"body"`
	}, error) {
		dept, ok := e.Norm.Normalize(input.Department, false)
		if !ok {
			return nil, handleError(engine.ValidationError{Reason: engine.ReasonInvalidDepartment, Fields: []string{input.Department}})
		}
		fields, err := e.Repo.ListFields(ctx, dept)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DepartmentField `json:"body"`
		}{Body: fields}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-field",
		Method:        http.MethodPost,
		Path:          "/departments/{department}/fields",
		Summary:       "Define a custom field",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Department string             `path:"department"`
		Body       CreateFieldRequest `json:"body"`
	}) (*struct {
		Body domain.DepartmentField `json:"body"`
	}, error) {
		dept, ok := e.Norm.Normalize(input.Department, false)
		if !ok {
			return nil, handleError(engine.ValidationError{Reason: engine.ReasonInvalidDepartment, Fields: []string{input.Department}})
		}
		f, err := e.Repo.CreateField(ctx, domain.DepartmentField{
			ID:         uuid.NewString(),
			Department: dept,
			Key:        input.Body.Key,
			Label:      input.Body.Label,
			ValueKind:  input.Body.ValueKind,
			CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DepartmentField `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-field",
		Method:      http.MethodDelete,
		Path:        "/departments/{department}/fields/{key}",
		Summary:     "Delete a custom field and purge its values",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Department string `path:"department"`
		Key        string `path:"key"`
	}) (*struct{}, error) {
		dept, ok := e.Norm.Normalize(input.Department, false)
		if !ok {
			return nil, handleError(engine.ValidationError{Reason: engine.ReasonInvalidDepartment, Fields: []string{input.Department}})
		}
		if err := e.Repo.DeleteField(ctx, dept, input.Key); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
