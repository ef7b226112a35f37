package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/inopsio/modeld/pkg/lifecycle"
)

// Service is the subset of the coordinator the handlers use.
type Service interface {
	CreateModel(ctx context.Context, spec lifecycle.ModelSpec) (*lifecycle.ModelRecord, error)
	GetModel(ctx context.Context, id string) (*lifecycle.ModelRecord, error)
	ListModels(ctx context.Context, offset, limit int) ([]*lifecycle.ModelRecord, error)
	UpdateModel(ctx context.Context, id string, patch lifecycle.ModelPatch) (*lifecycle.ModelRecord, error)
	DeployModel(ctx context.Context, id string) (*lifecycle.ModelRecord, error)
	UndeployModel(ctx context.Context, id string) (*lifecycle.ModelRecord, error)
	DeleteModel(ctx context.Context, id string) (*lifecycle.ModelRecord, error)
	History(ctx context.Context, id string, offset, limit int) ([]lifecycle.Transition, error)
}

var _ Service = (*lifecycle.Coordinator)(nil)

// MessageResponse is returned by operations without a resource body.
type MessageResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// ListModelsHandler serves GET /models?skip=&limit=.
func ListModelsHandler(svc Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		skip, limit, err := pagination(c)
		if err != nil {
			return err
		}
		models, err := svc.ListModels(c.Request().Context(), skip, limit)
		if err != nil {
			return FromLifecycleError(err)
		}
		return c.JSON(http.StatusOK, models)
	}
}

// GetModelHandler serves GET /models/:id.
func GetModelHandler(svc Service, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		rec, err := svc.GetModel(c.Request().Context(), c.Param(param))
		if err != nil {
			return FromLifecycleError(err)
		}
		return c.JSON(http.StatusOK, rec)
	}
}

// CreateModelHandler serves POST /models.
func CreateModelHandler(svc Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var spec lifecycle.ModelSpec
		if err := c.Bind(&spec); err != nil {
			return BadRequest("request body should be a JSON object with a \"name\".", err)
		}
		if err := c.Validate(&spec); err != nil {
			return err
		}
		rec, err := svc.CreateModel(c.Request().Context(), spec)
		if err != nil {
			return FromLifecycleError(err)
		}
		c.Response().Header().Set(echo.HeaderLocation, c.Echo().Reverse("getModel", rec.ID))
		return c.JSON(http.StatusCreated, rec)
	}
}

// UpdateModelHandler serves PUT /models/:id.
func UpdateModelHandler(svc Service, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var patch lifecycle.ModelPatch
		if err := (&echo.DefaultBinder{}).BindBody(c, &patch); err != nil {
			return BadRequest("request body should be a JSON object.", err)
		}
		if err := c.Validate(&patch); err != nil {
			return err
		}
		rec, err := svc.UpdateModel(c.Request().Context(), c.Param(param), patch)
		if err != nil {
			return FromLifecycleError(err)
		}
		return c.JSON(http.StatusOK, rec)
	}
}

// DeleteModelHandler serves DELETE /models/:id.
func DeleteModelHandler(svc Service, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		rec, err := svc.DeleteModel(c.Request().Context(), c.Param(param))
		if err != nil {
			return FromLifecycleError(err)
		}
		return c.JSON(http.StatusOK, MessageResponse{Message: "model deleted", ID: rec.ID})
	}
}

// DeployModelHandler serves POST /models/:id/deploy. The deploy runs in
// the background; the response carries the record in deploying.
func DeployModelHandler(svc Service, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		rec, err := svc.DeployModel(c.Request().Context(), c.Param(param))
		if err != nil {
			return FromLifecycleError(err)
		}
		return c.JSON(http.StatusAccepted, rec)
	}
}

// UndeployModelHandler serves POST /models/:id/undeploy.
func UndeployModelHandler(svc Service, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		rec, err := svc.UndeployModel(c.Request().Context(), c.Param(param))
		if err != nil {
			return FromLifecycleError(err)
		}
		return c.JSON(http.StatusAccepted, rec)
	}
}

// HistoryHandler serves GET /models/:id/history?skip=&limit=.
func HistoryHandler(svc Service, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		skip, limit, err := pagination(c)
		if err != nil {
			return err
		}
		ts, err := svc.History(c.Request().Context(), c.Param(param), skip, limit)
		if err != nil {
			return FromLifecycleError(err)
		}
		return c.JSON(http.StatusOK, ts)
	}
}

func pagination(c echo.Context) (skip, limit int, err error) {
	if berr := echo.QueryParamsBinder(c).
		Int("skip", &skip).
		Int("limit", &limit).
		BindError(); berr != nil {
		return 0, 0, Unprocessable(
			"skip and limit must be integers",
			WithCode(lifecycle.ErrCodeValidation),
			WithError(berr),
		)
	}
	return skip, limit, nil
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	Error   string `json:"error,omitempty"`
}

// HealthHandler serves GET /health, answering 503 when a check fails.
func HealthHandler(name, version string, checks ...HealthChecker) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := HealthResponse{Status: "healthy", Service: name, Version: version}
		for _, check := range checks {
			if err := check.HealthCheck(c.Request().Context()); err != nil {
				resp.Status = "unhealthy"
				resp.Error = err.Error()
				return c.JSON(http.StatusServiceUnavailable, resp)
			}
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// RootHandler serves GET / with the service name and version.
func RootHandler(name, version string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"name":    name,
			"version": version,
			"api":     APIRoot,
		})
	}
}
