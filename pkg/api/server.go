// Package api serves the modeld HTTP API with echo.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// APIRoot prefixes every model route.
const APIRoot = "/api/v1"

const idParam = "id"

func api(subpath string) string {
	return APIRoot + subpath
}

// Options configure the server.
type Options struct {
	Name     string
	Version  string
	LogLevel string

	Service Service

	// Health checks consulted by /health.
	Health []HealthChecker

	// Metrics is optional.
	Metrics HTTPMetrics

	Logger zerolog.Logger
}

// BuildServer wires routes and middleware onto a new echo instance.
func BuildServer(opts Options) *echo.Echo {
	logger := opts.Logger.With().Str("component", "api").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	SetLevel(e, opts.LogLevel)

	e.Validator = NewValidator()
	e.HTTPErrorHandler = ErrorHandler(logger)

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error().Err(err).Bytes("stack", stack).Str("path", c.Request().URL.Path).Msg("Handler panicked")
			return err
		},
	}))
	e.Use(LogHandlerFunc(logger, opts.Metrics))
	e.Use(TraceHandlerFunc())

	e.GET("/", RootHandler(opts.Name, opts.Version))
	e.GET("/health", HealthHandler(opts.Name, opts.Version, opts.Health...))

	svc := opts.Service
	e.GET(api("/models"), ListModelsHandler(svc))
	e.POST(api("/models"), CreateModelHandler(svc))
	e.GET(api("/models/:"+idParam), GetModelHandler(svc, idParam)).Name = "getModel"
	e.PUT(api("/models/:"+idParam), UpdateModelHandler(svc, idParam))
	e.DELETE(api("/models/:"+idParam), DeleteModelHandler(svc, idParam))
	e.POST(api("/models/:"+idParam+"/deploy"), DeployModelHandler(svc, idParam))
	e.POST(api("/models/:"+idParam+"/undeploy"), UndeployModelHandler(svc, idParam))
	e.GET(api("/models/:"+idParam+"/history"), HistoryHandler(svc, idParam))

	return e
}

// Server runs the API on an address.
type Server struct {
	echo   *echo.Echo
	server *http.Server
	logger zerolog.Logger
}

// NewServer builds the API server.
func NewServer(address string, readTimeout, writeTimeout time.Duration, opts Options) *Server {
	e := BuildServer(opts)
	return &Server{
		echo: e,
		server: &http.Server{
			Addr:              address,
			Handler:           e,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      writeTimeout,
		},
		logger: opts.Logger.With().Str("component", "api").Logger(),
	}
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.server.Addr).Msg("API server listening")
	if err := s.echo.StartServer(s.server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve api: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down api server: %w", err)
	}
	return nil
}
