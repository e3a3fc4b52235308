// Package api serves the job status API used by polling clients.
package api

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/malarialab/smearscan/internal/analysis"
	"github.com/malarialab/smearscan/internal/conf"
	"github.com/malarialab/smearscan/internal/logger"
)

const (
	componentName = "api"
	bodyLimit     = "1M"
	rateWindow    = 3 * time.Minute
)

// Queue is the job queue the API fronts.
type Queue interface {
	Available() bool
	Enqueue(sessionID, testID string, imagePaths []string) bool
	GetStatus(sessionID string) *analysis.StatusReport
	Cancel(sessionID string) bool
	QueueStatus() analysis.Snapshot
}

// ReadinessChecker reports whether the detection model can serve requests.
type ReadinessChecker interface {
	CheckReady(ctx context.Context) error
}

// Server wraps the echo instance with its handlers.
type Server struct {
	Echo *echo.Echo

	settings  conf.WebServerSettings
	queue     Queue
	ready     ReadinessChecker
	metrics   http.Handler
	log       logger.Logger
	startTime time.Time
	memory    func() (*mem.VirtualMemoryStat, error)
}

// New builds the server and registers its routes. ready and metricsHandler
// may be nil.
func New(settings *conf.Settings, queue Queue, ready ReadinessChecker, metricsHandler http.Handler, log logger.Logger) *Server {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	s := &Server{
		Echo:      echo.New(),
		settings:  settings.WebServer,
		queue:     queue,
		ready:     ready,
		metrics:   metricsHandler,
		log:       log,
		startTime: time.Now(),
		memory:    mem.VirtualMemory,
	}
	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.HTTPErrorHandler = s.handleHTTPError

	s.Echo.Use(middleware.Recover())
	s.Echo.Use(middleware.BodyLimit(bodyLimit))
	s.Echo.Use(middleware.RequestID())
	s.Echo.Use(s.requestLogger)

	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	s.Echo.GET("/health", s.HealthCheck)
	if s.metrics != nil {
		s.Echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	g := s.Echo.Group("/api/v1")
	g.POST("/jobs", s.EnqueueJob, s.enqueueRateLimiter())
	g.GET("/jobs/:sessionId", s.GetJobStatus)
	g.DELETE("/jobs/:sessionId", s.CancelJob)
	g.GET("/queue", s.GetQueueStatus)
}

func (s *Server) enqueueRateLimiter() echo.MiddlewareFunc {
	limit := rate.Limit(s.settings.EnqueueRate)
	if s.settings.EnqueueRate <= 0 {
		limit = rate.Inf
	}
	burst := max(s.settings.EnqueueBurst, 1)

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      limit,
			Burst:     burst,
			ExpiresIn: rateWindow,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, NewErrorResponse("could not identify client", http.StatusForbidden))
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, NewErrorResponse("too many job submissions, retry later", http.StatusTooManyRequests))
		},
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.settings.Listen)
	if err != nil {
		return err
	}
	if s.settings.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.settings.MaxConnections)
	}
	s.Echo.Listener = ln

	s.log.Info("HTTP server listening",
		logger.String("address", ln.Addr().String()),
		logger.Int("max_connections", s.settings.MaxConnections))
	if err := s.Echo.Start(s.settings.Listen); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}

// requestLogger tags the request context with the request id so handler
// logs carry it as trace_id.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		if rid := c.Response().Header().Get(echo.HeaderXRequestID); rid != "" {
			c.SetRequest(req.WithContext(logger.WithTraceID(req.Context(), rid)))
		}

		err := next(c)
		if c.Path() == "/health" || c.Path() == "/metrics" {
			return err
		}
		s.requestLog(c).Debug("request handled",
			logger.String("method", c.Request().Method),
			logger.String("path", c.Path()),
			logger.Int("status", c.Response().Status),
			logger.Duration("elapsed", time.Since(start)),
			logger.String("ip", c.RealIP()))
		return err
	}
}

func (s *Server) requestLog(c echo.Context) logger.Logger {
	return s.log.WithContext(c.Request().Context())
}

func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	var he *echo.HTTPError
	if stderrors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	} else {
		s.requestLog(c).Error("unhandled request error",
			logger.String("path", c.Path()),
			logger.Error(err))
	}
	if jsonErr := c.JSON(code, NewErrorResponse(msg, code)); jsonErr != nil {
		s.log.Warn("failed to write error response", logger.Error(jsonErr))
	}
}
