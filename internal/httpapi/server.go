package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/scout/internal/apperr"
	"horse.fit/scout/internal/archive"
	"horse.fit/scout/internal/db"
	"horse.fit/scout/internal/intel"
	"horse.fit/scout/internal/jobrunner"
	"horse.fit/scout/internal/research"
	"horse.fit/scout/internal/training"
)

// CallerHeader identifies the API caller for read rate limiting. Requests
// without it are limited by client IP.
const CallerHeader = "X-Caller-ID"

type IntelService interface {
	HealthCheck(ctx context.Context) intel.Health
	ProcessAndStoreScrape(ctx context.Context, in intel.ProcessInput) (*intel.ProcessResult, error)
	BatchProcessScrapes(ctx context.Context, inputs []intel.ProcessInput) ([]*intel.ProcessResult, []intel.BatchFailure)
	GetResearch(ctx context.Context, callerID, industryID string) (*research.Intelligence, error)
	ImportResearch(ctx context.Context, raw json.RawMessage, actor string) (*research.Intelligence, error)
	DeleteResearch(ctx context.Context, industryID string) (bool, error)
	GetExtractedSignals(ctx context.Context, callerID, organizationID, recordID string) ([]db.ExtractedSignal, error)
	DeleteExtractedSignals(ctx context.Context, organizationID, recordID string) (int64, error)
	GetSignalAnalytics(ctx context.Context, callerID, organizationID string) (db.SignalAnalytics, error)
	ClearAllCaches()
	InvalidateOrganizationCaches(organizationID string) int
}

type TrainingService interface {
	SubmitFeedback(ctx context.Context, in training.FeedbackInput) (db.TrainingFeedback, error)
	Get(ctx context.Context, id string) (db.TrainingData, error)
	ListHistory(ctx context.Context, id string) ([]db.TrainingHistory, error)
	Deactivate(ctx context.Context, id, actor, reason string) (db.TrainingData, error)
	Activate(ctx context.Context, id, actor, reason string) (db.TrainingData, error)
	Rollback(ctx context.Context, id string, toVersion int, actor, reason string) (db.TrainingData, error)
	Analytics(ctx context.Context, organizationID string) (db.TrainingAnalytics, error)
}

type JobService interface {
	Submit(cfg jobrunner.JobConfig) (jobrunner.JobResult, error)
	SubmitBatch(cfgs []jobrunner.JobConfig) ([]jobrunner.JobResult, []jobrunner.BatchFailure)
	GetJobResult(id string) (jobrunner.JobResult, bool)
	WaitForJob(ctx context.Context, id string, timeout time.Duration) (jobrunner.JobResult, error)
	CancelJob(id string) bool
	Stats() jobrunner.Stats
}

type ArchiveService interface {
	Get(ctx context.Context, id string) (db.TemporaryScrape, bool, error)
	ListByURL(ctx context.Context, organizationID, url string) ([]db.TemporaryScrape, error)
	Stats(ctx context.Context, organizationID string) (db.ScrapeStorageStats, error)
	StorageCost(ctx context.Context, organizationID string) (archive.StorageCost, error)
}

type Services struct {
	Intel    IntelService
	Training TrainingService
	Jobs     JobService
	Archive  ArchiveService
}

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// MaxWait caps the wait query parameter of GET /jobs/:id/wait.
	MaxWait time.Duration
}

type Server struct {
	svc    Services
	logger zerolog.Logger
	opts   Options
}

func NewServer(svc Services, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 90 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = 60 * time.Second
	}

	return &Server{
		svc:    svc,
		logger: logger,
		opts: Options{
			Host:            host,
			Port:            port,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
			MaxWait:         maxWait,
		},
	}
}

// Handler builds the echo instance with every route registered.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("8M"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Info()
			if v.Error != nil {
				event = s.logger.Error().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)

	api.POST("/scrapes/process", s.handleProcessScrape)
	api.POST("/scrapes/batch", s.handleBatchProcess)
	api.GET("/scrapes/stats", s.handleScrapeStats)
	api.GET("/scrapes/by-url", s.handleScrapesByURL)
	api.GET("/scrapes/:id", s.handleGetScrape)

	api.GET("/research/:industry_id", s.handleGetResearch)
	api.PUT("/research/:industry_id", s.handlePutResearch)
	api.DELETE("/research/:industry_id", s.handleDeleteResearch)

	api.GET("/signals/:organization_id/:record_id", s.handleGetSignals)
	api.DELETE("/signals/:organization_id/:record_id", s.handleDeleteSignals)

	api.POST("/feedback", s.handleSubmitFeedback)
	api.GET("/training/:id", s.handleGetTraining)
	api.GET("/training/:id/history", s.handleTrainingHistory)
	api.POST("/training/:id/activate", s.handleActivateTraining)
	api.POST("/training/:id/deactivate", s.handleDeactivateTraining)
	api.POST("/training/:id/rollback", s.handleRollbackTraining)

	api.GET("/analytics/signals", s.handleSignalAnalytics)
	api.GET("/analytics/training", s.handleTrainingAnalytics)

	api.POST("/jobs", s.handleSubmitJob)
	api.POST("/jobs/batch", s.handleSubmitJobBatch)
	api.GET("/jobs/stats", s.handleJobStats)
	api.GET("/jobs/:id", s.handleGetJob)
	api.GET("/jobs/:id/wait", s.handleWaitJob)
	api.DELETE("/jobs/:id", s.handleCancelJob)

	api.POST("/caches/clear", s.handleClearCaches)
	api.DELETE("/caches/organizations/:organization_id", s.handleInvalidateOrganization)

	return e
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.svc.Intel == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.Handler()
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("scout api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("scout api server stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		message := http.StatusText(he.Code)
		if v, ok := he.Message.(string); ok && strings.TrimSpace(v) != "" {
			message = v
		}
		if he.Code >= 500 {
			_ = internalError(c, "Internal server error")
			return
		}
		_ = fail(c, he.Code, message, nil)
		return
	}
	_ = s.respondError(c, err)
}

// respondError writes err as a jsend envelope whose HTTP status follows the
// error kind. Unclassified errors are logged and reported as internal.
func (s *Server) respondError(c echo.Context, err error) error {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if kind == apperr.KindInternal {
		s.logger.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("request failed")
		return internalError(c, "Internal server error")
	}
	data := map[string]any{"kind": kind, "retryable": apperr.Retryable(err)}
	if status >= 500 {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("request failed")
		return errorWithStatus(c, status, err.Error(), data)
	}
	return fail(c, status, err.Error(), data)
}

func callerID(c echo.Context) string {
	if id := strings.TrimSpace(c.Request().Header.Get(CallerHeader)); id != "" {
		return id
	}
	return c.RealIP()
}

func bindJSON(c echo.Context, dst any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid JSON body")
	}
	return nil
}
