package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"horse.fit/scout/internal/apperr"
	"horse.fit/scout/internal/intel"
	"horse.fit/scout/internal/jobrunner"
	"horse.fit/scout/internal/training"
)

const defaultJobWait = 30 * time.Second

func (s *Server) handleHealth(c echo.Context) error {
	health := s.svc.Intel.HealthCheck(c.Request().Context())
	data := map[string]any{
		"service": "scout",
		"health":  health,
	}
	if s.svc.Jobs != nil {
		data["jobs"] = s.svc.Jobs.Stats()
	}
	if health.Status != intel.HealthHealthy {
		return errorWithStatus(c, http.StatusServiceUnavailable, "Service degraded", data)
	}
	return success(c, data)
}

func (s *Server) handleProcessScrape(c echo.Context) error {
	var in intel.ProcessInput
	if err := bindJSON(c, &in); err != nil {
		return s.respondError(c, err)
	}
	res, err := s.svc.Intel.ProcessAndStoreScrape(c.Request().Context(), in)
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, res)
}

func (s *Server) handleBatchProcess(c echo.Context) error {
	var body struct {
		Items []intel.ProcessInput `json:"items"`
	}
	if err := bindJSON(c, &body); err != nil {
		return s.respondError(c, err)
	}
	if len(body.Items) == 0 {
		return s.respondError(c, apperr.New(apperr.KindValidation, "items must not be empty"))
	}
	results, failures := s.svc.Intel.BatchProcessScrapes(c.Request().Context(), body.Items)
	return success(c, map[string]any{
		"results":  results,
		"failures": failures,
	})
}

func (s *Server) handleGetScrape(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	row, found, err := s.svc.Archive.Get(c.Request().Context(), id)
	if err != nil {
		return s.respondError(c, err)
	}
	if !found {
		return s.respondError(c, apperr.New(apperr.KindScrapeNotFound, "Scrape %s not found", id))
	}
	return success(c, row)
}

func (s *Server) handleScrapesByURL(c echo.Context) error {
	orgID := strings.TrimSpace(c.QueryParam("organization_id"))
	url := strings.TrimSpace(c.QueryParam("url"))
	if orgID == "" || url == "" {
		return s.respondError(c, apperr.New(apperr.KindValidation, "organization_id and url are required"))
	}
	rows, err := s.svc.Archive.ListByURL(c.Request().Context(), orgID, url)
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, map[string]any{"items": rows})
}

func (s *Server) handleScrapeStats(c echo.Context) error {
	ctx := c.Request().Context()
	orgID := strings.TrimSpace(c.QueryParam("organization_id"))
	stats, err := s.svc.Archive.Stats(ctx, orgID)
	if err != nil {
		return s.respondError(c, err)
	}
	cost, err := s.svc.Archive.StorageCost(ctx, orgID)
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, map[string]any{
		"stats": stats,
		"cost":  cost,
	})
}

func (s *Server) handleGetResearch(c echo.Context) error {
	doc, err := s.svc.Intel.GetResearch(c.Request().Context(), callerID(c), c.Param("industry_id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, doc)
}

func (s *Server) handlePutResearch(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.respondError(c, apperr.Wrap(apperr.KindValidation, err, "read body"))
	}
	var probe struct {
		IndustryID string `json:"industry_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return s.respondError(c, apperr.Wrap(apperr.KindValidation, err, "invalid JSON body"))
	}
	if probe.IndustryID != c.Param("industry_id") {
		return s.respondError(c, apperr.New(apperr.KindValidation, "industry_id in body must match the path"))
	}
	doc, err := s.svc.Intel.ImportResearch(c.Request().Context(), raw, callerID(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, doc)
}

func (s *Server) handleDeleteResearch(c echo.Context) error {
	industryID := c.Param("industry_id")
	deleted, err := s.svc.Intel.DeleteResearch(c.Request().Context(), industryID)
	if err != nil {
		return s.respondError(c, err)
	}
	if !deleted {
		return s.respondError(c, apperr.New(apperr.KindResearchNotFound, "Research intelligence for industry %s not found", industryID))
	}
	return success(c, map[string]any{"deleted": true})
}

func (s *Server) handleGetSignals(c echo.Context) error {
	rows, err := s.svc.Intel.GetExtractedSignals(c.Request().Context(), callerID(c), c.Param("organization_id"), c.Param("record_id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, map[string]any{"items": rows})
}

func (s *Server) handleDeleteSignals(c echo.Context) error {
	deleted, err := s.svc.Intel.DeleteExtractedSignals(c.Request().Context(), c.Param("organization_id"), c.Param("record_id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, map[string]any{"deleted": deleted})
}

type feedbackRequest struct {
	OrganizationID string  `json:"organization_id"`
	UserID         string  `json:"user_id"`
	FeedbackType   string  `json:"feedback_type"`
	SignalID       string  `json:"signal_id"`
	SourceScrapeID string  `json:"source_scrape_id"`
	SourceText     string  `json:"source_text"`
	CorrectedValue *string `json:"corrected_value,omitempty"`
}

func (s *Server) handleSubmitFeedback(c echo.Context) error {
	var body feedbackRequest
	if err := bindJSON(c, &body); err != nil {
		return s.respondError(c, err)
	}
	row, err := s.svc.Training.SubmitFeedback(c.Request().Context(), training.FeedbackInput{
		OrganizationID: body.OrganizationID,
		UserID:         body.UserID,
		FeedbackType:   training.FeedbackType(strings.ToLower(strings.TrimSpace(body.FeedbackType))),
		SignalID:       body.SignalID,
		SourceScrapeID: body.SourceScrapeID,
		SourceText:     body.SourceText,
		CorrectedValue: body.CorrectedValue,
	})
	if err != nil {
		return s.respondError(c, err)
	}
	return successWithStatus(c, http.StatusAccepted, row)
}

func (s *Server) handleGetTraining(c echo.Context) error {
	row, err := s.svc.Training.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, row)
}

func (s *Server) handleTrainingHistory(c echo.Context) error {
	rows, err := s.svc.Training.ListHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, map[string]any{"items": rows})
}

type trainingChangeRequest struct {
	Actor     string `json:"actor"`
	Reason    string `json:"reason"`
	ToVersion int    `json:"to_version,omitempty"`
}

func bindOptionalJSON(c echo.Context, dst any) error {
	err := bindJSON(c, dst)
	if err != nil && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleActivateTraining(c echo.Context) error {
	var body trainingChangeRequest
	if err := bindOptionalJSON(c, &body); err != nil {
		return s.respondError(c, err)
	}
	row, err := s.svc.Training.Activate(c.Request().Context(), c.Param("id"), actorOf(c, body.Actor), body.Reason)
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, row)
}

func (s *Server) handleDeactivateTraining(c echo.Context) error {
	var body trainingChangeRequest
	if err := bindOptionalJSON(c, &body); err != nil {
		return s.respondError(c, err)
	}
	row, err := s.svc.Training.Deactivate(c.Request().Context(), c.Param("id"), actorOf(c, body.Actor), body.Reason)
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, row)
}

func (s *Server) handleRollbackTraining(c echo.Context) error {
	var body trainingChangeRequest
	if err := bindJSON(c, &body); err != nil {
		return s.respondError(c, err)
	}
	if body.ToVersion < 1 {
		return s.respondError(c, apperr.New(apperr.KindValidation, "to_version must be >= 1"))
	}
	row, err := s.svc.Training.Rollback(c.Request().Context(), c.Param("id"), body.ToVersion, actorOf(c, body.Actor), body.Reason)
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, row)
}

func actorOf(c echo.Context, actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return callerID(c)
}

func (s *Server) handleSignalAnalytics(c echo.Context) error {
	orgID := strings.TrimSpace(c.QueryParam("organization_id"))
	if orgID == "" {
		return s.respondError(c, apperr.New(apperr.KindValidation, "Organization ID is required"))
	}
	out, err := s.svc.Intel.GetSignalAnalytics(c.Request().Context(), callerID(c), orgID)
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, out)
}

func (s *Server) handleTrainingAnalytics(c echo.Context) error {
	orgID := strings.TrimSpace(c.QueryParam("organization_id"))
	if orgID == "" {
		return s.respondError(c, apperr.New(apperr.KindValidation, "Organization ID is required"))
	}
	out, err := s.svc.Training.Analytics(c.Request().Context(), orgID)
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, out)
}

type jobRequest struct {
	JobID           string `json:"job_id"`
	OrganizationID  string `json:"organization_id"`
	URL             string `json:"url"`
	Platform        string `json:"platform"`
	Priority        string `json:"priority"`
	RelatedRecordID string `json:"related_record_id"`
	IndustryID      string `json:"industry_id"`
	TimeoutMS       int64  `json:"timeout_ms"`
}

func (r jobRequest) config() jobrunner.JobConfig {
	return jobrunner.JobConfig{
		JobID:           r.JobID,
		OrganizationID:  r.OrganizationID,
		URL:             r.URL,
		Platform:        r.Platform,
		Priority:        jobrunner.Priority(r.Priority),
		RelatedRecordID: r.RelatedRecordID,
		IndustryID:      r.IndustryID,
		Timeout:         time.Duration(r.TimeoutMS) * time.Millisecond,
	}
}

func (s *Server) handleSubmitJob(c echo.Context) error {
	var body jobRequest
	if err := bindJSON(c, &body); err != nil {
		return s.respondError(c, err)
	}
	res, err := s.svc.Jobs.Submit(body.config())
	if err != nil {
		return s.respondError(c, err)
	}
	return successWithStatus(c, http.StatusAccepted, res)
}

func (s *Server) handleSubmitJobBatch(c echo.Context) error {
	var body struct {
		Jobs []jobRequest `json:"jobs"`
	}
	if err := bindJSON(c, &body); err != nil {
		return s.respondError(c, err)
	}
	cfgs := make([]jobrunner.JobConfig, 0, len(body.Jobs))
	for _, job := range body.Jobs {
		cfgs = append(cfgs, job.config())
	}
	results, failures := s.svc.Jobs.SubmitBatch(cfgs)
	return successWithStatus(c, http.StatusAccepted, map[string]any{
		"results":  results,
		"failures": failures,
	})
}

func (s *Server) handleJobStats(c echo.Context) error {
	return success(c, s.svc.Jobs.Stats())
}

func (s *Server) handleGetJob(c echo.Context) error {
	id := c.Param("id")
	res, ok := s.svc.Jobs.GetJobResult(id)
	if !ok {
		return s.respondError(c, apperr.New(apperr.KindNotFound, "Job not found: %s", id))
	}
	return success(c, res)
}

func (s *Server) handleWaitJob(c echo.Context) error {
	timeout := defaultJobWait
	if raw := strings.TrimSpace(c.QueryParam("timeout")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return s.respondError(c, apperr.New(apperr.KindValidation, "timeout must be a positive duration like 5s"))
		}
		timeout = parsed
	}
	timeout = min(timeout, s.opts.MaxWait)

	res, err := s.svc.Jobs.WaitForJob(c.Request().Context(), c.Param("id"), timeout)
	if err != nil {
		return s.respondError(c, err)
	}
	return success(c, res)
}

func (s *Server) handleCancelJob(c echo.Context) error {
	id := c.Param("id")
	if _, ok := s.svc.Jobs.GetJobResult(id); !ok {
		return s.respondError(c, apperr.New(apperr.KindNotFound, "Job not found: %s", id))
	}
	return success(c, map[string]any{"cancelled": s.svc.Jobs.CancelJob(id)})
}

func (s *Server) handleClearCaches(c echo.Context) error {
	s.svc.Intel.ClearAllCaches()
	return success(c, map[string]any{"cleared": true})
}

func (s *Server) handleInvalidateOrganization(c echo.Context) error {
	dropped := s.svc.Intel.InvalidateOrganizationCaches(c.Param("organization_id"))
	return success(c, map[string]any{"invalidated": dropped})
}
