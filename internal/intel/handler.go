package intel

import (
	"context"

	"horse.fit/scout/internal/apperr"
	"horse.fit/scout/internal/db"
	"horse.fit/scout/internal/jobrunner"
	"horse.fit/scout/internal/reader"
)

// HandlePage processes a page fetched by the job runner. Jobs without an
// industry only fetch.
func (s *Service) HandlePage(ctx context.Context, job jobrunner.JobConfig, page *reader.Page) (any, error) {
	if s == nil {
		return nil, errServiceNotInitialized
	}
	if page == nil {
		return nil, apperr.New(apperr.KindInternal, "job %s produced no page", job.JobID)
	}
	if job.IndustryID == "" {
		return nil, nil
	}
	return s.ProcessAndStoreScrape(ctx, ProcessInput{
		OrganizationID: job.OrganizationID,
		IndustryID:     job.IndustryID,
		RecordID:       job.RelatedRecordID,
		URL:            page.URL,
		Platform:       job.Platform,
		RawHTML:        page.RawHTML,
		CleanedContent: page.CleanedContent,
		Metadata: db.ScrapeMetadata{
			Title:       page.Metadata.Title,
			Description: page.Metadata.Description,
			Keywords:    page.Metadata.Keywords,
			Language:    page.Metadata.Language,
		},
	})
}

var _ jobrunner.PageHandler = (*Service)(nil).HandlePage
