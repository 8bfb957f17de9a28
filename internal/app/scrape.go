package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"horse.fit/scout/internal/cli"
	"horse.fit/scout/internal/intel"
	"horse.fit/scout/internal/jobrunner"
)

func runScrape(args []string) int {
	fs := flag.NewFlagSet("scrape", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	organizationID := fs.String("org", "", "Organization ID owning the scrapes")
	industryID := fs.String("industry", "", "Industry ruleset to distill against (empty fetches only)")
	platform := fs.String("platform", "", "Platform tag for extracted signals")
	recordID := fs.String("record", "", "Record ID to attach signals to (single URL only)")
	priority := fs.String("priority", string(jobrunner.PriorityNormal), "Job priority: low, normal, high or urgent")
	researchFile := fs.String("research", "", "Research JSON file to import before scraping (optional)")
	timeout := fs.Duration("timeout", 2*time.Minute, "Overall command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	urls := fs.Args()
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "scrape requires at least one URL")
		return 2
	}
	if strings.TrimSpace(*organizationID) == "" {
		fmt.Fprintln(os.Stderr, "--org is required")
		return 2
	}
	if *recordID != "" && len(urls) > 1 {
		fmt.Fprintln(os.Stderr, "--record can only be used with a single URL")
		return 2
	}
	jobPriority, err := jobrunner.ParsePriority(*priority)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid priority: %v\n", err)
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	st, err := buildStack(ctx, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()

	if *researchFile != "" {
		if err := st.importResearchFile(ctx, *researchFile, "cli"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	runner := st.newRunner()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = runner.Shutdown(shutdownCtx)
	}()

	jobs := make([]jobrunner.JobConfig, 0, len(urls))
	for _, rawURL := range urls {
		jobs = append(jobs, jobrunner.JobConfig{
			JobID:           uuid.NewString(),
			OrganizationID:  *organizationID,
			URL:             rawURL,
			Platform:        *platform,
			Priority:        jobPriority,
			RelatedRecordID: *recordID,
			IndustryID:      *industryID,
		})
	}

	submitted, failures := runner.SubmitBatch(jobs)
	for _, failure := range failures {
		fmt.Fprintf(os.Stderr, "Rejected %s: %s\n", urls[failure.Index], failure.Error)
	}

	results := make([]jobrunner.JobResult, 0, len(submitted))
	exitCode := 0
	if len(failures) > 0 {
		exitCode = 1
	}
	for _, job := range submitted {
		res, err := runner.WaitForJob(ctx, job.JobID, 0)
		if err != nil {
			st.logger.Error().Err(err).Str("job_id", job.JobID).Str("url", job.URL).Msg("scrape wait failed")
			fmt.Fprintf(os.Stderr, "Waiting for %s failed: %v\n", job.URL, err)
			exitCode = 1
			continue
		}
		if res.Status != jobrunner.StatusCompleted {
			exitCode = 1
		}
		res.Page = nil
		results = append(results, res)
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(results); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return exitCode
	}

	rows := make([][]string, 0, len(results))
	for _, res := range results {
		score, signals, record := "", "", ""
		if processed, ok := res.Output.(*intel.ProcessResult); ok && processed != nil {
			score = fmt.Sprintf("%.1f", processed.LeadScore)
			record = processed.RecordID
			if processed.Distillation != nil {
				signals = fmt.Sprintf("%d", len(processed.Distillation.Signals))
			}
		}
		rows = append(rows, []string{res.URL, string(res.Status), record, signals, score, res.Error})
	}
	if err := writeTable([]string{"url", "status", "record", "signals", "lead_score", "error"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return exitCode
}
