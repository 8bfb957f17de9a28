package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"horse.fit/scout/internal/archive"
	"horse.fit/scout/internal/cli"
	"horse.fit/scout/internal/db"
)

type statsReport struct {
	OrganizationID string                `json:"organization_id,omitempty"`
	Storage        db.ScrapeStorageStats `json:"storage"`
	StorageCost    archive.StorageCost   `json:"storage_cost"`
	Signals        db.SignalAnalytics    `json:"signals"`
	Training       db.TrainingAnalytics  `json:"training"`
}

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	organizationID := fs.String("org", "", "Organization ID (empty aggregates all)")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stats does not accept positional arguments")
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

	report := statsReport{OrganizationID: *organizationID}
	if report.Storage, err = st.archive.Stats(ctx, *organizationID); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query storage stats: %v\n", err)
		return 1
	}
	if report.StorageCost, err = st.archive.StorageCost(ctx, *organizationID); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query storage cost: %v\n", err)
		return 1
	}
	if report.Signals, err = st.intel.GetSignalAnalytics(ctx, "", *organizationID); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query signal analytics: %v\n", err)
		return 1
	}
	if report.Training, err = st.training.Analytics(ctx, *organizationID); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query training analytics: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(report); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	storageRows := [][]string{
		{"total_scrapes", fmt.Sprintf("%d", report.Storage.TotalScrapes)},
		{"total_bytes", fmt.Sprintf("%d", report.Storage.TotalBytes)},
		{"average_size_bytes", fmt.Sprintf("%.0f", report.Storage.AverageSizeBytes)},
		{"flagged", fmt.Sprintf("%d", report.Storage.FlaggedCount)},
		{"verified", fmt.Sprintf("%d", report.Storage.VerifiedCount)},
		{"expired", fmt.Sprintf("%d", report.Storage.ExpiredCount)},
		{"oldest_scrape", formatTimestampPtr(report.Storage.OldestScrape)},
		{"newest_scrape", formatTimestampPtr(report.Storage.NewestScrape)},
		{"monthly_cost_usd", fmt.Sprintf("%.4f", report.StorageCost.MonthlyCostUSD)},
	}
	if err := writeTable([]string{"storage", "value"}, storageRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render storage table: %v\n", err)
		return 1
	}

	fmt.Println()
	signalRows := make([][]string, 0, len(report.Signals.BySignal)+1)
	for _, row := range report.Signals.BySignal {
		signalRows = append(signalRows, []string{
			row.SignalID,
			fmt.Sprintf("%d", row.Count),
			fmt.Sprintf("%.1f", row.AverageConfidence),
		})
	}
	signalRows = append(signalRows, []string{
		"TOTAL",
		fmt.Sprintf("%d", report.Signals.TotalSignals),
		fmt.Sprintf("%.1f", report.Signals.AverageConfidence),
	})
	if err := writeTable([]string{"signal", "count", "avg_confidence"}, signalRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render signal table: %v\n", err)
		return 1
	}

	fmt.Println()
	trainingRows := [][]string{
		{"total_feedback", fmt.Sprintf("%d", report.Training.TotalFeedback)},
		{"processed_feedback", fmt.Sprintf("%d", report.Training.ProcessedFeedback)},
		{"total_patterns", fmt.Sprintf("%d", report.Training.TotalPatterns)},
		{"active_patterns", fmt.Sprintf("%d", report.Training.ActivePatterns)},
		{"avg_confidence", fmt.Sprintf("%.1f", report.Training.AverageConfidence)},
	}
	feedbackTypes := make([]string, 0, len(report.Training.FeedbackByType))
	for kind := range report.Training.FeedbackByType {
		feedbackTypes = append(feedbackTypes, kind)
	}
	sort.Strings(feedbackTypes)
	for _, kind := range feedbackTypes {
		trainingRows = append(trainingRows, []string{"feedback_" + kind, fmt.Sprintf("%d", report.Training.FeedbackByType[kind])})
	}
	if err := writeTable([]string{"training", "value"}, trainingRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render training table: %v\n", err)
		return 1
	}

	return 0
}
