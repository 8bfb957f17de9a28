package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/scout/internal/cli"
	"horse.fit/scout/internal/intel"
)

// runDistill processes a page saved on disk, for rulesets under development
// or pages the fetcher cannot reach.
func runDistill(args []string) int {
	fs := flag.NewFlagSet("distill", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	organizationID := fs.String("org", "", "Organization ID owning the scrape")
	industryID := fs.String("industry", "", "Industry ruleset to distill against")
	pageURL := fs.String("url", "", "Source URL recorded with the scrape")
	htmlFile := fs.String("file", "", "HTML file to distill")
	platform := fs.String("platform", "", "Platform tag for extracted signals")
	recordID := fs.String("record", "", "Record ID to attach signals to (defaults to the scrape ID)")
	researchFile := fs.String("research", "", "Research JSON file to import first (optional)")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "distill does not accept positional arguments")
		return 2
	}
	for name, value := range map[string]string{"--org": *organizationID, "--industry": *industryID, "--url": *pageURL, "--file": *htmlFile} {
		if strings.TrimSpace(value) == "" {
			fmt.Fprintf(os.Stderr, "%s is required\n", name)
			return 2
		}
	}

	raw, err := os.ReadFile(*htmlFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", *htmlFile, err)
		return 1
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

	result, err := st.intel.ProcessAndStoreScrape(ctx, intel.ProcessInput{
		OrganizationID: *organizationID,
		IndustryID:     *industryID,
		RecordID:       *recordID,
		URL:            *pageURL,
		Platform:       *platform,
		RawHTML:        string(raw),
	})
	if err != nil {
		st.logger.Error().Err(err).Str("file", *htmlFile).Msg("distill failed")
		fmt.Fprintf(os.Stderr, "Distill failed: %v\n", err)
		return 1
	}

	if err := printJSON(result); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		return 1
	}
	return 0
}
