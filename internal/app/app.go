package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "serve":
		return runServe(args[1:])
	case "scrape":
		return runScrape(args[1:])
	case "distill":
		return runDistill(args[1:])
	case "sweep":
		return runSweep(args[1:])
	case "research":
		return runResearch(args[1:])
	case "stats":
		return runStats(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "scout CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  scout <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health     Verify store connectivity")
	fmt.Fprintln(os.Stderr, "  serve      Start Echo API server with job runner and sweeper")
	fmt.Fprintln(os.Stderr, "  scrape     Fetch URLs through the job runner and distill them")
	fmt.Fprintln(os.Stderr, "  distill    Distill a local HTML file against an industry ruleset")
	fmt.Fprintln(os.Stderr, "  sweep      Delete flagged and expired temporary scrapes once")
	fmt.Fprintln(os.Stderr, "  research   Manage industry research documents (import)")
	fmt.Fprintln(os.Stderr, "  stats      Show storage, signal and training statistics")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"scout <command> -h\" for command-specific flags.")
}
