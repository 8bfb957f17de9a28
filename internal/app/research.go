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
)

func runResearch(args []string) int {
	if len(args) == 0 {
		printResearchUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printResearchUsage()
		return 0
	case "import":
		return runResearchImport(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown research action: %s\n\n", args[0])
		printResearchUsage()
		return 2
	}
}

func printResearchUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  scout research import [flags] <file.json>...")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Each file is validated against the research schema before it is stored.")
}

func runResearchImport(args []string) int {
	fs := flag.NewFlagSet("research import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	actor := fs.String("actor", "cli", "Actor recorded as the document's last editor")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	files := fs.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "research import requires at least one file")
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

	failed := 0
	for _, path := range files {
		if err := st.importResearchFile(ctx, path, *actor); err != nil {
			fmt.Fprintln(os.Stderr, err)
			failed++
			continue
		}
		fmt.Printf("imported %s\n", path)
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d research files failed\n", failed, len(files))
		return 1
	}
	return 0
}
