package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"horse.fit/scout/internal/archive"
	"horse.fit/scout/internal/cli"
	"horse.fit/scout/internal/httpapi"
	"horse.fit/scout/internal/logging"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8090, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 90*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	maxWait := fs.Duration("max-wait", 60*time.Second, "Upper bound for job wait requests")
	researchFile := fs.String("research", "", "Research JSON file to import at startup (optional)")
	noSweep := fs.Bool("no-sweep", false, "Disable the periodic temporary scrape sweeper")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer connectCancel()

	st, err := buildStack(connectCtx, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()

	if *researchFile != "" {
		if err := st.importResearchFile(connectCtx, *researchFile, "serve"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		cancel()
	}()

	runner := st.newRunner()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownTimeout)
		defer shutdownCancel()
		if err := runner.Shutdown(shutdownCtx); err != nil {
			st.logger.Warn().Err(err).Msg("job runner shutdown incomplete")
		}
	}()

	var wg sync.WaitGroup
	if !*noSweep {
		sweeper := archive.NewSweeper(st.archive, archive.SweeperConfig{
			Interval: st.cfg.SweepInterval,
		}, logging.Component(st.logger, "sweeper"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Run(ctx)
		}()
	}
	defer wg.Wait()

	srv := httpapi.NewServer(httpapi.Services{
		Intel:    st.intel,
		Training: st.training,
		Jobs:     runner,
		Archive:  st.archive,
	}, logging.Component(st.logger, "httpapi"), httpapi.Options{
		Host:            *host,
		Port:            *port,
		ReadTimeout:     *readTimeout,
		WriteTimeout:    *writeTimeout,
		ShutdownTimeout: *shutdownTimeout,
		MaxWait:         *maxWait,
	})

	if err := srv.Start(ctx); err != nil {
		cancel()
		st.logger.Error().Err(err).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}
	cancel()

	return 0
}
