package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/scout/internal/archive"
	"horse.fit/scout/internal/cli"
	"horse.fit/scout/internal/config"
	"horse.fit/scout/internal/db"
	"horse.fit/scout/internal/distill"
	"horse.fit/scout/internal/intel"
	"horse.fit/scout/internal/jobrunner"
	"horse.fit/scout/internal/langdetect"
	"horse.fit/scout/internal/logging"
	"horse.fit/scout/internal/memstore"
	"horse.fit/scout/internal/reader"
	"horse.fit/scout/internal/training"
)

const (
	outputFormatTable = "table"
	outputFormatJSON  = "json"
)

// Store is everything the services need from a backend. Both the Postgres
// pool and the in-memory store satisfy it.
type Store interface {
	archive.Store
	training.Store
	intel.Store
	Close() error
}

var (
	_ Store = (*db.Pool)(nil)
	_ Store = (*memstore.Store)(nil)
)

// stack is the wired service graph shared by every command.
type stack struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    Store
	archive  *archive.Service
	training *training.Manager
	intel    *intel.Service
}

// loadEnvironment loads the env file, config and logger of a command.
func loadEnvironment(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Backend() {
	case config.StoreBackendMemory:
		return memstore.New(), nil
	default:
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return pool, nil
	}
}

// buildStack connects the store and wires archive, training, distill and
// intel on top of it. The caller closes the stack.
func buildStack(ctx context.Context, envLoader *cli.EnvLoader) (*stack, error) {
	cfg, logger, err := loadEnvironment(envLoader)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Str("backend", cfg.Backend()).Msg("store connection failed")
		return nil, err
	}

	arch := archive.NewService(store, logging.Component(logger, "archive"), archive.Options{
		TTL: cfg.ScrapeTTL(),
	})
	manager := training.NewManager(store, arch, logging.Component(logger, "training"), training.Options{
		RateLimit:  cfg.FeedbackRateLimit,
		RateWindow: cfg.FeedbackRateWindow,
	})

	engineOpts := distill.Options{Patterns: manager}
	if cfg.DetectLanguage {
		engineOpts.Detector = langdetect.New()
	}
	engine := distill.NewEngine(arch, logging.Component(logger, "distill"), engineOpts)

	svc := intel.NewService(store, engine, logging.Component(logger, "intel"), intel.Options{
		ResearchCacheTTL: cfg.ResearchCacheTTL,
		SignalsCacheTTL:  cfg.SignalsCacheTTL,
		ReadRateLimit:    cfg.APIRateLimit,
		ReadRateWindow:   cfg.APIRateWindow,
	})

	return &stack{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		archive:  arch,
		training: manager,
		intel:    svc,
	}, nil
}

// newRunner starts a job runner that hands every fetched page to the intel
// service.
func (s *stack) newRunner() *jobrunner.Runner {
	fetcher := reader.NewFetcher(reader.Options{
		UserAgent:     s.cfg.FetchUserAgent,
		BodyByteLimit: s.cfg.FetchBodyByteLimit,
	})
	return jobrunner.NewRunner(fetcher, logging.Component(s.logger, "jobrunner"), jobrunner.Config{
		MaxConcurrent:  s.cfg.RunnerMaxConcurrent,
		DefaultTimeout: s.cfg.RunnerJobTimeout,
		CacheTTL:       s.cfg.RunnerCacheTTL,
		DomainDelay:    s.cfg.RunnerDomainDelay,
		Handler:        s.intel.HandlePage,
	})
}

// Close waits for background feedback processing and releases the store.
func (s *stack) Close() {
	if s == nil {
		return
	}
	s.training.Wait()
	if err := s.store.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("store close failed")
	}
}

// importResearchFile loads a research document from disk into the intel
// service. Commands use it to seed rulesets, which the memory backend needs
// on every run.
func (s *stack) importResearchFile(ctx context.Context, path, actor string) error {
	raw, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return fmt.Errorf("read research file: %w", err)
	}
	doc, err := s.intel.ImportResearch(ctx, raw, actor)
	if err != nil {
		return fmt.Errorf("import research %s: %w", path, err)
	}
	s.logger.Info().Str("industry_id", doc.IndustryID).Str("path", path).Msg("research imported")
	return nil
}

func parseOutputFormat(raw, defaultFormat string) (string, error) {
	format := strings.TrimSpace(strings.ToLower(raw))
	if format == "" {
		format = strings.TrimSpace(strings.ToLower(defaultFormat))
	}
	switch format {
	case outputFormatTable, outputFormatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("--format must be table or json")
	}
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func writeTable(headers []string, rows [][]string) error {
	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	if _, err := fmt.Fprintln(writer, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(writer, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return writer.Flush()
}

func formatTimestampPtr(value *time.Time) string {
	if value == nil || value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
