package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/harun/recall/internal/config"
	"github.com/harun/recall/internal/logger"
	"github.com/harun/recall/pkg/index"
	"github.com/harun/recall/pkg/inject"
	"github.com/harun/recall/pkg/observe"
	"github.com/harun/recall/pkg/provider"
	"github.com/harun/recall/pkg/ratelimit"
	"github.com/harun/recall/pkg/store"
	"github.com/harun/recall/pkg/worker"
)

// app holds the shared dependencies a command needs, built once per
// invocation and torn down in Close.
type app struct {
	cfg *config.Config
	log *logger.Logger

	st         *store.Store
	workerConn *worker.Client
}

// newApp loads config, opens the log and the store. Hook entry points
// pass console=false so nothing leaks into the host's stdout.
func newApp(console bool) (*app, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	log, err := logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    console,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath()), 0755); err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.Open(cfg.DBPath(), log.Zerolog())
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	return &app{cfg: cfg, log: log, st: st}, nil
}

func (a *app) Close() {
	if a.workerConn != nil {
		a.workerConn.Close()
	}
	if a.st != nil {
		a.st.Close()
	}
	if a.log != nil {
		a.log.Close()
	}
}

func (a *app) logger() zerolog.Logger {
	return a.log.Zerolog()
}

// embedder returns the configured embedding path: a live worker on the
// unix socket wins, a direct provider is the fallback, nil means
// embeddings are disabled.
func (a *app) embedder() provider.Embedder {
	socket := a.cfg.WorkerSocket()
	if worker.Probe(socket) {
		client, err := worker.Dial(socket)
		if err == nil {
			a.workerConn = client
			return client
		}
		log := a.logger()
		log.Warn().Err(err).Msg("Worker answered probe but dial failed, embedding directly")
	}
	if a.cfg.Embedding.Enabled() {
		return provider.NewOpenAIEmbedder(a.cfg.Embedding.APIKey, a.cfg.Embedding.Model)
	}
	return nil
}

// directEmbedder skips the worker, for the worker process itself.
func (a *app) directEmbedder() provider.Embedder {
	if a.cfg.Embedding.Enabled() {
		return provider.NewOpenAIEmbedder(a.cfg.Embedding.APIKey, a.cfg.Embedding.Model)
	}
	return nil
}

func (a *app) extractor() provider.Extractor {
	if a.cfg.Extraction.Enabled() {
		return provider.NewAnthropicExtractor(a.cfg.Extraction.APIKey, a.cfg.Extraction.Model)
	}
	return nil
}

func (a *app) limiter() *ratelimit.Limiter {
	return ratelimit.New(a.cfg.Embedding.RequestsPerMinute, a.cfg.Embedding.MaxConcurrent)
}

func (a *app) indexer() (*index.Indexer, error) {
	return index.New(index.Config{
		SourceDir:  a.cfg.SourceDir,
		ArchiveDir: a.cfg.ArchiveDir(),
		Store:      a.st,
		Embedder:   a.embedder(),
		Limiter:    a.limiter(),
		Logger:     a.logger(),
	})
}

func (a *app) pipeline() *observe.Pipeline {
	return observe.New(a.st, a.extractor(), a.embedder(), a.logger())
}

func (a *app) injector() *inject.Injector {
	return inject.New(a.st, a.logger())
}

func (a *app) injectBudget() inject.Budget {
	return inject.Budget{
		MaxObservations: a.cfg.Inject.MaxObservations,
		MaxTokens:       a.cfg.Inject.MaxTokens,
		RecencyDays:     a.cfg.Inject.RecencyDays,
		ProjectOnly:     a.cfg.Inject.ProjectOnly,
	}
}
