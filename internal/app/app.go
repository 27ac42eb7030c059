package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/timmy/triage/internal/config"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/logger"
	"github.com/timmy/triage/internal/repository"
	"github.com/timmy/triage/internal/service"
	"github.com/timmy/triage/internal/source"
	"github.com/timmy/triage/internal/source/httpconn"
	"github.com/timmy/triage/internal/source/staging"
	"github.com/timmy/triage/internal/storage"
	"github.com/timmy/triage/internal/worker"
	"gorm.io/gorm"
)

// App holds the wired components shared by the API server and the worker.
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Store      *repository.Store
	Archive    *storage.RawArchive
	Index      repository.VectorIndex
	Provider   service.EmbeddingProvider
	Notifier   service.Notifier
	Engine     *service.PriorityEngine
	Connectors *source.Registry
	Ingest     *service.IngestService
	Router     *worker.Router
	Recoverer  *worker.Recoverer

	closers []io.Closer
}

// New wires every component from cfg.
// Optional collaborators follow one rule: a missing or incomplete section
// disables the component with a warning, and jobs that need it fail as
// configuration errors at dispatch time. Broken infrastructure that is
// explicitly enabled (database, qdrant, storage) fails startup.
// Parameters:
//   - ctx: context for startup I/O such as collection and bucket checks.
//   - cfg: loaded configuration.
// Returns:
//   - *App: wired application; call Close when done.
//   - error: non-nil if required infrastructure cannot be initialized.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	a.DB = db
	a.Store = repository.NewStore(db, repository.WithDefaultMaxAttempts(cfg.Queue.MaxAttempts))

	if err := a.initArchive(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initIndex(ctx); err != nil {
		a.Close()
		return nil, err
	}

	provider, err := service.NewEmbeddingProvider(cfg.Embedding)
	if err != nil {
		logger.CtxWarn(ctx, "Embedding provider disabled: %v", err)
	} else {
		a.Provider = provider
		logger.With(logger.Fields{
			"provider":   cfg.Embedding.Provider,
			"model":      provider.Model(),
			"dimensions": provider.Dimensions(),
		}).Info(ctx, "Embedding provider ready")
	}

	notifier, err := service.NewNotifier(cfg.Notify)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init notifier: %w", err)
	}
	a.Notifier = notifier
	if c, ok := notifier.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	a.Engine = service.NewPriorityEngine(cfg.Priority, a.Store.Contacts, a.Store.Escalations, a.Notifier)

	connectors, err := buildConnectors(cfg.Connectors)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Connectors = connectors

	normalizer, err := service.NewNormalizer()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init normalizer: %w", err)
	}
	a.Ingest = service.NewIngestService(normalizer, service.NewChunker(cfg.Chunker.MaxTokens), a.Store, a.Archive)

	a.Router = a.buildRouter(ctx)
	a.Recoverer = worker.NewRecoverer(a.Store.Jobs, a.Store.Chunks, cfg.Queue.StuckAfter)
	return a, nil
}

func (a *App) initArchive(ctx context.Context) error {
	objects, err := storage.NewStorage(&a.Config.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if objects == nil {
		return nil
	}
	if s3, ok := objects.(*storage.S3Storage); ok {
		if err := s3.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure storage bucket: %w", err)
		}
	}
	a.Archive = storage.NewRawArchive(objects)
	logger.With(logger.Fields{"bucket": a.Config.Storage.Bucket}).Info(ctx, "Raw archive enabled")
	return nil
}

func (a *App) initIndex(ctx context.Context) error {
	q := a.Config.Qdrant
	if !q.Enabled {
		return nil
	}
	repo, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
		Host:            q.Host,
		Port:            q.Port,
		Collection:      q.Collection,
		APIKey:          q.APIKey,
		UseTLS:          q.UseTLS,
		VectorDimension: a.Config.Embedding.Dimensions,
	})
	if err != nil {
		return fmt.Errorf("init qdrant: %w", err)
	}
	a.closers = append(a.closers, repo)
	if err := repo.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure qdrant collection: %w", err)
	}
	a.Index = repo
	return nil
}

func buildConnectors(cfg config.ConnectorsConfig) (*source.Registry, error) {
	var connectors []source.Connector
	for _, c := range []struct {
		src domain.Source
		cfg config.ConnectorConfig
	}{
		{domain.SourceMail, cfg.Mail},
		{domain.SourceChat, cfg.Chat},
	} {
		if !c.cfg.Enabled {
			continue
		}
		switch c.cfg.Driver {
		case "staging":
			connectors = append(connectors, staging.NewAdapter(c.cfg.Path, c.src))
		case "", "http":
			conn, err := httpconn.New(c.src, c.cfg)
			if err != nil {
				return nil, err
			}
			connectors = append(connectors, conn)
		default:
			return nil, domain.NewConfigurationError("connectors.%s: unknown driver %q", c.src, c.cfg.Driver)
		}
	}
	return source.NewRegistry(connectors...), nil
}

func (a *App) buildRouter(ctx context.Context) *worker.Router {
	cfg := a.Config
	ingest := service.NewIngestHandler(a.Connectors, a.Store.Cursors, a.Ingest, 0)

	var generator service.DigestGenerator
	if cfg.Digest.Enabled {
		g, err := service.NewChatDigestGenerator(cfg.Digest)
		if err != nil {
			logger.CtxWarn(ctx, "Digest generation disabled: %v", err)
		} else {
			generator = g
		}
	}

	return worker.NewRouter().
		Register(domain.JobTypeIngestMail, ingest).
		Register(domain.JobTypeIngestChat, ingest).
		Register(domain.JobTypeBuildEmbeddings, service.NewEmbeddingHandler(a.Store.Chunks, a.Store.Activities, a.Provider, a.Index, cfg.Embedding.BatchSize)).
		Register(domain.JobTypePrioritize, service.NewPrioritizeHandler(a.Store.Activities, a.Engine)).
		Register(domain.JobTypeGenerateDigest, service.NewDigestHandler(a.Store.Activities, generator, cfg.Digest.Window, cfg.Digest.Limit))
}

// Tenants lists the tenants periodic jobs run for: the configured tenants
// plus every tenant directory of an enabled staging connector.
func (a *App) Tenants(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, t := range a.Config.Worker.Tenants {
		seen[t] = struct{}{}
	}
	for _, c := range []config.ConnectorConfig{a.Config.Connectors.Mail, a.Config.Connectors.Chat} {
		if !c.Enabled || c.Driver != "staging" {
			continue
		}
		ids, err := staging.ListTenants(c.Path)
		if err != nil {
			return nil, err
		}
		for _, t := range ids {
			seen[t] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Close releases network clients and the database pool.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
