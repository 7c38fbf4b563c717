package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/sprout/common/logging"
	"github.com/telhawk-systems/sprout/common/messaging"
	natsclient "github.com/telhawk-systems/sprout/common/messaging/nats"
	"github.com/telhawk-systems/sprout/harvest/internal/cache"
	"github.com/telhawk-systems/sprout/harvest/internal/changecache"
	"github.com/telhawk-systems/sprout/harvest/internal/committer"
	"github.com/telhawk-systems/sprout/harvest/internal/config"
	"github.com/telhawk-systems/sprout/harvest/internal/diag"
	"github.com/telhawk-systems/sprout/harvest/internal/discovery"
	"github.com/telhawk-systems/sprout/harvest/internal/extractor"
	"github.com/telhawk-systems/sprout/harvest/internal/fetcher"
	"github.com/telhawk-systems/sprout/harvest/internal/geocode"
	"github.com/telhawk-systems/sprout/harvest/internal/normalizer"
	"github.com/telhawk-systems/sprout/harvest/internal/pipeline"
	"github.com/telhawk-systems/sprout/harvest/internal/ratelimit"
	"github.com/telhawk-systems/sprout/harvest/internal/repository"
	"github.com/telhawk-systems/sprout/harvest/internal/scheduler"
	"github.com/telhawk-systems/sprout/harvest/internal/search"
	"github.com/telhawk-systems/sprout/harvest/internal/service"
	"github.com/telhawk-systems/sprout/harvest/internal/validator"
)

// app holds the dependencies shared by every command.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	repo      repository.Repository
	redis     *redis.Client
	publisher messaging.Publisher
	sink      diag.Sink
	closers   []func() error
}

// newApp connects to the store and the optional Redis and NATS backends.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, store string) (*app, error) {
	a := &app{cfg: cfg, logger: logger, publisher: messaging.NoopPublisher{}}

	if store == storeMemory {
		logger.Warn("using in-memory store, nothing will be persisted")
		a.repo = repository.NewInMemoryRepository()
	} else {
		repo, err := connectPostgres(ctx, cfg.Database.Postgres, logger)
		if err != nil {
			return nil, err
		}
		a.repo = repo
	}
	a.closers = append(a.closers, a.repo.Close)

	if cfg.Redis.Enabled {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		a.redis = redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = a.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = a.redis.Close()
			a.close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		a.closers = append(a.closers, a.redis.Close)
	}

	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
		natsCfg.Logger = logger

		js, err := natsclient.NewJetStreamClient(natsCfg)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		if _, err := js.CreateOrUpdateStream(ctx, natsclient.HarvestStream); err != nil {
			_ = js.Close()
			a.close()
			return nil, fmt.Errorf("create harvest stream: %w", err)
		}
		a.publisher = js
		a.closers = append(a.closers, js.Close)
	}

	logSink := diag.NewLogSink(logger)
	if cfg.NATS.Enabled {
		a.sink = diag.Multi{logSink, diag.NewPublisherSink(a.publisher, slog.LevelWarn, logger)}
	} else {
		a.sink = logSink
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", logging.Error(err))
		}
	}
	a.closers = nil
}

// connectPostgres retries the initial connection with exponential backoff.
func connectPostgres(ctx context.Context, pg config.PostgresConfig, logger *logging.Logger) (*repository.PostgresRepository, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = pg.ConnectTimeout

	var repo *repository.PostgresRepository
	op := func() error {
		var err error
		repo, err = repository.NewPostgresRepository(ctx, pg.ConnString())
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("postgres not ready, retrying", logging.Error(err), "wait", wait.String())
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	return repo, nil
}

// migrateDB applies (or with down, reverts) the schema migrations.
func migrateDB(pg config.PostgresConfig, down bool, logger *logging.Logger) error {
	m, err := migrate.New(pg.MigrationsPath, pg.ConnString())
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("database migrations completed", "down", down)
	return nil
}

// runner wires the harvest pipeline.
func (a *app) runner() (*service.Runner, error) {
	loc, err := a.cfg.Region.Location()
	if err != nil {
		return nil, err
	}

	var limiter ratelimit.RateLimiter = &ratelimit.NoOpRateLimiter{}
	if a.redis != nil {
		limiter = ratelimit.NewWithClient(a.redis, a.cfg.Extractor.Quota, a.cfg.Extractor.QuotaWindow)
	}

	memo := cache.New(a.redis, a.cfg.Geocoder.CacheSizeMB)
	resolver := geocode.NewResolver(
		geocode.NewGoogleClient(a.cfg.Geocoder.Endpoint, a.cfg.Geocoder.APIKey, a.cfg.Geocoder.Timeout),
		memo, geocode.OptionsFromConfig(a.cfg), a.logger,
	)

	opts := []committer.Option{}
	if a.cfg.Search.Enabled {
		idx, err := search.NewIndexer(search.Config{
			URL:           a.cfg.Search.URL,
			Username:      a.cfg.Search.Username,
			Password:      a.cfg.Search.Password,
			TLSSkipVerify: a.cfg.Search.Insecure,
			Index:         a.cfg.Search.Index,
		})
		if err != nil {
			return nil, err
		}
		if err := idx.EnsureIndex(context.Background()); err != nil {
			a.logger.Warn("search index unavailable, mirroring may fail", logging.Error(err))
		}
		opts = append(opts, committer.WithMirror(idx))
	}

	changes := changecache.New(a.repo)
	p := pipeline.New(pipeline.Deps{
		Fetcher: fetcher.New(fetcher.Config{
			ReaderURL:    a.cfg.Fetcher.ReaderURL,
			APIKey:       a.cfg.Fetcher.APIKey,
			Timeout:      a.cfg.Fetcher.Timeout,
			MaxBodyBytes: a.cfg.Fetcher.MaxBodyBytes,
			UserAgent:    a.cfg.Fetcher.UserAgent,
		}),
		Normalizer: normalizer.New(a.cfg.Harvest.MaxContentChars),
		Cache:      changes,
		Limiter:    limiter,
		Extractor: extractor.New(extractor.Config{
			Endpoint: a.cfg.Extractor.Endpoint,
			APIKey:   a.cfg.Extractor.APIKey,
			Model:    a.cfg.Extractor.Model,
			Timeout:  a.cfg.Extractor.Timeout,
			Location: loc,
		}, a.logger),
		Validator:      validator.New(loc),
		Committer:      committer.New(a.repo, changes, resolver, a.sink, opts...),
		Sink:           a.sink,
		Logger:         a.logger,
		Profile:        a.cfg.Extractor.Profile,
		FetchTimeout:   a.cfg.Fetcher.Timeout,
		ExtractTimeout: a.cfg.Extractor.Timeout,
	})

	r := service.NewRunner(a.repo, p, a.publisher, a.logger, service.Config{
		Workers:       a.cfg.Harvest.Workers,
		SourceTimeout: a.cfg.Harvest.SourceTimeout,
	})
	return r.WithPurger(a.repo), nil
}

// discoverer wires the places search.
func (a *app) discoverer() (*discovery.Discoverer, error) {
	cities := a.cfg.Discovery.Cities
	if a.cfg.Discovery.CitiesFile != "" {
		fromFile, err := discovery.LoadCities(a.cfg.Discovery.CitiesFile)
		if err != nil {
			return nil, err
		}
		cities = append(append([]string{}, cities...), fromFile...)
	}
	if len(cities) == 0 {
		a.logger.Warn("no discovery cities configured")
	}

	places := discovery.NewGooglePlacesClient(a.cfg.Discovery.Endpoint, a.cfg.Discovery.APIKey, a.cfg.Discovery.Timeout)
	return discovery.NewDiscoverer(places, a.repo, a.sink, a.publisher, a.logger, discovery.Config{
		Cities:      cities,
		Queries:     a.cfg.Discovery.Queries,
		MaxPerQuery: a.cfg.Discovery.MaxPerQuery,
		Timeout:     a.cfg.Discovery.Timeout,
	}), nil
}

// lock returns the run lock selected by scheduler.lock.
func (a *app) lock() scheduler.Lock {
	if a.cfg.Scheduler.Lock == "redis" && a.redis != nil {
		return scheduler.NewRedisLock(a.redis, a.cfg.Scheduler.LockTTL)
	}
	return scheduler.NewLocalLock()
}
