package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"coedit/api/internal/app"
	"coedit/api/internal/archive"
	"coedit/api/internal/channel"
	"coedit/api/internal/config"
	"coedit/api/internal/feed"
	"coedit/api/internal/store"
)

type backend struct {
	store     app.Store
	feed      feed.Source
	transport channel.Transport
	closers   []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackend connects Postgres (with its change feed) and Redis when they
// are configured and falls back to in-process implementations otherwise.
func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backend, error) {
	b := &backend{}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Warn("DATABASE_URL not set, documents are kept in memory")
		mem := store.NewMemoryStore()
		b.store, b.feed = mem, mem
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		err = store.Migrate(ctx, db)
		_ = db.Close()
		if err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}

		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database pool: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		b.closers = append(b.closers, pg.Close)

		listener := store.NewListener(cfg.DatabaseURL, logger)
		listenCtx, cancel := context.WithCancel(ctx)
		go func() {
			if err := listener.Run(listenCtx); err != nil {
				logger.Error("change feed stopped", zap.Error(err))
			}
		}()
		b.closers = append(b.closers, cancel)
		b.store, b.feed = pg, listener
	}

	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("REDIS_URL not set, realtime channels are process-local")
		b.transport = channel.NewMemoryTransport()
	} else {
		client, err := channel.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.transport = channel.NewRedisTransport(client, cfg.PresenceTTL, logger)
	}
	return b, nil
}

// openArchive returns nil when no MinIO endpoint is configured. The
// explicit nil keeps the service's archive check meaningful.
func openArchive(ctx context.Context, cfg config.Config, logger *zap.Logger) (app.Archiver, error) {
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		return nil, nil
	}
	arch, err := archive.New(ctx, archive.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return arch, nil
}
