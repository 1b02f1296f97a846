package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"org-feedback/internal/adapters/contract"
	"org-feedback/internal/adapters/memory"
	"org-feedback/internal/adapters/repo"
	"org-feedback/internal/adapters/seed"
	"org-feedback/internal/domain"
	"org-feedback/internal/infra/cache"
	"org-feedback/internal/infra/config"
	"org-feedback/internal/infra/db"
	"org-feedback/internal/infra/queue"
	"org-feedback/internal/usecase/ledger"
	"org-feedback/internal/usecase/requests"
)

const metadataCacheSize = 4096

// Backend — собранный реестр и сопутствующие хранилища.
type Backend struct {
	Reader domain.LedgerReader
	// Writer равен nil для контрактного бэкенда: изменения идут через Relay.
	Writer domain.LedgerWriter
	// Relay задан только для контрактного бэкенда.
	Relay     domain.TxRelay
	Analytics domain.BusinessMetricRepo
	Links     domain.ChatLinkRepo

	redis   *redis.Client
	closers []func()
}

// Close освобождает соединения в обратном порядке.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// Redis возвращает общий клиент Redis, подключаясь при первом вызове.
func (b *Backend) Redis(ctx context.Context, addr string) (*redis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	b.redis = client
	b.closers = append(b.closers, func() { _ = client.Close() })
	return client, nil
}

// OpenBackend собирает реестр по LEDGER_BACKEND.
func OpenBackend(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (*Backend, error) {
	b := &Backend{}
	var err error
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		err = b.openMemory(ctx, cfg, logger)
	case config.BackendPostgres:
		err = b.openPostgres(ctx, cfg, logger)
	case config.BackendContract:
		err = b.openContract(ctx, cfg, logger)
	default:
		err = fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
	if err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) openMemory(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) error {
	store := memory.New()
	svc := ledger.NewService(store, logger.With().Str("component", "ledger").Logger(), ledger.WithBusinessMetrics(store))
	b.Reader, b.Writer, b.Analytics, b.Links = svc, svc, store, store
	return b.applySeed(ctx, cfg, logger)
}

func (b *Backend) openPostgres(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) error {
	pg, err := b.postgres(ctx, cfg, logger)
	if err != nil {
		return err
	}
	svc := ledger.NewService(pg, logger.With().Str("component", "ledger").Logger(), ledger.WithBusinessMetrics(pg))
	b.Reader, b.Writer, b.Analytics, b.Links = svc, svc, pg, pg
	return b.applySeed(ctx, cfg, logger)
}

func (b *Backend) openContract(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) error {
	if !common.IsHexAddress(cfg.Chain.ContractAddress) {
		return fmt.Errorf("invalid contract address %q", cfg.Chain.ContractAddress)
	}
	var metaCache domain.Cache
	if cfg.RedisAddr != "" {
		client, err := b.Redis(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		metaCache = cache.NewRedis(client, "orgfeedback:")
	} else {
		metaCache = cache.NewMemory(metadataCacheSize, cfg.Cache.MetadataTTL)
	}

	rpcLogger := logger.With().Str("component", "contract").Logger()
	gw := contract.NewGateway(
		contract.NewClient(cfg.Chain.RPCURL, cfg.Chain.RPS, rpcLogger),
		contract.Config{
			Contract:       common.HexToAddress(cfg.Chain.ContractAddress),
			ChainID:        cfg.Chain.ChainID,
			MetadataTTL:    cfg.Cache.MetadataTTL,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout,
			PollInterval:   cfg.Chain.PollInterval,
		},
		metaCache,
		rpcLogger,
	)
	if err := gw.CheckNetwork(ctx); err != nil {
		return fmt.Errorf("check network: %w", err)
	}
	b.Reader, b.Relay = gw, gw

	// Привязки чатов и аналитика живут вне цепочки.
	if cfg.PGDSN != "" {
		pg, err := b.postgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		b.Analytics, b.Links = pg, pg
		return nil
	}
	store := memory.New()
	b.Analytics, b.Links = store, store
	return nil
}

func (b *Backend) postgres(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (*repo.Postgres, error) {
	pool, err := db.Connect(ctx, cfg.PGDSN, logger.With().Str("component", "db").Logger())
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, pool.Close)
	pg := repo.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return pg, nil
}

func (b *Backend) applySeed(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) error {
	if cfg.Ledger.SeedFile == "" {
		return nil
	}
	f, err := seed.Load(cfg.Ledger.SeedFile)
	if err != nil {
		return err
	}
	if _, err := seed.Apply(ctx, b.Writer, f, logger.With().Str("component", "seed").Logger()); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	return nil
}

// OpenRequests собирает сессию запросов обратной связи по REQUESTS_BUS.
func OpenRequests(ctx context.Context, cfg config.AppConfig, b *Backend, logger zerolog.Logger) (*requests.Session, error) {
	var (
		bus   domain.RequestBus
		store domain.RequestStore
	)
	switch cfg.Requests.Bus {
	case config.BusMemory:
		bus = queue.NewMemoryRequestBus()
	case config.BusRedis:
		client, err := b.Redis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		rb := queue.NewRedisRequestBus(client, cfg.Requests.Retention)
		bus, store = rb, rb
	case config.BusRabbitMQ:
		rb, err := queue.DialRabbitRequestBus(cfg.RabbitURL, cfg.Requests.Exchange)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = rb.Close() })
		bus, store = rb, rb
	default:
		return nil, fmt.Errorf("unknown requests bus %q", cfg.Requests.Bus)
	}

	session := requests.NewSession(bus, store, logger.With().Str("component", "requests").Logger(), requests.Config{
		CacheTopics: cfg.Requests.CacheTopics,
		Retention:   cfg.Requests.Retention,
	})
	b.closers = append(b.closers, func() {
		if err := session.Close(); err != nil && !errors.Is(err, requests.ErrSessionClosed) {
			logger.Warn().Err(err).Msg("requests: close failed")
		}
	})
	return session, nil
}
