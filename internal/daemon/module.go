package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/matheus3301/courier/internal/account"
	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/config"
	"github.com/matheus3301/courier/internal/ingest"
	"github.com/matheus3301/courier/internal/lock"
	"github.com/matheus3301/courier/internal/logging"
	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/pager"
	"github.com/matheus3301/courier/internal/remote"
	"github.com/matheus3301/courier/internal/remote/wsremote"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
	intsync "github.com/matheus3301/courier/internal/sync"
	"github.com/matheus3301/courier/internal/upload"
	"github.com/matheus3301/courier/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	Account    string
	SocketPath string // optional override for testing; empty = use default
	LogLevel   zapcore.Level

	// Channel replaces the configured remote, and OwnerID the configured
	// owner, when set.
	Channel remote.Channel
	OwnerID string
}

// Owner is the account's own id on the server.
type Owner string

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideConfig,
			provideLock,
			provideStore,
			provideChannel,
			provideUploader,
			provideIngester,
			provideQueue,
			providePager,
			providePresence,
			provideCoordinator,
			provideMessageService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(account.LogPath(p.Account), p.Account, p.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideConfig(p Params, logger *zap.Logger) (config.Account, error) {
	path := account.ConfigPath(p.Account)
	cfg, err := config.LoadAccount(path)
	if err != nil {
		return cfg, err
	}
	if p.OwnerID != "" {
		cfg.OwnerID = p.OwnerID
	}
	if p.Channel == nil {
		if err := cfg.Validate(); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	logger.Info("config loaded", zap.String("path", path), zap.String("remote", cfg.Remote.Kind))
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(account.LockPath(p.Account), p.Account)
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

// The lock parameter orders store access after the lock is held.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.StorePath(p.Account)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideChannel(p Params, cfg config.Account, _ *lock.Lock, logger *zap.Logger) (remote.Channel, Owner, error) {
	if p.Channel != nil {
		return p.Channel, Owner(cfg.OwnerID), nil
	}
	switch cfg.Remote.Kind {
	case config.RemoteWhatsApp:
		c, err := wa.Open(context.Background(), account.DeviceStorePath(p.Account), logger)
		if err != nil {
			return nil, "", err
		}
		owner := c.Owner()
		if owner == "" {
			logger.Warn("device not paired, run courierd -pair")
		}
		return c, Owner(owner), nil
	default:
		header := http.Header{}
		if cfg.Remote.Token != "" {
			header.Set("Authorization", "Bearer "+cfg.Remote.Token)
		}
		return wsremote.New(wsremote.Options{
			URL:     cfg.Remote.URL,
			OwnerID: cfg.OwnerID,
			Header:  header,
			Logger:  logger,
		}), Owner(cfg.OwnerID), nil
	}
}

func provideUploader(cfg config.Account, logger *zap.Logger) (outbox.Uploader, error) {
	u := cfg.Uploader
	s3, err := upload.New(context.Background(), upload.Options{
		Bucket:        u.Bucket,
		Region:        u.Region,
		Endpoint:      u.Endpoint,
		AccessKey:     u.AccessKey,
		SecretKey:     u.SecretKey,
		PublicBaseURL: u.PublicBaseURL,
		KeyPrefix:     u.KeyPrefix,
		PathStyle:     u.PathStyle,
	}, logger)
	if errors.Is(err, upload.ErrDisabled) {
		logger.Info("attachment uploads disabled")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s3, nil
}

func provideIngester(db *store.DB, b *bus.Bus, owner Owner, logger *zap.Logger) *ingest.Ingester {
	return ingest.New(db, b, logger, string(owner))
}

func provideQueue(db *store.DB, ch remote.Channel, up outbox.Uploader, b *bus.Bus, m *status.Machine, owner Owner, cfg config.Account, logger *zap.Logger) *outbox.Queue {
	uploadTimeout := cfg.Sync.UploadTimeout.Duration
	if cfg.Uploader.Timeout.Duration > 0 {
		uploadTimeout = cfg.Uploader.Timeout.Duration
	}
	return outbox.New(db, ch, up, b, logger, outbox.Options{
		OwnerID: string(owner),
		Policy: outbox.Policy{
			Base:        cfg.Retry.Base.Duration,
			Multiplier:  cfg.Retry.Multiplier,
			Cap:         cfg.Retry.Cap.Duration,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
		SendTimeout:   cfg.Sync.SendTimeout.Duration,
		UploadTimeout: uploadTimeout,
		ClaimTTL:      cfg.Retry.ClaimTTL.Duration,
		WakeInterval:  cfg.Retry.WakeInterval.Duration,
		Holder:        fmt.Sprintf("courierd-%d", os.Getpid()),

		// Sends wait for catch-up; the coordinator triggers the queue on READY.
		Ready: func() bool { return m.Current() == status.Ready },
	})
}

func providePager(db *store.DB, ch remote.Channel, in *ingest.Ingester, cfg config.Account, logger *zap.Logger) *pager.Pager {
	return pager.New(db, ch, in, logger, pager.Options{
		PageSize:     cfg.Sync.PageSize,
		FetchTimeout: cfg.Sync.FetchTimeout.Duration,
	})
}

func providePresence() *api.Presence {
	return &api.Presence{}
}

func provideCoordinator(db *store.DB, ch remote.Channel, in *ingest.Ingester, q *outbox.Queue, m *status.Machine, b *bus.Bus, owner Owner, cfg config.Account, logger *zap.Logger) *intsync.Coordinator {
	return intsync.New(db, ch, in, q, intsync.BusNotifier{Bus: b}, m, b, logger, intsync.Options{
		OwnerID:       string(owner),
		PageSize:      cfg.Sync.CatchUpPageSize,
		FetchTimeout:  cfg.Sync.FetchTimeout.Duration,
		MarkerTimeout: cfg.Sync.MarkerTimeout.Duration,
		ReconnectMin:  cfg.Sync.ReconnectMin.Duration,
		ReconnectMax:  cfg.Sync.ReconnectMax.Duration,
	})
}

func provideMessageService(p Params, owner Owner, db *store.DB, q *outbox.Queue, pg *pager.Pager, coord *intsync.Coordinator, m *status.Machine, presence *api.Presence, b *bus.Bus, logger *zap.Logger) *api.MessageService {
	return api.NewMessageService(api.Deps{
		Owner:    string(owner),
		Account:  p.Account,
		DB:       db,
		Queue:    q,
		Pager:    pg,
		Coord:    coord,
		Machine:  m,
		Presence: presence,
		Bus:      b,
		Logger:   logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, ch remote.Channel, q *outbox.Queue, coord *intsync.Coordinator, presence *api.Presence, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Unsent work from a previous run is picked up once the first
			// session is ready.
			q.Start(context.Background())
			coord.Start(context.Background(), presence.Options)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			coord.Stop()
			q.Stop()
			srv.Stop(ctx)
			closeChannel(ch, logger)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

func closeChannel(ch remote.Channel, logger *zap.Logger) {
	switch c := ch.(type) {
	case interface{ Close() error }:
		if err := c.Close(); err != nil {
			logger.Warn("error closing remote", zap.Error(err))
		}
	case interface{ Close() }:
		c.Close()
	}
}
