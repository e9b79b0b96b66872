package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/credentials"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/unread"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	LogLevel    zapcore.Level
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideProfile,
			provideCredentials,
			provideRESTClient,
			providePushSession,
			provideCounter,
			provideSink,
			provideSender,
			provideSyncEngine,
			provideControlService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, p.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName), p.ProfileName)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so two daemons never open the same database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideProfile(p Params) (*config.Profile, error) {
	path := profile.ProfilePath(p.ProfileName)
	prof, err := config.LoadProfile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", path, err)
	}
	if err := prof.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}
	return prof, nil
}

// provideCredentials loads the initial token. A missing or expired token is
// not fatal; the push session reports AUTH_REQUIRED and keeps retrying.
func provideCredentials(prof *config.Profile, logger *zap.Logger) *credentials.Store {
	creds := credentials.NewStore(credentials.FileSource{Path: prof.TokenFile}, logger)
	if _, err := creds.Refresh(context.Background()); err != nil {
		logger.Warn("no usable token at startup", zap.String("token_file", prof.TokenFile), zap.Error(err))
	}
	return creds
}

func provideRESTClient(prof *config.Profile, creds *credentials.Store, logger *zap.Logger) *rest.Client {
	return rest.NewClient(prof.APIURL, creds, prof.RequestTimeout.Duration, logger)
}

func providePushSession(prof *config.Profile, creds *credentials.Store, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *push.Session {
	return push.NewSession(push.Config{
		URL:          prof.PushURL,
		ReconnectMin: prof.ReconnectMin.Duration,
		ReconnectMax: prof.ReconnectMax.Duration,
	}, creds, b, machine, logger)
}

func provideCounter(b *bus.Bus) *unread.Counter {
	return unread.NewCounter(b)
}

func provideSink(b *bus.Bus, logger *zap.Logger) notify.Sink {
	return notify.Multi{notify.LogSink{Logger: logger}, notify.BusSink{Bus: b}}
}

func provideSender(prof *config.Profile, db *store.DB, client *rest.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, b, prof.RequestTimeout.Duration, logger)
}

func provideSyncEngine(
	prof *config.Profile,
	creds *credentials.Store,
	client *rest.Client,
	session *push.Session,
	db *store.DB,
	counter *unread.Counter,
	sink notify.Sink,
	sender *outbox.Sender,
	b *bus.Bus,
	logger *zap.Logger,
) (*intsync.Engine, error) {
	userID := prof.UserID
	if userID == "" {
		userID = creds.UserID()
	}
	if userID == "" {
		return nil, errors.New("cannot determine the signed-in user: set user_id or use a token carrying a subject")
	}
	return intsync.NewEngine(intsync.Config{
		UserID:            userID,
		PageSize:          prof.PageSize,
		RequestTimeout:    prof.RequestTimeout.Duration,
		SettleDelay:       prof.SettleDelay.Duration,
		TypingGap:         prof.TypingGap.Duration,
		TypingTTL:         prof.TypingTTL.Duration,
		ReconcileInterval: prof.ReconcileInterval.Duration,
	}, intsync.Deps{
		Backend:   client,
		Transport: session,
		DB:        db,
		Counter:   counter,
		Sink:      sink,
		Outbox:    sender,
		Bus:       b,
		Logger:    logger,
	}), nil
}

func provideControlService(p Params, engine *intsync.Engine, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *api.ControlService {
	return api.NewControlService(p.ProfileName, engine.UserID(), engine, machine, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	session *push.Session,
	engine *intsync.Engine,
	sender *outbox.Sender,
	counter *unread.Counter,
	b *bus.Bus,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine subscribes before the session can publish.
			engine.Start(context.Background())
			sender.Start(context.Background())
			session.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Closing the bus ends every Watch stream so the server can
			// drain.
			b.Close()
			srv.Stop(ctx)
			session.Stop()
			sender.Stop()
			engine.Stop()
			counter.Stop()
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
