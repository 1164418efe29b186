// Package daemon wires the chatbook components into an fx application.
package daemon

import (
	"context"
	"fmt"
	"io"

	"github.com/go-redis/redis/v8"
	"github.com/matheus3301/chatbook/internal/bus"
	"github.com/matheus3301/chatbook/internal/config"
	"github.com/matheus3301/chatbook/internal/console"
	"github.com/matheus3301/chatbook/internal/gesture"
	"github.com/matheus3301/chatbook/internal/loader"
	"github.com/matheus3301/chatbook/internal/lock"
	"github.com/matheus3301/chatbook/internal/logging"
	"github.com/matheus3301/chatbook/internal/notify"
	"github.com/matheus3301/chatbook/internal/outbox"
	"github.com/matheus3301/chatbook/internal/profile"
	"github.com/matheus3301/chatbook/internal/realtime"
	"github.com/matheus3301/chatbook/internal/session"
	"github.com/matheus3301/chatbook/internal/store"
	intsync "github.com/matheus3301/chatbook/internal/sync"
	"github.com/matheus3301/chatbook/internal/unread"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Config
	// In feeds the console; nil runs headless.
	In  io.Reader
	Out io.Writer
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	if p.Out == nil {
		p.Out = io.Discard
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideChannel,
			provideDispatcher,
			provideTracker,
			provideSynchronizer,
			provideSender,
			provideMachine,
			provideAggregator,
			provideConsole,
		),
		fx.Invoke(registerActions, registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, p.Config.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
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
	logger.Info("profile lock acquired", zap.Int("pid", l.Holder().PID), zap.String("path", l.Path()))
	return l, nil
}

func loaderConfig(cfg *config.Config) loader.Config {
	return loader.Config{MaxAttempts: cfg.Loader.MaxAttempts, BaseDelay: cfg.Loader.BaseDelay}
}

// provideStore depends on the lock so the database is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := loader.Load(context.Background(), "open store", loaderConfig(p.Config), func(ctx context.Context) (*store.DB, error) {
		return store.OpenContext(ctx, dbPath)
	})
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
	logger.Info("store initialized", zap.String("path", db.Path()))
	return db, nil
}

func provideChannel(lc fx.Lifecycle, p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) (realtime.Channel, error) {
	rc := p.Config.Realtime
	switch rc.Backend {
	case "", "local":
		logger.Info("using local realtime channel")
		return realtime.NewLocal(db, b, logger), nil
	case "redis":
	default:
		return nil, fmt.Errorf("unknown realtime backend %q", rc.Backend)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rc.RedisAddr,
		Password: rc.RedisPassword,
		DB:       rc.RedisDB,
	})
	ch := realtime.NewRedis(client, rc.KeyPrefix, logger)
	_, err := loader.Load(context.Background(), "connect redis", loaderConfig(p.Config), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, ch.Ping(ctx)
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return client.Close() },
	})
	logger.Info("using redis realtime channel", zap.String("addr", rc.RedisAddr))
	return ch, nil
}

func provideDispatcher(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) (*notify.Dispatcher, error) {
	nc := p.Config.Notifications
	initial, err := notify.ParsePermission(nc.Permission)
	if err != nil {
		return nil, err
	}
	answer, err := notify.ParsePermission(nc.PromptAnswer)
	if err != nil {
		return nil, err
	}
	platform := notify.NewLogPlatform(initial, answer, logger.Named("notify"))
	return notify.NewDispatcher(platform, notify.StaticPrompter(nc.AcceptExplanation), db, b, logger), nil
}

func provideTracker(db *store.DB, b *bus.Bus, logger *zap.Logger) *unread.Tracker {
	return unread.NewTracker(db, b, logger)
}

func provideSynchronizer(p Params, ch realtime.Channel, d *notify.Dispatcher, tracker *unread.Tracker, logger *zap.Logger) *intsync.Synchronizer {
	alerters := intsync.Alerters{notify.NewMessageAlerter(d), tracker}
	return intsync.NewSynchronizer(ch, alerters, intsync.Config{
		LocalID:         p.Config.LocalID,
		ResubscribeStep: p.Config.Realtime.ResubscribeStep,
		ResubscribeMax:  p.Config.Realtime.ResubscribeMax,
	}, logger)
}

func provideSender(p Params, db *store.DB, ch realtime.Channel, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, ch, b, outbox.Config{
		PollInterval: p.Config.Outbox.PollInterval,
		MaxAttempts:  p.Config.Outbox.MaxAttempts,
	}, logger)
}

func provideMachine(p Params, feeds *intsync.Synchronizer, d *notify.Dispatcher, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) *session.Machine {
	return session.NewMachine(session.Config{
		LocalID:         p.Config.LocalID,
		LocalName:       p.Config.LocalName,
		ReminderLead:    p.Config.Session.ReminderLead,
		ResponseTimeout: p.Config.Session.ResponseTimeout,
		ConfirmTimeout:  p.Config.Session.ConfirmTimeout,
	}, session.Deps{
		Feeds:    feeds,
		Notifier: d,
		Outbox:   sender,
		Bus:      b,
		Logger:   logger,
	})
}

func provideAggregator(db *store.DB, logger *zap.Logger) *unread.Aggregator {
	return unread.NewAggregator(unread.StoreSource{DB: db}, logger)
}

type consoleParams struct {
	fx.In

	Params     Params
	Machine    *session.Machine
	Dispatcher *notify.Dispatcher
	Aggregator *unread.Aggregator
	Tracker    *unread.Tracker
	Channel    realtime.Channel
	Sender     *outbox.Sender
	Bus        *bus.Bus
	Logger     *zap.Logger
}

func provideConsole(cp consoleParams) *console.Console {
	return console.New(console.Deps{
		Machine:    cp.Machine,
		Dispatcher: cp.Dispatcher,
		Unread:     cp.Aggregator,
		Tracker:    cp.Tracker,
		Channel:    cp.Channel,
		Outbox:     cp.Sender,
		Bus:        cp.Bus,
		Gesture:    gestureConfig(cp.Params.Config),
		Logger:     cp.Logger,
	}, cp.Params.Out)
}

func gestureConfig(cfg *config.Config) gesture.Config {
	return gesture.Config{Threshold: cfg.Gesture.Threshold, Velocity: cfg.Gesture.Velocity}
}

type lifecycleParams struct {
	fx.In

	Params     Params
	Shutdowner fx.Shutdowner
	Lock       *lock.Lock
	DB         *store.DB
	Bus        *bus.Bus
	Sender     *outbox.Sender
	Machine    *session.Machine
	Dispatcher *notify.Dispatcher
	Aggregator *unread.Aggregator
	Console    *console.Console
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, lp lifecycleParams) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := lp.Logger

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// Start outbox sender.
			lp.Sender.Start(ctx)

			go lp.Machine.WatchDelivery(ctx, lp.Bus)
			go lp.Aggregator.Watch(ctx, lp.Bus)

			if lp.Params.In != nil {
				go lp.Console.Watch(ctx, lp.Bus)
				go func() {
					if err := lp.Console.Run(ctx, lp.Params.In); err != nil {
						logger.Error("console stopped", zap.Error(err))
					}
					if ctx.Err() == nil {
						_ = lp.Shutdowner.Shutdown()
					}
				}()
			}
			logger.Info("daemon started", zap.String("profile", lp.Params.ProfileName))
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			lp.Machine.Shutdown()
			lp.Dispatcher.Close()
			lp.Sender.Stop()
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
