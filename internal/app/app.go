// Package app wires configuration, storage, transport, the scheduler and
// the coordinator into one runnable bot.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mensabot/internal/bot"
	"mensabot/internal/config"
	"mensabot/internal/mealplan"
	"mensabot/internal/registry"
	rtsup "mensabot/internal/runtime/supervisor"
	"mensabot/internal/sched"
	"mensabot/internal/store"
	kit "mensabot/internal/transport"
	"mensabot/internal/transport/telegram"
	"mensabot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	regs    store.Registrations
	adapter *telegram.Adapter
	cron    *sched.Cron
	coord   *registry.Coordinator
	router  *bot.Router
	cache   *mealplan.Cache

	refreshEvery time.Duration

	sup     *rtsup.Supervisor
	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	logSvc, log := logx.New(logCfg)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	regs, err := store.Open(store.Config{Path: cfg.Store.Path, BusyTimeout: busyTimeout},
		log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	loc := cfg.Location()
	cron := sched.New(loc, log.With(logx.String("comp", "sched")))

	fetchTimeout, err := config.ParseDurationOrDefault("mealplan.fetch_timeout", cfg.MealPlan.FetchTimeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	mlog := log.With(logx.String("comp", "mealplan"))
	var backendProvider mealplan.Provider
	switch cfg.MealPlan.Backend {
	case "scrape":
		backendProvider = mealplan.NewProvider(mealplan.NewScraper(cfg.MealPlan.BaseURL, fetchTimeout, mlog), loc)
	default: // "api", enforced by Validate
		backendProvider = mealplan.NewProvider(mealplan.NewAPI(cfg.MealPlan.BaseURL, fetchTimeout, mlog), loc)
	}

	coord, err := registry.New(registry.Config{
		Store:               regs,
		Scheduler:           cron,
		Provider:            backendProvider,
		Notifier:            bot.NewNotifier(ad),
		Location:            loc,
		BroadcastRatePerSec: cfg.Scheduler.BroadcastRatePerSec,
	}, log.With(logx.String("comp", "registry")))
	if err != nil {
		return nil, err
	}

	refreshEvery, err := config.ParseDurationOrDefault("mealplan.refresh_every", cfg.MealPlan.RefreshEvery, 30*time.Minute)
	if err != nil {
		return nil, err
	}
	cache := mealplan.NewCache(backendProvider, loc, func(mensaID int64) {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := coord.Submit(sctx, registry.BroadcastUpdate{MensaID: mensaID}); err != nil {
			log.Warn("broadcast not submitted", logx.Int64("mensa_id", mensaID), logx.Err(err))
		}
	}, mlog)

	router := bot.NewRouter(bot.Config{
		DefaultHour:   cfg.Scheduler.DefaultHour,
		DefaultMinute: cfg.Scheduler.DefaultMinute,
	}, ad, coord, backendProvider, log.With(logx.String("comp", "bot")))

	return &App{
		cfgm:         cfgm,
		logs:         logSvc,
		log:          log,
		regs:         regs,
		adapter:      ad,
		cron:         cron,
		coord:        coord,
		router:       router,
		cache:        cache,
		refreshEvery: refreshEvery,
		updates:      make(chan kit.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup

	// Jobs must exist before the cron starts ticking.
	if err := a.coord.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap registrations: %w", err)
	}
	a.cron.Start()

	sup.Go("coordinator", a.coord.Run)

	if err := a.adapter.Start(sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}

	sup.Go0("updates.dispatch", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case up := <-a.updates:
				// One goroutine per handler invocation; handlers block on
				// query replies and must not stall each other.
				sup.Go0("update.handle", func(hc context.Context) {
					a.router.Dispatch(hc, up)
				})
			}
		}
	})

	if a.refreshEvery > 0 {
		sup.Go0("mealplan.refresh", func(c context.Context) {
			ticker := time.NewTicker(a.refreshEvery)
			defer ticker.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-ticker.C:
					ids, err := a.coord.Locations(c)
					if err != nil {
						a.log.Warn("location query failed", logx.Err(err))
						continue
					}
					a.cache.Refresh(c, ids)
				}
			}
		})
	}

	// Config watch: only the logging section hot-applies; everything else
	// requires a restart.
	sup.Go("config.watch", a.cfgm.Watch)
	cfgCh := a.cfgm.Subscribe(1)
	sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(cfgCh)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-cfgCh:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
			}
		}
	})

	mctx, cancel := context.WithTimeout(sup.Context(), 10*time.Second)
	if err := a.adapter.UpdateMenuCommands(mctx, a.router.Commands()); err != nil {
		a.log.Warn("command menu update failed", logx.Err(err))
	}
	cancel()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("mensabot started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop failed", logx.Err(err))
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.cron.Stop(cctx); err != nil {
		a.log.Warn("scheduler stop timed out", logx.Err(err))
	}
	cancel()

	if a.sup != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.sup.Stop(sctx)
		cancel()
	}

	if err := a.regs.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("mensabot stopped")
	return a.logs.Close()
}
