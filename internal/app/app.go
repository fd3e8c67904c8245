// Package app wires configuration, the MIDI device, the request queues, the
// chat surface and the optional services into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"midibot/internal/commands"
	"midibot/internal/config"
	"midibot/internal/coordinator"
	"midibot/internal/eventbus"
	"midibot/internal/midiout"
	"midibot/internal/overlay"
	"midibot/internal/performance"
	"midibot/internal/runtime/supervisor"
	"midibot/internal/schedule"
	"midibot/internal/storage"
	kit "midibot/internal/transport"
	"midibot/internal/transport/telegram"
	logx "midibot/pkg/logx"
)

const announceEvery = 5 * time.Second

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	out     *midiout.Output
	coord   *coordinator.Coordinator

	sched *performance.Scheduler
	cmdm  *commands.Manager
	cron  *schedule.Service
	ann   *announcer

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tcfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// Set the chat target before enabling the chat sink so Apply does not
	// warn about a missing destination.
	logCfg := mapLogConfig(cfg)
	boot := logCfg
	boot.Chat.Enabled = false
	logSvc, log := logx.New(boot, ad)
	logSvc.SetChatTarget(cfg.Telegram.LogChat, cfg.Logging.Chat.ThreadID)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(cfg, ad); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, ad kit.Adapter) error {
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	out, err := midiout.Open(cfg.MIDI.Output, a.log.With(logx.String("comp", "midiout")))
	if err != nil {
		a.closeStore()
		return err
	}
	a.out = out
	a.log.Info("midi output opened", logx.String("port", out.Name()))

	ccfg, err := mapCoordinatorConfig(cfg)
	if err != nil {
		a.closeStore()
		_ = out.Close()
		return err
	}
	opts := []coordinator.Option{coordinator.WithNowPlaying(performance.NowPlayingPublisher(a.bus))}
	if a.store != nil {
		opts = append(opts, coordinator.WithAliases(commands.AliasBook(a.store)))
	}
	a.coord = coordinator.New(ccfg, out, a.log.With(logx.String("comp", "coordinator")), opts...)
	mode, err := coordinator.ParseSyncMode(cfg.Queue.SyncMode)
	if err != nil {
		a.closeStore()
		_ = out.Close()
		return err
	}
	a.coord.SetSyncMode(mode)
	a.coord.SetRequestsOpen(requestsOpen(cfg))

	a.ann = newAnnouncer(ad, a.coord, announceEvery, a.log.With(logx.String("comp", "announce")))
	a.ann.SetTarget(cfg.Telegram.LogChat, 0)
	return nil
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Bar work gets its own supervisor: a panicking trigger must not take the
	// process down.
	barSup := supervisor.New(a.sup.Context(),
		supervisor.WithLogger(a.log.With(logx.String("comp", "performance"))),
		supervisor.WithCancelOnError(false),
	)
	sched, err := performance.New(a.coord, a.out, a.bus, barSup, performance.Config{
		Tempo:   mapTempo(cfg),
		Channel: midiChannel(cfg.MIDI.Channel),
	}, a.log.With(logx.String("comp", "performance")))
	if err != nil {
		return err
	}
	a.sched = sched

	a.cmdm = commands.NewManager(a.adapter, cfg.Telegram.OwnerUserIDs, a.log.With(logx.String("comp", "commands")),
		commands.WithStore(a.store),
		commands.WithSupervisor(a.sup),
	)
	a.cmdm.SetRegistry(commands.MIDI(commands.Deps{Scheduler: sched, Store: a.store, Bus: a.bus}))

	a.cron = schedule.New(scheduleActions(sched, a.ann), a.log.With(logx.String("comp", "schedule")))
	if err := a.cron.Apply(cfg.Schedule); err != nil {
		return err
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.cron.Start(a.sup.Context())
	a.sup.Go0("announce", func(c context.Context) { a.ann.Run(c, a.bus) })
	if o := cfg.Overlay; o != nil && o.Enabled {
		pub := overlay.New(overlay.Config{Host: o.Host, Port: o.Port, Prefix: o.Prefix}, a.log.With(logx.String("comp", "overlay")))
		a.sup.Go("overlay", func(c context.Context) error { return pub.Run(c, a.bus) })
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type == eventbus.BarStarted {
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if cfg.MIDI.AutoStart {
		if err := sched.Start(); err != nil {
			return err
		}
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("port", a.out.Name()), logx.Int("tempo", sched.Tempo()))
	return nil
}

// validate rejects reloads the running components could not apply.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCoordinatorConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if cfg.Schedule != nil && cfg.Schedule.Enabled {
		probe := schedule.New(scheduleActions(a.sched, a.ann), logx.Nop())
		if err := probe.Apply(cfg.Schedule); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	if a.cron != nil {
		step("schedule", 2*time.Second, func(c context.Context) error { a.cron.Stop(c); return nil })
	}
	if a.sched != nil {
		step("performance", 3*time.Second, a.sched.Close)
	}
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("midi", time.Second, func(context.Context) error { return a.out.Close() })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	if err := a.sup.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
