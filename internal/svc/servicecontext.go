// Package svc wires the keeper's components together and owns their
// lifecycle.
package svc

import (
	"context"
	"time"

	"github.com/neboloop/keeper/internal/browser"
	"github.com/neboloop/keeper/internal/config"
	"github.com/neboloop/keeper/internal/events"
	"github.com/neboloop/keeper/internal/history"
	"github.com/neboloop/keeper/internal/logging"
	"github.com/neboloop/keeper/internal/notify"
	"github.com/neboloop/keeper/internal/probe"
	"github.com/neboloop/keeper/internal/realtime"
	"github.com/neboloop/keeper/internal/schedule"
	"github.com/neboloop/keeper/internal/watchdog"
)

// ServiceContext carries the wired components. Handlers read from it;
// the run command owns its lifecycle.
type ServiceContext struct {
	Config  config.Config
	Version string

	Bus       *events.Bus
	History   *history.Store // nil when history is disabled or unavailable
	Prober    probe.Prober
	Keeper    *watchdog.Keeper
	Hub       *realtime.Hub
	Notifier  *notify.Dispatcher
	Scheduler *schedule.Scheduler

	runCtx context.Context
	detach []func()
}

// NewServiceContext builds every component from validated config. It
// never fails: an optional subsystem that cannot come up (history, a
// notifier backend) logs and is skipped, because only configuration
// errors may stop startup.
func NewServiceContext(c config.Config, version string) *ServiceContext {
	s := &ServiceContext{
		Config:  c,
		Version: version,
		Bus:     events.NewBus(),
	}

	if c.History.Enabled {
		store, err := history.Open(c.HistoryDBPath(), c.History.MaxChecks, c.History.MaxAttempts)
		if err != nil {
			logging.Errorf("History store unavailable, running without audit log: %v", err)
		} else {
			s.History = store
			logging.Infof("History store opened at %s", c.HistoryDBPath())
		}
	}

	s.Prober = browser.NewColabProber(browser.Config{
		NotebookURL:    c.TargetURL,
		AttachURL:      c.Browser.AttachURL,
		ExecutablePath: c.Browser.ChromePath,
		UserDataDir:    c.Browser.UserDataDir,
		CDPPort:        c.Browser.CDPPort,
		Headless:       c.Browser.Headless,
		NoSandbox:      c.Browser.NoSandbox,
		OpTimeout:      c.ProbeTimeout(),
		PageLoad:       c.PageLoadTimeout(),
	})
	logging.Info("Colab prober initialized")

	wcfg := watchdog.Config{
		Interval:              c.CheckInterval(),
		InitialDelay:          c.InitialDelay(),
		MaxRetries:            c.MaxRetries,
		RetryDelay:            c.RetryDelay(),
		UnhealthyThreshold:    c.UnhealthyThreshold,
		Adaptive:              c.AdaptiveInterval,
		RunCellsAfterRecovery: c.RunCellsAfterRecovery,
		RotationInterval:      c.RotationInterval(),
		Bus:                   s.Bus,
	}
	// Recorder is an interface; a nil *history.Store stored in it would
	// still compare non-nil. Only assign when the store exists.
	if s.History != nil {
		wcfg.Recorder = s.History
	}
	s.Keeper = watchdog.NewKeeper(wcfg, s.Prober)

	s.Hub = realtime.NewHub()
	s.Hub.SetSnapshotFunc(func() *realtime.Frame {
		return &realtime.Frame{
			Type: realtime.FrameSnapshot,
			At:   time.Now().UTC(),
			Data: s.Keeper.Snapshot(),
		}
	})
	s.detach = append(s.detach, s.Hub.Attach(s.Bus))

	s.Notifier = notify.NewDispatcher(s.buildNotifiers()...)
	s.detach = append(s.detach, s.Notifier.Attach(s.Bus))

	s.Scheduler = schedule.New()
	if c.RotationEnabled() {
		if err := s.Scheduler.AddRotation(c.RotationInterval(), s.Keeper); err != nil {
			logging.Errorf("Rotation schedule rejected: %v", err)
		} else {
			logging.Infof("Session rotation scheduled every %s", c.RotationInterval())
		}
	}
	if s.History != nil {
		err := s.Scheduler.AddDailySummary(s.History, func(title, body string) {
			s.Notifier.Notify(context.Background(), notify.Event{
				Condition: notify.CondDailySummary,
				Title:     title,
				Body:      body,
			})
		})
		if err != nil {
			logging.Errorf("Daily summary schedule rejected: %v", err)
		}
	}

	return s
}

func (s *ServiceContext) buildNotifiers() []notify.Notifier {
	var out []notify.Notifier
	if s.Config.Notifications.Desktop {
		out = append(out, notify.NewDesktop())
		logging.Info("Desktop notifier enabled")
	}
	if s.Config.TelegramEnabled() {
		tg, err := notify.NewTelegram(s.Config.Notifications.Telegram.Token, s.Config.Notifications.Telegram.ChatID)
		if err != nil {
			logging.Warnf("Telegram notifier disabled: %v", err)
		} else {
			out = append(out, tg)
			logging.Info("Telegram notifier enabled")
		}
	}
	return out
}

// Start launches the hub, the scheduler, and the watchdog loop. The
// context bounds the hub and the loop and is kept so control handlers
// can restart the loop under the same lifetime.
func (s *ServiceContext) Start(ctx context.Context) {
	s.runCtx = ctx
	go s.Hub.Run(ctx)
	s.Scheduler.Start()
	s.Keeper.Start(ctx)
	logging.Info("Keeper started")
}

// StartKeeper resumes a halted watchdog loop under the recorded
// lifetime context. Reports whether the call changed anything.
func (s *ServiceContext) StartKeeper() bool {
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	return s.Keeper.Start(ctx)
}

// Close stops everything in dependency order: the loop first, then the
// browser it drives, then the passive pieces.
func (s *ServiceContext) Close() {
	s.Keeper.Stop()
	if err := s.Prober.Close(); err != nil {
		logging.Warnf("Prober close: %v", err)
	}
	s.Scheduler.Stop()
	for _, fn := range s.detach {
		fn()
	}
	s.Bus.Close()
	if s.History != nil {
		if err := s.History.Close(); err != nil {
			logging.Warnf("History close: %v", err)
		}
	}
	logging.Info("Service context closed")
}
