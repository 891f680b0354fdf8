// Package app wires the pipeline together: config, logging, storage, the
// ledger stream, the metadata poller, the alert evaluator and the Telegram
// surface, with hot config reload and graceful shutdown.
package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	telegram "tokenpulse/internal/adapters/telegram"
	"tokenpulse/internal/alerts"
	"tokenpulse/internal/config"
	"tokenpulse/internal/dispatch"
	"tokenpulse/internal/event"
	"tokenpulse/internal/eventbus"
	"tokenpulse/internal/ledger"
	"tokenpulse/internal/marketdata"
	"tokenpulse/internal/monitor"
	"tokenpulse/internal/registry"
	"tokenpulse/internal/scheduler"
	"tokenpulse/internal/storage"
	"tokenpulse/internal/transport"
	logx "tokenpulse/pkg/logx"
)

const (
	defaultPollInterval = 30 * time.Minute
	defaultEvalInterval = 15 * time.Minute
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.DB
	adapter *telegram.Adapter
	reg     *registry.Registry
	disp    *dispatch.Dispatcher
	mon     *monitor.Monitor
	eval    *alerts.Evaluator
	stream  *ledger.Stream
	sched   *scheduler.Service

	pollInterval time.Duration
	evalInterval time.Duration

	updates    chan transport.Update
	trustLines chan ledger.TrustLine

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	log = log.With(logx.String("component", "app"))
	cfgm.SetLogger(log.With(logx.String("component", "config")))

	bus := eventbus.New()

	// A constructor failure past this point must release the store handle.
	var store *storage.DB
	initOK := false
	defer func() {
		if !initOK && store != nil {
			_ = store.Close()
		}
	}()
	if cfg.Storage != nil {
		busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busyTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		if store != nil {
			log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
		}
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		Offline:     cfg.Telegram.Offline,
	}, log)
	if err != nil {
		return nil, err
	}

	reg := registry.New(log)
	if store != nil {
		reg.SetStore(store)
		subs, err := store.ListSubscriptions(context.Background())
		if err != nil {
			return nil, err
		}
		reg.Load(subs)
	}

	floodWaitMax, err := config.ParseDurationField("dispatch.flood_wait_max", cfg.Dispatch.FloodWaitMax)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispatch.Config{
		RatePerSec:   cfg.Dispatch.RatePerSec,
		FloodWaitMax: floodWaitMax,
	}, reg, adapter, bus, log)

	rpcTimeout := 15 * time.Second
	ledgerClient := ledger.NewClient(ledger.ClientConfig{RPCURL: cfg.Ledger.RPCURL, Timeout: rpcTimeout}, log)

	reconnect, err := config.ParseDurationField("ledger.reconnect_backoff", cfg.Ledger.ReconnectBackoff)
	if err != nil {
		return nil, err
	}
	readTimeout, err := config.ParseDurationField("ledger.read_timeout", cfg.Ledger.ReadTimeout)
	if err != nil {
		return nil, err
	}
	stream := ledger.NewStream(ledger.StreamConfig{
		WebsocketURL:     cfg.Ledger.WebsocketURL,
		ReconnectBackoff: reconnect,
		ReadTimeout:      readTimeout,
	}, bus, log)

	indexTimeout, err := config.ParseDurationField("index.request_timeout", cfg.Index.RequestTimeout)
	if err != nil {
		return nil, err
	}
	index := marketdata.NewClient(marketdata.Config{
		BaseURL:  cfg.Index.BaseURL,
		Timeout:  indexTimeout,
		PageSize: cfg.Index.PageSize,
	}, log)

	pollOverlap, err := config.ParseDurationField("monitor.poll_overlap", cfg.Monitor.PollOverlap)
	if err != nil {
		return nil, err
	}
	mon := monitor.New(monitor.Config{
		MinHolders:  cfg.Monitor.MinHolders,
		DedupSize:   cfg.Monitor.DedupSize,
		PollOverlap: pollOverlap,
	}, ledgerClient, index, disp, bus, log)
	if store != nil {
		mon.SetStore(store)
	}

	eval := alerts.New(alerts.Config{MaxPerUser: cfg.Alerts.MaxPerUser}, index, disp, bus, log)
	if store != nil {
		eval.SetStore(store)
		if err := eval.Load(context.Background()); err != nil {
			return nil, err
		}
	}

	pollInterval, err := config.ParseDurationOrDefault("monitor.poll_interval", cfg.Monitor.PollInterval, defaultPollInterval)
	if err != nil {
		return nil, err
	}
	evalInterval, err := config.ParseDurationOrDefault("alerts.eval_interval", cfg.Alerts.EvalInterval, defaultEvalInterval)
	if err != nil {
		return nil, err
	}

	initOK = true
	return &App{
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		adapter:      adapter,
		reg:          reg,
		disp:         disp,
		mon:          mon,
		eval:         eval,
		stream:       stream,
		sched:        scheduler.New(log),
		pollInterval: pollInterval,
		evalInterval: evalInterval,
		updates:      make(chan transport.Update, 256),
		trustLines:   make(chan ledger.TrustLine, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.runCancel != nil {
		return nil
	}
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	if err := a.adapter.Start(rctx, a.updates); err != nil {
		cancel()
		a.runCancel = nil
		return err
	}

	pollJob := func(ctx context.Context) error {
		a.mon.PollOnce(ctx)
		return nil
	}
	evalJob := func(ctx context.Context) error {
		a.eval.EvaluateOnce(ctx)
		return nil
	}
	if err := a.sched.AddInterval("index-poll", a.pollInterval, a.pollInterval, pollJob); err != nil {
		cancel()
		a.runCancel = nil
		return err
	}
	if err := a.sched.AddInterval("alert-eval", a.evalInterval, a.evalInterval, evalJob); err != nil {
		cancel()
		a.runCancel = nil
		return err
	}
	if err := a.sched.Start(rctx); err != nil {
		cancel()
		a.runCancel = nil
		return err
	}

	a.runWG.Add(4)
	go func() {
		defer a.runWG.Done()
		a.stream.Run(rctx, a.trustLines)
	}()
	go func() {
		defer a.runWG.Done()
		a.mon.ConsumeStream(rctx, a.trustLines)
	}()
	go func() {
		defer a.runWG.Done()
		a.commandLoop(rctx)
	}()
	go func() {
		defer a.runWG.Done()
		a.auditLoop(rctx)
	}()

	a.runWG.Add(2)
	go func() {
		defer a.runWG.Done()
		_ = a.cfgm.Watch(rctx)
	}()
	go func() {
		defer a.runWG.Done()
		a.reloadLoop(rctx)
	}()

	a.log.Info("started",
		logx.Duration("poll_interval", a.pollInterval),
		logx.Duration("eval_interval", a.evalInterval),
		logx.Int("subscriptions", a.reg.ActiveCount()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	a.sched.Stop()
	_ = a.adapter.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown grace elapsed; exiting with goroutines pending")
	}

	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// reloadLoop applies hot-reloadable sections of a committed config edit.
// Intervals and endpoints need a restart; logging applies live.
func (a *App) reloadLoop(ctx context.Context) {
	ch := a.cfgm.Subscribe(2)
	defer a.cfgm.Unsubscribe(ch)

	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return
			}
			changed, attrs := config.SummarizeChange(prev, cfg)
			prev = cfg
			if len(changed) == 0 {
				continue
			}
			a.log.Info("config changed", append([]logx.Field{logx.Any("sections", changed)}, attrs...)...)
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			})
		}
	}
}

// auditLoop persists pipeline occurrences from the event bus. Without a
// store it still drains the subscription so the bus never backs up.
func (a *App) auditLoop(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if a.store == nil {
				continue
			}
			entry := storage.AuditEntry{At: ev.Time, Kind: ev.Type}
			switch data := ev.Data.(type) {
			case event.Discovery:
				entry.Subject = data.Asset.Key()
				entry.OK = 1
			case event.AlertFired:
				entry.Subject = data.Asset.Key()
				entry.ChatID = data.UserID
				entry.OK = 1
			case event.DeliveryFailure:
				entry.ChatID = data.ChatID
				entry.Error = data.Err
				entry.Fail = 1
			default:
				if b, err := json.Marshal(ev.Data); err == nil {
					entry.MetaJSON = string(b)
				}
			}
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.store.AppendAudit(wctx, entry); err != nil {
				a.log.Warn("audit append failed", logx.String("kind", ev.Type), logx.Err(err))
			}
			cancel()
		}
	}
}
