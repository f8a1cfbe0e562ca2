// internal/bot/runner.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rovshanmuradov/solana-copybot/internal/chain"
	"github.com/rovshanmuradov/solana-copybot/internal/config"
	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/execution"
	"github.com/rovshanmuradov/solana-copybot/internal/feed"
	"github.com/rovshanmuradov/solana-copybot/internal/ingest"
	"github.com/rovshanmuradov/solana-copybot/internal/journal"
	"github.com/rovshanmuradov/solana-copybot/internal/metrics"
	"github.com/rovshanmuradov/solana-copybot/internal/notify"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/protocol"
	"github.com/rovshanmuradov/solana-copybot/internal/strategy"
	"github.com/rovshanmuradov/solana-copybot/internal/wallet"
)

const (
	busBuffer = 1024
	// copy-target state for tokens we never bought is forgotten after this
	targetRetention = time.Hour
)

// Options overrides collaborators, mostly for tests.
type Options struct {
	// Dial replaces the websocket dialer.
	Dial feed.Dialer
	// Adapters replaces the venues built from config.
	Adapters []protocol.Adapter
	// DisableMetricsServer skips the /metrics listener.
	DisableMetricsServer bool
}

// Runner owns every component of the engine and their lifecycle.
type Runner struct {
	cfg    *config.Config
	opts   Options
	logger *zap.Logger

	prom     *metrics.Prometheus
	metrics  *metrics.Metrics
	bus      *events.Bus
	webhook  *notify.Webhook
	journal  *journal.SQLite
	store    *position.Store
	book     *protocol.PriceBook
	registry *protocol.Registry
	selector *protocol.Selector
	engine   *strategy.Engine
	gate     *semaphore.Weighted
	coord    *execution.Coordinator
	pool     *feed.Pool
	pipeline *ingest.Pipeline

	sched    *Scheduler
	shutdown *ShutdownHandler
}

// NewRunner builds every component from cfg. Nothing is started.
func NewRunner(cfg *config.Config, logger *zap.Logger, opts Options) (_ *Runner, err error) {
	r := &Runner{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		prom:     metrics.NewPrometheus(),
		shutdown: NewShutdownHandler(logger, 30*time.Second),
	}
	r.metrics = r.prom.Metrics

	r.bus = events.NewBus(logger, busBuffer)
	r.bus.OnDrop(func(events.Event) { r.metrics.NotificationsDrops.Inc() })
	notify.Attach(r.bus, notify.NewLogSink(logger))
	if cfg.WebhookURL != "" {
		r.webhook = notify.NewWebhook(notify.WebhookConfig{
			URL:        cfg.WebhookURL,
			RatePerSec: cfg.WebhookRatePerSec,
		}, r.metrics, logger)
		notify.Attach(r.bus, r.webhook)
	}

	if cfg.JournalPath != "" {
		if r.journal, err = journal.Open(cfg.JournalPath, logger); err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				_ = r.journal.Close()
			}
		}()
	}

	r.store = position.NewStore(position.Options{
		HistoryCapacity: cfg.HistoryCapacity,
		VolumeWindow:    cfg.VolumeWindow,
	}, logger)
	r.book = protocol.NewPriceBook(cfg.PriceBookTTL)

	r.registry = protocol.NewRegistry(logger)
	adapters := opts.Adapters
	if adapters == nil {
		if adapters, err = r.buildAdapters(); err != nil {
			return nil, err
		}
	}
	for _, a := range adapters {
		if err = r.registry.Register(a); err != nil {
			return nil, err
		}
	}
	r.selector = protocol.NewSelector(r.registry, cfg.ProtocolOrder, cfg.ProtocolCacheTTL, logger)

	r.engine = strategy.NewEngine(strategy.Config{
		MaxHoldTime:          cfg.MaxHoldTime,
		TakeProfit:           cfg.TakeProfit,
		StopLoss:             cfg.StopLoss,
		RetracementThreshold: cfg.RetracementThreshold,
		MinLiquidity:         cfg.MinLiquidity,
		ProgressiveChunks:    cfg.ProgressiveSellChunks,
		ProgressiveInterval:  cfg.ProgressiveSellInterval,
		Mode:                 strategy.ExitMode(cfg.ExitMode()),
	}, r.selector, r.metrics, logger)

	r.gate = semaphore.NewWeighted(int64(cfg.MaxConcurrentTrades))
	execOpts := execution.Options{Bus: r.bus, Gate: r.gate, Metrics: r.metrics}
	if r.journal != nil {
		execOpts.Journal = r.journal
	}
	r.coord = execution.NewCoordinator(execution.Config{
		Mode:                  execution.Mode(cfg.ExecutionMode),
		MaxAttempts:           cfg.MaxAttempts,
		SlippageStepBps:       cfg.SlippageStepBps,
		ForceSellEnabled:      cfg.ForceSellEnabled,
		ForceSellSlippageBps:  cfg.ForceSellSlippageBps,
		StopLossFailureLimit:  cfg.StopLossFailureLimit,
		AlternateRouteOnRetry: cfg.AlternateRouteOnRetry,
		BackoffInitial:        cfg.RetryBackoffInitial,
		BackoffMax:            cfg.RetryBackoffMax,
		AckTimeout:            cfg.AckTimeout,
		UnconfirmedHold:       cfg.UnconfirmedHold,
	}, r.store, r.selector, execOpts, logger)

	dial := opts.Dial
	if dial == nil {
		dial = feed.DialWebsocket
	}
	r.pool = feed.NewPool(feed.Config{
		URL:               cfg.WSURL,
		Size:              cfg.ConnectionPoolSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatMisses:   cfg.HeartbeatMisses,
		ReconnectInitial:  cfg.ReconnectInitial,
		ReconnectMax:      cfg.ReconnectMax,
	}, dial, r.bus, r.metrics, logger)

	return r, nil
}

func (r *Runner) buildAdapters() ([]protocol.Adapter, error) {
	var out []protocol.Adapter
	if r.cfg.PaperTrading {
		for _, name := range r.cfg.ProtocolOrder {
			out = append(out, protocol.NewPaperAdapter(name, r.book, r.logger))
		}
		return out, nil
	}

	status, err := chain.NewStatusClient(r.cfg.RPCURLs, r.logger)
	if err != nil {
		return nil, err
	}
	pc := protocol.PortalConfig{
		BaseURL:      r.cfg.TradeAPIURL,
		AlternateURL: r.cfg.TradeAPIAlternateURL,
		APIKey:       r.cfg.TradeAPIKey,
		Timeout:      r.cfg.TradeAPITimeout,
	}
	if r.cfg.WalletPrivateKey != "" {
		w, err := wallet.New(r.cfg.WalletPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("wallet_private_key: %w", err)
		}
		if w.Address() != r.cfg.OwnWallet {
			return nil, fmt.Errorf("wallet_private_key belongs to %s, not own_wallet %s", w.Address(), r.cfg.OwnWallet)
		}
		sender, err := chain.NewBroadcaster(r.cfg.RPCURLs, r.logger)
		if err != nil {
			return nil, err
		}
		pc.Signer, pc.Sender = w, sender
		r.logger.Info("Local transaction signing enabled", zap.String("wallet", w.Address()))
	}
	for _, name := range r.cfg.ProtocolOrder {
		a, err := protocol.NewPortalAdapter(name, pc, r.book, status, r.logger)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Store exposes the position store for the dashboard.
func (r *Runner) Store() *position.Store { return r.store }

// Pool exposes the feed pool for the dashboard.
func (r *Runner) Pool() *feed.Pool { return r.pool }

// Positions returns a snapshot of every open position.
func (r *Runner) Positions() []position.TrackedPosition { return r.store.All() }

// FeedHealth returns the number of healthy feed slots and the pool size.
func (r *Runner) FeedHealth() (healthy, total int) { return r.pool.Healthy() }

// Bus exposes the notification bus.
func (r *Runner) Bus() *events.Bus { return r.bus }

// ForceSell exits token immediately at the force-sell tier.
func (r *Runner) ForceSell(ctx context.Context, token string) (*execution.Result, error) {
	return r.coord.ForceSell(ctx, token)
}

// Run starts the engine and blocks until ctx is done, then shuts every
// component down in order.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Starting copy-trade exit engine",
		zap.String("exit_mode", r.cfg.ExitMode()),
		zap.String("execution_mode", r.cfg.ExecutionMode),
		zap.Bool("paper_trading", r.cfg.PaperTrading),
		zap.Int("connections", r.cfg.ConnectionPoolSize),
		zap.Strings("protocols", r.registry.List()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.sched = NewScheduler(runCtx, r.evaluate, r.logger)
	router := NewRouter(r.cfg.OwnWallet, r.cfg.MonitoredWallets, r.store, r.book, r.selector, r.pool, r.sched, r.logger)

	size, timeout := ingest.BatchParams(r.cfg.FastMode, r.cfg.BatchSize, r.cfg.BatchTimeout)
	r.pipeline = ingest.NewPipeline(
		ingest.NewNormalizer(ingest.NewDedup(r.cfg.DedupWindow), r.metrics, r.logger),
		ingest.Batcher{Size: size, Timeout: timeout},
		ingest.NewDispatcher(r.gate, router.Handle, r.logger),
		r.logger)

	if err := r.restore(runCtx); err != nil {
		r.logger.Warn("Position restore failed", zap.Error(err))
	}
	if err := r.subscribe(runCtx); err != nil {
		return err
	}

	r.registerShutdown()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return r.pool.Run(gctx) })
	g.Go(func() error { return r.pipeline.Run(gctx, r.pool.Messages()) })
	g.Go(func() error { return r.sweepLoop(gctx) })
	if r.journal != nil {
		g.Go(func() error { return r.checkpointLoop(gctx) })
	}
	if r.webhook != nil {
		g.Go(func() error {
			r.webhook.Run(gctx)
			return nil
		})
	}
	if !r.opts.DisableMetricsServer && r.cfg.MetricsAddr != "" {
		g.Go(func() error { return r.serveMetrics(gctx) })
	}

	err := g.Wait()
	cancel()
	r.sched.Wait()

	shutdownErr := r.shutdown.Shutdown(context.Background())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return shutdownErr
}

// evaluate runs one decision cycle for token.
func (r *Runner) evaluate(ctx context.Context, token string) bool {
	snap, ok := r.store.Snapshot(token)
	if !ok {
		_ = r.pool.UnwatchToken(ctx, token)
		return false
	}
	if snap.Pending || r.coord.Awaiting(token) {
		return true
	}

	d, err := r.engine.Decide(ctx, snap)
	if err != nil {
		r.logger.Debug("No decision", zap.String("token", token), zap.Error(err))
		return true
	}
	if d == nil {
		return true
	}

	res, err := r.coord.Execute(ctx, d)
	switch {
	case errors.Is(err, execution.ErrCycleInProgress), errors.Is(err, execution.ErrAwaitingConfirmation),
		errors.Is(err, context.Canceled):
	case err != nil:
		r.logger.Warn("Sell cycle failed",
			zap.String("token", token),
			zap.String("decision", d.ID),
			zap.String("reason", string(d.Reason)),
			zap.Error(err))
	case res != nil && res.Closed:
		_ = r.pool.UnwatchToken(ctx, token)
	}
	return true
}

func (r *Runner) subscribe(ctx context.Context) error {
	wallets := append([]string{}, r.cfg.MonitoredWallets...)
	if r.cfg.OwnWallet != "" {
		wallets = append(wallets, r.cfg.OwnWallet)
	}
	if err := r.pool.WatchWallets(ctx, wallets); err != nil {
		return err
	}
	if err := r.pool.WatchMigrations(ctx); err != nil {
		return err
	}
	for _, token := range r.store.Tokens() {
		if err := r.pool.WatchToken(ctx, token); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) restore(ctx context.Context) error {
	if r.journal == nil {
		return nil
	}
	saved, err := r.journal.LoadPositions(ctx)
	if err != nil {
		return err
	}
	if n := r.store.Restore(saved); n > 0 {
		r.logger.Info("Restored positions", zap.Int("count", n))
	}
	return nil
}

func (r *Runner) sweepLoop(ctx context.Context) error {
	interval := r.cfg.EvalInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tokens := r.store.Tokens()
			r.metrics.OpenPositions.Set(float64(len(tokens)))
			r.sched.Sweep(tokens)
			if n := r.store.PruneTargets(targetRetention); n > 0 {
				r.logger.Debug("Pruned copy-target state", zap.Int("tokens", n))
			}
		}
	}
}

func (r *Runner) checkpointLoop(ctx context.Context) error {
	period := r.cfg.CheckpointPeriod
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.journal.Checkpoint(ctx, r.store.All()); err != nil {
				r.logger.Warn("Checkpoint failed", zap.Error(err))
			}
		}
	}
}

func (r *Runner) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.prom.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := r.pool.Check(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: r.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	r.logger.Info("Metrics listening", zap.String("addr", r.cfg.MetricsAddr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (r *Runner) registerShutdown() {
	r.shutdown.AddFunc("event_bus", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.bus.Shutdown(ctx)
	})
	if r.journal != nil {
		r.shutdown.AddFunc("journal", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.journal.Checkpoint(ctx, r.store.All()); err != nil {
				r.logger.Warn("Final checkpoint failed", zap.Error(err))
			}
			return r.journal.Close()
		})
	}
	r.shutdown.AddFunc("execution", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return r.coord.Close(ctx)
	})
}
