// Package engine is the central orchestrator of the arbitrage agent.
//
// It wires together all subsystems:
//
//  1. The REST client authenticates and lists instruments; discovery derives
//     the ARS/USD pair set by the "D"-suffix convention.
//  2. The streaming feed keeps the quote board current and publishes every
//     execution report on the fan-out bus.
//  3. The reconciler tracks positions from fills and keeps cash in sync with
//     the venue's account report.
//  4. The trading loop evaluates both arbitrage directions every poll and
//     hands qualifying signals to the two-leg coordinator.
//  5. The control watcher applies operator overrides and one-shot actions
//     between iterations; the latency probe retunes the reference half-life.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mep-arb/internal/account"
	"mep-arb/internal/bus"
	"mep-arb/internal/config"
	"mep-arb/internal/control"
	"mep-arb/internal/exchange"
	"mep-arb/internal/market"
	"mep-arb/internal/status"
	"mep-arb/internal/strategy"
	"mep-arb/internal/trace"
	"mep-arb/pkg/types"
)

// shutdownGrace bounds how long Stop waits for background goroutines.
const shutdownGrace = 5 * time.Second

// Engine owns the lifecycle of every component and runs the trading loop.
type Engine struct {
	cfg        *config.Config
	settings   *control.Settings
	baseLogger *slog.Logger
	logger     *slog.Logger

	tracer  *trace.Writer
	board   *market.Board
	broker  *bus.Broker
	watcher *control.Watcher
	ref     *strategy.Estimator
	coord   *strategy.TwoLeg
	probe   *strategy.Probe
	rec     *account.Reconciler
	disc    *market.Discovery
	pub     *status.Publisher
	trades  *status.TradeLog
	reports *status.ReportLog

	// client and feed are replaced wholesale on force_reauth; feedCancel
	// stops the superseded connection loop. The board and broker are shared
	// across swaps so quotes and subscribers survive.
	connMu     sync.Mutex
	client     *exchange.Client
	feed       *exchange.Feed
	feedCancel context.CancelFunc

	// refPair is read by the probe goroutine; everything else below is
	// owned by the loop goroutine.
	stateMu        sync.RWMutex
	refPair        types.Pair
	pairs          []types.Pair
	tradingEnabled bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. Nothing touches the network
// until Start.
func New(cfg *config.Config, logger *slog.Logger) *Engine {
	settings := control.FromConfig(cfg)

	tracer := trace.New(cfg.Trace.Path, cfg.Trace.RotateMB)
	tracer.SetEnabled(cfg.Trace.Enabled)
	tracer.SetRaw(cfg.Trace.Raw)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:            cfg,
		settings:       settings,
		baseLogger:     logger,
		logger:         logger.With("component", "engine"),
		tracer:         tracer,
		board:          market.NewBoard(),
		broker:         bus.NewBroker(logger),
		ref:            strategy.NewEstimator(cfg.Reference.HalfLifeS),
		pub:            status.NewPublisher(cfg.Files.Status, cfg.Files.Books, cfg.Files.Positions, logger),
		trades:         status.NewTradeLog(cfg.Files.Trades, logger),
		tradingEnabled: true,
		ctx:            ctx,
		cancel:         cancel,
	}

	e.client = e.buildClient()
	e.feed = exchange.NewFeed(e.client, e.board, e.broker, tracer, logger)
	e.watcher = control.NewWatcher(cfg.Files.Control, settings, tracer, logger)
	e.coord = strategy.NewTwoLeg(e.feed, e.broker, logger)
	e.rec = account.NewReconciler(e.client, e.broker, account.Mode(cfg.Balance.Mode), tracer, logger)
	e.reports = status.NewReportLog(cfg.Files.Reports, e.broker, logger)
	e.disc = market.NewDiscovery(e, settings.InstrumentRefresh, logger)

	e.probe = strategy.NewProbe(e.feed, e.broker, strategy.ProbeConfig{
		Symbol:   e.probeSymbol,
		Interval: settings.ProbeInterval,
		Tune: func() strategy.TuneParams {
			enabled, k, minHL, maxHL := settings.RefTuneParams()
			return strategy.TuneParams{Enabled: enabled, K: k, MinHL: minHL, MaxHL: maxHL}
		},
		Apply: func(halfLife float64) {
			settings.SetHalfLife(halfLife)
			e.ref.SetHalfLife(halfLife)
		},
	}, tracer, logger)

	return e
}

// Instruments delegates to the current REST client so discovery keeps
// working across a force_reauth swap.
func (e *Engine) Instruments(ctx context.Context) ([]types.Instrument, error) {
	e.connMu.Lock()
	client := e.client
	e.connMu.Unlock()
	return client.Instruments(ctx)
}

// Start authenticates, discovers the tradable pair set, seeds cash, and
// launches all background goroutines. An empty pair universe at startup is
// fatal: there is nothing to trade and nothing to quote against.
func (e *Engine) Start() error {
	if _, err := e.client.Login(e.ctx); err != nil {
		return fmt.Errorf("venue login: %w", err)
	}

	pairs, err := market.BuildPairs(e.ctx, e.client)
	if err != nil {
		return fmt.Errorf("instrument discovery: %w", err)
	}
	if len(pairs) == 0 {
		return fmt.Errorf("no ARS/USD pairs discovered")
	}
	e.pairs = pairs
	e.ensureRefPair()

	if err := e.feed.UpdateSymbols(market.Symbols(pairs)); err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}

	if err := e.rec.Refresh(e.ctx); err != nil {
		e.logger.Warn("initial cash refresh failed", "error", err)
	}

	e.startFeed(e.feed)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.rec.Consume(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.rec.RunPolls(e.ctx, e.settings.RiskPoll, e.settings.RiskRefresh)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.probe.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.disc.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reports.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop()
	}()

	e.logger.Info("engine started",
		"env", e.settings.Env(),
		"pairs", len(pairs),
		"ref_pair", e.currentRefPair().Key(),
	)
	return nil
}

// Stop cancels every goroutine, waits out a short grace period, and flushes
// the trade log and tracer.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		e.logger.Warn("shutdown grace expired, abandoning background goroutines")
	}

	if err := e.trades.Flush(); err != nil {
		e.logger.Error("final trade flush failed", "error", err)
	}
	e.broker.Close()
	e.tracer.Close()
	e.logger.Info("shutdown complete")
}

// startFeed launches the connection loop for a feed under its own cancel so
// a reauth can stop just the superseded one.
func (e *Engine) startFeed(f *exchange.Feed) {
	ctx, cancel := context.WithCancel(e.ctx)
	e.connMu.Lock()
	e.feedCancel = cancel
	e.connMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := f.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("feed stopped", "error", err)
		}
	}()
}

// loop is the trading loop: one tick per poll interval until shutdown.
func (e *Engine) loop() {
	for {
		e.tick()

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(e.settings.PollInterval()):
		}
	}
}

// tick runs one full iteration: control, snapshots, reference update, both
// trading directions, and the operator snapshots.
func (e *Engine) tick() {
	acts := e.watcher.Poll(time.Now())
	if acts.PanicStop {
		e.setTrading(false)
	}
	if acts.Resume {
		e.setTrading(true)
	}
	if acts.HalfLifeOverride != nil {
		e.ref.SetHalfLife(*acts.HalfLifeOverride)
	}
	if acts.ReloadInstruments {
		e.disc.Trigger()
	}
	if acts.ForceReauth {
		e.reauth()
	}
	if acts.ForceFlatten {
		e.forceFlatten()
	}
	e.rec.SetMode(account.Mode(e.settings.BalanceMode()))

	select {
	case pairs := <-e.disc.Results():
		e.adoptPairs(pairs)
	default:
	}

	snap := e.board.Snapshot()

	if len(e.pairs) > 0 {
		e.ensureRefPair()
		refPair := e.currentRefPair()

		// Quotes older than five polls are reconnect leftovers and do not
		// feed the estimator.
		staleAfter := 5 * e.settings.PollInterval()
		qaRef, okA := snap[refPair.ARS]
		quRef, okU := snap[refPair.USD]
		if okA && okU && time.Since(qaRef.TS) <= staleAfter && time.Since(quRef.TS) <= staleAfter {
			e.ref.Update(time.Now(), qaRef.Ask, quRef.Bid, qaRef.Bid, quRef.Ask)
		}

		mode := strategy.RefMode(e.settings.RefMode())
		a2uRef, haveA2U := e.ref.RefA2U(mode)
		u2aRef, haveU2A := e.ref.RefU2A(mode)

		if e.tradingEnabled && haveA2U {
			for _, pair := range e.pairs {
				e.tryA2U(snap, pair, a2uRef)
			}
		}
		if e.tradingEnabled && haveU2A {
			// Live USD cash, fills from the A2U sweep included.
			if usd := e.rec.Cash().USD; usd.Sign() > 0 {
				e.tryU2A(snap, u2aRef, usd)
			}
		}
	}

	e.publish()
}

// tryA2U evaluates one pair for the ARS→USD direction and executes when the
// signal, the caps, and the notional floor all clear. ARS cash is re-read
// per pair; earlier fills this tick count against it.
func (e *Engine) tryA2U(snap map[string]types.TopOfBook, pair types.Pair, ref float64) {
	qa, okA := snap[pair.ARS]
	qu, okU := snap[pair.USD]
	if !okA || !okU {
		return
	}
	implied, ok := strategy.ImpliedA2U(qa, qu)
	if !ok {
		return
	}
	operable := strategy.OperableA2U(qa, qu, implied)
	minNotional := e.settings.MinNotionalARS()
	if !strategy.SignalA2U(implied, ref, operable, minNotional, e.settings.ThreshPct()) {
		return
	}

	nom := strategy.NominalCap(qu.BidQty, qa.AskQty, e.rec.Cash().ARS, qa.Ask)
	if !strategy.MeetsNotional(nom, qa.Ask, minNotional) {
		return
	}

	e.tracer.Event("signal.a2u", map[string]any{
		"pair":    pair.Key(),
		"implied": implied,
		"ref":     ref,
		"nom_cap": nom,
	})

	buyPx := decimal.NewFromFloat(qa.Ask)
	sellPx := decimal.NewFromFloat(qu.Bid)
	out, err := e.coord.Execute(e.ctx, strategy.ExecParams{
		Buy:        strategy.Leg{Symbol: pair.ARS, Price: &buyPx},
		Sell:       strategy.Leg{Symbol: pair.USD, Price: &sellPx},
		QtyCap:     nom,
		Refs:       e.residual(pair, types.DirA2U, ref),
		Wait:       e.settings.WaitWindow(),
		Grace:      e.settings.GraceWindow(),
		ThreshPct:  e.settings.ThreshPct(),
		EdgeTolBps: e.settings.EdgeTolBps(),
		Unwind:     strategy.UnwindMode(e.settings.UnwindMode()),
	})
	if err != nil {
		e.logger.Warn("a2u execution failed", "pair", pair.Key(), "error", err)
		return
	}
	e.tracer.Event("exec.a2u.result", map[string]any{
		"pair": pair.Key(), "bought": out.Bought, "sold": out.Sold, "unwound": out.Unwound,
	})

	usdPx := qu.Bid
	e.trades.Append(status.TradeRow{
		TS:      qa.TS.Format(time.RFC3339Nano),
		Pair:    pair.Key(),
		Dir:     types.DirA2U,
		Implied: implied,
		MepRef:  ref,
		Nominal: nom,
		PxARS:   qa.Ask,
		PxUSD:   &usdPx,
	})
}

// tryU2A picks the single best USD→ARS candidate by implied rate and
// executes it. The buy leg goes out at market.
func (e *Engine) tryU2A(snap map[string]types.TopOfBook, ref float64, cashUSD decimal.Decimal) {
	minNotional := e.settings.MinNotionalARS()
	thresh := e.settings.ThreshPct()

	var (
		best        types.Pair
		bestImplied float64
		bestQA      types.TopOfBook
		bestQU      types.TopOfBook
		found       bool
	)
	for _, pair := range e.pairs {
		qa, okA := snap[pair.ARS]
		qu, okU := snap[pair.USD]
		if !okA || !okU {
			continue
		}
		implied, ok := strategy.ImpliedU2A(qa, qu)
		if !ok {
			continue
		}
		operable := strategy.OperableU2A(qa, qu, implied)
		if !strategy.SignalU2A(implied, ref, operable, minNotional, thresh) {
			continue
		}
		if !found || implied > bestImplied {
			best, bestImplied, bestQA, bestQU, found = pair, implied, qa, qu, true
		}
	}
	if !found {
		return
	}

	nom := strategy.NominalCap(bestQA.BidQty, bestQU.AskQty, cashUSD, bestQU.Ask)
	if !strategy.MeetsNotional(nom, bestQA.Bid, minNotional) {
		return
	}

	e.tracer.Event("signal.u2a", map[string]any{
		"pair":    best.Key(),
		"implied": bestImplied,
		"ref":     ref,
		"nom_cap": nom,
	})

	sellPx := decimal.NewFromFloat(bestQA.Bid)
	out, err := e.coord.Execute(e.ctx, strategy.ExecParams{
		Buy:        strategy.Leg{Symbol: best.USD},
		Sell:       strategy.Leg{Symbol: best.ARS, Price: &sellPx},
		QtyCap:     nom,
		Refs:       e.residual(best, types.DirU2A, ref),
		Wait:       e.settings.WaitWindow(),
		Grace:      e.settings.GraceWindow(),
		ThreshPct:  thresh,
		EdgeTolBps: e.settings.EdgeTolBps(),
		Unwind:     strategy.UnwindMode(e.settings.UnwindMode()),
	})
	if err != nil {
		e.logger.Warn("u2a execution failed", "pair", best.Key(), "error", err)
		return
	}
	e.tracer.Event("exec.u2a.result", map[string]any{
		"pair": best.Key(), "bought": out.Bought, "sold": out.Sold, "unwound": out.Unwound,
	})

	e.trades.Append(status.TradeRow{
		TS:      bestQA.TS.Format(time.RFC3339Nano),
		Pair:    best.Key(),
		Dir:     types.DirU2A,
		Implied: bestImplied,
		MepRef:  ref,
		Nominal: nom,
		PxARS:   bestQA.Bid,
	})
}

// residual builds the coordinator's re-check callback: a fresh look at the
// sell leg's book taken at unwind time.
func (e *Engine) residual(pair types.Pair, dir types.Direction, ref float64) strategy.RefsFunc {
	return func() strategy.Residual {
		qa, okA := e.board.Get(pair.ARS)
		qu, okU := e.board.Get(pair.USD)
		res := strategy.Residual{Dir: dir, Ref: ref}

		if dir == types.DirA2U {
			res.BookOK = okU && qu.BidQty > 0
			if okU && qu.Bid > 0 {
				px := decimal.NewFromFloat(qu.Bid)
				res.SellPrice = &px
			}
			if okA && okU && qa.Ask > 0 && qu.Bid > 0 {
				res.ImpliedNow = qa.Ask / qu.Bid
				res.HasImplied = true
			}
			return res
		}

		res.BookOK = okA && qa.BidQty > 0
		if okA && qa.Bid > 0 {
			px := decimal.NewFromFloat(qa.Bid)
			res.SellPrice = &px
		}
		if okA && okU && qa.Bid > 0 && qu.Ask > 0 {
			res.ImpliedNow = qa.Bid / qu.Ask
			res.HasImplied = true
		}
		return res
	}
}

// publish writes the three operator snapshots. State is re-read here so the
// files reflect any fills from this tick's executions.
func (e *Engine) publish() {
	cash := e.rec.Cash()
	e.pub.WriteBooks(e.board.Snapshot())
	e.pub.WritePositions(e.rec.Positions(), cash.ARS.InexactFloat64(), cash.USD.InexactFloat64())

	refSnap := e.ref.Snapshot()
	refPair := e.currentRefPair()
	tuneEnabled, k, minHL, maxHL := e.settings.RefTuneParams()

	e.pub.WriteStatus(status.StatusDoc{
		Env:            e.settings.Env(),
		Mode:           e.settings.BalanceMode(),
		LastRefresh:    unixSeconds(e.rec.LastRefresh()),
		CashARS:        cash.ARS.InexactFloat64(),
		CashUSD:        cash.USD.InexactFloat64(),
		Source:         string(e.rec.Mode()),
		TradingEnabled: e.tradingEnabled,
		PollS:          e.settings.PollInterval().Seconds(),
		RiskPollS:      e.settings.RiskPoll().Seconds(),
		RefMode:        e.settings.RefMode(),
		HalfLifeS:      e.settings.HalfLife(),
		RefTune:        tuneEnabled,
		RefK:           k,
		RefMin:         minHL,
		RefMax:         maxHL,
		LatProbeS:      e.settings.ProbeInterval().Seconds(),
		RefInstA2U:     refSnap.InstA2U,
		RefEmaA2U:      refSnap.EmaA2U,
		RefInstU2A:     refSnap.InstU2A,
		RefEmaU2A:      refSnap.EmaU2A,
		RefPair:        status.RefPair{ARS: refPair.ARS, USD: refPair.USD},
	})
}

// reauth tears down the current connection and rebuilds client and feed
// from live settings, picking up any credential, URL, or environment
// overrides. Positions survive; cash is reseeded from the new session.
func (e *Engine) reauth() {
	e.logger.Info("re-authenticating", "env", e.settings.Env())

	e.connMu.Lock()
	if e.feedCancel != nil {
		e.feedCancel()
	}
	e.feed.Stop()

	client := e.buildClient()
	feed := exchange.NewFeed(client, e.board, e.broker, e.tracer, e.baseLogger)
	e.client = client
	e.feed = feed
	e.connMu.Unlock()

	if err := feed.UpdateSymbols(market.Symbols(e.pairs)); err != nil {
		e.logger.Warn("resubscribe after reauth failed", "error", err)
	}

	e.coord.SetSender(feed)
	e.probe.SetSender(feed)
	e.rec.SetClient(client)
	e.startFeed(feed)

	if err := e.rec.Refresh(e.ctx); err != nil {
		e.logger.Warn("cash refresh after reauth failed", "error", err)
	}
}

// forceFlatten closes every open position with an opposite-side market IOC.
// Send failures are logged per symbol; the remaining positions still go out.
func (e *Engine) forceFlatten() {
	positions := e.rec.Positions()
	e.logger.Warn("force flatten requested", "open_positions", len(positions))

	e.connMu.Lock()
	feed := e.feed
	e.connMu.Unlock()

	for symbol, qty := range positions {
		if qty == 0 {
			continue
		}
		side := types.SELL
		if qty < 0 {
			side = types.BUY
			qty = -qty
		}
		if _, err := feed.SendMarket(e.ctx, symbol, side, qty, types.TifIOC); err != nil {
			e.logger.Warn("flatten order failed", "symbol", symbol, "error", err)
		}
	}
}

// adoptPairs replaces the tradable universe after an instrument refresh and
// resubscribes market data to match.
func (e *Engine) adoptPairs(pairs []types.Pair) {
	e.pairs = pairs

	e.connMu.Lock()
	feed := e.feed
	e.connMu.Unlock()
	if err := feed.UpdateSymbols(market.Symbols(pairs)); err != nil {
		e.logger.Warn("resubscribe failed", "error", err)
	}

	e.ensureRefPair()
}

// ensureRefPair keeps the reference pair valid: if the current one left the
// universe, fall back to AL30/AL30D or the first pair.
func (e *Engine) ensureRefPair() {
	current := e.currentRefPair()
	for _, p := range e.pairs {
		if p == current {
			return
		}
	}

	next, ok := market.ReferencePair(e.pairs)
	if !ok {
		next = types.Pair{}
	}
	e.stateMu.Lock()
	e.refPair = next
	e.stateMu.Unlock()
	if ok {
		e.logger.Info("reference pair selected", "pair", next.Key())
	}
}

func (e *Engine) currentRefPair() types.Pair {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.refPair
}

// probeSymbol is the latency probe's target: the reference pair's ARS leg.
// Empty while no pairs are known, which skips the probe cycle.
func (e *Engine) probeSymbol() string {
	return e.currentRefPair().ARS
}

func (e *Engine) setTrading(enabled bool) {
	if e.tradingEnabled == enabled {
		return
	}
	e.tradingEnabled = enabled
	if enabled {
		e.logger.Info("trading resumed")
	} else {
		e.logger.Warn("trading disabled")
	}
}

func (e *Engine) buildClient() *exchange.Client {
	user, pass, acct := e.settings.Credentials()
	return exchange.NewClient(exchange.Params{
		BaseURL:     e.settings.BaseURL(),
		WSURL:       e.settings.WSURL(),
		Username:    user,
		Password:    pass,
		Account:     acct,
		Proprietary: e.settings.Proprietary(),
		Timeout:     e.cfg.Venue.Timeout,
	}, e.baseLogger)
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
