// Package scheduler drives the engine: a ticker loop that reads the spot
// price, primes and executes eligible orders, sweeps expiries and keeps
// tick statistics. A slower health loop watches the price feed and the
// order store.
package scheduler

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/RaghavSood/dcabot/db"
	"github.com/RaghavSood/dcabot/dca"
	"github.com/RaghavSood/dcabot/errs"
	"github.com/RaghavSood/dcabot/notify"
	"github.com/RaghavSood/dcabot/swap"
	"github.com/RaghavSood/dcabot/tokens"
)

// priceFreshness is how recent the last good price observation must be for
// the health check to pass.
const priceFreshness = 10 * time.Minute

// SpotOracle supplies the reference price a tick decides on.
type SpotOracle interface {
	Spot(ctx context.Context, coinID string) (decimal.Decimal, bool, error)
}

// OrderExecutor runs one swap on behalf of an order.
type OrderExecutor interface {
	Execute(ctx context.Context, ownerKey, fromSymbol, toSymbol, fromAmount string, slippageBps int64) (*swap.Result, error)
}

// Stats is a point-in-time snapshot of the scheduler.
type Stats struct {
	Running    bool            `json:"running"`
	Suspended  bool            `json:"suspended"`
	UptimeSecs int64           `json:"uptime_seconds"`
	TotalTicks int64           `json:"total_ticks"`
	Executed   int64           `json:"executed_count"`
	Errors     int64           `json:"error_count"`
	LastPrice  decimal.Decimal `json:"last_price"`
	LastTickAt time.Time       `json:"last_tick_at"`
	Degraded   bool            `json:"price_degraded"`
}

// Options configures a Scheduler. Zero intervals take the defaults; a nil
// Registerer uses the process-wide default registry.
type Options struct {
	CoinID         string
	TickInterval   time.Duration
	HealthInterval time.Duration
	AutoRestart    bool
	Registerer     prometheus.Registerer
}

type Scheduler struct {
	store    *db.Store
	oracle   SpotOracle
	executor OrderExecutor
	registry *tokens.Registry
	notifier notify.Notifier
	log      *zap.SugaredLogger
	metrics  *metrics

	coinID         string
	tickInterval   time.Duration
	healthInterval time.Duration
	autoRestart    bool

	mu        sync.Mutex
	startedAt time.Time
	stats     Stats

	stop chan struct{}
	done chan struct{}
}

func New(store *db.Store, oracle SpotOracle, executor OrderExecutor, registry *tokens.Registry, notifier notify.Notifier, log *zap.SugaredLogger, opts Options) *Scheduler {
	if opts.TickInterval == 0 {
		opts.TickInterval = 60 * time.Second
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = 5 * time.Minute
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Scheduler{
		store:          store,
		oracle:         oracle,
		executor:       executor,
		registry:       registry,
		notifier:       notifier,
		log:            log.Named("scheduler"),
		metrics:        newMetrics(opts.Registerer),
		coinID:         opts.CoinID,
		tickInterval:   opts.TickInterval,
		healthInterval: opts.HealthInterval,
		autoRestart:    opts.AutoRestart,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the tick and health loops. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.stats.Running = true
	s.mu.Unlock()

	go s.run(ctx)
	go s.healthLoop(ctx)
	s.log.Infow("scheduler started", "tick_interval", s.tickInterval, "health_interval", s.healthInterval)
}

// Stop requests shutdown and waits for the in-flight tick to finish, up to
// timeout.
func (s *Scheduler) Stop(timeout time.Duration) {
	close(s.stop)
	select {
	case <-s.done:
	case <-time.After(timeout):
		s.log.Warnw("shutdown timeout; abandoning in-flight tick")
	}

	s.mu.Lock()
	s.stats.Running = false
	s.mu.Unlock()
	s.log.Infow("scheduler stopped")
}

// Status returns a snapshot of the scheduler's counters.
func (s *Scheduler) Status() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if s.stats.Running {
		st.UptimeSecs = int64(time.Since(s.startedAt).Seconds())
	}
	return st
}

// run serializes ticks: a slow tick defers the next one rather than
// overlapping it.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduling pass. Exported so tests and the health loop
// can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.suspended() {
		return
	}
	started := time.Now()

	price, degraded, err := s.oracle.Spot(ctx, s.coinID)
	if err != nil || !price.IsPositive() {
		// A tick with no usable price is skipped, not failed.
		s.log.Warnw("skipping tick without a usable price", "price", price, "error", err)
		return
	}

	orders, err := s.store.ClaimForTick(ctx, started)
	if err != nil {
		s.log.Errorw("claiming orders", "error", err)
		return
	}

	var executed, failed int64
	var eligible int
	for _, o := range orders {
		if !o.Primed {
			if dca.IsReady(o, price) {
				if err := s.store.MarkPrimed(ctx, o); err != nil {
					s.log.Warnw("priming order", "order", o.ID, "error", err)
				}
			}
			continue
		}
		if !dca.ShouldExecute(o, price) {
			continue
		}
		eligible++
		if s.executeOrder(ctx, o, price) {
			executed++
		} else {
			failed++
		}
	}

	swept, err := s.store.SweepExpired(ctx, time.Now())
	if err != nil {
		s.log.Errorw("sweeping expired orders", "error", err)
	} else if swept > 0 {
		s.log.Infow("swept expired orders", "count", swept)
		s.metrics.ordersExpired.Add(float64(swept))
	}

	s.metrics.ticks.Inc()
	pf, _ := price.Float64()
	s.metrics.lastPrice.Set(pf)
	s.metrics.eligibleOrders.Set(float64(eligible))
	s.metrics.tickDuration.Observe(time.Since(started).Seconds())

	s.mu.Lock()
	s.stats.TotalTicks++
	s.stats.Executed += executed
	s.stats.Errors += failed
	s.stats.LastPrice = price
	s.stats.LastTickAt = started
	s.stats.Degraded = degraded
	s.mu.Unlock()
}

// executeOrder runs one attempt and writes the outcome back. A failure on
// one order never stops the rest of the tick.
func (s *Scheduler) executeOrder(ctx context.Context, o *db.Order, price decimal.Decimal) bool {
	log := s.log.With("order", o.ID, "pair", o.FromSymbol+"/"+o.ToSymbol, "price", price)

	amount, err := s.humanAmount(o)
	if err != nil {
		log.Errorw("unreadable stored amount", "error", err)
		s.recordFailure(ctx, o, string(errs.KindInvalidArgument))
		return false
	}

	result, err := s.executor.Execute(ctx, o.OwnerKey, o.FromSymbol, o.ToSymbol, amount, o.MaxSlippageBps)
	if err != nil {
		kind := errs.KindOf(err)
		log.Warnw("order attempt failed", "kind", kind, "error", err)
		s.recordFailure(ctx, o, string(kind))
		return false
	}

	now := time.Now()
	if err := s.store.MarkExecuted(ctx, o, result.SwapTxHash.Hex(), now); err != nil {
		log.Errorw("recording execution", "error", err)
		return false
	}
	s.metrics.ordersExecuted.Inc()
	s.notifier.OrderExecuted(o, result.SwapTxHash.Hex())
	log.Infow("order executed", "tx", result.SwapTxHash.Hex(), "received", result.FinalAmountRaw, "symbol", result.FinalSymbol)
	return true
}

func (s *Scheduler) recordFailure(ctx context.Context, o *db.Order, reason string) {
	if err := s.store.MarkFailed(ctx, o, reason); err != nil {
		s.log.Errorw("recording failure", "order", o.ID, "error", err)
		return
	}
	s.metrics.ordersFailed.Inc()
	s.notifier.OrderFailed(o, reason, o.Status == db.StatusFailed)
}

// humanAmount renders the stored smallest-unit integer back into the
// decimal string the quoter accepts.
func (s *Scheduler) humanAmount(o *db.Order) (string, error) {
	token, ok := s.registry.BySymbol(o.FromSymbol)
	if !ok {
		return "", errs.Newf(errs.KindInvalidArgument, "unknown token %s", o.FromSymbol)
	}
	raw, ok := new(big.Int).SetString(o.FromAmount, 10)
	if !ok {
		return "", errs.Newf(errs.KindInvalidArgument, "malformed amount %q", o.FromAmount)
	}
	return token.FromBaseUnits(raw).String(), nil
}

func (s *Scheduler) suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Suspended
}

func (s *Scheduler) setSuspended(v bool) {
	s.mu.Lock()
	s.stats.Suspended = v
	s.mu.Unlock()
}

// healthLoop verifies the price feed produced a value recently and the
// order store is reachable. With auto-restart enabled, an unreachable store
// suspends ticking until the store answers again.
func (s *Scheduler) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		lastTick := s.stats.LastTickAt
		s.mu.Unlock()
		if !lastTick.IsZero() && time.Since(lastTick) > priceFreshness {
			s.log.Warnw("no price observation within freshness window", "last_tick", lastTick)
		}

		if err := s.store.Ping(ctx); err != nil {
			s.log.Errorw("order store unreachable", "error", err)
			if s.autoRestart && !s.suspended() {
				s.log.Warnw("suspending scheduler until the store recovers")
				s.setSuspended(true)
			}
			continue
		}
		if s.suspended() {
			s.log.Infow("order store recovered; resuming scheduler")
			s.setSuspended(false)
		}
	}
}
