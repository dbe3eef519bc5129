// Package revaluation runs the periodic loop that recomputes unrealized P&L
// for every open position and writes it back to the store.
package revaluation

import (
	"context"
	"errors"
	"sync"
	"time"

	"lv-tradedesk/internal/events"
	"lv-tradedesk/internal/metrics"
	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/settings"
	"lv-tradedesk/internal/store"
	"lv-tradedesk/internal/types"
	"lv-tradedesk/internal/valuation"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval = 15 * time.Second
	releaseTimeout  = 2 * time.Second
)

var ErrAlreadyRunning = errors.New("revaluation scheduler already running")

type Publisher interface {
	Publish(evt events.Event)
}

type Options struct {
	Interval time.Duration
	Rand     valuation.Source
	Lease    Lease
	Bus      Publisher
}

// TickReport summarises one tick.
type TickReport struct {
	At       time.Time         `json:"at"`
	Ran      bool              `json:"ran"`
	Active   int               `json:"active"`
	Valued   int               `json:"valued"`
	Paused   int               `json:"paused"`
	Skipped  int               `json:"skipped"`
	Stale    int               `json:"stale"`
	Failed   int               `json:"failed"`
	Settings settings.Settings `json:"settings"`
	Err      error             `json:"-"`
}

type Scheduler struct {
	store    store.Store
	settings *settings.Reader
	rnd      valuation.Source
	lease    Lease
	bus      Publisher
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	tickMu sync.Mutex

	mu       sync.RWMutex
	cache    map[string]model.Position
	lastTick TickReport

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewScheduler(st store.Store, reader *settings.Reader, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Rand == nil {
		opts.Rand = valuation.NewRandSource(0)
	}
	if opts.Lease == nil {
		opts.Lease = LocalLease{}
	}
	return &Scheduler{
		store:    st,
		settings: reader,
		rnd:      opts.Rand,
		lease:    opts.Lease,
		bus:      opts.Bus,
		interval: opts.Interval,
		logger:   logger.With().Str("component", "revaluation").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		cache:    make(map[string]model.Position),
	}
}

// Start launches the loop in its own goroutine. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	s.logger.Info().Dur("interval", s.interval).Msg("revaluation loop started")
	return nil
}

// Stop cancels the loop, waits for the in-flight tick to finish and hands the
// lease back when the lease supports it.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.runMu.Unlock()

	cancel()
	<-done
	if r, ok := s.lease.(Releaser); ok {
		relCtx, relCancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer relCancel()
		if err := r.Release(relCtx); err != nil {
			s.logger.Warn().Err(err).Msg("release tick lease failed")
		}
	}
	s.logger.Info().Msg("revaluation loop stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.safeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RevaluationTicks.WithLabelValues("failed").Inc()
			s.logger.Error().Interface("panic", r).Msg("revaluation tick panicked")
		}
	}()
	s.Tick(ctx)
}

// Tick runs one revaluation pass synchronously. Per-position problems are
// logged and counted. A failure to list positions or symbols, or a cancelled
// ctx, aborts the pass and the previous cache is kept.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	report := TickReport{At: s.now()}
	defer func() {
		metrics.RevaluationDuration.Observe(time.Since(start).Seconds())
		s.mu.Lock()
		s.lastTick = report
		s.mu.Unlock()
	}()

	held, err := s.lease.Acquire(ctx, s.interval)
	if err != nil {
		s.logger.Warn().Err(err).Msg("tick lease unavailable, revaluing anyway")
		held = true
	}
	if !held {
		metrics.RevaluationTicks.WithLabelValues("skipped").Inc()
		return report
	}
	report.Ran = true

	report.Settings = s.settings.Load(ctx)

	positions, err := s.store.ListActivePositions(ctx)
	if err != nil {
		report.Err = err
		metrics.RevaluationTicks.WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Msg("list active positions failed")
		return report
	}
	symbols, err := s.store.ListSymbols(ctx)
	if err != nil {
		report.Err = err
		metrics.RevaluationTicks.WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Msg("list symbols failed")
		return report
	}
	bySymbol := make(map[string]model.Symbol, len(symbols))
	for _, sym := range symbols {
		bySymbol[sym.ID] = sym
	}

	report.Active = len(positions)
	metrics.ActivePositions.Set(float64(len(positions)))

	next := make(map[string]model.Position, len(positions))
	changed := make(map[string][]model.Position)
	for _, p := range positions {
		if err := ctx.Err(); err != nil {
			report.Err = err
			metrics.RevaluationTicks.WithLabelValues("failed").Inc()
			s.logger.Warn().Err(err).Int("valued", report.Valued).Msg("revaluation tick interrupted, cache kept")
			return report
		}
		if p.Status == types.PositionStatusPaused {
			report.Paused++
			next[p.ID] = p
			continue
		}

		sym, ok := bySymbol[p.SymbolID]
		if !ok {
			report.Skipped++
			next[p.ID] = p
			metrics.PositionsSkipped.WithLabelValues("missing_symbol").Inc()
			s.logger.Warn().Str("position_id", p.ID).Str("symbol_id", p.SymbolID).Msg("symbol not found, position skipped")
			continue
		}

		res := valuation.Valuate(valuation.Input{
			Position:       p,
			Symbol:         &sym,
			ElapsedMinutes: valuation.ElapsedMinutes(p.OpenedAt, report.At),
			Settings:       report.Settings,
			Rand:           s.rnd,
		})
		if res.LeverageFallback {
			s.logger.Warn().Str("position_id", p.ID).Str("leverage", p.Leverage).Msg("invalid leverage, valued at 1x")
		}

		updated, err := s.store.UpdatePositionPnL(ctx, model.PnLUpdate{
			PositionID: p.ID,
			Amount:     res.Amount,
			Percentage: res.Percentage,
			MarkPrice:  res.MarkPrice,
		})
		if err != nil {
			report.Failed++
			next[p.ID] = p
			s.logger.Error().Err(err).Str("position_id", p.ID).Msg("persist revaluation failed")
			continue
		}
		if !updated {
			// closed or paused since the listing
			report.Stale++
			continue
		}

		p.ProfitLossAmount = res.Amount
		p.ProfitLossPercentage = res.Percentage
		p.CurrentPrice = res.MarkPrice
		next[p.ID] = p
		changed[p.UserID] = append(changed[p.UserID], p)
		report.Valued++
		metrics.PositionsValued.WithLabelValues(string(res.Branch)).Inc()
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()

	if s.bus != nil {
		for userID, list := range changed {
			s.bus.Publish(events.Event{Type: events.TypePositions, UserID: userID, Data: list})
		}
	}

	metrics.RevaluationTicks.WithLabelValues("ok").Inc()
	s.logger.Debug().Int("active", report.Active).Int("valued", report.Valued).Int("paused", report.Paused).
		Int("skipped", report.Skipped).Int("stale", report.Stale).Int("failed", report.Failed).Msg("revaluation tick done")
	return report
}

// Snapshot returns the positions as of the last completed tick.
func (s *Scheduler) Snapshot() []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Position, 0, len(s.cache))
	for _, p := range s.cache {
		out = append(out, p)
	}
	return out
}

// Cached returns one position from the last tick.
func (s *Scheduler) Cached(id string) (model.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.cache[id]
	return p, ok
}

func (s *Scheduler) LastTick() TickReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTick
}
