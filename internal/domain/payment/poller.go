package payment

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type PollerConfig struct {
	Window   time.Duration
	PageSize int
	Pacing   time.Duration
	Budget   time.Duration
}

func (c *PollerConfig) defaults() {
	if c.Window <= 0 {
		c.Window = 48 * time.Hour
	}
	if c.PageSize <= 0 {
		c.PageSize = 25
	}
	if c.Budget <= 0 {
		c.Budget = 20 * time.Second
	}
}

// Poller brings pending and processing records in line with the gateway,
// and retries identity backfill for completed records that still lack a
// patient. Only one tick runs at a time per Poller; an overlapping call is
// skipped.
type Poller struct {
	repo     Repository
	gw       Gateway
	backfill *BackfillResolver
	cfg      PollerConfig
	limiter  *rate.Limiter
	running  atomic.Bool
	nowFunc  func() time.Time
	logger   zerolog.Logger
}

func NewPoller(repo Repository, gw Gateway, backfill *BackfillResolver, cfg PollerConfig, logger zerolog.Logger) *Poller {
	cfg.defaults()
	limit := rate.Inf
	if cfg.Pacing > 0 {
		limit = rate.Every(cfg.Pacing)
	}
	return &Poller{
		repo:     repo,
		gw:       gw,
		backfill: backfill,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		nowFunc:  time.Now,
		logger:   logger.With().Str("component", "reconcile").Logger(),
	}
}

type listFunc func(ctx context.Context, since time.Time, after *Cursor, limit int) ([]*Record, error)

// Tick runs one reconciliation pass bounded by the configured budget.
// Records completed in an earlier tick whose backfill did not finish are
// retried first, so a record completed in this tick is resolved only once.
func (p *Poller) Tick(ctx context.Context) BatchResult {
	res := BatchResult{Kind: "reconcile", StartedAt: p.nowFunc()}
	if !p.running.CompareAndSwap(false, true) {
		res.Skipped = true
		res.FinishedAt = res.StartedAt
		return res
	}
	defer p.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Budget)
	defer cancel()

	since := res.StartedAt.Add(-p.cfg.Window)
	if p.backfill != nil {
		if err := p.walk(ctx, since, p.repo.ListUnbackfilled, func(recs []*Record) bool {
			return p.backfillPage(ctx, recs, &res)
		}); err != nil {
			res.Error = fmt.Sprintf("list unbackfilled: %v", err)
		}
	}
	if ctx.Err() == nil {
		if err := p.walk(ctx, since, p.repo.ListReconcilable, func(recs []*Record) bool {
			return p.processPage(ctx, recs, &res)
		}); err != nil {
			res.Error = fmt.Sprintf("list reconcilable: %v", err)
		}
	}

	res.FinishedAt = p.nowFunc()
	return res
}

// walk hands list's pages to process until the window is exhausted or
// process reports that the budget ran out. A list error after the budget
// ran out is not reported.
func (p *Poller) walk(ctx context.Context, since time.Time, list listFunc, process func([]*Record) bool) error {
	var cursor *Cursor
	for {
		recs, err := list(ctx, since, cursor, p.cfg.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if process(recs) || len(recs) < p.cfg.PageSize {
			return nil
		}
		last := recs[len(recs)-1]
		cursor = &Cursor{CreatedAt: last.CreatedAt, OrderCode: last.OrderCode}
	}
}

// backfillPage makes no gateway calls, so it is not paced.
func (p *Poller) backfillPage(ctx context.Context, recs []*Record, res *BatchResult) bool {
	for i, rec := range recs {
		if ctx.Err() != nil {
			for _, r := range recs[i:] {
				res.add(ItemResult{OrderCode: r.OrderCode, Outcome: ItemAborted, From: r.Status})
			}
			return true
		}
		item := ItemResult{OrderCode: rec.OrderCode, Outcome: ItemUnchanged, From: rec.Status}
		bf, err := p.backfill.Resolve(ctx, rec)
		switch {
		case err != nil:
			item = failedItem(rec.OrderCode, fmt.Errorf("backfill: %w", err))
		case bf.Applied:
			item.Outcome = ItemUpdated
			item.Backfill = &bf
		default:
			item.Backfill = &bf
		}
		res.add(item)
	}
	return ctx.Err() != nil
}

// processPage reports true when the budget ran out.
func (p *Poller) processPage(ctx context.Context, recs []*Record, res *BatchResult) bool {
	for i, rec := range recs {
		if ctx.Err() != nil || p.limiter.Wait(ctx) != nil {
			for _, r := range recs[i:] {
				res.add(ItemResult{OrderCode: r.OrderCode, Outcome: ItemAborted, From: r.Status})
			}
			return true
		}
		res.add(p.reconcile(ctx, rec))
	}
	return ctx.Err() != nil
}

func (p *Poller) reconcile(ctx context.Context, rec *Record) ItemResult {
	item := ItemResult{OrderCode: rec.OrderCode, From: rec.Status}

	n, err := strconv.ParseInt(rec.OrderCode, 10, 64)
	if err != nil {
		return failedItem(rec.OrderCode, fmt.Errorf("order code not numeric: %w", err))
	}
	intent, err := p.gw.GetIntent(ctx, n)
	if err != nil {
		return failedItem(rec.OrderCode, err)
	}

	target, ok := statusFromGateway(intent.Status)
	if !ok {
		return failedItem(rec.OrderCode, fmt.Errorf("unknown gateway status %q", intent.Status))
	}
	if target == rec.Status || !CanTransition(rec.Status, target) {
		item.Outcome = ItemUnchanged
		return item
	}

	f := TransitionFields{Actor: "reconcile"}
	if target == StatusCompleted {
		paid, ok := intent.PaidAt()
		if !ok {
			paid = p.nowFunc()
		}
		paid = paid.UTC()
		f.PaidAt = &paid
		f.TransactionID = strPtr(intent.TransactionID())
	}

	applied, err := p.repo.Transition(ctx, rec.OrderCode, target, f)
	if err != nil {
		return failedItem(rec.OrderCode, err)
	}
	if !applied {
		item.Outcome = ItemUnchanged
		return item
	}
	item.Outcome = ItemUpdated
	item.To = target

	if target == StatusCompleted && rec.PatientRef == nil && p.backfill != nil {
		bf, err := p.backfill.Resolve(ctx, rec)
		if err != nil {
			item.Outcome = ItemFailed
			item.Error = fmt.Sprintf("backfill: %v", err)
			return item
		}
		item.Backfill = &bf
	}
	return item
}
