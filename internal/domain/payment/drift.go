package payment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/gateway"
)

const reasonImportedWithoutPatient = "imported from gateway without patient reference"

// gatewayDescriptionMax caps the gateway's copy of a description on import.
const gatewayDescriptionMax = 255

type DriftConfig struct {
	Window      time.Duration
	PageSize    int
	MaxPages    int
	Probability float64
	Budget      time.Duration
}

func (c *DriftConfig) defaults() {
	if c.Window <= 0 {
		c.Window = 48 * time.Hour
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 4
	}
	if c.Budget <= 0 {
		c.Budget = 30 * time.Second
	}
}

// DriftImporter adds intents the gateway knows about but the local ledger
// does not, such as those whose local insert failed after creation.
type DriftImporter struct {
	repo     Repository
	gw       Gateway
	backfill *BackfillResolver
	cfg      DriftConfig
	running  atomic.Bool
	nowFunc  func() time.Time
	randFunc func() float64
	logger   zerolog.Logger
}

func NewDriftImporter(repo Repository, gw Gateway, backfill *BackfillResolver, cfg DriftConfig, logger zerolog.Logger) *DriftImporter {
	cfg.defaults()
	return &DriftImporter{
		repo:     repo,
		gw:       gw,
		backfill: backfill,
		cfg:      cfg,
		nowFunc:  time.Now,
		randFunc: rand.Float64,
		logger:   logger.With().Str("component", "drift").Logger(),
	}
}

// MaybeTick runs a tick with the configured probability. ran is false when
// the draw said no.
func (d *DriftImporter) MaybeTick(ctx context.Context) (res BatchResult, ran bool) {
	if d.randFunc() >= d.cfg.Probability {
		return BatchResult{}, false
	}
	return d.Tick(ctx), true
}

// Tick imports missing intents from the window, bounded by the configured
// budget. Items left when the budget runs out are reported as aborted.
func (d *DriftImporter) Tick(ctx context.Context) BatchResult {
	res := BatchResult{Kind: "drift", StartedAt: d.nowFunc()}
	if !d.running.CompareAndSwap(false, true) {
		res.Skipped = true
		res.FinishedAt = res.StartedAt
		return res
	}
	defer d.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Budget)
	defer cancel()

	q := gateway.ListQuery{
		PageSize: d.cfg.PageSize,
		From:     res.StartedAt.Add(-d.cfg.Window),
		To:       res.StartedAt,
	}
	seen := 0
pages:
	for page := 1; page <= d.cfg.MaxPages && ctx.Err() == nil; page++ {
		q.Page = page
		pg, err := d.gw.ListIntents(ctx, q)
		if err != nil {
			if ctx.Err() == nil {
				res.Error = fmt.Sprintf("list intents page %d: %v", page, err)
			}
			break
		}
		for i := range pg.Items {
			if ctx.Err() != nil {
				for _, in := range pg.Items[i:] {
					res.add(ItemResult{OrderCode: strconv.FormatInt(in.OrderCode, 10), Outcome: ItemAborted})
				}
				break pages
			}
			res.add(d.importIntent(ctx, &pg.Items[i]))
		}
		seen += len(pg.Items)
		if len(pg.Items) < d.cfg.PageSize || seen >= pg.Total {
			break
		}
	}

	res.FinishedAt = d.nowFunc()
	return res
}

func (d *DriftImporter) importIntent(ctx context.Context, in *gateway.Intent) ItemResult {
	code := strconv.FormatInt(in.OrderCode, 10)

	exists, err := d.repo.ExistsByOrderCode(ctx, code)
	if err != nil {
		return failedItem(code, err)
	}
	if exists {
		return ItemResult{OrderCode: code, Outcome: ItemUnchanged}
	}

	status, ok := statusFromGateway(in.Status)
	if !ok {
		return failedItem(code, fmt.Errorf("unknown gateway status %q", in.Status))
	}
	if in.Amount <= 0 {
		return failedItem(code, ErrInvalidAmount)
	}

	tokens := ParseIdentityTokens(in.Description)
	rec := &Record{
		OrderCode:          code,
		Amount:             in.Amount,
		Status:             status,
		Description:        in.Description,
		GatewayDescription: Truncate(in.Description, gatewayDescriptionMax),
		PatientRef:         tokens.PatientID,
		DoctorRef:          tokens.DoctorID,
		EncounterRef:       tokens.EncounterID,
		AppointmentRef:     tokens.AppointmentID,
		IdentityStatus:     IdentityResolved,
		CheckoutURL:        strPtr(in.CheckoutURL),
		PaymentLinkID:      strPtr(in.PaymentLinkID),
		Source:             SourceDrift,
	}
	if rec.PatientRef == nil {
		rec.IdentityStatus = IdentityUnresolved
		rec.ReviewReason = strPtr(reasonImportedWithoutPatient)
	}
	if created, ok := in.Created(); ok {
		rec.CreatedAt = created.UTC()
	}
	if status == StatusCompleted {
		rec.GatewayTransactionID = strPtr(in.TransactionID())
		if paid, ok := in.PaidAt(); ok {
			paid = paid.UTC()
			rec.PaidAt = &paid
		}
	}

	inserted, err := d.repo.InsertIfAbsent(ctx, rec)
	if err != nil {
		return failedItem(code, err)
	}
	if !inserted {
		return ItemResult{OrderCode: code, Outcome: ItemUnchanged}
	}
	d.logger.Info().Str("order_code", code).Str("status", string(status)).Msg("imported payment missing from ledger")

	item := ItemResult{OrderCode: code, Outcome: ItemImported, To: status}
	if status == StatusCompleted && rec.PatientRef == nil && d.backfill != nil {
		bf, err := d.backfill.Resolve(ctx, rec)
		if err != nil {
			item.Outcome = ItemFailed
			item.Error = fmt.Sprintf("backfill: %v", err)
			return item
		}
		item.Backfill = &bf
	}
	return item
}
