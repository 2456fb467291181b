package payment

import (
	"time"

	"github.com/rs/zerolog"
)

type ItemOutcome string

const (
	ItemUpdated   ItemOutcome = "updated"
	ItemUnchanged ItemOutcome = "unchanged"
	ItemImported  ItemOutcome = "imported"
	ItemFailed    ItemOutcome = "failed"
	ItemAborted   ItemOutcome = "aborted"
)

// ItemResult is the outcome for one order code within a batch.
type ItemResult struct {
	OrderCode string          `json:"order_code"`
	Outcome   ItemOutcome     `json:"outcome"`
	From      Status          `json:"from,omitempty"`
	To        Status          `json:"to,omitempty"`
	Backfill  *BackfillResult `json:"backfill,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// BatchResult aggregates one reconciliation or drift tick. Failed > 0 means
// the batch partially failed; the remaining items were still processed.
type BatchResult struct {
	Kind       string       `json:"kind"`
	Tenant     string       `json:"tenant,omitempty"`
	Skipped    bool         `json:"skipped"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Checked    int          `json:"checked"`
	Updated    int          `json:"updated"`
	Unchanged  int          `json:"unchanged"`
	Imported   int          `json:"imported"`
	Failed     int          `json:"failed"`
	Aborted    int          `json:"aborted"`
	Items      []ItemResult `json:"items"`
	Error      string       `json:"error,omitempty"`
}

func (b *BatchResult) add(it ItemResult) {
	b.Items = append(b.Items, it)
	switch it.Outcome {
	case ItemUpdated:
		b.Updated++
	case ItemUnchanged:
		b.Unchanged++
	case ItemImported:
		b.Imported++
	case ItemFailed:
		b.Failed++
	case ItemAborted:
		b.Aborted++
		return
	}
	b.Checked++
}

func failedItem(orderCode string, err error) ItemResult {
	return ItemResult{OrderCode: orderCode, Outcome: ItemFailed, Error: err.Error()}
}

// Log writes one summary line and one warning per failed item.
func (b *BatchResult) Log(logger zerolog.Logger) {
	if b.Skipped {
		logger.Debug().Str("kind", b.Kind).Msg("tick skipped, previous tick still running")
		return
	}
	for _, it := range b.Items {
		if it.Outcome == ItemFailed {
			logger.Warn().Str("kind", b.Kind).Str("order_code", it.OrderCode).Str("error", it.Error).Msg("reconcile item failed")
		}
	}
	ev := logger.Info()
	if b.Error != "" || b.Failed > 0 || b.Aborted > 0 {
		ev = logger.Warn()
	}
	ev.Str("kind", b.Kind).
		Str("tenant", b.Tenant).
		Int("checked", b.Checked).
		Int("updated", b.Updated).
		Int("unchanged", b.Unchanged).
		Int("imported", b.Imported).
		Int("failed", b.Failed).
		Int("aborted", b.Aborted).
		Str("error", b.Error).
		Dur("took", b.FinishedAt.Sub(b.StartedAt)).
		Msg("tick finished")
}
