package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/gateway"
)

const defaultMaxAttempts = 5

// orderCodeExister is the local uniqueness check.
type orderCodeExister interface {
	ExistsByOrderCode(ctx context.Context, orderCode string) (bool, error)
}

// intentProber asks the gateway whether an order code is taken.
type intentProber interface {
	GetIntent(ctx context.Context, orderCode int64) (*gateway.Intent, error)
}

// OrderCodeAllocator hands out order codes that are unused both locally and
// at the gateway. A code is the unix second followed by a four digit
// random suffix, which keeps it numeric and inside the gateway's range.
type OrderCodeAllocator struct {
	local       orderCodeExister
	remote      intentProber
	maxAttempts int
	nowFunc     func() time.Time
	randFunc    func(n int) int
	logger      zerolog.Logger
}

func NewOrderCodeAllocator(local orderCodeExister, remote intentProber, maxAttempts int, logger zerolog.Logger) *OrderCodeAllocator {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &OrderCodeAllocator{
		local:       local,
		remote:      remote,
		maxAttempts: maxAttempts,
		nowFunc:     time.Now,
		randFunc:    rand.IntN,
		logger:      logger.With().Str("component", "order-code").Logger(),
	}
}

func (a *OrderCodeAllocator) candidate() string {
	return fmt.Sprintf("%d%04d", a.nowFunc().Unix(), a.randFunc(10000))
}

// Allocate returns a free order code or ErrAllocationExhausted. A gateway
// probe that fails for any reason other than not-found is returned as is.
func (a *OrderCodeAllocator) Allocate(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		code := a.candidate()

		taken, err := a.local.ExistsByOrderCode(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check order code: %w", err)
		}
		if taken {
			a.logger.Debug().Str("order_code", code).Int("attempt", attempt).Msg("order code taken locally")
			continue
		}

		n, err := strconv.ParseInt(code, 10, 64)
		if err != nil {
			return "", fmt.Errorf("order code %q: %w", code, err)
		}
		_, err = a.remote.GetIntent(ctx, n)
		if errors.Is(err, gateway.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("probe order code: %w", err)
		}
		a.logger.Debug().Str("order_code", code).Int("attempt", attempt).Msg("order code taken at gateway")
	}
	return "", ErrAllocationExhausted
}
