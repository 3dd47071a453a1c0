package order

import (
	"fmt"
	"math/big"
	"time"
)

// CurrentPrice returns the per-unit price of o at now. Fixed-price orders
// always return Price. Dutch auctions move linearly from Price at createdAt
// to EndPrice at Expiry, hold Price before createdAt, and fail with
// ErrOrderNotOpen once expired.
func CurrentPrice(o *Order, createdAt, now time.Time) (*big.Int, error) {
	start := orZero(o.Price)
	if o.SaleKind != DutchAuction {
		return new(big.Int).Set(start), nil
	}
	if o.Expired(now) {
		return nil, fmt.Errorf("%w: auction expired at %d", ErrOrderNotOpen, o.Expiry)
	}

	end := orZero(o.EndPrice)
	t, c, e := now.Unix(), createdAt.Unix(), int64(o.Expiry)
	if t <= c {
		return new(big.Int).Set(start), nil
	}
	if t >= e || e <= c {
		return new(big.Int).Set(end), nil
	}

	// start + (end-start) * elapsed / window, truncated toward zero
	delta := new(big.Int).Sub(end, start)
	delta.Mul(delta, big.NewInt(t-c))
	delta.Quo(delta, big.NewInt(e-c))
	return delta.Add(delta, start), nil
}
