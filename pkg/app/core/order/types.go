package order

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Side of an order. Values match the on-chain enum.
type Side uint8

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return fmt.Sprintf("Side(%d)", uint8(s))
	}
}

// ParseSide accepts "buy"/"sell" or the numeric enum.
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy", "0":
		return SideBuy, nil
	case "sell", "1":
		return SideSell, nil
	}
	return 0, fmt.Errorf("%w: unknown side %q", ErrValidation, s)
}

// SaleKind selects fixed-price or Dutch-auction pricing.
type SaleKind uint8

const (
	FixedPrice   SaleKind = 0
	DutchAuction SaleKind = 1
)

func (k SaleKind) String() string {
	switch k {
	case FixedPrice:
		return "fixed"
	case DutchAuction:
		return "dutch"
	default:
		return fmt.Sprintf("SaleKind(%d)", uint8(k))
	}
}

// ParseSaleKind accepts "fixed"/"dutch" or the numeric enum.
func ParseSaleKind(s string) (SaleKind, error) {
	switch s {
	case "fixed", "0":
		return FixedPrice, nil
	case "dutch", "1":
		return DutchAuction, nil
	}
	return 0, fmt.Errorf("%w: unknown sale kind %q", ErrValidation, s)
}

// Asset identifies Amount units of one token of a collection.
type Asset struct {
	TokenID    *big.Int       `json:"tokenId"`
	Collection common.Address `json:"collection"`
	Amount     *big.Int       `json:"amount"`
}

// Order is an immutable maker intent. Price is per unit; for Dutch auctions
// Price is the start bound and EndPrice the end bound. Expiry is unix seconds.
type Order struct {
	Side     Side           `json:"side"`
	SaleKind SaleKind       `json:"saleKind"`
	Maker    common.Address `json:"maker"`
	NFT      Asset          `json:"nft"`
	Price    *big.Int       `json:"price"`
	EndPrice *big.Int       `json:"endPrice"`
	Expiry   uint64         `json:"expiry"`
	Salt     uint64         `json:"salt"`
}

// Key is the deterministic identity of an Order. The zero value is the
// "no key" sentinel used by pagination.
type Key = common.Hash

// ZeroKey is the pagination sentinel.
var ZeroKey Key

// Expired reports whether the order can no longer trade at now.
func (o *Order) Expired(now time.Time) bool {
	return uint64(now.Unix()) > o.Expiry
}

// EscrowAmount is the native value a Buy order locks: price*amount, or
// EndPrice*amount for a Dutch buy (the most it can ever pay).
func (o *Order) EscrowAmount() *big.Int {
	unit := o.Price
	if o.SaleKind == DutchAuction {
		unit = o.EndPrice
	}
	return new(big.Int).Mul(orZero(unit), orZero(o.NFT.Amount))
}

// Validate checks the order's own fields. Maker identity is checked by the
// caller since it depends on who submitted the order.
func (o *Order) Validate(now time.Time) error {
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("%w: invalid side %d", ErrValidation, o.Side)
	}
	if o.SaleKind != FixedPrice && o.SaleKind != DutchAuction {
		return fmt.Errorf("%w: invalid sale kind %d", ErrValidation, o.SaleKind)
	}
	if o.Maker == (common.Address{}) {
		return fmt.Errorf("%w: zero maker", ErrValidation)
	}
	if o.NFT.Collection == (common.Address{}) {
		return fmt.Errorf("%w: zero collection", ErrValidation)
	}
	if !IsUint256(o.NFT.TokenID) {
		return fmt.Errorf("%w: invalid token id", ErrValidation)
	}
	if !IsUint256(o.NFT.Amount) || o.NFT.Amount.Sign() == 0 {
		return fmt.Errorf("%w: amount must be at least 1", ErrValidation)
	}
	if !IsUint256(o.Price) {
		return fmt.Errorf("%w: price out of range", ErrValidation)
	}
	if o.Expiry <= uint64(now.Unix()) {
		return fmt.Errorf("%w: expiry %d not after now", ErrValidation, o.Expiry)
	}

	end := orZero(o.EndPrice)
	switch o.SaleKind {
	case FixedPrice:
		if end.Sign() != 0 {
			return fmt.Errorf("%w: end price set on fixed-price order", ErrValidation)
		}
	case DutchAuction:
		if o.Side == SideSell && o.Price.Cmp(end) <= 0 {
			return fmt.Errorf("%w: dutch sell must start above its end price", ErrValidation)
		}
		if o.Side == SideBuy && o.Price.Cmp(end) >= 0 {
			return fmt.Errorf("%w: dutch buy must start below its end price", ErrValidation)
		}
	}
	return nil
}

// IsUint256 reports whether v is set and fits an unsigned 256-bit word.
func IsUint256(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.BitLen() <= 256
}

// Status of a stored order.
type Status uint8

const (
	StatusOpen Status = iota
	StatusMatched
	StatusCancelled
	// StatusExpired is never written; it is reported for Open orders past expiry.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusMatched:
		return "matched"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Record is an order as persisted. Terminal records are kept so the key
// stays retired.
type Record struct {
	Key       Key    `json:"key"`
	Order     Order  `json:"order"`
	Status    Status `json:"status"`
	CreatedAt int64  `json:"createdAt"` // unix seconds
	Seq       uint64 `json:"seq"`
}

// StatusAt returns the status as observed at now.
func (r *Record) StatusAt(now time.Time) Status {
	if r.Status == StatusOpen && r.Order.Expired(now) {
		return StatusExpired
	}
	return r.Status
}

// Tradable reports whether the order can be matched at now.
func (r *Record) Tradable(now time.Time) bool {
	return r.StatusAt(now) == StatusOpen
}

// Partition is the unit of order-book listing.
type Partition struct {
	Collection common.Address
	TokenID    *big.Int
	Side       Side
	SaleKind   SaleKind
}

// PartitionOf returns the partition an order is listed under.
func PartitionOf(o *Order) Partition {
	return Partition{
		Collection: o.NFT.Collection,
		TokenID:    o.NFT.TokenID,
		Side:       o.Side,
		SaleKind:   o.SaleKind,
	}
}

// Query selects one page of a partition. A nil Price means no price filter;
// otherwise Sell pages start at the first ask >= Price and Buy pages at the
// first bid <= Price. Cursor is the NextOrderKey of the previous page.
//
// Dutch auctions are indexed by their start price, so for the DutchAuction
// partitions both the Price filter and the page order follow start prices,
// not the decayed price CurrentPrice reports at query time.
type Query struct {
	Partition
	Count  int
	Price  *big.Int
	Cursor Key
}

// Page is one slice of a partition in book order.
type Page struct {
	Orders       []Record
	NextOrderKey Key
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
