package vault

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/nftswap/pkg/app/core/ledger"
	"github.com/uhyunpark/nftswap/pkg/app/core/order"
	"github.com/uhyunpark/nftswap/pkg/storage"
)

// DefaultProtocolShareBps is the protocol fee taken from each sale (2%).
const DefaultProtocolShareBps = 200

const bpsDenominator = 10_000

// Kind of value held for an order.
type Kind uint8

const (
	KindNFT Kind = iota
	KindNative
)

func (k Kind) String() string {
	if k == KindNFT {
		return "nft"
	}
	return "native"
}

// Record is the escrow held for exactly one open order.
type Record struct {
	Key    order.Key      `json:"key"`
	Kind   Kind           `json:"kind"`
	Owner  common.Address `json:"owner"`
	Asset  *order.Asset   `json:"asset,omitempty"`
	Amount *big.Int       `json:"amount,omitempty"`
}

// Settlement describes the transfers of one filled match.
type Settlement struct {
	Buyer     common.Address `json:"buyer"`
	Seller    common.Address `json:"seller"`
	Asset     order.Asset    `json:"asset"`
	UnitPrice *big.Int       `json:"unitPrice"`
	Total     *big.Int       `json:"total"`
	Fee       *big.Int       `json:"fee"`
	Refund    *big.Int       `json:"refund"`
}

type Config struct {
	// Address is the custody account inside the ledger.
	Address          common.Address
	Admin            common.Address
	FeeRecipient     common.Address
	ProtocolShareBps uint64
}

// Vault custodies escrowed NFTs and payments. Only the bound order book may
// move value, and every movement is staged on the caller's transaction.
type Vault struct {
	cfg    Config
	ledger ledger.Transfers
	log    *zap.Logger

	mu        sync.RWMutex
	orderBook common.Address
	bound     bool
}

func New(cfg Config, l ledger.Transfers, log *zap.Logger) *Vault {
	if log == nil {
		log = zap.NewNop()
	}
	return &Vault{cfg: cfg, ledger: l, log: log}
}

// Address is the vault's custody account.
func (v *Vault) Address() common.Address { return v.cfg.Address }

// ProtocolShareBps returns the fee rate in basis points.
func (v *Vault) ProtocolShareBps() uint64 { return v.cfg.ProtocolShareBps }

// SetOrderBook binds the vault to its order book. Admin only, once.
func (v *Vault) SetOrderBook(caller, addr common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.cfg.Admin {
		return fmt.Errorf("%w: %s is not the vault admin", order.ErrUnauthorized, caller.Hex())
	}
	if v.bound {
		return fmt.Errorf("%w: order book %s", order.ErrAlreadyBound, v.orderBook.Hex())
	}
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: zero order book address", order.ErrValidation)
	}
	v.orderBook = addr
	v.bound = true
	v.log.Info("vault bound", zap.String("order_book", addr.Hex()))
	return nil
}

func (v *Vault) authorize(caller common.Address) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.bound || caller != v.orderBook {
		return fmt.Errorf("%w: %s", order.ErrUnauthorized, caller.Hex())
	}
	return nil
}

// Escrowed returns the escrow held for key.
func (v *Vault) Escrowed(r storage.Reader, key order.Key) (*Record, error) {
	var rec Record
	ok, err := storage.GetJSON(r, storage.EscrowKey(key), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: escrow %s", order.ErrNotFound, key.Hex())
	}
	return &rec, nil
}

// Escrow locks the value an order commits: the NFT units of a Sell, or the
// maximum payment of a Buy.
func (v *Vault) Escrow(w storage.Writer, caller common.Address, key order.Key, o *order.Order) (*Record, error) {
	if err := v.authorize(caller); err != nil {
		return nil, err
	}
	exists, err := storage.Has(w, storage.EscrowKey(key))
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: escrow already held for %s", order.ErrDuplicateOrder, key.Hex())
	}

	rec := &Record{Key: key, Owner: o.Maker}
	switch o.Side {
	case order.SideSell:
		asset := o.NFT
		rec.Kind = KindNFT
		rec.Asset = &asset
		if err := v.ledger.TransferNFT(w, o.Maker, v.cfg.Address, asset); err != nil {
			return nil, fmt.Errorf("%w: %v", order.ErrEscrowTransfer, err)
		}
	case order.SideBuy:
		rec.Kind = KindNative
		rec.Amount = o.EscrowAmount()
		if err := v.ledger.TransferNative(w, o.Maker, v.cfg.Address, rec.Amount); err != nil {
			return nil, fmt.Errorf("%w: %v", order.ErrEscrowTransfer, err)
		}
	default:
		return nil, fmt.Errorf("%w: invalid side %d", order.ErrValidation, o.Side)
	}

	if err := storage.PutJSON(w, storage.EscrowKey(key), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Release returns an order's escrow to its owner and destroys the record.
func (v *Vault) Release(w storage.Writer, caller common.Address, key order.Key, recipient common.Address) (*Record, error) {
	if err := v.authorize(caller); err != nil {
		return nil, err
	}
	rec, err := v.Escrowed(w, key)
	if err != nil {
		return nil, err
	}
	if recipient != rec.Owner {
		return nil, fmt.Errorf("%w: escrow of %s belongs to %s", order.ErrValidation, key.Hex(), rec.Owner.Hex())
	}

	switch rec.Kind {
	case KindNFT:
		err = v.ledger.TransferNFT(w, v.cfg.Address, rec.Owner, *rec.Asset)
	case KindNative:
		err = v.ledger.TransferNative(w, v.cfg.Address, rec.Owner, rec.Amount)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", order.ErrEscrowTransfer, err)
	}
	if err := w.Delete(storage.EscrowKey(key)); err != nil {
		return nil, err
	}
	return rec, nil
}

// Settle swaps a buy escrow against a sell escrow at unitPrice: the NFT goes
// to the buyer, the sale total less the protocol fee to the seller, the fee
// to the fee recipient and whatever the buyer over-escrowed back to the buyer.
func (v *Vault) Settle(w storage.Writer, caller common.Address, buyKey, sellKey order.Key, unitPrice *big.Int) (*Settlement, error) {
	if err := v.authorize(caller); err != nil {
		return nil, err
	}
	buy, err := v.Escrowed(w, buyKey)
	if err != nil {
		return nil, err
	}
	sell, err := v.Escrowed(w, sellKey)
	if err != nil {
		return nil, err
	}
	if buy.Kind != KindNative || sell.Kind != KindNFT {
		return nil, fmt.Errorf("%w: escrow kinds %s/%s cannot settle", order.ErrValidation, buy.Kind, sell.Kind)
	}

	asset := *sell.Asset
	total := new(big.Int).Mul(unitPrice, asset.Amount)
	if buy.Amount.Cmp(total) < 0 {
		return nil, fmt.Errorf("%w: escrowed %s, sale total %s", order.ErrInsufficientEscrow, buy.Amount, total)
	}
	fee := new(big.Int).Mul(total, new(big.Int).SetUint64(v.cfg.ProtocolShareBps))
	fee.Quo(fee, big.NewInt(bpsDenominator))
	proceeds := new(big.Int).Sub(total, fee)
	refund := new(big.Int).Sub(buy.Amount, total)

	legs := []func() error{
		func() error { return v.ledger.TransferNFT(w, v.cfg.Address, buy.Owner, asset) },
		func() error { return v.ledger.TransferNative(w, v.cfg.Address, sell.Owner, proceeds) },
		func() error { return v.ledger.TransferNative(w, v.cfg.Address, v.cfg.FeeRecipient, fee) },
		func() error { return v.ledger.TransferNative(w, v.cfg.Address, buy.Owner, refund) },
	}
	for _, leg := range legs {
		if err := leg(); err != nil {
			return nil, fmt.Errorf("%w: %v", order.ErrEscrowTransfer, err)
		}
	}

	if err := w.Delete(storage.EscrowKey(buyKey)); err != nil {
		return nil, err
	}
	if err := w.Delete(storage.EscrowKey(sellKey)); err != nil {
		return nil, err
	}

	return &Settlement{
		Buyer:     buy.Owner,
		Seller:    sell.Owner,
		Asset:     asset,
		UnitPrice: new(big.Int).Set(unitPrice),
		Total:     total,
		Fee:       fee,
		Refund:    refund,
	}, nil
}
