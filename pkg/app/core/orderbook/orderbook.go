package orderbook

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/nftswap/pkg/app/core/events"
	"github.com/uhyunpark/nftswap/pkg/app/core/ledger"
	"github.com/uhyunpark/nftswap/pkg/app/core/order"
	"github.com/uhyunpark/nftswap/pkg/app/core/orderstore"
	"github.com/uhyunpark/nftswap/pkg/app/core/vault"
	"github.com/uhyunpark/nftswap/pkg/metrics"
	"github.com/uhyunpark/nftswap/pkg/storage"
	"github.com/uhyunpark/nftswap/pkg/util"
)

const orderSeq = "orders"

type Config struct {
	// Address identifies the book to the vault.
	Address     common.Address
	MaxBatch    int
	MaxPageSize int
}

// MakeResult is the outcome of one order of a MakeOrders batch. Key is the
// zero key when Err is set.
type MakeResult struct {
	Key order.Key
	Err error
}

// OrderBook validates, stores, cancels and matches orders. All mutations
// are serialized by one writer lock and each lands as a single storage
// transaction; reads run on snapshots without the lock.
type OrderBook struct {
	cfg    Config
	db     *storage.DB
	store  *orderstore.Store
	vault  *vault.Vault
	ledger *ledger.Ledger
	feed   *events.Feed
	clock  util.Clock
	log    *zap.Logger

	mu sync.Mutex
}

func New(cfg Config, db *storage.DB, store *orderstore.Store, v *vault.Vault, l *ledger.Ledger, feed *events.Feed, clock util.Clock, log *zap.Logger) *OrderBook {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 100
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	if store == nil {
		store = orderstore.New()
	}
	if feed == nil {
		feed = events.NewFeed()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OrderBook{
		cfg:    cfg,
		db:     db,
		store:  store,
		vault:  v,
		ledger: l,
		feed:   feed,
		clock:  clock,
		log:    log,
	}
}

// Address is the identity the book presents to the vault.
func (ob *OrderBook) Address() common.Address { return ob.cfg.Address }

// MaxBatch is the largest batch MakeOrders accepts.
func (ob *OrderBook) MaxBatch() int { return ob.cfg.MaxBatch }

// Feed returns the live event feed.
func (ob *OrderBook) Feed() *events.Feed { return ob.feed }

// MakeOrders submits a batch on behalf of caller. value is the native
// amount the caller attaches; Buy orders draw their escrow from it in batch
// order. Every order commits or fails on its own.
func (ob *OrderBook) MakeOrders(ctx context.Context, caller common.Address, value *big.Int, batch []order.Order) []MakeResult {
	results := make([]MakeResult, len(batch))
	if len(batch) > ob.cfg.MaxBatch {
		err := fmt.Errorf("%w: batch of %d exceeds limit %d", order.ErrValidation, len(batch), ob.cfg.MaxBatch)
		for i := range results {
			results[i].Err = err
		}
		return results
	}

	budget := new(big.Int)
	if value != nil {
		budget.Set(value)
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	for i := range batch {
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		o := batch[i]
		key, ev, err := ob.makeOne(caller, &o, budget)
		results[i] = MakeResult{Key: key, Err: err}
		metrics.RecordOrderMade(o.Side, o.SaleKind, err)
		if err != nil {
			ob.log.Debug("order rejected", zap.Int("index", i), zap.String("maker", o.Maker.Hex()), zap.Error(err))
			continue
		}
		ob.log.Info("order made",
			zap.String("key", key.Hex()),
			zap.String("maker", o.Maker.Hex()),
			zap.Stringer("side", o.Side),
			zap.Stringer("sale_kind", o.SaleKind),
			zap.String("price", o.Price.String()),
		)
		ob.feed.Publish(ev)
	}
	return results
}

// makeOne runs under ob.mu. budget is debited only when the order commits.
func (ob *OrderBook) makeOne(caller common.Address, o *order.Order, budget *big.Int) (order.Key, *events.Event, error) {
	now := ob.clock.Now()

	if o.Maker != caller {
		return order.Key{}, nil, fmt.Errorf("%w: maker %s is not the caller", order.ErrValidation, o.Maker.Hex())
	}
	if err := o.Validate(now); err != nil {
		return order.Key{}, nil, err
	}
	key, err := order.DeriveKey(o)
	if err != nil {
		return order.Key{}, nil, err
	}
	exists, err := ob.store.Exists(ob.db, key)
	if err != nil {
		return order.Key{}, nil, err
	}
	if exists {
		return order.Key{}, nil, fmt.Errorf("%w: %s", order.ErrDuplicateOrder, key.Hex())
	}

	need := new(big.Int)
	if o.Side == order.SideBuy {
		need = o.EscrowAmount()
		if budget.Cmp(need) < 0 {
			return order.Key{}, nil, fmt.Errorf("%w: order needs %s, %s attached value left", order.ErrInsufficientEscrow, need, budget)
		}
	}

	tx := ob.db.Begin()
	defer tx.Discard()

	seq, err := storage.NextSeq(tx, orderSeq)
	if err != nil {
		return order.Key{}, nil, err
	}
	if _, err := ob.vault.Escrow(tx, ob.cfg.Address, key, o); err != nil {
		return order.Key{}, nil, err
	}
	rec := &order.Record{
		Key:       key,
		Order:     *o,
		Status:    order.StatusOpen,
		CreatedAt: now.Unix(),
		Seq:       seq,
	}
	if err := ob.store.Insert(tx, rec); err != nil {
		return order.Key{}, nil, err
	}
	ev := events.Created(rec)
	if err := events.Append(tx, ev); err != nil {
		return order.Key{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return order.Key{}, nil, err
	}

	budget.Sub(budget, need)
	return key, ev, nil
}

// CancelOrder withdraws an open order and returns its escrow to the maker.
// Expired orders can still be cancelled.
func (ob *OrderBook) CancelOrder(ctx context.Context, caller common.Address, key order.Key) (err error) {
	defer func() { metrics.RecordCancel(err) }()
	if err := ctx.Err(); err != nil {
		return err
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	now := ob.clock.Now()
	tx := ob.db.Begin()
	defer tx.Discard()

	rec, err := ob.store.Get(tx, key)
	if err != nil {
		return err
	}
	if rec.Order.Maker != caller {
		return fmt.Errorf("%w: %s did not make %s", order.ErrNotOwner, caller.Hex(), key.Hex())
	}
	if rec.Status != order.StatusOpen {
		return fmt.Errorf("%w: %s is %s", order.ErrOrderNotOpen, key.Hex(), rec.Status)
	}
	if _, err := ob.vault.Release(tx, ob.cfg.Address, key, rec.Order.Maker); err != nil {
		return err
	}
	if err := ob.store.Retire(tx, rec, order.StatusCancelled); err != nil {
		return err
	}
	ev := events.Cancelled(rec, now.Unix())
	if err := events.Append(tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	ob.log.Info("order cancelled", zap.String("key", key.Hex()), zap.String("maker", caller.Hex()))
	ob.feed.Publish(ev)
	return nil
}

// MatchOrder settles a buy order against a sell order. Anyone may trigger a
// match; caller is recorded as the taker.
func (ob *OrderBook) MatchOrder(ctx context.Context, caller common.Address, buyKey, sellKey order.Key) (s *vault.Settlement, err error) {
	start := time.Now()
	defer func() {
		total := 0.0
		if s != nil {
			total, _ = new(big.Float).SetInt(s.Total).Float64()
		}
		metrics.RecordMatch(time.Since(start), total, err)
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	now := ob.clock.Now()
	tx := ob.db.Begin()
	defer tx.Discard()

	if buyKey == sellKey {
		return nil, fmt.Errorf("%w: an order cannot match itself", order.ErrValidation)
	}
	buy, err := ob.store.Get(tx, buyKey)
	if err != nil {
		return nil, err
	}
	sell, err := ob.store.Get(tx, sellKey)
	if err != nil {
		return nil, err
	}
	for _, rec := range []*order.Record{buy, sell} {
		if st := rec.StatusAt(now); st != order.StatusOpen {
			return nil, fmt.Errorf("%w: %s is %s", order.ErrOrderNotOpen, rec.Key.Hex(), st)
		}
	}

	price, bid, ask, err := settlementPrice(buy, sell, now)
	if err != nil {
		return nil, err
	}

	total := new(big.Int).Mul(price, sell.Order.NFT.Amount)
	esc, err := ob.vault.Escrowed(tx, buyKey)
	if err != nil {
		return nil, err
	}
	if esc.Amount.Cmp(total) < 0 {
		return nil, fmt.Errorf("%w: buyer escrowed %s, sale needs %s", order.ErrInsufficientEscrow, esc.Amount, total)
	}
	if bid.Cmp(price) < 0 || ask.Cmp(price) > 0 {
		return nil, fmt.Errorf("%w: bid %s does not cross ask %s", order.ErrValidation, bid, ask)
	}

	settlement, err := ob.vault.Settle(tx, ob.cfg.Address, buyKey, sellKey, price)
	if err != nil {
		return nil, err
	}
	if err := ob.store.Retire(tx, buy, order.StatusMatched); err != nil {
		return nil, err
	}
	if err := ob.store.Retire(tx, sell, order.StatusMatched); err != nil {
		return nil, err
	}
	ev := events.Matched(buy, sell, caller, settlement, now.Unix())
	if err := events.Append(tx, ev); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	ob.log.Info("order matched",
		zap.String("buy_key", buyKey.Hex()),
		zap.String("sell_key", sellKey.Hex()),
		zap.String("taker", caller.Hex()),
		zap.String("unit_price", price.String()),
		zap.String("fee", settlement.Fee.String()),
	)
	ob.feed.Publish(ev)
	return settlement, nil
}

// settlementPrice checks that buy and sell can trade and returns the unit
// price they clear at along with each side's current price. A Dutch side
// sets the price; otherwise the resting (earlier) order does.
func settlementPrice(buy, sell *order.Record, now time.Time) (price, bid, ask *big.Int, err error) {
	b, s := &buy.Order, &sell.Order
	if b.Side != order.SideBuy || s.Side != order.SideSell {
		return nil, nil, nil, fmt.Errorf("%w: need a buy and a sell, got %s and %s", order.ErrValidation, b.Side, s.Side)
	}
	if b.NFT.Collection != s.NFT.Collection || b.NFT.TokenID.Cmp(s.NFT.TokenID) != 0 {
		return nil, nil, nil, fmt.Errorf("%w: orders reference different tokens", order.ErrValidation)
	}
	if b.NFT.Amount.Cmp(s.NFT.Amount) != 0 {
		return nil, nil, nil, fmt.Errorf("%w: amounts differ (%s vs %s)", order.ErrValidation, b.NFT.Amount, s.NFT.Amount)
	}
	if b.SaleKind == order.DutchAuction && s.SaleKind == order.DutchAuction {
		return nil, nil, nil, fmt.Errorf("%w: two dutch auctions cannot match", order.ErrValidation)
	}

	if bid, err = order.CurrentPrice(b, time.Unix(buy.CreatedAt, 0), now); err != nil {
		return nil, nil, nil, err
	}
	if ask, err = order.CurrentPrice(s, time.Unix(sell.CreatedAt, 0), now); err != nil {
		return nil, nil, nil, err
	}

	switch {
	case s.SaleKind == order.DutchAuction:
		price = ask
	case b.SaleKind == order.DutchAuction:
		price = bid
	case sell.Seq < buy.Seq:
		price = ask
	default:
		price = bid
	}
	return price, bid, ask, nil
}

// GetOrders returns one page of a partition from a consistent snapshot.
// Counts above the configured page size are clamped.
func (ob *OrderBook) GetOrders(ctx context.Context, q order.Query) (order.Page, error) {
	if err := ctx.Err(); err != nil {
		return order.Page{}, err
	}
	if q.Count > ob.cfg.MaxPageSize {
		q.Count = ob.cfg.MaxPageSize
	}
	snap := ob.db.Snapshot()
	defer snap.Close()
	return ob.store.Page(snap, q, ob.clock.Now())
}

// GetOrder returns the record for key with its status as observed now.
func (ob *OrderBook) GetOrder(ctx context.Context, key order.Key) (*order.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := ob.db.Snapshot()
	defer snap.Close()

	rec, err := ob.store.Get(snap, key)
	if err != nil {
		return nil, err
	}
	rec.Status = rec.StatusAt(ob.clock.Now())
	return rec, nil
}

// CurrentPrice evaluates an order's price now.
func (ob *OrderBook) CurrentPrice(rec *order.Record) (*big.Int, error) {
	return order.CurrentPrice(&rec.Order, time.Unix(rec.CreatedAt, 0), ob.clock.Now())
}

// Account returns an address's balance and request nonce.
func (ob *OrderBook) Account(ctx context.Context, addr common.Address) (*ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := ob.db.Snapshot()
	defer snap.Close()
	return ob.ledger.Account(snap, addr)
}

// Holding returns how many units of a token owner holds outside escrow.
func (ob *OrderBook) Holding(ctx context.Context, collection common.Address, tokenID *big.Int, owner common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := ob.db.Snapshot()
	defer snap.Close()
	return ob.ledger.Holding(snap, collection, tokenID, owner)
}

// UseNonce consumes a signed-request nonce for addr.
func (ob *OrderBook) UseNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	return ob.write(ctx, func(tx *storage.Txn) error {
		return ob.ledger.UseNonce(tx, addr, nonce)
	})
}

// Deposit credits native value to addr (devnet faucet).
func (ob *OrderBook) Deposit(ctx context.Context, addr common.Address, amount *big.Int) error {
	return ob.write(ctx, func(tx *storage.Txn) error {
		return ob.ledger.Deposit(tx, addr, amount)
	})
}

// Mint creates NFT units for owner (devnet faucet).
func (ob *OrderBook) Mint(ctx context.Context, owner common.Address, asset order.Asset) error {
	if asset.Collection == (common.Address{}) || !order.IsUint256(asset.TokenID) {
		return fmt.Errorf("%w: invalid asset", order.ErrValidation)
	}
	return ob.write(ctx, func(tx *storage.Txn) error {
		return ob.ledger.Mint(tx, owner, asset)
	})
}

func (ob *OrderBook) write(ctx context.Context, fn func(tx *storage.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()

	tx := ob.db.Begin()
	defer tx.Discard()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IsClientError reports whether err stems from the request rather than the node.
func IsClientError(err error) bool {
	for _, target := range []error{
		order.ErrValidation, order.ErrDuplicateOrder, order.ErrInsufficientEscrow,
		order.ErrNotOwner, order.ErrOrderNotOpen, order.ErrNotFound, order.ErrUnauthorized,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
