package orderstore

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/nftswap/pkg/app/core/order"
	"github.com/uhyunpark/nftswap/pkg/storage"
)

const rankWidth = 16 // uint128 prices

var maxRank = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 8*rankWidth), big.NewInt(1))

// Store keeps order records by key plus a per-partition index ordered best
// price first, then by creation sequence. Terminal records stay behind as
// tombstones; only the index entry is removed.
type Store struct{}

func New() *Store { return &Store{} }

// Get loads the record for key.
func (s *Store) Get(r storage.Reader, key order.Key) (*order.Record, error) {
	var rec order.Record
	ok, err := storage.GetJSON(r, storage.OrderRecordKey(key), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: order %s", order.ErrNotFound, key.Hex())
	}
	return &rec, nil
}

// Exists reports whether key was ever stored.
func (s *Store) Exists(r storage.Reader, key order.Key) (bool, error) {
	return storage.Has(r, storage.OrderRecordKey(key))
}

// Insert stores a new Open record and lists it in its partition.
func (s *Store) Insert(w storage.Writer, rec *order.Record) error {
	if err := storage.PutJSON(w, storage.OrderRecordKey(rec.Key), rec); err != nil {
		return err
	}
	ik, err := indexKey(rec)
	if err != nil {
		return err
	}
	return w.Set(ik, rec.Key.Bytes())
}

// Retire moves an Open record to a terminal status and unlists it.
func (s *Store) Retire(w storage.Writer, rec *order.Record, status order.Status) error {
	ik, err := indexKey(rec)
	if err != nil {
		return err
	}
	if err := w.Delete(ik); err != nil {
		return err
	}
	rec.Status = status
	return storage.PutJSON(w, storage.OrderRecordKey(rec.Key), rec)
}

// Page returns up to q.Count eligible orders of one partition in book order.
// Expired orders are skipped. NextOrderKey is set only when at least one
// more eligible order follows the page.
func (s *Store) Page(r storage.Reader, q order.Query, now time.Time) (order.Page, error) {
	if q.Count <= 0 {
		return order.Page{}, fmt.Errorf("%w: count must be positive", order.ErrValidation)
	}
	if !order.IsUint256(q.TokenID) {
		return order.Page{}, fmt.Errorf("%w: token id must be a uint256", order.ErrValidation)
	}

	prefix := partitionPrefix(q.Partition)
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: storage.KeyUpperBound(prefix),
	})
	if err != nil {
		return order.Page{}, fmt.Errorf("failed to open index iterator: %w", err)
	}
	defer iter.Close()

	switch {
	case q.Cursor != order.ZeroKey:
		cur, err := s.Get(r, q.Cursor)
		if err != nil {
			return order.Page{}, err
		}
		if !bytes.Equal(partitionPrefix(order.PartitionOf(&cur.Order)), prefix) {
			return order.Page{}, fmt.Errorf("%w: cursor %s belongs to another partition", order.ErrValidation, q.Cursor.Hex())
		}
		ck, err := indexKey(cur)
		if err != nil {
			return order.Page{}, err
		}
		// the cursor may have been unlisted since; SeekGE lands on its successor
		if iter.SeekGE(ck) && bytes.Equal(iter.Key(), ck) {
			iter.Next()
		}
	case q.Price != nil:
		rank, err := priceRank(q.Side, q.Price)
		if err != nil {
			return order.Page{}, err
		}
		iter.SeekGE(append(append([]byte(nil), prefix...), rank...))
	default:
		iter.First()
	}

	var page order.Page
	for ; iter.Valid(); iter.Next() {
		rec, err := s.Get(r, common.BytesToHash(iter.Value()))
		if err != nil {
			return order.Page{}, err
		}
		if !rec.Tradable(now) {
			continue
		}
		if len(page.Orders) == q.Count {
			page.NextOrderKey = page.Orders[len(page.Orders)-1].Key
			break
		}
		page.Orders = append(page.Orders, *rec)
	}
	if err := iter.Error(); err != nil {
		return order.Page{}, fmt.Errorf("index iteration: %w", err)
	}
	return page, nil
}

func partitionPrefix(p order.Partition) []byte {
	return storage.OrderIndexPrefix(p.Collection, p.TokenID, uint8(p.Side), uint8(p.SaleKind))
}

func indexKey(rec *order.Record) ([]byte, error) {
	rank, err := priceRank(rec.Order.Side, rec.Order.Price)
	if err != nil {
		return nil, err
	}
	return storage.OrderIndexKey(partitionPrefix(order.PartitionOf(&rec.Order)), rank, rec.Seq), nil
}

// priceRank orders asks ascending and bids descending under byte order.
// Dutch auctions rank by their start price.
func priceRank(side order.Side, price *big.Int) ([]byte, error) {
	if price == nil || price.Sign() < 0 || price.Cmp(maxRank) > 0 {
		return nil, fmt.Errorf("%w: price %v out of uint128 range", order.ErrValidation, price)
	}
	v := price
	if side == order.SideBuy {
		v = new(big.Int).Sub(maxRank, price)
	}
	return v.FillBytes(make([]byte, rankWidth)), nil
}
