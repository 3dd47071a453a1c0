package orderstore

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/nftswap/pkg/app/core/order"
	"github.com/uhyunpark/nftswap/pkg/storage"
)

var (
	maker = common.HexToAddress("0x1000000000000000000000000000000000000001")
	coll  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	now   = time.Unix(1_900_000_000, 0)
)

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// insert stores orders with the given prices in submission order and
// returns their keys.
func insert(t *testing.T, db *storage.DB, s *Store, side order.Side, prices ...int64) []order.Key {
	t.Helper()
	tx := db.Begin()
	var keys []order.Key
	for _, p := range prices {
		o := order.Order{
			Side:     side,
			Maker:    maker,
			NFT:      order.Asset{TokenID: big.NewInt(1), Collection: coll, Amount: big.NewInt(1)},
			Price:    big.NewInt(p),
			EndPrice: new(big.Int),
			Expiry:   uint64(now.Add(time.Hour).Unix()),
		}
		seq, err := storage.NextSeq(tx, "orders")
		if err != nil {
			t.Fatalf("seq: %v", err)
		}
		o.Salt = seq
		key, err := order.DeriveKey(&o)
		if err != nil {
			t.Fatalf("key: %v", err)
		}
		rec := &order.Record{Key: key, Order: o, Status: order.StatusOpen, CreatedAt: now.Unix(), Seq: seq}
		if err := s.Insert(tx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
		keys = append(keys, key)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return keys
}

func partition(side order.Side) order.Partition {
	return order.Partition{Collection: coll, TokenID: big.NewInt(1), Side: side, SaleKind: order.FixedPrice}
}

func prices(p order.Page) []int64 {
	var out []int64
	for _, r := range p.Orders {
		out = append(out, r.Order.Price.Int64())
	}
	return out
}

func equal(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPageBookOrder(t *testing.T) {
	db := openDB(t)
	s := New()
	insert(t, db, s, order.SideSell, 30, 10, 20, 10)
	insert(t, db, s, order.SideBuy, 30, 10, 20)

	tests := []struct {
		name string
		q    order.Query
		want []int64
	}{
		{"asks ascending", order.Query{Partition: partition(order.SideSell), Count: 10}, []int64{10, 10, 20, 30}},
		{"bids descending", order.Query{Partition: partition(order.SideBuy), Count: 10}, []int64{30, 20, 10}},
		{"ask price filter", order.Query{Partition: partition(order.SideSell), Count: 10, Price: big.NewInt(15)}, []int64{20, 30}},
		{"bid price filter", order.Query{Partition: partition(order.SideBuy), Count: 10, Price: big.NewInt(20)}, []int64{20, 10}},
		{"limited", order.Query{Partition: partition(order.SideSell), Count: 2}, []int64{10, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.Page(db, tt.q, now)
			if err != nil {
				t.Fatalf("page: %v", err)
			}
			if got := prices(page); !equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPageEqualPricesKeepSubmissionOrder(t *testing.T) {
	db := openDB(t)
	s := New()
	keys := insert(t, db, s, order.SideSell, 5, 5, 5)

	page, err := s.Page(db, order.Query{Partition: partition(order.SideSell), Count: 3}, now)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	for i, r := range page.Orders {
		if r.Key != keys[i] {
			t.Errorf("position %d: got %s, want %s", i, r.Key.Hex(), keys[i].Hex())
		}
	}
}

func TestPageRoundTrip(t *testing.T) {
	db := openDB(t)
	s := New()
	keys := insert(t, db, s, order.SideSell, 1, 2, 3, 4, 5, 6, 7)

	var seen []order.Key
	q := order.Query{Partition: partition(order.SideSell), Count: 3}
	for i := 0; ; i++ {
		if i > 10 {
			t.Fatal("pagination did not terminate")
		}
		page, err := s.Page(db, q, now)
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		for _, r := range page.Orders {
			seen = append(seen, r.Key)
		}
		if page.NextOrderKey == order.ZeroKey {
			break
		}
		q.Cursor = page.NextOrderKey
	}

	if len(seen) != len(keys) {
		t.Fatalf("saw %d orders, want %d", len(seen), len(keys))
	}
	for i := range keys {
		if seen[i] != keys[i] {
			t.Errorf("position %d: got %s, want %s", i, seen[i].Hex(), keys[i].Hex())
		}
	}
}

func TestPageExactFitHasNoNext(t *testing.T) {
	db := openDB(t)
	s := New()
	insert(t, db, s, order.SideSell, 1, 2)

	page, err := s.Page(db, order.Query{Partition: partition(order.SideSell), Count: 2}, now)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if page.NextOrderKey != order.ZeroKey {
		t.Errorf("next = %s, want zero", page.NextOrderKey.Hex())
	}
}

func TestPageCursorRetired(t *testing.T) {
	db := openDB(t)
	s := New()
	keys := insert(t, db, s, order.SideSell, 1, 2, 3)

	page, _ := s.Page(db, order.Query{Partition: partition(order.SideSell), Count: 1}, now)
	if page.NextOrderKey != keys[0] {
		t.Fatalf("next = %s, want first key", page.NextOrderKey.Hex())
	}

	// unlist the cursor order before the next page is fetched
	tx := db.Begin()
	rec, err := s.Get(tx, keys[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := s.Retire(tx, rec, order.StatusCancelled); err != nil {
		t.Fatalf("retire: %v", err)
	}
	_ = tx.Commit()

	page, err = s.Page(db, order.Query{Partition: partition(order.SideSell), Count: 5, Cursor: keys[0]}, now)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if got := prices(page); !equal(got, []int64{2, 3}) {
		t.Errorf("got %v, want [2 3]", got)
	}

	got, err := s.Get(db, keys[0])
	if err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	if got.Status != order.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestPageSkipsExpired(t *testing.T) {
	db := openDB(t)
	s := New()
	insert(t, db, s, order.SideSell, 1, 2)

	later := now.Add(2 * time.Hour)
	page, err := s.Page(db, order.Query{Partition: partition(order.SideSell), Count: 5}, later)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page.Orders) != 0 {
		t.Errorf("got %d expired orders, want 0", len(page.Orders))
	}
}

func TestPageErrors(t *testing.T) {
	db := openDB(t)
	s := New()

	if _, err := s.Page(db, order.Query{Partition: partition(order.SideSell), Count: 0}, now); !errors.Is(err, order.ErrValidation) {
		t.Errorf("zero count: got %v, want ErrValidation", err)
	}
	q := order.Query{Partition: partition(order.SideSell), Count: 1, Cursor: common.HexToHash("0xdead")}
	if _, err := s.Page(db, q, now); !errors.Is(err, order.ErrNotFound) {
		t.Errorf("unknown cursor: got %v, want ErrNotFound", err)
	}

	// 2^256+1 would alias token 1 in the index
	insert(t, db, s, order.SideSell, 100)
	wide := partition(order.SideSell)
	wide.TokenID = new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if _, err := s.Page(db, order.Query{Partition: wide, Count: 5}, now); !errors.Is(err, order.ErrValidation) {
		t.Errorf("oversized token id: got %v, want ErrValidation", err)
	}
}

func TestPageDutchRanksByStartPrice(t *testing.T) {
	db := openDB(t)
	s := New()

	// a falls 300 -> 100 over the hour, b holds near 200
	dutch := func(salt uint64, startPrice, endPrice int64) *order.Record {
		o := order.Order{
			Side:     order.SideSell,
			SaleKind: order.DutchAuction,
			Maker:    maker,
			NFT:      order.Asset{TokenID: big.NewInt(1), Collection: coll, Amount: big.NewInt(1)},
			Price:    big.NewInt(startPrice),
			EndPrice: big.NewInt(endPrice),
			Expiry:   uint64(now.Add(time.Hour).Unix()),
			Salt:     salt,
		}
		key, err := order.DeriveKey(&o)
		if err != nil {
			t.Fatalf("key: %v", err)
		}
		return &order.Record{Key: key, Order: o, Status: order.StatusOpen, CreatedAt: now.Unix(), Seq: salt}
	}
	a, b := dutch(1, 300, 100), dutch(2, 200, 190)
	tx := db.Begin()
	for _, rec := range []*order.Record{a, b} {
		if err := s.Insert(tx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	later := now.Add(50 * time.Minute)
	pa, _ := order.CurrentPrice(&a.Order, now, later)
	pb, _ := order.CurrentPrice(&b.Order, now, later)
	if pa.Cmp(pb) >= 0 {
		t.Fatalf("setup: a at %s should undercut b at %s", pa, pb)
	}

	q := order.Query{Partition: order.PartitionOf(&a.Order), Count: 5}
	page, err := s.Page(db, q, later)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if got := prices(page); !equal(got, []int64{200, 300}) {
		t.Errorf("book order = %v, want start prices [200 300]", got)
	}

	q.Price = big.NewInt(250)
	if page, _ = s.Page(db, q, later); !equal(prices(page), []int64{300}) {
		t.Errorf("price filter = %v, want [300]", prices(page))
	}
}
