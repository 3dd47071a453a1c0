package events

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/nftswap/pkg/app/core/order"
	"github.com/uhyunpark/nftswap/pkg/storage"
)

func record(salt uint64) *order.Record {
	return &order.Record{
		Key: common.BigToHash(new(big.Int).SetUint64(salt)),
		Order: order.Order{
			Maker: common.HexToAddress("0x01"),
			NFT:   order.Asset{TokenID: big.NewInt(1), Collection: common.HexToAddress("0x02"), Amount: big.NewInt(1)},
			Price: big.NewInt(100),
			Salt:  salt,
		},
		CreatedAt: 1_900_000_000,
	}
}

func TestAppendAndScan(t *testing.T) {
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	tx := db.Begin()
	for i := uint64(1); i <= 5; i++ {
		if err := Append(tx, Created(record(i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	head, err := Head(db)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 5 {
		t.Errorf("head = %d, want 5", head)
	}

	evs, err := Scan(db, 2, 2)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(evs) != 2 || evs[0].Seq != 3 || evs[1].Seq != 4 {
		t.Fatalf("scan(after=2, limit=2) returned %+v", evs)
	}
	if evs[0].Type != TypeOrderCreated || evs[0].Price.Int64() != 100 {
		t.Errorf("decoded event = %+v", evs[0])
	}

	evs, _ = Scan(db, 5, 10)
	if len(evs) != 0 {
		t.Errorf("scan past head returned %d events", len(evs))
	}
}

func TestDiscardedEventsVanish(t *testing.T) {
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	tx := db.Begin()
	_ = Append(tx, Created(record(1)))
	tx.Discard()

	evs, _ := Scan(db, 0, 10)
	if len(evs) != 0 {
		t.Errorf("discarded event visible: %+v", evs)
	}
}

func TestFeed(t *testing.T) {
	f := NewFeed()
	a, cancelA := f.Subscribe(4)
	b, cancelB := f.Subscribe(1)
	defer cancelA()

	f.Publish(Created(record(1)), Cancelled(record(1), 1_900_000_100))

	for i, want := range []Type{TypeOrderCreated, TypeOrderCancelled} {
		ev := <-a
		if ev.Type != want {
			t.Errorf("a[%d] = %s, want %s", i, ev.Type, want)
		}
	}

	if ev := <-b; ev.Type != TypeOrderCreated {
		t.Errorf("b[0] = %s, want %s", ev.Type, TypeOrderCreated)
	}
	if f.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", f.Dropped())
	}

	cancelB()
	cancelB()
	if _, ok := <-b; ok {
		t.Error("channel open after cancel")
	}
}
