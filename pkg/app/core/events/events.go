package events

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/nftswap/pkg/app/core/order"
	"github.com/uhyunpark/nftswap/pkg/app/core/vault"
	"github.com/uhyunpark/nftswap/pkg/storage"
)

type Type string

const (
	TypeOrderCreated   Type = "order_created"
	TypeOrderMatched   Type = "order_matched"
	TypeOrderCancelled Type = "order_cancelled"
)

// Event is one entry of the durable event log. Created and cancelled events
// carry the order; matched events carry both keys and the settlement.
type Event struct {
	Seq  uint64 `json:"seq"`
	Type Type   `json:"type"`
	Time int64  `json:"time"`

	Key      order.Key      `json:"orderKey"`
	Maker    common.Address `json:"maker"`
	Side     order.Side     `json:"side"`
	SaleKind order.SaleKind `json:"saleKind"`
	Asset    order.Asset    `json:"asset"`
	Price    *big.Int       `json:"price,omitempty"`

	BuyKey     order.Key         `json:"buyKey"`
	SellKey    order.Key         `json:"sellKey"`
	Taker      common.Address    `json:"taker"`
	Settlement *vault.Settlement `json:"settlement,omitempty"`
}

// Accounts lists the addresses an event concerns.
func (e *Event) Accounts() []common.Address {
	if e.Settlement != nil {
		return []common.Address{e.Settlement.Buyer, e.Settlement.Seller}
	}
	return []common.Address{e.Maker}
}

// Created builds the creation record of a freshly stored order.
func Created(rec *order.Record) *Event {
	return &Event{
		Type:     TypeOrderCreated,
		Time:     rec.CreatedAt,
		Key:      rec.Key,
		Maker:    rec.Order.Maker,
		Side:     rec.Order.Side,
		SaleKind: rec.Order.SaleKind,
		Asset:    rec.Order.NFT,
		Price:    rec.Order.Price,
	}
}

// Cancelled builds the cancel record of an order.
func Cancelled(rec *order.Record, at int64) *Event {
	ev := Created(rec)
	ev.Type = TypeOrderCancelled
	ev.Time = at
	return ev
}

// Matched builds the match record of a settled pair.
func Matched(buy, sell *order.Record, taker common.Address, s *vault.Settlement, at int64) *Event {
	return &Event{
		Type:       TypeOrderMatched,
		Time:       at,
		Maker:      sell.Order.Maker,
		Side:       sell.Order.Side,
		SaleKind:   sell.Order.SaleKind,
		Asset:      s.Asset,
		Price:      s.UnitPrice,
		BuyKey:     buy.Key,
		SellKey:    sell.Key,
		Taker:      taker,
		Settlement: s,
	}
}

const seqName = "events"

// Append assigns the next sequence number and stages ev on w, so the event
// commits or vanishes together with the state change it describes.
func Append(w storage.Writer, ev *Event) error {
	seq, err := storage.NextSeq(w, seqName)
	if err != nil {
		return err
	}
	ev.Seq = seq
	return storage.PutJSON(w, storage.EventKey(seq), ev)
}

// Scan returns up to limit events with Seq > after, in order.
func Scan(r storage.Reader, after uint64, limit int) ([]Event, error) {
	prefix := storage.EventPrefix()
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: storage.EventKey(after + 1),
		UpperBound: storage.KeyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open event iterator: %w", err)
	}
	defer iter.Close()

	var out []Event
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("corrupt event at %x: %w", iter.Key(), err)
		}
		out = append(out, ev)
	}
	return out, iter.Error()
}

// Head returns the sequence number of the last appended event.
func Head(r storage.Reader) (uint64, error) {
	return storage.GetUint64(r, storage.SeqKey(seqName))
}
