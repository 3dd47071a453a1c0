package api

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/nftswap/pkg/app/core/events"
	"github.com/uhyunpark/nftswap/pkg/app/core/ledger"
	"github.com/uhyunpark/nftswap/pkg/app/core/order"
	"github.com/uhyunpark/nftswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/nftswap/pkg/app/core/vault"
)

// API response types for REST endpoints and WebSocket messages.
// Amounts are wei as decimal strings; the *Eth twins are display values.

// ==============================
// REST Response Types
// ==============================

// OrderInfo represents a stored order
type OrderInfo struct {
	OrderKey        string `json:"orderKey"`
	Side            string `json:"side"`     // "buy" or "sell"
	SaleKind        string `json:"saleKind"` // "fixed" or "dutch"
	Maker           string `json:"maker"`
	Collection      string `json:"collection"`
	TokenID         string `json:"tokenId"`
	Amount          string `json:"amount"`
	Price           string `json:"price"`
	PriceEth        string `json:"priceEth"`
	EndPrice        string `json:"endPrice,omitempty"`
	CurrentPrice    string `json:"currentPrice,omitempty"` // empty once the order cannot trade
	CurrentPriceEth string `json:"currentPriceEth,omitempty"`
	Expiry          uint64 `json:"expiry"`
	Salt            uint64 `json:"salt"`
	Status          string `json:"status"` // "open", "matched", "cancelled", "expired"
	CreatedAt       int64  `json:"createdAt"`
}

// OrderPage is one page of a partition
type OrderPage struct {
	Orders       []OrderInfo `json:"orders"`
	NextOrderKey string      `json:"nextOrderKey"` // zero hash when exhausted
}

// MakeOrderResult is the outcome of one order of a make request
type MakeOrderResult struct {
	Index    int    `json:"index"`
	OrderKey string `json:"orderKey,omitempty"`
	Error    string `json:"error,omitempty"`
}

// MakeOrdersResponse is the response from order submission
type MakeOrdersResponse struct {
	Results []MakeOrderResult `json:"results"`
}

// SettlementInfo is the response from a successful match
type SettlementInfo struct {
	Buyer      string `json:"buyer"`
	Seller     string `json:"seller"`
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
	Amount     string `json:"amount"`
	UnitPrice  string `json:"unitPrice"`
	Total      string `json:"total"`
	TotalEth   string `json:"totalEth"`
	Fee        string `json:"fee"`
	Refund     string `json:"refund"`
}

// AccountInfo represents account balance and request nonce
type AccountInfo struct {
	Address    string `json:"address"`
	Balance    string `json:"balance"`
	BalanceEth string `json:"balanceEth"`
	Nonce      uint64 `json:"nonce"` // next signed request must use a larger nonce
}

// HoldingInfo is the response from a devnet mint
type HoldingInfo struct {
	Owner      string `json:"owner"`
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
	Amount     string `json:"amount"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type string      `json:"type"` // "order_created", "order_matched", "order_cancelled"
	Data interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orders:0xabc...", "account:0x...", "all"]
}

// EventInfo is the websocket view of an event
type EventInfo struct {
	Seq        uint64          `json:"seq"`
	Time       int64           `json:"time"`
	OrderKey   string          `json:"orderKey,omitempty"`
	Maker      string          `json:"maker,omitempty"`
	Side       string          `json:"side,omitempty"`
	SaleKind   string          `json:"saleKind,omitempty"`
	Collection string          `json:"collection"`
	TokenID    string          `json:"tokenId"`
	Price      string          `json:"price,omitempty"`
	BuyKey     string          `json:"buyKey,omitempty"`
	SellKey    string          `json:"sellKey,omitempty"`
	Taker      string          `json:"taker,omitempty"`
	Settlement *SettlementInfo `json:"settlement,omitempty"`
}

// ==============================
// REST Request Types
// ==============================

// Make, cancel and match use signed envelopes; see
// pkg/app/core/transaction for the SignedTransaction structure.

// DepositRequest is the payload for POST /api/v1/devnet/deposit
type DepositRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"` // wei
}

// MintRequest is the payload for POST /api/v1/devnet/mint
type MintRequest struct {
	Owner      string `json:"owner"`
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
	Amount     string `json:"amount"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// Conversions
// ==============================

// formatEther renders wei as an ETH decimal string without trailing zeros.
func formatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

func weiString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func newOrderInfo(rec *order.Record, current *big.Int) OrderInfo {
	o := &rec.Order
	info := OrderInfo{
		OrderKey:   rec.Key.Hex(),
		Side:       o.Side.String(),
		SaleKind:   o.SaleKind.String(),
		Maker:      o.Maker.Hex(),
		Collection: o.NFT.Collection.Hex(),
		TokenID:    weiString(o.NFT.TokenID),
		Amount:     weiString(o.NFT.Amount),
		Price:      weiString(o.Price),
		PriceEth:   formatEther(o.Price),
		Expiry:     o.Expiry,
		Salt:       o.Salt,
		Status:     rec.Status.String(),
		CreatedAt:  rec.CreatedAt,
	}
	if o.SaleKind == order.DutchAuction {
		info.EndPrice = weiString(o.EndPrice)
	}
	if current != nil {
		info.CurrentPrice = current.String()
		info.CurrentPriceEth = formatEther(current)
	}
	return info
}

func newSettlementInfo(s *vault.Settlement) *SettlementInfo {
	if s == nil {
		return nil
	}
	return &SettlementInfo{
		Buyer:      s.Buyer.Hex(),
		Seller:     s.Seller.Hex(),
		Collection: s.Asset.Collection.Hex(),
		TokenID:    weiString(s.Asset.TokenID),
		Amount:     weiString(s.Asset.Amount),
		UnitPrice:  weiString(s.UnitPrice),
		Total:      weiString(s.Total),
		TotalEth:   formatEther(s.Total),
		Fee:        weiString(s.Fee),
		Refund:     weiString(s.Refund),
	}
}

func newAccountInfo(a *ledger.Account) AccountInfo {
	return AccountInfo{
		Address:    a.Address.Hex(),
		Balance:    weiString(a.Balance),
		BalanceEth: formatEther(a.Balance),
		Nonce:      a.Nonce,
	}
}

func newMakeOrdersResponse(results []orderbook.MakeResult) MakeOrdersResponse {
	out := MakeOrdersResponse{Results: make([]MakeOrderResult, len(results))}
	for i, r := range results {
		out.Results[i] = MakeOrderResult{Index: i}
		if r.Err != nil {
			out.Results[i].Error = r.Err.Error()
			continue
		}
		out.Results[i].OrderKey = r.Key.Hex()
	}
	return out
}

func newEventMessage(ev *events.Event) WSMessage {
	info := EventInfo{
		Seq:        ev.Seq,
		Time:       ev.Time,
		Collection: ev.Asset.Collection.Hex(),
		TokenID:    weiString(ev.Asset.TokenID),
	}
	switch ev.Type {
	case events.TypeOrderMatched:
		info.BuyKey = ev.BuyKey.Hex()
		info.SellKey = ev.SellKey.Hex()
		info.Taker = ev.Taker.Hex()
		info.Settlement = newSettlementInfo(ev.Settlement)
	default:
		info.OrderKey = ev.Key.Hex()
		info.Maker = ev.Maker.Hex()
		info.Side = ev.Side.String()
		info.SaleKind = ev.SaleKind.String()
		if ev.Price != nil {
			info.Price = ev.Price.String()
		}
	}
	return WSMessage{Type: string(ev.Type), Data: info}
}
