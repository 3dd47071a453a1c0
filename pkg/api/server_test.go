package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/nftswap/pkg/app/core/events"
	"github.com/uhyunpark/nftswap/pkg/app/core/ledger"
	"github.com/uhyunpark/nftswap/pkg/app/core/order"
	"github.com/uhyunpark/nftswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/nftswap/pkg/app/core/orderstore"
	"github.com/uhyunpark/nftswap/pkg/app/core/transaction"
	"github.com/uhyunpark/nftswap/pkg/app/core/vault"
	"github.com/uhyunpark/nftswap/pkg/crypto"
	"github.com/uhyunpark/nftswap/pkg/storage"
	"github.com/uhyunpark/nftswap/pkg/util"
)

var (
	admin    = common.HexToAddress("0xad00000000000000000000000000000000000001")
	bookAddr = common.HexToAddress("0xb00c000000000000000000000000000000000002")
	custody  = common.HexToAddress("0xc0570d0000000000000000000000000000000003")
	treasury = common.HexToAddress("0xfee0000000000000000000000000000000000004")
	collAA   = common.HexToAddress("0x00000000000000000000000000000000000000aa")

	oneEther = "1000000000000000000"
	start    = time.Unix(1_900_000_000, 0)
)

type testNode struct {
	srv      *httptest.Server
	book     *orderbook.OrderBook
	verifier *transaction.Verifier
	seller   *crypto.Signer
	buyer    *crypto.Signer
	nonces   map[common.Address]uint64
}

func newTestNode(t *testing.T, devnet bool) *testNode {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	l := ledger.New()
	v := vault.New(vault.Config{Address: custody, Admin: admin, FeeRecipient: treasury, ProtocolShareBps: vault.DefaultProtocolShareBps}, l, nil)
	if err := v.SetOrderBook(admin, bookAddr); err != nil {
		t.Fatalf("bind: %v", err)
	}
	book := orderbook.New(orderbook.Config{Address: bookAddr}, db, orderstore.New(), v, l, events.NewFeed(), util.NewManualClock(start), nil)

	domain := crypto.DefaultDomain()
	domain.VerifyingContract = bookAddr
	verifier := transaction.NewVerifier(domain)

	s := NewServer(Config{Devnet: devnet}, book, verifier, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	seller, _ := crypto.GenerateKey()
	buyer, _ := crypto.GenerateKey()
	return &testNode{srv: srv, book: book, verifier: verifier, seller: seller, buyer: buyer, nonces: map[common.Address]uint64{}}
}

func (n *testNode) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(n.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (n *testNode) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(n.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (n *testNode) signed(t *testing.T, who *crypto.Signer, typ transaction.TxType, payload interface{}) *transaction.SignedTransaction {
	t.Helper()
	n.nonces[who.Address()]++
	tx, err := n.verifier.Sign(who, typ, payload, n.nonces[who.Address()])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

func (n *testNode) fund(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	ten := new(big.Int).Mul(big.NewInt(10), mustBig(oneEther))
	if err := n.book.Deposit(ctx, n.buyer.Address(), ten); err != nil {
		t.Fatal(err)
	}
	if err := n.book.Mint(ctx, n.seller.Address(), order.Asset{TokenID: big.NewInt(7), Collection: collAA, Amount: big.NewInt(1)}); err != nil {
		t.Fatal(err)
	}
}

func (n *testNode) orderPayload(side order.Side, maker common.Address, salt uint64) transaction.OrderPayload {
	o := order.Order{
		Side:     side,
		SaleKind: order.FixedPrice,
		Maker:    maker,
		NFT:      order.Asset{TokenID: big.NewInt(7), Collection: collAA, Amount: big.NewInt(1)},
		Price:    mustBig(oneEther),
		EndPrice: new(big.Int),
		Expiry:   uint64(start.Add(24 * time.Hour).Unix()),
		Salt:     salt,
	}
	return transaction.FromOrder(&o)
}

func (n *testNode) makeOrder(t *testing.T, who *crypto.Signer, side order.Side, value string) string {
	t.Helper()
	tx := n.signed(t, who, transaction.TxTypeMake, transaction.MakePayload{
		Orders: []transaction.OrderPayload{n.orderPayload(side, who.Address(), 1)},
		Value:  value,
	})
	resp := n.post(t, "/api/v1/orders", tx)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("make status = %d, want 200", resp.StatusCode)
	}
	var out MakeOrdersResponse
	decode(t, resp, &out)
	if len(out.Results) != 1 || out.Results[0].Error != "" {
		t.Fatalf("make results = %+v", out.Results)
	}
	return out.Results[0].OrderKey
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(s)
	}
	return v
}

func TestMakeMatchOverHTTP(t *testing.T) {
	n := newTestNode(t, false)
	n.fund(t)

	sellKey := n.makeOrder(t, n.seller, order.SideSell, "0")
	buyKey := n.makeOrder(t, n.buyer, order.SideBuy, oneEther)

	resp := n.get(t, "/api/v1/orders/"+sellKey)
	var info OrderInfo
	decode(t, resp, &info)
	if info.Status != "open" || info.PriceEth != "1" || info.CurrentPrice != oneEther {
		t.Errorf("order info = %+v", info)
	}

	tx := n.signed(t, n.buyer, transaction.TxTypeMatch, transaction.MatchPayload{BuyKey: buyKey, SellKey: sellKey})
	resp = n.post(t, "/api/v1/orders/match", tx)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("match status = %d, want 200", resp.StatusCode)
	}
	var s SettlementInfo
	decode(t, resp, &s)
	if s.Total != oneEther || s.Fee != "20000000000000000" || s.TotalEth != "1" {
		t.Errorf("settlement = %+v", s)
	}

	resp = n.get(t, "/api/v1/accounts/"+n.seller.Address().Hex())
	var acc AccountInfo
	decode(t, resp, &acc)
	if acc.Balance != "980000000000000000" || acc.BalanceEth != "0.98" {
		t.Errorf("seller balance = %s (%s ETH), want 0.98 ETH", acc.Balance, acc.BalanceEth)
	}
	if acc.Nonce != 1 {
		t.Errorf("seller nonce = %d, want 1", acc.Nonce)
	}

	// second match on the same pair conflicts
	tx = n.signed(t, n.buyer, transaction.TxTypeMatch, transaction.MatchPayload{BuyKey: buyKey, SellKey: sellKey})
	if resp := n.post(t, "/api/v1/orders/match", tx); resp.StatusCode != http.StatusConflict {
		t.Errorf("double match status = %d, want 409", resp.StatusCode)
	}
}

func TestMakeOrdersMalformedEntry(t *testing.T) {
	n := newTestNode(t, false)
	n.fund(t)

	bad := n.orderPayload(order.SideSell, n.seller.Address(), 2)
	bad.Collection = "0xnot-an-address"
	tx := n.signed(t, n.seller, transaction.TxTypeMake, transaction.MakePayload{
		Orders: []transaction.OrderPayload{n.orderPayload(order.SideSell, n.seller.Address(), 1), bad},
		Value:  "0",
	})
	resp := n.post(t, "/api/v1/orders", tx)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out MakeOrdersResponse
	decode(t, resp, &out)
	if len(out.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(out.Results))
	}
	if out.Results[0].Index != 0 || out.Results[0].Error != "" || out.Results[0].OrderKey == "" {
		t.Errorf("results[0] = %+v, want a created order", out.Results[0])
	}
	if out.Results[1].Index != 1 || out.Results[1].Error == "" || out.Results[1].OrderKey != "" {
		t.Errorf("results[1] = %+v, want a parse error", out.Results[1])
	}

	resp = n.get(t, "/api/v1/orders/"+out.Results[0].OrderKey)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get sibling status = %d, want 200", resp.StatusCode)
	}
}

func TestSignedRequestErrors(t *testing.T) {
	n := newTestNode(t, false)
	n.fund(t)

	sellKey := n.makeOrder(t, n.seller, order.SideSell, "0")

	t.Run("replayed nonce", func(t *testing.T) {
		tx, _ := n.verifier.Sign(n.seller, transaction.TxTypeCancel, transaction.CancelPayload{OrderKey: sellKey}, 1)
		if resp := n.post(t, "/api/v1/orders/cancel", tx); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("forged signer", func(t *testing.T) {
		tx := n.signed(t, n.buyer, transaction.TxTypeCancel, transaction.CancelPayload{OrderKey: sellKey})
		tx.Signer = n.seller.Address().Hex()
		if resp := n.post(t, "/api/v1/orders/cancel", tx); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("not owner", func(t *testing.T) {
		tx := n.signed(t, n.buyer, transaction.TxTypeCancel, transaction.CancelPayload{OrderKey: sellKey})
		if resp := n.post(t, "/api/v1/orders/cancel", tx); resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("wrong payload type", func(t *testing.T) {
		tx := n.signed(t, n.seller, transaction.TxTypeMatch, transaction.MatchPayload{BuyKey: sellKey, SellKey: sellKey})
		if resp := n.post(t, "/api/v1/orders/cancel", tx); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		tx := n.signed(t, n.seller, transaction.TxTypeCancel, transaction.CancelPayload{OrderKey: sellKey})
		if resp := n.post(t, "/api/v1/orders/cancel", tx); resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})
}

func TestGetOrdersQuery(t *testing.T) {
	n := newTestNode(t, false)
	n.fund(t)
	n.makeOrder(t, n.seller, order.SideSell, "0")

	base := "/api/v1/orders?collection=" + collAA.Hex() + "&tokenId=7"

	resp := n.get(t, base+"&side=sell&saleKind=fixed&count=5")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var page OrderPage
	decode(t, resp, &page)
	if len(page.Orders) != 1 || page.NextOrderKey != (common.Hash{}).Hex() {
		t.Errorf("page = %+v", page)
	}

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"buy side empty", base + "&side=buy", http.StatusOK},
		{"missing collection", "/api/v1/orders?tokenId=7", http.StatusBadRequest},
		{"bad side", base + "&side=long", http.StatusBadRequest},
		{"zero count", base + "&count=0", http.StatusBadRequest},
		{"bad price", base + "&price=1.5", http.StatusBadRequest},
		{"tokenId above 256 bits", "/api/v1/orders?collection=" + collAA.Hex() + "&tokenId=115792089237316195423570985008687907853269984665640564039457584007913129639943", http.StatusBadRequest},
		{"unknown cursor", base + "&firstOrderKey=" + common.Hash{9}.Hex(), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := n.get(t, tt.query); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestGetOrderNotFound(t *testing.T) {
	n := newTestNode(t, false)
	if resp := n.get(t, "/api/v1/orders/"+common.Hash{1}.Hex()); resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if resp := n.get(t, "/api/v1/orders/0x12"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDevnetEndpoints(t *testing.T) {
	off := newTestNode(t, false)
	if resp := off.post(t, "/api/v1/devnet/deposit", DepositRequest{Address: off.buyer.Address().Hex(), Amount: "1"}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("devnet off: status = %d, want 404", resp.StatusCode)
	}

	n := newTestNode(t, true)
	resp := n.post(t, "/api/v1/devnet/deposit", DepositRequest{Address: n.buyer.Address().Hex(), Amount: oneEther})
	var acc AccountInfo
	decode(t, resp, &acc)
	if acc.Balance != oneEther {
		t.Errorf("balance = %s, want %s", acc.Balance, oneEther)
	}

	resp = n.post(t, "/api/v1/devnet/mint", MintRequest{Owner: n.seller.Address().Hex(), Collection: collAA.Hex(), TokenID: "7"})
	var held HoldingInfo
	decode(t, resp, &held)
	if held.Amount != "1" {
		t.Errorf("held = %s, want 1", held.Amount)
	}

	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	resp = n.post(t, "/api/v1/devnet/mint", MintRequest{Owner: n.seller.Address().Hex(), Collection: collAA.Hex(), TokenID: huge.String()})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("oversized mint: status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{order.ErrValidation, http.StatusBadRequest},
		{order.ErrDuplicateOrder, http.StatusConflict},
		{order.ErrInsufficientEscrow, http.StatusPaymentRequired},
		{order.ErrNotOwner, http.StatusForbidden},
		{order.ErrUnauthorized, http.StatusForbidden},
		{order.ErrOrderNotOpen, http.StatusConflict},
		{order.ErrNotFound, http.StatusNotFound},
		{transaction.ErrInvalidSignature, http.StatusUnauthorized},
		{order.ErrEscrowTransfer, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := statusOf(tt.err); got != tt.want {
			t.Errorf("statusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestFormatEther(t *testing.T) {
	tests := []struct {
		wei  string
		want string
	}{
		{"0", "0"},
		{"1000000000000000000", "1"},
		{"1500000000000000000", "1.5"},
		{"20000000000000000", "0.02"},
		{"1", "0.000000000000000001"},
	}
	for _, tt := range tests {
		if got := formatEther(mustBig(tt.wei)); got != tt.want {
			t.Errorf("formatEther(%s) = %s, want %s", tt.wei, got, tt.want)
		}
	}
}

func TestEventChannels(t *testing.T) {
	seller := common.HexToAddress("0x5e11e70000000000000000000000000000000001")
	buyer := common.HexToAddress("0xb0ce200000000000000000000000000000000002")
	ev := &events.Event{
		Type:       events.TypeOrderMatched,
		Asset:      order.Asset{TokenID: big.NewInt(1), Collection: collAA, Amount: big.NewInt(1)},
		Settlement: &vault.Settlement{Buyer: buyer, Seller: seller},
	}
	got := map[string]bool{}
	for _, ch := range eventChannels(ev) {
		got[ch] = true
	}
	for _, want := range []string{ChannelAll, OrdersChannel(collAA.Hex()), AccountChannel(buyer.Hex()), AccountChannel(seller.Hex())} {
		if !got[want] {
			t.Errorf("missing channel %s in %v", want, got)
		}
	}
}
