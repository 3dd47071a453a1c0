package crypto

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func sampleOrder() *OrderEIP712 {
	return &OrderEIP712{
		Side:       1,
		SaleKind:   0,
		Maker:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		TokenID:    big.NewInt(7),
		Collection: common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		Amount:     big.NewInt(1),
		Price:      big.NewInt(1e18),
		Expiry:     1_900_000_000,
		Salt:       42,
	}
}

func TestHashOrderStructDeterministic(t *testing.T) {
	a, err := HashOrderStruct(sampleOrder())
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := HashOrderStruct(sampleOrder())
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if a != b {
		t.Errorf("same order hashed to %s and %s", a.Hex(), b.Hex())
	}
	if a == (common.Hash{}) {
		t.Error("order hash is zero")
	}
}

func TestHashOrderStructEncoding(t *testing.T) {
	o := sampleOrder()
	got, err := HashOrderStruct(o)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	word := func(x *big.Int) []byte { return common.LeftPadBytes(x.Bytes(), 32) }
	u := func(x uint64) []byte { return word(new(big.Int).SetUint64(x)) }

	assetType := eth_crypto.Keccak256([]byte("Asset(uint256 tokenId,address collection,uint96 amount)"))
	assetHash := eth_crypto.Keccak256(assetType, word(o.TokenID), common.LeftPadBytes(o.Collection.Bytes(), 32), word(o.Amount))

	orderType := eth_crypto.Keccak256([]byte("Order(uint8 side,uint8 saleKind,address maker,Asset nft,uint128 price,uint128 endPrice,uint64 expiry,uint64 salt)" +
		"Asset(uint256 tokenId,address collection,uint96 amount)"))
	want := eth_crypto.Keccak256Hash(
		orderType,
		u(uint64(o.Side)),
		u(uint64(o.SaleKind)),
		common.LeftPadBytes(o.Maker.Bytes(), 32),
		assetHash,
		word(o.Price),
		u(0),
		u(o.Expiry),
		u(o.Salt),
	)

	if got != want {
		t.Errorf("HashOrderStruct = %s, want %s", got.Hex(), want.Hex())
	}
}

func TestHashOrderStructRejectsOverflow(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *OrderEIP712)
	}{
		{"price over uint128", func(o *OrderEIP712) { o.Price = new(big.Int).Lsh(big.NewInt(1), 128) }},
		{"amount over uint96", func(o *OrderEIP712) { o.Amount = new(big.Int).Lsh(big.NewInt(1), 96) }},
		{"negative price", func(o *OrderEIP712) { o.Price = big.NewInt(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := sampleOrder()
			tt.mutate(o)
			if _, err := HashOrderStruct(o); err == nil {
				t.Error("expected encoding error")
			}
		})
	}
}

func TestRequestSignRecover(t *testing.T) {
	signer, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())

	req := &RequestEIP712{
		Action:      "cancelOrder",
		PayloadHash: eth_crypto.Keccak256Hash([]byte(`{"orderKey":"0x01"}`)),
		Nonce:       3,
	}

	sig, err := e.SignRequest(signer, req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := e.RecoverRequestSigner(req, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != signer.Address() {
		t.Errorf("recovered %s, want %s", got.Hex(), signer.Address().Hex())
	}

	// a different nonce must not recover the same signer
	req.Nonce = 4
	got, err = e.RecoverRequestSigner(req, sig)
	if err == nil && got == signer.Address() {
		t.Error("signature replayed under a different nonce")
	}
}

func TestRequestHashDomainSeparated(t *testing.T) {
	req := &RequestEIP712{Action: "makeOrders", Nonce: 1}

	local := NewEIP712Signer(DefaultDomain())
	other := DefaultDomain()
	other.ChainID = big.NewInt(11155111)
	remote := NewEIP712Signer(other)

	a, err := local.HashRequest(req)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := remote.HashRequest(req)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if common.BytesToHash(a) == common.BytesToHash(b) {
		t.Error("request digest must differ across chain ids")
	}
}

func TestHashOrderStructValidOrder(t *testing.T) {
	o := sampleOrder()
	o.EndPrice = new(big.Int)
	got, err := HashOrderStruct(o)
	if err != nil {
		t.Fatalf("HashOrderStruct: %v", err)
	}
	if got == (common.Hash{}) {
		t.Error("HashOrderStruct returned the zero hash")
	}
}
