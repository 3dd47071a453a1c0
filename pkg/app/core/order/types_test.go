package order

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestValidate(t *testing.T) {
	now := time.Unix(1_900_000_000, 0)

	tests := []struct {
		name    string
		mutate  func(o *Order)
		wantErr bool
	}{
		{"valid fixed sell", func(o *Order) {}, false},
		{"valid dutch sell", func(o *Order) { o.SaleKind = DutchAuction; o.EndPrice = big.NewInt(1) }, false},
		{"valid dutch buy", func(o *Order) {
			o.Side = SideBuy
			o.SaleKind = DutchAuction
			o.EndPrice = new(big.Int).Mul(o.Price, big.NewInt(2))
		}, false},
		{"zero price allowed", func(o *Order) { o.Price = new(big.Int) }, false},
		{"zero maker", func(o *Order) { o.Maker = common.Address{} }, true},
		{"zero collection", func(o *Order) { o.NFT.Collection = common.Address{} }, true},
		{"zero amount", func(o *Order) { o.NFT.Amount = new(big.Int) }, true},
		{"negative price", func(o *Order) { o.Price = big.NewInt(-1) }, true},
		{"token id above uint256", func(o *Order) { o.NFT.TokenID = new(big.Int).Lsh(big.NewInt(1), 256) }, true},
		{"expiry now", func(o *Order) { o.Expiry = uint64(now.Unix()) }, true},
		{"expiry past", func(o *Order) { o.Expiry = uint64(now.Unix()) - 1 }, true},
		{"fixed with end price", func(o *Order) { o.EndPrice = big.NewInt(5) }, true},
		{"dutch sell rising", func(o *Order) {
			o.SaleKind = DutchAuction
			o.EndPrice = new(big.Int).Add(o.Price, big.NewInt(1))
		}, true},
		{"dutch sell flat", func(o *Order) { o.SaleKind = DutchAuction; o.EndPrice = new(big.Int).Set(o.Price) }, true},
		{"dutch buy falling", func(o *Order) {
			o.Side = SideBuy
			o.SaleKind = DutchAuction
			o.EndPrice = big.NewInt(1)
		}, true},
		{"bad side", func(o *Order) { o.Side = 7 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := baseOrder()
			tt.mutate(&o)
			err := o.Validate(now)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("got %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestEscrowAmount(t *testing.T) {
	o := baseOrder()
	o.Side = SideBuy
	o.NFT.Amount = big.NewInt(3)
	o.Price = big.NewInt(100)
	if got := o.EscrowAmount(); got.Int64() != 300 {
		t.Errorf("fixed buy: got %s, want 300", got)
	}

	o.SaleKind = DutchAuction
	o.EndPrice = big.NewInt(250)
	if got := o.EscrowAmount(); got.Int64() != 750 {
		t.Errorf("dutch buy: got %s, want 750", got)
	}
}

func TestStatusAt(t *testing.T) {
	o := baseOrder()
	r := Record{Order: o, Status: StatusOpen}

	before := time.Unix(int64(o.Expiry), 0)
	after := before.Add(time.Second)

	if got := r.StatusAt(before); got != StatusOpen {
		t.Errorf("at expiry: got %s, want open", got)
	}
	if got := r.StatusAt(after); got != StatusExpired {
		t.Errorf("after expiry: got %s, want expired", got)
	}

	r.Status = StatusCancelled
	if got := r.StatusAt(after); got != StatusCancelled {
		t.Errorf("cancelled after expiry: got %s, want cancelled", got)
	}
}

func TestParseEnums(t *testing.T) {
	if s, err := ParseSide("sell"); err != nil || s != SideSell {
		t.Errorf("ParseSide(sell) = %v, %v", s, err)
	}
	if s, err := ParseSide("0"); err != nil || s != SideBuy {
		t.Errorf("ParseSide(0) = %v, %v", s, err)
	}
	if _, err := ParseSide("short"); !errors.Is(err, ErrValidation) {
		t.Errorf("ParseSide(short): got %v, want ErrValidation", err)
	}
	if k, err := ParseSaleKind("dutch"); err != nil || k != DutchAuction {
		t.Errorf("ParseSaleKind(dutch) = %v, %v", k, err)
	}
}
