package order

import (
	"fmt"

	"github.com/uhyunpark/nftswap/pkg/crypto"
)

// DeriveKey computes the order's EIP-712 struct hash. It is pure: equal
// orders give equal keys and any field change gives a different key.
func DeriveKey(o *Order) (Key, error) {
	h, err := crypto.HashOrderStruct(o.EIP712())
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return h, nil
}

// EIP712 converts the order into its typed-data form.
func (o *Order) EIP712() *crypto.OrderEIP712 {
	return &crypto.OrderEIP712{
		Side:       uint8(o.Side),
		SaleKind:   uint8(o.SaleKind),
		Maker:      o.Maker,
		TokenID:    orZero(o.NFT.TokenID),
		Collection: o.NFT.Collection,
		Amount:     orZero(o.NFT.Amount),
		Price:      orZero(o.Price),
		EndPrice:   orZero(o.EndPrice),
		Expiry:     o.Expiry,
		Salt:       o.Salt,
	}
}
