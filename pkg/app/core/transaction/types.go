package transaction

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/nftswap/pkg/app/core/order"
	"github.com/uhyunpark/nftswap/pkg/crypto"
)

// TxType names the action a signed request performs. It is the "action"
// field of the signed EIP-712 Request.
type TxType string

const (
	TxTypeMake   TxType = "make_orders"
	TxTypeCancel TxType = "cancel_order"
	TxTypeMatch  TxType = "match_order"
)

// SignedTransaction is the envelope every state-changing API call carries.
// The signature covers Type, keccak256(Payload) and Nonce.
type SignedTransaction struct {
	Type      TxType          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Nonce     uint64          `json:"nonce"`
	Signer    string          `json:"signer"`    // Ethereum address (0x...)
	Signature string          `json:"signature"` // Hex-encoded 65-byte signature
}

// OrderPayload is the wire form of an order. Integers are decimal strings.
type OrderPayload struct {
	Side       uint8  `json:"side"`     // 0=Buy, 1=Sell
	SaleKind   uint8  `json:"saleKind"` // 0=FixedPrice, 1=DutchAuction
	Maker      string `json:"maker"`
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
	Amount     string `json:"amount"`
	Price      string `json:"price"`
	EndPrice   string `json:"endPrice,omitempty"`
	Expiry     string `json:"expiry"`
	Salt       string `json:"salt"`
}

// MakePayload submits a batch of orders. Value is the native amount (wei)
// attached to the call and funds the batch's buy orders.
type MakePayload struct {
	Orders []OrderPayload `json:"orders"`
	Value  string         `json:"value"`
}

type CancelPayload struct {
	OrderKey string `json:"orderKey"`
}

type MatchPayload struct {
	BuyKey  string `json:"buyKey"`
	SellKey string `json:"sellKey"`
}

// ToOrder parses the payload into an order. Range checks beyond syntax are
// left to order validation and key derivation.
func (p *OrderPayload) ToOrder() (order.Order, error) {
	maker, err := crypto.ParseAddress(p.Maker)
	if err != nil {
		return order.Order{}, fmt.Errorf("%w: maker: %v", order.ErrValidation, err)
	}
	collection, err := crypto.ParseAddress(p.Collection)
	if err != nil {
		return order.Order{}, fmt.Errorf("%w: collection: %v", order.ErrValidation, err)
	}

	tokenID, err := parseBig("tokenId", p.TokenID)
	if err != nil {
		return order.Order{}, err
	}
	amount, err := parseBig("amount", p.Amount)
	if err != nil {
		return order.Order{}, err
	}
	price, err := parseBig("price", p.Price)
	if err != nil {
		return order.Order{}, err
	}
	endPrice := new(big.Int)
	if p.EndPrice != "" {
		if endPrice, err = parseBig("endPrice", p.EndPrice); err != nil {
			return order.Order{}, err
		}
	}
	expiry, err := strconv.ParseUint(p.Expiry, 10, 64)
	if err != nil {
		return order.Order{}, fmt.Errorf("%w: invalid expiry %q", order.ErrValidation, p.Expiry)
	}
	salt, err := strconv.ParseUint(p.Salt, 10, 64)
	if err != nil {
		return order.Order{}, fmt.Errorf("%w: invalid salt %q", order.ErrValidation, p.Salt)
	}

	return order.Order{
		Side:     order.Side(p.Side),
		SaleKind: order.SaleKind(p.SaleKind),
		Maker:    maker,
		NFT:      order.Asset{TokenID: tokenID, Collection: collection, Amount: amount},
		Price:    price,
		EndPrice: endPrice,
		Expiry:   expiry,
		Salt:     salt,
	}, nil
}

// FromOrder converts an order to its wire form.
func FromOrder(o *order.Order) OrderPayload {
	p := OrderPayload{
		Side:       uint8(o.Side),
		SaleKind:   uint8(o.SaleKind),
		Maker:      o.Maker.Hex(),
		Collection: o.NFT.Collection.Hex(),
		TokenID:    o.NFT.TokenID.String(),
		Amount:     o.NFT.Amount.String(),
		Price:      o.Price.String(),
		Expiry:     strconv.FormatUint(o.Expiry, 10),
		Salt:       strconv.FormatUint(o.Salt, 10),
	}
	if o.EndPrice != nil && o.EndPrice.Sign() != 0 {
		p.EndPrice = o.EndPrice.String()
	}
	return p
}

// Parse parses every order of the batch. errs is aligned with the batch: a
// malformed entry leaves a zero order and its error at the same index. Only
// a malformed value fails the whole payload.
func (p *MakePayload) Parse() (orders []order.Order, errs []error, value *big.Int, err error) {
	value = new(big.Int)
	if p.Value != "" {
		if value, err = parseBig("value", p.Value); err != nil {
			return nil, nil, nil, err
		}
	}
	orders = make([]order.Order, len(p.Orders))
	errs = make([]error, len(p.Orders))
	for i := range p.Orders {
		orders[i], errs[i] = p.Orders[i].ToOrder()
	}
	return orders, errs, value, nil
}

func (p *CancelPayload) Key() (order.Key, error) {
	return ParseKey(p.OrderKey)
}

func (p *MatchPayload) Keys() (buy, sell order.Key, err error) {
	if buy, err = ParseKey(p.BuyKey); err != nil {
		return
	}
	sell, err = ParseKey(p.SellKey)
	return
}

// ParseKey parses a 0x-prefixed 32-byte hex order key.
func ParseKey(s string) (order.Key, error) {
	b, err := decodeHex(s)
	if err != nil || len(b) != common.HashLength {
		return order.Key{}, fmt.Errorf("%w: invalid order key %q", order.ErrValidation, s)
	}
	return common.BytesToHash(b), nil
}

func parseBig(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid %s %q", order.ErrValidation, field, s)
	}
	return v, nil
}

// PayloadHash is keccak256 of the raw payload bytes exactly as sent.
func (tx *SignedTransaction) PayloadHash() common.Hash {
	return ethCrypto.Keccak256Hash(tx.Payload)
}

// Request is the EIP-712 message the signature covers.
func (tx *SignedTransaction) Request() *crypto.RequestEIP712 {
	return &crypto.RequestEIP712{
		Action:      string(tx.Type),
		PayloadHash: tx.PayloadHash(),
		Nonce:       tx.Nonce,
	}
}

// Serialize converts SignedTransaction to JSON bytes
func (tx *SignedTransaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

// Deserialize parses JSON bytes into SignedTransaction
func Deserialize(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal transaction: %v", order.ErrValidation, err)
	}
	return &tx, nil
}

// Validate performs basic validation on transaction structure
func (tx *SignedTransaction) Validate() error {
	switch tx.Type {
	case TxTypeMake, TxTypeCancel, TxTypeMatch:
	case "":
		return fmt.Errorf("%w: missing transaction type", order.ErrValidation)
	default:
		return fmt.Errorf("%w: unknown transaction type: %s", order.ErrValidation, tx.Type)
	}
	if len(tx.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", order.ErrValidation)
	}
	if tx.Signer == "" {
		return fmt.Errorf("%w: missing signer", order.ErrValidation)
	}
	if tx.Signature == "" {
		return fmt.Errorf("%w: missing signature", order.ErrValidation)
	}
	if tx.Nonce == 0 {
		return fmt.Errorf("%w: nonce must be positive", order.ErrValidation)
	}
	return nil
}

// ParseTransaction decodes and structurally validates an envelope.
func ParseTransaction(data []byte) (*SignedTransaction, error) {
	tx, err := Deserialize(data)
	if err != nil {
		return nil, err
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

// DecodePayload unmarshals the payload into v after checking the type.
func (tx *SignedTransaction) DecodePayload(want TxType, v any) error {
	if tx.Type != want {
		return fmt.Errorf("%w: expected %s transaction, got %s", order.ErrValidation, want, tx.Type)
	}
	if err := json.Unmarshal(tx.Payload, v); err != nil {
		return fmt.Errorf("%w: bad %s payload: %v", order.ErrValidation, want, err)
	}
	return nil
}

// Example make request:
//   {
//     "type": "make_orders",
//     "payload": {"orders": [{"side": 1, "saleKind": 0, "maker": "0x...",
//                 "collection": "0x...", "tokenId": "7", "amount": "1",
//                 "price": "1000000000000000000", "expiry": "1900003600",
//                 "salt": "42"}], "value": "0"},
//     "nonce": 3,
//     "signer": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//     "signature": "0x..."
//   }
