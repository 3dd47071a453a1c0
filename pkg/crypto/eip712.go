package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/contracts
type EIP712Domain struct {
	Name              string         // Protocol name (e.g., "EasySwapOrderBook")
	Version           string         // Protocol version (e.g., "1")
	ChainID           *big.Int       // Chain ID (1337 for local, 11155111 for sepolia)
	VerifyingContract common.Address // Order book address
}

// OrderEIP712 is the typed-data view of a marketplace order.
// Integer widths follow the on-chain struct: price/endPrice uint128,
// expiry/salt uint64, amount uint96, tokenId uint256.
type OrderEIP712 struct {
	Side       uint8 // 0 = Buy, 1 = Sell
	SaleKind   uint8 // 0 = FixedPrice, 1 = DutchAuction
	Maker      common.Address
	TokenID    *big.Int
	Collection common.Address
	Amount     *big.Int
	Price      *big.Int
	EndPrice   *big.Int
	Expiry     uint64
	Salt       uint64
}

// RequestEIP712 authenticates an API request. PayloadHash is keccak256 of
// the JSON payload the request carries.
type RequestEIP712 struct {
	Action      string
	PayloadHash common.Hash
	Nonce       uint64
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var orderTypes = apitypes.Types{
	"EIP712Domain": domainType,
	"Order": []apitypes.Type{
		{Name: "side", Type: "uint8"},
		{Name: "saleKind", Type: "uint8"},
		{Name: "maker", Type: "address"},
		{Name: "nft", Type: "Asset"},
		{Name: "price", Type: "uint128"},
		{Name: "endPrice", Type: "uint128"},
		{Name: "expiry", Type: "uint64"},
		{Name: "salt", Type: "uint64"},
	},
	"Asset": []apitypes.Type{
		{Name: "tokenId", Type: "uint256"},
		{Name: "collection", Type: "address"},
		{Name: "amount", Type: "uint96"},
	},
}

var requestTypes = apitypes.Types{
	"EIP712Domain": domainType,
	"Request": []apitypes.Type{
		{Name: "action", Type: "string"},
		{Name: "payloadHash", Type: "bytes32"},
		{Name: "nonce", Type: "uint64"},
	},
}

// EIP712Signer handles EIP-712 typed data hashing within one domain
type EIP712Signer struct {
	domain EIP712Domain
}

// NewEIP712Signer creates a new EIP-712 signer with given domain
func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the default EIP-712 domain of the order book
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "EasySwapOrderBook",
		Version:           "1",
		ChainID:           big.NewInt(1337), // Local dev chain
		VerifyingContract: common.Address{},
	}
}

// Domain returns the signer's domain.
func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

// orderHashDomain only satisfies apitypes validation; hashStruct never
// reads the domain.
var orderHashDomain = NewEIP712Signer(DefaultDomain()).typedDomain()

// HashOrderStruct returns hashStruct(order): the keccak256 of the type hash
// followed by every encoded field, nested Asset included. It does not depend
// on the domain, so the same order hashes identically on every deployment.
// Fails when a field does not fit its declared width or is negative.
func HashOrderStruct(order *OrderEIP712) (common.Hash, error) {
	typedData := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain:      orderHashDomain,
		Message: apitypes.TypedDataMessage{
			"side":     fmt.Sprintf("%d", order.Side),
			"saleKind": fmt.Sprintf("%d", order.SaleKind),
			"maker":    order.Maker.Hex(),
			"nft": map[string]interface{}{
				"tokenId":    bigString(order.TokenID),
				"collection": order.Collection.Hex(),
				"amount":     bigString(order.Amount),
			},
			"price":    bigString(order.Price),
			"endPrice": bigString(order.EndPrice),
			"expiry":   fmt.Sprintf("%d", order.Expiry),
			"salt":     fmt.Sprintf("%d", order.Salt),
		},
	}

	hash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// HashRequest hashes a request according to EIP-712 spec
// Returns the digest that should be signed
func (e *EIP712Signer) HashRequest(req *RequestEIP712) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       requestTypes,
		PrimaryType: "Request",
		Domain:      e.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"action":      req.Action,
			"payloadHash": req.PayloadHash.Hex(),
			"nonce":       fmt.Sprintf("%d", req.Nonce),
		},
	}
	return digest(typedData)
}

// SignRequest signs a request and returns the 65-byte signature
func (e *EIP712Signer) SignRequest(signer *Signer, req *RequestEIP712) ([]byte, error) {
	hash, err := e.HashRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to hash request: %w", err)
	}

	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	return signature, nil
}

// RecoverRequestSigner recovers the address that signed a request
func (e *EIP712Signer) RecoverRequestSigner(req *RequestEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashRequest(req)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash request: %w", err)
	}

	return RecoverAddress(hash, signature)
}

func (e *EIP712Signer) typedDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              e.domain.Name,
		Version:           e.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
		VerifyingContract: e.domain.VerifyingContract.Hex(),
	}
}

// digest computes keccak256("\x19\x01" || domainSeparator || hashStruct(message))
func digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

func bigString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}
