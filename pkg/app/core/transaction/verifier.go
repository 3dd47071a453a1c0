package transaction

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/nftswap/pkg/crypto"
)

// ErrInvalidSignature means the envelope's signature does not recover to
// its declared signer.
var ErrInvalidSignature = errors.New("invalid signature")

// Verifier handles transaction signature verification
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
}

// NewVerifier creates a new transaction verifier
func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain)}
}

// Domain returns the EIP-712 domain requests must be signed in.
func (v *Verifier) Domain() crypto.EIP712Domain {
	return v.eip712Signer.Domain()
}

// Verify checks the envelope's signature and returns the authenticated
// signer. Nonce freshness is checked by the caller against account state.
func (v *Verifier) Verify(tx *SignedTransaction) (common.Address, error) {
	if err := tx.Validate(); err != nil {
		return common.Address{}, err
	}

	signer, err := crypto.ParseAddress(tx.Signer)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: bad signer: %v", ErrInvalidSignature, err)
	}

	sigBytes, err := decodeSignature(tx.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	recovered, err := v.eip712Signer.RecoverRequestSigner(tx.Request(), sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if recovered != signer {
		return common.Address{}, fmt.Errorf("%w: recovered %s, declared %s", ErrInvalidSignature, recovered.Hex(), signer.Hex())
	}
	return signer, nil
}

// Sign builds a signed envelope for payload. Used by clients and tests.
func (v *Verifier) Sign(signer *crypto.Signer, typ TxType, payload any, nonce uint64) (*SignedTransaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	tx := &SignedTransaction{
		Type:    typ,
		Payload: raw,
		Nonce:   nonce,
		Signer:  signer.Address().Hex(),
	}
	sig, err := v.eip712Signer.SignRequest(signer, tx.Request())
	if err != nil {
		return nil, err
	}
	tx.Signature = "0x" + hex.EncodeToString(sig)
	return tx, nil
}

// decodeSignature decodes hex-encoded signature (with or without 0x prefix)
func decodeSignature(sig string) ([]byte, error) {
	sigBytes, err := decodeHex(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}

	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	return sigBytes, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}
