package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// ParseAddress parses a user-supplied hex address. All-lowercase and
// all-uppercase inputs are accepted as-is; mixed case must carry a valid
// EIP-55 checksum so that typos are caught before funds move.
func ParseAddress(s string) (common.Address, error) {
	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(body) != 40 {
		return common.Address{}, fmt.Errorf("invalid address %q: want 40 hex chars", s)
	}
	raw, err := hex.DecodeString(body)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if want := EIP55(raw); want[2:] != body {
			return common.Address{}, fmt.Errorf("invalid address %q: bad checksum, want %s", s, want)
		}
	}
	return common.BytesToAddress(raw), nil
}

// EIP55 computes the checksummed hex address string from 20-byte raw address.
func EIP55(addr20 []byte) string {
	hexaddr := hex.EncodeToString(addr20)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hexaddr))
	hash := h.Sum(nil)

	out := make([]byte, 2+len(hexaddr))
	copy(out, "0x")
	for i, c := range []byte(hexaddr) {
		// each hex char maps to one nibble of the hash; uppercase when >= 8
		nibble := hash[i>>1] & 0x0f
		if i%2 == 0 {
			nibble = hash[i>>1] >> 4
		}
		if c >= 'a' && nibble >= 8 {
			c -= 'a' - 'A'
		}
		out[2+i] = c
	}
	return string(out)
}
