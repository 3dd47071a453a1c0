package storage

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// Key schema. All integers are fixed-width big-endian so that byte order
// equals numeric order.
//
//	ord/<orderKey 32>                                   -> order record (JSON)
//	idx/<collection 20><tokenId 32><side 1><kind 1><rank 16><seq 8> -> orderKey
//	esc/<orderKey 32>                                   -> escrow record (JSON)
//	bal/<address 20>                                    -> native balance (JSON big int)
//	nft/<collection 20><tokenId 32><owner 20>           -> units held (JSON big int)
//	nonce/<address 20>                                  -> last request nonce
//	evt/<seq 8>                                         -> event (JSON)
//	meta/seq/<name>                                     -> sequence counter
//	meta/cursor/<name>                                  -> relay cursor
const (
	prefixOrder   = "ord/"
	prefixIndex   = "idx/"
	prefixEscrow  = "esc/"
	prefixBalance = "bal/"
	prefixNFT     = "nft/"
	prefixNonce   = "nonce/"
	prefixEvent   = "evt/"
	prefixSeq     = "meta/seq/"
	prefixCursor  = "meta/cursor/"
)

func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Word256 encodes a non-negative integer as 32 bytes. Values wider than 256
// bits wrap, so callers range-check first.
func Word256(x *big.Int) []byte {
	if x == nil {
		return make([]byte, 32)
	}
	return math.U256Bytes(new(big.Int).Set(x))
}

func OrderRecordKey(k common.Hash) []byte {
	return join([]byte(prefixOrder), k.Bytes())
}

// OrderIndexPrefix covers one partition of the order index.
func OrderIndexPrefix(collection common.Address, tokenID *big.Int, side, kind uint8) []byte {
	return join([]byte(prefixIndex), collection.Bytes(), Word256(tokenID), []byte{side, kind})
}

// OrderIndexKey places an order inside its partition. rank is 16 bytes.
func OrderIndexKey(partition []byte, rank []byte, seq uint64) []byte {
	return join(partition, rank, U64(seq))
}

func EscrowKey(k common.Hash) []byte {
	return join([]byte(prefixEscrow), k.Bytes())
}

func BalanceKey(addr common.Address) []byte {
	return join([]byte(prefixBalance), addr.Bytes())
}

func NFTKey(collection common.Address, tokenID *big.Int, owner common.Address) []byte {
	return join([]byte(prefixNFT), collection.Bytes(), Word256(tokenID), owner.Bytes())
}

func NonceKey(addr common.Address) []byte {
	return join([]byte(prefixNonce), addr.Bytes())
}

func EventKey(seq uint64) []byte {
	return join([]byte(prefixEvent), U64(seq))
}

// EventPrefix covers the whole event log.
func EventPrefix() []byte { return []byte(prefixEvent) }

func SeqKey(name string) []byte {
	return []byte(prefixSeq + name)
}

func CursorKey(name string) []byte {
	return []byte(prefixCursor + name)
}

// KeyUpperBound returns the exclusive upper bound for a prefix scan
func KeyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		bound[i]++
		if bound[i] != 0 {
			return bound[:i+1]
		}
	}
	return nil // prefix is all 0xff: no upper bound
}
