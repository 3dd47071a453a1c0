package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/nftswap/pkg/app/core/order"
	"github.com/uhyunpark/nftswap/pkg/storage"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Transfers is what the vault needs from the ledger. Every transfer is
// staged on the caller's write transaction.
type Transfers interface {
	TransferNative(w storage.Writer, from, to common.Address, amount *big.Int) error
	TransferNFT(w storage.Writer, from, to common.Address, asset order.Asset) error
}

// Ledger holds native balances (wei) and NFT holdings. It keeps no state of
// its own; callers pass the reader or transaction to act on.
type Ledger struct{}

func New() *Ledger { return &Ledger{} }

// Account is a read-only summary for queries.
type Account struct {
	Address common.Address
	Balance *big.Int
	Nonce   uint64
}

// Account loads an address's balance and nonce. Unknown addresses read as zero.
func (l *Ledger) Account(r storage.Reader, addr common.Address) (*Account, error) {
	bal, err := l.Balance(r, addr)
	if err != nil {
		return nil, err
	}
	nonce, err := l.Nonce(r, addr)
	if err != nil {
		return nil, err
	}
	return &Account{Address: addr, Balance: bal, Nonce: nonce}, nil
}

// Balance returns the native balance of addr.
func (l *Ledger) Balance(r storage.Reader, addr common.Address) (*big.Int, error) {
	return readAmount(r, storage.BalanceKey(addr))
}

// Holding returns how many units of (collection, tokenID) owner holds.
func (l *Ledger) Holding(r storage.Reader, collection common.Address, tokenID *big.Int, owner common.Address) (*big.Int, error) {
	return readAmount(r, storage.NFTKey(collection, tokenID, owner))
}

// Deposit credits native value to addr.
func (l *Ledger) Deposit(w storage.Writer, addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("deposit amount must be positive: %v", amount)
	}
	return addAmount(w, storage.BalanceKey(addr), amount)
}

// Mint creates units of an NFT for owner.
func (l *Ledger) Mint(w storage.Writer, owner common.Address, asset order.Asset) error {
	if asset.Amount == nil || asset.Amount.Sign() <= 0 {
		return fmt.Errorf("mint amount must be positive: %v", asset.Amount)
	}
	return addAmount(w, storage.NFTKey(asset.Collection, asset.TokenID, owner), asset.Amount)
}

// TransferNative moves amount wei from one address to another.
func (l *Ledger) TransferNative(w storage.Writer, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("negative transfer amount: %s", amount)
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	if err := subAmount(w, storage.BalanceKey(from), amount); err != nil {
		return fmt.Errorf("native transfer from %s: %w", from.Hex(), err)
	}
	return addAmount(w, storage.BalanceKey(to), amount)
}

// TransferNFT moves asset.Amount units of one token between owners.
func (l *Ledger) TransferNFT(w storage.Writer, from, to common.Address, asset order.Asset) error {
	if asset.Amount == nil || asset.Amount.Sign() <= 0 {
		return fmt.Errorf("nft transfer amount must be positive: %v", asset.Amount)
	}
	if from == to {
		return nil
	}
	if err := subAmount(w, storage.NFTKey(asset.Collection, asset.TokenID, from), asset.Amount); err != nil {
		return fmt.Errorf("nft transfer from %s: %w", from.Hex(), err)
	}
	return addAmount(w, storage.NFTKey(asset.Collection, asset.TokenID, to), asset.Amount)
}

// Nonce returns the last request nonce accepted from addr.
func (l *Ledger) Nonce(r storage.Reader, addr common.Address) (uint64, error) {
	return storage.GetUint64(r, storage.NonceKey(addr))
}

// UseNonce records nonce for addr. It must be greater than the last one.
func (l *Ledger) UseNonce(w storage.Writer, addr common.Address, nonce uint64) error {
	last, err := l.Nonce(w, addr)
	if err != nil {
		return err
	}
	if nonce <= last {
		return fmt.Errorf("%w: nonce %d not above %d", order.ErrValidation, nonce, last)
	}
	return storage.PutUint64(w, storage.NonceKey(addr), nonce)
}

func readAmount(r storage.Reader, key []byte) (*big.Int, error) {
	v := new(big.Int)
	if _, err := storage.GetJSON(r, key, v); err != nil {
		return nil, err
	}
	return v, nil
}

func addAmount(w storage.Writer, key []byte, amount *big.Int) error {
	cur, err := readAmount(w, key)
	if err != nil {
		return err
	}
	return storage.PutJSON(w, key, cur.Add(cur, amount))
}

func subAmount(w storage.Writer, key []byte, amount *big.Int) error {
	cur, err := readAmount(w, key)
	if err != nil {
		return err
	}
	if cur.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, cur, amount)
	}
	cur.Sub(cur, amount)
	if cur.Sign() == 0 {
		return w.Delete(key)
	}
	return storage.PutJSON(w, key, cur)
}

var _ Transfers = (*Ledger)(nil)
