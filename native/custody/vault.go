package custody

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"vinchain/native/escrow"
	"vinchain/storage"
)

// ErrInsufficientBalance is returned when a pull or push would overdraw the
// source account.
var ErrInsufficientBalance = errors.New("custody: insufficient balance")

const prefixBalance = "custody/bal/"

func balanceKey(token string, addr [20]byte) []byte {
	return []byte(prefixBalance + token + "/" + hex.EncodeToString(addr[:]))
}

// Vault keeps per-account token balances and implements
// escrow.PaymentCustodian. Escrowed payments sit on the vault address between
// deposit and resolution.
type Vault struct {
	db    storage.Database
	vault [20]byte

	mu sync.Mutex
}

func NewVault(db storage.Database, vault [20]byte) *Vault {
	return &Vault{db: db, vault: vault}
}

// Balance returns the balance of addr in the given token.
func (v *Vault) Balance(token string, addr [20]byte) (*big.Int, error) {
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	return v.balance(normalized, addr)
}

func (v *Vault) balance(token string, addr [20]byte) (*big.Int, error) {
	raw, err := v.db.Get(balanceKey(token, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("custody: corrupt balance entry for %s", token)
	}
	return amount, nil
}

func (v *Vault) setBalance(token string, addr [20]byte, amount *big.Int) error {
	return v.db.Put(balanceKey(token, addr), []byte(amount.String()))
}

// Mint credits an account. Used for onboarding deposits and in tests.
func (v *Vault) Mint(token string, to [20]byte, amount *big.Int) error {
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("custody: mint amount must be positive")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	current, err := v.balance(normalized, to)
	if err != nil {
		return err
	}
	return v.setBalance(normalized, to, new(big.Int).Add(current, amount))
}

func (v *Vault) transfer(token string, from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("custody: negative transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBal, err := v.balance(token, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, token)
	}
	toBal, err := v.balance(token, to)
	if err != nil {
		return err
	}
	if err := v.setBalance(token, from, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return v.setBalance(token, to, new(big.Int).Add(toBal, amount))
}

// Pull implements escrow.PaymentCustodian: moves amount from the payer onto
// the vault address.
func (v *Vault) Pull(ctx context.Context, token string, from [20]byte, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.transfer(normalized, from, v.vault, amount)
}

// Push implements escrow.PaymentCustodian: moves amount from the vault to the
// recipient.
func (v *Vault) Push(ctx context.Context, token string, to [20]byte, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.transfer(normalized, v.vault, to, amount)
}
