package token

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
	id      uint256.Int
}

// AccountToken is the single-asset-per-call front-end: per-token allowances
// plus operators that may move any token of an owner.
type AccountToken struct {
	auth       *Auth
	operators  map[common.Address]map[common.Address]bool // owner -> spender
	allowances map[allowanceKey]uint256.Int
}

func NewAccountToken(auth *Auth) *AccountToken {
	return &AccountToken{
		auth:       auth,
		operators:  make(map[common.Address]map[common.Address]bool),
		allowances: make(map[allowanceKey]uint256.Int),
	}
}

func (t *AccountToken) Name() string { return "accounts" }

// BalanceOf returns the non-expired balance of account in id.
func (t *AccountToken) BalanceOf(account common.Address, id *uint256.Int) (*uint256.Int, error) {
	return t.auth.ledger.BalanceOf(account, id, t.auth.clock())
}

// Approve sets the amount of id spender may move out of caller's balance.
// The maximum value is an unlimited allowance.
func (t *AccountToken) Approve(caller, spender common.Address, id, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	t.auth.mu.Lock()
	defer t.auth.mu.Unlock()
	key := allowanceKey{owner: caller, spender: spender, id: *id}
	if amount.IsZero() {
		delete(t.allowances, key)
		return nil
	}
	t.allowances[key] = *amount
	return nil
}

// Allowance returns what spender may still move of owner's id balance.
func (t *AccountToken) Allowance(owner, spender common.Address, id *uint256.Int) *uint256.Int {
	t.auth.mu.Lock()
	defer t.auth.mu.Unlock()
	a := t.allowances[allowanceKey{owner: owner, spender: spender, id: *id}]
	return &a
}

// SetOperator lets spender move every token of caller without an allowance.
func (t *AccountToken) SetOperator(caller, spender common.Address, approved bool) error {
	if caller == spender {
		return ErrSelfApproval
	}
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	t.auth.mu.Lock()
	defer t.auth.mu.Unlock()
	if t.operators[caller] == nil {
		t.operators[caller] = make(map[common.Address]bool)
	}
	if approved {
		t.operators[caller][spender] = true
	} else {
		delete(t.operators[caller], spender)
	}
	return nil
}

// IsOperator reports whether spender is an operator of owner.
func (t *AccountToken) IsOperator(owner, spender common.Address) bool {
	t.auth.mu.Lock()
	defer t.auth.mu.Unlock()
	return t.operators[owner][spender]
}

// Transfer moves amount of id from caller to receiver.
func (t *AccountToken) Transfer(caller, receiver common.Address, id, amount *uint256.Int) error {
	return t.TransferFrom(caller, caller, receiver, id, amount)
}

// TransferFrom moves amount of id from sender to receiver. A caller other
// than sender must be an operator or hold enough allowance, which is spent
// only once the ledger transfer succeeds.
func (t *AccountToken) TransferFrom(caller, sender, receiver common.Address, id, amount *uint256.Int) error {
	t.auth.mu.Lock()
	defer t.auth.mu.Unlock()

	if err := t.auth.checkTransfer(caller, sender, receiver, id); err != nil {
		return err
	}

	key := allowanceKey{owner: sender, spender: caller, id: *id}
	spendAllowance := caller != sender && !t.operators[sender][caller]
	var remaining uint256.Int
	if spendAllowance {
		allowed := t.allowances[key]
		if allowed.Lt(amount) {
			return fmt.Errorf("%w: allowance %s, requested %s", ErrNotAuthorized, allowed.Dec(), amount.Dec())
		}
		remaining.Sub(&allowed, amount)
		if isUnlimited(&allowed) {
			spendAllowance = false
		}
	}

	if err := t.auth.ledger.Transfer(sender, receiver, id, amount, t.auth.clock()); err != nil {
		return err
	}
	if spendAllowance {
		if remaining.IsZero() {
			delete(t.allowances, key)
		} else {
			t.allowances[key] = remaining
		}
	}
	return nil
}

// Mint credits amount of id to to. The caller needs RoleMinter.
func (t *AccountToken) Mint(caller, to common.Address, id, amount *uint256.Int) error {
	t.auth.mu.Lock()
	defer t.auth.mu.Unlock()
	if err := t.auth.checkMint(caller, to, id, amount); err != nil {
		return err
	}
	return t.auth.ledger.Mint(to, id, amount, t.auth.clock())
}

// Burn debits amount of id from from. The caller needs RoleBurner.
func (t *AccountToken) Burn(caller, from common.Address, id, amount *uint256.Int) error {
	t.auth.mu.Lock()
	defer t.auth.mu.Unlock()
	if err := t.auth.checkBurn(caller, from, id, amount); err != nil {
		return err
	}
	return t.auth.ledger.Deduct(from, id, amount, t.auth.clock())
}

// Prune compacts the balance records of account in id.
func (t *AccountToken) Prune(account common.Address, id *uint256.Int) error {
	t.auth.mu.Lock()
	defer t.auth.mu.Unlock()
	return t.auth.prune(account, id)
}

func isUnlimited(v *uint256.Int) bool {
	return v[0] == ^uint64(0) && v[1] == ^uint64(0) && v[2] == ^uint64(0) && v[3] == ^uint64(0)
}
