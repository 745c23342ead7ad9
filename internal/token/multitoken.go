package token

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/tokengate/tokengate/internal/ledger"
)

// Standard is the balance surface common to both front-ends.
type Standard interface {
	Name() string
	BalanceOf(account common.Address, id *uint256.Int) (*uint256.Int, error)
	Mint(caller, to common.Address, id, amount *uint256.Int) error
	Burn(caller, from common.Address, id, amount *uint256.Int) error
	TransferFrom(caller, from, to common.Address, id, amount *uint256.Int) error
	Prune(account common.Address, id *uint256.Int) error
}

var (
	_ Standard = (*MultiToken)(nil)
	_ Standard = (*AccountToken)(nil)
)

// MultiToken is the batch multi-token front-end: operators approved for all
// of an owner's tokens, and batch mint, burn and transfer that apply atomically.
type MultiToken struct {
	auth      *Auth
	operators map[common.Address]map[common.Address]bool // owner -> operator
}

func NewMultiToken(auth *Auth) *MultiToken {
	return &MultiToken{
		auth:      auth,
		operators: make(map[common.Address]map[common.Address]bool),
	}
}

func (m *MultiToken) Name() string { return "multi" }

// BalanceOf returns the non-expired balance of account in id.
func (m *MultiToken) BalanceOf(account common.Address, id *uint256.Int) (*uint256.Int, error) {
	return m.auth.ledger.BalanceOf(account, id, m.auth.clock())
}

// BalanceOfBatch returns BalanceOf(accounts[i], ids[i]) for every i.
func (m *MultiToken) BalanceOfBatch(accounts []common.Address, ids []*uint256.Int) ([]*uint256.Int, error) {
	if len(accounts) != len(ids) {
		return nil, ledger.ErrLengthMismatch
	}
	now := m.auth.clock()
	out := make([]*uint256.Int, len(ids))
	for i := range ids {
		b, err := m.auth.ledger.BalanceOf(accounts[i], ids[i], now)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// SetApprovalForAll lets operator move every token of caller.
func (m *MultiToken) SetApprovalForAll(caller, operator common.Address, approved bool) error {
	if caller == operator {
		return ErrSelfApproval
	}
	if operator == (common.Address{}) {
		return ErrZeroAddress
	}
	m.auth.mu.Lock()
	defer m.auth.mu.Unlock()
	if m.operators[caller] == nil {
		m.operators[caller] = make(map[common.Address]bool)
	}
	if approved {
		m.operators[caller][operator] = true
	} else {
		delete(m.operators[caller], operator)
	}
	return nil
}

// IsApprovedForAll reports whether operator may move owner's tokens.
func (m *MultiToken) IsApprovedForAll(owner, operator common.Address) bool {
	m.auth.mu.Lock()
	defer m.auth.mu.Unlock()
	return m.operators[owner][operator]
}

// SafeTransferFrom moves amount of id from from to to. The caller must be
// from or an approved operator.
func (m *MultiToken) SafeTransferFrom(caller, from, to common.Address, id, amount *uint256.Int) error {
	return m.SafeBatchTransferFrom(caller, from, to, []*uint256.Int{id}, []*uint256.Int{amount})
}

// TransferFrom is SafeTransferFrom under the Standard name.
func (m *MultiToken) TransferFrom(caller, from, to common.Address, id, amount *uint256.Int) error {
	return m.SafeTransferFrom(caller, from, to, id, amount)
}

// SafeBatchTransferFrom moves several token types at once; either every
// transfer applies or none does.
func (m *MultiToken) SafeBatchTransferFrom(caller, from, to common.Address, ids, amounts []*uint256.Int) error {
	if len(ids) != len(amounts) {
		return ledger.ErrLengthMismatch
	}
	m.auth.mu.Lock()
	defer m.auth.mu.Unlock()

	if caller != from && !m.operators[from][caller] {
		return ErrNotAuthorized
	}
	for _, id := range ids {
		if err := m.auth.checkTransfer(caller, from, to, id); err != nil {
			return err
		}
	}
	if err := m.auth.ledger.TransferBatch(from, to, ids, amounts, m.auth.clock()); err != nil {
		return err
	}
	m.auth.logger.Debug("MultiToken: transfer",
		zap.String("from", from.Hex()),
		zap.String("to", to.Hex()),
		zap.Int("types", len(ids)))
	return nil
}

// Mint credits amount of id to to. The caller needs RoleMinter.
func (m *MultiToken) Mint(caller, to common.Address, id, amount *uint256.Int) error {
	return m.MintBatch(caller, to, []*uint256.Int{id}, []*uint256.Int{amount})
}

// MintBatch credits several token types atomically.
func (m *MultiToken) MintBatch(caller, to common.Address, ids, amounts []*uint256.Int) error {
	if len(ids) != len(amounts) {
		return ledger.ErrLengthMismatch
	}
	m.auth.mu.Lock()
	defer m.auth.mu.Unlock()

	for i := range ids {
		if err := m.auth.checkMint(caller, to, ids[i], amounts[i]); err != nil {
			return fmt.Errorf("token %s: %w", ids[i].Dec(), err)
		}
	}
	return m.auth.ledger.MintBatch(to, ids, amounts, m.auth.clock())
}

// Burn debits amount of id from from. The caller needs RoleBurner.
func (m *MultiToken) Burn(caller, from common.Address, id, amount *uint256.Int) error {
	return m.BurnBatch(caller, from, []*uint256.Int{id}, []*uint256.Int{amount})
}

// BurnBatch debits several token types atomically.
func (m *MultiToken) BurnBatch(caller, from common.Address, ids, amounts []*uint256.Int) error {
	if len(ids) != len(amounts) {
		return ledger.ErrLengthMismatch
	}
	m.auth.mu.Lock()
	defer m.auth.mu.Unlock()

	for i := range ids {
		if err := m.auth.checkBurn(caller, from, ids[i], amounts[i]); err != nil {
			return fmt.Errorf("token %s: %w", ids[i].Dec(), err)
		}
	}
	return m.auth.ledger.DeductBatch(from, ids, amounts, m.auth.clock())
}

// Prune compacts the balance records of account in id.
func (m *MultiToken) Prune(account common.Address, id *uint256.Int) error {
	m.auth.mu.Lock()
	defer m.auth.mu.Unlock()
	return m.auth.prune(account, id)
}
