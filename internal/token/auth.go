// Package token layers token-standard semantics and administrative guards
// (roles, pause, account freezing, purchase, metadata) around the expiring
// balance ledger.
package token

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/ttl"
)

var (
	ErrPaused          = errors.New("token operations are paused")
	ErrNotPaused       = errors.New("token operations are not paused")
	ErrAccountFrozen   = errors.New("account is frozen")
	ErrZeroAddress     = errors.New("zero address")
	ErrZeroAmount      = errors.New("zero amount")
	ErrUnknownToken    = errors.New("unknown token")
	ErrNonTransferable = errors.New("token is not transferable")
	ErrNotAuthorized   = errors.New("caller is not owner, operator or approved")
	ErrSelfApproval    = errors.New("cannot approve self")
)

// Clock returns the current time in seconds.
type Clock func() uint64

// SystemClock reads the wall clock.
func SystemClock() uint64 {
	return uint64(time.Now().Unix())
}

// Options configures an Auth.
type Options struct {
	Admin              common.Address
	AdminTransferDelay uint64
	Treasury           common.Address
	Clock              Clock
	Logger             *zap.Logger
	Payments           PaymentCollector
	Tokens             TokenStore // optional
}

// Auth is the state shared by both token front-ends. All of its mutable state
// is guarded by mu, which the front-ends also hold while calling the ledger so
// that a guard check and the ledger write it protects happen as one step.
type Auth struct {
	mu       sync.Mutex
	ledger   ledger.BalanceLedger
	registry *ttl.Registry
	roles    *AccessControl
	clock    Clock
	logger   *zap.Logger
	payments PaymentCollector
	store    TokenStore

	paused     bool
	frozen     map[common.Address]bool
	frozenList []common.Address

	tokens map[uint256.Int]*TokenConfig
	nextID uint256.Int

	treasury common.Address
	proceeds uint256.Int

	baseURI   string
	tokenURIs map[uint256.Int]string
}

// NewAuth creates the shared token state on top of a ledger and registry.
func NewAuth(l ledger.BalanceLedger, registry *ttl.Registry, opts Options) (*Auth, error) {
	if opts.Admin == (common.Address{}) {
		return nil, fmt.Errorf("admin: %w", ErrZeroAddress)
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Treasury == (common.Address{}) {
		opts.Treasury = opts.Admin
	}

	a := &Auth{
		ledger:    l,
		registry:  registry,
		roles:     NewAccessControl(opts.Admin, opts.AdminTransferDelay),
		clock:     opts.Clock,
		logger:    opts.Logger,
		payments:  opts.Payments,
		store:     opts.Tokens,
		frozen:    make(map[common.Address]bool),
		tokens:    make(map[uint256.Int]*TokenConfig),
		treasury:  opts.Treasury,
		tokenURIs: make(map[uint256.Int]string),
	}
	a.nextID.SetUint64(1)

	if a.store != nil {
		stored, err := a.store.LoadTokens()
		if err != nil {
			return nil, fmt.Errorf("failed to load tokens: %w", err)
		}
		for id, cfg := range stored {
			id, cfg := id, cfg
			a.tokens[id] = &cfg
			if !id.Lt(&a.nextID) {
				a.nextID.AddUint64(&id, 1)
			}
		}
		a.logger.Info("Auth: tokens restored", zap.Int("count", len(stored)), zap.String("next_id", a.nextID.Dec()))
	}
	return a, nil
}

// Roles exposes role administration.
func (a *Auth) Roles() *AccessControl {
	return a.roles
}

// Now returns the clock reading used for ledger calls.
func (a *Auth) Now() uint64 {
	return a.clock()
}

// Pause blocks every balance mutation until Unpause.
func (a *Auth) Pause(caller common.Address) error {
	if err := a.roles.CheckRole(RoleAccessManager, caller); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused {
		return ErrPaused
	}
	a.paused = true
	a.logger.Info("Auth: paused", zap.String("by", caller.Hex()))
	return nil
}

// Unpause lifts a pause.
func (a *Auth) Unpause(caller common.Address) error {
	if err := a.roles.CheckRole(RoleAccessManager, caller); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.paused {
		return ErrNotPaused
	}
	a.paused = false
	a.logger.Info("Auth: unpaused", zap.String("by", caller.Hex()))
	return nil
}

// Paused reports whether mutations are blocked.
func (a *Auth) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// Freeze blocks every mutation touching account.
func (a *Auth) Freeze(caller, account common.Address) error {
	if err := a.roles.CheckRole(RoleAccessManager, caller); err != nil {
		return err
	}
	if account == (common.Address{}) {
		return ErrZeroAddress
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen[account] {
		return nil
	}
	a.frozen[account] = true
	a.frozenList = append(a.frozenList, account)
	a.logger.Info("Auth: account frozen", zap.String("account", account.Hex()), zap.String("by", caller.Hex()))
	return nil
}

// Unfreeze lifts a freeze.
func (a *Auth) Unfreeze(caller, account common.Address) error {
	if err := a.roles.CheckRole(RoleAccessManager, caller); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.frozen[account] {
		return nil
	}
	delete(a.frozen, account)
	for i, f := range a.frozenList {
		if f == account {
			a.frozenList = append(a.frozenList[:i], a.frozenList[i+1:]...)
			break
		}
	}
	a.logger.Info("Auth: account unfrozen", zap.String("account", account.Hex()), zap.String("by", caller.Hex()))
	return nil
}

// IsFrozen reports whether account is frozen.
func (a *Auth) IsFrozen(account common.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frozen[account]
}

// FrozenAccounts lists frozen accounts in freeze order.
func (a *Auth) FrozenAccounts() []common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]common.Address, len(a.frozenList))
	copy(out, a.frozenList)
	return out
}

// SetBaseURI sets the URI prefix for tokens without an explicit URI.
func (a *Auth) SetBaseURI(caller common.Address, uri string) error {
	if err := a.roles.CheckRole(RoleTokenManager, caller); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baseURI = uri
	return nil
}

// SetTokenURI sets the metadata URI of one token type.
func (a *Auth) SetTokenURI(caller common.Address, id *uint256.Int, uri string) error {
	if err := a.roles.CheckRole(RoleTokenManager, caller); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.tokenLocked(id); err != nil {
		return err
	}
	a.tokenURIs[*id] = uri
	return nil
}

// URI returns the token's own URI, or the base URI followed by the decimal id.
func (a *Auth) URI(id *uint256.Int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uri, ok := a.tokenURIs[*id]; ok {
		return uri
	}
	if a.baseURI == "" {
		return ""
	}
	return a.baseURI + id.Dec()
}

// Tokens lists created token ids in ascending order.
func (a *Auth) Tokens() []*uint256.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]*uint256.Int, 0, len(a.tokens))
	for id := range a.tokens {
		id := id
		ids = append(ids, &id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Lt(ids[j]) })
	return ids
}

// checkNotPaused must be called with mu held.
func (a *Auth) checkNotPaused() error {
	if a.paused {
		return ErrPaused
	}
	return nil
}

// checkAccounts rejects zero or frozen accounts. Must be called with mu held.
func (a *Auth) checkAccounts(accounts ...common.Address) error {
	for _, acc := range accounts {
		if acc == (common.Address{}) {
			return ErrZeroAddress
		}
		if a.frozen[acc] {
			return fmt.Errorf("%w: %s", ErrAccountFrozen, acc.Hex())
		}
	}
	return nil
}

// checkMint validates a mint of amount of id to to. Must be called with mu held.
func (a *Auth) checkMint(caller, to common.Address, id, amount *uint256.Int) error {
	if err := a.roles.CheckRole(RoleMinter, caller); err != nil {
		return err
	}
	if err := a.checkNotPaused(); err != nil {
		return err
	}
	if err := a.checkAccounts(to); err != nil {
		return err
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	_, err := a.tokenLocked(id)
	return err
}

// checkBurn validates a burn. Must be called with mu held.
func (a *Auth) checkBurn(caller, from common.Address, id, amount *uint256.Int) error {
	if err := a.roles.CheckRole(RoleBurner, caller); err != nil {
		return err
	}
	if err := a.checkNotPaused(); err != nil {
		return err
	}
	if err := a.checkAccounts(from); err != nil {
		return err
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	_, err := a.tokenLocked(id)
	return err
}

// checkTransfer validates a transfer of id. Zero amounts pass and are no-ops
// in the ledger. Must be called with mu held.
func (a *Auth) checkTransfer(caller, from, to common.Address, id *uint256.Int) error {
	if err := a.checkNotPaused(); err != nil {
		return err
	}
	if err := a.checkAccounts(from, to); err != nil {
		return err
	}
	if caller != from && a.frozen[caller] {
		return fmt.Errorf("%w: %s", ErrAccountFrozen, caller.Hex())
	}
	cfg, err := a.tokenLocked(id)
	if err != nil {
		return err
	}
	if !cfg.Transferable {
		return fmt.Errorf("%w: token %s", ErrNonTransferable, id.Dec())
	}
	return nil
}

// prune compacts a slot. It is allowed while paused since it never changes a balance.
func (a *Auth) prune(account common.Address, id *uint256.Int) error {
	if _, err := a.tokenLocked(id); err != nil {
		return err
	}
	return a.ledger.Prune(account, id, a.clock())
}
