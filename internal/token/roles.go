package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Role names a permission set.
type Role string

const (
	RoleDefaultAdmin  Role = "DEFAULT_ADMIN"
	RoleTokenManager  Role = "TOKEN_MANAGER"
	RoleAccessManager Role = "ACCESS_MANAGER"
	RoleMinter        Role = "MINTER"
	RoleBurner        Role = "BURNER"
	RoleTreasurer     Role = "TREASURER"
)

// OperationalRoles are the roles granted to the initial admin.
var OperationalRoles = []Role{RoleTokenManager, RoleAccessManager, RoleMinter, RoleBurner, RoleTreasurer}

var (
	ErrAdminRoleNotGrantable  = errors.New("default admin role can only move through a delayed transfer")
	ErrNoPendingAdminTransfer = errors.New("no pending admin transfer")
	ErrAdminTransferTooEarly  = errors.New("admin transfer delay has not passed")
	ErrUnknownRole            = errors.New("unknown role")
)

// RoleError reports an account lacking a required role.
type RoleError struct {
	Role    Role
	Account common.Address
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("account %s is missing role %s", e.Account.Hex(), e.Role)
}

type adminTransfer struct {
	newAdmin    common.Address
	acceptAfter uint64
}

// AccessControl tracks role membership. Exactly one account holds
// RoleDefaultAdmin; it changes hands only via Begin/AcceptAdminTransfer after
// the configured delay.
type AccessControl struct {
	mu      sync.RWMutex
	admin   common.Address
	delay   uint64
	pending *adminTransfer
	members map[Role]map[common.Address]bool
}

// NewAccessControl creates an AccessControl with admin holding every role.
func NewAccessControl(admin common.Address, delay uint64) *AccessControl {
	ac := &AccessControl{
		admin:   admin,
		delay:   delay,
		members: make(map[Role]map[common.Address]bool),
	}
	for _, role := range OperationalRoles {
		ac.members[role] = map[common.Address]bool{admin: true}
	}
	return ac
}

func validRole(role Role) bool {
	if role == RoleDefaultAdmin {
		return true
	}
	for _, r := range OperationalRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Admin returns the current default admin.
func (ac *AccessControl) Admin() common.Address {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.admin
}

// HasRole reports whether account holds role.
func (ac *AccessControl) HasRole(role Role, account common.Address) bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.hasRole(role, account)
}

func (ac *AccessControl) hasRole(role Role, account common.Address) bool {
	if role == RoleDefaultAdmin {
		return account == ac.admin && account != (common.Address{})
	}
	return ac.members[role][account]
}

// CheckRole returns a *RoleError when account lacks role.
func (ac *AccessControl) CheckRole(role Role, account common.Address) error {
	if !ac.HasRole(role, account) {
		return &RoleError{Role: role, Account: account}
	}
	return nil
}

// GrantRole gives role to account. Only the default admin may grant.
func (ac *AccessControl) GrantRole(caller common.Address, role Role, account common.Address) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if err := ac.checkAdmin(role, caller); err != nil {
		return err
	}
	if ac.members[role] == nil {
		ac.members[role] = make(map[common.Address]bool)
	}
	ac.members[role][account] = true
	return nil
}

// RevokeRole removes role from account. Only the default admin may revoke.
func (ac *AccessControl) RevokeRole(caller common.Address, role Role, account common.Address) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if err := ac.checkAdmin(role, caller); err != nil {
		return err
	}
	delete(ac.members[role], account)
	return nil
}

// RenounceRole drops one of the caller's own roles.
func (ac *AccessControl) RenounceRole(caller common.Address, role Role) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if role == RoleDefaultAdmin {
		return ErrAdminRoleNotGrantable
	}
	if !validRole(role) {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	delete(ac.members[role], caller)
	return nil
}

func (ac *AccessControl) checkAdmin(role Role, caller common.Address) error {
	if role == RoleDefaultAdmin {
		return ErrAdminRoleNotGrantable
	}
	if !validRole(role) {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	if !ac.hasRole(RoleDefaultAdmin, caller) {
		return &RoleError{Role: RoleDefaultAdmin, Account: caller}
	}
	return nil
}

// BeginAdminTransfer schedules newAdmin to become default admin once the delay has passed.
func (ac *AccessControl) BeginAdminTransfer(caller, newAdmin common.Address, now uint64) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if !ac.hasRole(RoleDefaultAdmin, caller) {
		return &RoleError{Role: RoleDefaultAdmin, Account: caller}
	}
	ac.pending = &adminTransfer{newAdmin: newAdmin, acceptAfter: now + ac.delay}
	return nil
}

// CancelAdminTransfer drops a scheduled admin transfer.
func (ac *AccessControl) CancelAdminTransfer(caller common.Address) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if !ac.hasRole(RoleDefaultAdmin, caller) {
		return &RoleError{Role: RoleDefaultAdmin, Account: caller}
	}
	ac.pending = nil
	return nil
}

// AcceptAdminTransfer completes a scheduled transfer. Only the pending admin may accept.
func (ac *AccessControl) AcceptAdminTransfer(caller common.Address, now uint64) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if ac.pending == nil {
		return ErrNoPendingAdminTransfer
	}
	if ac.pending.newAdmin != caller {
		return &RoleError{Role: RoleDefaultAdmin, Account: caller}
	}
	if now < ac.pending.acceptAfter {
		return fmt.Errorf("%w: accept after %d, now %d", ErrAdminTransferTooEarly, ac.pending.acceptAfter, now)
	}
	ac.admin = caller
	ac.pending = nil
	return nil
}

// PendingAdmin returns the scheduled admin and the earliest accept time.
func (ac *AccessControl) PendingAdmin() (common.Address, uint64, bool) {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	if ac.pending == nil {
		return common.Address{}, 0, false
	}
	return ac.pending.newAdmin, ac.pending.acceptAfter, true
}
