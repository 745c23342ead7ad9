package token

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

// TokenStore persists token type configurations across restarts.
type TokenStore interface {
	StoreToken(id *uint256.Int, cfg TokenConfig) error
	LoadTokens() (map[uint256.Int]TokenConfig, error)
}

var errStoreFailed = errors.New("failed to persist token")

// TokenConfig describes one token type.
type TokenConfig struct {
	// TTL is the lifetime in seconds of newly minted balances; 0 never expires.
	// It is fixed when the token is created.
	TTL uint64
	// Price is the native-currency price per unit; zero means not for sale.
	Price uint256.Int
	// ERC20Prices maps a payment token to its per-unit price.
	ERC20Prices  map[common.Address]uint256.Int
	Transferable bool
}

func (c *TokenConfig) clone() TokenConfig {
	out := *c
	out.ERC20Prices = make(map[common.Address]uint256.Int, len(c.ERC20Prices))
	for k, v := range c.ERC20Prices {
		out.ERC20Prices[k] = v
	}
	return out
}

// CreateToken registers a new token type under the next free id and records
// its lifetime in the TTL registry.
func (a *Auth) CreateToken(caller common.Address, cfg TokenConfig) (*uint256.Int, error) {
	if err := a.roles.CheckRole(RoleTokenManager, caller); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	// Skip ids whose lifetime was recorded by a create that failed to persist.
	for a.registry.IsSet(&a.nextID) {
		a.nextID.AddUint64(&a.nextID, 1)
	}
	id := new(uint256.Int).Set(&a.nextID)
	if err := a.registry.SetTTL(id, cfg.TTL); err != nil {
		return nil, fmt.Errorf("failed to configure token %s: %w", id.Dec(), err)
	}
	// The id is spent once its lifetime is recorded.
	a.nextID.AddUint64(&a.nextID, 1)

	stored := cfg.clone()
	if err := a.persist(id, &stored); err != nil {
		return nil, err
	}
	a.tokens[*id] = &stored

	a.logger.Info("Auth: token created",
		zap.String("id", id.Dec()),
		zap.Uint64("ttl", cfg.TTL),
		zap.String("price", cfg.Price.Dec()),
		zap.Bool("transferable", cfg.Transferable))
	return id, nil
}

// TokenExists reports whether id was created.
func (a *Auth) TokenExists(id *uint256.Int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.tokens[*id]
	return ok
}

// TokenConfig returns a copy of a token type's configuration.
func (a *Auth) TokenConfig(id *uint256.Int) (TokenConfig, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg, err := a.tokenLocked(id)
	if err != nil {
		return TokenConfig{}, err
	}
	return cfg.clone(), nil
}

// SetPrice updates the native-currency price of a token type.
func (a *Auth) SetPrice(caller common.Address, id, price *uint256.Int) error {
	return a.updateToken(caller, id, func(cfg *TokenConfig) {
		cfg.Price = *price
	})
}

// SetERC20Price updates the price of a token type in a payment token. A zero
// price removes the payment token.
func (a *Auth) SetERC20Price(caller common.Address, id *uint256.Int, paymentToken common.Address, price *uint256.Int) error {
	if paymentToken == (common.Address{}) {
		return ErrZeroAddress
	}
	return a.updateToken(caller, id, func(cfg *TokenConfig) {
		if price.IsZero() {
			delete(cfg.ERC20Prices, paymentToken)
			return
		}
		cfg.ERC20Prices[paymentToken] = *price
	})
}

// SetTransferable toggles whether holders may transfer a token type.
func (a *Auth) SetTransferable(caller common.Address, id *uint256.Int, transferable bool) error {
	return a.updateToken(caller, id, func(cfg *TokenConfig) {
		cfg.Transferable = transferable
	})
}

func (a *Auth) updateToken(caller common.Address, id *uint256.Int, update func(cfg *TokenConfig)) error {
	if err := a.roles.CheckRole(RoleTokenManager, caller); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg, err := a.tokenLocked(id)
	if err != nil {
		return err
	}
	updated := cfg.clone()
	update(&updated)
	if err := a.persist(id, &updated); err != nil {
		return err
	}
	a.tokens[*id] = &updated
	return nil
}

// persist must be called with mu held.
func (a *Auth) persist(id *uint256.Int, cfg *TokenConfig) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.StoreToken(id, *cfg); err != nil {
		return fmt.Errorf("%w %s: %w", errStoreFailed, id.Dec(), err)
	}
	return nil
}

// tokenLocked must be called with mu held.
func (a *Auth) tokenLocked(id *uint256.Int) (*TokenConfig, error) {
	cfg, ok := a.tokens[*id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, id.Dec())
	}
	return cfg, nil
}
