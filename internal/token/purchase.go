package token

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/tokengate/tokengate/internal/ledger"
)

var (
	ErrNotForSale           = errors.New("token is not for sale")
	ErrInsufficientPayment  = errors.New("insufficient payment")
	ErrInsufficientProceeds = errors.New("insufficient proceeds")
	ErrNoPaymentCollector   = errors.New("no payment collector configured")
	ErrPriceChanged         = errors.New("price changed during purchase")
)

// PaymentCollector moves ERC-20 payment tokens on behalf of the purchase flow.
type PaymentCollector interface {
	Collect(paymentToken, from, to common.Address, amount *uint256.Int) error
	Refund(paymentToken, from, to common.Address, amount *uint256.Int) error
}

// Purchase mints amount of id to recipient in exchange for paid native
// currency. It returns the change owed to the buyer.
func (a *Auth) Purchase(buyer, recipient common.Address, id, amount, paid *uint256.Int) (*uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg, err := a.checkPurchase(buyer, recipient, id, amount)
	if err != nil {
		return nil, err
	}
	cost, err := totalCost(&cfg.Price, amount)
	if err != nil {
		return nil, err
	}
	if paid.Lt(cost) {
		return nil, fmt.Errorf("%w: cost %s, paid %s", ErrInsufficientPayment, cost.Dec(), paid.Dec())
	}
	proceeds, overflow := new(uint256.Int).AddOverflow(&a.proceeds, cost)
	if overflow {
		return nil, ledger.ErrBalanceOverflow
	}
	if err := a.ledger.Mint(recipient, id, amount, a.clock()); err != nil {
		return nil, err
	}
	a.proceeds = *proceeds

	a.logger.Info("Auth: purchase",
		zap.String("buyer", buyer.Hex()),
		zap.String("recipient", recipient.Hex()),
		zap.String("id", id.Dec()),
		zap.String("amount", amount.Dec()),
		zap.String("cost", cost.Dec()))
	return new(uint256.Int).Sub(paid, cost), nil
}

// PurchaseWithERC20 mints amount of id to recipient after collecting the
// price in paymentToken from buyer into the treasury. The collector is called
// without holding mu. Guards are checked again before minting and the payment
// is refunded if they no longer pass or the mint fails.
func (a *Auth) PurchaseWithERC20(buyer, recipient, paymentToken common.Address, id, amount *uint256.Int) error {
	if a.payments == nil {
		return ErrNoPaymentCollector
	}

	a.mu.Lock()
	cost, err := a.erc20Cost(buyer, recipient, paymentToken, id, amount)
	payee := a.treasury
	a.mu.Unlock()
	if err != nil {
		return err
	}

	if err := a.payments.Collect(paymentToken, buyer, payee, cost); err != nil {
		return fmt.Errorf("failed to collect payment: %w", err)
	}

	a.mu.Lock()
	err = a.mintPurchased(buyer, recipient, paymentToken, id, amount, cost)
	a.mu.Unlock()
	if err != nil {
		if refundErr := a.payments.Refund(paymentToken, payee, buyer, cost); refundErr != nil {
			a.logger.Error("Auth: refund after failed purchase did not go through",
				zap.String("buyer", buyer.Hex()),
				zap.String("cost", cost.Dec()),
				zap.Error(refundErr))
		}
		return err
	}

	a.logger.Info("Auth: erc20 purchase",
		zap.String("buyer", buyer.Hex()),
		zap.String("payment_token", paymentToken.Hex()),
		zap.String("id", id.Dec()),
		zap.String("amount", amount.Dec()),
		zap.String("cost", cost.Dec()))
	return nil
}

// erc20Cost checks a purchase and prices it in paymentToken. Must be called
// with mu held.
func (a *Auth) erc20Cost(buyer, recipient, paymentToken common.Address, id, amount *uint256.Int) (*uint256.Int, error) {
	cfg, err := a.checkPurchase(buyer, recipient, id, amount)
	if err != nil {
		return nil, err
	}
	price, ok := cfg.ERC20Prices[paymentToken]
	if !ok || price.IsZero() {
		return nil, fmt.Errorf("%w: token %s in %s", ErrNotForSale, id.Dec(), paymentToken.Hex())
	}
	return totalCost(&price, amount)
}

// mintPurchased re-runs the purchase guards against the state after
// collection, then mints. Must be called with mu held.
func (a *Auth) mintPurchased(buyer, recipient, paymentToken common.Address, id, amount, paid *uint256.Int) error {
	cost, err := a.erc20Cost(buyer, recipient, paymentToken, id, amount)
	if err != nil {
		return err
	}
	if !cost.Eq(paid) {
		return fmt.Errorf("%w: collected %s, now costs %s", ErrPriceChanged, paid.Dec(), cost.Dec())
	}
	return a.ledger.Mint(recipient, id, amount, a.clock())
}

// Treasury returns the account receiving purchase proceeds.
func (a *Auth) Treasury() common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.treasury
}

// SetTreasury changes the proceeds account.
func (a *Auth) SetTreasury(caller, treasury common.Address) error {
	if err := a.roles.CheckRole(RoleTreasurer, caller); err != nil {
		return err
	}
	if treasury == (common.Address{}) {
		return ErrZeroAddress
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.treasury = treasury
	return nil
}

// Proceeds returns native-currency proceeds not yet withdrawn.
func (a *Auth) Proceeds() *uint256.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(uint256.Int).Set(&a.proceeds)
}

// Withdraw releases amount of the proceeds to the treasury.
func (a *Auth) Withdraw(caller common.Address, amount *uint256.Int) error {
	if err := a.roles.CheckRole(RoleTreasurer, caller); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.proceeds.Lt(amount) {
		return fmt.Errorf("%w: requested %s, held %s", ErrInsufficientProceeds, amount.Dec(), a.proceeds.Dec())
	}
	a.proceeds.Sub(&a.proceeds, amount)
	a.logger.Info("Auth: proceeds withdrawn",
		zap.String("treasury", a.treasury.Hex()),
		zap.String("amount", amount.Dec()))
	return nil
}

// checkPurchase must be called with mu held.
func (a *Auth) checkPurchase(buyer, recipient common.Address, id, amount *uint256.Int) (*TokenConfig, error) {
	if err := a.checkNotPaused(); err != nil {
		return nil, err
	}
	if err := a.checkAccounts(buyer, recipient); err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	cfg, err := a.tokenLocked(id)
	if err != nil {
		return nil, err
	}
	if cfg.Price.IsZero() && len(cfg.ERC20Prices) == 0 {
		return nil, fmt.Errorf("%w: token %s", ErrNotForSale, id.Dec())
	}
	return cfg, nil
}

func totalCost(price, amount *uint256.Int) (*uint256.Int, error) {
	if price.IsZero() {
		return nil, ErrNotForSale
	}
	cost, overflow := new(uint256.Int).MulOverflow(price, amount)
	if overflow {
		return nil, ledger.ErrBalanceOverflow
	}
	return cost, nil
}
