package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

var errBadRequest = errors.New("bad request")

type CreateTokenRequest struct {
	Caller       string `json:"caller"`
	TTL          uint64 `json:"ttl"`
	Price        string `json:"price,omitempty"`
	Transferable bool   `json:"transferable"`
	URI          string `json:"uri,omitempty"`
}

type MintRequest struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

type BurnRequest struct {
	Caller string `json:"caller"`
	From   string `json:"from"`
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

// TransferRequest moves tokens. From defaults to Caller.
type TransferRequest struct {
	Caller string `json:"caller"`
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

type PruneRequest struct {
	Account string `json:"account"`
	ID      string `json:"id"`
}

// PurchaseRequest buys tokens with native currency, or with PaymentToken when set.
type PurchaseRequest struct {
	Buyer        string `json:"buyer"`
	Recipient    string `json:"recipient,omitempty"`
	ID           string `json:"id"`
	Amount       string `json:"amount"`
	Paid         string `json:"paid,omitempty"`
	PaymentToken string `json:"payment_token,omitempty"`
}

type PauseRequest struct {
	Caller string `json:"caller"`
}

type FreezeRequest struct {
	Caller  string `json:"caller"`
	Account string `json:"account"`
}

type RoleRequest struct {
	Caller  string `json:"caller"`
	Role    string `json:"role"`
	Account string `json:"account"`
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid %s address %q", errBadRequest, field, s)
	}
	return common.HexToAddress(s), nil
}

// parseUint parses a decimal or 0x-prefixed hex quantity.
func parseUint(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: missing %s", errBadRequest, field)
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, err := hexutil.DecodeBig(s)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid %s %q: %v", errBadRequest, field, s, err)
		}
		v, overflow := uint256.FromBig(b)
		if overflow {
			return nil, fmt.Errorf("%w: %s exceeds 256 bits", errBadRequest, field)
		}
		return v, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s %q: %v", errBadRequest, field, s, err)
	}
	return v, nil
}

func parseOptionalUint(field, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	return parseUint(field, s)
}
