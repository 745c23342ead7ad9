package store

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/tokengate/tokengate/internal/token"
)

var tokenPrefix = []byte("token:")

var _ token.TokenStore = (*DB)(nil)

type storedPrice struct {
	PaymentToken common.Address
	Price        *uint256.Int
}

// storedToken is the RLP form of token.TokenConfig.
type storedToken struct {
	TTL          uint64
	Price        *uint256.Int
	ERC20Prices  []storedPrice
	Transferable bool
}

func tokenDBKey(id *uint256.Int) []byte {
	b := id.Bytes32()
	return append(common.CopyBytes(tokenPrefix), b[:]...)
}

// StoreToken writes a token type's configuration, replacing any earlier one.
func (s *DB) StoreToken(id *uint256.Int, cfg token.TokenConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	rec := storedToken{
		TTL:          cfg.TTL,
		Price:        new(uint256.Int).Set(&cfg.Price),
		Transferable: cfg.Transferable,
	}
	for addr, price := range cfg.ERC20Prices {
		price := price
		rec.ERC20Prices = append(rec.ERC20Prices, storedPrice{PaymentToken: addr, Price: &price})
	}
	sort.Slice(rec.ERC20Prices, func(i, j int) bool {
		return bytes.Compare(rec.ERC20Prices[i].PaymentToken[:], rec.ERC20Prices[j].PaymentToken[:]) < 0
	})

	data, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return fmt.Errorf("failed to encode token %s: %w", id.Dec(), err)
	}
	return s.db.Put(tokenDBKey(id), data)
}

// LoadTokens reads every stored token type.
func (s *DB) LoadTokens() (map[uint256.Int]token.TokenConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	it := s.db.NewIterator(tokenPrefix, nil)
	defer it.Release()

	out := make(map[uint256.Int]token.TokenConfig)
	for it.Next() {
		var id uint256.Int
		id.SetBytes(it.Key()[len(tokenPrefix):])

		var rec storedToken
		if err := rlp.DecodeBytes(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("corrupt token record %s: %w", id.Dec(), err)
		}
		cfg := token.TokenConfig{
			TTL:          rec.TTL,
			Transferable: rec.Transferable,
			ERC20Prices:  make(map[common.Address]uint256.Int, len(rec.ERC20Prices)),
		}
		if rec.Price != nil {
			cfg.Price = *rec.Price
		}
		for _, p := range rec.ERC20Prices {
			if p.Price != nil {
				cfg.ERC20Prices[p.PaymentToken] = *p.Price
			}
		}
		out[id] = cfg
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan tokens: %w", err)
	}
	return out, nil
}
