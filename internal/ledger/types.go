package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrCapacityExceeded is returned when a fixed-capacity slot holds only live,
	// distinct expirations and the new chunk has no merge target.
	ErrCapacityExceeded = errors.New("balance slot capacity exceeded")
	// ErrBalanceOverflow is returned when merging would exceed 2^256-1.
	ErrBalanceOverflow = errors.New("balance overflow")
	// ErrAlreadyExpired is returned when inserting a chunk whose expiration is not after now.
	ErrAlreadyExpired = errors.New("chunk already expired")
	// ErrLengthMismatch is returned by batch operations with unequal id and amount lists.
	ErrLengthMismatch = errors.New("ids and amounts length mismatch")
)

// InsufficientBalanceError reports a debit larger than the non-expired holdings.
type InsufficientBalanceError struct {
	Requested uint256.Int
	Available uint256.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: requested %s, available %s",
		e.Requested.Dec(), e.Available.Dec())
}

// Chunk is one amount/expiration pair of a slot. A zero amount marks a hole.
type Chunk struct {
	Amount    uint256.Int
	ExpiresAt uint64
}

// Live reports whether the chunk still counts toward a balance at now.
func (c *Chunk) Live(now uint64) bool {
	return !c.Amount.IsZero() && c.ExpiresAt > now
}

// SlotKey identifies the chunk sequence of one account for one token type.
type SlotKey struct {
	Account common.Address
	ID      uint256.Int
}

// NewSlotKey builds a SlotKey.
func NewSlotKey(account common.Address, id *uint256.Int) SlotKey {
	return SlotKey{Account: account, ID: *id}
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s/%s", k.Account.Hex(), k.ID.Dec())
}

// SlotWrite is one slot of a committed working set.
type SlotWrite struct {
	Key    SlotKey
	Chunks []Chunk
}

// SlotStore persists slots. WriteSlots must apply all writes or none.
type SlotStore interface {
	LoadSlot(key SlotKey) ([]Chunk, error)
	WriteSlots(writes []SlotWrite) error
}

// ExpiryPolicy turns a token type and mint time into an expiration.
type ExpiryPolicy interface {
	ExpirationFor(id *uint256.Int, now uint64) (uint64, error)
}

// cloneChunks returns a deep copy; Chunk holds only value types.
func cloneChunks(chunks []Chunk) []Chunk {
	if chunks == nil {
		return nil
	}
	out := make([]Chunk, len(chunks))
	copy(out, chunks)
	return out
}
