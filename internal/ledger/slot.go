package ledger

import (
	"github.com/holiman/uint256"
)

// pruneChunks moves every live chunk to the front in its original order,
// zeroes the tail and lets the layout shrink the sequence.
func pruneChunks(chunks []Chunk, now uint64, layout Layout) []Chunk {
	live := 0
	for i := range chunks {
		if !chunks[i].Live(now) {
			continue
		}
		if i != live {
			chunks[live] = chunks[i]
		}
		live++
	}
	for i := live; i < len(chunks); i++ {
		chunks[i] = Chunk{}
	}
	return layout.Shrink(chunks, live)
}

// insertChunk adds amount at expiresAt to an already pruned slot, merging into
// a chunk with the same expiration or opening a position that keeps the
// sequence ascending.
func insertChunk(chunks []Chunk, amount *uint256.Int, expiresAt uint64, layout Layout) ([]Chunk, error) {
	live := 0
	pos := -1
	for i := range chunks {
		c := &chunks[i]
		if c.Amount.IsZero() {
			// Pruned slots keep holes only at the tail.
			break
		}
		if c.ExpiresAt == expiresAt {
			if _, overflow := c.Amount.AddOverflow(&c.Amount, amount); overflow {
				return nil, ErrBalanceOverflow
			}
			return chunks, nil
		}
		if pos < 0 && c.ExpiresAt > expiresAt {
			pos = i
		}
		live++
	}
	if pos < 0 {
		pos = live
	}

	if live == len(chunks) {
		grown, err := layout.Grow(chunks)
		if err != nil {
			return nil, err
		}
		chunks = grown
	}
	copy(chunks[pos+1:live+1], chunks[pos:live])
	chunks[pos] = Chunk{Amount: *amount, ExpiresAt: expiresAt}
	return chunks, nil
}

// availableBalance sums the live chunks at now.
func availableBalance(chunks []Chunk, now uint64) uint256.Int {
	var total uint256.Int
	for i := range chunks {
		if chunks[i].Live(now) {
			if _, overflow := total.AddOverflow(&total, &chunks[i].Amount); overflow {
				total.SetAllOne()
				return total
			}
		}
	}
	return total
}

// consumeChunks debits amount oldest-expiring first. visit, when non-nil, sees
// every consumed quantity with its chunk's expiration before the chunk is
// decremented; an error from visit aborts the scan. The caller discards the
// slice on error.
func consumeChunks(chunks []Chunk, amount *uint256.Int, now uint64, visit func(q *uint256.Int, expiresAt uint64) error) error {
	available := availableBalance(chunks, now)
	if available.Lt(amount) {
		return &InsufficientBalanceError{Requested: *amount, Available: available}
	}

	remaining := new(uint256.Int).Set(amount)
	for i := range chunks {
		if remaining.IsZero() {
			break
		}
		c := &chunks[i]
		if !c.Live(now) {
			continue
		}
		q := new(uint256.Int).Set(&c.Amount)
		if q.Gt(remaining) {
			q.Set(remaining)
		}
		if visit != nil {
			if err := visit(q, c.ExpiresAt); err != nil {
				return err
			}
		}
		c.Amount.Sub(&c.Amount, q)
		remaining.Sub(remaining, q)
	}
	return nil
}
