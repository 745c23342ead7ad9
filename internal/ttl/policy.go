package ttl

import (
	"math"
	"math/bits"

	"github.com/holiman/uint256"
)

const (
	// NeverExpires is the expiration sentinel for chunks of token types with a zero lifetime.
	NeverExpires uint64 = math.MaxUint64

	// DefaultCapacity is the default number of expiration buckets per lifetime.
	DefaultCapacity = 30
)

// Source supplies configured lifetimes. *Registry satisfies it.
type Source interface {
	TTLOf(id *uint256.Int) (uint64, error)
}

// Policy computes bucketed expirations. Rounding a chunk's expiry up to a
// multiple of ttl/capacity keeps the number of distinct live expirations for
// one (account, token) pair near capacity.
type Policy struct {
	source   Source
	capacity uint64
}

// NewPolicy creates a Policy. A capacity below 1 falls back to DefaultCapacity.
func NewPolicy(source Source, capacity int) *Policy {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Policy{
		source:   source,
		capacity: uint64(capacity),
	}
}

// Capacity returns the bucket count the policy rounds against.
func (p *Policy) Capacity() int {
	return int(p.capacity)
}

// ExpirationFor returns the expiration a chunk of token id minted at now receives.
func (p *Policy) ExpirationFor(id *uint256.Int, now uint64) (uint64, error) {
	ttl, err := p.source.TTLOf(id)
	if err != nil {
		return 0, err
	}
	return Expiration(now, ttl, p.capacity), nil
}

// BucketSize is max(1, ttl/capacity).
func BucketSize(ttl, capacity uint64) uint64 {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	size := ttl / capacity
	if size == 0 {
		return 1
	}
	return size
}

// Expiration rounds now+ttl up to the next bucket boundary. The result is
// never earlier than now+ttl; values that do not fit in 64 bits saturate to
// NeverExpires.
func Expiration(now, ttl, capacity uint64) uint64 {
	if ttl == 0 {
		return NeverExpires
	}
	end, carry := bits.Add64(now, ttl, 0)
	if carry != 0 {
		return NeverExpires
	}
	size := BucketSize(ttl, capacity)
	buckets := end / size
	if end%size != 0 {
		buckets++
	}
	hi, lo := bits.Mul64(buckets, size)
	if hi != 0 {
		return NeverExpires
	}
	return lo
}
