package ttl

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = uint64(24 * 60 * 60)

// mapStore is a ConfigStore backed by a plain map, with an optional failure.
type mapStore struct {
	ttls    map[uint256.Int]uint64
	failErr error
}

func newMapStore() *mapStore {
	return &mapStore{ttls: make(map[uint256.Int]uint64)}
}

func (m *mapStore) LoadTTL(id *uint256.Int) (uint64, bool, error) {
	if m.failErr != nil {
		return 0, false, m.failErr
	}
	ttl, ok := m.ttls[*id]
	return ttl, ok, nil
}

func (m *mapStore) StoreTTL(id *uint256.Int, ttl uint64) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.ttls[*id] = ttl
	return nil
}

func TestRegistry_WriteOnce(t *testing.T) {
	r := NewRegistry(nil)
	id := uint256.NewInt(1)

	require.NoError(t, r.SetTTL(id, 10))
	err := r.SetTTL(id, 20)
	require.ErrorIs(t, err, ErrTTLAlreadySet)

	ttl, err := r.TTLOf(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), ttl)
}

func TestRegistry_Unset(t *testing.T) {
	r := NewRegistry(nil)
	id := uint256.NewInt(42)

	_, err := r.TTLOf(id)
	require.ErrorIs(t, err, ErrTTLNotConfigured)
	assert.False(t, r.IsSet(id))

	// Zero is a legitimate "never expires" configuration, not "unset".
	require.NoError(t, r.SetTTL(id, 0))
	assert.True(t, r.IsSet(id))
}

func TestRegistry_PersistsThroughStore(t *testing.T) {
	store := newMapStore()
	id := uint256.NewInt(7)

	require.NoError(t, NewRegistry(store).SetTTL(id, 7*day))

	// A fresh registry over the same store sees the lifetime and keeps it write-once.
	reopened := NewRegistry(store)
	ttl, err := reopened.TTLOf(id)
	require.NoError(t, err)
	assert.Equal(t, 7*day, ttl)
	require.ErrorIs(t, reopened.SetTTL(id, day), ErrTTLAlreadySet)
}

func TestRegistry_StoreFailure(t *testing.T) {
	store := newMapStore()
	store.failErr = errors.New("disk gone")
	r := NewRegistry(store)
	id := uint256.NewInt(3)

	err := r.SetTTL(id, day)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.failErr)
	assert.False(t, r.IsSet(id))
}

func TestBucketSize(t *testing.T) {
	assert.Equal(t, uint64(1), BucketSize(0, 30))
	assert.Equal(t, uint64(1), BucketSize(29, 30))
	assert.Equal(t, uint64(1), BucketSize(30, 30))
	assert.Equal(t, day, BucketSize(30*day, 30))
	assert.Equal(t, uint64(3), BucketSize(100, 0))
}

func TestExpiration_NeverExpires(t *testing.T) {
	assert.Equal(t, NeverExpires, Expiration(1_700_000_000, 0, 30))
}

func TestExpiration_RoundsUp(t *testing.T) {
	tests := []struct {
		name     string
		now      uint64
		ttl      uint64
		capacity uint64
		want     uint64
	}{
		{"aligned", 0, 30 * day, 30, 30 * day},
		{"one second past boundary", 1, 30 * day, 30, 31 * day},
		{"mid bucket", day / 2, 30 * day, 30, 31 * day},
		{"small ttl uses unit buckets", 5, 10, 30, 15},
		{"capacity one", 3, 10, 1, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Expiration(tt.now, tt.ttl, tt.capacity))
		})
	}
}

func TestExpiration_NeverUnderDelivers(t *testing.T) {
	ttl := 30 * day
	for now := uint64(1_700_000_000); now < 1_700_000_000+3*day; now += 7919 {
		exp := Expiration(now, ttl, 30)
		require.GreaterOrEqual(t, exp, now+ttl, "now=%d", now)
		require.Less(t, exp, now+ttl+BucketSize(ttl, 30), "now=%d", now)
		require.Zero(t, exp%BucketSize(ttl, 30))
	}
}

func TestExpiration_Saturates(t *testing.T) {
	assert.Equal(t, NeverExpires, Expiration(NeverExpires-5, 10, 30))
	// now+ttl fits, but rounding up to the bucket boundary does not.
	assert.Equal(t, NeverExpires, Expiration(NeverExpires-40, 30, 1))
}

func TestPolicy_ExpirationFor(t *testing.T) {
	r := NewRegistry(nil)
	p := NewPolicy(r, 30)
	id := uint256.NewInt(9)

	_, err := p.ExpirationFor(id, 100)
	require.ErrorIs(t, err, ErrTTLNotConfigured)

	require.NoError(t, r.SetTTL(id, 30*day))
	exp, err := p.ExpirationFor(id, 100)
	require.NoError(t, err)
	assert.Equal(t, 31*day, exp)

	assert.Equal(t, DefaultCapacity, NewPolicy(r, 0).Capacity())
}
