package store

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/ttl"
)

var holder = common.HexToAddress("0xabcdef0123456789abcdef0123456789abcdef01")

func TestDB_InMemorySlotRoundTrip(t *testing.T) {
	db, err := Open("", 0, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	key := ledger.NewSlotKey(holder, uint256.NewInt(5))
	got, err := db.LoadSlot(key)
	require.NoError(t, err)
	assert.Nil(t, got)

	chunks := []ledger.Chunk{
		{Amount: *uint256.NewInt(10), ExpiresAt: 100},
		{Amount: *new(uint256.Int).SetAllOne(), ExpiresAt: ttl.NeverExpires},
		{},
	}
	require.NoError(t, db.WriteSlots([]ledger.SlotWrite{{Key: key, Chunks: chunks}}))

	got, err = db.LoadSlot(key)
	require.NoError(t, err)
	assert.Equal(t, chunks, got)

	// Draining to an empty slot reads back as nil.
	require.NoError(t, db.WriteSlots([]ledger.SlotWrite{{Key: key, Chunks: nil}}))
	got, err = db.LoadSlot(key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDB_SlotKeysAreDistinct(t *testing.T) {
	a := SlotDBKey(ledger.NewSlotKey(holder, uint256.NewInt(1)))
	b := SlotDBKey(ledger.NewSlotKey(holder, uint256.NewInt(2)))
	c := SlotDBKey(ledger.NewSlotKey(common.Address{}, uint256.NewInt(1)))
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, len(slotPrefix)+32)
}

func TestDB_PersistentReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger_db")
	id := uint256.NewInt(7)
	const day = uint64(24 * 60 * 60)

	{
		db, err := Open(path, 0, zap.NewNop())
		require.NoError(t, err)

		reg := ttl.NewRegistry(db)
		require.NoError(t, reg.SetTTL(id, 7*day))
		l := ledger.NewElastic(ttl.NewPolicy(reg, 30), db)
		require.NoError(t, l.Mint(holder, id, uint256.NewInt(1000), 0))
		require.NoError(t, db.Close())
	}

	db, err := Open(path, 0, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	reg := ttl.NewRegistry(db)
	lifetime, err := reg.TTLOf(id)
	require.NoError(t, err)
	assert.Equal(t, 7*day, lifetime)
	require.ErrorIs(t, reg.SetTTL(id, day), ttl.ErrTTLAlreadySet)

	l := ledger.NewElastic(ttl.NewPolicy(reg, 30), db)
	bal, err := l.BalanceOf(holder, id, 7*day-1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal.Uint64())
	bal, err = l.BalanceOf(holder, id, 7*day)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestDB_TTLMissing(t *testing.T) {
	db, err := Open("", 0, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	_, ok, err := db.LoadTTL(uint256.NewInt(1))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.StoreTTL(uint256.NewInt(1), 0))
	lifetime, ok, err := db.LoadTTL(uint256.NewInt(1))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(0), lifetime)
}

func TestDB_Closed(t *testing.T) {
	db, err := Open("", 0, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	key := ledger.NewSlotKey(holder, uint256.NewInt(1))
	_, err = db.LoadSlot(key)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.WriteSlots([]ledger.SlotWrite{{Key: key}}), ErrClosed)
	_, _, err = db.LoadTTL(uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.StoreTTL(uint256.NewInt(1), 1), ErrClosed)
}
