package ledger

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/internal/ttl"
)

const day = uint64(24 * 60 * 60)

var (
	alice = common.HexToAddress("0x1000000000000000000000000000000000000001")
	bob   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	carol = common.HexToAddress("0x3000000000000000000000000000000000000003")
	dave  = common.HexToAddress("0x4000000000000000000000000000000000000004")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// newTestLedgers returns one ledger per layout, sharing a registry in which
// token 1 lives 30 days, token 2 never expires and token 7 lives 7 days.
func newTestLedgers(t *testing.T, capacity int) map[string]*Ledger {
	t.Helper()
	reg := ttl.NewRegistry(nil)
	require.NoError(t, reg.SetTTL(u(1), 30*day))
	require.NoError(t, reg.SetTTL(u(2), 0))
	require.NoError(t, reg.SetTTL(u(7), 7*day))
	policy := ttl.NewPolicy(reg, capacity)
	return map[string]*Ledger{
		"fixed":   NewFixed(capacity, policy, nil),
		"elastic": NewElastic(policy, nil),
	}
}

func balance(t *testing.T, l *Ledger, account common.Address, id, now uint64) uint64 {
	t.Helper()
	b, err := l.BalanceOf(account, u(id), now)
	require.NoError(t, err)
	return b.Uint64()
}

// liveChunks returns the non-hole chunks of a slot in stored order.
func liveChunks(t *testing.T, l *Ledger, account common.Address, id uint64) []Chunk {
	t.Helper()
	chunks, err := l.Chunks(account, u(id))
	require.NoError(t, err)
	var out []Chunk
	for _, c := range chunks {
		if !c.Amount.IsZero() {
			out = append(out, c)
		}
	}
	return out
}

func TestLedger_FIFODeduction(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			// Inserted out of order on purpose: FIFO follows expiration, not insertion.
			require.NoError(t, l.Insert(alice, u(1), u(30), 300, 0))
			require.NoError(t, l.Insert(alice, u(1), u(10), 100, 0))
			require.NoError(t, l.Insert(alice, u(1), u(20), 200, 0))

			require.NoError(t, l.Deduct(alice, u(1), u(11), 0))

			chunks := liveChunks(t, l, alice, 1)
			require.Len(t, chunks, 2)
			assert.Equal(t, uint64(200), chunks[0].ExpiresAt)
			assert.Equal(t, uint64(19), chunks[0].Amount.Uint64())
			assert.Equal(t, uint64(300), chunks[1].ExpiresAt)
			assert.Equal(t, uint64(30), chunks[1].Amount.Uint64())
			assert.Equal(t, uint64(49), balance(t, l, alice, 1, 0))
		})
	}
}

func TestLedger_LazyExpiry(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Insert(alice, u(1), u(5), 1000, 0))

			assert.Equal(t, uint64(5), balance(t, l, alice, 1, 999))
			assert.Equal(t, uint64(0), balance(t, l, alice, 1, 1000))
			assert.Equal(t, uint64(0), balance(t, l, alice, 1, 5000))

			// Reading never prunes: the expired chunk is still stored.
			assert.Len(t, liveChunks(t, l, alice, 1), 1)
		})
	}
}

func TestLedger_SevenDayScenario(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Mint(alice, u(7), u(1000), 0))

			slack := ttl.BucketSize(7*day, 30)
			assert.Equal(t, uint64(1000), balance(t, l, alice, 7, 7*day-1))
			assert.Equal(t, uint64(0), balance(t, l, alice, 7, 7*day+slack))
		})
	}
}

func TestLedger_MintNeverUnderDelivers(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			now := uint64(1_700_000_123)
			require.NoError(t, l.Mint(alice, u(1), u(1), now))
			chunks := liveChunks(t, l, alice, 1)
			require.Len(t, chunks, 1)
			assert.GreaterOrEqual(t, chunks[0].ExpiresAt, now+30*day)
		})
	}
}

func TestLedger_TransferPreservesExpiry(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			mintedAt := uint64(1_700_000_000)
			require.NoError(t, l.Mint(alice, u(1), u(100), mintedAt))
			original := liveChunks(t, l, alice, 1)[0].ExpiresAt

			transferAt := mintedAt + 5*day
			require.NoError(t, l.Transfer(alice, bob, u(1), u(40), transferAt))

			received := liveChunks(t, l, bob, 1)
			require.Len(t, received, 1)
			assert.Equal(t, original, received[0].ExpiresAt)
			assert.NotEqual(t, ttl.Expiration(transferAt, 30*day, 30), received[0].ExpiresAt)
			assert.Equal(t, uint64(40), received[0].Amount.Uint64())
			assert.Equal(t, uint64(60), balance(t, l, alice, 1, transferAt))

			// Both halves expire together.
			assert.Equal(t, uint64(0), balance(t, l, alice, 1, original))
			assert.Equal(t, uint64(0), balance(t, l, bob, 1, original))
		})
	}
}

func TestLedger_TransferSpansChunks(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Insert(alice, u(1), u(10), 100, 0))
			require.NoError(t, l.Insert(alice, u(1), u(20), 200, 0))
			require.NoError(t, l.Insert(bob, u(1), u(1), 200, 0))

			require.NoError(t, l.Transfer(alice, bob, u(1), u(15), 50))

			got := liveChunks(t, l, bob, 1)
			require.Len(t, got, 2)
			assert.Equal(t, Chunk{Amount: *u(10), ExpiresAt: 100}, got[0])
			assert.Equal(t, Chunk{Amount: *u(6), ExpiresAt: 200}, got[1])

			left := liveChunks(t, l, alice, 1)
			require.Len(t, left, 1)
			assert.Equal(t, Chunk{Amount: *u(15), ExpiresAt: 200}, left[0])
		})
	}
}

func TestLedger_MergeSameBucket(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			// Bucket size is one day, so both mints land on the same boundary.
			require.NoError(t, l.Mint(alice, u(1), u(3), 10))
			require.NoError(t, l.Mint(alice, u(1), u(4), 20))

			chunks := liveChunks(t, l, alice, 1)
			require.Len(t, chunks, 1)
			assert.Equal(t, uint64(7), chunks[0].Amount.Uint64())
			assert.Equal(t, 31*day, chunks[0].ExpiresAt)
		})
	}
}

func TestLedger_NeverExpiringToken(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Mint(alice, u(2), u(9), 0))
			require.NoError(t, l.Mint(alice, u(2), u(1), 500*day))

			chunks := liveChunks(t, l, alice, 2)
			require.Len(t, chunks, 1)
			assert.Equal(t, ttl.NeverExpires, chunks[0].ExpiresAt)
			assert.Equal(t, uint64(10), balance(t, l, alice, 2, ttl.NeverExpires-1))
		})
	}
}

func TestLedger_UnconfiguredToken(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			err := l.Mint(alice, u(99), u(1), 0)
			require.ErrorIs(t, err, ttl.ErrTTLNotConfigured)
			assert.Equal(t, uint64(0), balance(t, l, alice, 99, 0))
		})
	}
}

func TestLedger_InsufficientBalanceIgnoresExpired(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Insert(alice, u(1), u(50), 100, 0))
			require.NoError(t, l.Insert(alice, u(1), u(5), 500, 0))

			err := l.Deduct(alice, u(1), u(6), 100)
			var insufficient *InsufficientBalanceError
			require.True(t, errors.As(err, &insufficient))
			assert.Equal(t, uint64(6), insufficient.Requested.Uint64())
			assert.Equal(t, uint64(5), insufficient.Available.Uint64())

			err = l.Transfer(alice, bob, u(1), u(6), 100)
			require.True(t, errors.As(err, &insufficient))
			assert.Equal(t, uint64(5), insufficient.Available.Uint64())

			// Failed debits leave the slot exactly as it was.
			assert.Len(t, liveChunks(t, l, alice, 1), 2)
			assert.Equal(t, uint64(55), balance(t, l, alice, 1, 0))
		})
	}
}

func TestLedger_TransferNoOps(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Insert(alice, u(1), u(10), 100, 0))
			require.NoError(t, l.Insert(alice, u(1), u(10), 200, 0))
			before, err := l.Chunks(alice, u(1))
			require.NoError(t, err)

			require.NoError(t, l.Transfer(alice, alice, u(1), u(15), 150))
			require.NoError(t, l.Transfer(alice, bob, u(1), u(0), 150))

			after, err := l.Chunks(alice, u(1))
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Equal(t, uint64(0), balance(t, l, bob, 1, 0))
		})
	}
}

func TestLedger_InsertRejectsExpired(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, l.Insert(alice, u(1), u(1), 100, 100), ErrAlreadyExpired)
			require.NoError(t, l.Insert(alice, u(1), u(0), 100, 100))
			assert.Empty(t, liveChunks(t, l, alice, 1))
		})
	}
}

func TestLedger_MergeOverflow(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			maxAmount := new(uint256.Int).SetAllOne()
			require.NoError(t, l.Insert(alice, u(1), maxAmount, 100, 0))
			require.ErrorIs(t, l.Insert(alice, u(1), u(1), 100, 0), ErrBalanceOverflow)
			assert.True(t, liveChunks(t, l, alice, 1)[0].Amount.Eq(maxAmount))
		})
	}
}

func TestLedger_Conservation(t *testing.T) {
	accounts := []common.Address{alice, bob, carol, dave}
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			var minted, burned uint64
			now := uint64(1_700_000_000)

			sum := func(at uint64) uint64 {
				var total uint64
				for _, a := range accounts {
					total += balance(t, l, a, 1, at)
				}
				return total
			}

			for step := 0; step < 300; step++ {
				now += uint64(rng.Intn(600))
				a := accounts[rng.Intn(len(accounts))]
				b := accounts[rng.Intn(len(accounts))]
				amount := uint64(rng.Intn(50) + 1)

				switch rng.Intn(3) {
				case 0:
					require.NoError(t, l.Mint(a, u(1), u(amount), now))
					minted += amount
				case 1:
					if err := l.Deduct(a, u(1), u(amount), now); err == nil {
						burned += amount
					} else {
						var insufficient *InsufficientBalanceError
						require.True(t, errors.As(err, &insufficient))
					}
				case 2:
					err := l.Transfer(a, b, u(1), u(amount), now)
					if err != nil {
						var insufficient *InsufficientBalanceError
						require.True(t, errors.As(err, &insufficient))
					}
				}
				require.Equal(t, minted-burned, sum(now), "step %d", step)
			}

			// Everything was minted with a 30 day lifetime, well inside 60 days.
			assert.Equal(t, uint64(0), sum(now+60*day))
		})
	}
}

func TestLedger_MintBatchIsAtomic(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			err := l.MintBatch(alice, []*uint256.Int{u(1), u(99)}, []*uint256.Int{u(5), u(5)}, 0)
			require.ErrorIs(t, err, ttl.ErrTTLNotConfigured)
			assert.Equal(t, uint64(0), balance(t, l, alice, 1, 0))

			require.NoError(t, l.MintBatch(alice, []*uint256.Int{u(1), u(2)}, []*uint256.Int{u(5), u(6)}, 0))
			assert.Equal(t, uint64(5), balance(t, l, alice, 1, 0))
			assert.Equal(t, uint64(6), balance(t, l, alice, 2, 0))

			require.ErrorIs(t, l.MintBatch(alice, []*uint256.Int{u(1)}, nil, 0), ErrLengthMismatch)
		})
	}
}

func TestLedger_TransferBatchIsAtomic(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Mint(alice, u(1), u(10), 0))
			require.NoError(t, l.Mint(alice, u(2), u(3), 0))

			err := l.TransferBatch(alice, bob, []*uint256.Int{u(1), u(2)}, []*uint256.Int{u(10), u(4)}, 0)
			var insufficient *InsufficientBalanceError
			require.True(t, errors.As(err, &insufficient))
			assert.Equal(t, uint64(10), balance(t, l, alice, 1, 0))
			assert.Equal(t, uint64(0), balance(t, l, bob, 1, 0))

			require.NoError(t, l.TransferBatch(alice, bob, []*uint256.Int{u(1), u(2)}, []*uint256.Int{u(10), u(3)}, 0))
			assert.Equal(t, uint64(10), balance(t, l, bob, 1, 0))
			assert.Equal(t, uint64(3), balance(t, l, bob, 2, 0))
		})
	}
}

func TestLedger_DeductBatch(t *testing.T) {
	for name, l := range newTestLedgers(t, 30) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Mint(alice, u(1), u(10), 0))
			require.NoError(t, l.Mint(alice, u(2), u(3), 0))

			err := l.DeductBatch(alice, []*uint256.Int{u(1), u(2)}, []*uint256.Int{u(4), u(9)}, 0)
			require.Error(t, err)
			assert.Equal(t, uint64(10), balance(t, l, alice, 1, 0))

			require.NoError(t, l.DeductBatch(alice, []*uint256.Int{u(1), u(2)}, []*uint256.Int{u(4), u(3)}, 0))
			assert.Equal(t, uint64(6), balance(t, l, alice, 1, 0))
			assert.Equal(t, uint64(0), balance(t, l, alice, 2, 0))
		})
	}
}

// countingStore records how many slots each commit writes.
type countingStore struct {
	*MemoryStore
	writes int
}

func (c *countingStore) WriteSlots(writes []SlotWrite) error {
	c.writes += len(writes)
	return c.MemoryStore.WriteSlots(writes)
}

func TestLedger_PruneUntouchedSlotWritesNothing(t *testing.T) {
	reg := ttl.NewRegistry(nil)
	require.NoError(t, reg.SetTTL(u(1), 30*day))
	policy := ttl.NewPolicy(reg, 30)

	for name, newLedger := range map[string]func(SlotStore) *Ledger{
		"fixed":   func(s SlotStore) *Ledger { return NewFixed(30, policy, s) },
		"elastic": func(s SlotStore) *Ledger { return NewElastic(policy, s) },
	} {
		t.Run(name, func(t *testing.T) {
			store := &countingStore{MemoryStore: NewMemoryStore()}
			l := newLedger(store)

			for i := 0; i < 100; i++ {
				acct := common.BigToAddress(uint256.NewInt(uint64(1000 + i%40)).ToBig())
				require.NoError(t, l.Prune(acct, u(1), 0))
			}
			assert.Zero(t, store.writes)
			assert.Empty(t, store.slots)

			// Deducting zero and transferring zero leave untouched slots absent too.
			require.NoError(t, l.Deduct(alice, u(1), u(0), 0))
			require.NoError(t, l.Transfer(alice, bob, u(1), u(0), 0))
			assert.Empty(t, store.slots)

			require.NoError(t, l.Mint(alice, u(1), u(10), 100))
			assert.Equal(t, 1, store.writes)

			// Nothing expired yet, so pruning is a no-op.
			require.NoError(t, l.Prune(alice, u(1), 200))
			assert.Equal(t, 1, store.writes)

			require.NoError(t, l.Prune(alice, u(1), 100+31*day))
			assert.Equal(t, 2, store.writes)
			assert.Len(t, store.slots, 1)
		})
	}
}

func TestLedger_ConservationWithExpiry(t *testing.T) {
	const capacity = 4
	reg := ttl.NewRegistry(nil)
	require.NoError(t, reg.SetTTL(u(9), 1800))
	policy := ttl.NewPolicy(reg, capacity)
	ledgers := map[string]*Ledger{
		"fixed":   NewFixed(capacity, policy, nil),
		"elastic": NewElastic(policy, nil),
	}
	accounts := []common.Address{alice, bob, carol, dave}

	for name, l := range ledgers {
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(7))
			var minted, burned, expired uint64
			now := uint64(1_700_000_000)

			sum := func(at uint64) uint64 {
				var total uint64
				for _, a := range accounts {
					total += balance(t, l, a, 9, at)
				}
				return total
			}
			// expiredBetween sums stored chunks whose expiry falls in (from, to].
			expiredBetween := func(from, to uint64) uint64 {
				var total uint64
				for _, a := range accounts {
					chunks, err := l.Chunks(a, u(9))
					require.NoError(t, err)
					for _, c := range chunks {
						if c.ExpiresAt > from && c.ExpiresAt <= to {
							total += c.Amount.Uint64()
						}
					}
				}
				return total
			}
			allowed := func(err error) bool {
				var insufficient *InsufficientBalanceError
				return errors.As(err, &insufficient) || errors.Is(err, ErrCapacityExceeded)
			}

			for step := 0; step < 400; step++ {
				prev := now
				now += uint64(rng.Intn(300))
				expired += expiredBetween(prev, now)
				require.Equal(t, minted-burned-expired, sum(now), "step %d before op", step)

				a := accounts[rng.Intn(len(accounts))]
				b := accounts[rng.Intn(len(accounts))]
				amount := uint64(rng.Intn(50) + 1)

				switch rng.Intn(4) {
				case 0, 1:
					if err := l.Mint(a, u(9), u(amount), now); err == nil {
						minted += amount
					} else {
						require.ErrorIs(t, err, ErrCapacityExceeded)
					}
				case 2:
					if err := l.Deduct(a, u(9), u(amount), now); err == nil {
						burned += amount
					} else {
						require.True(t, allowed(err), "step %d: %v", step, err)
					}
				case 3:
					if err := l.Transfer(a, b, u(9), u(amount), now); err != nil {
						require.True(t, allowed(err), "step %d: %v", step, err)
					}
				}
				require.Equal(t, minted-burned-expired, sum(now), "step %d after op", step)
			}

			assert.NotZero(t, expired)
			prev := now
			now += 2 * 1800
			expired += expiredBetween(prev, now)
			assert.Equal(t, uint64(0), sum(now))
			assert.Equal(t, minted-burned, expired)
		})
	}
}
