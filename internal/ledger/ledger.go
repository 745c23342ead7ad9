// Package ledger implements expiring token balances. Each (account, token)
// balance is a slot of amount/expiration chunks kept in ascending expiration
// order; debits consume the oldest-expiring chunk first and transfers carry a
// chunk's expiration to the receiver.
package ledger

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceLedger is the contract shared by the fixed and elastic ledgers.
// Every mutation either applies completely or leaves all slots untouched.
type BalanceLedger interface {
	BalanceOf(account common.Address, id *uint256.Int, now uint64) (*uint256.Int, error)
	Chunks(account common.Address, id *uint256.Int) ([]Chunk, error)
	Insert(account common.Address, id, amount *uint256.Int, expiresAt, now uint64) error
	Mint(account common.Address, id, amount *uint256.Int, now uint64) error
	Deduct(account common.Address, id, amount *uint256.Int, now uint64) error
	Transfer(from, to common.Address, id, amount *uint256.Int, now uint64) error
	Prune(account common.Address, id *uint256.Int, now uint64) error
	MintBatch(account common.Address, ids, amounts []*uint256.Int, now uint64) error
	DeductBatch(account common.Address, ids, amounts []*uint256.Int, now uint64) error
	TransferBatch(from, to common.Address, ids, amounts []*uint256.Int, now uint64) error
}

// Ledger is the BalanceLedger implementation. Its Layout decides whether slots
// have a hard capacity (FixedLayout) or grow and shrink (ElasticLayout).
type Ledger struct {
	mu     sync.Mutex
	layout Layout
	policy ExpiryPolicy
	store  SlotStore
}

var _ BalanceLedger = (*Ledger)(nil)

// New creates a ledger with an explicit layout. A nil store keeps slots in memory.
func New(layout Layout, policy ExpiryPolicy, store SlotStore) *Ledger {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Ledger{
		layout: layout,
		policy: policy,
		store:  store,
	}
}

// NewFixed creates a ledger whose slots hold at most capacity chunks.
func NewFixed(capacity int, policy ExpiryPolicy, store SlotStore) *Ledger {
	return New(FixedLayout{Capacity: capacity}, policy, store)
}

// NewElastic creates a ledger whose slots grow on demand.
func NewElastic(policy ExpiryPolicy, store SlotStore) *Ledger {
	return New(ElasticLayout{ShrinkThreshold: DefaultShrinkThreshold}, policy, store)
}

// Layout returns the slot layout in use.
func (l *Ledger) Layout() Layout {
	return l.layout
}

// BalanceOf sums the chunks of (account, id) that expire after now. It never
// prunes or otherwise mutates the slot.
func (l *Ledger) BalanceOf(account common.Address, id *uint256.Int, now uint64) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chunks, err := l.store.LoadSlot(NewSlotKey(account, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load slot: %w", err)
	}
	total := availableBalance(chunks, now)
	return &total, nil
}

// Chunks returns the raw stored chunks of (account, id), holes and expired entries included.
func (l *Ledger) Chunks(account common.Address, id *uint256.Int) ([]Chunk, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chunks, err := l.store.LoadSlot(NewSlotKey(account, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load slot: %w", err)
	}
	return cloneChunks(chunks), nil
}

// Insert credits amount to (account, id) with the given expiration.
func (l *Ledger) Insert(account common.Address, id, amount *uint256.Int, expiresAt, now uint64) error {
	return l.apply(func(ws *workingSet) error {
		return ws.insert(NewSlotKey(account, id), amount, expiresAt, now)
	})
}

// Mint credits amount to (account, id) with a fresh bucketed expiration.
func (l *Ledger) Mint(account common.Address, id, amount *uint256.Int, now uint64) error {
	return l.apply(func(ws *workingSet) error {
		return ws.mint(NewSlotKey(account, id), amount, now)
	})
}

// MintBatch mints several token types to one account in a single step.
func (l *Ledger) MintBatch(account common.Address, ids, amounts []*uint256.Int, now uint64) error {
	if len(ids) != len(amounts) {
		return ErrLengthMismatch
	}
	return l.apply(func(ws *workingSet) error {
		for i := range ids {
			if err := ws.mint(NewSlotKey(account, ids[i]), amounts[i], now); err != nil {
				return fmt.Errorf("token %s: %w", ids[i].Dec(), err)
			}
		}
		return nil
	})
}

// Deduct debits amount from (account, id), oldest-expiring chunk first.
func (l *Ledger) Deduct(account common.Address, id, amount *uint256.Int, now uint64) error {
	return l.apply(func(ws *workingSet) error {
		return ws.deduct(NewSlotKey(account, id), amount, now)
	})
}

// DeductBatch debits several token types from one account in a single step.
func (l *Ledger) DeductBatch(account common.Address, ids, amounts []*uint256.Int, now uint64) error {
	if len(ids) != len(amounts) {
		return ErrLengthMismatch
	}
	return l.apply(func(ws *workingSet) error {
		for i := range ids {
			if err := ws.deduct(NewSlotKey(account, ids[i]), amounts[i], now); err != nil {
				return fmt.Errorf("token %s: %w", ids[i].Dec(), err)
			}
		}
		return nil
	})
}

// Transfer moves amount of id from one account to another, oldest-expiring
// chunk first. Moved quantities keep their original expiration. A transfer to
// the same account, or of zero, does nothing.
func (l *Ledger) Transfer(from, to common.Address, id, amount *uint256.Int, now uint64) error {
	if from == to || amount.IsZero() {
		return nil
	}
	return l.apply(func(ws *workingSet) error {
		return ws.transfer(NewSlotKey(from, id), NewSlotKey(to, id), amount, now)
	})
}

// TransferBatch moves several token types between two accounts in a single step.
func (l *Ledger) TransferBatch(from, to common.Address, ids, amounts []*uint256.Int, now uint64) error {
	if len(ids) != len(amounts) {
		return ErrLengthMismatch
	}
	if from == to {
		return nil
	}
	return l.apply(func(ws *workingSet) error {
		for i := range ids {
			if amounts[i].IsZero() {
				continue
			}
			if err := ws.transfer(NewSlotKey(from, ids[i]), NewSlotKey(to, ids[i]), amounts[i], now); err != nil {
				return fmt.Errorf("token %s: %w", ids[i].Dec(), err)
			}
		}
		return nil
	})
}

// Prune drops expired chunks and holes from (account, id) and compacts the rest.
func (l *Ledger) Prune(account common.Address, id *uint256.Int, now uint64) error {
	return l.apply(func(ws *workingSet) error {
		key := NewSlotKey(account, id)
		chunks, err := ws.slot(key)
		if err != nil {
			return err
		}
		ws.set(key, pruneChunks(chunks, now, l.layout))
		return nil
	})
}

// apply runs fn against copies of the touched slots and persists them in one
// write only if fn succeeds.
func (l *Ledger) apply(fn func(ws *workingSet) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ws := newWorkingSet(l)
	if err := fn(ws); err != nil {
		return err
	}
	return ws.commit()
}

// workingSet caches the slots touched by one operation. base keeps each slot
// as loaded (nil when it was never written) so unchanged slots are not
// written back.
type workingSet struct {
	ledger *Ledger
	slots  map[SlotKey][]Chunk
	base   map[SlotKey][]Chunk
	order  []SlotKey
}

func newWorkingSet(l *Ledger) *workingSet {
	return &workingSet{
		ledger: l,
		slots:  make(map[SlotKey][]Chunk),
		base:   make(map[SlotKey][]Chunk),
	}
}

func (ws *workingSet) slot(key SlotKey) ([]Chunk, error) {
	if chunks, ok := ws.slots[key]; ok {
		return chunks, nil
	}
	stored, err := ws.ledger.store.LoadSlot(key)
	if err != nil {
		return nil, fmt.Errorf("failed to load slot %s: %w", key, err)
	}
	ws.base[key] = stored
	chunks := ws.ledger.layout.Adopt(cloneChunks(stored))
	ws.slots[key] = chunks
	ws.order = append(ws.order, key)
	return chunks, nil
}

func (ws *workingSet) set(key SlotKey, chunks []Chunk) {
	if _, ok := ws.slots[key]; !ok {
		ws.order = append(ws.order, key)
	}
	ws.slots[key] = chunks
}

func (ws *workingSet) commit() error {
	if len(ws.order) == 0 {
		return nil
	}
	writes := make([]SlotWrite, 0, len(ws.order))
	for _, key := range ws.order {
		if !ws.dirty(key) {
			continue
		}
		writes = append(writes, SlotWrite{Key: key, Chunks: ws.slots[key]})
	}
	if len(writes) == 0 {
		return nil
	}
	if err := ws.ledger.store.WriteSlots(writes); err != nil {
		return fmt.Errorf("failed to write %d slots: %w", len(writes), err)
	}
	return nil
}

// dirty reports whether key must be written. A slot that was never stored
// and holds nothing stays absent.
func (ws *workingSet) dirty(key SlotKey) bool {
	base, loaded := ws.base[key]
	if !loaded {
		return true
	}
	chunks := ws.slots[key]
	if base == nil {
		return !emptyChunks(chunks)
	}
	return !equalChunks(base, chunks)
}

func emptyChunks(chunks []Chunk) bool {
	for i := range chunks {
		if !chunks[i].Amount.IsZero() || chunks[i].ExpiresAt != 0 {
			return false
		}
	}
	return true
}

func equalChunks(a, b []Chunk) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ExpiresAt != b[i].ExpiresAt || !a[i].Amount.Eq(&b[i].Amount) {
			return false
		}
	}
	return true
}

func (ws *workingSet) insert(key SlotKey, amount *uint256.Int, expiresAt, now uint64) error {
	if amount.IsZero() {
		return nil
	}
	if expiresAt <= now {
		return ErrAlreadyExpired
	}
	chunks, err := ws.slot(key)
	if err != nil {
		return err
	}
	chunks = pruneChunks(chunks, now, ws.ledger.layout)
	chunks, err = insertChunk(chunks, amount, expiresAt, ws.ledger.layout)
	if err != nil {
		return err
	}
	ws.set(key, chunks)
	return nil
}

func (ws *workingSet) mint(key SlotKey, amount *uint256.Int, now uint64) error {
	expiresAt, err := ws.ledger.policy.ExpirationFor(&key.ID, now)
	if err != nil {
		return err
	}
	return ws.insert(key, amount, expiresAt, now)
}

func (ws *workingSet) deduct(key SlotKey, amount *uint256.Int, now uint64) error {
	if amount.IsZero() {
		return nil
	}
	chunks, err := ws.slot(key)
	if err != nil {
		return err
	}
	if err := consumeChunks(chunks, amount, now, nil); err != nil {
		return err
	}
	ws.set(key, pruneChunks(chunks, now, ws.ledger.layout))
	return nil
}

func (ws *workingSet) transfer(from, to SlotKey, amount *uint256.Int, now uint64) error {
	chunks, err := ws.slot(from)
	if err != nil {
		return err
	}
	err = consumeChunks(chunks, amount, now, func(q *uint256.Int, expiresAt uint64) error {
		return ws.insert(to, q, expiresAt, now)
	})
	if err != nil {
		return err
	}
	ws.set(from, pruneChunks(chunks, now, ws.ledger.layout))
	return nil
}
