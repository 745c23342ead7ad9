package ledger

// DefaultShrinkThreshold is the elastic slot length above which a sparsely
// populated slot is physically shrunk after pruning.
const DefaultShrinkThreshold = 10

// Layout isolates how a slot's backing sequence is sized. The FIFO, merge and
// prune algorithms are shared; only capacity management differs.
type Layout interface {
	Name() string
	// Adopt normalizes a slot loaded from storage to the layout's shape.
	Adopt(chunks []Chunk) []Chunk
	// Grow makes room for one more live chunk or reports that none exists.
	Grow(chunks []Chunk) ([]Chunk, error)
	// Shrink runs after pruning has moved live chunks into chunks[:live].
	Shrink(chunks []Chunk, live int) []Chunk
}

// FixedLayout keeps exactly Capacity positions per slot.
type FixedLayout struct {
	Capacity int
}

func (FixedLayout) Name() string { return "fixed" }

func (f FixedLayout) Adopt(chunks []Chunk) []Chunk {
	if len(chunks) >= f.Capacity {
		return chunks
	}
	out := make([]Chunk, f.Capacity)
	copy(out, chunks)
	return out
}

func (FixedLayout) Grow([]Chunk) ([]Chunk, error) {
	return nil, ErrCapacityExceeded
}

func (FixedLayout) Shrink(chunks []Chunk, _ int) []Chunk {
	return chunks
}

// ElasticLayout grows slots on demand and shrinks them once they are mostly holes.
type ElasticLayout struct {
	ShrinkThreshold int
}

func (ElasticLayout) Name() string { return "elastic" }

func (ElasticLayout) Adopt(chunks []Chunk) []Chunk {
	return chunks
}

func (ElasticLayout) Grow(chunks []Chunk) ([]Chunk, error) {
	return append(chunks, Chunk{}), nil
}

func (e ElasticLayout) Shrink(chunks []Chunk, live int) []Chunk {
	if live == 0 {
		return nil
	}
	threshold := e.ShrinkThreshold
	if threshold <= 0 {
		threshold = DefaultShrinkThreshold
	}
	if len(chunks) > threshold && live < len(chunks)/2 {
		out := make([]Chunk, live)
		copy(out, chunks[:live])
		return out
	}
	return chunks
}
