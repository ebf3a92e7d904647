package chain

// TriTable stores one value per exposure pair in a lower-triangular
// table keyed by (max(i,j), min(i,j)). The (max,min) convention decides
// which exposure's variance a pair receives and must not be swapped.
type TriTable struct {
	n int
	v []float64
}

// NewTriTable creates a zeroed table over n exposures.
func NewTriTable(n int) *TriTable {
	return &TriTable{n: n, v: make([]float64, n*(n+1)/2)}
}

// N returns the number of exposures the table covers.
func (t *TriTable) N() int { return t.n }

func (t *TriTable) idx(i, j int) int {
	if i < j {
		i, j = j, i
	}
	return i*(i+1)/2 + j
}

// At returns the value stored for the pair (i, j).
func (t *TriTable) At(i, j int) float64 { return t.v[t.idx(i, j)] }

// Set stores a value for the pair (i, j).
func (t *TriTable) Set(i, j int, x float64) { t.v[t.idx(i, j)] = x }

// Add accumulates into the pair (i, j).
func (t *TriTable) Add(i, j int, x float64) { t.v[t.idx(i, j)] += x }

// Reset zeroes the table.
func (t *TriTable) Reset() {
	for i := range t.v {
		t.v[i] = 0
	}
}

// SetAll fills the table with a constant.
func (t *TriTable) SetAll(x float64) {
	for i := range t.v {
		t.v[i] = x
	}
}
