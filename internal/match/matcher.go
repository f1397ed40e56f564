// Package match scores probe embeddings against the identity store and
// classifies the outcome of a recognition call.
package match

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/viterin/vek/vek32"

	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
)

// ErrZeroProbe is returned for probes that cannot be compared by angle.
var ErrZeroProbe = errors.New("probe embedding has zero norm")

// Match is the best identity for a probe.
type Match struct {
	Name  string
	Score float64 // cosine similarity in [-1, 1]
}

// Index stacks every reference vector of a snapshot into one row-major
// matrix so a probe is scored against the whole store in a single pass.
type Index struct {
	Generation uint64
	dim        int
	names      []string  // identity names, lexicographic
	owner      []int     // row -> index into names
	matrix     []float32 // len(owner) rows of dim values
	norms      []float32 // per-row L2 norm
}

// NewIndex builds an index from a store snapshot.
func NewIndex(snap *store.Snapshot) *Index {
	ix := &Index{Generation: snap.Generation, dim: snap.Dim}
	ix.add(snap.Names(), snap.References)
	return ix
}

// NewIndexFrom builds an index from labelled reference vectors, as used by
// the validation harness. All vectors must share one dimension.
func NewIndexFrom(refs map[string][]types.Embedding) (*Index, error) {
	names := slices.Sorted(maps.Keys(refs))
	ix := &Index{}
	for _, name := range names {
		for _, v := range refs[name] {
			if ix.dim == 0 {
				ix.dim = len(v)
			}
			if len(v) != ix.dim {
				return nil, fmt.Errorf("%w: reference for %q has %d values, want %d", store.ErrDimensionMismatch, name, len(v), ix.dim)
			}
		}
	}
	ix.add(names, func(name string) []types.Embedding { return refs[name] })
	return ix, nil
}

func (ix *Index) add(names []string, refsOf func(string) []types.Embedding) {
	ix.names = names
	for i, name := range names {
		for _, ref := range refsOf(name) {
			n := vek32.Norm(ref)
			// Zero vectors cannot be compared by angle and never win
			if n == 0 {
				continue
			}
			ix.owner = append(ix.owner, i)
			ix.matrix = append(ix.matrix, ref...)
			ix.norms = append(ix.norms, n)
		}
	}
}

// scores returns each identity's best-of-references similarity to probe,
// aligned with ix.names. seen[i] is false for identities with no usable reference.
func (ix *Index) scores(probe types.Embedding) (best []float64, seen []bool, err error) {
	if len(ix.owner) > 0 && len(probe) != ix.dim {
		return nil, nil, fmt.Errorf("%w: probe has %d values, store holds %d", store.ErrDimensionMismatch, len(probe), ix.dim)
	}
	pn := vek32.Norm(probe)
	if pn == 0 {
		return nil, nil, ErrZeroProbe
	}

	best = make([]float64, len(ix.names))
	seen = make([]bool, len(ix.names))
	if len(ix.owner) == 0 {
		return best, seen, nil
	}

	// (rows x dim) * (dim x 1), then divide by both norms
	sims := vek32.MatMul(ix.matrix, probe, ix.dim)
	vek32.Div_Inplace(sims, ix.norms)
	vek32.DivNumber_Inplace(sims, pn)

	for row, id := range ix.owner {
		s := clamp(float64(sims[row]))
		if !seen[id] || s > best[id] {
			best[id] = s
			seen[id] = true
		}
	}
	return best, seen, nil
}

// Best returns the identity with the highest score. Ties go to the
// lexicographically smallest name. ok is false when the index has no usable
// references.
func (ix *Index) Best(probe types.Embedding) (m Match, ok bool, err error) {
	scores, seen, err := ix.scores(probe)
	if err != nil {
		return Match{}, false, err
	}
	for i, name := range ix.names {
		if !seen[i] {
			continue
		}
		// Strictly greater keeps the earlier (smaller) name on ties
		if !ok || scores[i] > m.Score {
			m = Match{Name: name, Score: scores[i]}
			ok = true
		}
	}
	return m, ok, nil
}

// Similarity is the cosine similarity of two vectors, clamped to [-1, 1].
// Zero vectors score 0.
func Similarity(a, b types.Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := vek32.Norm(a), vek32.Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp(float64(vek32.Dot(a, b)) / (float64(na) * float64(nb)))
}

// clamp absorbs float error that pushes identical vectors slightly past 1.
func clamp(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
