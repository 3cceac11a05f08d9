// Package retrieve answers search queries over the ingested corpus by
// combining vector similarity and lexical BM25 results with Reciprocal
// Rank Fusion.
package retrieve

import (
	"sort"

	"github.com/ragline/ragline/internal/store"
)

// DefaultRRFConstant is the RRF smoothing parameter. k=60 is the value
// validated across domains and used by the large hosted search engines.
const DefaultRRFConstant = 60

// fusedHit tracks one chunk's contributions from both ranked lists.
type fusedHit struct {
	hit        store.SearchHit
	rrfScore   float64
	vecRank    int
	lexRank    int
	inBoth     bool
	lexOnlyHit bool
}

// rrfFuse merges two ranked lists with RRF: score(d) = Σ 1/(k + rank_i),
// ranks 1-indexed. A chunk present in only one list contributes from that
// list alone. Duplicate chunk ids collapse into a single hit; the vector
// payload wins when both lists carry the chunk.
func rrfFuse(vec, lex []store.SearchHit, k int) []store.SearchHit {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	if len(vec) == 0 && len(lex) == 0 {
		return []store.SearchHit{}
	}

	fused := make(map[string]*fusedHit, len(vec)+len(lex))

	for rank, h := range vec {
		h.Source = "vector"
		fused[h.ChunkID] = &fusedHit{
			hit:      h,
			rrfScore: 1 / float64(k+rank+1),
			vecRank:  rank + 1,
		}
	}

	for rank, h := range lex {
		if f, ok := fused[h.ChunkID]; ok {
			f.rrfScore += 1 / float64(k+rank+1)
			f.lexRank = rank + 1
			f.inBoth = true
			f.hit.Source = "hybrid"
			continue
		}
		h.Source = "bm25"
		fused[h.ChunkID] = &fusedHit{
			hit:        h,
			rrfScore:   1 / float64(k+rank+1),
			lexRank:    rank + 1,
			lexOnlyHit: true,
		}
	}

	out := make([]*fusedHit, 0, len(fused))
	for _, f := range fused {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].rrfScore != out[j].rrfScore {
			return out[i].rrfScore > out[j].rrfScore
		}
		if out[i].inBoth != out[j].inBoth {
			return out[i].inBoth
		}
		return out[i].hit.ChunkID < out[j].hit.ChunkID
	})

	// Scores normalize to (0, 1] so callers can threshold consistently.
	top := out[0].rrfScore
	hits := make([]store.SearchHit, len(out))
	for i, f := range out {
		f.hit.Score = f.rrfScore / top
		hits[i] = f.hit
	}
	return hits
}
