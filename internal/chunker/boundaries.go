package chunker

import (
	"regexp"
	"sort"
)

const (
	strengthParagraph = 0.8
	strengthSentence  = 0.4
)

var (
	paragraphBreak = regexp.MustCompile(`\n\n+`)
	sentenceEnd    = regexp.MustCompile(`[.!?](\s|$)`)
)

// findBoundaries enumerates candidate cut positions. A boundary's position
// is the index of the first character after the break, so a chunk closed at
// a boundary carries its separator. The document end is always a boundary.
func findBoundaries(text string) []boundary {
	var out []boundary

	for _, loc := range paragraphBreak.FindAllStringIndex(text, -1) {
		out = append(out, boundary{pos: loc[1], kind: BoundaryParagraph, strength: strengthParagraph})
	}
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		out = append(out, boundary{pos: loc[1], kind: BoundarySentence, strength: strengthSentence})
	}
	out = append(out, boundary{pos: len(text), kind: BoundaryDocumentEnd, strength: 1.0})

	sort.Slice(out, func(i, j int) bool {
		if out[i].pos != out[j].pos {
			return out[i].pos < out[j].pos
		}
		return out[i].strength > out[j].strength
	})

	// Dedupe positions, keeping the strongest boundary at each.
	deduped := out[:0]
	lastPos := -1
	for _, b := range out {
		if b.pos == lastPos {
			continue
		}
		deduped = append(deduped, b)
		lastPos = b.pos
	}
	return deduped
}

// closestBoundary returns the boundary nearest to ideal among those in
// (from, limit], or nil when none qualifies.
func closestBoundary(boundaries []boundary, from, ideal, limit int) *boundary {
	i := sort.Search(len(boundaries), func(i int) bool { return boundaries[i].pos > from })

	var best *boundary
	bestDist := -1
	for ; i < len(boundaries); i++ {
		b := boundaries[i]
		if b.pos > limit {
			break
		}
		dist := b.pos - ideal
		if dist < 0 {
			dist = -dist
		}
		if best == nil || dist < bestDist {
			best, bestDist = &boundaries[i], dist
		}
	}
	return best
}
