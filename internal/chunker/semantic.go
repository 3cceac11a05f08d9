package chunker

// chunkSemantic greedily accumulates boundary-delimited segments into
// chunks. When absorbing the next segment would exceed the target size, the
// chunk is closed at the previous boundary and that boundary's type is
// recorded. A single segment longer than the target is emitted whole.
func chunkSemantic(text string, bounds []boundary, target int) []Chunk {
	var chunks []Chunk
	chunkStart := 0
	var prev *boundary

	for i := range bounds {
		b := bounds[i]
		if b.pos <= chunkStart {
			continue
		}

		if b.pos-chunkStart > target && prev != nil && prev.pos > chunkStart {
			chunks = append(chunks, Chunk{
				Start:        chunkStart,
				End:          prev.pos,
				BoundaryType: prev.kind,
			})
			chunkStart = prev.pos
		}

		if b.pos > chunkStart {
			prev = &bounds[i]
		}
	}

	if chunkStart < len(text) {
		chunks = append(chunks, Chunk{
			Start:        chunkStart,
			End:          len(text),
			BoundaryType: BoundaryDocumentEnd,
		})
	}
	return chunks
}
