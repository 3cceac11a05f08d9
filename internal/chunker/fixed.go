package chunker

// chunkFixed emits boundary-respecting fixed windows: each candidate end
// pos+size snaps to the recorded boundary closest to it within an extra
// 20% of the target size. Consecutive windows overlap by the configured
// overlap.
func chunkFixed(text string, bounds []boundary, size, overlap int) []Chunk {
	var chunks []Chunk
	pos := 0

	for pos < len(text) {
		ideal := pos + size
		if ideal >= len(text) {
			chunks = append(chunks, Chunk{
				Start:        pos,
				End:          len(text),
				BoundaryType: BoundaryDocumentEnd,
			})
			break
		}

		end := ideal
		kind := BoundaryWindow
		if b := closestBoundary(bounds, pos, ideal, ideal+size/5); b != nil {
			end = b.pos
			kind = b.kind
		}

		chunks = append(chunks, Chunk{
			Start:        pos,
			End:          end,
			BoundaryType: kind,
		})

		next := end - overlap
		if next <= pos {
			next = end
		}
		pos = next
	}
	return chunks
}
