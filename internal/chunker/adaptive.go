package chunker

import "strings"

// adaptSize adjusts the target size and overlap to the content's volume and
// shape. Applied after strategy selection, before chunking.
func adaptSize(text string, docType DocumentType, size, overlap int) (int, int) {
	length := len(text)

	switch {
	case length > 500*1024:
		size = min(4000, max(3000, int(float64(size)*1.8)))
		overlap = min(400, int(float64(overlap)*1.5))
	case length > 100*1024:
		size = min(3000, max(2500, int(float64(size)*1.3)))
	case length < 10*1024:
		size = max(1000, int(float64(size)*0.8))
	}

	// Dense reference material reads better in larger chunks.
	if docType == DocTypeAcademicPaper || docType == DocTypeBookOrManual {
		size = max(size, 3000)
	}

	if strings.Contains(text, "```") {
		size = min(4000, int(float64(size)*1.3))
		overlap = min(500, int(float64(overlap)*1.5))
	}

	switch mean := meanSentenceLength(text); {
	case mean > 100:
		size = int(float64(size) * 1.2)
	case mean > 0 && mean < 50:
		size = max(1200, int(float64(size)*0.9))
	}

	if overlap >= size {
		overlap = size / 4
	}
	return size, overlap
}

// meanSentenceLength returns the average characters per sentence, or 0 when
// no sentence terminators are present.
func meanSentenceLength(text string) float64 {
	terminators := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			terminators++
		}
	}
	if terminators == 0 {
		return 0
	}
	return float64(len(text)) / float64(terminators)
}
