package chunker

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ragline/ragline/internal/errors"
)

// Split cleans, classifies, and chunks a document.
// Returns InvalidInput for bad options or an empty document. A document
// that cleans to structural markers only may legitimately produce zero
// chunks; the caller decides how to terminate in that case.
func Split(text string, opts Options) (*Result, error) {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 2000
	}
	if err := validate(opts); err != nil {
		return nil, err
	}

	cleaned := Clean(text, opts.EnableIntelligent)
	if cleaned == "" {
		return nil, errors.InvalidInput("document is empty after cleaning")
	}

	docType := opts.DocumentType
	if docType == "" {
		docType = Classify(cleaned)
	}

	method := MethodFixed
	if opts.EnableIntelligent {
		method = strategyFor(docType)
	}

	size, overlap := opts.ChunkSize, opts.Overlap
	if opts.EnableAdaptive {
		size, overlap = adaptSize(cleaned, docType, size, overlap)
	}

	bounds := findBoundaries(cleaned)

	var chunks []Chunk
	switch method {
	case MethodSemantic:
		chunks = chunkSemantic(cleaned, bounds, size)
	case MethodStructural:
		chunks = chunkStructural(cleaned, size, overlap)
	case MethodHierarchical:
		chunks = chunkHierarchical(cleaned, size, overlap)
	default:
		chunks = chunkFixed(cleaned, bounds, size, overlap)
	}

	return &Result{
		Chunks:       finalize(chunks, cleaned, method, size),
		CleanedText:  cleaned,
		DocumentType: docType,
		Method:       method,
		TargetSize:   size,
		Overlap:      overlap,
	}, nil
}

func validate(opts Options) error {
	if opts.ChunkSize < MinChunkSize || opts.ChunkSize > MaxChunkSize {
		return errors.Newf(errors.KindInvalidInput,
			"chunk size %d outside [%d, %d]", opts.ChunkSize, MinChunkSize, MaxChunkSize)
	}
	if opts.Overlap < 0 {
		return errors.Newf(errors.KindInvalidInput, "overlap %d is negative", opts.Overlap)
	}
	if opts.Overlap >= opts.ChunkSize {
		return errors.Newf(errors.KindInvalidInput,
			"overlap %d must be smaller than chunk size %d", opts.Overlap, opts.ChunkSize)
	}
	return nil
}

// finalize drops empty chunks, assigns fresh ids and dense indices, fills
// the text from spans, and records the actual overlap with the predecessor.
func finalize(chunks []Chunk, cleaned string, method Method, size int) []Chunk {
	out := make([]Chunk, 0, len(chunks))
	prevEnd := 0

	for _, c := range chunks {
		c.Text = cleaned[c.Start:c.End]
		if strings.TrimSpace(c.Text) == "" {
			continue
		}

		c.ID = uuid.NewString()
		c.Index = len(out)
		if c.Method == "" {
			c.Method = method
		}
		c.Size = size
		if len(out) > 0 && c.Start < prevEnd {
			c.Overlap = prevEnd - c.Start
		} else {
			c.Overlap = 0
		}

		prevEnd = c.End
		out = append(out, c)
	}
	return out
}
