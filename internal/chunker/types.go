// Package chunker segments cleaned document text into retrieval-sized
// chunks. Strategy selection is driven by a lightweight document
// classification; all strategies emit dense indices and exact spans into
// the cleaned source.
package chunker

// Method identifies the chunking strategy that produced a chunk.
type Method string

const (
	MethodFixed        Method = "fixed"
	MethodSemantic     Method = "semantic"
	MethodStructural   Method = "structural"
	MethodHierarchical Method = "hierarchical"
)

// BoundaryType records what terminated a chunk.
type BoundaryType string

const (
	BoundaryParagraph   BoundaryType = "paragraph"
	BoundarySentence    BoundaryType = "sentence"
	BoundaryHeader      BoundaryType = "header"
	BoundarySection     BoundaryType = "section"
	BoundaryWindow      BoundaryType = "window"
	BoundaryDocumentEnd BoundaryType = "document_end"
)

// DocumentType is the heuristic document classification.
type DocumentType string

const (
	DocTypeAcademicPaper  DocumentType = "academic_paper"
	DocTypeBookOrManual   DocumentType = "book_or_manual"
	DocTypeDocumentation  DocumentType = "documentation"
	DocTypeLegalDocument  DocumentType = "legal_document"
	DocTypeGeneralArticle DocumentType = "general_article"
)

// Size limits for the configured chunk size, in characters.
const (
	MinChunkSize = 200
	MaxChunkSize = 8000
)

// Options configures a chunking run.
type Options struct {
	// ChunkSize is the target chunk size in characters.
	ChunkSize int

	// Overlap is the desired overlap between consecutive windowed chunks.
	Overlap int

	// EnableAdaptive adjusts size and overlap to content volume and shape.
	EnableAdaptive bool

	// EnableIntelligent selects a strategy from the document classification.
	// When false, boundary-respecting fixed windowing is used.
	EnableIntelligent bool

	// DocumentType overrides classification when set.
	DocumentType DocumentType
}

// Chunk is one emitted segment with its span into the cleaned source.
type Chunk struct {
	ID           string       `json:"chunk_id"`
	Index        int          `json:"index"`
	Start        int          `json:"start"`
	End          int          `json:"end"`
	Text         string       `json:"text"`
	Method       Method       `json:"chunking_method"`
	BoundaryType BoundaryType `json:"boundary_type,omitempty"`
	SectionTitle string       `json:"section_title,omitempty"`
	SectionLevel int          `json:"section_level,omitempty"`
	Size         int          `json:"size"`
	Overlap      int          `json:"overlap"`
}

// Result is the outcome of a chunking run.
type Result struct {
	Chunks       []Chunk
	CleanedText  string
	DocumentType DocumentType
	Method       Method

	// TargetSize and Overlap are the effective values after adaptive sizing.
	TargetSize int
	Overlap    int
}

// boundary is a candidate cut position in the cleaned text.
type boundary struct {
	pos      int
	kind     BoundaryType
	strength float64
}
