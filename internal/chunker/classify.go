package chunker

import (
	"regexp"
	"strings"
)

var (
	numberedSection = regexp.MustCompile(`\d+\.\s+[A-Z]`)
	markdownHeader  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
)

// Classify buckets a document into one of the five heuristic types.
// Checks are case-insensitive except the numbered-section pattern, which
// keys on capitalization by design.
func Classify(text string) DocumentType {
	lower := strings.ToLower(text)

	switch {
	case strings.Contains(lower, "abstract") && strings.Contains(lower, "references"):
		return DocTypeAcademicPaper
	case strings.Contains(lower, "chapter") || numberedSection.MatchString(text):
		return DocTypeBookOrManual
	case strings.Contains(text, "```") || markdownHeader.MatchString(text):
		return DocTypeDocumentation
	case strings.Contains(lower, "whereas") || strings.Contains(lower, "hereby"):
		return DocTypeLegalDocument
	default:
		return DocTypeGeneralArticle
	}
}

// strategyFor maps a document type to its chunking strategy.
func strategyFor(docType DocumentType) Method {
	switch docType {
	case DocTypeAcademicPaper:
		return MethodSemantic
	case DocTypeDocumentation:
		return MethodStructural
	case DocTypeBookOrManual:
		return MethodHierarchical
	case DocTypeLegalDocument:
		return MethodStructural
	default:
		return MethodSemantic
	}
}
