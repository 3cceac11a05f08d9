package chunker

import (
	"regexp"
	"strings"
)

var (
	headerLine  = regexp.MustCompile(`^#{1,6}\s+`)
	allCapsLine = regexp.MustCompile(`^[A-Z][A-Z\s]+:?$`)
)

// section is a contiguous region under one structural marker.
type section struct {
	title string
	level int
	start int // content start (after the marker line)
	end   int
}

// chunkStructural splits at structural markers (markdown headers and
// all-caps heading lines), then applies fixed-step windowing inside each
// section. Sections at or under the target size become a single chunk.
func chunkStructural(text string, size, overlap int) []Chunk {
	sections := splitSections(text)

	var chunks []Chunk
	for _, sec := range sections {
		if sec.end <= sec.start {
			continue
		}
		if sec.end-sec.start <= size {
			chunks = append(chunks, Chunk{
				Start:        sec.start,
				End:          sec.end,
				BoundaryType: BoundarySection,
				SectionTitle: sec.title,
				SectionLevel: sec.level,
			})
			continue
		}
		chunks = append(chunks, windowSection(sec, size, overlap)...)
	}
	return chunks
}

// windowSection applies size-overlap stepped windows within one section.
func windowSection(sec section, size, overlap int) []Chunk {
	var chunks []Chunk
	step := size - overlap
	if step <= 0 {
		step = size
	}

	for pos := sec.start; pos < sec.end; pos += step {
		end := pos + size
		kind := BoundaryWindow
		if end >= sec.end {
			end = sec.end
			kind = BoundarySection
		}
		chunks = append(chunks, Chunk{
			Start:        pos,
			End:          end,
			BoundaryType: kind,
			SectionTitle: sec.title,
			SectionLevel: sec.level,
		})
		if end == sec.end {
			break
		}
	}
	return chunks
}

// splitSections walks lines and opens a section at each structural marker.
// Text before the first marker becomes an untitled preamble section.
func splitSections(text string) []section {
	var sections []section
	current := section{start: 0}

	pos := 0
	for pos <= len(text) {
		lineEnd := strings.IndexByte(text[pos:], '\n')
		var line string
		next := len(text) + 1
		if lineEnd >= 0 {
			line = text[pos : pos+lineEnd]
			next = pos + lineEnd + 1
		} else {
			line = text[pos:]
		}

		if title, level, ok := parseMarker(line); ok {
			current.end = pos
			if current.end > current.start {
				sections = append(sections, current)
			}
			current = section{title: title, level: level, start: next}
		}
		if next > len(text) {
			break
		}
		pos = next
	}

	current.end = len(text)
	if current.end > current.start {
		sections = append(sections, current)
	}
	return sections
}

// parseMarker recognizes a structural marker line and extracts its title.
// Markdown headers carry their level; all-caps headings report level 0.
func parseMarker(line string) (string, int, bool) {
	trimmed := strings.TrimRight(line, " ")
	if headerLine.MatchString(trimmed) {
		level := 0
		for level < len(trimmed) && trimmed[level] == '#' {
			level++
		}
		return strings.TrimSpace(trimmed[level:]), level, true
	}
	if len(trimmed) >= 3 && allCapsLine.MatchString(trimmed) {
		return strings.TrimSuffix(trimmed, ":"), 0, true
	}
	return "", 0, false
}
