package chunker

import (
	"regexp"
	"strings"
)

var chapterLine = regexp.MustCompile(`(?i)^(chapter|part)\s+([0-9ivxlc]+)\b.*$`)

// node is one level of the section tree.
type node struct {
	title     string
	level     int
	headStart int // index of the heading line (equals start for the root)
	start     int // content start, after the heading line
	end       int
	children  []*node
}

// chunkHierarchical builds a section tree (chapters, then headers by
// level) and walks it: sections small enough become one chunk carrying
// their title and level; oversized leaf sections are windowed.
func chunkHierarchical(text string, size, overlap int) []Chunk {
	headings := findHeadings(text)
	root := &node{level: 0, start: 0, end: len(text)}
	buildTree(root, headings, 0, len(headings))

	var chunks []Chunk
	walkTree(root, text, size, overlap, &chunks)
	return chunks
}

// heading marks one heading line within the text.
type heading struct {
	title     string
	level     int
	lineStart int
	bodyStart int // index just past the heading line
}

// findHeadings locates markdown headers and chapter/part lines.
// Chapter lines outrank any markdown header.
func findHeadings(text string) []heading {
	var out []heading
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

		bodyStart := next
		if bodyStart > len(text) {
			bodyStart = len(text)
		}

		switch {
		case chapterLine.MatchString(line):
			out = append(out, heading{title: strings.TrimSpace(line), level: 1, lineStart: pos, bodyStart: bodyStart})
		case headerLine.MatchString(line):
			level := 0
			for level < len(line) && line[level] == '#' {
				level++
			}
			out = append(out, heading{
				title:     strings.TrimSpace(line[level:]),
				level:     level + 1, // below chapter level
				lineStart: pos,
				bodyStart: bodyStart,
			})
		}

		if next > len(text) {
			break
		}
		pos = next
	}
	return out
}

// buildTree attaches headings[from:to) beneath parent, nesting by level.
func buildTree(parent *node, headings []heading, from, to int) {
	i := from
	for i < to {
		h := headings[i]

		// Find where this section ends: the next heading at the same or a
		// shallower level.
		j := i + 1
		for j < to && headings[j].level > h.level {
			j++
		}

		end := parent.end
		if j < to {
			end = headings[j].lineStart
		}

		child := &node{title: h.title, level: h.level, headStart: h.lineStart, start: h.bodyStart, end: end}
		parent.children = append(parent.children, child)
		buildTree(child, headings, i+1, j)
		i = j
	}
}

// walkTree emits chunks for a node: small sections whole, large sections
// split through children or windowed when they have none.
func walkTree(n *node, text string, size, overlap int, chunks *[]Chunk) {
	span := n.end - n.start
	if span <= 0 {
		return
	}

	// A small section is a single chunk, children folded in.
	if n.level > 0 && span <= 2*size {
		*chunks = append(*chunks, Chunk{
			Start:        n.start,
			End:          n.end,
			BoundaryType: BoundarySection,
			SectionTitle: n.title,
			SectionLevel: n.level,
		})
		return
	}

	if len(n.children) == 0 {
		if n.level == 0 {
			// Flat document with no headings at all: plain windows.
			*chunks = append(*chunks, windowSection(section{start: n.start, end: n.end}, size, overlap)...)
			return
		}
		*chunks = append(*chunks, windowSection(section{
			title: n.title, level: n.level, start: n.start, end: n.end,
		}, size, overlap)...)
		return
	}

	// Preamble before the first child's heading stays with this node's title.
	preEnd := n.children[0].headStart
	if preEnd > n.start {
		pre := section{title: n.title, level: n.level, start: n.start, end: preEnd}
		if preEnd-n.start <= size {
			if strings.TrimSpace(text[pre.start:pre.end]) != "" {
				*chunks = append(*chunks, Chunk{
					Start:        pre.start,
					End:          pre.end,
					BoundaryType: BoundarySection,
					SectionTitle: pre.title,
					SectionLevel: pre.level,
				})
			}
		} else {
			*chunks = append(*chunks, windowSection(pre, size, overlap)...)
		}
	}

	for _, child := range n.children {
		walkTree(child, text, size, overlap, chunks)
	}
}
