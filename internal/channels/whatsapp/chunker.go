package whatsapp

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxMessageLen is the provider's per-message length limit
const maxMessageLen = 1600

var (
	headerRe     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	fenceRe      = regexp.MustCompile("(?m)^```[a-zA-Z0-9]*\\s*$\n?")
	inlineCodeRe = regexp.MustCompile("`([^`]+)`")
	boldRe       = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe     = regexp.MustCompile(`(?m)(^|[^*])\*([^*\n]+)\*`)
)

// stripMarkdown down-converts markdown to the plain text the provider can
// display: headers lose their hashes, links keep only the text, code
// markers are removed.
func stripMarkdown(s string) string {
	s = headerRe.ReplaceAllString(s, "")
	s = linkRe.ReplaceAllString(s, "$1")
	s = fenceRe.ReplaceAllString(s, "")
	s = inlineCodeRe.ReplaceAllString(s, "$1")
	s = boldRe.ReplaceAllString(s, "$1")
	s = italicRe.ReplaceAllString(s, "$1$2")
	return s
}

// chunkText splits text so no piece exceeds limit. Split points are picked
// in preference order: the last newline in the window, the last sentence
// boundary, the last space, then a hard cut. A candidate before the
// window's midpoint is skipped so chunks never get pathologically short.
func chunkText(s string, limit int) []string {
	if limit <= 0 || len(s) <= limit {
		return []string{s}
	}

	var chunks []string
	for len(s) > limit {
		window := s[:limit]
		cut, skip := hardCut(s, limit), 0

		if i := strings.LastIndex(window, "\n"); i > limit/2 {
			cut, skip = i, 1
		} else if i := strings.LastIndex(window, ". "); i > limit/2 {
			cut, skip = i+1, 1
		} else if i := strings.LastIndex(window, " "); i > limit/2 {
			cut, skip = i, 1
		}

		if cut == 0 && skip == 0 {
			// Invalid UTF-8 can walk the hard cut back to the window start.
			// The input is not valid text anyway; take the full window so
			// every iteration makes progress.
			cut = limit
		}

		chunks = append(chunks, s[:cut])
		s = s[cut+skip:]
	}

	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

// hardCut backs the cut point off a partial UTF-8 sequence
func hardCut(s string, limit int) int {
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return cut
}
