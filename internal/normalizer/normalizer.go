package normalizer

import (
	"regexp"
	"strings"
)

const (
	// MaxPassageChars bounds prepared passages so the embedding model never
	// truncates silently at its token limit.
	MaxPassageChars = 2000

	DefaultChunkSize    = 1200
	DefaultChunkOverlap = 120
)

var (
	fencedCode   = regexp.MustCompile("(?s)```.*?```")
	inlineCode   = regexp.MustCompile("`[^`\n]+`")
	imageRef     = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkRef      = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	footnoteDef  = regexp.MustCompile(`(?m)^\[\^[^\]]+\]:.*$`)
	footnoteMark = regexp.MustCompile(`\[\^[^\]]+\]`)
	htmlTag      = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	headings     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	blockquote   = regexp.MustCompile(`(?m)^>\s*`)
	horizRule    = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
	listMarkers  = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	numberedList = regexp.MustCompile(`(?m)^\s*\d+\.\s+`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Clean strips markdown syntax from raw text, leaving embedding-quality prose.
// The semantic words of the text are preserved; only markup is removed.
func Clean(raw string) string {
	text := fencedCode.ReplaceAllString(raw, " ")
	text = inlineCode.ReplaceAllString(text, " ")

	// Keep image alt text only when it is descriptive (more than two words).
	text = imageRef.ReplaceAllStringFunc(text, func(m string) string {
		sub := imageRef.FindStringSubmatch(m)
		alt := strings.TrimSpace(sub[1])
		if len(strings.Fields(alt)) > 2 {
			return alt
		}
		return " "
	})

	// Keep link text, drop the target.
	text = linkRef.ReplaceAllString(text, "$1")

	text = footnoteDef.ReplaceAllString(text, " ")
	text = footnoteMark.ReplaceAllString(text, "")
	text = htmlTag.ReplaceAllString(text, " ")
	text = headings.ReplaceAllString(text, "")
	text = blockquote.ReplaceAllString(text, "")
	text = horizRule.ReplaceAllString(text, " ")
	text = listMarkers.ReplaceAllString(text, "")
	text = numberedList.ReplaceAllString(text, "")

	text = strings.ReplaceAll(text, "**", "")
	text = strings.ReplaceAll(text, "__", "")
	text = strings.ReplaceAll(text, "*", "")
	text = strings.ReplaceAll(text, "~~", "")

	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// PreparePassage prepends the title to the cleaned body (titles carry a
// stronger semantic signal) and truncates to MaxPassageChars.
func PreparePassage(title, raw string) string {
	body := Clean(raw)
	title = strings.TrimSpace(title)

	var text string
	switch {
	case title == "":
		text = body
	case body == "":
		text = title
	default:
		text = title + ". " + body
	}

	runes := []rune(text)
	if len(runes) <= MaxPassageChars {
		return text
	}
	return string(runes[:MaxPassageChars])
}

// Chunk cleans raw text and splits it into overlapping chunks of at most
// maxSize runes. A chunk ends at the last sentence boundary inside its window
// when one exists past the window midpoint, otherwise at the hard limit. Each
// subsequent chunk starts overlap runes before the previous chunk's end.
// Text at or below maxSize comes back as a single chunk.
func Chunk(raw string, maxSize, overlap int) []string {
	if maxSize <= 0 {
		maxSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= maxSize {
		overlap = maxSize / 10
	}

	text := Clean(raw)
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= maxSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + maxSize
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}

		if cut := sentenceBoundary(runes, start, end); cut > 0 {
			end = cut
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[start:end])))

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// sentenceBoundary returns the index just past the last sentence-ending
// punctuation within runes[start:end], or 0 when none sits past the window
// midpoint.
func sentenceBoundary(runes []rune, start, end int) int {
	min := start + (end-start)/2
	for i := end - 1; i > min; i-- {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 >= len(runes) || runes[i+1] == ' ' {
				return i + 1
			}
		}
	}
	return 0
}
