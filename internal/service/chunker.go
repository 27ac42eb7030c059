package service

import (
	"strings"
	"unicode"
)

// DefaultMaxChunkTokens is the per-chunk token budget used when none is configured.
const DefaultMaxChunkTokens = 550

// ChunkDraft is one chunk before it is persisted.
type ChunkDraft struct {
	Index      int
	Content    string
	TokenCount int
}

// Chunker splits activity bodies into sentence-aligned chunks.
type Chunker struct {
	maxTokens int
}

// NewChunker creates a Chunker with the given budget; non-positive means the default.
func NewChunker(maxTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxChunkTokens
	}
	return &Chunker{maxTokens: maxTokens}
}

// MaxTokens returns the chunk budget.
func (c *Chunker) MaxTokens() int {
	return c.maxTokens
}

// Split splits body using the chunker's budget.
func (c *Chunker) Split(body string) []ChunkDraft {
	return Split(body, c.maxTokens)
}

// Split packs the sentences of body greedily into chunks of at most maxTokens
// estimated tokens. A sentence that alone exceeds the budget becomes its own
// chunk. Indices are contiguous from 0; an empty body yields no chunks.
// Whitespace inside and between sentences collapses to single spaces.
func Split(body string, maxTokens int) []ChunkDraft {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxChunkTokens
	}

	var (
		chunks []ChunkDraft
		buf    strings.Builder
	)
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		content := buf.String()
		chunks = append(chunks, ChunkDraft{
			Index:      len(chunks),
			Content:    content,
			TokenCount: estimateTokens(content),
		})
		buf.Reset()
	}

	for _, sentence := range splitSentences(body) {
		if buf.Len() > 0 && estimateTokens(buf.String()+" "+sentence) > maxTokens {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(sentence)
	}
	flush()

	return chunks
}

// splitSentences breaks text after runs of '.', '!' or '?' (with any closing
// quotes or brackets) that are followed by whitespace, and at blank-line
// paragraph breaks.
func splitSentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := collapseWhitespace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if r == '\n' {
			j := i + 1
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\t' || runes[j] == '\r') {
				j++
			}
			if j < len(runes) && runes[j] == '\n' {
				flush()
				i = j
				continue
			}
		}

		cur.WriteRune(r)
		if !isTerminal(r) {
			continue
		}

		j := i + 1
		for j < len(runes) && (isTerminal(runes[j]) || isCloser(runes[j])) {
			cur.WriteRune(runes[j])
			j++
		}
		if j == len(runes) || unicode.IsSpace(runes[j]) {
			flush()
		}
		i = j - 1
	}
	flush()

	return out
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '’', '”', '»':
		return true
	}
	return false
}
