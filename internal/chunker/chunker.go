// Package chunker splits free-form text into sentences and into
// length-bounded chunks suitable for a single speech utterance.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength is the chunk size used when callers pass a non-positive limit.
const DefaultMaxLength = 600

// Periods that belong to an abbreviation are swapped for a private use rune
// while sentence boundaries are located. The rune must not occur in the input.
const (
	privateUseFirst = '\uE000'
	privateUseLast  = '\uF8FF'
)

var (
	abbreviationRegex = regexp.MustCompile(`\b(Mrs|Mr|Ms|Dr|Prof|Sr|Jr|vs|etc|e\.g|i\.e)\.`)

	// A sentence is an optional body followed by terminal punctuation and any
	// closing brackets or quotes. Trailing text without a terminator is one
	// final unit. Matches are contiguous and cover the whole input.
	sentenceRegex = regexp.MustCompile("[^.!?]*[.!?]+[\\])'\"`’”]*|[^.!?]+")
)

// SplitSentences returns the trimmed, non-empty sentences of text in order.
func SplitSentences(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	protected, dot := text, placeholder(text)
	if dot != "" {
		protected = abbreviationRegex.ReplaceAllStringFunc(text, func(abbr string) string {
			return strings.ReplaceAll(abbr, ".", dot)
		})
	}

	var sentences []string
	for _, raw := range sentenceRegex.FindAllString(protected, -1) {
		sentence := raw
		if dot != "" {
			sentence = strings.ReplaceAll(sentence, dot, ".")
		}
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		sentences = append(sentences, sentence)
	}
	return sentences
}

// placeholder picks a private use rune absent from text, or "" when text
// somehow holds all of them and abbreviations go unprotected.
func placeholder(text string) string {
	for r := privateUseFirst; r <= privateUseLast; r++ {
		if !strings.ContainsRune(text, r) {
			return string(r)
		}
	}
	return ""
}

// Chunk greedily packs the sentences of text into chunks of at most maxLen
// characters, joined by single spaces. A sentence that alone exceeds maxLen
// becomes its own chunk; it is never split further.
func Chunk(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}

	var (
		chunks     []string
		current    strings.Builder
		currentLen int
	)
	for _, sentence := range SplitSentences(text) {
		n := utf8.RuneCountInString(sentence)
		if currentLen > 0 && currentLen+1+n > maxLen {
			chunks = append(chunks, current.String())
			current.Reset()
			currentLen = 0
		}
		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(sentence)
		currentLen += n
	}
	if currentLen > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
