// Package splitter cuts document text into chunks small enough for a single
// synthesis call, preferring paragraph and sentence boundaries.
package splitter

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrEmpty is returned for documents with no speakable text.
	ErrEmpty = errors.New("document has no text")
	// ErrMalformed is returned for documents that are not valid UTF-8.
	ErrMalformed = errors.New("document is not valid UTF-8")
)

const (
	DefaultMaxChars = 2000

	sentenceSep  = " "
	paragraphSep = "\n\n"
)

type Options struct {
	// MaxChars is the upper bound, in runes, of every chunk.
	MaxChars int
}

type Splitter struct {
	maxChars      int
	abbreviations map[string]struct{}
}

func New(opts Options) *Splitter {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	return &Splitter{
		maxChars:      opts.MaxChars,
		abbreviations: makeAbbreviations(),
	}
}

// Split returns the chunks of text in reading order. Sentences are packed
// greedily; a sentence longer than the limit is broken on whitespace, and a
// single word longer than the limit is cut.
func (s *Splitter) Split(text string) ([]string, error) {
	if !utf8.ValidString(text) {
		return nil, ErrMalformed
	}
	paragraphs := paragraphsOf(text)
	if len(paragraphs) == 0 {
		return nil, ErrEmpty
	}

	var (
		chunks []string
		cur    strings.Builder
		size   int
	)
	flush := func() {
		if size > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			size = 0
		}
	}

	for _, paragraph := range paragraphs {
		sep := paragraphSep
		for _, sentence := range s.sentences(paragraph) {
			for _, piece := range s.fit(sentence) {
				n := utf8.RuneCountInString(piece)
				if size > 0 && size+len(sep)+n > s.maxChars {
					flush()
				}
				if size > 0 {
					cur.WriteString(sep)
					size += len(sep)
				}
				cur.WriteString(piece)
				size += n
				sep = sentenceSep
			}
		}
	}
	flush()
	return chunks, nil
}

// paragraphsOf normalizes line endings, splits on blank lines and collapses
// whitespace inside each paragraph.
func paragraphsOf(text string) []string {
	text = strings.TrimPrefix(text, "\uFEFF")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var out []string
	var lines []string
	flush := func() {
		if len(lines) > 0 {
			out = append(out, strings.Join(lines, " "))
			lines = lines[:0]
		}
	}
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			flush()
			continue
		}
		lines = append(lines, strings.Join(fields, " "))
	}
	flush()
	return out
}

func (s *Splitter) sentences(paragraph string) []string {
	runes := []rune(paragraph)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		end := i + 1
		for end < len(runes) && isTerminal(runes[end]) {
			end++
		}
		for end < len(runes) && isCloser(runes[end]) {
			end++
		}
		atBoundary := end == len(runes) || unicode.IsSpace(runes[end]) || isWideTerminal(runes[i])
		if !atBoundary || s.isAbbreviation(runes, i) {
			i = end - 1
			continue
		}
		if sentence := strings.TrimSpace(string(runes[start:end])); sentence != "" {
			out = append(out, sentence)
		}
		start = end
		i = end - 1
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}

// isAbbreviation reports whether the period at pos closes an abbreviation or
// an initial rather than a sentence.
func (s *Splitter) isAbbreviation(runes []rune, pos int) bool {
	if runes[pos] != '.' {
		return false
	}
	start := pos - 1
	for start >= 0 && !unicode.IsSpace(runes[start]) {
		start--
	}
	word := strings.ToLower(string(runes[start+1 : pos]))
	word = strings.TrimLeft(word, `"'([`)
	if word == "" {
		return false
	}
	if _, ok := s.abbreviations[word]; ok {
		return true
	}
	// Multi-part abbreviations such as "u.s" and single initials.
	if strings.Contains(word, ".") {
		return true
	}
	return utf8.RuneCountInString(word) == 1 && unicode.IsUpper(runes[pos-1]) && runes[pos-1] != 'I'
}

// fit breaks a sentence into pieces no longer than the limit.
func (s *Splitter) fit(sentence string) []string {
	if utf8.RuneCountInString(sentence) <= s.maxChars {
		return []string{sentence}
	}
	var (
		out  []string
		cur  strings.Builder
		size int
	)
	for _, word := range strings.Fields(sentence) {
		for _, part := range s.cut(word) {
			n := utf8.RuneCountInString(part)
			if size > 0 && size+1+n > s.maxChars {
				out = append(out, cur.String())
				cur.Reset()
				size = 0
			}
			if size > 0 {
				cur.WriteByte(' ')
				size++
			}
			cur.WriteString(part)
			size += n
		}
	}
	if size > 0 {
		out = append(out, cur.String())
	}
	return out
}

func (s *Splitter) cut(word string) []string {
	runes := []rune(word)
	if len(runes) <= s.maxChars {
		return []string{word}
	}
	parts := make([]string, 0, len(runes)/s.maxChars+1)
	for len(runes) > 0 {
		n := min(s.maxChars, len(runes))
		parts = append(parts, string(runes[:n]))
		runes = runes[n:]
	}
	return parts
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return isWideTerminal(r)
}

// Full-width terminals end a sentence without trailing whitespace.
func isWideTerminal(r rune) bool {
	switch r {
	case '。', '！', '？':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '»', '」', '』':
		return true
	}
	return false
}

func makeAbbreviations() map[string]struct{} {
	words := []string{
		"mr", "mrs", "ms", "dr", "prof", "sr", "jr", "st", "vs", "etc", "inc", "ltd", "co", "corp",
		"vol", "pp", "fig", "jan", "feb", "mar", "apr", "jun", "jul", "aug", "sep", "sept",
		"oct", "nov", "dec", "ave", "blvd", "dept", "approx",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
