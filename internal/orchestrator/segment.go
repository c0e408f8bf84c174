package orchestrator

import (
	"strings"
	"unicode"
)

var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sr": true,
	"jr": true, "st": true, "vs": true, "e.g": true, "i.e": true,
	"approx": true, "fig": true, "inc": true, "ltd": true, "mt": true,
}

// Segmenter splits streamed text into sentences. A sentence ends at . ! or ?
// followed by whitespace, or at a blank line. Text longer than the cap is cut
// at the whitespace nearest the cap so no word is ever split.
type Segmenter struct {
	maxChars int
	buf      []rune
}

func NewSegmenter(maxChars int) *Segmenter {
	return &Segmenter{maxChars: maxChars}
}

// Push appends a token and returns any sentences it completed.
func (s *Segmenter) Push(text string) []string {
	s.buf = append(s.buf, []rune(text)...)
	var out []string
	for {
		cut := s.boundary()
		if s.maxChars > 0 && (cut > s.maxChars || (cut == 0 && len(s.buf) > s.maxChars)) {
			end := cut
			if end == 0 {
				end = len(s.buf)
			}
			if c := s.capCut(end); c > 0 {
				cut = c
			}
		}
		if cut == 0 {
			return out
		}
		out = s.emit(out, cut)
	}
}

// Flush returns whatever text is left once the stream has ended. It returns
// nothing when the last token already closed a sentence.
func (s *Segmenter) Flush() []string {
	out := s.Push("")
	for s.maxChars > 0 && len(s.buf) > s.maxChars {
		c := s.capCut(len(s.buf))
		if c == 0 {
			break
		}
		out = s.emit(out, c)
	}
	if rest := strings.TrimSpace(string(s.buf)); rest != "" {
		out = append(out, rest)
	}
	s.buf = s.buf[:0]
	return out
}

func (s *Segmenter) emit(out []string, cut int) []string {
	sentence := strings.TrimSpace(string(s.buf[:cut]))
	rest := s.buf[cut:]
	for len(rest) > 0 && unicode.IsSpace(rest[0]) {
		rest = rest[1:]
	}
	s.buf = append(s.buf[:0], rest...)
	if sentence != "" {
		out = append(out, sentence)
	}
	return out
}

// boundary returns the index just past the first sentence end, or 0.
func (s *Segmenter) boundary() int {
	for i, r := range s.buf {
		switch r {
		case '.', '!', '?':
			j := i + 1
			for j < len(s.buf) && isTrailer(s.buf[j]) {
				j++
			}
			if j >= len(s.buf) || !unicode.IsSpace(s.buf[j]) {
				continue
			}
			if r == '.' && s.abbreviation(i) {
				continue
			}
			return j
		case '\n':
			if i > 0 && i+1 < len(s.buf) && s.buf[i+1] == '\n' && strings.TrimSpace(string(s.buf[:i])) != "" {
				return i
			}
		}
	}
	return 0
}

// capCut picks the whitespace in buf[:end] closest to the cap.
func (s *Segmenter) capCut(end int) int {
	best := 0
	for i := 1; i < end && i < len(s.buf); i++ {
		if !unicode.IsSpace(s.buf[i]) {
			continue
		}
		if best == 0 || abs(i-s.maxChars) < abs(best-s.maxChars) {
			best = i
		}
	}
	return best
}

// abbreviation reports whether the period at i closes a short form such as
// "Dr." or an initial rather than a sentence.
func (s *Segmenter) abbreviation(i int) bool {
	start := i
	for start > 0 && (unicode.IsLetter(s.buf[start-1]) || s.buf[start-1] == '.') {
		start--
	}
	word := string(s.buf[start:i])
	if word == "" {
		return false
	}
	if len([]rune(word)) == 1 && unicode.IsUpper([]rune(word)[0]) {
		return true
	}
	return abbreviations[strings.ToLower(word)]
}

func isTrailer(r rune) bool {
	switch r {
	case '.', '!', '?', '"', '\'', ')', ']', '”', '’':
		return true
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
