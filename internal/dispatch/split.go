package dispatch

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Split breaks text into ordered parts of at most max characters. It
// prefers paragraph breaks, then line breaks, then sentence ends, then
// spaces; a word is cut only when it alone exceeds max. A max of zero or
// less returns the text as one part.
func Split(text string, max int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var parts []string
	rest := []rune(text)
	for len(rest) > max {
		cut := breakPoint(rest, max)
		part := strings.TrimSpace(string(rest[:cut]))
		if part != "" {
			parts = append(parts, part)
		}
		rest = []rune(strings.TrimLeftFunc(string(rest[cut:]), unicode.IsSpace))
	}
	if tail := strings.TrimSpace(string(rest)); tail != "" {
		parts = append(parts, tail)
	}
	return parts
}

// breakPoint returns the index to cut at, within the first max runes.
func breakPoint(r []rune, max int) int {
	window := r[:max+1]
	// A break right after max still yields a part of exactly max runes.
	if i := lastIndex(window, "\n\n"); i > 0 {
		return i
	}
	if i := lastIndex(window, "\n"); i > 0 {
		return i
	}
	if i := lastSentenceEnd(window); i > 0 {
		return i
	}
	for i := max; i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i
		}
	}
	return max
}

func lastIndex(r []rune, sep string) int {
	return runeIndex(r, strings.LastIndex(string(r), sep))
}

// lastSentenceEnd finds the last ".", "!", "?" or "…" followed by a space
// and returns the index just after the punctuation.
func lastSentenceEnd(r []rune) int {
	for i := len(r) - 2; i > 0; i-- {
		switch r[i] {
		case '.', '!', '?', '…':
			if unicode.IsSpace(r[i+1]) {
				return i + 1
			}
		}
	}
	return -1
}

// runeIndex converts a byte offset within string(r) to a rune offset.
func runeIndex(r []rune, byteIdx int) int {
	if byteIdx < 0 {
		return -1
	}
	return utf8.RuneCountInString(string(r)[:byteIdx])
}
