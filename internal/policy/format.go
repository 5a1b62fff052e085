package policy

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	reFence      = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\n?(.*?)```")
	reInlineCode = regexp.MustCompile("`([^`]*)`")
	reMdLink     = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	reBold       = regexp.MustCompile(`(\*\*|__)(.+?)(\*\*|__)`)
	reItalic     = regexp.MustCompile(`(^|[\s(])[*_]([^*_\n]+)[*_]`)
	reHeading    = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	reQuote      = regexp.MustCompile(`(?m)^\s*>\s?`)
	reBullet     = regexp.MustCompile(`(?m)^\s*[*+]\s+`)
	reURL        = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	rePhoneLike  = regexp.MustCompile(`\+?\(?\d[\d\s().-]{7,}\d`)
	reSpaces     = regexp.MustCompile(`[ \t]+`)
	reBlankLines = regexp.MustCompile(`\n{3,}`)
)

const ellipsis = "…"

// Format applies the channel's content rules to a final answer. It runs
// once per answer, after the orchestrator returns.
func (p Policy) Format(text string) string {
	if p.StripMarkup {
		text = stripMarkup(text)
	}
	if p.StripLinks {
		text = reURL.ReplaceAllString(text, "")
	}
	if p.StripPhones {
		text = stripPhones(text)
	}
	if p.StripEmoji {
		text = stripEmoji(text)
	}
	text = collapse(text)
	if p.MaxLength > 0 && !p.MultiPart {
		text = Truncate(text, p.MaxLength)
	}
	return text
}

func stripMarkup(s string) string {
	s = reFence.ReplaceAllString(s, "$1")
	s = reInlineCode.ReplaceAllString(s, "$1")
	s = reMdLink.ReplaceAllString(s, "$1")
	s = reBold.ReplaceAllString(s, "$2")
	s = reItalic.ReplaceAllString(s, "$1$2")
	s = reHeading.ReplaceAllString(s, "")
	s = reQuote.ReplaceAllString(s, "")
	s = reBullet.ReplaceAllString(s, "- ")
	return s
}

// stripPhones removes digit runs long enough to be phone numbers. Prices
// and postal codes have fewer than ten digits and survive.
func stripPhones(s string) string {
	return rePhoneLike.ReplaceAllStringFunc(s, func(m string) string {
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits >= 10 {
			return ""
		}
		return m
	})
}

func stripEmoji(s string) string {
	return strings.Map(func(r rune) rune {
		if isEmoji(r) {
			return -1
		}
		return r
	}, s)
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF: // pictographs, emoticons, flags
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r >= 0x2B00 && r <= 0x2BFF:
		return true
	case r >= 0xE0020 && r <= 0xE007F: // tag sequences
		return true
	case r == 0xFE0F || r == 0x200D || r == 0x20E3:
		return true
	}
	return false
}

// collapse normalizes spacing: single spaces, no trailing blanks, at most
// one empty line between paragraphs.
func collapse(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(reSpaces.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = reBlankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Truncate shortens s to at most max characters, cutting at a word
// boundary and appending an ellipsis.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	limit := max - utf8.RuneCountInString(ellipsis)
	if limit <= 0 {
		return string(runes[:max])
	}
	cut := limit
	for i := limit; i > limit/2; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	out := strings.TrimRightFunc(string(runes[:cut]), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	return out + ellipsis
}
