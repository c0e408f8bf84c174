package tts

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	urlPattern      = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	mdLinkPattern   = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdHeaderPattern = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s*`)
	mdBulletPattern = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+\.)\s+`)
	emphasisPattern = regexp.MustCompile("(\\*{1,3}|_{2,3}|~~|`+)")
	currencyPattern = regexp.MustCompile(`\$(\d+(?:[.,]\d+)?)`)
	percentPattern  = regexp.MustCompile(`(\d)\s*%`)
)

var symbolWords = strings.NewReplacer(
	"&", " and ",
	"%", " percent ",
	"+", " plus ",
	"=", " equals ",
	"@", " at ",
	"°", " degrees ",
	"€", " euros ",
	"£", " pounds ",
	"→", " to ",
	"<", " less than ",
	">", " greater than ",
	"|", " ",
	"/", " ",
	"\\", " ",
)

// Normalize rewrites model output into text an engine can speak: links,
// markdown and emoji are removed and symbols become words. It returns the
// empty string when nothing speakable remains.
func Normalize(text string) string {
	text = mdLinkPattern.ReplaceAllString(text, "$1")
	text = urlPattern.ReplaceAllString(text, " ")
	text = mdHeaderPattern.ReplaceAllString(text, "")
	text = mdBulletPattern.ReplaceAllString(text, "")
	text = emphasisPattern.ReplaceAllString(text, "")
	text = currencyPattern.ReplaceAllString(text, "$1 dollars")
	text = percentPattern.ReplaceAllString(text, "$1 percent")
	text = symbolWords.Replace(text)
	text = strings.Map(func(r rune) rune {
		switch {
		case isEmoji(r):
			return -1
		case unicode.IsControl(r):
			return ' '
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")
	if !strings.ContainsFunc(text, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) {
		return ""
	}
	return text
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0xFE00 && r <= 0xFE0F, r == 0x200D, r == 0x20E3:
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF:
		return true
	}
	return unicode.Is(unicode.So, r)
}
