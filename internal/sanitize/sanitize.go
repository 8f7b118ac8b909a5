// Package sanitize folds decorative Unicode lettering in display names back to
// plain text.
package sanitize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"warden/internal/model"
)

const DefaultFallbackName = "nickname"

// Small capitals have no compatibility decomposition, so NFKC leaves them alone.
var smallCaps = map[rune]rune{
	'ᴀ': 'a', 'ʙ': 'b', 'ᴄ': 'c', 'ᴅ': 'd', 'ᴇ': 'e', 'ꜰ': 'f', 'ɢ': 'g',
	'ʜ': 'h', 'ɪ': 'i', 'ᴊ': 'j', 'ᴋ': 'k', 'ʟ': 'l', 'ᴍ': 'm', 'ɴ': 'n',
	'ᴏ': 'o', 'ᴘ': 'p', 'ʀ': 'r', 'ꜱ': 's', 'ᴛ': 't', 'ᴜ': 'u', 'ᴠ': 'v',
	'ᴡ': 'w', 'ʏ': 'y', 'ᴢ': 'z',
}

// fancyLetters are the blocks whose compatibility forms are decorative copies
// of Latin letters and digits. Everything else, such as ™, superscripts,
// vulgar fractions and halfwidth kana, is left as typed.
var fancyLetters = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x210a, Hi: 0x2113, Stride: 1}, // script and fraktur h, l, I, H
		{Lo: 0x2115, Hi: 0x2115, Stride: 1},
		{Lo: 0x2119, Hi: 0x211d, Stride: 1},
		{Lo: 0x2124, Hi: 0x2124, Stride: 1},
		{Lo: 0x2128, Hi: 0x2128, Stride: 1},
		{Lo: 0x212c, Hi: 0x212d, Stride: 1},
		{Lo: 0x212f, Hi: 0x2131, Stride: 1},
		{Lo: 0x2133, Hi: 0x2134, Stride: 1},
		{Lo: 0x2460, Hi: 0x24ff, Stride: 1}, // enclosed alphanumerics
		{Lo: 0xff01, Hi: 0xff5e, Stride: 1}, // fullwidth ASCII
	},
	R32: []unicode.Range32{
		{Lo: 0x1d400, Hi: 0x1d7ff, Stride: 1}, // mathematical alphanumerics
		{Lo: 0x1f100, Hi: 0x1f1ff, Stride: 1}, // enclosed alphanumeric supplement
	},
}

func foldSmallCaps(r rune) rune {
	if out, ok := smallCaps[r]; ok {
		return out
	}
	return r
}

// ReplaceFancy maps mathematical, fullwidth, enclosed and small-capital letter
// forms to their plain equivalents and trims surrounding space.
func ReplaceFancy(s string) string {
	t := transform.Chain(
		runes.Map(foldSmallCaps),
		runes.If(runes.In(fancyLetters), norm.NFKC, nil),
	)
	out, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(out)
}

// Nickname applies the guild's sanitizer settings to name. It reports the name
// to set and whether it differs from the input. Surrounding space is always
// trimmed and a name that ends up blank is replaced by the fallback.
func Nickname(name string, opts model.NameSanitizerSettings) (string, bool) {
	sanitized := name
	if opts.CleanFancyCharacters {
		sanitized = ReplaceFancy(name)
	}
	sanitized = strings.TrimSpace(sanitized)
	if sanitized == "" {
		sanitized = opts.BlankFallbackName
		if sanitized == "" {
			sanitized = DefaultFallbackName
		}
	}
	return sanitized, sanitized != name
}
