// Package text normalizes prompt text before it is spoken.
package text

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxSpokenNumber is the largest integer spelled out as words. Larger
// numbers are read digit by digit by the model.
const MaxSpokenNumber = 999999

const (
	preservePattern   = `https?://\S+|[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`
	numberPattern     = `\d+`
	referencePattern  = `\[\d+\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`
	whitespacePattern = `\s+`
	tokenPlaceholder  = "\x00"
)

var (
	ones = [...]string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen",
	}
	tens = [...]string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
)

// Normalizer rewrites free-form text into something the speech model reads
// naturally. It is safe for concurrent use.
type Normalizer struct {
	preserve     *regexp.Regexp
	numbers      *regexp.Regexp
	references   *regexp.Regexp
	whitespace   *regexp.Regexp
	abbreviation *strings.Replacer
	punctuation  *strings.Replacer
}

// NewNormalizer compiles the patterns used by Normalize.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		preserve:   regexp.MustCompile(preservePattern),
		numbers:    regexp.MustCompile(numberPattern),
		references: regexp.MustCompile(referencePattern),
		whitespace: regexp.MustCompile(whitespacePattern),
		abbreviation: strings.NewReplacer(
			"Mr.", "Mister",
			"Mrs.", "Misses",
			"Dr.", "Doctor",
			"St.", "Saint",
			"vs.", "versus",
			"e.g.", "for example",
			"i.e.", "that is",
			"etc.", "et cetera",
		),
		punctuation: strings.NewReplacer(
			"—", ", ",
			"–", "-",
			"‒", "-",
			"…", "...",
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Normalize expands abbreviations and numbers, drops footnote markers,
// collapses whitespace and makes sure the text ends like a sentence. URLs
// and email addresses pass through untouched.
func (n *Normalizer) Normalize(input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}

	text, tokens := n.hide(input)
	text = n.punctuation.Replace(text)
	text = n.abbreviation.Replace(text)
	text = n.references.ReplaceAllString(text, "")
	text = n.numbers.ReplaceAllStringFunc(text, func(digits string) string {
		value, err := strconv.Atoi(digits)
		if err != nil {
			return digits
		}

		return NumberToWords(value)
	})
	text = n.whitespace.ReplaceAllString(text, " ")
	text = collapseRepeatedPunctuation(strings.TrimSpace(text))

	for _, token := range tokens {
		text = strings.Replace(text, tokenPlaceholder, token, 1)
	}

	return terminate(text)
}

func (n *Normalizer) hide(text string) (string, []string) {
	var tokens []string

	text = n.preserve.ReplaceAllStringFunc(text, func(match string) string {
		tokens = append(tokens, match)

		return tokenPlaceholder
	})

	return text, tokens
}

// collapseRepeatedPunctuation turns runs like "!!!" into a single mark but
// leaves ellipses alone.
func collapseRepeatedPunctuation(text string) string {
	var builder strings.Builder

	var last rune

	for _, char := range text {
		if unicode.IsPunct(char) && char == last && char != '.' {
			continue
		}

		builder.WriteRune(char)

		last = char
	}

	return builder.String()
}

func terminate(text string) string {
	if text == "" {
		return ""
	}

	last, _ := utf8.DecodeLastRuneInString(text)

	switch last {
	case '.', '!', '?', '"', '\'':
		return text
	case ',', ';', ':', '-':
		return strings.TrimRight(text, ",;:- ") + "."
	default:
		return text + "."
	}
}

// NumberToWords spells out n in English. Values outside 0..MaxSpokenNumber
// are returned as digits.
func NumberToWords(n int) string {
	if n < 0 || n > MaxSpokenNumber {
		return strconv.Itoa(n)
	}

	if n < len(ones) {
		return ones[n]
	}

	var parts []string

	if n >= 1000 {
		parts = append(parts, underThousand(n/1000)+" thousand")
		n %= 1000
	}

	if n > 0 {
		parts = append(parts, underThousand(n))
	}

	return strings.Join(parts, " ")
}

func underThousand(n int) string {
	var parts []string

	if n >= 100 {
		parts = append(parts, ones[n/100]+" hundred")
		n %= 100
	}

	switch {
	case n == 0:
	case n < len(ones):
		parts = append(parts, ones[n])
	case n%10 == 0:
		parts = append(parts, tens[n/10])
	default:
		parts = append(parts, tens[n/10]+"-"+ones[n%10])
	}

	return strings.Join(parts, " ")
}
