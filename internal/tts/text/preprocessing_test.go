package text_test

import (
	"testing"

	"github.com/book-expert/voice-clone-service/internal/tts/text"
)

type normalizeTestCase struct {
	name     string
	input    string
	expected string
}

func runNormalizeTests(t *testing.T, tests []normalizeTestCase) {
	t.Helper()

	normalizer := text.NewNormalizer()

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			result := normalizer.Normalize(testCase.input)
			if result != testCase.expected {
				t.Errorf("Normalize(%q) = %q, want %q", testCase.input, result, testCase.expected)
			}
		})
	}
}

func TestNormalizer_Normalize(t *testing.T) {
	t.Parallel()

	runNormalizeTests(t, []normalizeTestCase{
		{name: "empty", input: "", expected: ""},
		{name: "blank", input: "  \n\t ", expected: ""},
		{name: "adds period", input: "Hello world", expected: "Hello world."},
		{name: "keeps question", input: "Are you there?", expected: "Are you there?"},
		{name: "abbreviation", input: "Dr. Smith has 3 cats", expected: "Doctor Smith has three cats."},
		{name: "collapses whitespace", input: "one\n\n  two\tthree.", expected: "one two three."},
		{name: "repeated marks", input: "Wait!!! Really??", expected: "Wait! Really?"},
		{name: "ellipsis", input: "Well…", expected: "Well..."},
		{name: "smart quotes", input: "He said “hi”", expected: `He said "hi"`},
		{name: "footnote", input: "See the note [2] here.", expected: "See the note here."},
		{name: "trailing colon", input: "The list:", expected: "The list."},
		{name: "large number", input: "1500 people", expected: "one thousand five hundred people."},
	})
}

func TestNormalizer_PreservesURLsAndEmails(t *testing.T) {
	t.Parallel()

	runNormalizeTests(t, []normalizeTestCase{
		{
			name:     "url digits untouched",
			input:    "Visit https://example.com/page2 in 2 minutes",
			expected: "Visit https://example.com/page2 in two minutes.",
		},
		{
			name:     "email and url in order",
			input:    "Mail user1@example.com or see http://a.io/x9!",
			expected: "Mail user1@example.com or see http://a.io/x9!",
		},
	})
}

func TestNumberToWords(t *testing.T) {
	t.Parallel()

	tests := map[int]string{
		0:      "zero",
		7:      "seven",
		13:     "thirteen",
		40:     "forty",
		42:     "forty-two",
		100:    "one hundred",
		123:    "one hundred twenty-three",
		1000:   "one thousand",
		21005:  "twenty-one thousand five",
		999999: "nine hundred ninety-nine thousand nine hundred ninety-nine",
		-5:     "-5",
		1e6:    "1000000",
	}

	for number, expected := range tests {
		if got := text.NumberToWords(number); got != expected {
			t.Errorf("NumberToWords(%d) = %q, want %q", number, got, expected)
		}
	}
}
