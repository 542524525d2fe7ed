// Package phrases interprets agent speech for touch-tone commands and call-ending language.
package phrases

import (
	"regexp"
	"strings"
)

var (
	nonSpeechChars = regexp.MustCompile(`[^a-z0-9 ]+`)
	digitCommand   = regexp.MustCompile(`\b(?:press|dial|number)\s+(\d)\b`)
	wordCommand    = regexp.MustCompile(`\b(?:press|dial|number)\s+(zero|one|two|three|four|five|six|seven|eight|nine)\b`)
)

var digitWords = map[string]string{
	"zero":  "0",
	"one":   "1",
	"two":   "2",
	"three": "3",
	"four":  "4",
	"five":  "5",
	"six":   "6",
	"seven": "7",
	"eight": "8",
	"nine":  "9",
}

// DigitCommand is a spoken request to send one touch-tone digit.
type DigitCommand struct {
	Digit string
	// AnnounceOnly is set when the utterance is just the announcement of the
	// key press, so the rest of its playback can be dropped.
	AnnounceOnly bool
}

// Simplify lower-cases text and drops everything except letters, digits and spaces.
func Simplify(text string) string {
	return nonSpeechChars.ReplaceAllString(strings.ToLower(text), "")
}

// ParseDigitCommand extracts the first touch-tone request in text.
// Numeric forms ("press 3") win over spelled forms ("press three").
func ParseDigitCommand(text string) (DigitCommand, bool) {
	simplified := Simplify(text)
	if simplified == "" {
		return DigitCommand{}, false
	}

	var digit string
	if m := digitCommand.FindStringSubmatch(simplified); m != nil {
		digit = m[1]
	} else if m := wordCommand.FindStringSubmatch(simplified); m != nil {
		digit = digitWords[m[1]]
	}
	if digit == "" {
		return DigitCommand{}, false
	}

	return DigitCommand{
		Digit:        digit,
		AnnounceOnly: isAnnouncement(simplified, digit),
	}, true
}

func isAnnouncement(simplified, digit string) bool {
	for _, prefix := range []string{"i will press ", "press ", "number ", "dial "} {
		if strings.Contains(simplified, prefix+digit) {
			return true
		}
	}
	return false
}
