package phrases

import "strings"

var endPhrases = []string{
	"goodbye",
	"have a great day",
	"have a nice day",
	"unable to help",
	"can not verify",
	"thanks for calling",
}

// IsCallEnding reports whether text contains language that closes the conversation.
func IsCallEnding(text string) bool {
	lower := strings.ToLower(text)
	if lower == "" {
		return false
	}
	for _, p := range endPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return strings.Contains(lower, "thank you") && strings.Contains(lower, "bye")
}
