package web

import (
	"regexp"
	"strings"
	"unicode"
)

// chatIDRegex limits chat ids to characters that are safe in URLs and as
// file names of the event log.
var chatIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// IsValidChatID checks if the given string can name a chat.
func IsValidChatID(id string) bool {
	return chatIDRegex.MatchString(id) && !strings.Contains(id, "..")
}

// MaxInputLength is the maximum accepted length of a user input, in bytes.
const MaxInputLength = 32 * 1024

// ValidateUserInput checks a chat.user_input text.
// Returns an error message if invalid, empty string if valid.
func ValidateUserInput(text string) string {
	if strings.TrimSpace(text) == "" {
		return "Message cannot be empty"
	}
	if len(text) > MaxInputLength {
		return "Message is too long"
	}
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return "Message cannot contain control characters"
		}
	}
	return ""
}
