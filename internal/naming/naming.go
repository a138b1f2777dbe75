// Package naming decides which chat names are fit to show.
package naming

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var rawIDPattern = regexp.MustCompile(`^\d+@`)

// MinLength is the shortest name accepted as displayable.
const MinLength = 3

// IsDisplayable reports whether candidate is a real name for chatID rather than
// a raw identifier: non-empty, not the chat id, not shaped like "<digits>@...",
// and at least MinLength characters long.
func IsDisplayable(candidate, chatID string) bool {
	if candidate == "" || candidate == chatID {
		return false
	}
	if rawIDPattern.MatchString(candidate) {
		return false
	}
	return utf8.RuneCountInString(candidate) >= MinLength
}

// Fallback renders a chat id as a last-resort name: the part before '@',
// truncated to 17 characters plus "..." when longer than 20.
func Fallback(chatID string) string {
	user, _, _ := strings.Cut(chatID, "@")
	if utf8.RuneCountInString(user) <= 20 {
		return user
	}
	r := []rune(user)
	return string(r[:17]) + "..."
}

// Pick returns the first displayable candidate for chatID, or "" if none is.
func Pick(chatID string, candidates ...string) string {
	for _, c := range candidates {
		if IsDisplayable(c, chatID) {
			return c
		}
	}
	return ""
}
