package commands

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

func newReqID() string { return uuid.NewString() }

// parseCommandLine splits "/cmd@bot args..." into the lower-cased command
// word, the argument fields and the raw argument text.
func parseCommandLine(text string) (word string, args []string, raw string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, "", false
	}
	head, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		head, rest = text[:i], text[i:]
	}
	word = strings.ToLower(strings.TrimPrefix(head, "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, "", false
	}
	raw = strings.TrimSpace(rest)
	return word, strings.Fields(raw), raw, true
}
