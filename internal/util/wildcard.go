package util

import (
	"regexp"
	"strings"
)

// WildcardMatch reports whether text matches pattern, where '*' matches any
// run of characters (including none) and '?' matches exactly one character.
// Every other character matches literally, regexp metacharacters included.
// The whole text must match; there is no substring mode.
func WildcardMatch(text, pattern string) bool {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	escaped = strings.ReplaceAll(escaped, `\?`, `.`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return false
	}
	return re.MatchString(text)
}
