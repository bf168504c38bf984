// Package shellquote escapes strings for safe interpolation into POSIX
// shell command lines.
package shellquote

import "strings"

// Quote wraps s in single quotes, escaping any embedded single quote
// as '\''. Inside single quotes every other metacharacter is literal,
// so the result is safe to splice into a shell command.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Join quotes each argument and joins them with spaces.
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
