package chatsync

import "strings"

// NewlinePlaceholder is the reserved token stored in place of line breaks.
// Message text is kept single-line in the store so every backend can treat it
// as an opaque field.
const NewlinePlaceholder = "␤"

var lineBreaks = strings.NewReplacer("\r\n", NewlinePlaceholder, "\r", NewlinePlaceholder, "\n", NewlinePlaceholder)

// Sanitize trims surrounding whitespace and encodes every line break
// (\r\n, \r or \n) as NewlinePlaceholder.
func Sanitize(raw string) string {
	return lineBreaks.Replace(strings.TrimSpace(raw))
}

// Desanitize turns stored text back into displayable text.
//
// Text that literally contained NewlinePlaceholder before Sanitize comes back
// with a line break in its place; the encoding cannot tell the two apart.
func Desanitize(stored string) string {
	return strings.ReplaceAll(stored, NewlinePlaceholder, "\n")
}
