// Package sanitize strips terminal control sequences from tool output so that
// log files and editor output panes receive plain text.
//
// Two families are recognized:
//   - Select Graphic Rendition: ESC [ <digits/semicolons> m
//   - Cursor and erase control: ESC [ <digits> <A B C D E F G H J K S T s u>
//
// Everything else, including newlines, carriage returns, lone ESC bytes and
// CSI sequences outside those families, passes through untouched.
package sanitize

import "regexp"

// controlSeq matches one recognized sequence. Each match is self-contained,
// so callers may sanitize per line or per arbitrary chunk.
var controlSeq = regexp.MustCompile(`\x1b\[(?:[0-9;]*m|[0-9]*[ABCDEFGHJKSTsu])`)

// Strip returns s with all recognized control sequences removed.
func Strip(s string) string {
	if !hasEscape(s) {
		return s
	}
	return controlSeq.ReplaceAllLiteralString(s, "")
}

// StripBytes is the []byte form of Strip. The input slice is not modified.
func StripBytes(b []byte) []byte {
	if !hasEscape(string(b)) {
		return b
	}
	return controlSeq.ReplaceAllLiteral(b, nil)
}

// Contains reports whether s holds at least one recognized sequence.
func Contains(s string) bool {
	return hasEscape(s) && controlSeq.MatchString(s)
}

func hasEscape(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b {
			return true
		}
	}
	return false
}
