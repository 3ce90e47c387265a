package config

import (
	"strings"
	"unicode"
)

type splitState uint8

const (
	betweenFields splitState = iota
	inField
	inQuote
	afterEscape
)

// SplitQuotedFields splits in around runs of white space, like
// strings.Fields, except inside areas enclosed in quote. Inside a quoted
// area a backslash escapes the next character, so '\'' is a single quote.
// A quoted empty string is kept as an empty field.
func SplitQuotedFields(in string, quote rune) []string {
	fields := []string{}
	var cur strings.Builder
	state := betweenFields

	flush := func() {
		fields = append(fields, cur.String())
		cur.Reset()
	}

	for _, ch := range in {
		switch state {
		case betweenFields, inField:
			switch {
			case ch == quote:
				state = inQuote
			case unicode.IsSpace(ch):
				if state == inField {
					flush()
					state = betweenFields
				}
			default:
				cur.WriteRune(ch)
				state = inField
			}
		case inQuote:
			switch ch {
			case quote:
				state = inField
			case '\\':
				state = afterEscape
			default:
				cur.WriteRune(ch)
			}
		case afterEscape:
			cur.WriteRune(ch)
			state = inQuote
		}
	}

	if state != betweenFields {
		flush()
	}
	return fields
}
