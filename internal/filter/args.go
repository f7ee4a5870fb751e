package filter

import (
	"strings"
)

// SplitArgs splits a tsArgs string into arguments. Single and double quotes
// group words and a backslash escapes the next character.
func SplitArgs(s string) []string {
	var result []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)
	escaped := false
	// quoted empty strings ("") still count as an argument
	pending := false

	for _, r := range s {
		if escaped {
			current.WriteRune(r)
			escaped = false
			continue
		}

		if r == '\\' {
			escaped = true
			pending = true
			continue
		}

		if r == '"' || r == '\'' {
			if !inQuote {
				inQuote = true
				quoteChar = r
				pending = true
			} else if r == quoteChar {
				inQuote = false
			} else {
				current.WriteRune(r)
			}
			continue
		}

		if (r == ' ' || r == '\t' || r == '\n') && !inQuote {
			if pending || current.Len() > 0 {
				result = append(result, current.String())
				current.Reset()
				pending = false
			}
			continue
		}

		current.WriteRune(r)
		pending = true
	}

	if pending || current.Len() > 0 {
		result = append(result, current.String())
	}

	return result
}
