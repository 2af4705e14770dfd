package jobspec

import (
	"fmt"
	"strings"
)

// ParseCommand splits a command line into arguments. Single quotes preserve
// everything literally, double quotes allow backslash escapes.
func ParseCommand(s string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		inArg   bool
		quote   rune
		escaped bool
	)

	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inArg = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == ' ' || r == '\t' || r == '\n':
			if inArg {
				args = append(args, current.String())
				current.Reset()
				inArg = false
			}
		default:
			current.WriteRune(r)
			inArg = true
		}
	}

	if escaped {
		return nil, fmt.Errorf("trailing backslash in '%s'", s)
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote in '%s'", quote, s)
	}
	if inArg {
		args = append(args, current.String())
	}
	return args, nil
}
