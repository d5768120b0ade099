// Package sqlguard gates model-generated SQL before it reaches the
// database. The completion prompt asks for SELECT-only output, but a
// prompt is an instruction, not an enforcement: this package is the
// enforcement.
package sqlguard

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyStatement     = errors.New("empty statement")
	ErrMultipleStatements = errors.New("multiple statements")
	ErrNotReadOnly        = errors.New("statement is not read-only")
)

// Keywords rejected anywhere outside string literals and comments.
// Scanning the whole statement (not just the head) also catches
// writable CTEs such as WITH x AS (DELETE ...).
var forbiddenKeywords = map[string]struct{}{
	"insert": {}, "update": {}, "delete": {}, "drop": {}, "alter": {},
	"create": {}, "truncate": {}, "grant": {}, "revoke": {},
	"replace": {}, "merge": {}, "call": {}, "set": {}, "use": {},
	"lock": {}, "unlock": {}, "load": {}, "rename": {},
}

// EnsureReadOnly accepts a statement only when it is a single SELECT
// (or WITH ... SELECT) with no write or DDL keyword in token position.
// The scan is quote- and comment-aware but is deliberately a token
// filter, not a SQL parser: identifiers that collide with a forbidden
// keyword are rejected too, which errs on the safe side.
func EnsureReadOnly(statement string) error {
	tokens, terminated, err := scanTokens(statement)
	if err != nil {
		return err
	}
	if !terminated {
		return ErrMultipleStatements
	}
	if len(tokens) == 0 {
		return ErrEmptyStatement
	}

	switch tokens[0] {
	case "select", "with":
	default:
		return fmt.Errorf("%w: starts with %q", ErrNotReadOnly, tokens[0])
	}

	for _, token := range tokens {
		if _, bad := forbiddenKeywords[token]; bad {
			return fmt.Errorf("%w: contains %q", ErrNotReadOnly, token)
		}
	}
	return nil
}

// scanTokens lowercases the word tokens of the statement, skipping
// string literals, quoted identifiers, and comments. terminated is
// false when a semicolon is followed by more statement text.
func scanTokens(statement string) (tokens []string, terminated bool, err error) {
	runes := []rune(statement)
	var word []rune
	flush := func() {
		if len(word) > 0 {
			tokens = append(tokens, strings.ToLower(string(word)))
			word = word[:0]
		}
	}

	sawSemicolon := false
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if sawSemicolon {
			// Only whitespace and comments may follow the statement.
			switch {
			case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ';':
				continue
			case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
				i = skipLineComment(runes, i)
				continue
			case r == '#':
				i = skipLineComment(runes, i)
				continue
			case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
				i = skipBlockComment(runes, i)
				continue
			default:
				return nil, false, nil
			}
		}

		switch {
		case r == '\'' || r == '"' || r == '`':
			flush()
			i = skipQuoted(runes, i, r)
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			flush()
			i = skipLineComment(runes, i)
		case r == '#':
			flush()
			i = skipLineComment(runes, i)
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			flush()
			i = skipBlockComment(runes, i)
		case r == ';':
			flush()
			sawSemicolon = true
		case isWordRune(r):
			word = append(word, r)
		default:
			flush()
		}
	}
	flush()
	return tokens, true, nil
}

func isWordRune(r rune) bool {
	return r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func skipQuoted(runes []rune, start int, quote rune) int {
	for i := start + 1; i < len(runes); i++ {
		if runes[i] == '\\' && quote != '`' {
			i++
			continue
		}
		if runes[i] == quote {
			// Doubled quote is an escaped quote, not a terminator.
			if i+1 < len(runes) && runes[i+1] == quote {
				i++
				continue
			}
			return i
		}
	}
	return len(runes)
}

func skipLineComment(runes []rune, start int) int {
	for i := start; i < len(runes); i++ {
		if runes[i] == '\n' {
			return i
		}
	}
	return len(runes)
}

func skipBlockComment(runes []rune, start int) int {
	for i := start + 2; i+1 < len(runes); i++ {
		if runes[i] == '*' && runes[i+1] == '/' {
			return i + 1
		}
	}
	return len(runes)
}
