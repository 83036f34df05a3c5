// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package pac

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

// lexer tokenizes the documented JS subset a PAC script is written in:
// function declarations, var, if/else, return, the usual operators, and
// string/number/boolean literals. Regexes and template literals are not
// part of the PAC grammar and are not supported.
type lexer struct {
	src []rune
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: []rune(src)}
}

func (l *lexer) tokenize() ([]token, error) {
	var toks []token
	for {
		l.skipTrivia()
		if l.pos >= len(l.src) {
			toks = append(toks, token{kind: tokEOF})
			return toks, nil
		}

		c := l.src[l.pos]
		switch {
		case unicode.IsLetter(c) || c == '_' || c == '$':
			toks = append(toks, l.readIdent())
		case unicode.IsDigit(c):
			toks = append(toks, l.readNumber())
		case c == '"' || c == '\'':
			tok, err := l.readString(c)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
		default:
			tok, err := l.readPunct()
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
		}
	}
}

func (l *lexer) skipTrivia() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '/':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '*':
			l.pos += 2
			for l.pos+1 < len(l.src) && !(l.src[l.pos] == '*' && l.src[l.pos+1] == '/') {
				l.pos++
			}
			l.pos += 2
		default:
			return
		}
	}
}

func (l *lexer) readIdent() token {
	start := l.pos
	for l.pos < len(l.src) && (unicode.IsLetter(l.src[l.pos]) || unicode.IsDigit(l.src[l.pos]) || l.src[l.pos] == '_' || l.src[l.pos] == '$') {
		l.pos++
	}
	return token{kind: tokIdent, text: string(l.src[start:l.pos])}
}

func (l *lexer) readNumber() token {
	start := l.pos
	for l.pos < len(l.src) && (unicode.IsDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
		l.pos++
	}
	return token{kind: tokNumber, text: string(l.src[start:l.pos])}
}

func (l *lexer) readString(quote rune) (token, error) {
	l.pos++ // skip opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == quote {
			l.pos++
			return token{kind: tokString, text: sb.String()}, nil
		}
		if c == '\\' && l.pos+1 < len(l.src) {
			l.pos++
			sb.WriteRune(l.src[l.pos])
			l.pos++
			continue
		}
		sb.WriteRune(c)
		l.pos++
	}
	return token{}, fmt.Errorf("pac: unterminated string literal")
}

var multiCharPuncts = []string{"===", "!==", "&&", "||", "==", "!=", "<=", ">="}

func (l *lexer) readPunct() (token, error) {
	rest := string(l.src[l.pos:])
	for _, p := range multiCharPuncts {
		if strings.HasPrefix(rest, p) {
			l.pos += len([]rune(p))
			return token{kind: tokPunct, text: p}, nil
		}
	}

	c := l.src[l.pos]
	l.pos++
	return token{kind: tokPunct, text: string(c)}, nil
}

func parseNumberLiteral(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
