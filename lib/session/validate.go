// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"strings"
)

// Special usernames that start incognito sessions and bypass email
// validation.
const (
	GuestUser = "$guest"
	DemoUser  = "demouser@"
)

// maxEmailLength bounds accepted emails.
const maxEmailLength = 200

// IsIncognito reports whether email names an incognito session.
func IsIncognito(email string) bool {
	return email == GuestUser || email == DemoUser
}

// CanonicalizeEmail lowercases and validates an email. Incognito
// sentinels pass through unchanged. Valid emails contain only
// [a-zA-Z0-9.@+_-], exactly one @, and at least one character on each
// side of it.
func CanonicalizeEmail(email string) (string, error) {
	if IsIncognito(email) {
		return email, nil
	}
	email = strings.ToLower(email)
	if len(email) == 0 || len(email) > maxEmailLength {
		return "", fmt.Errorf("email length %d out of range", len(email))
	}

	atIndex := -1
	for i := 0; i < len(email); i++ {
		c := email[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '.', c == '+', c == '_', c == '-':
		case c == '@':
			if atIndex >= 0 {
				return "", fmt.Errorf("more than one @ in email")
			}
			atIndex = i
		default:
			return "", fmt.Errorf("illegal character %q in email", c)
		}
	}
	if atIndex <= 0 || atIndex == len(email)-1 {
		return "", fmt.Errorf("email must have a user and a domain part")
	}
	return email, nil
}

// SplitArguments tokenizes a shell-style argument string: whitespace
// separates tokens, single and double quotes group, backslash escapes
// the next character outside single quotes.
func SplitArguments(s string) ([]string, error) {
	var args []string
	var current strings.Builder
	inToken := false
	var quote byte

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote == '\'':
			if c == '\'' {
				quote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '\\':
			if i+1 >= len(s) {
				return nil, fmt.Errorf("trailing backslash")
			}
			i++
			current.WriteByte(s[i])
			inToken = true
		case quote == '"':
			if c == '"' {
				quote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inToken = true
		case c == ' ' || c == '\t' || c == '\n':
			if inToken {
				args = append(args, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteByte(c)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if inToken {
		args = append(args, current.String())
	}
	return args, nil
}
