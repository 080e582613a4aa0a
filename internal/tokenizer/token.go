// Package tokenizer replaces PII findings with reversible, structured tokens
// and restores them in returned text.
//
// A token has the form $<Kind><N>_<label>_<hash4>, for example
// $Person1_email_3f2a, where hash4 is taken from the SHA-256 of the value.
package tokenizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const hashLen = 4

// tokenPattern is the token grammar: $ + capitalized word + digits + _label + _4 hex
var tokenPattern = regexp.MustCompile(`\$[A-Z][a-z]+\d+_[a-z]+_[0-9a-f]{4}`)

// TokenMap maps each token to the original value it replaced
type TokenMap map[string]string

// FormatToken builds a token from its parts
func FormatToken(entityID, label, hash string) string {
	return fmt.Sprintf("$%s_%s_%s", entityID, label, hash)
}

// valueDigest returns the full hex SHA-256 of value
func valueDigest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// FindTokens returns every token-shaped substring of text, in order
func FindTokens(text string) []string {
	if !strings.Contains(text, "$") {
		return nil
	}
	return tokenPattern.FindAllString(text, -1)
}

// ContainsToken reports whether text holds at least one token-shaped substring
func ContainsToken(text string) bool {
	return strings.Contains(text, "$") && tokenPattern.MatchString(text)
}
