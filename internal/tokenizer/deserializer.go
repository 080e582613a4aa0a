package tokenizer

import (
	"sort"
	"strings"
)

// Deserialize replaces every token of tokenMap found in text with its
// original value. Tokens missing from the map are left verbatim.
func Deserialize(text string, tokenMap TokenMap) string {
	restored, _ := Restore(text, tokenMap)
	return restored
}

// Restore is Deserialize that also reports how many token occurrences were replaced
func Restore(text string, tokenMap TokenMap) (string, int) {
	if len(tokenMap) == 0 || !strings.Contains(text, "$") {
		return text, 0
	}

	tokens := make([]string, 0, len(tokenMap))
	for token := range tokenMap {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})

	replaced := 0
	pairs := make([]string, 0, 2*len(tokens))
	for _, token := range tokens {
		n := strings.Count(text, token)
		if n == 0 {
			continue
		}
		replaced += n
		pairs = append(pairs, token, tokenMap[token])
	}
	if replaced == 0 {
		return text, 0
	}

	// Single pass, so restored values are never rescanned for tokens
	return strings.NewReplacer(pairs...).Replace(text), replaced
}

// Unresolved returns the token-shaped substrings of text that tokenMap cannot restore
func Unresolved(text string, tokenMap TokenMap) []string {
	var missing []string
	for _, token := range FindTokens(text) {
		if _, ok := tokenMap[token]; !ok {
			missing = append(missing, token)
		}
	}
	return missing
}
