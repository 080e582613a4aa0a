package tokenizer

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/raaihank/pii-sentinel/internal/privacy"
)

// DefaultProximityThreshold is the gap, in characters, that starts a new entity
const DefaultProximityThreshold = 50

// Serializer groups findings into entities and replaces them with tokens.
// Entity counters live on the instance: use one Serializer per message and
// never share it between goroutines.
type Serializer struct {
	proximity int
	counters  map[privacy.EntityKind]int
}

// Result is the outcome of one Serialize call
type Result struct {
	Text       string
	TokenMap   TokenMap
	Entities   []string // entity ids in order of first appearance
	Collisions int      // distinct values whose leading hash prefix was already taken
}

// NewSerializer creates a serializer. A non-positive threshold uses the default.
func NewSerializer(proximityThreshold int) *Serializer {
	if proximityThreshold <= 0 {
		proximityThreshold = DefaultProximityThreshold
	}
	return &Serializer{
		proximity: proximityThreshold,
		counters:  make(map[privacy.EntityKind]int),
	}
}

// Reset clears the entity counters
func (s *Serializer) Reset() {
	s.counters = make(map[privacy.EntityKind]int)
}

// Serialize replaces every finding in text with its token. Findings must refer
// to text; spans that overlap an earlier finding or fall outside text are ignored.
func (s *Serializer) Serialize(text string, findings []privacy.Finding) Result {
	result := Result{Text: text, TokenMap: TokenMap{}}
	if len(findings) == 0 {
		return result
	}

	ordered := make([]privacy.Finding, len(findings))
	copy(ordered, findings)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	type replacement struct {
		start, end int
		token      string
	}
	replacements := make([]replacement, 0, len(ordered))

	var entityID string
	lastEnd := -1
	for _, f := range ordered {
		if f.Start < 0 || f.End > len(text) || f.End <= f.Start || f.Start < lastEnd {
			continue
		}

		if lastEnd < 0 || utf8.RuneCountInString(text[lastEnd:f.Start]) >= s.proximity {
			entityID = s.nextEntity(f.Type.Kind())
			result.Entities = append(result.Entities, entityID)
		}

		value := text[f.Start:f.End]
		token, collided := assignToken(result.TokenMap, entityID, f.Type.Label(), value)
		if collided {
			result.Collisions++
		}

		replacements = append(replacements, replacement{start: f.Start, end: f.End, token: token})
		lastEnd = f.End
	}

	// Rightmost first so earlier offsets stay valid
	out := text
	for i := len(replacements) - 1; i >= 0; i-- {
		r := replacements[i]
		out = out[:r.start] + r.token + out[r.end:]
	}
	result.Text = out

	return result
}

func (s *Serializer) nextEntity(kind privacy.EntityKind) string {
	s.counters[kind]++
	return fmt.Sprintf("%s%d", kind, s.counters[kind])
}

// assignToken returns the token for value and records it in m. The hash
// suffix is the first 4 hex chars of SHA-256(value); when that token already
// maps to a different value the next 4-char window of the digest is used, so
// the token format never changes and no value is overwritten. collided is
// true when value was newly assigned a non-leading window.
func assignToken(m TokenMap, entityID, label, value string) (token string, collided bool) {
	digest := valueDigest(value)
	for off := 0; off+hashLen <= len(digest); off += hashLen {
		token = FormatToken(entityID, label, digest[off:off+hashLen])
		existing, ok := m[token]
		if !ok {
			m[token] = value
			return token, off > 0
		}
		if existing == value {
			return token, false
		}
	}
	// Every window taken by another value: last write wins
	m[token] = value
	return token, true
}
