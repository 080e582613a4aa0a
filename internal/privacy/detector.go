package privacy

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/raaihank/pii-sentinel/internal/logger"
	"go.uber.org/zap"
)

const (
	patternConfidence     = 0.9
	addressConfidence     = 0.85
	nameContextConfidence = 0.85
	nameConfidence        = 0.65

	contextRadius     = 30
	nameContextRadius = 50
	elision           = "..."
)

// GetDefaultRules returns the fixed-pattern and structural detection rules
func GetDefaultRules() []DetectionRule {
	return []DetectionRule{
		{Type: Email, Pattern: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), Confidence: patternConfidence},
		{Type: Phone, Pattern: regexp.MustCompile(`(?:\+?1[\-.\s]?)?(?:\(\d{3}\)|\b\d{3})[\-.\s]?\d{3}[\-.\s]?\d{4}\b`), Confidence: patternConfidence},
		{Type: SSN, Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), Confidence: patternConfidence},
		{Type: CreditCard, Pattern: regexp.MustCompile(`\b(?:\d{4}[\-\s]?){3}\d{4}\b`), Confidence: patternConfidence},
		{Type: IPAddress, Pattern: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`), Confidence: patternConfidence},
		{Type: DateOfBirth, Pattern: regexp.MustCompile(`\b(?:(?:0?[1-9]|1[0-2])[/\-](?:0?[1-9]|[12]\d|3[01])[/\-](?:19|20)\d{2}|(?:19|20)\d{2}-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12]\d|3[01]))\b`), Confidence: patternConfidence},
		{Type: BankAccount, Pattern: regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`), Confidence: patternConfidence},
		{Type: MedicalRecord, Pattern: regexp.MustCompile(`(?i)\b(?:MRN|medical\s+record(?:\s+(?:no\.?|number))?)\s*[:#]?\s*([A-Z0-9]{6,12})\b`), Group: 1, Confidence: patternConfidence},
		{Type: AccountNumber, Pattern: regexp.MustCompile(`(?i)\b(?:acct|account)\s*(?:no\.?|number|#)?\s*[:#]?\s*(\d{6,17})\b`), Group: 1, Confidence: patternConfidence},
		{Type: Username, Pattern: regexp.MustCompile(`(?i)\b(?:user(?:name)?|login|handle)\s*[:=]\s*([A-Za-z0-9_.\-]{3,32})`), Group: 1, Confidence: patternConfidence},
		{Type: DriversLicense, Pattern: regexp.MustCompile(`(?i)\b(?:driver'?s?\s+licen[cs]e|DL)\s*(?:no\.?|number|#)?\s*[:#]?\s*([A-Z0-9]{5,15})\b`), Group: 1, Confidence: patternConfidence},
		{Type: Address, Pattern: regexp.MustCompile(`\b\d{1,6}(?: +\p{Lu}\p{Ll}*)+ +(?:Street|St|Avenue|Ave|Road|Rd|Drive|Dr|Lane|Ln|Boulevard|Blvd)\b`), Confidence: addressConfidence},
	}
}

var capitalizedRun = regexp.MustCompile(`\p{Lu}\p{Ll}+(?:-\p{Lu}\p{Ll}+)?(?: +\p{Lu}\p{Ll}+(?:-\p{Lu}\p{Ll}+)?)*`)

// nameStopWords are capitalized words trimmed from the edges of a name candidate
var nameStopWords = toSet(
	"the", "a", "an", "and", "or", "but", "if", "so", "i", "we", "you", "he", "she", "they",
	"my", "our", "your", "his", "her", "their", "this", "that", "these", "those", "is", "was", "are",
	"contact", "call", "email", "please", "dear", "hello", "hi", "hey", "thanks", "thank", "regards",
	"best", "sincerely", "from", "to", "for", "with", "at", "on", "in", "by", "of", "send", "ask",
	"tell", "meet", "see", "reach", "mr", "mrs", "ms", "miss", "dr", "prof", "sir", "madam",
	"patient", "customer", "client", "name", "user", "account", "card", "phone", "address",
	"street", "avenue", "road", "drive", "lane", "boulevard",
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	"january", "february", "march", "april", "may", "june", "july", "august",
	"september", "october", "november", "december", "today", "tomorrow", "yesterday",
)

// nameKeywords raise a name candidate's confidence when found nearby
var nameKeywords = toSet(
	"name", "named", "patient", "mr", "mrs", "ms", "dr", "customer", "client", "contact",
	"dear", "employee", "member", "applicant", "signed", "sincerely", "regards", "user",
)

// Detector scans text for PII findings
type Detector struct {
	rules  []DetectionRule
	logger *logger.Logger
}

// New creates a new PII detector instance
func New(log *logger.Logger) *Detector {
	d := &Detector{
		rules:  GetDefaultRules(),
		logger: log,
	}

	log.Info("Privacy detector initialized",
		zap.Int("pattern_rules", len(d.rules)),
		zap.Int("supported_types", len(AllTypes)),
	)

	return d
}

// Detect returns non-overlapping findings for the enabled types, ordered by start
func (d *Detector) Detect(text string, enabledTypes []PIIType) []Finding {
	if len(enabledTypes) == 0 || text == "" {
		return []Finding{}
	}

	enabled := make(map[PIIType]bool, len(enabledTypes))
	for _, t := range enabledTypes {
		enabled[t] = true
	}

	var candidates []Finding
	for _, rule := range d.rules {
		if !enabled[rule.Type] {
			continue
		}
		candidates = append(candidates, d.runPass(string(rule.Type), text, func() []Finding {
			return matchRule(text, rule)
		})...)
	}

	if enabled[PersonName] {
		candidates = append(candidates, d.runPass(string(PersonName), text, func() []Finding {
			return detectNames(text)
		})...)
	}

	findings := resolveOverlaps(candidates)

	if len(findings) > 0 {
		d.logger.Debug("PII detected",
			zap.Int("candidates", len(candidates)),
			zap.Int("findings", len(findings)),
		)
	}

	return findings
}

// runPass executes one detection pass. A panicking pass is logged and
// contributes no findings; malformed spans are dropped.
func (d *Detector) runPass(name, text string, pass func() []Finding) (findings []Finding) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Detection pass failed",
				zap.String("pass", name),
				zap.Any("panic", r),
			)
			findings = nil
		}
	}()

	raw := pass()
	findings = raw[:0]
	for _, f := range raw {
		if !validSpan(text, f.Start, f.End) {
			d.logger.Debug("Discarding malformed match",
				zap.String("pass", name),
				zap.Int("start", f.Start),
				zap.Int("end", f.End),
			)
			continue
		}
		findings = append(findings, f)
	}
	return findings
}

func matchRule(text string, rule DetectionRule) []Finding {
	var findings []Finding
	for _, loc := range rule.Pattern.FindAllStringSubmatchIndex(text, -1) {
		if 2*rule.Group+1 >= len(loc) {
			continue
		}
		start, end := loc[2*rule.Group], loc[2*rule.Group+1]
		if start < 0 || end <= start {
			continue
		}
		findings = append(findings, newFinding(text, rule.Type, start, end, rule.Confidence))
	}
	return findings
}

// detectNames applies the capitalized-run heuristic: runs of capitalized words,
// edges trimmed of stop words and honorifics, reported as 2-3 word candidates
func detectNames(text string) []Finding {
	var findings []Finding
	for _, loc := range capitalizedRun.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if r, _ := utf8.DecodeLastRuneInString(text[:start]); start > 0 && isWordRune(r) {
			continue
		}
		if r, _ := utf8.DecodeRuneInString(text[end:]); end < len(text) && isWordRune(r) {
			continue
		}

		words := wordSpans(text, start, end)
		for len(words) > 0 && nameStopWords[strings.ToLower(text[words[0][0]:words[0][1]])] {
			words = words[1:]
		}
		for len(words) > 0 && nameStopWords[strings.ToLower(text[words[len(words)-1][0]:words[len(words)-1][1]])] {
			words = words[:len(words)-1]
		}
		for _, name := range nameGroups(words) {
			nameStart, nameEnd := name[0][0], name[len(name)-1][1]
			confidence := nameConfidence
			if hasNameKeyword(text, nameStart, nameEnd) {
				confidence = nameContextConfidence
			}
			findings = append(findings, newFinding(text, PersonName, nameStart, nameEnd, confidence))
		}
	}
	return findings
}

// nameGroups splits a run of capitalized words into candidates of 2 or 3
// words covering the whole run. A single word yields nothing.
func nameGroups(words [][2]int) [][][2]int {
	var groups [][][2]int
	for len(words) > 3 {
		n := 3
		if len(words) == 4 {
			n = 2
		}
		groups = append(groups, words[:n])
		words = words[n:]
	}
	if len(words) >= 2 {
		groups = append(groups, words)
	}
	return groups
}

// wordSpans splits text[start:end] on spaces and returns byte spans of the words
func wordSpans(text string, start, end int) [][2]int {
	var spans [][2]int
	wordStart := -1
	for i := start; i < end; i++ {
		if text[i] == ' ' {
			if wordStart >= 0 {
				spans = append(spans, [2]int{wordStart, i})
				wordStart = -1
			}
			continue
		}
		if wordStart < 0 {
			wordStart = i
		}
	}
	if wordStart >= 0 {
		spans = append(spans, [2]int{wordStart, end})
	}
	return spans
}

func hasNameKeyword(text string, start, end int) bool {
	ws, we := runeWindow(text, start, end, nameContextRadius)
	words := strings.FieldsFunc(strings.ToLower(text[ws:we]), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		if nameKeywords[w] {
			return true
		}
	}
	return false
}

func newFinding(text string, t PIIType, start, end int, confidence float64) Finding {
	return Finding{
		Type:       t,
		Value:      text[start:end],
		Start:      start,
		End:        end,
		Confidence: confidence,
		Context:    extractContext(text, start, end),
	}
}

// extractContext returns +-30 runes around the span, marking clipped edges
func extractContext(text string, start, end int) string {
	ws, we := runeWindow(text, start, end, contextRadius)
	context := text[ws:we]
	if ws > 0 {
		context = elision + context
	}
	if we < len(text) {
		context += elision
	}
	return context
}

// runeWindow widens [start,end) by radius runes on each side, clipped to text
func runeWindow(text string, start, end, radius int) (int, int) {
	ws := start
	for i := 0; i < radius && ws > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:ws])
		ws -= size
	}
	we := end
	for i := 0; i < radius && we < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[we:])
		we += size
	}
	return ws, we
}

func validSpan(text string, start, end int) bool {
	if start < 0 || end > len(text) || end <= start {
		return false
	}
	if !utf8.RuneStart(text[start]) {
		return false
	}
	if end < len(text) && !utf8.RuneStart(text[end]) {
		return false
	}
	return true
}

// resolveOverlaps sorts candidates by start and keeps, for every overlapping
// pair, the one with higher confidence
func resolveOverlaps(candidates []Finding) []Finding {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End > b.End
		}
		return a.Confidence > b.Confidence
	})

	result := make([]Finding, 0, len(candidates))
	for _, f := range candidates {
		if len(result) == 0 {
			result = append(result, f)
			continue
		}
		last := &result[len(result)-1]
		if f.Start < last.End {
			if f.Confidence > last.Confidence {
				*last = f
			}
			continue
		}
		result = append(result, f)
	}
	return result
}

// ParseTypes converts configured type names into PII types. "all" expands to
// every type; unknown names are skipped and returned separately.
func ParseTypes(names []string) (types []PIIType, unknown []string) {
	seen := make(map[PIIType]bool)
	add := func(t PIIType) {
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}

	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "all" {
			for _, t := range AllTypes {
				add(t)
			}
			continue
		}
		t := PIIType(name)
		if !t.Valid() {
			unknown = append(unknown, name)
			continue
		}
		add(t)
	}
	return types, unknown
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func toSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
