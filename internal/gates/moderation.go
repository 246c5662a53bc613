package gates

import (
	"regexp"
	"strings"
	"unicode"
)

// Base canonical words - the ONLY source of truth.
// These are the clean, real words we're looking for.
var baseThreatWords = []string{
	"rape",
	"kill",
	"murder",
	"assault",
	"attack",
	"destroy",
	"eliminate",
	"execute",
	"shoot",
	"stab",
	"strangle",
	"threat",
	"threatening",
	"revenge",
	"retaliate",
	"slaughter",
	"massacre",
	"annihilate",
}

var baseSelfHarmWords = []string{
	"suicide",
	"kill myself",
	"end my life",
	"take my life",
	"end it all",
	"self harm",
	"cut myself",
	"hurt myself",
	"harm myself",
	"want to die",
	"wish i was dead",
	"not worth living",
	"better off dead",
	"end myself",
	"unalive",
}

var spaceRegex = regexp.MustCompile(`\s+`)

// WordFilter is the canonical-word content filter: input is cleaned to a
// canonical form (lowercase, de-obfuscated, repeats collapsed), then
// confirmed against the base dictionaries. Threats block the mutation;
// self-harm language produces a support warning and censors the matches.
type WordFilter struct{}

// NewWordFilter returns the default content filter.
func NewWordFilter() *WordFilter { return &WordFilter{} }

// Moderate implements ContentFilter.
func (f *WordFilter) Moderate(text string) ModerationResult {
	cleaned := CleanText(text)

	threatConfirmed, threatWords := containsConfirmedWord(cleaned, baseThreatWords)
	selfHarmConfirmed, selfHarmWords := containsConfirmedWord(cleaned, baseSelfHarmWords)

	result := ModerationResult{CensoredText: text}

	if threatConfirmed {
		result.Blocked = true
		result.Warnings = append(result.Warnings, "message contains threatening language")
		result.CensoredText = censor(result.CensoredText, threatWords)
	}
	if selfHarmConfirmed {
		// Self-harm language is never blocked - the vent space exists for
		// exactly these moments. Censor and attach support info instead.
		result.Warnings = append(result.Warnings, "you are not alone - support resources are available")
		result.CensoredText = censor(result.CensoredText, selfHarmWords)
	}
	return result
}

// CleanText normalizes and cleans text to canonical form. This is the ONLY
// transformation applied before dictionary confirmation.
func CleanText(text string) string {
	cleaned := strings.ToLower(text)

	// Replace obfuscation characters with their letter equivalents.
	replacements := map[string]string{
		"@": "a",
		"4": "a",
		"3": "e",
		"!": "i",
		"1": "i",
		"0": "o",
		"$": "s",
		"5": "s",
		"7": "t",
		"+": "t",
		"а": "a", // Cyrillic 'а' looks like Latin 'a'
		"е": "e", // Cyrillic 'е' looks like Latin 'e'
		"і": "i", // Cyrillic 'і' looks like Latin 'i'
		"о": "o", // Cyrillic 'о' looks like Latin 'o'
		"р": "p", // Cyrillic 'р' looks like Latin 'p'
	}
	for old, repl := range replacements {
		cleaned = strings.ReplaceAll(cleaned, old, repl)
	}

	// Keep only letters; everything else becomes a word separator.
	var builder strings.Builder
	for _, r := range cleaned {
		if unicode.IsLetter(r) {
			builder.WriteRune(r)
		} else {
			builder.WriteRune(' ')
		}
	}
	cleaned = builder.String()

	// Collapse repeated characters (rrraaaapeee -> rape).
	cleaned = collapseRepeats(cleaned)

	cleaned = spaceRegex.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}

// collapseRepeats reduces repeated LETTER characters to a single character,
// preserving spaces. Example: "rrraaaapeee" -> "rape".
func collapseRepeats(text string) string {
	if len(text) == 0 {
		return text
	}

	var result strings.Builder
	lastChar := rune(0)
	lastWasLetter := false

	for _, char := range text {
		isLetter := unicode.IsLetter(char)
		if isLetter && lastWasLetter && char == lastChar {
			continue
		}
		result.WriteRune(char)
		lastChar = char
		lastWasLetter = isLetter
	}
	return result.String()
}

// containsConfirmedWord checks if cleaned text contains any confirmed base
// word. Single words must match on a word boundary ("skill" must not match
// "kill"); multi-word phrases match on containment.
func containsConfirmedWord(cleanedText string, baseWords []string) (bool, []string) {
	var confirmed []string
	words := strings.Fields(cleanedText)

	for _, baseWord := range baseWords {
		if cleanedText == baseWord {
			confirmed = append(confirmed, baseWord)
			continue
		}
		if !strings.Contains(cleanedText, baseWord) {
			continue
		}
		if len(strings.Fields(baseWord)) == 1 {
			for _, w := range words {
				if w == baseWord {
					confirmed = append(confirmed, baseWord)
					break
				}
			}
		} else {
			confirmed = append(confirmed, baseWord)
		}
	}
	return len(confirmed) > 0, confirmed
}

// censor masks every letter of each matched word in the original text,
// case-insensitively, leaving the rest untouched.
func censor(text string, matched []string) string {
	for _, word := range matched {
		// Build a case-insensitive pattern matching the word with spaces.
		pattern := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(word))
		text = pattern.ReplaceAllStringFunc(text, func(m string) string {
			masked := []rune(m)
			for i, r := range masked {
				if unicode.IsLetter(r) {
					masked[i] = '*'
				}
			}
			return string(masked)
		})
	}
	return text
}
