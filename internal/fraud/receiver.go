package fraud

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// ReceiverMatches reports whether the receiver printed on a receipt refers to the
// expected account holder. Wallet apps mask names ("JU*N DE** C."), so a masked
// name is matched token by token, with '*' standing for hidden letters and a lone
// letter for an initial. Unmasked names are compared by edit-distance similarity
// (0..100) against minSimilarity.
func ReceiverMatches(observed, expected string, minSimilarity int) bool {
	obs := normalizeName(observed, true)
	exp := normalizeName(expected, false)
	if obs == "" || exp == "" {
		return false
	}

	if strings.Contains(obs, "*") || hasInitials(obs) {
		if maskedMatch(strings.Fields(obs), strings.Fields(exp)) {
			return true
		}
	}

	return similarity(obs, exp) >= minSimilarity
}

func normalizeName(s string, keepMask bool) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		switch {
		case unicode.IsLetter(r):
			b.WriteRune(r)
		case r == '*' && keepMask:
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '.' || r == '-' || r == ',':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func hasInitials(name string) bool {
	for _, tok := range strings.Fields(name) {
		if utf8.RuneCountInString(tok) == 1 {
			return true
		}
	}
	return false
}

// maskedMatch matches every observed token, in order, against a distinct
// expected token. The first and last expected names must both be covered, so
// middle names may be dropped but a lone initial or a partial name never passes.
func maskedMatch(observed, expected []string) bool {
	if len(observed) == 0 || !revealsName(observed) {
		return false
	}

	j := 0
	for i, tok := range observed {
		re := tokenPattern(tok)
		for j < len(expected) && !re.MatchString(expected[j]) {
			j++
		}
		if j == len(expected) || (i == 0 && j != 0) {
			return false
		}
		j++
	}
	return j == len(expected)
}

// revealsName reports whether some token shows at least two letters. Names made
// only of initials or single-letter masks identify nobody.
func revealsName(tokens []string) bool {
	for _, tok := range tokens {
		letters := 0
		for _, r := range tok {
			if r != '*' {
				letters++
			}
		}
		if letters >= 2 {
			return true
		}
	}
	return false
}

func tokenPattern(tok string) *regexp.Regexp {
	if utf8.RuneCountInString(tok) == 1 && tok != "*" {
		return regexp.MustCompile("^" + regexp.QuoteMeta(tok))
	}
	parts := strings.Split(tok, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + collapseWildcards(strings.Join(parts, ".")) + "$")
}

// collapseWildcards folds runs of single-character wildcards into ".+", since
// apps do not mask one-to-one.
func collapseWildcards(pattern string) string {
	var b strings.Builder
	inRun := false
	for _, r := range pattern {
		if r == '.' {
			if !inRun {
				b.WriteString(".+")
				inRun = true
			}
			continue
		}
		inRun = false
		b.WriteRune(r)
	}
	return b.String()
}

func similarity(a, b string) int {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 100
	}
	d := levenshtein.ComputeDistance(a, b)
	return (longest - d) * 100 / longest
}
