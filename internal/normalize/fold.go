package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldLabel lowercases s with Unicode case folding and strips diacritics so
// "Faculté" and "FACULTE" compare equal.
func foldLabel(s string) string {
	stripper := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(stripper, s)
	if err != nil {
		stripped = s
	}
	return cases.Fold().String(stripped)
}

// headerKey reduces a column header to its folded letters and digits, which
// absorbs the spacing, underscore and casing drift of upstream exports.
func headerKey(header string) string {
	folded := foldLabel(header)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// labelKey folds a free-text label and collapses its whitespace.
func labelKey(label string) string {
	return strings.Join(strings.Fields(foldLabel(label)), " ")
}
