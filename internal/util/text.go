package util

import (
	"regexp"
	"strings"
)

var (
	reQuotes     = regexp.MustCompile(`["'` + "`" + `«»]`)
	reNonAllowed = regexp.MustCompile(`[^A-Z0-9%\s.]`)
	reSpaces     = regexp.MustCompile(`\s+`)
)

// NormalizeHeader folds accents and punctuation noise out of feed column
// headers so probes like CODIGO match "Código" regardless of how the portal
// formats its tables.
func NormalizeHeader(input string) string {
	s := strings.ToUpper(input)
	repl := strings.NewReplacer("Á", "A", "É", "E", "Í", "I", "Ó", "O", "Ú", "U", "Ü", "U", "Ñ", "N")
	s = repl.Replace(s)
	s = reQuotes.ReplaceAllString(s, " ")
	s = reNonAllowed.ReplaceAllString(s, " ")
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeCode reduces an article code to its canonical comparison key:
// trim, collapse whitespace runs, uppercase, then drop the separator
// characters vendors sprinkle into codes. "SA 17483", "sa-17483" and
// "SA.17483" all reduce to SA17483. Blank input and the "nan" artifact left
// behind by dataframe exports reduce to the empty string, which callers must
// treat as unmatchable.
func NormalizeCode(input string) string {
	s := strings.TrimSpace(input)
	if s == "" || strings.EqualFold(s, "nan") {
		return ""
	}
	s = reSpaces.ReplaceAllString(s, " ")
	s = strings.ToUpper(s)
	out := strings.Builder{}
	out.Grow(len(s))
	for _, r := range s {
		switch r {
		case '.', '-', '_', '/', '(', ')', '[', ']', ' ':
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}

// LooksLikeCode reports whether a cell plausibly holds an article code:
// at least three significant characters and at least one digit. Used when a
// feed table carries no recognizable header row.
func LooksLikeCode(input string) bool {
	if len(NormalizeCode(input)) < 3 {
		return false
	}
	for _, r := range input {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
