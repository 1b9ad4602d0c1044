package worker

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// escalationPhrases are matched against the folded model answer. Entries must already be
// lower case and accent free.
var escalationPhrases = []string{
	"nao tenho certeza",
	"nao sei responder",
	"preciso consultar",
	"vou escalar",
	"preciso da sophia",
	"preciso de aprovacao",
	"fora da minha alcada",
	"fora do meu escopo",
	"preciso de mais contexto",
	"nao tenho acesso",
	"escalar",
	"i'm not sure",
	"i am not sure",
	"i don't know how to answer",
	"i need to check with",
	"i need approval",
	"outside my scope",
	"need more context",
	"i don't have access",
	"escalate",
}

// ShouldEscalate reports whether a subordinate answer signals that the request belongs to the
// queen. Matching ignores case and diacritics.
func ShouldEscalate(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	folded := fold(text)
	for _, p := range escalationPhrases {
		if strings.Contains(folded, p) {
			return true
		}
	}
	return false
}

func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.ReplaceAll(out, "’", "'")
	return strings.ToLower(out)
}
