package stream

import "strings"

// defaultLanguages are always offered to the recognizer for autodetect.
var defaultLanguages = []string{"en-US", "en-GB"}

// prefixLanguages maps E.164 country prefixes to an extra language hint.
var prefixLanguages = map[string]string{
	"+33":  "fr-FR",
	"+49":  "de-DE",
	"+34":  "es-ES",
	"+39":  "it-IT",
	"+31":  "nl-NL",
	"+351": "pt-PT",
	"+46":  "sv-SE",
	"+48":  "pl-PL",
}

// LanguageHints returns the autodetect candidate set for a dialed number: the
// defaults, plus the language implied by the number's country prefix.
func LanguageHints(phoneNumber string) []string {
	hints := make([]string, len(defaultLanguages))
	copy(hints, defaultLanguages)

	number := strings.TrimSpace(phoneNumber)
	// Longest prefix wins (+351 before +35).
	for l := 4; l >= 3; l-- {
		if len(number) < l {
			continue
		}
		if lang, ok := prefixLanguages[number[:l]]; ok {
			return append(hints, lang)
		}
	}
	return hints
}
