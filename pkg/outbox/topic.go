package outbox

import (
	"strings"
	"unicode"
)

// TopicFor derives the bus topic of an event type:
// TopicFor("orderflow", "StockReserved") == "orderflow.stock-reserved".
func TopicFor(prefix, eventType string) string {
	var b strings.Builder
	runes := []rune(eventType)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	if prefix == "" {
		return b.String()
	}
	return prefix + "." + b.String()
}
