package dialog

import "strings"

var skipKeywords = []string{
	"skip", "next", "pass", "i don't know", "not telling", "don't want to answer", "ignore",
	"छोड़ो", "अगला", "नहीं बताना", "पता नहीं", "बताना नहीं", "आगे बढ़ो", "छोड़िये", "इग्नोर", "रहने दो",
}

// IsSkipPhrase reports whether the transcript asks to skip the question.
// Matching is a case-insensitive substring test.
func IsSkipPhrase(transcript string) bool {
	text := strings.ToLower(transcript)
	for _, kw := range skipKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
