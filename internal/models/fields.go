package models

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// Language is a BCP 47 tag understood by the speech engines.
type Language string

const (
	LanguageHindi   Language = "hi-IN"
	LanguageEnglish Language = "en-US"
)

var languageMatcher = language.NewMatcher([]language.Tag{
	language.MustParse(string(LanguageHindi)),
	language.MustParse(string(LanguageEnglish)),
})

// ParseLanguage maps any tag to one of the supported languages. An empty
// string yields Hindi.
func ParseLanguage(raw string) (Language, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return LanguageHindi, nil
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse language %q: %w", raw, err)
	}
	_, idx, conf := languageMatcher.Match(tag)
	if conf == language.No {
		return "", fmt.Errorf("unsupported language %q", raw)
	}
	if idx == 0 {
		return LanguageHindi, nil
	}
	return LanguageEnglish, nil
}

// IsHindi reports whether prompts should be rendered in Hindi.
func (l Language) IsHindi() bool {
	return l == LanguageHindi
}

// FieldDefinition describes one question of the form.
type FieldDefinition struct {
	ID         FieldID `json:"id"`
	LabelEn    string  `json:"labelEn"`
	LabelHi    string  `json:"labelHi"`
	QuestionEn string  `json:"questionEn"`
	QuestionHi string  `json:"questionHi"`
	Icon       string  `json:"icon"`
}

// Label returns the display label for lang.
func (d FieldDefinition) Label(lang Language) string {
	if lang.IsHindi() {
		return d.LabelHi
	}
	return d.LabelEn
}

// Question returns the spoken prompt for lang.
func (d FieldDefinition) Question(lang Language) string {
	if lang.IsHindi() {
		return d.QuestionHi
	}
	return d.QuestionEn
}

// DefaultFields is the traversal order of the form. Do not mutate.
var DefaultFields = []FieldDefinition{
	{ID: FieldFullName, LabelEn: "Full Name", LabelHi: "पूरा नाम", QuestionEn: "What is your full name?", QuestionHi: "आपका पूरा नाम क्या है?", Icon: "person"},
	{ID: FieldAge, LabelEn: "Age", LabelHi: "उम्र", QuestionEn: "How old are you?", QuestionHi: "आपकी उम्र क्या है?", Icon: "cake"},
	{ID: FieldGender, LabelEn: "Gender", LabelHi: "लिंग", QuestionEn: "What is your gender?", QuestionHi: "आपका लिंग क्या है?", Icon: "wc"},
	{ID: FieldPhone, LabelEn: "Phone Number", LabelHi: "फोन नंबर", QuestionEn: "What is your phone number?", QuestionHi: "आपका फोन नंबर क्या है?", Icon: "call"},
	{ID: FieldOccupation, LabelEn: "Occupation", LabelHi: "व्यवसाय", QuestionEn: "What is your occupation or job?", QuestionHi: "आप क्या काम करते हैं?", Icon: "work"},
	{ID: FieldAddress, LabelEn: "Address", LabelHi: "पता", QuestionEn: "Where do you live? Please tell your address.", QuestionHi: "आपका पता क्या है?", Icon: "home"},
}

// FieldIndex returns the traversal index of id, or -1.
func FieldIndex(id FieldID) int {
	for i, def := range DefaultFields {
		if def.ID == id {
			return i
		}
	}
	return -1
}
