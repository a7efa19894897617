package ai

import (
	"fmt"

	"bollipi/internal/models"
)

const documentPrompt = `Read this document and fill in the applicant's details.
Return fullName, age, gender, phone, address and occupation.
Copy values exactly as printed. Give age as a number of years.
Leave a field as an empty string when the document does not show it; never invent values.`

func fieldPrompt(transcript string, field models.FieldID, label string) string {
	return fmt.Sprintf(`The speaker was asked for their %[1]s (%[2]s) and answered: %[3]q

Rules:
1. If the answer contains the %[1]s, return only the value itself. "Mera naam Rahul hai" gives "Rahul".
2. If the speaker wants to skip, does not know, or refuses ("pata nahi", "skip karo", "aage badho", "don't know"), set isSkipped to true.
3. If the answer is unclear or unrelated to the question, return an empty value with isSkipped false. Do not guess.
4. The answer may be Hindi, English or Hinglish, mixed within one sentence.`, label, field, transcript)
}

func speechPrompt(text string, lang models.Language) string {
	if lang.IsHindi() {
		return "कृपया इसे स्वाभाविक और स्पष्ट हिंदी में कहें: " + text
	}
	return "Say this naturally in English: " + text
}
