package dialog

import "bollipi/internal/models"

// Phrases are the fixed spoken responses of the dialog.
type Phrases struct {
	Skip            string
	Confirm         string
	Retry           string
	GiveUp          string
	ProcessingError string
	Quota           string
	Finish          string
	DocSuccess      string
	DocError        string
}

var englishPhrases = Phrases{
	Skip:            "Okay, skipping this field.",
	Confirm:         "Noted.",
	Retry:           "Sorry, could you repeat that?",
	GiveUp:          "Let's move on for now. You can fill this one in later.",
	ProcessingError: "Sorry, something went wrong. Please say that again.",
	Quota:           "System Busy (Quota Hit). Please fill manually for now.",
	Finish:          "Thank you! Your form is now complete.",
	DocSuccess:      "Data extracted successfully!",
	DocError:        "Error extracting data. Please try again.",
}

var hindiPhrases = Phrases{
	Skip:            "ठीक है, इसे छोड़ देते हैं।",
	Confirm:         "ठीक है।",
	Retry:           "क्षमा करें, क्या आप दोहरा सकते हैं?",
	GiveUp:          "चलिए, अभी आगे बढ़ते हैं। इसे आप बाद में भर सकते हैं।",
	ProcessingError: "क्षमा करें, कुछ गड़बड़ हो गई। कृपया फिर से बोलें।",
	Quota:           "सिस्टम व्यस्त है। कृपया मैनुअल रूप से भरें।",
	Finish:          "धन्यवाद! आपका फॉर्म पूरा हो गया है।",
	DocSuccess:      "डेटा सफलतापूर्वक निकाला गया!",
	DocError:        "डेटा निकालने में त्रुटि। कृपया पुनः प्रयास करें।",
}

// PhrasesFor returns the phrase set for lang.
func PhrasesFor(lang models.Language) Phrases {
	if lang.IsHindi() {
		return hindiPhrases
	}
	return englishPhrases
}
