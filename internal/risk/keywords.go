package risk

// emergencyKeywords flag explicit self-harm or suicide language. Duplicates
// are harmless and kept so the list reads like the clinical source it came from.
var emergencyKeywords = []string{
	"suicide", "kill myself", "end my life", "want to die", "harm myself",
	"hurt myself", "not worth living", "better off dead", "end it all",
	"suicidal", "want to die", "don't want to live", "can't go on",
	"extreme sadness", "hopeless", "no point", "give up", "self harm",
	"wanna kill myself", "want to kill myself", "kill myself", "end myself",
	"take my life", "end it all", "not worth it", "better off dead",
	"will kill myself", "i will kill myself", "i wanna kill myself",
	"ill kill myself", "i'll kill myself", "kill me", "kill me again",
	"going to kill myself", "gonna kill myself", "planning to kill myself",
	"thinking of killing myself", "considering suicide", "suicidal thoughts",
}

// crisisKeywords flag acute distress that is not explicit self-harm.
var crisisKeywords = []string{
	"extremely sad", "devastated", "broken", "can't cope", "overwhelmed",
	"hopeless", "worthless", "alone", "nobody cares", "crying constantly",
	"can't stop crying", "feel like dying", "want to disappear",
	"extreme depression", "severe anxiety", "panic attack", "can't breathe",
}

// meditationKeywords mark assistant replies that read as a guided exercise.
var meditationKeywords = []string{
	"meditation", "mindfulness", "breathing exercise", "breathing technique",
	"guided meditation", "relaxation", "calm down", "stress relief",
	"anxiety relief", "meditation practice", "mindful breathing",
}

// EmergencyKeywords returns a copy of the emergency phrase list.
func EmergencyKeywords() []string {
	return append([]string(nil), emergencyKeywords...)
}

// CrisisKeywords returns a copy of the acute-distress phrase list.
func CrisisKeywords() []string {
	return append([]string(nil), crisisKeywords...)
}
