package risk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyEmergency(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"plain phrase", "I want to kill myself", true},
		{"upper case", "I WANT TO END MY LIFE", true},
		{"contraction", "i'll kill myself tonight", true},
		{"no apostrophe", "ill kill myself", true},
		{"embedded", "sometimes i feel suicidal at night", true},
		{"self harm", "thinking about self harm again", true},
		{"negated still matches", "I would never hurt myself", true},
		{"benign", "I had a good day", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyEmergency(tt.text))
		})
	}
}

func TestClassifyCrisis(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"devastated", "I am devastated", true},
		{"cant cope", "I just can't cope anymore", true},
		{"nobody cares", "Nobody Cares about me", true},
		{"panic", "having a panic attack", true},
		{"cant breathe", "I can't breathe", true},
		{"benign", "I had a good day", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyCrisis(tt.text))
		})
	}
}

func TestClassify_FlagsAreIndependent(t *testing.T) {
	c := Classify("I'm devastated and I want to die")
	assert.True(t, c.Emergency)
	assert.True(t, c.Crisis)
	assert.True(t, c.Escalate())

	c = Classify("having a panic attack")
	assert.False(t, c.Emergency)
	assert.True(t, c.Crisis)
	assert.True(t, c.Escalate())

	c = Classify("I had a good day")
	assert.False(t, c.Escalate())
}

func TestClassifyEmergency_EveryKeywordAnywhere(t *testing.T) {
	for _, kw := range EmergencyKeywords() {
		assert.True(t, ClassifyEmergency(kw), kw)
		assert.True(t, ClassifyEmergency("prefix "+strings.ToUpper(kw)+" suffix"), kw)
	}
	for _, kw := range CrisisKeywords() {
		assert.True(t, ClassifyCrisis("... "+strings.ToUpper(kw)+" ..."), kw)
	}
}

func TestSuggestsMeditation(t *testing.T) {
	assert.True(t, SuggestsMeditation("Let's try a short Breathing Exercise together."))
	assert.True(t, SuggestsMeditation("Mindfulness can help here."))
	assert.False(t, SuggestsMeditation("That sounds like a lovely afternoon."))
	assert.False(t, SuggestsMeditation(""))
}

func TestKeywordAccessorsReturnCopies(t *testing.T) {
	kws := EmergencyKeywords()
	kws[0] = "mutated"
	assert.NotEqual(t, "mutated", EmergencyKeywords()[0])
}
