package service

import (
	"github.com/mindful-ai/companion/internal/model"
)

// CrisisText is the scripted reply shown instead of a model response when the
// classifier flags a message.
const CrisisText = "I'm really concerned about your safety and well-being. Your feelings are valid, " +
	"and it's important that you know you're not alone. Please click on the buttons below to call " +
	"a crisis support service right now. These are trained professionals who can help you through " +
	"this difficult time."

// FallbackText replaces the reply when the model stream fails.
const FallbackText = "I'm sorry, I'm having trouble connecting right now. Please try again in a moment."

// MeditationTitle is attached to replies that read as a meditation exercise.
const MeditationTitle = "Guided Meditation"

// DefaultSystemPrompt frames every model request.
const DefaultSystemPrompt = `You are an empathetic and clinically informed mental health support chatbot designed to promote emotional well-being through warm, reflective, and safe conversations.

Your role is to support, not replace, human mental health care. Always maintain empathy, respect, and safety in all responses.

Tone and Communication Style:
- Always communicate with kindness, validation, and emotional understanding.
- Use gentle phrasing and avoid judgment or advice-giving.
- Encourage users to express their emotions freely.
- Offer soothing reflections and helpful grounding suggestions when appropriate.

Context Awareness:
- Be aware of emotional patterns or distress signals in user messages.
- Personalize your responses to their situation and emotional tone.

Crisis Sensitivity:
If the user expresses severe sadness, suicidal thoughts, or self-harm intentions, immediately respond with empathy and safety guidance.
Say something like: "I'm really sorry you're feeling this way. You're not alone in this, and help is available. Please consider reaching out for immediate support."
Then mention: "You can call 988 (in the U.S.) or your local mental health helpline."
Do not attempt to give therapy or crisis intervention advice yourself.

Ethical & Privacy Rules:
- Never make medical or diagnostic claims.
- Always remind users that you are an AI mental health support assistant, not a licensed therapist.
- Maintain neutrality, cultural sensitivity, and confidentiality.

Objective:
Create a calm, emotionally safe space. Encourage emotional expression, reflection, and small steps toward self-care.
If signs of crisis appear, trigger a gentle crisis message and let the frontend handle emergency options like the call button.`

// CrisisResources returns the crisis lines offered with CrisisText, in display
// order.
func CrisisResources() []model.CrisisResource {
	return []model.CrisisResource{
		{Name: "National Suicide Prevention Lifeline", Number: "988", Description: "24/7 crisis support"},
		{Name: "Crisis Text Line", Number: "741741", Description: "Text HOME to 741741"},
		{Name: "Emergency Services", Number: "911", Description: "For immediate danger"},
	}
}

// CrisisMessage builds the unsaved crisis reply for a conversation.
func CrisisMessage(conversationID string) *model.Message {
	return &model.Message{
		ConversationID: conversationID,
		Role:           model.RoleAssistant,
		Kind:           model.KindCrisis,
		Content:        CrisisText,
		Resources:      CrisisResources(),
	}
}

// FallbackMessage builds the apology shown after a failed stream. It is never
// persisted.
func FallbackMessage(conversationID string) *model.Message {
	return &model.Message{
		ConversationID: conversationID,
		Role:           model.RoleAssistant,
		Kind:           model.KindText,
		Content:        FallbackText,
	}
}
