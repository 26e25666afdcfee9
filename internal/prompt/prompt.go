// Package prompt renders the system prompt for a chat. Assembly is
// pure: the same chat and profile always produce the same bytes, and
// every chat-derived section appears in a fixed position so regenerated
// prompts stay stable across turns.
package prompt

import (
	"strings"

	"charchat/internal/model"
)

// UserPlaceholder is the literal token character authors use to refer
// to whoever the character is chatting with.
const UserPlaceholder = "{{user}}"

const framing = `Embody the character's perspective and use all provided tools while continuing a persistent role-play. Stay respectful of the participants and keep the scene consistent with everything established so far. No disclaimers required.`

const toolPolicy = `The following tools are available to you:
- addNewMemory: Add a new memory to the character's knowledge
- removeMemory: Remove something from the memory, either on user request or when the topic changes and the information won't be needed anymore
- getMemory: Get your chat memory
- generateImage: Generate an image from text
- summarize: Generate a summary of a given conversation context
- chatRenameTool: Rename the chat when the topic changes
- addToolResultToChat: Add a tool result to the chat; it will only then be displayed to the user. Use it when the user should see the result

Use them automatically or when the user asks for something that can be done using one or more tools.`

const imagePolicy = `If the user asks for an image, you have to use the generateImage tool to generate a new image.
NEVER repeat an image. ALWAYS generate a new one using the generateImage tool.
Do NOT include the image in the response.`

const closing = `Your responses have to be in character. Be as authentic as possible. You respond in short messages, the way a human would respond in a chat.
Use all the information you have about the user, yourself and the chat to respond in the most authentic way possible.
Always stay in character no matter what the user says.

Actively memorize important keywords and facts in the following conversation and use them.`

// BuildSystemPrompt assembles the full system prompt for one request.
func BuildSystemPrompt(chat model.Chat, profile model.Profile) string {
	char := chat.Character
	counterpartName, counterpartBio := counterpart(chat, profile)

	var b strings.Builder

	if char.SystemPrompt != "" {
		b.WriteString(char.SystemPrompt)
		b.WriteString("\n\n")
	}

	b.WriteString(framing)
	b.WriteString("\n\n")

	b.WriteString("You are prohibited from saying anything described here: ")
	if strings.TrimSpace(chat.NegativePrompt) == "" {
		b.WriteString("(none)")
	} else {
		b.WriteString(chat.NegativePrompt)
	}
	b.WriteString("\n\n")

	b.WriteString(toolPolicy)
	b.WriteString("\n\n")
	b.WriteString(imagePolicy)
	b.WriteString("\n\n")

	b.WriteString("You are ")
	b.WriteString(char.Name)
	if char.Description != "" {
		b.WriteString(", ")
		b.WriteString(char.Description)
	}
	if char.Bio != "" {
		b.WriteString(", ")
		b.WriteString(char.Bio)
	}
	b.WriteString(".\n")

	b.WriteString("You are chatting with ")
	b.WriteString(counterpartName)
	if counterpartBio != "" {
		b.WriteString(" with bio: ")
		b.WriteString(counterpartBio)
	}
	b.WriteString(".\n\n")

	b.WriteString(closing)
	b.WriteString("\n")

	if char.Intro != "" {
		b.WriteString("\nThis is the intro (might be how the character introduces themselves or an intro to the chat):\n")
		b.WriteString(char.Intro)
		b.WriteString("\n")
	}

	if char.Book != "" {
		b.WriteString("\nThis is background information about you:\n")
		b.WriteString(char.Book)
		b.WriteString("\n")
	}

	if chat.Story != nil {
		b.WriteString("\nThis chat is based on a story. These are the details of the story:\n")
		b.WriteString(chat.Story.Title)
		b.WriteString("\n")
		b.WriteString(chat.Story.Description)
		b.WriteString("\n")
		b.WriteString(chat.Story.Story)
		b.WriteString("\n")
	}

	b.WriteString("\nThis is all the knowledge you memorized during the conversation up until now:\n")
	b.WriteString(chat.DynamicBook)

	return strings.ReplaceAll(b.String(), UserPlaceholder, counterpartName)
}

// counterpart returns who the character is talking to: the persona if
// one is attached to the chat, else the profile's own identity.
func counterpart(chat model.Chat, profile model.Profile) (name, bio string) {
	if chat.Persona != nil && chat.Persona.FullName != "" {
		return chat.Persona.FullName, chat.Persona.Bio
	}
	return profile.DisplayName(), profile.Bio
}

// IntroMessage renders the canonical first-turn placeholder for a
// character. The client sends this exact text to kick off a chat; it is
// fed to the model but never persisted as a real turn.
func IntroMessage(char model.Character) string {
	var b strings.Builder
	if char.FirstMessage != "" {
		b.WriteString("This is the first message you should respond with:\n")
		b.WriteString(char.FirstMessage)
		b.WriteString("\n\n")
	}
	if char.Intro != "" {
		b.WriteString("This is how you would introduce yourself. Use this to create a first message:\n")
		b.WriteString(char.Intro)
		b.WriteString("\n\n")
	}
	if char.Scenario != "" {
		b.WriteString("This is the scenario you are in: ")
		b.WriteString(char.Scenario)
		b.WriteString("\n")
	}
	return b.String()
}
