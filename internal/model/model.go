// Package model holds the wire-level records exchanged with the client
// and persisted by storage. Field names mirror the JSON the web client
// sends.
package model

import "time"

// Profile is a user account. Provider API keys are stored as encrypted
// envelopes, one field per supported provider; a nil field means the
// profile has no key for that provider.
type Profile struct {
	User       string `json:"user"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Bio        string `json:"bio"`
	DefaultLLM string `json:"default_llm"`

	GroqEncryptedAPIKey       *string `json:"groq_encrypted_api_key,omitempty"`
	OllamaEncryptedAPIKey     *string `json:"ollama_encrypted_api_key,omitempty"`
	OpenAIEncryptedAPIKey     *string `json:"openai_encrypted_api_key,omitempty"`
	GeminiEncryptedAPIKey     *string `json:"gemini_encrypted_api_key,omitempty"`
	MistralEncryptedAPIKey    *string `json:"mistral_encrypted_api_key,omitempty"`
	AnthropicEncryptedAPIKey  *string `json:"anthropic_encrypted_api_key,omitempty"`
	CohereEncryptedAPIKey     *string `json:"cohere_encrypted_api_key,omitempty"`
	XAIEncryptedAPIKey        *string `json:"x_ai_encrypted_api_key,omitempty"`
	OpenRouterEncryptedAPIKey *string `json:"openrouter_encrypted_api_key,omitempty"`
	HFEncryptedAPIKey         *string `json:"hf_encrypted_api_key,omitempty"`
	ReplicateEncryptedAPIKey  *string `json:"replicate_encrypted_api_key,omitempty"`
}

// DisplayName is the profile's own identity shown to the model when no
// persona substitutes for it.
func (p Profile) DisplayName() string {
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

type Character struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Bio          string `json:"bio"`
	Intro        string `json:"intro"`
	FirstMessage string `json:"first_message"`
	Scenario     string `json:"scenario"`
	SystemPrompt string `json:"system_prompt"`
	Book         string `json:"book"`
	ImageLink    string `json:"image_link"`
}

type Story struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Story       string `json:"story"`
}

type Persona struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Bio      string `json:"bio"`
}

// Chat is the session entity. Story and Persona are optional; the
// dynamic book is the chat-scoped memory blob mutated only by the
// memory tools during generation.
type Chat struct {
	ID             string    `json:"id"`
	Profile        string    `json:"user"`
	Character      Character `json:"character"`
	Story          *Story    `json:"story,omitempty"`
	Persona        *Persona  `json:"persona,omitempty"`
	LLM            string    `json:"llm"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	NegativePrompt string    `json:"negative_prompt"`
	DynamicBook    string    `json:"dynamic_book"`
}

// Message is one persisted conversation turn.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Character string    `json:"character"`
	Profile   string    `json:"user"`
	FromAI    bool      `json:"from_ai"`
	Content   string    `json:"content"`
	IsEdited  bool      `json:"is_edited"`
	IsDeleted bool      `json:"is_deleted"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ChatMessage is one turn of the inbound message list, in provider wire
// shape.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
