// Package tools holds the character tools the model can call during a
// turn. Every tool receives its chat context through an explicit
// Invocation instead of closing over request state, so tools are
// plain functions that can run concurrently within a turn.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"charchat/internal/llm"
	"charchat/internal/model"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrBadArgs     = errors.New("invalid tool arguments")
)

// Store is the slice of the storage layer tools write through.
type Store interface {
	SetDynamicBook(ctx context.Context, chatID, book string) error
	UpdateChatTitle(ctx context.Context, chatID, title string) error
	UpdateChatDescription(ctx context.Context, chatID, description string) error
	AddMessage(ctx context.Context, m model.Message, sessionKey string) error
}

// ImageGenerator produces a hosted image URL for a prompt. faceURL, if
// non-empty, selects the face-conditioned pipeline seeded with that
// reference image.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt, faceURL string) (string, error)
}

// SummarizeFunc condenses a stretch of conversation text.
type SummarizeFunc func(ctx context.Context, inv *Invocation, text string) (string, error)

// Invocation carries everything a tool may touch for one call. Chat is
// a pointer so memory tools see each other's updates within a turn;
// mu serializes that access when calls of one round run concurrently.
type Invocation struct {
	Chat       *model.Chat
	Profile    model.Profile
	SessionKey string

	mu sync.Mutex
}

type toolFunc func(ctx context.Context, inv *Invocation, args map[string]any) (string, error)

type descriptor struct {
	spec llm.ToolSpec
	run  toolFunc
}

type Registry struct {
	store     Store
	images    ImageGenerator
	summarize SummarizeFunc
	table     map[string]descriptor
}

func NewRegistry(store Store, images ImageGenerator, summarize SummarizeFunc) *Registry {
	r := &Registry{store: store, images: images, summarize: summarize}
	r.table = map[string]descriptor{
		"addNewMemory": {
			spec: llm.ToolSpec{
				Name:        "addNewMemory",
				Description: "Add a new memory to the character's knowledge",
				Parameters:  objectSchema(map[string]any{"memory": stringParam("The fact to memorize")}, "memory"),
			},
			run: r.addNewMemory,
		},
		"removeMemory": {
			spec: llm.ToolSpec{
				Name:        "removeMemory",
				Description: "Remove something from the memory when it is no longer needed",
				Parameters:  objectSchema(map[string]any{"memory": stringParam("The memorized fact to remove, verbatim")}, "memory"),
			},
			run: r.removeMemory,
		},
		"getMemory": {
			spec: llm.ToolSpec{
				Name:        "getMemory",
				Description: "Get your chat memory",
				Parameters:  objectSchema(map[string]any{}),
			},
			run: r.getMemory,
		},
		"generateImage": {
			spec: llm.ToolSpec{
				Name:        "generateImage",
				Description: "Generate an image from text",
				Parameters:  objectSchema(map[string]any{"prompt": stringParam("Detailed visual description of the image")}, "prompt"),
			},
			run: r.generateImage,
		},
		"summarize": {
			spec: llm.ToolSpec{
				Name:        "summarize",
				Description: "Generate a summary of a given conversation context",
				Parameters:  objectSchema(map[string]any{"text": stringParam("The conversation text to summarize")}, "text"),
			},
			run: r.runSummarize,
		},
		"chatRenameTool": {
			spec: llm.ToolSpec{
				Name:        "chatRenameTool",
				Description: "Rename the chat when the topic changes",
				Parameters: objectSchema(map[string]any{
					"title":       stringParam("New chat title"),
					"description": stringParam("Optional one-line chat description"),
				}, "title"),
			},
			run: r.chatRename,
		},
		"addToolResultToChat": {
			spec: llm.ToolSpec{
				Name:        "addToolResultToChat",
				Description: "Add a tool result to the chat so the user can see it",
				Parameters:  objectSchema(map[string]any{"result": stringParam("The tool result to show to the user")}, "result"),
			},
			run: r.addToolResultToChat,
		},
	}
	return r
}

// Specs lists every tool in the order the model sees them.
func (r *Registry) Specs() []llm.ToolSpec {
	names := []string{"addNewMemory", "removeMemory", "getMemory", "generateImage", "summarize", "chatRenameTool", "addToolResultToChat"}
	specs := make([]llm.ToolSpec, 0, len(names))
	for _, n := range names {
		specs = append(specs, r.table[n].spec)
	}
	return specs
}

// Execute dispatches one tool call. rawArgs is the model-provided JSON
// argument string.
func (r *Registry) Execute(ctx context.Context, name string, inv *Invocation, rawArgs string) (string, error) {
	d, ok := r.table[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	args := map[string]any{}
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadArgs, err)
		}
	}
	return d.run(ctx, inv, args)
}

func (r *Registry) addNewMemory(ctx context.Context, inv *Invocation, args map[string]any) (string, error) {
	memory, err := stringArg(args, "memory")
	if err != nil {
		return "", err
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	book := inv.Chat.DynamicBook
	if book != "" {
		book += "\n"
	}
	book += memory
	if err := r.store.SetDynamicBook(ctx, inv.Chat.ID, book); err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}
	inv.Chat.DynamicBook = book
	return "memorized: " + memory, nil
}

func (r *Registry) removeMemory(ctx context.Context, inv *Invocation, args map[string]any) (string, error) {
	memory, err := stringArg(args, "memory")
	if err != nil {
		return "", err
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	lines := strings.Split(inv.Chat.DynamicBook, "\n")
	kept := make([]string, 0, len(lines))
	removed := false
	for _, line := range lines {
		if !removed && strings.TrimSpace(line) == strings.TrimSpace(memory) {
			removed = true
			continue
		}
		kept = append(kept, line)
	}
	if !removed {
		return "memory not found, nothing removed", nil
	}
	book := strings.TrimSpace(strings.Join(kept, "\n"))
	if err := r.store.SetDynamicBook(ctx, inv.Chat.ID, book); err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}
	inv.Chat.DynamicBook = book
	return "removed: " + memory, nil
}

func (r *Registry) getMemory(_ context.Context, inv *Invocation, _ map[string]any) (string, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if strings.TrimSpace(inv.Chat.DynamicBook) == "" {
		return "no memories yet", nil
	}
	return inv.Chat.DynamicBook, nil
}

func (r *Registry) generateImage(ctx context.Context, inv *Invocation, args map[string]any) (string, error) {
	if r.images == nil {
		return "", fmt.Errorf("image generation is not configured")
	}
	prompt, err := stringArg(args, "prompt")
	if err != nil {
		return "", err
	}
	inv.mu.Lock()
	faceURL := inv.Chat.Character.ImageLink
	inv.mu.Unlock()
	url, err := r.images.Generate(ctx, prompt, faceURL)
	if err != nil {
		return "", fmt.Errorf("generate image: %w", err)
	}
	return url, nil
}

func (r *Registry) runSummarize(ctx context.Context, inv *Invocation, args map[string]any) (string, error) {
	if r.summarize == nil {
		return "", fmt.Errorf("summarizer is not configured")
	}
	text, err := stringArg(args, "text")
	if err != nil {
		return "", err
	}
	return r.summarize(ctx, inv, text)
}

func (r *Registry) chatRename(ctx context.Context, inv *Invocation, args map[string]any) (string, error) {
	title, err := stringArg(args, "title")
	if err != nil {
		return "", err
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if err := r.store.UpdateChatTitle(ctx, inv.Chat.ID, title); err != nil {
		return "", fmt.Errorf("rename chat: %w", err)
	}
	inv.Chat.Title = title
	if description, ok := args["description"].(string); ok && strings.TrimSpace(description) != "" {
		if err := r.store.UpdateChatDescription(ctx, inv.Chat.ID, description); err != nil {
			return "", fmt.Errorf("update chat description: %w", err)
		}
		inv.Chat.Description = description
	}
	return "chat renamed to " + title, nil
}

func (r *Registry) addToolResultToChat(ctx context.Context, inv *Invocation, args map[string]any) (string, error) {
	result, err := stringArg(args, "result")
	if err != nil {
		return "", err
	}
	inv.mu.Lock()
	msg := model.Message{
		ID:        uuid.New().String(),
		ChatID:    inv.Chat.ID,
		Character: inv.Chat.Character.ID,
		Profile:   inv.Profile.User,
		FromAI:    true,
		Content:   result,
	}
	inv.mu.Unlock()
	if err := r.store.AddMessage(ctx, msg, inv.SessionKey); err != nil {
		return "", fmt.Errorf("add tool result message: %w", err)
	}
	return "added to chat", nil
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: missing %q", ErrBadArgs, key)
	}
	return v, nil
}

func stringParam(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
