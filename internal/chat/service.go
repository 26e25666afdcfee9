// Package chat runs one generation turn end to end: validate the
// request, persist state, resolve a credential, assemble the prompt,
// stream the model's answer, and execute any tools the model calls.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"charchat/internal/credentials"
	"charchat/internal/llm"
	"charchat/internal/metrics"
	"charchat/internal/model"
	"charchat/internal/prompt"
	"charchat/internal/queue"
	"charchat/internal/storage"
	"charchat/internal/tools"
)

const (
	defaultMaxToolRounds = 5
	defaultTemperature   = 0.9
)

// ValidationError reports a request rejected before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// Request is one inbound generation turn. MessageID identifies the
// latest user message for retry deduplication; SelfDestruct marks a
// turn the user asked not to persist.
type Request struct {
	Chat         model.Chat
	Profile      model.Profile
	Messages     []model.ChatMessage
	MessageID    string
	SelfDestruct bool
	SessionKey   string
}

// Sink receives the outbound event stream for one turn.
type Sink interface {
	Token(token string) error
	ToolCall(id, name string) error
	ToolResult(id, name, result string) error
	ToolError(id, name string, callErr error) error
	Done() error
}

// Store is the slice of the storage layer the orchestrator writes
// through.
type Store interface {
	UpsertChat(ctx context.Context, c model.Chat) error
	AddMessage(ctx context.Context, m model.Message, sessionKey string) error
	LogToolCall(ctx context.Context, e storage.ToolLogEntry) error
	CountMessages(ctx context.Context, chatID string) (int64, error)
}

// Deduplicator suppresses repeated persistence of the same message id.
type Deduplicator interface {
	MarkFirst(ctx context.Context, messageID string) (bool, error)
}

// DigestQueue accepts background digest jobs.
type DigestQueue interface {
	Enqueue(ctx context.Context, job queue.DigestJob) (string, error)
}

// ClientFactory builds a streaming client for a resolved credential.
type ClientFactory func(modelID string, cred credentials.Credential) (llm.Client, error)

type Service struct {
	store     Store
	resolver  *credentials.Resolver
	tools     *tools.Registry
	newClient ClientFactory
	dedupe    Deduplicator
	digests   DigestQueue
	metrics   *metrics.Metrics
	log       zerolog.Logger

	maxToolRounds     int
	digestModel       string
	digestMinMessages int64
}

type Options struct {
	MaxToolRounds     int
	DigestModel       string
	DigestMinMessages int64
}

func NewService(store Store, resolver *credentials.Resolver, registry *tools.Registry, newClient ClientFactory, dedupe Deduplicator, digests DigestQueue, m *metrics.Metrics, log zerolog.Logger, opts Options) *Service {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = defaultMaxToolRounds
	}
	return &Service{
		store:             store,
		resolver:          resolver,
		tools:             registry,
		newClient:         newClient,
		dedupe:            dedupe,
		digests:           digests,
		metrics:           m,
		log:               log,
		maxToolRounds:     opts.MaxToolRounds,
		digestModel:       opts.DigestModel,
		digestMinMessages: opts.DigestMinMessages,
	}
}

// Generate runs one turn. Errors returned before the first sink call
// mean nothing was streamed yet and the caller may still answer with a
// plain status response.
func (s *Service) Generate(ctx context.Context, req Request, sink Sink) error {
	if err := validate(req); err != nil {
		return err
	}
	s.metrics.ChatRequests.Inc()

	if err := s.store.UpsertChat(ctx, req.Chat); err != nil {
		return fmt.Errorf("persist chat: %w", err)
	}
	if err := s.persistUserMessage(ctx, req); err != nil {
		return err
	}

	modelID := effectiveModel(req)
	cred, err := s.resolver.Resolve(modelID, req.Profile)
	if err != nil {
		return err
	}
	client, err := s.newClient(modelID, cred)
	if err != nil {
		return err
	}

	chat := req.Chat
	chat.LLM = modelID
	inv := &tools.Invocation{Chat: &chat, Profile: req.Profile, SessionKey: req.SessionKey}

	history := make([]llm.Message, 0, len(req.Messages)+1)
	history = append(history, llm.Message{Role: model.RoleSystem, Content: prompt.BuildSystemPrompt(chat, req.Profile)})
	for _, m := range req.Messages {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}

	assistantText, err := s.runGeneration(ctx, client, inv, history, sink)
	if err != nil {
		s.metrics.StreamFailures.Inc()
		s.log.Error().Err(err).Str("chat_id", chat.ID).Str("model", chat.LLM).Msg("generation failed")
		return err
	}

	if strings.TrimSpace(assistantText) != "" {
		msg := model.Message{
			ID:        uuid.New().String(),
			ChatID:    chat.ID,
			Character: chat.Character.ID,
			Profile:   req.Profile.User,
			FromAI:    true,
			Content:   assistantText,
		}
		if err := s.store.AddMessage(ctx, msg, req.SessionKey); err != nil {
			return fmt.Errorf("persist assistant message: %w", err)
		}
	}

	s.maybeEnqueueDigest(ctx, chat, req.Profile)
	return sink.Done()
}

func validate(req Request) error {
	switch {
	case strings.TrimSpace(req.SessionKey) == "":
		return &ValidationError{Field: "session", Reason: "key is missing"}
	case req.Chat.ID == "":
		return &ValidationError{Field: "chat.id", Reason: "is required"}
	case effectiveModel(req) == "":
		return &ValidationError{Field: "chat.llm", Reason: "is required when the profile has no default model"}
	case req.Profile.User == "":
		return &ValidationError{Field: "user", Reason: "is required"}
	case len(req.Messages) == 0:
		return &ValidationError{Field: "messages", Reason: "must not be empty"}
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != model.RoleUser {
		return &ValidationError{Field: "messages", Reason: "last message must be from the user"}
	}
	return nil
}

// effectiveModel picks the chat's model id, falling back to the
// profile's default.
func effectiveModel(req Request) string {
	if req.Chat.LLM != "" {
		return req.Chat.LLM
	}
	return req.Profile.DefaultLLM
}

// persistUserMessage stores the latest user turn unless it is the
// intro placeholder, empty, or marked self-destruct. Duplicate ids
// from client retries are dropped silently.
func (s *Service) persistUserMessage(ctx context.Context, req Request) error {
	content := req.Messages[len(req.Messages)-1].Content
	if content == "" || req.SelfDestruct || content == prompt.IntroMessage(req.Chat.Character) {
		return nil
	}

	id := req.MessageID
	if id == "" {
		id = uuid.New().String()
	}
	if s.dedupe != nil {
		first, err := s.dedupe.MarkFirst(ctx, req.Chat.ID+":"+id)
		if err != nil {
			s.log.Warn().Err(err).Msg("message dedupe unavailable")
		} else if !first {
			return nil
		}
	}

	msg := model.Message{
		ID:        id,
		ChatID:    req.Chat.ID,
		Character: req.Chat.Character.ID,
		Profile:   req.Profile.User,
		FromAI:    false,
		Content:   content,
	}
	if err := s.store.AddMessage(ctx, msg, req.SessionKey); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	return nil
}

// runGeneration streams completions, executing tool rounds until the
// model answers with plain text. Returns the final assistant text.
func (s *Service) runGeneration(ctx context.Context, client llm.Client, inv *tools.Invocation, history []llm.Message, sink Sink) (string, error) {
	for round := 0; round < s.maxToolRounds; round++ {
		var (
			text      strings.Builder
			toolCalls []llm.ToolCall
		)

		llmReq := llm.Request{
			Model:       inv.Chat.LLM,
			Messages:    history,
			Tools:       s.tools.Specs(),
			Temperature: defaultTemperature,
		}
		err := client.Stream(ctx, llmReq, func(ev llm.Event) error {
			switch ev.Type {
			case llm.EventToken:
				text.WriteString(ev.Token)
				return sink.Token(ev.Token)
			case llm.EventToolCalls:
				toolCalls = ev.ToolCalls
			case llm.EventError:
				// terminal, surfaced via the stream error return
			}
			return nil
		})
		if err != nil {
			return "", err
		}

		if len(toolCalls) == 0 {
			return text.String(), nil
		}

		results := s.executeToolCalls(ctx, inv, toolCalls, sink)

		assistant := llm.Message{Role: model.RoleAssistant, ToolCalls: toolCalls}
		if text.Len() > 0 {
			assistant.Content = text.String()
		}
		history = append(history, assistant)
		history = append(history, results...)

		// regenerate the system prompt, tools may have changed memory
		history[0] = llm.Message{Role: model.RoleSystem, Content: prompt.BuildSystemPrompt(*inv.Chat, inv.Profile)}
	}
	return "", fmt.Errorf("tool rounds exceeded after %d attempts", s.maxToolRounds)
}

// executeToolCalls runs every call of one round concurrently, emits
// result frames in call order, and logs each invocation. Tool failures
// are reported to the model and the client but never abort the turn.
func (s *Service) executeToolCalls(ctx context.Context, inv *tools.Invocation, calls []llm.ToolCall, sink Sink) []llm.Message {
	for _, call := range calls {
		s.metrics.ToolCalls.WithLabelValues(call.Name).Inc()
		if err := sink.ToolCall(call.ID, call.Name); err != nil {
			s.log.Warn().Err(err).Msg("tool call frame dropped")
		}
	}

	type outcome struct {
		result string
		err    error
	}
	outcomes := make([]outcome, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			result, err := s.tools.Execute(ctx, call.Name, inv, call.Arguments)
			outcomes[i] = outcome{result: result, err: err}
		}(i, call)
	}
	wg.Wait()

	results := make([]llm.Message, 0, len(calls))
	for i, call := range calls {
		out := outcomes[i]

		entry := storage.ToolLogEntry{ChatID: inv.Chat.ID, Tool: call.Name, ArgsJSON: call.Arguments, Result: out.result}
		content := out.result
		if out.err != nil {
			s.metrics.ToolFailures.WithLabelValues(call.Name).Inc()
			entry.Error = out.err.Error()
			content = "tool error: " + out.err.Error()
			if err := sink.ToolError(call.ID, call.Name, out.err); err != nil {
				s.log.Warn().Err(err).Msg("tool error frame dropped")
			}
			s.log.Warn().Err(out.err).Str("tool", call.Name).Str("chat_id", inv.Chat.ID).Msg("tool execution failed")
		} else {
			if err := sink.ToolResult(call.ID, call.Name, out.result); err != nil {
				s.log.Warn().Err(err).Msg("tool result frame dropped")
			}
		}
		if err := s.store.LogToolCall(ctx, entry); err != nil {
			s.log.Warn().Err(err).Str("tool", call.Name).Msg("tool log write failed")
		}

		results = append(results, llm.Message{Role: model.RoleTool, ToolCallID: call.ID, Content: content})
	}
	return results
}

func (s *Service) maybeEnqueueDigest(ctx context.Context, chat model.Chat, profile model.Profile) {
	if s.digests == nil || s.digestModel == "" {
		return
	}
	count, err := s.store.CountMessages(ctx, chat.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("chat_id", chat.ID).Msg("message count failed")
		return
	}
	if count < s.digestMinMessages {
		return
	}
	if _, err := s.digests.Enqueue(ctx, queue.DigestJob{ChatID: chat.ID, Profile: profile.User, Model: s.digestModel}); err != nil {
		s.log.Warn().Err(err).Str("chat_id", chat.ID).Msg("digest enqueue failed")
		return
	}
	s.metrics.DigestEnqueued.Inc()
}
