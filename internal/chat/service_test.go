package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"charchat/internal/catalog"
	"charchat/internal/credentials"
	"charchat/internal/crypto"
	"charchat/internal/llm"
	"charchat/internal/metrics"
	"charchat/internal/model"
	"charchat/internal/queue"
	"charchat/internal/storage"
	"charchat/internal/tools"
)

type countingStore struct {
	chats        int
	messages     []model.Message
	toolLogs     []storage.ToolLogEntry
	books        map[string]string
	titles       map[string]string
	descriptions map[string]string
	messageCount int64
}

func newCountingStore() *countingStore {
	return &countingStore{books: map[string]string{}, titles: map[string]string{}, descriptions: map[string]string{}}
}

func (c *countingStore) UpsertChat(_ context.Context, _ model.Chat) error {
	c.chats++
	return nil
}

func (c *countingStore) AddMessage(_ context.Context, m model.Message, _ string) error {
	c.messages = append(c.messages, m)
	return nil
}

func (c *countingStore) LogToolCall(_ context.Context, e storage.ToolLogEntry) error {
	c.toolLogs = append(c.toolLogs, e)
	return nil
}

func (c *countingStore) CountMessages(_ context.Context, _ string) (int64, error) {
	return c.messageCount, nil
}

func (c *countingStore) SetDynamicBook(_ context.Context, chatID, book string) error {
	c.books[chatID] = book
	return nil
}

func (c *countingStore) UpdateChatTitle(_ context.Context, chatID, title string) error {
	c.titles[chatID] = title
	return nil
}

func (c *countingStore) UpdateChatDescription(_ context.Context, chatID, description string) error {
	c.descriptions[chatID] = description
	return nil
}

type frame struct {
	kind  string
	value string
}

type recordingSink struct {
	frames []frame
}

func (r *recordingSink) Token(token string) error {
	r.frames = append(r.frames, frame{"token", token})
	return nil
}

func (r *recordingSink) ToolCall(_, name string) error {
	r.frames = append(r.frames, frame{"tool-call", name})
	return nil
}

func (r *recordingSink) ToolResult(_, name, result string) error {
	r.frames = append(r.frames, frame{"tool-result", name + ":" + result})
	return nil
}

func (r *recordingSink) ToolError(_, name string, callErr error) error {
	r.frames = append(r.frames, frame{"tool-error", name + ":" + callErr.Error()})
	return nil
}

func (r *recordingSink) Done() error {
	r.frames = append(r.frames, frame{"done", ""})
	return nil
}

func (r *recordingSink) kinds() []string {
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.kind)
	}
	return out
}

// scriptedClient plays one scripted event sequence per stream call.
type scriptedClient struct {
	rounds [][]llm.Event
	calls  int
	reqs   []llm.Request
}

func (s *scriptedClient) Stream(_ context.Context, req llm.Request, emit func(llm.Event) error) error {
	s.reqs = append(s.reqs, req)
	if s.calls >= len(s.rounds) {
		return fmt.Errorf("unexpected stream call %d", s.calls)
	}
	events := s.rounds[s.calls]
	s.calls++
	for _, ev := range events {
		if ev.Type == llm.EventError {
			if err := emit(ev); err != nil {
				return err
			}
			return ev.Err
		}
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

type fakeDigests struct {
	jobs []queue.DigestJob
}

func (f *fakeDigests) Enqueue(_ context.Context, job queue.DigestJob) (string, error) {
	f.jobs = append(f.jobs, job)
	return "1-0", nil
}

func testResolver(t *testing.T) *credentials.Resolver {
	t.Helper()
	cm, err := crypto.NewManager("k1", map[string][]byte{"k1": make([]byte, 32)})
	if err != nil {
		t.Fatalf("crypto manager: %v", err)
	}
	return credentials.NewResolver(cm, map[catalog.Provider]string{catalog.ProviderMistral: "platform-key"})
}

func testService(t *testing.T, store *countingStore, client llm.Client, factoryCalls *int, digests DigestQueue) *Service {
	t.Helper()
	registry := tools.NewRegistry(store, nil, func(_ context.Context, _ *tools.Invocation, text string) (string, error) {
		return "summary: " + text, nil
	})
	factory := func(modelID string, cred credentials.Credential) (llm.Client, error) {
		if factoryCalls != nil {
			*factoryCalls++
		}
		return client, nil
	}
	return NewService(store, testResolver(t), registry, factory, nil, digests, metrics.Global(), zerolog.Nop(), Options{
		DigestModel:       "open-mistral-nemo",
		DigestMinMessages: 4,
	})
}

func testRequest() Request {
	return Request{
		Chat: model.Chat{
			ID:        "chat-1",
			Profile:   "ada",
			LLM:       "open-mistral-nemo",
			Character: model.Character{ID: "char-1", Name: "Nyx"},
		},
		Profile:    model.Profile{User: "ada", FirstName: "Ada"},
		Messages:   []model.ChatMessage{{Role: model.RoleUser, Content: "hello"}},
		SessionKey: "session-key",
	}
}

func TestGenerateValidationBeforeSideEffects(t *testing.T) {
	store := newCountingStore()
	factoryCalls := 0
	svc := testService(t, store, &scriptedClient{}, &factoryCalls, nil)
	sink := &recordingSink{}

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"empty messages", func(r *Request) { r.Messages = nil }},
		{"last not user", func(r *Request) {
			r.Messages = []model.ChatMessage{{Role: model.RoleUser, Content: "hi"}, {Role: model.RoleAssistant, Content: "hey"}}
		}},
		{"missing chat id", func(r *Request) { r.Chat.ID = "" }},
		{"no model anywhere", func(r *Request) { r.Chat.LLM = "" }},
		{"missing session", func(r *Request) { r.SessionKey = "" }},
		{"missing user", func(r *Request) { r.Profile.User = "" }},
	}
	for _, tc := range cases {
		req := testRequest()
		tc.mutate(&req)
		err := svc.Generate(context.Background(), req, sink)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}

	if store.chats != 0 || len(store.messages) != 0 {
		t.Fatalf("side effects before validation: chats=%d messages=%d", store.chats, len(store.messages))
	}
	if factoryCalls != 0 {
		t.Fatalf("client factory called on invalid request")
	}
	if len(sink.frames) != 0 {
		t.Fatalf("frames emitted on invalid request: %+v", sink.frames)
	}
}

func TestGeneratePlainAnswer(t *testing.T) {
	store := newCountingStore()
	client := &scriptedClient{rounds: [][]llm.Event{{
		{Type: llm.EventToken, Token: "Hel"},
		{Type: llm.EventToken, Token: "lo."},
		{Type: llm.EventDone},
	}}}
	svc := testService(t, store, client, nil, nil)
	sink := &recordingSink{}

	if err := svc.Generate(context.Background(), testRequest(), sink); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	want := []string{"token", "token", "done"}
	if got := sink.kinds(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("frames = %v", got)
	}
	if store.chats != 1 {
		t.Fatalf("chat upserts = %d", store.chats)
	}
	// latest user turn plus the assistant answer
	if len(store.messages) != 2 {
		t.Fatalf("messages = %+v", store.messages)
	}
	if store.messages[0].FromAI || store.messages[0].Content != "hello" {
		t.Fatalf("user message = %+v", store.messages[0])
	}
	if !store.messages[1].FromAI || store.messages[1].Content != "Hello." {
		t.Fatalf("assistant message = %+v", store.messages[1])
	}

	if len(client.reqs) != 1 {
		t.Fatalf("stream calls = %d", len(client.reqs))
	}
	req := client.reqs[0]
	if req.Messages[0].Role != model.RoleSystem || !strings.Contains(req.Messages[0].Content, "Nyx") {
		t.Fatalf("system prompt missing: %+v", req.Messages[0])
	}
	if len(req.Tools) == 0 {
		t.Fatalf("tool specs not sent")
	}
}

func TestGenerateFallsBackToProfileDefaultModel(t *testing.T) {
	store := newCountingStore()
	client := &scriptedClient{rounds: [][]llm.Event{{
		{Type: llm.EventToken, Token: "Hi."},
		{Type: llm.EventDone},
	}}}
	registry := tools.NewRegistry(store, nil, nil)
	var factoryModel string
	factory := func(modelID string, _ credentials.Credential) (llm.Client, error) {
		factoryModel = modelID
		return client, nil
	}
	svc := NewService(store, testResolver(t), registry, factory, nil, nil, metrics.Global(), zerolog.Nop(), Options{})

	req := testRequest()
	req.Chat.LLM = ""
	req.Profile.DefaultLLM = "open-mistral-nemo"

	if err := svc.Generate(context.Background(), req, &recordingSink{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if factoryModel != "open-mistral-nemo" {
		t.Fatalf("factory model = %q", factoryModel)
	}
	if client.reqs[0].Model != "open-mistral-nemo" {
		t.Fatalf("stream model = %q", client.reqs[0].Model)
	}
}

func TestGenerateToolRound(t *testing.T) {
	store := newCountingStore()
	client := &scriptedClient{rounds: [][]llm.Event{
		{{Type: llm.EventToolCalls, ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "addNewMemory", Arguments: `{"memory":"ada likes foxes"}`},
		}}},
		{
			{Type: llm.EventToken, Token: "Noted."},
			{Type: llm.EventDone},
		},
	}}
	svc := testService(t, store, client, nil, nil)
	sink := &recordingSink{}

	if err := svc.Generate(context.Background(), testRequest(), sink); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	want := []string{"tool-call", "tool-result", "token", "done"}
	if got := sink.kinds(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("frames = %v", got)
	}

	if store.books["chat-1"] != "ada likes foxes" {
		t.Fatalf("memory not stored: %q", store.books["chat-1"])
	}
	if len(store.toolLogs) != 1 || store.toolLogs[0].Tool != "addNewMemory" || store.toolLogs[0].Error != "" {
		t.Fatalf("tool log = %+v", store.toolLogs)
	}

	// second round must carry the assistant tool-call turn and result
	second := client.reqs[1]
	var sawAssistant, sawTool bool
	for _, m := range second.Messages {
		if m.Role == model.RoleAssistant && len(m.ToolCalls) == 1 {
			sawAssistant = true
		}
		if m.Role == model.RoleTool && m.ToolCallID == "call_1" {
			sawTool = true
		}
	}
	if !sawAssistant || !sawTool {
		t.Fatalf("tool round history incomplete: %+v", second.Messages)
	}
	// the refreshed system prompt must include the new memory
	if !strings.Contains(second.Messages[0].Content, "ada likes foxes") {
		t.Fatalf("system prompt not refreshed after memory write")
	}
}

func TestGenerateToolErrorIsNotFatal(t *testing.T) {
	store := newCountingStore()
	client := &scriptedClient{rounds: [][]llm.Event{
		{{Type: llm.EventToolCalls, ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "generateImage", Arguments: `{"prompt":"a fox"}`},
		}}},
		{
			{Type: llm.EventToken, Token: "Sorry, no image."},
			{Type: llm.EventDone},
		},
	}}
	svc := testService(t, store, client, nil, nil)
	sink := &recordingSink{}

	// image generation is not configured in this service
	if err := svc.Generate(context.Background(), testRequest(), sink); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	want := []string{"tool-call", "tool-error", "token", "done"}
	if got := sink.kinds(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("frames = %v", got)
	}
	if len(store.toolLogs) != 1 || store.toolLogs[0].Error == "" {
		t.Fatalf("tool failure not logged: %+v", store.toolLogs)
	}
}

func TestGenerateSkipsPersistenceForIntroAndSelfDestruct(t *testing.T) {
	answer := []llm.Event{{Type: llm.EventToken, Token: "Hi."}, {Type: llm.EventDone}}

	t.Run("self destruct", func(t *testing.T) {
		store := newCountingStore()
		svc := testService(t, store, &scriptedClient{rounds: [][]llm.Event{answer}}, nil, nil)
		req := testRequest()
		req.SelfDestruct = true
		if err := svc.Generate(context.Background(), req, &recordingSink{}); err != nil {
			t.Fatalf("Generate: %v", err)
		}
		// only the assistant answer lands
		if len(store.messages) != 1 || !store.messages[0].FromAI {
			t.Fatalf("messages = %+v", store.messages)
		}
	})

	t.Run("empty content", func(t *testing.T) {
		store := newCountingStore()
		svc := testService(t, store, &scriptedClient{rounds: [][]llm.Event{answer}}, nil, nil)
		req := testRequest()
		req.Messages = []model.ChatMessage{{Role: model.RoleUser, Content: ""}}
		if err := svc.Generate(context.Background(), req, &recordingSink{}); err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(store.messages) != 1 || !store.messages[0].FromAI {
			t.Fatalf("empty turn persisted: %+v", store.messages)
		}
	})

	t.Run("intro placeholder", func(t *testing.T) {
		store := newCountingStore()
		svc := testService(t, store, &scriptedClient{rounds: [][]llm.Event{answer}}, nil, nil)
		req := testRequest()
		req.Chat.Character.FirstMessage = "Hello there."
		intro := "This is the first message you should respond with:\nHello there.\n\n"
		req.Messages = []model.ChatMessage{{Role: model.RoleUser, Content: intro}}
		if err := svc.Generate(context.Background(), req, &recordingSink{}); err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(store.messages) != 1 || !store.messages[0].FromAI {
			t.Fatalf("intro turn persisted: %+v", store.messages)
		}
	})
}

func TestGenerateCredentialFailureBeforeStream(t *testing.T) {
	store := newCountingStore()
	factoryCalls := 0
	svc := testService(t, store, &scriptedClient{}, &factoryCalls, nil)
	sink := &recordingSink{}

	req := testRequest()
	req.Chat.LLM = "gpt-4o"

	err := svc.Generate(context.Background(), req, sink)
	if !errors.Is(err, credentials.ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if factoryCalls != 0 {
		t.Fatalf("client factory called despite missing credential")
	}
	if len(sink.frames) != 0 {
		t.Fatalf("frames emitted despite missing credential: %+v", sink.frames)
	}
}

func TestGenerateProviderErrorMidStream(t *testing.T) {
	store := newCountingStore()
	provErr := fmt.Errorf("provider closed the stream")
	client := &scriptedClient{rounds: [][]llm.Event{{
		{Type: llm.EventToken, Token: "Hel"},
		{Type: llm.EventError, Err: provErr},
	}}}
	svc := testService(t, store, client, nil, nil)
	sink := &recordingSink{}

	err := svc.Generate(context.Background(), testRequest(), sink)
	if !errors.Is(err, provErr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	// partial tokens were streamed but no assistant message persisted
	for _, m := range store.messages {
		if m.FromAI {
			t.Fatalf("assistant message persisted after failure: %+v", m)
		}
	}
}

func TestGenerateEnqueuesDigest(t *testing.T) {
	store := newCountingStore()
	store.messageCount = 10
	digests := &fakeDigests{}
	client := &scriptedClient{rounds: [][]llm.Event{{
		{Type: llm.EventToken, Token: "Hi."},
		{Type: llm.EventDone},
	}}}
	svc := testService(t, store, client, nil, digests)

	if err := svc.Generate(context.Background(), testRequest(), &recordingSink{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(digests.jobs) != 1 {
		t.Fatalf("digest jobs = %+v", digests.jobs)
	}
	job := digests.jobs[0]
	if job.ChatID != "chat-1" || job.Model != "open-mistral-nemo" {
		t.Fatalf("job = %+v", job)
	}
}

func TestGenerateSkipsDigestBelowThreshold(t *testing.T) {
	store := newCountingStore()
	store.messageCount = 2
	digests := &fakeDigests{}
	client := &scriptedClient{rounds: [][]llm.Event{{
		{Type: llm.EventToken, Token: "Hi."},
		{Type: llm.EventDone},
	}}}
	svc := testService(t, store, client, nil, digests)

	if err := svc.Generate(context.Background(), testRequest(), &recordingSink{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(digests.jobs) != 0 {
		t.Fatalf("digest enqueued below threshold: %+v", digests.jobs)
	}
}
