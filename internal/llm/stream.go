package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// scanner buffer for large SSE chunks, tool call arguments can run long
const maxScanTokenSize = 1 << 20

type streamClient struct {
	baseURL    string
	apiKey     string
	headers    map[string]string
	httpClient *http.Client
}

func (c *streamClient) Stream(ctx context.Context, req Request, emit func(Event) error) error {
	body, err := buildPayload(req)
	if err != nil {
		return err
	}

	endpointURL := strings.TrimSuffix(c.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if strings.TrimSpace(c.apiKey) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return c.readStream(ctx, resp.Body, emit)
}

func buildPayload(req Request) ([]byte, error) {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role}
		if m.Content != "" || len(m.ToolCalls) == 0 {
			msg["content"] = m.Content
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				})
			}
			msg["tool_calls"] = calls
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		messages = append(messages, msg)
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   true,
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			params := t.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  params,
				},
			})
		}
		payload["tools"] = tools
		payload["tool_choice"] = "auto"
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// readStream parses SSE lines and emits events. Tool call fragments
// are accumulated by delta index and surfaced only once the stream
// finishes with the tool_calls reason; argument JSON is not valid
// until the last fragment arrives.
func (c *streamClient) readStream(ctx context.Context, r io.Reader, emit func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxScanTokenSize)

	accs := make(map[int]*toolCallAccumulator)
	var finishReason string

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return emitError(emit, err)
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		if choice.Delta.Content != "" {
			if err := emit(Event{Type: EventToken, Token: choice.Delta.Content}); err != nil {
				return err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := accs[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				accs[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return emitError(emit, fmt.Errorf("read stream: %w", err))
	}

	if finishReason == "tool_calls" {
		calls := collectToolCalls(accs)
		if len(calls) == 0 {
			return emitError(emit, fmt.Errorf("stream finished with tool_calls but no complete call"))
		}
		return emit(Event{Type: EventToolCalls, ToolCalls: calls})
	}

	return emit(Event{Type: EventDone})
}

func collectToolCalls(accs map[int]*toolCallAccumulator) []ToolCall {
	indexes := make([]int, 0, len(accs))
	for i := range accs {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]ToolCall, 0, len(accs))
	for _, i := range indexes {
		acc := accs[i]
		if acc.name == "" {
			continue
		}
		calls = append(calls, ToolCall{ID: acc.id, Name: acc.name, Arguments: acc.args.String()})
	}
	return calls
}

func emitError(emit func(Event) error, err error) error {
	if emitErr := emit(Event{Type: EventError, Err: err}); emitErr != nil {
		return emitErr
	}
	return err
}
