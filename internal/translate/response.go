package translate

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tabrelay/tabrelay-gateway/internal/anthropic"
	"github.com/tabrelay/tabrelay-gateway/internal/openai"
)

// BuildResponse synthesizes one completion object from a fully materialized
// vendor message: text blocks concatenated as content, thinking and tool-use
// blocks represented as tool-call entries.
func BuildResponse(msg *anthropic.Message) openai.ChatCompletionResponse {
	var content strings.Builder
	var calls []openai.ToolCall
	toolSeen := false

	for i, blk := range msg.Content {
		switch blk.Type {
		case anthropic.BlockText:
			content.WriteString(blk.Text)
		case anthropic.BlockThinking:
			args, _ := json.Marshal(struct {
				Thoughts string `json:"thoughts"`
			}{Thoughts: blk.Thinking})
			calls = append(calls, openai.ToolCall{
				ID:   synthToolID("thinking", i),
				Type: "function",
				Function: openai.ToolFunction{
					Name:      ThinkingFunctionName,
					Arguments: string(args),
				},
			})
		case anthropic.BlockToolUse:
			toolSeen = true
			args := "{}"
			if len(blk.Input) > 0 {
				args = string(blk.Input)
			}
			id := blk.ID
			if id == "" {
				id = synthToolID("tool", i)
			}
			calls = append(calls, openai.ToolCall{
				ID:   id,
				Type: "function",
				Function: openai.ToolFunction{
					Name:      blk.Name,
					Arguments: args,
				},
			})
		}
	}

	finish := "stop"
	if mapped := MapFinishReason(msg.StopReason, toolSeen); mapped != nil {
		finish = *mapped
	}
	message := openai.ChatMessage{
		Role:      "assistant",
		Content:   content.String(),
		ToolCalls: calls,
	}
	usage := openai.UsageBreakdown{
		PromptTokens:     msg.Usage.InputTokens,
		CompletionTokens: msg.Usage.OutputTokens,
		TotalTokens:      msg.Usage.InputTokens + msg.Usage.OutputTokens,
	}
	id := msg.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	return openai.NewCompletionResponse(id, msg.Model, message, finish, usage)
}

func synthToolID(prefix string, index int) string {
	return prefix + "_" + strconv.Itoa(index)
}

// Accumulator folds a stream of chunks into one completion object, for
// callers that requested a non-streaming response.
type Accumulator struct {
	id      string
	model   string
	created int64

	content strings.Builder
	calls   []*openai.ToolCall
	byIndex map[int]*openai.ToolCall
	finish  string
	usage   openai.UsageBreakdown
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{byIndex: make(map[int]*openai.ToolCall)}
}

// Add folds one chunk into the aggregate.
func (acc *Accumulator) Add(chunk openai.ChatCompletionChunk) {
	if acc.id == "" {
		acc.id = chunk.ID
	}
	if chunk.Model != "" {
		acc.model = chunk.Model
	}
	if chunk.Created != 0 {
		acc.created = chunk.Created
	}
	delta := chunk.Delta()
	acc.content.WriteString(delta.Content)
	for _, tc := range delta.ToolCalls {
		call := acc.byIndex[tc.Index]
		if call == nil {
			call = &openai.ToolCall{Type: "function"}
			acc.byIndex[tc.Index] = call
			acc.calls = append(acc.calls, call)
		}
		if tc.ID != "" {
			call.ID = tc.ID
		}
		if tc.Function != nil {
			if tc.Function.Name != "" {
				call.Function.Name = tc.Function.Name
			}
			call.Function.Arguments += tc.Function.Arguments
		}
	}
	if fr := chunk.FinishReason(); fr != nil {
		acc.finish = *fr
	}
	if chunk.Usage != nil {
		acc.usage = *chunk.Usage
	}
}

// Response releases the aggregate as one completion object.
func (acc *Accumulator) Response() openai.ChatCompletionResponse {
	msg := openai.ChatMessage{Role: "assistant", Content: acc.content.String()}
	for _, call := range acc.calls {
		msg.ToolCalls = append(msg.ToolCalls, *call)
	}
	finish := acc.finish
	if finish == "" {
		finish = "stop"
	}
	resp := openai.NewCompletionResponse(acc.id, acc.model, msg, finish, acc.usage)
	if acc.created != 0 {
		resp.Created = acc.created
	}
	return resp
}
