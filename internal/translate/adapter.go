// Package translate converts vendor stream events into chat-completion
// chunks. One Adapter instance serves exactly one completion request and is
// never reused after its terminal chunk or a fault.
package translate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tabrelay/tabrelay-gateway/internal/anthropic"
	"github.com/tabrelay/tabrelay-gateway/internal/openai"
)

// ErrAdapterClosed is returned when Process is called after the terminal
// chunk or a fault; the instance must be discarded, not recycled.
var ErrAdapterClosed = errors.New("translate: adapter already terminated")

// ThinkingFunctionName is the synthetic function name used to surface
// vendor thinking blocks as tool calls.
const ThinkingFunctionName = "thinking"

const thinkingOpenFragment = `{"thoughts":"`

type blockState int

const (
	blockAbsent blockState = iota
	blockOpenText
	blockOpenThinking
	blockOpenToolUse
	blockClosed
)

type blockInfo struct {
	state    blockState
	toolID   string
	toolName string
	// buf accumulates text/thinking payloads; for tool_use it is a
	// diagnostic buffer of raw partial JSON, never parsed mid-stream.
	buf strings.Builder
}

// Adapter owns the per-request message state. Not safe for concurrent use;
// events from one worker arrive on a single goroutine in arrival order.
type Adapter struct {
	id      string
	model   string
	created int64

	stopReason string
	usage      anthropic.Usage
	blocks     map[int]*blockInfo
	order      []int
	toolSeen   bool
	terminated bool
}

// NewAdapter creates an adapter for one completion request. The model is a
// fallback used until message_start reports the real one.
func NewAdapter(model string) *Adapter {
	return &Adapter{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
		blocks:  make(map[int]*blockInfo),
	}
}

// Process translates one vendor event. It yields no chunk for bookkeeping
// events, one chunk for content events, and — only on message_stop — the
// synthesized closes of any still-open blocks followed by the terminal
// chunk. A returned error is a processing fault: it aborts the owning
// request and poisons the adapter.
func (a *Adapter) Process(ev *anthropic.StreamEvent) ([]openai.ChatCompletionChunk, error) {
	if a.terminated {
		return nil, ErrAdapterClosed
	}

	switch ev.Type {
	case anthropic.EventMessageStart:
		return a.onMessageStart(ev), nil

	case anthropic.EventContentBlockStart:
		return a.onBlockStart(ev)

	case anthropic.EventContentBlockDelta:
		return a.onBlockDelta(ev)

	case anthropic.EventContentBlockStop:
		if chunk := a.closeBlock(ev.Index); chunk != nil {
			return []openai.ChatCompletionChunk{*chunk}, nil
		}
		return nil, nil

	case anthropic.EventMessageDelta:
		a.onMessageDelta(ev)
		return nil, nil

	case anthropic.EventMessageStop:
		return a.onMessageStop(), nil

	case anthropic.EventPing:
		return nil, nil

	case anthropic.EventError:
		a.terminated = true
		if ev.Error != nil {
			return nil, fmt.Errorf("translate: vendor stream error: %w", ev.Error)
		}
		return nil, errors.New("translate: vendor stream error without detail")

	default:
		return nil, fmt.Errorf("translate: unexpected event type %q", ev.Type)
	}
}

func (a *Adapter) onMessageStart(ev *anthropic.StreamEvent) []openai.ChatCompletionChunk {
	if ev.Message != nil {
		if ev.Message.Model != "" {
			a.model = ev.Message.Model
		}
		mergeUsage(&a.usage, ev.Message.Usage)
	}
	chunk := a.newChunk()
	chunk.Choices[0].Delta.Role = "assistant"
	return []openai.ChatCompletionChunk{chunk}
}

func (a *Adapter) onBlockStart(ev *anthropic.StreamEvent) ([]openai.ChatCompletionChunk, error) {
	if ev.ContentBlock == nil {
		return nil, fmt.Errorf("translate: content_block_start index=%d missing content_block", ev.Index)
	}
	switch ev.ContentBlock.Type {
	case anthropic.BlockText:
		if chunk := a.openText(ev.Index, ev.ContentBlock.Text); chunk != nil {
			return []openai.ChatCompletionChunk{*chunk}, nil
		}
		return nil, nil
	case anthropic.BlockThinking:
		chunk := a.openThinking(ev.Index, ev.ContentBlock.Thinking)
		return []openai.ChatCompletionChunk{chunk}, nil
	case anthropic.BlockToolUse:
		// Structured input present at start time is intentionally not
		// emitted: the delta stream carries the authoritative fragments.
		chunk := a.openToolUse(ev.Index, ev.ContentBlock.ID, ev.ContentBlock.Name)
		return []openai.ChatCompletionChunk{chunk}, nil
	default:
		return nil, fmt.Errorf("translate: unsupported content block type %q", ev.ContentBlock.Type)
	}
}

func (a *Adapter) onBlockDelta(ev *anthropic.StreamEvent) ([]openai.ChatCompletionChunk, error) {
	if ev.Delta == nil {
		return nil, fmt.Errorf("translate: content_block_delta index=%d missing delta", ev.Index)
	}
	blk := a.blocks[ev.Index]

	switch ev.Delta.Type {
	case anthropic.DeltaText:
		// Lazily materialize a text block for an unseen index.
		if blk == nil || blk.state == blockAbsent {
			blk = a.materialize(ev.Index, blockOpenText)
		}
		blk.buf.WriteString(ev.Delta.Text)
		chunk := a.newChunk()
		chunk.Choices[0].Delta.Content = ev.Delta.Text
		return []openai.ChatCompletionChunk{chunk}, nil

	case anthropic.DeltaThinking, anthropic.DeltaThinkingSummary:
		payload := ev.Delta.Thinking
		if ev.Delta.Type == anthropic.DeltaThinkingSummary {
			payload = "\n[SUMMARY: " + ev.Delta.Summary + "]"
		}
		if blk == nil || blk.state == blockAbsent {
			// Missing start: open the thinking call carrying this payload
			// as its first fragment.
			chunk := a.openThinking(ev.Index, payload)
			return []openai.ChatCompletionChunk{chunk}, nil
		}
		blk.buf.WriteString(payload)
		chunk := a.toolChunk(ev.Index, blk, "", escapeThinking(payload))
		return []openai.ChatCompletionChunk{chunk}, nil

	case anthropic.DeltaInputJSON:
		var out []openai.ChatCompletionChunk
		if blk == nil || blk.state == blockAbsent {
			out = append(out, a.openToolUse(ev.Index, "", ""))
			blk = a.blocks[ev.Index]
		}
		blk.buf.WriteString(ev.Delta.PartialJSON)
		out = append(out, a.toolChunk(ev.Index, blk, "", ev.Delta.PartialJSON))
		return out, nil

	default:
		return nil, fmt.Errorf("translate: unsupported delta type %q", ev.Delta.Type)
	}
}

func (a *Adapter) onMessageDelta(ev *anthropic.StreamEvent) {
	if ev.Delta != nil && ev.Delta.StopReason != "" {
		a.stopReason = ev.Delta.StopReason
	}
	if ev.Usage != nil {
		mergeUsage(&a.usage, *ev.Usage)
	}
}

func (a *Adapter) onMessageStop() []openai.ChatCompletionChunk {
	var out []openai.ChatCompletionChunk
	// Synthesize closes for every block still open, in index order.
	indices := append([]int(nil), a.order...)
	sort.Ints(indices)
	for _, idx := range indices {
		if chunk := a.closeBlock(idx); chunk != nil {
			out = append(out, *chunk)
		}
	}
	usage := openai.UsageBreakdown{
		PromptTokens:     a.usage.InputTokens,
		CompletionTokens: a.usage.OutputTokens,
		TotalTokens:      a.usage.InputTokens + a.usage.OutputTokens,
	}
	terminal := a.newChunk()
	terminal.Choices[0].FinishReason = MapFinishReason(a.stopReason, a.toolSeen)
	terminal.Usage = &usage
	out = append(out, terminal)
	a.terminated = true
	return out
}

func (a *Adapter) openText(index int, initial string) *openai.ChatCompletionChunk {
	blk := a.materialize(index, blockOpenText)
	if initial == "" {
		return nil
	}
	blk.buf.WriteString(initial)
	chunk := a.newChunk()
	chunk.Choices[0].Delta.Content = initial
	return &chunk
}

func (a *Adapter) openThinking(index int, initial string) openai.ChatCompletionChunk {
	blk := a.materialize(index, blockOpenThinking)
	blk.toolID = fmt.Sprintf("thinking_%d", index)
	blk.toolName = ThinkingFunctionName
	args := thinkingOpenFragment
	if initial != "" {
		blk.buf.WriteString(initial)
		args += escapeThinking(initial)
	}
	return a.toolChunk(index, blk, blk.toolID, args)
}

func (a *Adapter) openToolUse(index int, id, name string) openai.ChatCompletionChunk {
	blk := a.materialize(index, blockOpenToolUse)
	if id == "" {
		id = fmt.Sprintf("tool_%d", index)
	}
	blk.toolID = id
	blk.toolName = name
	a.toolSeen = true
	return a.toolChunk(index, blk, blk.toolID, "{")
}

// closeBlock transitions an open block to closed, emitting the closing
// argument fragment for thinking/tool_use blocks. Idempotent: closed or
// absent blocks yield nothing.
func (a *Adapter) closeBlock(index int) *openai.ChatCompletionChunk {
	blk := a.blocks[index]
	if blk == nil {
		return nil
	}
	switch blk.state {
	case blockOpenText:
		blk.state = blockClosed
		return nil
	case blockOpenThinking:
		blk.state = blockClosed
		chunk := a.toolChunk(index, blk, "", `"}`)
		return &chunk
	case blockOpenToolUse:
		blk.state = blockClosed
		chunk := a.toolChunk(index, blk, "", "}")
		return &chunk
	default:
		return nil
	}
}

func (a *Adapter) materialize(index int, state blockState) *blockInfo {
	blk := a.blocks[index]
	if blk == nil {
		blk = &blockInfo{}
		a.blocks[index] = blk
		a.order = append(a.order, index)
	}
	blk.state = state
	return blk
}

func (a *Adapter) newChunk() openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		ID:      a.id,
		Object:  "chat.completion.chunk",
		Created: a.created,
		Model:   a.model,
		Choices: []openai.ChatCompletionChunkChoice{{Index: 0}},
	}
}

func (a *Adapter) toolChunk(index int, blk *blockInfo, id, args string) openai.ChatCompletionChunk {
	chunk := a.newChunk()
	part := &openai.ToolFunctionPart{Arguments: args}
	if id != "" {
		part.Name = blk.toolName
	}
	chunk.Choices[0].Delta.ToolCalls = []openai.ToolCallDelta{{
		Index:    index,
		ID:       id,
		Type:     "function",
		Function: part,
	}}
	return chunk
}

// MapFinishReason maps a vendor stop reason to the target finish reason. A
// tool-use block anywhere in the message forces tool_calls.
func MapFinishReason(stopReason string, toolSeen bool) *string {
	if toolSeen {
		return strPtr("tool_calls")
	}
	switch stopReason {
	case anthropic.StopEndTurn, anthropic.StopSequence:
		return strPtr("stop")
	case anthropic.StopMaxTokens:
		return strPtr("length")
	case anthropic.StopToolUse:
		return strPtr("tool_calls")
	default:
		return nil
	}
}

func strPtr(s string) *string { return &s }

var thinkingEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// escapeThinking escapes a thinking fragment for embedding inside the
// {"thoughts":"..."} argument string, without surrounding quotes.
func escapeThinking(s string) string {
	return thinkingEscaper.Replace(s)
}

func mergeUsage(dst *anthropic.Usage, src anthropic.Usage) {
	// Vendor usage counters are cumulative totals; keep the high-water mark.
	if src.InputTokens > dst.InputTokens {
		dst.InputTokens = src.InputTokens
	}
	if src.OutputTokens > dst.OutputTokens {
		dst.OutputTokens = src.OutputTokens
	}
}
