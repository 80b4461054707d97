package translate

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tabrelay/tabrelay-gateway/internal/anthropic"
	"github.com/tabrelay/tabrelay-gateway/internal/openai"
)

func messageStart(model string) *anthropic.StreamEvent {
	return &anthropic.StreamEvent{
		Type:    anthropic.EventMessageStart,
		Message: &anthropic.MessageStart{ID: "msg_test", Model: model},
	}
}

func blockStart(index int, block anthropic.ContentBlock) *anthropic.StreamEvent {
	return &anthropic.StreamEvent{
		Type:         anthropic.EventContentBlockStart,
		Index:        index,
		ContentBlock: &block,
	}
}

func blockDelta(index int, delta anthropic.Delta) *anthropic.StreamEvent {
	return &anthropic.StreamEvent{
		Type:  anthropic.EventContentBlockDelta,
		Index: index,
		Delta: &delta,
	}
}

func blockStop(index int) *anthropic.StreamEvent {
	return &anthropic.StreamEvent{Type: anthropic.EventContentBlockStop, Index: index}
}

func messageDelta(stopReason string, outputTokens int) *anthropic.StreamEvent {
	return &anthropic.StreamEvent{
		Type:  anthropic.EventMessageDelta,
		Delta: &anthropic.Delta{StopReason: stopReason},
		Usage: &anthropic.Usage{OutputTokens: outputTokens},
	}
}

func messageStop() *anthropic.StreamEvent {
	return &anthropic.StreamEvent{Type: anthropic.EventMessageStop}
}

func runAdapter(t *testing.T, events ...*anthropic.StreamEvent) []openai.ChatCompletionChunk {
	t.Helper()
	a := NewAdapter("fallback-model")
	var out []openai.ChatCompletionChunk
	for _, ev := range events {
		chunks, err := a.Process(ev)
		if err != nil {
			t.Fatalf("Process(%s) error = %v", ev.Type, err)
		}
		out = append(out, chunks...)
	}
	return out
}

// toolArgs concatenates every tool-call argument fragment for one block index.
func toolArgs(chunks []openai.ChatCompletionChunk, index int) string {
	var b strings.Builder
	for _, chunk := range chunks {
		for _, tc := range chunk.Delta().ToolCalls {
			if tc.Index == index && tc.Function != nil {
				b.WriteString(tc.Function.Arguments)
			}
		}
	}
	return b.String()
}

func TestTextStream(t *testing.T) {
	chunks := runAdapter(t,
		messageStart("web-latest"),
		blockStart(0, anthropic.ContentBlock{Type: anthropic.BlockText}),
		blockDelta(0, anthropic.Delta{Type: anthropic.DeltaText, Text: "Hi"}),
		blockStop(0),
		messageDelta(anthropic.StopEndTurn, 1),
		messageStop(),
	)

	if len(chunks) != 3 {
		t.Fatalf("chunk count = %d, want 3 (role, content, terminal)", len(chunks))
	}
	if role := chunks[0].Delta().Role; role != "assistant" {
		t.Errorf("first chunk role = %q, want assistant", role)
	}
	if content := chunks[1].Delta().Content; content != "Hi" {
		t.Errorf("content delta = %q, want %q", content, "Hi")
	}
	terminal := chunks[2]
	if !terminal.Terminal() {
		t.Fatal("last chunk is not terminal")
	}
	if fr := terminal.FinishReason(); fr == nil || *fr != "stop" {
		t.Errorf("finish reason = %v, want stop", fr)
	}
	if terminal.Model != "web-latest" {
		t.Errorf("terminal model = %q, want web-latest", terminal.Model)
	}
	for i, chunk := range chunks[:2] {
		if chunk.Terminal() {
			t.Errorf("chunk %d unexpectedly terminal", i)
		}
	}
}

func TestThinkingFragmentsFormValidJSON(t *testing.T) {
	chunks := runAdapter(t,
		blockStart(0, anthropic.ContentBlock{Type: anthropic.BlockThinking}),
		blockDelta(0, anthropic.Delta{Type: anthropic.DeltaThinking, Thinking: "abc"}),
		blockStop(0),
	)

	args := toolArgs(chunks, 0)
	if args != `{"thoughts":"abc"}` {
		t.Fatalf("concatenated arguments = %q, want %q", args, `{"thoughts":"abc"}`)
	}
	var parsed struct {
		Thoughts string `json:"thoughts"`
	}
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		t.Fatalf("arguments are not valid JSON: %v", err)
	}
	if parsed.Thoughts != "abc" {
		t.Errorf("thoughts = %q, want abc", parsed.Thoughts)
	}
	// The start chunk must carry the function name and synthetic id.
	start := chunks[0].Delta().ToolCalls[0]
	if start.ID != "thinking_0" {
		t.Errorf("tool call id = %q, want thinking_0", start.ID)
	}
	if start.Function.Name != ThinkingFunctionName {
		t.Errorf("function name = %q, want %q", start.Function.Name, ThinkingFunctionName)
	}
}

func TestThinkingEscaping(t *testing.T) {
	payloads := []string{"line1\nline2", `quote " and \ slash`, "tab\there", "cr\rend"}
	events := []*anthropic.StreamEvent{
		blockStart(0, anthropic.ContentBlock{Type: anthropic.BlockThinking}),
	}
	for _, p := range payloads {
		events = append(events, blockDelta(0, anthropic.Delta{Type: anthropic.DeltaThinking, Thinking: p}))
	}
	events = append(events, blockStop(0))

	args := toolArgs(runAdapter(t, events...), 0)
	var parsed struct {
		Thoughts string `json:"thoughts"`
	}
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		t.Fatalf("arguments are not valid JSON: %v\nargs=%q", err, args)
	}
	if want := strings.Join(payloads, ""); parsed.Thoughts != want {
		t.Errorf("thoughts = %q, want %q", parsed.Thoughts, want)
	}
}

func TestThinkingSummaryWrapped(t *testing.T) {
	chunks := runAdapter(t,
		blockStart(0, anthropic.ContentBlock{Type: anthropic.BlockThinking, Thinking: "lead"}),
		blockDelta(0, anthropic.Delta{Type: anthropic.DeltaThinkingSummary, Summary: "key points"}),
		blockStop(0),
	)

	args := toolArgs(chunks, 0)
	var parsed struct {
		Thoughts string `json:"thoughts"`
	}
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		t.Fatalf("arguments are not valid JSON: %v", err)
	}
	if want := "lead\n[SUMMARY: key points]"; parsed.Thoughts != want {
		t.Errorf("thoughts = %q, want %q", parsed.Thoughts, want)
	}
}

func TestToolUseFragmentsIgnoreInitialInput(t *testing.T) {
	run := func(initial json.RawMessage) string {
		events := []*anthropic.StreamEvent{
			messageStart("m"),
			blockStart(0, anthropic.ContentBlock{
				Type:  anthropic.BlockToolUse,
				ID:    "toolu_01",
				Name:  "get_weather",
				Input: initial,
			}),
			blockDelta(0, anthropic.Delta{Type: anthropic.DeltaInputJSON, PartialJSON: `"city":`}),
			blockDelta(0, anthropic.Delta{Type: anthropic.DeltaInputJSON, PartialJSON: `"Oslo"`}),
			blockStop(0),
		}
		return toolArgs(runAdapter(t, events...), 0)
	}

	without := run(nil)
	with := run(json.RawMessage(`{"city":"Oslo"}`))
	if without != with {
		t.Errorf("fragments differ with initial input: %q vs %q", without, with)
	}
	if want := `{"city":"Oslo"}`; without != want {
		t.Errorf("concatenated fragments = %q, want %q", without, want)
	}
}

func TestToolUseForcesToolCallsFinish(t *testing.T) {
	chunks := runAdapter(t,
		messageStart("m"),
		blockStart(0, anthropic.ContentBlock{Type: anthropic.BlockToolUse, ID: "toolu_01", Name: "search"}),
		blockStop(0),
		messageDelta(anthropic.StopEndTurn, 2),
		messageStop(),
	)
	terminal := chunks[len(chunks)-1]
	if fr := terminal.FinishReason(); fr == nil || *fr != "tool_calls" {
		t.Errorf("finish reason = %v, want tool_calls despite end_turn", fr)
	}
}

func TestMaxTokensMapsToLength(t *testing.T) {
	chunks := runAdapter(t,
		messageStart("m"),
		blockStart(0, anthropic.ContentBlock{Type: anthropic.BlockText, Text: "partial"}),
		messageDelta(anthropic.StopMaxTokens, 5),
		messageStop(),
	)
	terminal := chunks[len(chunks)-1]
	if fr := terminal.FinishReason(); fr == nil || *fr != "length" {
		t.Errorf("finish reason = %v, want length", fr)
	}
}

func TestMessageStopClosesOpenBlocks(t *testing.T) {
	chunks := runAdapter(t,
		messageStart("m"),
		blockStart(0, anthropic.ContentBlock{Type: anthropic.BlockThinking}),
		blockDelta(0, anthropic.Delta{Type: anthropic.DeltaThinking, Thinking: "unfinished"}),
		messageDelta(anthropic.StopEndTurn, 1),
		messageStop(), // no content_block_stop arrived
	)

	args := toolArgs(chunks, 0)
	var parsed struct {
		Thoughts string `json:"thoughts"`
	}
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		t.Fatalf("synthesized close left invalid JSON: %v\nargs=%q", err, args)
	}
	if parsed.Thoughts != "unfinished" {
		t.Errorf("thoughts = %q, want unfinished", parsed.Thoughts)
	}

	terms := 0
	for _, chunk := range chunks {
		if chunk.Terminal() {
			terms++
		}
	}
	if terms != 1 {
		t.Errorf("terminal chunk count = %d, want exactly 1", terms)
	}
}

func TestExactlyOneTerminalChunk(t *testing.T) {
	chunks := runAdapter(t,
		messageStart("m"),
		blockStart(0, anthropic.ContentBlock{Type: anthropic.BlockText}),
		blockDelta(0, anthropic.Delta{Type: anthropic.DeltaText, Text: "one"}),
		blockStop(0),
		blockStart(1, anthropic.ContentBlock{Type: anthropic.BlockText, Text: "two"}),
		blockStop(1),
		messageDelta(anthropic.StopEndTurn, 3),
		messageStop(),
	)
	terms := 0
	for _, chunk := range chunks {
		if chunk.Terminal() {
			terms++
		}
	}
	if terms != 1 {
		t.Errorf("terminal chunk count = %d, want exactly 1", terms)
	}
}

func TestLazyBlockMaterialization(t *testing.T) {
	// Deltas referencing indices that never saw content_block_start must be
	// tolerated, not rejected.
	chunks := runAdapter(t,
		messageStart("m"),
		blockDelta(3, anthropic.Delta{Type: anthropic.DeltaText, Text: "orphan"}),
		blockDelta(7, anthropic.Delta{Type: anthropic.DeltaThinking, Thinking: "stray"}),
		blockStop(3),
		blockStop(7),
	)
	var content strings.Builder
	for _, chunk := range chunks {
		content.WriteString(chunk.Delta().Content)
	}
	if content.String() != "orphan" {
		t.Errorf("content = %q, want orphan", content.String())
	}
	args := toolArgs(chunks, 7)
	var parsed struct {
		Thoughts string `json:"thoughts"`
	}
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		t.Fatalf("lazy thinking block produced invalid JSON: %v\nargs=%q", err, args)
	}
	if parsed.Thoughts != "stray" {
		t.Errorf("thoughts = %q, want stray", parsed.Thoughts)
	}
}

func TestErrorEventFaultsAdapter(t *testing.T) {
	a := NewAdapter("m")
	if _, err := a.Process(messageStart("m")); err != nil {
		t.Fatalf("message_start error = %v", err)
	}
	_, err := a.Process(&anthropic.StreamEvent{
		Type:  anthropic.EventError,
		Error: &anthropic.APIError{Type: "overloaded_error", Message: "overloaded"},
	})
	if err == nil {
		t.Fatal("error event did not fault the adapter")
	}
	var vendorErr *anthropic.APIError
	if !errors.As(err, &vendorErr) {
		t.Errorf("fault does not wrap the vendor error: %v", err)
	}

	// The instance must be poisoned afterward.
	if _, err := a.Process(messageStop()); !errors.Is(err, ErrAdapterClosed) {
		t.Errorf("Process after fault = %v, want ErrAdapterClosed", err)
	}
}

func TestAdapterNotReusableAfterTerminal(t *testing.T) {
	a := NewAdapter("m")
	for _, ev := range []*anthropic.StreamEvent{messageStart("m"), messageStop()} {
		if _, err := a.Process(ev); err != nil {
			t.Fatalf("Process(%s) error = %v", ev.Type, err)
		}
	}
	if _, err := a.Process(messageStart("m")); !errors.Is(err, ErrAdapterClosed) {
		t.Errorf("Process after terminal = %v, want ErrAdapterClosed", err)
	}
}

func TestUsageHighWaterMark(t *testing.T) {
	a := NewAdapter("m")
	events := []*anthropic.StreamEvent{
		{Type: anthropic.EventMessageStart, Message: &anthropic.MessageStart{Model: "m", Usage: anthropic.Usage{InputTokens: 12}}},
		messageDelta("", 4),
		messageDelta(anthropic.StopEndTurn, 9),
	}
	var chunks []openai.ChatCompletionChunk
	for _, ev := range events {
		out, err := a.Process(ev)
		if err != nil {
			t.Fatalf("Process(%s) error = %v", ev.Type, err)
		}
		chunks = append(chunks, out...)
	}
	out, err := a.Process(messageStop())
	if err != nil {
		t.Fatalf("message_stop error = %v", err)
	}
	chunks = append(chunks, out...)

	terminal := chunks[len(chunks)-1]
	if terminal.Usage == nil {
		t.Fatal("terminal chunk missing usage")
	}
	if terminal.Usage.PromptTokens != 12 || terminal.Usage.CompletionTokens != 9 {
		t.Errorf("usage = %+v, want prompt=12 completion=9", terminal.Usage)
	}
	if terminal.Usage.TotalTokens != 21 {
		t.Errorf("total tokens = %d, want 21", terminal.Usage.TotalTokens)
	}
}

func TestInitialTextEmittedOnBlockStart(t *testing.T) {
	chunks := runAdapter(t,
		messageStart("m"),
		blockStart(0, anthropic.ContentBlock{Type: anthropic.BlockText, Text: "preamble"}),
	)
	if len(chunks) != 2 {
		t.Fatalf("chunk count = %d, want 2 (role, initial text)", len(chunks))
	}
	if content := chunks[1].Delta().Content; content != "preamble" {
		t.Errorf("initial content = %q, want preamble", content)
	}
}
