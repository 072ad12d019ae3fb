package stream

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"arbor/internal/logging"
)

// Parser converts the external CLI's raw stream-json lines into
// semantic events. One Parser instance serves exactly one invocation;
// it holds per-block state only, never cross-invocation state.
//
// Malformed or unrecognized lines are skipped, not fatal: the CLI
// interleaves bookkeeping messages (system/init, result) that the
// runner handles separately.
type Parser struct {
	emit   func(Event)
	blocks map[int]*blockState
	log    *logging.Logger
}

// blockState tracks one open content block by index.
type blockState struct {
	kind     string // "text", "tool_use", or "thinking"
	toolID   string
	toolName string
	argBuf   strings.Builder // accumulated input_json_delta fragments
}

// NewParser creates a parser emitting into the given callback.
func NewParser(emit func(Event)) *Parser {
	return &Parser{
		emit:   emit,
		blocks: make(map[int]*blockState),
		log:    logging.Get(logging.CategoryStream),
	}
}

// Raw line shapes. Only the fields the parser consumes are declared.
type rawLine struct {
	Type    string          `json:"type"`
	Event   *rawStreamEvent `json:"event"`
	Message *rawMessage     `json:"message"`
}

type rawStreamEvent struct {
	Type         string           `json:"type"`
	Index        int              `json:"index"`
	ContentBlock *rawContentBlock `json:"content_block"`
	Delta        *rawDelta        `json:"delta"`
}

type rawContentBlock struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type rawDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Thinking    string `json:"thinking"`
	PartialJSON string `json:"partial_json"`
}

type rawMessage struct {
	Role    string            `json:"role"`
	Content []rawMessageBlock `json:"content"`
}

type rawMessageBlock struct {
	Type      string          `json:"type"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// Feed consumes one raw line. Non-JSON and unrecognized lines are
// silently skipped.
func (p *Parser) Feed(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var raw rawLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		p.log.Debug("skipping malformed line: %v", err)
		return
	}

	switch raw.Type {
	case "stream_event":
		if raw.Event != nil {
			p.handleStreamEvent(raw.Event)
		}
	case "user":
		if raw.Message != nil && raw.Message.Role == "user" {
			p.handleUserMessage(raw.Message)
		}
	}
}

// handleStreamEvent drives the block state machine.
func (p *Parser) handleStreamEvent(ev *rawStreamEvent) {
	switch ev.Type {
	case "content_block_start":
		p.handleBlockStart(ev)
	case "content_block_delta":
		p.handleBlockDelta(ev)
	case "content_block_stop":
		p.handleBlockStop(ev)
	}
}

func (p *Parser) handleBlockStart(ev *rawStreamEvent) {
	if ev.ContentBlock == nil {
		return
	}

	b := &blockState{kind: ev.ContentBlock.Type}
	p.blocks[ev.Index] = b

	switch b.kind {
	case "tool_use":
		// tool_call_start is emitted immediately; args follow on stop.
		b.toolID = ev.ContentBlock.ID
		if b.toolID == "" {
			b.toolID = "tool_" + uuid.NewString()
		}
		b.toolName = ev.ContentBlock.Name
		if b.toolName == "" {
			b.toolName = "unknown"
		}
		p.emit(ToolCallStart(b.toolID, b.toolName))
	case "thinking":
		p.emit(ThinkingStart())
	}
}

func (p *Parser) handleBlockDelta(ev *rawStreamEvent) {
	b, ok := p.blocks[ev.Index]
	if !ok || ev.Delta == nil {
		return
	}

	switch ev.Delta.Type {
	case "text_delta":
		if b.kind == "text" {
			p.emit(Content(ev.Delta.Text))
		}
	case "thinking_delta":
		text := ev.Delta.Thinking
		if text == "" {
			text = ev.Delta.Text
		}
		p.emit(ThinkingDelta(text))
	case "input_json_delta":
		// Buffered; exactly one tool_call_args fires on block stop.
		if b.kind == "tool_use" {
			b.argBuf.WriteString(ev.Delta.PartialJSON)
		}
	}
}

func (p *Parser) handleBlockStop(ev *rawStreamEvent) {
	b, ok := p.blocks[ev.Index]
	if !ok {
		return
	}
	delete(p.blocks, ev.Index)

	if b.kind != "tool_use" {
		return
	}

	args := map[string]any{}
	buffered := b.argBuf.String()
	if buffered != "" {
		if err := json.Unmarshal([]byte(buffered), &args); err != nil {
			p.log.Debug("tool args parse failed for %s, defaulting to empty: %v", b.toolName, err)
			args = map[string]any{}
		}
	}
	p.emit(ToolCallArgs(b.toolID, b.toolName, args))
}

// handleUserMessage emits one tool_result per tool-result block.
func (p *Parser) handleUserMessage(msg *rawMessage) {
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		p.emit(ToolResult(block.ToolUseID, extractResultText(block.Content), block.IsError))
	}
}

// extractResultText pulls text out of a tool-result content field,
// which is either a plain string or an array of text-bearing blocks.
func extractResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	return ""
}
