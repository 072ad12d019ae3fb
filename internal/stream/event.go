// Package stream defines the semantic event model shared by every agent
// run, plus the parser that converts the external CLI's line-oriented
// stream-json protocol into those events.
//
// The wire protocol uses bare string tags; internally events are a
// closed tagged union (Kind + payload fields) with exhaustive switches
// at the single encode point (MarshalWire) and the single decode point
// (DecodeWire), so raw strings never propagate through the system.
package stream

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the variant of a stream event.
type Kind string

const (
	KindContent       Kind = "content"
	KindToolCallStart Kind = "tool_call_start"
	KindToolCallArgs  Kind = "tool_call_args"
	KindToolResult    Kind = "tool_result"
	KindThinkingStart Kind = "thinking_start"
	KindThinkingDelta Kind = "thinking_delta"
	KindSearchPhase   Kind = "search_phase"
	KindIndexerPhase  Kind = "indexer_phase"
	KindError         Kind = "error"
	KindDone          Kind = "done"
)

// Phase marker statuses.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
)

// Event is one semantic event within an agent run. Events are immutable;
// ordering within one run matters (tool_call_start precedes its
// tool_call_args, done is always last).
type Event struct {
	Kind Kind

	Content    string         // content / thinking_delta text
	ToolCallID string         // tool_call_start, tool_call_args, tool_result
	ToolName   string         // tool_call_start, tool_call_args
	Args       map[string]any // tool_call_args
	Result     string         // tool_result
	IsError    bool           // tool_result
	Status     string         // search_phase / indexer_phase: "start" or "end"
	Err        string         // error
}

// Content builds a content event.
func Content(text string) Event {
	return Event{Kind: KindContent, Content: text}
}

// ToolCallStart builds a tool_call_start event.
func ToolCallStart(id, name string) Event {
	return Event{Kind: KindToolCallStart, ToolCallID: id, ToolName: name}
}

// ToolCallArgs builds a tool_call_args event.
func ToolCallArgs(id, name string, args map[string]any) Event {
	return Event{Kind: KindToolCallArgs, ToolCallID: id, ToolName: name, Args: args}
}

// ToolResult builds a tool_result event.
func ToolResult(id, result string, isError bool) Event {
	return Event{Kind: KindToolResult, ToolCallID: id, Result: result, IsError: isError}
}

// ThinkingStart builds a thinking_start event.
func ThinkingStart() Event {
	return Event{Kind: KindThinkingStart}
}

// ThinkingDelta builds a thinking_delta event.
func ThinkingDelta(text string) Event {
	return Event{Kind: KindThinkingDelta, Content: text}
}

// SearchPhase builds a search_phase marker.
func SearchPhase(status string) Event {
	return Event{Kind: KindSearchPhase, Status: status}
}

// IndexerPhase builds an indexer_phase marker.
func IndexerPhase(status string) Event {
	return Event{Kind: KindIndexerPhase, Status: status}
}

// Errorf builds an error event.
func Errorf(format string, args ...interface{}) Event {
	return Event{Kind: KindError, Err: fmt.Sprintf(format, args...)}
}

// Done builds the terminal done event.
func Done() Event {
	return Event{Kind: KindDone}
}

// DonePayload is the literal wire payload of the done event, always the
// final event of a run.
const DonePayload = "[DONE]"

// Wire payload shapes. One struct per named event keeps the JSON field
// names pinned to the external contract.
type wireContent struct {
	Content string `json:"content"`
}

type wireToolCallStart struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

type wireToolCallArgs struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args"`
}

type wireToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError,omitempty"`
}

type wireThinkingDelta struct {
	Text string `json:"text"`
}

type wirePhase struct {
	Status string `json:"status"`
}

type wireError struct {
	Error string `json:"error"`
}

// WireName returns the event name used on the wire.
func (e Event) WireName() string {
	return string(e.Kind)
}

// MarshalWire returns the wire payload for this event: one JSON object
// per named event, except done which is the literal [DONE].
func (e Event) MarshalWire() ([]byte, error) {
	switch e.Kind {
	case KindContent:
		return json.Marshal(wireContent{Content: e.Content})
	case KindToolCallStart:
		return json.Marshal(wireToolCallStart{ToolCallID: e.ToolCallID, ToolName: e.ToolName})
	case KindToolCallArgs:
		args := e.Args
		if args == nil {
			args = map[string]any{}
		}
		return json.Marshal(wireToolCallArgs{ToolCallID: e.ToolCallID, ToolName: e.ToolName, Args: args})
	case KindToolResult:
		return json.Marshal(wireToolResult{ToolCallID: e.ToolCallID, Result: e.Result, IsError: e.IsError})
	case KindThinkingStart:
		return []byte("{}"), nil
	case KindThinkingDelta:
		return json.Marshal(wireThinkingDelta{Text: e.Content})
	case KindSearchPhase, KindIndexerPhase:
		return json.Marshal(wirePhase{Status: e.Status})
	case KindError:
		return json.Marshal(wireError{Error: e.Err})
	case KindDone:
		return []byte(DonePayload), nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

// DecodeWire rebuilds an Event from a wire name and payload. This is the
// single decode point for events arriving over the relay.
func DecodeWire(name string, data []byte) (Event, error) {
	switch Kind(name) {
	case KindContent:
		var w wireContent
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("decode content: %w", err)
		}
		return Content(w.Content), nil
	case KindToolCallStart:
		var w wireToolCallStart
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("decode tool_call_start: %w", err)
		}
		return ToolCallStart(w.ToolCallID, w.ToolName), nil
	case KindToolCallArgs:
		var w wireToolCallArgs
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("decode tool_call_args: %w", err)
		}
		return ToolCallArgs(w.ToolCallID, w.ToolName, w.Args), nil
	case KindToolResult:
		var w wireToolResult
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("decode tool_result: %w", err)
		}
		return ToolResult(w.ToolCallID, w.Result, w.IsError), nil
	case KindThinkingStart:
		return ThinkingStart(), nil
	case KindThinkingDelta:
		var w wireThinkingDelta
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("decode thinking_delta: %w", err)
		}
		return ThinkingDelta(w.Text), nil
	case KindSearchPhase, KindIndexerPhase:
		var w wirePhase
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("decode phase marker: %w", err)
		}
		return Event{Kind: Kind(name), Status: w.Status}, nil
	case KindError:
		var w wireError
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("decode error event: %w", err)
		}
		return Event{Kind: KindError, Err: w.Error}, nil
	case KindDone:
		return Done(), nil
	default:
		return Event{}, fmt.Errorf("unknown event name %q", name)
	}
}
