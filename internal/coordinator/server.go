// Package coordinator implements the stdio tool server handed to the
// primary chat agent. It exposes a single search_memory tool; calling
// it runs a nested read-only search agent and forwards that agent's
// tool activity to the per-run relay socket so clients see the nested
// work attributed to the primary stream.
package coordinator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"arbor/internal/logging"
	"arbor/internal/relay"
	"arbor/internal/stream"
)

// Searcher runs one nested read-only search and returns its answer
// text. Events it produces are forwarded through the callback.
type Searcher interface {
	Search(ctx context.Context, query string, onEvent func(stream.Event)) (string, error)
}

// Server speaks JSON-RPC 2.0 over line-delimited stdio, the transport
// the external CLI uses for tool servers.
type Server struct {
	relayAddr string
	searcher  Searcher
	log       *logging.Logger

	mu sync.Mutex // serializes writes to the transport
	w  io.Writer
}

// NewServer wires a coordinator to its relay endpoint and searcher.
func NewServer(relayAddr string, searcher Searcher) *Server {
	return &Server{
		relayAddr: relayAddr,
		searcher:  searcher,
		log:       logging.Get(logging.CategoryRelay),
	}
}

// rpcRequest is an incoming JSON-RPC message. A nil ID marks a
// notification, which gets no response.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// toolContent is one block of a tool call result.
type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// Serve processes requests until the reader closes (the parent agent
// exiting) or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.log.Warn("coordinator: skipping malformed request: %v", err)
			continue
		}
		s.dispatch(ctx, &req)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *rpcRequest) {
	switch req.Method {
	case "initialize":
		s.reply(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "arbor-coordinator", "version": "1.0.0"},
		})
	case "notifications/initialized":
		// Notification, nothing to send back.
	case "tools/list":
		s.reply(req.ID, map[string]any{"tools": []map[string]any{searchMemoryTool()}})
	case "tools/call":
		s.handleToolCall(ctx, req)
	default:
		if req.ID != nil {
			s.replyError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
		}
	}
}

func searchMemoryTool() map[string]any {
	return map[string]any{
		"name":        "search_memory",
		"description": "Search the knowledge garden for nodes relevant to a query. Runs a focused read-only search and returns a text summary of what was found.",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (s *Server) handleToolCall(ctx context.Context, req *rpcRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.replyError(req.ID, codeInvalidParams, err.Error())
		return
	}
	if params.Name != "search_memory" {
		s.replyError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown tool %q", params.Name))
		return
	}

	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil || args.Query == "" {
		s.replyError(req.ID, codeInvalidParams, "search_memory requires a query argument")
		return
	}

	text, err := s.runSearch(ctx, args.Query)
	if err != nil {
		s.reply(req.ID, toolResult{
			Content: []toolContent{{Type: "text", Text: "search failed: " + err.Error()}},
			IsError: true,
		})
		return
	}
	s.reply(req.ID, toolResult{Content: []toolContent{{Type: "text", Text: text}}})
}

// runSearch brackets the nested invocation with search phase markers
// and forwards its tool activity to the relay. Relay delivery is
// best-effort; a dead relay never fails the search itself.
func (s *Server) runSearch(ctx context.Context, query string) (string, error) {
	s.send(stream.SearchPhase(stream.PhaseStart))
	defer s.send(stream.SearchPhase(stream.PhaseEnd))

	return s.searcher.Search(ctx, query, func(ev stream.Event) {
		switch ev.Kind {
		case stream.KindToolCallStart, stream.KindToolCallArgs, stream.KindToolResult:
			s.send(ev)
		}
	})
}

func (s *Server) send(ev stream.Event) {
	if err := relay.Send(s.relayAddr, ev); err != nil {
		s.log.Debug("coordinator: relay send failed (dropped): %v", err)
	}
}

func (s *Server) reply(id json.RawMessage, result any) {
	if id == nil {
		return
	}
	s.write(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) replyError(id json.RawMessage, code int, msg string) {
	if id == nil {
		return
	}
	s.write(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}})
}

func (s *Server) write(resp rpcResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("coordinator: failed to serialize response: %v", err)
		return
	}
	data = append(data, '\n')
	if _, err := s.w.Write(data); err != nil {
		s.log.Warn("coordinator: transport write failed: %v", err)
	}
}
