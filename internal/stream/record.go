package stream

import "sync"

// ToolCallRecord is an append-only log entry for one tool call.
// Created on tool_call_start, filled in on tool_call_args/tool_result,
// never deleted. Result stays empty when the run ended early.
type ToolCallRecord struct {
	ID      string         `json:"toolCallId"`
	Name    string         `json:"toolName"`
	Args    map[string]any `json:"args,omitempty"`
	Result  string         `json:"result,omitempty"`
	IsError bool           `json:"isError,omitempty"`
	Phase   string         `json:"phase,omitempty"` // search, chat, or indexer
}

// Recorder folds a run's events into ToolCallRecords. Safe for use from
// multiple event sources (parser callback plus relay).
type Recorder struct {
	mu      sync.Mutex
	phase   string
	records []*ToolCallRecord
	byID    map[string]*ToolCallRecord
}

// NewRecorder creates a Recorder tagging new records with the given phase.
func NewRecorder(phase string) *Recorder {
	return &Recorder{
		phase: phase,
		byID:  make(map[string]*ToolCallRecord),
	}
}

// SetPhase changes the phase tag applied to subsequently created records.
func (r *Recorder) SetPhase(phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = phase
}

// Observe updates the log from one event. Events that are not part of
// the tool-call lifecycle are ignored.
func (r *Recorder) Observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case KindToolCallStart:
		rec := &ToolCallRecord{ID: ev.ToolCallID, Name: ev.ToolName, Phase: r.phase}
		r.records = append(r.records, rec)
		r.byID[ev.ToolCallID] = rec
	case KindToolCallArgs:
		if rec, ok := r.byID[ev.ToolCallID]; ok {
			rec.Args = ev.Args
		}
	case KindToolResult:
		if rec, ok := r.byID[ev.ToolCallID]; ok {
			rec.Result = ev.Result
			rec.IsError = ev.IsError
		}
	}
}

// Records returns a snapshot copy of the log in creation order.
func (r *Recorder) Records() []ToolCallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ToolCallRecord, len(r.records))
	for i, rec := range r.records {
		out[i] = *rec
	}
	return out
}

// Count returns the number of records created so far.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
