package stream

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalWirePayloads(t *testing.T) {
	cases := []struct {
		name  string
		event Event
		want  string
	}{
		{"content", Content("hi"), `{"content":"hi"}`},
		{"tool_call_start", ToolCallStart("t1", "search"), `{"toolCallId":"t1","toolName":"search"}`},
		{"tool_result", ToolResult("t1", "ok", false), `{"toolCallId":"t1","result":"ok"}`},
		{"tool_result_error", ToolResult("t1", "boom", true), `{"toolCallId":"t1","result":"boom","isError":true}`},
		{"thinking_start", ThinkingStart(), `{}`},
		{"thinking_delta", ThinkingDelta("mm"), `{"text":"mm"}`},
		{"search_phase", SearchPhase(PhaseStart), `{"status":"start"}`},
		{"indexer_phase", IndexerPhase(PhaseEnd), `{"status":"end"}`},
		{"error", Errorf("bad: %d", 7), `{"error":"bad: 7"}`},
		{"done", Done(), `[DONE]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.event.MarshalWire()
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(data))
		})
	}
}

func TestToolCallArgsNilArgsMarshalAsEmptyObject(t *testing.T) {
	data, err := ToolCallArgs("t1", "n", nil).MarshalWire()
	require.NoError(t, err)
	assert.JSONEq(t, `{"toolCallId":"t1","toolName":"n","args":{}}`, string(data))
}

func TestWireRoundTrip(t *testing.T) {
	events := []Event{
		Content("text"),
		ToolCallStart("t1", "create_node"),
		ToolCallArgs("t1", "create_node", map[string]any{"title": "x"}),
		ToolResult("t1", "created", false),
		ThinkingStart(),
		ThinkingDelta("…"),
		SearchPhase(PhaseStart),
		IndexerPhase(PhaseEnd),
		Errorf("failed"),
		Done(),
	}

	for _, ev := range events {
		data, err := ev.MarshalWire()
		require.NoError(t, err, "marshal %s", ev.Kind)

		got, err := DecodeWire(ev.WireName(), data)
		require.NoError(t, err, "decode %s", ev.Kind)
		if diff := cmp.Diff(ev, got); diff != "" {
			t.Errorf("%s round trip mismatch (-want +got):\n%s", ev.Kind, diff)
		}
	}
}

func TestDecodeWireUnknownName(t *testing.T) {
	_, err := DecodeWire("nonsense", []byte(`{}`))
	assert.Error(t, err)
}

func TestRecorderLifecycle(t *testing.T) {
	r := NewRecorder("chat")
	r.Observe(ToolCallStart("t1", "search"))
	r.Observe(ToolCallArgs("t1", "search", map[string]any{"q": "roses"}))
	r.Observe(ToolResult("t1", "3 nodes", false))

	r.SetPhase("indexer")
	r.Observe(ToolCallStart("t2", "create_node"))
	// Run ended early: no args, no result for t2.

	recs := r.Records()
	require.Len(t, recs, 2)

	assert.Equal(t, "chat", recs[0].Phase)
	assert.Equal(t, "3 nodes", recs[0].Result)
	assert.Equal(t, map[string]any{"q": "roses"}, recs[0].Args)

	assert.Equal(t, "indexer", recs[1].Phase)
	assert.Empty(t, recs[1].Result, "result absent when run ended early")
	assert.Equal(t, 2, r.Count())
}

func TestRecorderIgnoresUnknownIDs(t *testing.T) {
	r := NewRecorder("chat")
	r.Observe(ToolResult("ghost", "x", false))
	assert.Zero(t, r.Count())
}
