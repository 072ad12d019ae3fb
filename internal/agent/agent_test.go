package agent

import (
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbor/internal/stream"
)

// writeScript drops an executable shell script standing in for the CLI.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

// writePNG writes a w x h test image.
func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shot.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))))
	return path
}

func TestPrepareWritesArtifacts(t *testing.T) {
	img := writePNG(t, 32, 32)

	inv, err := Prepare(Options{
		Prompt:       "hello",
		SystemPrompt: "You tend the garden.",
		ScratchRoot:  t.TempDir(),
		ToolServers: []ToolServer{
			{Name: "graph", Command: "graph-tools", Args: []string{"--socket", "/tmp/g.sock"}},
			{Name: ImageServerName, Command: "image-viewer"},
		},
		Images:      []string{img},
		MaxLongEdge: 1568,
		JPEGQuality: 85,
	})
	require.NoError(t, err)
	defer inv.Release()

	assert.Equal(t, StatePreparing, inv.State())
	assert.DirExists(t, inv.ScratchDir())

	// Tool-server descriptor with the image helper pinned to staged copies.
	data, err := os.ReadFile(filepath.Join(inv.ScratchDir(), "mcp.json"))
	require.NoError(t, err)
	var cfg struct {
		Servers map[string]struct {
			Command string   `json:"command"`
			Args    []string `json:"args"`
		} `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal(data, &cfg))
	require.Contains(t, cfg.Servers, "graph")
	require.Contains(t, cfg.Servers, ImageServerName)

	staged := inv.Images()
	require.Len(t, staged, 1)
	assert.Contains(t, cfg.Servers[ImageServerName].Args, "--allow")
	assert.Contains(t, cfg.Servers[ImageServerName].Args, staged[0])

	// System prompt carries the base text plus the fixed constraints.
	prompt, err := os.ReadFile(filepath.Join(inv.ScratchDir(), "system_prompt.txt"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(prompt), "You tend the garden."))
	assert.Contains(t, string(prompt), "Operating constraints:")
}

func TestPrepareIsolatesConcurrentInvocations(t *testing.T) {
	root := t.TempDir()
	a, err := Prepare(Options{ScratchRoot: root})
	require.NoError(t, err)
	defer a.Release()
	b, err := Prepare(Options{ScratchRoot: root})
	require.NoError(t, err)
	defer b.Release()

	assert.NotEqual(t, a.ScratchDir(), b.ScratchDir())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestPrepareResizeFallbackCopiesOriginal(t *testing.T) {
	// Not an image at all: the resize fails and the original bytes are
	// staged unchanged.
	src := filepath.Join(t.TempDir(), "broken.png")
	require.NoError(t, os.WriteFile(src, []byte("not an image"), 0644))

	inv, err := Prepare(Options{
		ScratchRoot: t.TempDir(),
		Images:      []string{src},
		MaxLongEdge: 1568,
		JPEGQuality: 85,
	})
	require.NoError(t, err)
	defer inv.Release()

	staged := inv.Images()
	require.Len(t, staged, 1)
	data, err := os.ReadFile(staged[0])
	require.NoError(t, err)
	assert.Equal(t, "not an image", string(data))
	assert.Equal(t, ".png", filepath.Ext(staged[0]))
}

func TestResizeBoundsLongEdge(t *testing.T) {
	src := writePNG(t, 100, 40)
	dst := filepath.Join(t.TempDir(), "out.jpg")

	require.NoError(t, resizeImage(src, dst, 50, 85))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 50, img.Bounds().Dx())
	assert.Equal(t, 20, img.Bounds().Dy())
}

func TestResizeKeepsSmallImages(t *testing.T) {
	src := writePNG(t, 30, 20)
	dst := filepath.Join(t.TempDir(), "out.jpg")

	require.NoError(t, resizeImage(src, dst, 50, 85))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 30, img.Bounds().Dx())
	assert.Equal(t, 20, img.Bounds().Dy())
}

func TestRunStreamsEventsAndFinishesWithDone(t *testing.T) {
	script := writeScript(t, `cat <<'EOF'
{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}}
{"type":"stream_event","event":{"type":"content_block_stop","index":0}}
{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"search_nodes"}}}
{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":\"ferns\"}"}}}
{"type":"stream_event","event":{"type":"content_block_stop","index":1}}
EOF
`)

	inv, err := Prepare(Options{Binary: script, Prompt: "hi", ScratchRoot: t.TempDir()})
	require.NoError(t, err)

	var events []stream.Event
	err = inv.Run(context.Background(), func(ev stream.Event) { events = append(events, ev) })
	require.NoError(t, err)

	assert.Equal(t, StateClosed, inv.State())
	assert.NoDirExists(t, inv.ScratchDir(), "scratch released after run")

	require.NotEmpty(t, events)
	assert.Equal(t, stream.KindDone, events[len(events)-1].Kind, "done is last")

	var kinds []stream.Kind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []stream.Kind{
		stream.KindContent,
		stream.KindToolCallStart,
		stream.KindToolCallArgs,
		stream.KindDone,
	}, kinds)
	assert.Equal(t, "hello", events[0].Content)
	assert.Equal(t, map[string]any{"query": "ferns"}, events[2].Args)
}

func TestRunSpawnFailureEmitsErrorThenDone(t *testing.T) {
	inv, err := Prepare(Options{
		Binary:      filepath.Join(t.TempDir(), "no-such-binary"),
		ScratchRoot: t.TempDir(),
	})
	require.NoError(t, err)

	var events []stream.Event
	err = inv.Run(context.Background(), func(ev stream.Event) { events = append(events, ev) })
	require.Error(t, err)

	assert.Equal(t, StateErrored, inv.State())
	require.Len(t, events, 2)
	assert.Equal(t, stream.KindError, events[0].Kind)
	assert.Equal(t, stream.KindDone, events[1].Kind)
	assert.NoDirExists(t, inv.ScratchDir())
}

func TestRunAbnormalExitEmitsErrorThenDone(t *testing.T) {
	script := writeScript(t, `echo '{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}'
echo "engine unavailable" >&2
exit 3
`)

	inv, err := Prepare(Options{Binary: script, ScratchRoot: t.TempDir()})
	require.NoError(t, err)

	var events []stream.Event
	err = inv.Run(context.Background(), func(ev stream.Event) { events = append(events, ev) })
	require.Error(t, err)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Contains(t, spawnErr.Stderr, "engine unavailable")

	assert.Equal(t, StateErrored, inv.State())
	require.Len(t, events, 2)
	assert.Equal(t, stream.KindError, events[0].Kind)
	assert.Contains(t, events[0].Err, "engine unavailable")
	assert.Equal(t, stream.KindDone, events[1].Kind)
}

func TestRunCancellationStillEmitsDone(t *testing.T) {
	script := writeScript(t, "exec sleep 30\n")

	inv, err := Prepare(Options{Binary: script, ScratchRoot: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	var events []stream.Event
	start := time.Now()
	err = inv.Run(ctx, func(ev stream.Event) { events = append(events, ev) })
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second, "cancellation kills the process")

	// No synthetic error on a caller-requested abort; the done still fires.
	require.Len(t, events, 1)
	assert.Equal(t, stream.KindDone, events[0].Kind)
	assert.NoDirExists(t, inv.ScratchDir())
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	script := writeScript(t, "exec sleep 30\n")

	inv, err := Prepare(Options{
		Binary:      script,
		ScratchRoot: t.TempDir(),
		Timeout:     200 * time.Millisecond,
	})
	require.NoError(t, err)

	var events []stream.Event
	err = inv.Run(context.Background(), func(ev stream.Event) { events = append(events, ev) })
	require.Error(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, stream.KindDone, events[len(events)-1].Kind)
}
