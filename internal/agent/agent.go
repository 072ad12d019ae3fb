// Package agent spawns one external LLM CLI process per invocation and
// turns its stdout into semantic stream events. Each invocation owns an
// exclusive scratch directory holding the tool-server descriptor, the
// system prompt, and resized image inputs; the directory is released
// best-effort on every terminal transition.
package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"arbor/internal/logging"
)

// State of an invocation.
type State string

const (
	StatePreparing State = "preparing"
	StateRunning   State = "running"
	StateClosed    State = "closed"
	StateErrored   State = "errored"
)

// constraintsSuffix is appended to every system prompt. Agents work
// through tool servers only; free-form side effects are off the table.
const constraintsSuffix = "\n\n" +
	"Operating constraints:\n" +
	"- Use only the tools provided by the configured tool servers.\n" +
	"- Never invent node or link ids; read before you write.\n" +
	"- Keep responses concise; the caller streams your output verbatim."

// ToolServer describes one callable tool server in the descriptor file.
type ToolServer struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// ImageServerName marks the image-viewing helper; Prepare appends the
// resized input paths to its allow-list.
const ImageServerName = "images"

// Options configures one invocation.
type Options struct {
	Prompt       string
	SystemPrompt string

	Binary  string        // CLI binary (default "claude")
	Model   string        // passed via --model
	Timeout time.Duration // 0 means no per-invocation timeout

	ScratchRoot  string // root for scratch dirs; empty means os.TempDir()
	AllowedTools []string
	ToolServers  []ToolServer

	Images      []string // input image paths, resized into scratch
	MaxLongEdge int      // longest-edge bound for resizing
	JPEGQuality int      // compression quality for resized copies
}

// Invocation owns one scratch directory and (once running) one OS
// process. Concurrent invocations each get an independent scratch dir.
type Invocation struct {
	id   string
	opts Options

	mu    sync.Mutex
	state State

	scratchDir       string
	mcpConfigPath    string
	systemPromptPath string
	imagePaths       []string

	releaseOnce sync.Once
	log         *logging.Logger
}

// mcpConfig is the tool-server descriptor file shape.
type mcpConfig struct {
	Servers map[string]mcpServerEntry `json:"mcpServers"`
}

type mcpServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Prepare writes a fresh scratch directory with all per-invocation
// artifacts. The caller must eventually Run (which releases the scratch
// dir) or call Release directly.
func Prepare(opts Options) (*Invocation, error) {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}

	inv := &Invocation{
		id:    uuid.NewString(),
		opts:  opts,
		state: StatePreparing,
		log:   logging.Get(logging.CategoryAgent),
	}

	root := opts.ScratchRoot
	if root == "" {
		root = os.TempDir()
	}
	scratch := filepath.Join(root, "arbor-run-"+inv.id)
	if err := os.MkdirAll(scratch, 0700); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	inv.scratchDir = scratch

	if err := inv.writeArtifacts(); err != nil {
		inv.Release()
		return nil, err
	}

	inv.log.Debug("invocation %s prepared in %s", inv.id, scratch)
	return inv, nil
}

// writeArtifacts lays out the scratch dir: resized images, the
// tool-server descriptor, and the system prompt file.
func (inv *Invocation) writeArtifacts() error {
	// Resized image copies. A resize failure falls back to the original
	// bytes unchanged.
	for i, src := range inv.opts.Images {
		dst := filepath.Join(inv.scratchDir, fmt.Sprintf("input_%d.jpg", i))
		if err := resizeImage(src, dst, inv.opts.MaxLongEdge, inv.opts.JPEGQuality); err != nil {
			inv.log.Warn("resize failed for %s, using original: %v", src, err)
			dst = filepath.Join(inv.scratchDir, fmt.Sprintf("input_%d%s", i, filepath.Ext(src)))
			if err := copyFile(src, dst); err != nil {
				return fmt.Errorf("failed to stage image %s: %w", src, err)
			}
		}
		inv.imagePaths = append(inv.imagePaths, dst)
	}

	// Tool-server descriptor. The image helper's allow-list is pinned to
	// the staged copies so the helper can read nothing else.
	cfg := mcpConfig{Servers: make(map[string]mcpServerEntry, len(inv.opts.ToolServers))}
	for _, ts := range inv.opts.ToolServers {
		entry := mcpServerEntry{Command: ts.Command, Args: append([]string(nil), ts.Args...), Env: ts.Env}
		if ts.Name == ImageServerName {
			for _, p := range inv.imagePaths {
				entry.Args = append(entry.Args, "--allow", p)
			}
		}
		cfg.Servers[ts.Name] = entry
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize tool-server descriptor: %w", err)
	}
	inv.mcpConfigPath = filepath.Join(inv.scratchDir, "mcp.json")
	if err := os.WriteFile(inv.mcpConfigPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write tool-server descriptor: %w", err)
	}

	// System prompt: base plus the fixed constraints suffix.
	inv.systemPromptPath = filepath.Join(inv.scratchDir, "system_prompt.txt")
	prompt := inv.opts.SystemPrompt + constraintsSuffix
	if err := os.WriteFile(inv.systemPromptPath, []byte(prompt), 0600); err != nil {
		return fmt.Errorf("failed to write system prompt: %w", err)
	}

	return nil
}

// ID returns the invocation id.
func (inv *Invocation) ID() string {
	return inv.id
}

// ScratchDir returns the scratch directory path.
func (inv *Invocation) ScratchDir() string {
	return inv.scratchDir
}

// State returns the current lifecycle state.
func (inv *Invocation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// Images returns the staged (resized or copied) image paths.
func (inv *Invocation) Images() []string {
	return append([]string(nil), inv.imagePaths...)
}

func (inv *Invocation) setState(s State) {
	inv.mu.Lock()
	inv.state = s
	inv.mu.Unlock()
}

// Release removes the scratch directory. Best-effort and idempotent;
// called on every terminal transition regardless of outcome.
func (inv *Invocation) Release() {
	inv.releaseOnce.Do(func() {
		if err := os.RemoveAll(inv.scratchDir); err != nil {
			inv.log.Warn("failed to remove scratch dir %s: %v", inv.scratchDir, err)
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
