package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"arbor/internal/logging"
)

// Memory is an in-memory, branch-aware Store. It exists to exercise the
// collaborator contract in tests and the demo CLI path; the production
// engine lives outside this module.
//
// Branch model: each branch holds a working state and a committed
// snapshot. CreateBranch copies the current working state; Commit
// snapshots; DiscardChanges restores the snapshot; MergeBranch replaces
// the current branch's state with the named branch's working state.
type Memory struct {
	mu       sync.Mutex
	branches map[string]*branchState
	current  string
	commits  []string // commit messages, for assertions
}

type branchState struct {
	working   graphData
	committed graphData
}

type graphData struct {
	nodes map[string]Node
	links map[string]Link
}

func (d graphData) clone() graphData {
	out := graphData{
		nodes: make(map[string]Node, len(d.nodes)),
		links: make(map[string]Link, len(d.links)),
	}
	for k, v := range d.nodes {
		out.nodes[k] = v
	}
	for k, v := range d.links {
		out.links[k] = v
	}
	return out
}

// NewMemory creates a Memory store with a main branch and a root node.
func NewMemory() *Memory {
	data := graphData{
		nodes: map[string]Node{RootID: {ID: RootID, Title: "Root"}},
		links: map[string]Link{},
	}
	return &Memory{
		branches: map[string]*branchState{
			"main": {working: data, committed: data.clone()},
		},
		current: "main",
	}
}

func (m *Memory) state() *branchState {
	return m.branches[m.current]
}

// CreateNode inserts a node, assigning an id when absent.
func (m *Memory) CreateNode(_ context.Context, n Node) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if _, exists := m.state().working.nodes[n.ID]; exists {
		return "", fmt.Errorf("node %s already exists", n.ID)
	}
	m.state().working.nodes[n.ID] = n
	logging.GraphDebug("created node %s (%s)", n.ID, n.Title)
	return n.ID, nil
}

// UpdateNode replaces an existing node.
func (m *Memory) UpdateNode(_ context.Context, n Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state().working.nodes[n.ID]; !ok {
		return fmt.Errorf("node %s not found", n.ID)
	}
	m.state().working.nodes[n.ID] = n
	return nil
}

// DeleteNode removes a node and any links touching it.
func (m *Memory) DeleteNode(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.state().working
	if _, ok := w.nodes[id]; !ok {
		return fmt.Errorf("node %s not found", id)
	}
	delete(w.nodes, id)
	for lid, l := range w.links {
		if l.From == id || l.To == id {
			delete(w.links, lid)
		}
	}
	return nil
}

// AddLink inserts a link, assigning an id when absent. Endpoints are
// not validated here; the maintenance pre-scan flags dangling links.
func (m *Memory) AddLink(_ context.Context, l Link) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	m.state().working.links[l.ID] = l
	return l.ID, nil
}

// SearchNodes returns nodes whose title or content contains the query,
// case-insensitively.
func (m *Memory) SearchNodes(_ context.Context, query string) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := strings.ToLower(query)
	var out []Node
	for _, n := range m.state().working.nodes {
		if strings.Contains(strings.ToLower(n.Title), q) || strings.Contains(strings.ToLower(n.Content), q) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetContext snapshots the working graph.
func (m *Memory) GetContext(_ context.Context) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.state().working
	c := &Context{RootID: RootID}
	for _, n := range w.nodes {
		c.Nodes = append(c.Nodes, n)
	}
	for _, l := range w.links {
		c.Links = append(c.Links, l)
	}
	sort.Slice(c.Nodes, func(i, j int) bool { return c.Nodes[i].ID < c.Nodes[j].ID })
	sort.Slice(c.Links, func(i, j int) bool { return c.Links[i].ID < c.Links[j].ID })
	return c, nil
}

// Commit snapshots the working state with an attribution message.
func (m *Memory) Commit(_ context.Context, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state()
	s.committed = s.working.clone()
	m.commits = append(m.commits, message)
	logging.Graph("commit on %s: %s", m.current, message)
	return nil
}

// CurrentBranch returns the active branch name.
func (m *Memory) CurrentBranch(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

// CreateBranch copies the current working state into a new branch.
func (m *Memory) CreateBranch(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.branches[name]; exists {
		return fmt.Errorf("branch %s already exists", name)
	}
	w := m.state().working.clone()
	m.branches[name] = &branchState{working: w, committed: w.clone()}
	return nil
}

// SwitchBranch makes the named branch current.
func (m *Memory) SwitchBranch(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.branches[name]; !exists {
		return fmt.Errorf("branch %s not found", name)
	}
	m.current = name
	return nil
}

// MergeBranch replaces the current branch's working state with the
// named branch's working state.
func (m *Memory) MergeBranch(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, exists := m.branches[name]
	if !exists {
		return fmt.Errorf("branch %s not found", name)
	}
	m.state().working = src.working.clone()
	return nil
}

// DeleteBranch removes a branch. The current branch cannot be deleted.
func (m *Memory) DeleteBranch(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == m.current {
		return fmt.Errorf("cannot delete current branch %s", name)
	}
	if _, exists := m.branches[name]; !exists {
		return fmt.Errorf("branch %s not found", name)
	}
	delete(m.branches, name)
	return nil
}

// DiscardChanges restores the current branch's last committed snapshot.
func (m *Memory) DiscardChanges(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state()
	s.working = s.committed.clone()
	return nil
}

// Branches lists branch names, for assertions.
func (m *Memory) Branches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.branches))
	for name := range m.branches {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Commits returns the commit messages recorded so far.
func (m *Memory) Commits() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commits...)
}
