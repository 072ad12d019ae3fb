// Package graph defines the surface arbor consumes from the external
// knowledge-store engine: node/link CRUD plus VCS-style branch
// operations. The engine's persistence format and merge machinery live
// outside this module; arbor only calls these methods.
package graph

import (
	"context"
	"time"
)

// RootID is the id of the knowledge graph's root node. Reachability
// scans start here.
const RootID = "root"

// Node is one knowledge node.
type Node struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Content    string     `json:"content"`
	ParentID   string     `json:"parentId,omitempty"`
	ValidUntil *time.Time `json:"validUntil,omitempty"` // temporal validity window end
}

// Link is a typed relation between two nodes.
type Link struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation"`
}

// Context is a snapshot of the graph used for scans and prompts.
type Context struct {
	RootID string `json:"rootId"`
	Nodes  []Node `json:"nodes"`
	Links  []Link `json:"links"`
}

// Engine is the knowledge-store mutation and query surface.
type Engine interface {
	CreateNode(ctx context.Context, n Node) (string, error)
	UpdateNode(ctx context.Context, n Node) error
	DeleteNode(ctx context.Context, id string) error
	AddLink(ctx context.Context, l Link) (string, error)
	SearchNodes(ctx context.Context, query string) ([]Node, error)
	GetContext(ctx context.Context) (*Context, error)

	// Commit durably records pending changes with an attribution message.
	Commit(ctx context.Context, message string) error
}

// VersionControl is the branch surface used for maintenance isolation.
type VersionControl interface {
	CurrentBranch(ctx context.Context) (string, error)
	CreateBranch(ctx context.Context, name string) error
	SwitchBranch(ctx context.Context, name string) error

	// MergeBranch merges the named branch into the current branch.
	MergeBranch(ctx context.Context, name string) error
	DeleteBranch(ctx context.Context, name string) error

	// DiscardChanges drops uncommitted changes on the current branch.
	DiscardChanges(ctx context.Context) error
}

// Store is the full collaborator surface.
type Store interface {
	Engine
	VersionControl
}

// TopLevelSubtrees returns the direct children of the root node, in
// node order. These are the units of crawler fan-out.
func (c *Context) TopLevelSubtrees() []Node {
	var out []Node
	for _, n := range c.Nodes {
		if n.ParentID == c.RootID {
			out = append(out, n)
		}
	}
	return out
}
