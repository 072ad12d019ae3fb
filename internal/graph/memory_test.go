package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryNodeCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	id, err := m.CreateNode(ctx, Node{Title: "Gardening", ParentID: RootID})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, m.UpdateNode(ctx, Node{ID: id, Title: "Gardening", Content: "notes", ParentID: RootID}))

	nodes, err := m.SearchNodes(ctx, "garden")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "notes", nodes[0].Content)

	require.NoError(t, m.DeleteNode(ctx, id))
	assert.Error(t, m.UpdateNode(ctx, Node{ID: id}))
}

func TestMemoryDeleteNodeRemovesLinks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a, _ := m.CreateNode(ctx, Node{Title: "A", ParentID: RootID})
	b, _ := m.CreateNode(ctx, Node{Title: "B", ParentID: RootID})
	_, err := m.AddLink(ctx, Link{From: a, To: b, Relation: "related"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteNode(ctx, b))

	c, err := m.GetContext(ctx)
	require.NoError(t, err)
	assert.Empty(t, c.Links)
}

func TestMemoryBranchIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Commit(ctx, "baseline"))
	require.NoError(t, m.CreateBranch(ctx, "work"))
	require.NoError(t, m.SwitchBranch(ctx, "work"))

	_, err := m.CreateNode(ctx, Node{ID: "n1", Title: "on branch", ParentID: RootID})
	require.NoError(t, err)

	// Main does not see the branch's node.
	require.NoError(t, m.SwitchBranch(ctx, "main"))
	c, err := m.GetContext(ctx)
	require.NoError(t, err)
	require.Len(t, c.Nodes, 1)

	// Merge brings it over.
	require.NoError(t, m.MergeBranch(ctx, "work"))
	c, err = m.GetContext(ctx)
	require.NoError(t, err)
	assert.Len(t, c.Nodes, 2)

	require.NoError(t, m.DeleteBranch(ctx, "work"))
	assert.Equal(t, []string{"main"}, m.Branches())
}

func TestMemoryDiscardChanges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.CreateNode(ctx, Node{ID: "keep", Title: "kept", ParentID: RootID})
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, "checkpoint"))

	_, err = m.CreateNode(ctx, Node{ID: "drop", Title: "dropped", ParentID: RootID})
	require.NoError(t, err)

	require.NoError(t, m.DiscardChanges(ctx))

	c, err := m.GetContext(ctx)
	require.NoError(t, err)
	require.Len(t, c.Nodes, 2) // root + keep
	for _, n := range c.Nodes {
		assert.NotEqual(t, "drop", n.ID)
	}
}

func TestMemoryDeleteCurrentBranchRejected(t *testing.T) {
	m := NewMemory()
	assert.Error(t, m.DeleteBranch(context.Background(), "main"))
}

func TestTopLevelSubtrees(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a, _ := m.CreateNode(ctx, Node{Title: "Plants", ParentID: RootID})
	_, err := m.CreateNode(ctx, Node{Title: "Roses", ParentID: a})
	require.NoError(t, err)

	c, err := m.GetContext(ctx)
	require.NoError(t, err)

	subtrees := c.TopLevelSubtrees()
	require.Len(t, subtrees, 1)
	assert.Equal(t, "Plants", subtrees[0].Title)
}
