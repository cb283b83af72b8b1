// Package alignment owns goals and their aligns-to edges. A goal's level is
// never stored: it follows from the number of goals above it.
package alignment

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/flowforge/goalalign/pkg/apperr"
	"github.com/flowforge/goalalign/pkg/graph"
	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/policy"
	"github.com/flowforge/goalalign/pkg/rollup"
	"github.com/flowforge/goalalign/pkg/store"
)

// Graph answers structural questions about goal trees. Every method reads
// through the store it is given so it can run inside a caller's transaction.
type Graph struct {
	store    store.Store
	settings policy.Provider
}

var (
	_ rollup.ChainResolver = (*Graph)(nil)
	_ policy.GoalDepth     = (*Graph)(nil)
)

func NewGraph(s store.Store, settings policy.Provider) *Graph {
	return &Graph{store: s, settings: settings}
}

// TreeNode is one goal of an alignment tree with its derived level.
type TreeNode struct {
	Goal     model.Goal      `json:"goal"`
	Depth    int             `json:"depth"`
	Level    model.GoalLevel `json:"level"`
	Children []*TreeNode     `json:"children"`
}

func (g *Graph) walkLimit(ctx context.Context, orgID uuid.UUID) (int, error) {
	settings, err := g.settings.Get(ctx, orgID)
	if err != nil {
		return 0, err
	}
	return settings.MaxGoalLevels + 1, nil
}

// AncestorChain returns the ancestors of goalID root-first. A missing ancestor
// ends the walk and is reported as the root so concurrent deletes do not fail
// callers.
func (g *Graph) AncestorChain(ctx context.Context, tx store.Store, goalID uuid.UUID) ([]uuid.UUID, error) {
	start, err := loadGoal(ctx, tx, goalID)
	if err != nil {
		return nil, err
	}
	limit, err := g.walkLimit(ctx, start.OrganizationID)
	if err != nil {
		return nil, err
	}

	parentOf := func(ctx context.Context, id uuid.UUID) (*uuid.UUID, error) {
		if id == goalID {
			return start.ParentGoalID, nil
		}
		goal, err := tx.GetGoal(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load goal %s: %w", id, err)
		}
		return goal.ParentGoalID, nil
	}

	chain, err := graph.Ancestors(ctx, goalID, parentOf, limit)
	if err != nil {
		return nil, walkError(err, goalID)
	}
	return graph.Reverse(chain), nil
}

// Depth is the number of ancestors of goalID.
func (g *Graph) Depth(ctx context.Context, tx store.Store, goalID uuid.UUID) (int, error) {
	chain, err := g.AncestorChain(ctx, tx, goalID)
	if err != nil {
		return 0, err
	}
	return len(chain), nil
}

// Height counts the levels of the subtree rooted at goalID, the goal included.
func (g *Graph) Height(ctx context.Context, tx store.Store, goalID uuid.UUID, limit int) (int, error) {
	levels, err := graph.Levels(ctx, goalID, childGoalIDs(tx), limit)
	if err != nil {
		return 0, walkError(err, goalID)
	}
	return len(levels), nil
}

// Tree loads the alignment tree below goalID. Depth and level are absolute,
// counted from the root of the whole chain.
func (g *Graph) Tree(ctx context.Context, tx store.Store, goalID uuid.UUID) (*TreeNode, error) {
	root, err := loadGoal(ctx, tx, goalID)
	if err != nil {
		return nil, err
	}
	limit, err := g.walkLimit(ctx, root.OrganizationID)
	if err != nil {
		return nil, err
	}
	depth, err := g.Depth(ctx, tx, goalID)
	if err != nil {
		return nil, err
	}

	nodes := map[uuid.UUID]*TreeNode{root.ID: newTreeNode(*root, depth)}
	frontier := []uuid.UUID{root.ID}
	for level := 1; len(frontier) > 0; level++ {
		var next []uuid.UUID
		for _, id := range frontier {
			children, err := tx.ChildGoals(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load children of %s: %w", id, err)
			}
			parent := nodes[id]
			for _, child := range children {
				if _, seen := nodes[child.ID]; seen {
					return nil, apperr.New(apperr.KindCycleDetected, "goal %s is reachable twice below %s", child.ID, goalID)
				}
				node := newTreeNode(child, depth+level)
				nodes[child.ID] = node
				parent.Children = append(parent.Children, node)
				next = append(next, child.ID)
			}
		}
		if len(next) > 0 && level >= limit {
			return nil, apperr.New(apperr.KindMaxDepthExceeded, "alignment tree below %s is deeper than %d levels", goalID, limit)
		}
		frontier = next
	}
	return nodes[root.ID], nil
}

func newTreeNode(goal model.Goal, depth int) *TreeNode {
	return &TreeNode{
		Goal:     goal,
		Depth:    depth,
		Level:    model.LevelForDepth(depth),
		Children: []*TreeNode{},
	}
}

// MaxChainLevels returns the number of goals on the longest chain of the
// organization, 0 when it has no goals.
func (g *Graph) MaxChainLevels(ctx context.Context, tx store.Store, orgID uuid.UUID) (int, error) {
	_, depths, err := organizationDepths(ctx, tx, orgID)
	if err != nil {
		return 0, err
	}
	deepest := 0
	for _, depth := range depths {
		if depth+1 > deepest {
			deepest = depth + 1
		}
	}
	return deepest, nil
}

// Flatten re-parents every goal with maxLevels or more ancestors onto its
// ancestor at depth maxLevels-2, so no chain exceeds maxLevels goals.
func (g *Graph) Flatten(ctx context.Context, tx store.Store, orgID uuid.UUID, maxLevels int) ([]policy.Reparent, error) {
	if maxLevels < model.MinGoalLevels {
		return nil, apperr.New(apperr.KindValidation, "cannot flatten below %d levels", model.MinGoalLevels)
	}
	byID, depths, err := organizationDepths(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}

	deep := make([]uuid.UUID, 0)
	for id, depth := range depths {
		if depth >= maxLevels {
			deep = append(deep, id)
		}
	}
	sort.Slice(deep, func(i, j int) bool {
		if depths[deep[i]] != depths[deep[j]] {
			return depths[deep[i]] < depths[deep[j]]
		}
		return deep[i].String() < deep[j].String()
	})

	target := maxLevels - 2
	moved := make([]policy.Reparent, 0, len(deep))
	for _, id := range deep {
		goal := byID[id]
		anchor := *goal.ParentGoalID
		for depths[anchor] > target {
			anchor = *byID[anchor].ParentGoalID
		}
		from := *goal.ParentGoalID
		goal.ParentGoalID = &anchor
		if err := tx.UpdateGoal(ctx, goal); err != nil {
			return nil, fmt.Errorf("re-parent goal %s: %w", id, err)
		}
		moved = append(moved, policy.Reparent{GoalID: id, From: from, To: anchor})
	}
	return moved, nil
}

func organizationDepths(ctx context.Context, tx store.Store, orgID uuid.UUID) (map[uuid.UUID]*model.Goal, map[uuid.UUID]int, error) {
	goals, err := tx.ListGoals(ctx, orgID)
	if err != nil {
		return nil, nil, fmt.Errorf("list goals: %w", err)
	}
	byID := make(map[uuid.UUID]*model.Goal, len(goals))
	parents := make(map[uuid.UUID]*uuid.UUID, len(goals))
	for i := range goals {
		byID[goals[i].ID] = &goals[i]
		parents[goals[i].ID] = goals[i].ParentGoalID
	}
	depths, err := graph.Depths(parents)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindCycleDetected, err, "goal alignment of organization %s is cyclic", orgID)
	}
	return byID, depths, nil
}

func childGoalIDs(s store.GoalStore) graph.ChildrenFunc {
	return func(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
		children, err := s.ChildGoals(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load children of %s: %w", id, err)
		}
		ids := make([]uuid.UUID, len(children))
		for i := range children {
			ids[i] = children[i].ID
		}
		return ids, nil
	}
}

func loadGoal(ctx context.Context, s store.GoalStore, id uuid.UUID) (*model.Goal, error) {
	goal, err := s.GetGoal(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "goal %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load goal %s: %w", id, err)
	}
	return goal, nil
}

func walkError(err error, goalID uuid.UUID) error {
	switch {
	case errors.Is(err, graph.ErrCycle):
		return apperr.Wrap(apperr.KindCycleDetected, err, "alignment around goal %s is cyclic", goalID)
	case errors.Is(err, graph.ErrLimit):
		return apperr.Wrap(apperr.KindMaxDepthExceeded, err, "alignment around goal %s exceeds the level limit", goalID)
	default:
		return err
	}
}
