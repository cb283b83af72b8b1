// Package graph holds the bounded parent-pointer walks shared by the department
// tree, the primary reporting forest and goal alignment trees. Nodes live in an
// arena keyed by id; edges are parent pointers and children are discovered by
// lookup, so every walk here is a loop with an explicit bound rather than a
// traversal of linked objects.
package graph

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrCycle = errors.New("graph: cycle detected")
	ErrLimit = errors.New("graph: walk limit exceeded")
)

// ParentFunc returns the parent of id, or nil when id is a root.
type ParentFunc func(ctx context.Context, id uuid.UUID) (*uuid.UUID, error)

// ChildrenFunc returns the direct children of id.
type ChildrenFunc func(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)

// Ancestors returns the ancestors of start, nearest first. It fails with
// ErrLimit once more than limit ancestors would be collected and with ErrCycle
// when the walk revisits a node.
func Ancestors(ctx context.Context, start uuid.UUID, parentOf ParentFunc, limit int) ([]uuid.UUID, error) {
	visited := map[uuid.UUID]struct{}{start: {}}
	chain := make([]uuid.UUID, 0, 4)
	current := start

	for {
		parent, err := parentOf(ctx, current)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return chain, nil
		}
		if _, seen := visited[*parent]; seen {
			return nil, ErrCycle
		}
		if len(chain) >= limit {
			return nil, ErrLimit
		}
		visited[*parent] = struct{}{}
		chain = append(chain, *parent)
		current = *parent
	}
}

// Contains reports whether id appears in ids.
func Contains(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// Reverse returns a reversed copy of ids.
func Reverse(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

// Levels walks breadth-first from root and returns the ids grouped by distance
// from root; levels[0] is always {root}. More than maxLevels levels yields
// ErrLimit, reaching a node twice yields ErrCycle.
func Levels(ctx context.Context, root uuid.UUID, childrenOf ChildrenFunc, maxLevels int) ([][]uuid.UUID, error) {
	visited := map[uuid.UUID]struct{}{root: {}}
	levels := [][]uuid.UUID{{root}}

	frontier := []uuid.UUID{root}
	for len(frontier) > 0 {
		var next []uuid.UUID
		for _, id := range frontier {
			children, err := childrenOf(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				if _, seen := visited[child]; seen {
					return nil, ErrCycle
				}
				visited[child] = struct{}{}
				next = append(next, child)
			}
		}
		if len(next) == 0 {
			break
		}
		if len(levels) >= maxLevels {
			return nil, ErrLimit
		}
		levels = append(levels, next)
		frontier = next
	}

	return levels, nil
}

// Depths computes the number of ancestors of every node in parents. A parent
// id that is not itself a key is treated as outside the arena, which makes its
// child a root.
func Depths(parents map[uuid.UUID]*uuid.UUID) (map[uuid.UUID]int, error) {
	depths := make(map[uuid.UUID]int, len(parents))

	for id := range parents {
		if _, done := depths[id]; done {
			continue
		}

		var path []uuid.UUID
		onPath := make(map[uuid.UUID]struct{})
		next := 0
		current := id
		for {
			if _, seen := onPath[current]; seen {
				return nil, ErrCycle
			}
			onPath[current] = struct{}{}
			path = append(path, current)

			parent := parents[current]
			if parent == nil {
				break
			}
			if _, inArena := parents[*parent]; !inArena {
				break
			}
			if depth, known := depths[*parent]; known {
				next = depth + 1
				break
			}
			current = *parent
		}

		for i := len(path) - 1; i >= 0; i-- {
			depths[path[i]] = next
			next++
		}
	}

	return depths, nil
}
