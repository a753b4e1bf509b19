package allocation

import (
	"sort"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// Node is a split tree node: either *Leaf or *Branch.
type Node interface {
	Split() *billing.ExpenseSplit
}

// Leaf distributes its share across a unit basis.
type Leaf struct {
	billing.ExpenseSplit
}

// Split returns the node's persisted form.
func (l *Leaf) Split() *billing.ExpenseSplit { return &l.ExpenseSplit }

// Branch subdivides its share among children.
type Branch struct {
	billing.ExpenseSplit
	Children []Node
}

// Split returns the node's persisted form.
func (b *Branch) Split() *billing.ExpenseSplit { return &b.ExpenseSplit }

// Tree is the in-memory split tree owned by one expense. Roots form the
// top level, which carries the whole expense amount.
type Tree struct {
	ExpenseID int64
	Roots     []Node
}

// BuildTree unflattens persisted splits into a tree value.
func BuildTree(expenseID int64, splits []billing.ExpenseSplit) (Tree, error) {
	byID := make(map[int64]billing.ExpenseSplit, len(splits))
	for _, s := range splits {
		if _, dup := byID[s.ID]; dup {
			return Tree{}, billing.Invalid("splits", "duplicate split id %d", s.ID)
		}
		byID[s.ID] = s
	}
	children := make(map[int64][]billing.ExpenseSplit)
	var roots []billing.ExpenseSplit
	for _, s := range splits {
		if s.ParentID == nil {
			roots = append(roots, s)
			continue
		}
		if *s.ParentID == s.ID {
			return Tree{}, billing.Invalid("splits", "split %d is its own parent", s.ID)
		}
		if _, ok := byID[*s.ParentID]; !ok {
			return Tree{}, billing.Invalid("splits", "split %d references unknown parent %d", s.ID, *s.ParentID)
		}
		children[*s.ParentID] = append(children[*s.ParentID], s)
	}
	if len(splits) > 0 && len(roots) == 0 {
		return Tree{}, billing.Invalid("splits", "split tree has no root")
	}

	visited := 0
	var build func(s billing.ExpenseSplit) (Node, error)
	build = func(s billing.ExpenseSplit) (Node, error) {
		visited++
		kids := children[s.ID]
		if len(kids) == 0 {
			if !s.Method.Valid() {
				return nil, billing.Invalid("splits", "leaf %d has invalid method %q", s.ID, s.Method)
			}
			if s.Basis == "" {
				s.Basis = billing.BasisCommunity
			}
			return &Leaf{ExpenseSplit: s}, nil
		}
		if s.Method != "" || s.Basis != "" {
			return nil, billing.Invalid("splits", "branch %d must not define a basis or method", s.ID)
		}
		sortSplits(kids)
		branch := &Branch{ExpenseSplit: s}
		for _, k := range kids {
			child, err := build(k)
			if err != nil {
				return nil, err
			}
			branch.Children = append(branch.Children, child)
		}
		return branch, nil
	}

	sortSplits(roots)
	tree := Tree{ExpenseID: expenseID}
	for _, r := range roots {
		node, err := build(r)
		if err != nil {
			return Tree{}, err
		}
		tree.Roots = append(tree.Roots, node)
	}
	// Nodes on a parent cycle are unreachable from any root.
	if visited != len(splits) {
		return Tree{}, billing.Invalid("splits", "split tree contains a cycle")
	}
	return tree, nil
}

// Flatten returns the tree's nodes in depth-first order.
func (t Tree) Flatten() []billing.ExpenseSplit {
	var out []billing.ExpenseSplit
	var walk func(nodes []Node)
	walk = func(nodes []Node) {
		for _, n := range nodes {
			out = append(out, *n.Split())
			if b, ok := n.(*Branch); ok {
				walk(b.Children)
			}
		}
	}
	walk(t.Roots)
	return out
}

// Leaves returns the leaves in depth-first order.
func (t Tree) Leaves() []*Leaf {
	var out []*Leaf
	var walk func(nodes []Node)
	walk = func(nodes []Node) {
		for _, n := range nodes {
			switch v := n.(type) {
			case *Leaf:
				out = append(out, v)
			case *Branch:
				walk(v.Children)
			}
		}
	}
	walk(t.Roots)
	return out
}

func sortSplits(s []billing.ExpenseSplit) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Position != s[j].Position {
			return s[i].Position < s[j].Position
		}
		return s[i].ID < s[j].ID
	})
}
