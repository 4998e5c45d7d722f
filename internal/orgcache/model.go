package orgcache

import (
	"strings"
	"time"
)

// Node types by depth below the synthetic root.
const (
	NodeTypeRoot       = "organization"
	NodeTypeDivision   = "division"
	NodeTypeBlock      = "block"
	NodeTypeDepartment = "department"
	NodeTypeUnit       = "unit"
)

// Position is a single catalog entry. PositionID is unique across the cache.
type Position struct {
	PositionID     string   `json:"position_id" yaml:"position_id"`
	PositionName   string   `json:"position_name" yaml:"position_name"`
	DepartmentPath []string `json:"department_path" yaml:"department_path"`
	ProfileExists  bool     `json:"profile_exists" yaml:"profile_exists"`
	ProfileID      string   `json:"profile_id,omitempty" yaml:"profile_id,omitempty"`
}

// Department returns the most specific department the position belongs to.
func (p Position) Department() string {
	if len(p.DepartmentPath) == 0 {
		return ""
	}
	return p.DepartmentPath[len(p.DepartmentPath)-1]
}

// PathString renders the department path for prompts and logs.
func (p Position) PathString() string {
	return strings.Join(p.DepartmentPath, " / ")
}

func (p Position) clone() Position {
	p.DepartmentPath = append([]string(nil), p.DepartmentPath...)
	return p
}

// Node is a department in the hierarchy. Nodes are shared by every reader of an
// Entry and must not be mutated.
type Node struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	ParentID  string     `json:"parent_id,omitempty"`
	Children  []*Node    `json:"children,omitempty"`
	Positions []Position `json:"positions,omitempty"`

	TotalPositions int `json:"total_positions"`
	ProfileCount   int `json:"profile_count"`
}

// Entry is one complete build of the hierarchy and its flat index.
type Entry struct {
	Root    *Node
	Index   map[string]Position
	BuiltAt time.Time

	generation uint64
	// positions keeps the cleaned source order so the entry can be rebuilt in memory.
	positions []Position
}

// Len returns the number of positions in the entry.
func (e *Entry) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Index)
}

// Walk visits every node depth-first, parents before children.
func (e *Entry) Walk(fn func(n *Node)) {
	if e == nil || e.Root == nil {
		return
	}
	walk(e.Root, fn)
}

func walk(n *Node, fn func(n *Node)) {
	fn(n)
	for _, child := range n.Children {
		walk(child, fn)
	}
}

func nodeType(depth int) string {
	switch depth {
	case 0:
		return NodeTypeRoot
	case 1:
		return NodeTypeDivision
	case 2:
		return NodeTypeBlock
	case 3:
		return NodeTypeDepartment
	default:
		return NodeTypeUnit
	}
}
