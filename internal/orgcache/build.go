package orgcache

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const rootID = "root"

// segmentEscaper keeps node ids unambiguous when a segment itself contains "/".
var segmentEscaper = strings.NewReplacer("%", "%25", "/", "%2F")

// build turns a flat position list into a hierarchy keyed by department path segments
// and aggregates subtree counts in a single bottom-up pass.
func build(positions []Position, profiles map[string]string, builtAt time.Time) (*Entry, error) {
	root := &Node{ID: rootID, Type: NodeTypeRoot}
	index := make(map[string]Position, len(positions))
	byID := map[string]*Node{rootID: root}
	ordered := make([]Position, 0, len(positions))

	for _, p := range positions {
		p = p.clone()
		p.PositionID = strings.TrimSpace(p.PositionID)
		if p.PositionID == "" {
			return nil, fmt.Errorf("position %q has an empty id", p.PositionName)
		}
		if _, ok := index[p.PositionID]; ok {
			return nil, fmt.Errorf("duplicate position id %q", p.PositionID)
		}

		if profileID, ok := profiles[p.PositionID]; ok {
			p.ProfileExists = true
			p.ProfileID = profileID
		}

		parent := root
		segments := make([]string, 0, len(p.DepartmentPath))
		escaped := make([]string, 0, len(p.DepartmentPath))
		for _, segment := range p.DepartmentPath {
			segment = strings.TrimSpace(segment)
			if segment == "" {
				continue
			}
			segments = append(segments, segment)
			escaped = append(escaped, segmentEscaper.Replace(segment))

			id := strings.Join(escaped, "/")
			node, ok := byID[id]
			if !ok {
				node = &Node{ID: id, Name: segment, Type: nodeType(len(segments)), ParentID: parent.ID}
				byID[id] = node
				parent.Children = append(parent.Children, node)
			}
			parent = node
		}
		p.DepartmentPath = segments

		parent.Positions = append(parent.Positions, p)
		index[p.PositionID] = p
		ordered = append(ordered, p)
	}

	aggregate(root)

	return &Entry{Root: root, Index: index, BuiltAt: builtAt, positions: ordered}, nil
}

// aggregate fills TotalPositions and ProfileCount for n and its subtree.
func aggregate(n *Node) {
	sort.SliceStable(n.Children, func(i, j int) bool { return n.Children[i].Name < n.Children[j].Name })

	n.TotalPositions = len(n.Positions)
	n.ProfileCount = 0
	for _, p := range n.Positions {
		if p.ProfileExists {
			n.ProfileCount++
		}
	}

	for _, child := range n.Children {
		aggregate(child)
		n.TotalPositions += child.TotalPositions
		n.ProfileCount += child.ProfileCount
	}
}
