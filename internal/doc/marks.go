package doc

import "errors"

var ErrEmptyRange = errors.New("empty range")

type segment struct {
	leaf       *Node
	start, end int
}

// WrapSelection wraps the active range selection in a mark carrying id.
func (e *Editor) WrapSelection(id string, origin Origin) error {
	e.mu.RLock()
	start, end, ok := e.selectionSpan()
	e.mu.RUnlock()
	if !ok || start == end {
		return ErrEmptyRange
	}
	return e.WrapRange(start, end, id, origin)
}

// WrapRange wraps the rune range [start, end) in mark nodes carrying id.
// Every leaf the range touches is split so that only the covered part sits
// inside a mark. A leaf that already fills a mark just gains the id.
func (e *Editor) WrapRange(start, end int, id string, origin Origin) error {
	if end <= start {
		return ErrEmptyRange
	}
	return e.commit(origin, true, func(*Tx) error {
		var segs []segment
		acc := 0
		walk(e.root, nil, func(n, _ *Node) bool {
			if !n.IsLeaf() {
				return true
			}
			ls, le := acc, acc+n.Len()
			acc = le
			s, t := max(start, ls), min(end, le)
			if s < t {
				segs = append(segs, segment{leaf: n, start: s - ls, end: t - ls})
			}
			return true
		})
		if len(segs) == 0 {
			return ErrOutOfRange
		}
		for _, seg := range segs {
			e.wrapSegment(seg, id)
		}
		return nil
	})
}

func (e *Editor) wrapSegment(seg segment, id string) {
	leaf := seg.leaf
	parent := e.parents[leaf]
	runes := []rune(leaf.Text)
	if parent.Type == TypeMark && seg.start == 0 && seg.end == len(runes) && len(parent.Children) == 1 {
		if !parent.hasID(id) {
			parent.IDs = append(parent.IDs, id)
		}
		return
	}

	var replacement []*Node
	if seg.start > 0 {
		replacement = append(replacement, &Node{Type: TypeText, Text: string(runes[:seg.start]), Format: leaf.Format})
	}
	// The covered part keeps the original key so carets inside it survive.
	leaf.Text = string(runes[seg.start:seg.end])
	replacement = append(replacement, &Node{Type: TypeMark, IDs: []string{id}, Children: []*Node{leaf}})
	if seg.end < len(runes) {
		replacement = append(replacement, &Node{Type: TypeText, Text: string(runes[seg.end:]), Format: leaf.Format})
	}

	children := make([]*Node, 0, len(parent.Children)+len(replacement)-1)
	for _, child := range parent.Children {
		if child == leaf {
			children = append(children, replacement...)
			continue
		}
		children = append(children, child)
	}
	parent.Children = children
	e.parents[leaf] = replacement[indexOfMark(replacement)]
}

func indexOfMark(nodes []*Node) int {
	for i, n := range nodes {
		if n.Type == TypeMark {
			return i
		}
	}
	return 0
}

// MarkKeys lists the keys of mark nodes carrying id.
func (e *Editor) MarkKeys(id string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var keys []string
	walk(e.root, nil, func(n, _ *Node) bool {
		if n.Type == TypeMark && n.hasID(id) {
			keys = append(keys, n.Key)
		}
		return true
	})
	return keys
}

// MarkIDs returns every id on marks enclosing the node with the given key.
func (e *Editor) MarkIDs(key string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.index[key]
	if !ok {
		return nil
	}
	var ids []string
	for p := n; p != nil; p = e.parents[p] {
		if p.Type == TypeMark {
			ids = append(ids, p.IDs...)
		}
	}
	return ids
}

// FirstLeafIn returns the first text leaf under the node with key.
func (e *Editor) FirstLeafIn(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.index[key]
	if !ok {
		return "", false
	}
	found := ""
	walk(n, nil, func(c, _ *Node) bool {
		if found != "" {
			return false
		}
		if c.IsLeaf() {
			found = c.Key
			return false
		}
		return true
	})
	return found, found != ""
}

// RemoveMarkID strips id from every mark. Marks left without ids are
// unwrapped: their children take the mark's place in its parent. It reports
// how many marks carried the id.
func (e *Editor) RemoveMarkID(id string, origin Origin) (int, error) {
	removed := 0
	err := e.commit(origin, true, func(*Tx) error {
		removed = unmark(e.root, id)
		return nil
	})
	return removed, err
}

func unmark(n *Node, id string) int {
	removed := 0
	out := make([]*Node, 0, len(n.Children))
	for _, child := range n.Children {
		removed += unmark(child, id)
		if child.Type != TypeMark || !child.hasID(id) {
			out = append(out, child)
			continue
		}
		removed++
		ids := child.IDs[:0]
		for _, existing := range child.IDs {
			if existing != id {
				ids = append(ids, existing)
			}
		}
		child.IDs = ids
		if len(child.IDs) == 0 {
			out = append(out, child.Children...)
			continue
		}
		out = append(out, child)
	}
	n.Children = out
	return removed
}
