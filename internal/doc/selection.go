package doc

import "fmt"

// Point addresses a position inside a text leaf.
type Point struct {
	Key    string
	Offset int
}

// Selection is a caret (Anchor == Focus) or a range.
type Selection struct {
	Anchor Point
	Focus  Point
}

func (s Selection) Collapsed() bool {
	return s.Anchor == s.Focus
}

// Selection returns the active selection, if any.
func (e *Editor) Selection() (Selection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.selection == nil {
		return Selection{}, false
	}
	return *e.selection, true
}

// Select places the caret at offset inside leaf key.
func (e *Editor) Select(key string, offset int) error {
	return e.SelectRange(Point{Key: key, Offset: offset}, Point{Key: key, Offset: offset})
}

func (e *Editor) SelectRange(anchor, focus Point) error {
	e.mu.Lock()
	for _, p := range []Point{anchor, focus} {
		n, ok := e.index[p.Key]
		if !ok || !n.IsLeaf() {
			e.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownNode, p.Key)
		}
		if p.Offset < 0 || p.Offset > n.Len() {
			e.mu.Unlock()
			return fmt.Errorf("%w: %d in %s", ErrOutOfRange, p.Offset, p.Key)
		}
	}
	e.selection = &Selection{Anchor: anchor, Focus: focus}
	e.mu.Unlock()
	e.emitSelection()
	return nil
}

func (e *Editor) ClearSelection() {
	e.mu.Lock()
	e.selection = nil
	e.mu.Unlock()
	e.emitSelection()
}

// globalOffset converts a point to a document-wide rune offset; e.mu must be held.
func (e *Editor) globalOffset(p Point) (int, bool) {
	acc := 0
	for _, leaf := range e.leavesLocked() {
		if leaf.Key == p.Key {
			return acc + p.Offset, true
		}
		acc += leaf.Len
	}
	return 0, false
}

// selectionSpan returns the selection as an ordered [start, end) rune range.
func (e *Editor) selectionSpan() (int, int, bool) {
	if e.selection == nil {
		return 0, 0, false
	}
	a, ok := e.globalOffset(e.selection.Anchor)
	if !ok {
		return 0, 0, false
	}
	f, ok := e.globalOffset(e.selection.Focus)
	if !ok {
		return 0, 0, false
	}
	if f < a {
		a, f = f, a
	}
	return a, f, true
}

// SelectedText returns the text covered by the active range selection.
func (e *Editor) SelectedText() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	start, end, ok := e.selectionSpan()
	if !ok {
		return ""
	}
	return e.textInRange(start, end)
}

func (e *Editor) textInRange(start, end int) string {
	var out []rune
	acc := 0
	for _, leaf := range e.leavesLocked() {
		ls, le := acc, acc+leaf.Len
		acc = le
		s, t := max(start, ls), min(end, le)
		if s >= t {
			continue
		}
		out = append(out, []rune(leaf.Text)[s-ls:t-ls]...)
	}
	return string(out)
}
