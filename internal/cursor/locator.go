package cursor

import (
	"sort"
	"sync"

	"coedit/api/internal/doc"
)

// Locator translates between selection points and global logical offsets.
// Leaf prefix sums are cached per document revision.
type Locator struct {
	editor *doc.Editor

	mu       sync.Mutex
	valid    bool
	revision uint64
	keys     []string
	starts   []int
	lens     []int
	index    map[string]int
	total    int
}

func NewLocator(editor *doc.Editor) *Locator {
	return &Locator{editor: editor}
}

// refresh rebuilds the prefix sums if the document moved on; l.mu must be held.
func (l *Locator) refresh() {
	leaves, rev := l.editor.LeavesAt()
	if l.valid && rev == l.revision {
		return
	}
	l.keys = l.keys[:0]
	l.starts = l.starts[:0]
	l.lens = l.lens[:0]
	l.index = make(map[string]int, len(leaves))
	acc := 0
	for i, leaf := range leaves {
		l.keys = append(l.keys, leaf.Key)
		l.starts = append(l.starts, acc)
		l.lens = append(l.lens, leaf.Len)
		l.index[leaf.Key] = i
		acc += leaf.Len
	}
	l.total = acc
	l.revision = rev
	l.valid = true
}

// OffsetOf returns the global offset of the selection anchor.
func (l *Locator) OffsetOf(sel doc.Selection) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refresh()
	i, ok := l.index[sel.Anchor.Key]
	if !ok {
		return 0, false
	}
	return l.starts[i] + sel.Anchor.Offset, true
}

// Offset returns the global offset of the editor's active selection.
func (l *Locator) Offset() (int, bool) {
	sel, ok := l.editor.Selection()
	if !ok {
		return 0, false
	}
	return l.OffsetOf(sel)
}

// PointAt resolves a global offset to the first leaf whose end reaches it.
// An offset on a leaf boundary lands at the end of the earlier leaf.
func (l *Locator) PointAt(offset int) (doc.Point, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refresh()
	if offset < 0 || offset > l.total || len(l.keys) == 0 {
		return doc.Point{}, false
	}
	i := sort.Search(len(l.keys), func(i int) bool {
		return l.starts[i]+l.lens[i] >= offset
	})
	if i == len(l.keys) {
		return doc.Point{}, false
	}
	return doc.Point{Key: l.keys[i], Offset: offset - l.starts[i]}, true
}

// Rect is a render-space box.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Renderer is the render layer's coordinate lookup.
type Renderer interface {
	// CaretRect returns the box of a caret at offset inside the leaf.
	CaretRect(leafKey string, offset int) (Rect, bool)
	// ElementRect returns the box of the element rendering the leaf.
	ElementRect(leafKey string) (Rect, bool)
}

// PositionOf maps a global offset to a render position. It falls back to the
// leaf's element box and reports false if the leaf is not rendered.
func (l *Locator) PositionOf(offset int, r Renderer) (Rect, bool) {
	p, ok := l.PointAt(offset)
	if !ok || r == nil {
		return Rect{}, false
	}
	if rect, ok := r.CaretRect(p.Key, p.Offset); ok {
		return rect, true
	}
	return r.ElementRect(p.Key)
}
