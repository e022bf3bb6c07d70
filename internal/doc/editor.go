package doc

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// Origin says where a document change came from. The broadcaster only sends
// LocalUser changes; the other origins must never be echoed back out.
type Origin int

const (
	OriginLocalUser Origin = iota
	OriginRemoteSync
	OriginHistoryMerge
)

func (o Origin) String() string {
	switch o {
	case OriginLocalUser:
		return "local-user"
	case OriginRemoteSync:
		return "remote-sync"
	case OriginHistoryMerge:
		return "history-merge"
	default:
		return "origin(" + strconv.Itoa(int(o)) + ")"
	}
}

// Change is delivered to listeners after every committed update.
type Change struct {
	Revision uint64
	Origin   Origin
}

var (
	ErrReadOnly    = errors.New("document is read-only")
	ErrUnknownNode = errors.New("unknown node")
	ErrOutOfRange  = errors.New("offset out of range")
)

// Leaf is a text-bearing node in document order.
type Leaf struct {
	Key  string
	Text string
	Len  int
}

// Editor owns the authoritative document tree for one open session. Local
// input and remote application both funnel through Update/Restore, tagged
// with an Origin.
type Editor struct {
	mu        sync.RWMutex
	root      *Node
	index     map[string]*Node
	parents   map[*Node]*Node
	nextKey   int
	revision  uint64
	editable  bool
	selection *Selection

	lmu          sync.Mutex
	listenerID   int
	listeners    map[int]func(Change)
	selListeners map[int]func()
}

func NewEditor(root *Node) *Editor {
	if root == nil {
		root = Empty()
	}
	e := &Editor{
		editable:     true,
		listeners:    make(map[int]func(Change)),
		selListeners: make(map[int]func()),
	}
	e.replaceRoot(root)
	return e
}

// Load builds an editor from a serialized snapshot.
func Load(raw []byte) (*Editor, error) {
	root, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return NewEditor(root), nil
}

// replaceRoot installs a new tree and rekeys every node; e.mu must be held
// or the editor not yet shared.
func (e *Editor) replaceRoot(root *Node) {
	e.root = root
	walk(root, nil, func(n, _ *Node) bool {
		n.Key = ""
		return true
	})
	e.reindex()
}

func (e *Editor) reindex() {
	e.index = make(map[string]*Node)
	e.parents = make(map[*Node]*Node)
	walk(e.root, nil, func(n, parent *Node) bool {
		if n.Key == "" {
			e.nextKey++
			n.Key = strconv.Itoa(e.nextKey)
		}
		e.index[n.Key] = n
		if parent != nil {
			e.parents[n] = parent
		}
		return true
	})
	if e.selection != nil {
		if _, ok := e.index[e.selection.Anchor.Key]; !ok {
			e.selection = nil
		}
	}
}

func (e *Editor) OnChange(fn func(Change)) (unsubscribe func()) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.listenerID++
	id := e.listenerID
	e.listeners[id] = fn
	return func() {
		e.lmu.Lock()
		defer e.lmu.Unlock()
		delete(e.listeners, id)
	}
}

// OnSelectionChange registers fn for caret and range moves.
func (e *Editor) OnSelectionChange(fn func()) (unsubscribe func()) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.listenerID++
	id := e.listenerID
	e.selListeners[id] = fn
	return func() {
		e.lmu.Lock()
		defer e.lmu.Unlock()
		delete(e.selListeners, id)
	}
}

func (e *Editor) emit(c Change) {
	e.lmu.Lock()
	fns := make([]func(Change), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.lmu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (e *Editor) emitSelection() {
	e.lmu.Lock()
	fns := make([]func(), 0, len(e.selListeners))
	for _, fn := range e.selListeners {
		fns = append(fns, fn)
	}
	e.lmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (e *Editor) SetEditable(editable bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.editable = editable
}

func (e *Editor) Editable() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.editable
}

func (e *Editor) Revision() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.revision
}

// Serialize returns the portable form of the current tree.
func (e *Editor) Serialize() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return serialize(e.root)
}

// Restore replaces the whole document with a serialized snapshot. Parse
// failures leave the current state untouched.
func (e *Editor) Restore(raw []byte, origin Origin) error {
	root, err := Parse(raw)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.replaceRoot(root)
	e.revision++
	change := Change{Revision: e.revision, Origin: origin}
	e.mu.Unlock()
	e.emit(change)
	return nil
}

// Update runs fn against a transaction and commits it as one change. Local
// user edits are refused while the document is read-only.
func (e *Editor) Update(origin Origin, fn func(tx *Tx) error) error {
	return e.commit(origin, false, fn)
}

// commit applies fn; annotate lets marker changes through on read-only
// documents, since commenters anchor threads without edit access.
func (e *Editor) commit(origin Origin, annotate bool, fn func(tx *Tx) error) error {
	e.mu.Lock()
	if origin == OriginLocalUser && !e.editable && !annotate {
		e.mu.Unlock()
		return ErrReadOnly
	}
	backup := e.root.clone()
	tx := &Tx{e: e}
	if err := fn(tx); err != nil {
		e.root = backup
		e.reindex()
		e.mu.Unlock()
		return err
	}
	e.reindex()
	e.revision++
	change := Change{Revision: e.revision, Origin: origin}
	e.mu.Unlock()
	e.emit(change)
	return nil
}

// Leaves lists text leaves in document order.
func (e *Editor) Leaves() []Leaf {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leavesLocked()
}

// LeavesAt returns the leaves together with the revision they belong to.
func (e *Editor) LeavesAt() ([]Leaf, uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leavesLocked(), e.revision
}

func (e *Editor) leavesLocked() []Leaf {
	var out []Leaf
	walk(e.root, nil, func(n, _ *Node) bool {
		if n.IsLeaf() {
			out = append(out, Leaf{Key: n.Key, Text: n.Text, Len: n.Len()})
		}
		return true
	})
	return out
}

func (e *Editor) TextContent() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return PlainText(e.root)
}

// Snapshot returns a deep copy of the tree, keys included.
func (e *Editor) Snapshot() *Node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.root.clone()
}

// Tx mutates the tree inside Update. It is only valid during the callback.
type Tx struct {
	e *Editor
}

func (tx *Tx) leaf(key string) (*Node, error) {
	n, ok := tx.e.index[key]
	if !ok || !n.IsLeaf() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, key)
	}
	return n, nil
}

// Leaves exposes the leaf order as of the start of the call.
func (tx *Tx) Leaves() []Leaf {
	return tx.e.leavesLocked()
}

func (tx *Tx) InsertText(key string, offset int, text string) error {
	n, err := tx.leaf(key)
	if err != nil {
		return err
	}
	runes := []rune(n.Text)
	if offset < 0 || offset > len(runes) {
		return fmt.Errorf("%w: %d in %s", ErrOutOfRange, offset, key)
	}
	n.Text = string(runes[:offset]) + text + string(runes[offset:])
	return nil
}

func (tx *Tx) DeleteText(key string, offset, count int) error {
	n, err := tx.leaf(key)
	if err != nil {
		return err
	}
	runes := []rune(n.Text)
	if offset < 0 || count < 0 || offset+count > len(runes) {
		return fmt.Errorf("%w: %d+%d in %s", ErrOutOfRange, offset, count, key)
	}
	n.Text = string(runes[:offset]) + string(runes[offset+count:])
	return nil
}

func (tx *Tx) SetText(key, text string) error {
	n, err := tx.leaf(key)
	if err != nil {
		return err
	}
	n.Text = text
	return nil
}

// AppendParagraph adds a paragraph at the end of the document and returns
// the key of its text leaf.
func (tx *Tx) AppendParagraph(text string) string {
	leaf := &Node{Type: TypeText, Text: text}
	tx.e.root.Children = append(tx.e.root.Children, &Node{Type: TypeParagraph, Children: []*Node{leaf}})
	tx.e.reindex()
	return leaf.Key
}

// RemoveBlock deletes the top-level block containing key.
func (tx *Tx) RemoveBlock(key string) error {
	n, ok := tx.e.index[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, key)
	}
	for p := tx.e.parents[n]; p != nil && p != tx.e.root; p = tx.e.parents[p] {
		n = p
	}
	kept := tx.e.root.Children[:0]
	for _, block := range tx.e.root.Children {
		if block != n {
			kept = append(kept, block)
		}
	}
	tx.e.root.Children = kept
	return nil
}
