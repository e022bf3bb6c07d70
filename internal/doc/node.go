// Package doc is the editable rich-text document the collaboration core
// drives: a tree of element nodes whose text-bearing leaves carry stable keys,
// serialized as an editor-state JSON object with a single "root".
package doc

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"coedit/api/internal/errs"
)

const (
	TypeRoot      = "root"
	TypeParagraph = "paragraph"
	TypeHeading   = "heading"
	TypeText      = "text"
	TypeMark      = "mark"
)

// Node is one element of the document tree. Key is runtime identity only and
// is never serialized; it is reassigned whenever a snapshot is restored.
type Node struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Format   int            `json:"format,omitempty"`
	IDs      []string       `json:"ids,omitempty"`
	Attrs    map[string]any `json:"attrs,omitempty"`
	Children []*Node        `json:"children,omitempty"`

	Key string `json:"-"`
}

func (n *Node) IsLeaf() bool {
	return n.Type == TypeText
}

// Len is the leaf's logical length in runes.
func (n *Node) Len() int {
	if !n.IsLeaf() {
		return 0
	}
	return utf8.RuneCountInString(n.Text)
}

func (n *Node) hasID(id string) bool {
	for _, existing := range n.IDs {
		if existing == id {
			return true
		}
	}
	return false
}

func (n *Node) clone() *Node {
	out := &Node{Type: n.Type, Text: n.Text, Format: n.Format, Key: n.Key}
	if len(n.IDs) > 0 {
		out.IDs = append([]string(nil), n.IDs...)
	}
	if len(n.Attrs) > 0 {
		out.Attrs = make(map[string]any, len(n.Attrs))
		for k, v := range n.Attrs {
			out.Attrs[k] = v
		}
	}
	for _, child := range n.Children {
		out.Children = append(out.Children, child.clone())
	}
	return out
}

type state struct {
	Root *Node `json:"root"`
}

// Parse decodes a serialized snapshot. Any structural problem is reported as
// errs.ErrInvalidSnapshot.
func Parse(raw []byte) (*Node, error) {
	var s state
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidSnapshot, err)
	}
	if s.Root == nil {
		return nil, fmt.Errorf("%w: missing root", errs.ErrInvalidSnapshot)
	}
	if s.Root.Type != TypeRoot {
		return nil, fmt.Errorf("%w: root has type %q", errs.ErrInvalidSnapshot, s.Root.Type)
	}
	if err := validate(s.Root); err != nil {
		return nil, err
	}
	return s.Root, nil
}

func validate(n *Node) error {
	if n == nil {
		return fmt.Errorf("%w: null node", errs.ErrInvalidSnapshot)
	}
	if n.Type == "" {
		return fmt.Errorf("%w: node without type", errs.ErrInvalidSnapshot)
	}
	if n.IsLeaf() && len(n.Children) > 0 {
		return fmt.Errorf("%w: text node with children", errs.ErrInvalidSnapshot)
	}
	for _, child := range n.Children {
		if err := validate(child); err != nil {
			return err
		}
	}
	return nil
}

func serialize(root *Node) ([]byte, error) {
	raw, err := json.Marshal(state{Root: root})
	if err != nil {
		return nil, fmt.Errorf("serialize document: %w", err)
	}
	return raw, nil
}

// Empty returns a root holding one empty paragraph.
func Empty() *Node {
	return &Node{
		Type: TypeRoot,
		Children: []*Node{
			{Type: TypeParagraph, Children: []*Node{{Type: TypeText}}},
		},
	}
}

// FromParagraphs builds a root with one paragraph per string, mostly for seeding.
func FromParagraphs(paragraphs ...string) *Node {
	root := &Node{Type: TypeRoot}
	for _, p := range paragraphs {
		root.Children = append(root.Children, &Node{
			Type:     TypeParagraph,
			Children: []*Node{{Type: TypeText, Text: p}},
		})
	}
	return root
}

// Marshal serializes a detached tree.
func Marshal(root *Node) ([]byte, error) {
	return serialize(root)
}

// walk visits n and its descendants in document order. Returning false from
// fn skips the node's children.
func walk(n *Node, parent *Node, fn func(n, parent *Node) bool) {
	if !fn(n, parent) {
		return
	}
	for _, child := range n.Children {
		walk(child, n, fn)
	}
}

// PlainText concatenates the leaves of a tree, separating top-level blocks
// with newlines.
func PlainText(root *Node) string {
	if root == nil {
		return ""
	}
	var out []rune
	for i, block := range root.Children {
		if i > 0 {
			out = append(out, '\n')
		}
		walk(block, root, func(n, _ *Node) bool {
			if n.IsLeaf() {
				out = append(out, []rune(n.Text)...)
			}
			return true
		})
	}
	return string(out)
}
