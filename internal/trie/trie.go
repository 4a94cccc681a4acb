// Package trie implements the compressed prefix tree used to resolve request paths.
//
// Patterns are "/"-separated. A segment starting with ":" is a named parameter that matches
// up to the next "/", a segment starting with "*" is a catch-all that matches the remainder
// of the path and must be the last segment. Static prefixes shared between patterns are
// stored once: inserting a pattern that diverges halfway through an existing static node
// splits that node.
package trie

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind discriminates the three node variants.
type Kind int

const (
	Static Kind = iota
	Param
	CatchAll
)

// ErrParamCollision is returned when a pattern names a parameter differently from a
// sibling pattern that already defined a parameter at the same position.
var ErrParamCollision = errors.New("param collision")

// ErrInvalidCatchAll is returned when a catch-all segment is not the last segment.
var ErrInvalidCatchAll = errors.New("invalid catch-all")

// ErrInvalidPattern is returned for patterns that cannot be parsed at all.
var ErrInvalidPattern = errors.New("invalid pattern")

// Node is one node of the trie. The zero value is not usable, use [New].
type Node[T any] struct {
	kind     Kind
	prefix   string // static text, or the parameter name for Param and CatchAll
	value    T
	hasValue bool
	children []*Node[T] // static children first, then the param child, then the catch-all child
}

// New returns an empty trie.
func New[T any]() *Node[T] {
	return &Node[T]{kind: Static}
}

type token struct {
	kind Kind
	text string
}

func tokenize(pattern string) ([]token, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, errors.Wrapf(ErrInvalidPattern, "%q must start with '/'", pattern)
	}

	if len(pattern) > 1 {
		pattern = strings.TrimSuffix(pattern, "/")
	}

	var toks []token
	rest := pattern

	for rest != "" {
		i := strings.IndexAny(rest, ":*")
		if i < 0 {
			toks = append(toks, token{Static, rest})
			break
		}

		if i > 0 {
			toks = append(toks, token{Static, rest[:i]})
		}

		if i == 0 || rest[i-1] != '/' {
			return nil, errors.Wrapf(ErrInvalidPattern, "%q: parameter must start a segment", pattern)
		}

		kind := Param
		if rest[i] == '*' {
			kind = CatchAll
		}

		rest = rest[i+1:]
		end := strings.IndexByte(rest, '/')
		if end < 0 {
			end = len(rest)
		}

		name := rest[:end]
		if name == "" {
			return nil, errors.Wrapf(ErrInvalidPattern, "%q: unnamed parameter", pattern)
		}

		rest = rest[end:]
		if kind == CatchAll && rest != "" {
			return nil, errors.Wrapf(ErrInvalidCatchAll, "%q: '*%s' is not the final segment", pattern, name)
		}

		toks = append(toks, token{kind, name})
	}

	return toks, nil
}

// Validate reports whether pattern could be inserted into an empty trie.
func Validate(pattern string) error {
	_, err := tokenize(pattern)
	return err
}

// Insert attaches a value to pattern. If the route already exists its value is returned
// unchanged, otherwise create is called to produce it. Malformed patterns and parameter
// collisions are reported here and never at match time.
func (n *Node[T]) Insert(pattern string, create func() T) (T, error) {
	var zero T

	toks, err := tokenize(pattern)
	if err != nil {
		return zero, err
	}

	current := n
	for _, tok := range toks {
		switch tok.kind {
		case Static:
			current = current.insertStatic(tok.text)
		default:
			current, err = current.insertParam(tok)
			if err != nil {
				return zero, errors.Wrapf(err, "%q", pattern)
			}
		}
	}

	if !current.hasValue {
		current.value = create()
		current.hasValue = true
	}

	return current.value, nil
}

func (n *Node[T]) insertStatic(text string) *Node[T] {
	current := n

	for {
		var child *Node[T]
		for _, c := range current.children {
			if c.kind == Static && c.prefix[0] == text[0] {
				child = c
				break
			}
		}

		if child == nil {
			created := &Node[T]{kind: Static, prefix: text}
			current.addStatic(created)
			return created
		}

		common := commonPrefix(child.prefix, text)
		if common < len(child.prefix) {
			child.split(common)
		}

		if common == len(text) {
			return child
		}

		text = text[common:]
		current = child
	}
}

// split moves everything after the first at bytes of the prefix into a new child.
func (n *Node[T]) split(at int) {
	tail := &Node[T]{
		kind:     Static,
		prefix:   n.prefix[at:],
		value:    n.value,
		hasValue: n.hasValue,
		children: n.children,
	}

	var zero T
	n.prefix = n.prefix[:at]
	n.value = zero
	n.hasValue = false
	n.children = []*Node[T]{tail}
}

func (n *Node[T]) addStatic(child *Node[T]) {
	i := 0
	for i < len(n.children) && n.children[i].kind == Static {
		i++
	}

	n.children = append(n.children, nil)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = child
}

func (n *Node[T]) insertParam(tok token) (*Node[T], error) {
	for _, c := range n.children {
		if c.kind != tok.kind {
			continue
		}

		if c.prefix != tok.text {
			return nil, errors.Mark(errors.Newf("param collision %s -> %s", c.prefix, tok.text), ErrParamCollision)
		}

		return c, nil
	}

	created := &Node[T]{kind: tok.kind, prefix: tok.text}
	if tok.kind == Param {
		// params sit between the static children and an existing catch-all
		i := len(n.children)
		if i > 0 && n.children[i-1].kind == CatchAll {
			i--
		}

		n.children = append(n.children, nil)
		copy(n.children[i+1:], n.children[i:])
		n.children[i] = created
	} else {
		n.children = append(n.children, created)
	}

	return created, nil
}

func commonPrefix(a, b string) int {
	i, limit := 0, min(len(a), len(b))
	for i < limit && a[i] == b[i] {
		i++
	}

	return i
}

// Find resolves path to the attached value. The matched parameters are returned keyed by
// name. A trailing "/" is ignored except for the root path.
func (n *Node[T]) Find(path string) (T, map[string]string, bool) {
	var zero T

	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	var params []param
	found, ok := n.match(path, &params)
	if !ok {
		return zero, nil, false
	}

	out := make(map[string]string, len(params))
	for _, p := range params {
		out[p.name] = p.value
	}

	return found.value, out, true
}

type param struct{ name, value string }

func (n *Node[T]) match(path string, params *[]param) (*Node[T], bool) {
	switch n.kind {
	case Static:
		if !strings.HasPrefix(path, n.prefix) {
			return nil, false
		}

		path = path[len(n.prefix):]
	case Param:
		end := strings.IndexByte(path, '/')
		if end < 0 {
			end = len(path)
		}

		if end == 0 {
			return nil, false
		}

		*params = append(*params, param{n.prefix, path[:end]})
		path = path[end:]
	case CatchAll:
		if !n.hasValue {
			return nil, false
		}

		*params = append(*params, param{n.prefix, path})
		return n, true
	}

	if path == "" {
		return n, n.hasValue
	}

	mark := len(*params)
	for _, child := range n.children {
		if found, ok := child.match(path, params); ok {
			return found, true
		}

		*params = (*params)[:mark]
	}

	return nil, false
}

// String renders the tree one node per line, children indented below their parent.
func (n *Node[T]) String() string {
	var b strings.Builder
	n.format(&b, 0)

	return b.String()
}

func (n *Node[T]) format(b *strings.Builder, level int) {
	marker := ""
	switch n.kind {
	case Param:
		marker = ":"
	case CatchAll:
		marker = "*"
	}

	b.WriteString(strings.Repeat("  ", level))
	if n.hasValue {
		fmt.Fprintf(b, "%s%s %v\n", marker, n.prefix, n.value)
	} else {
		fmt.Fprintf(b, "%s%s\n", marker, n.prefix)
	}

	for _, c := range n.children {
		c.format(b, level+1)
	}
}
