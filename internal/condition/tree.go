// Package condition implements the condition expression interpreter: a
// binary AST over signal references, literals, comparisons, logic
// operators and custom function calls, evaluated with three-valued logic
// (true/false/UNDEFINED) against a per-sample signal snapshot.
package condition

import (
	"errors"
	"fmt"

	"github.com/snarg/fleet-agent/internal/signal"
)

// ErrTreeDepthExceeded is returned by Build when a tree exceeds the
// configured maximum depth.
var ErrTreeDepthExceeded = errors.New("condition tree depth exceeded")

// ErrTypecheckFailed is returned when a tree references a signal that does
// not exist in the manifest, or when its wire form cannot be parsed.
// Operand kinds are not checked statically; a mismatch evaluates to
// UNDEFINED.
var ErrTypecheckFailed = errors.New("condition tree failed to typecheck")

// NodeKind tags the variant of a Node.
type NodeKind int

const (
	KindLiteral NodeKind = iota
	KindSignalRef
	KindFnCall
	KindComparison
	KindLogicOp
	KindCustomFn
)

// CompareOp enumerates comparison operators.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
)

// LogicOp enumerates boolean combinators.
type LogicOp int

const (
	OpAnd LogicOp = iota
	OpOr
	OpNot
)

// FnName enumerates the small set of built-in functions available to
// fn_call nodes (as distinct from extension-point custom_fn nodes).
type FnName int

const (
	FnAbs FnName = iota
	FnMin
	FnMax
)

// Node is one AST node of a condition tree. Exactly one of the typed
// fields is meaningful, selected by Kind.
type Node struct {
	Kind NodeKind

	// KindLiteral
	Literal signal.Value

	// KindSignalRef
	SignalID signal.ID

	// KindFnCall
	Fn     FnName
	FnArgs []*Node

	// KindComparison
	CmpOp CompareOp
	Left  *Node
	Right *Node

	// KindLogicOp
	LogicOpKind LogicOp
	Operands    []*Node

	// KindCustomFn
	CustomFnName string
	CustomFnArgs []*Node
	// TaggedSignalID is custom-fn-specific configuration carried on the
	// node rather than passed as an evaluated argument (e.g. the signal a
	// multi-rising-edge trigger should attach its complex payload to).
	TaggedSignalID signal.ID
}

// ManifestTypes is the narrow contract the evaluator needs from the
// decoder dictionary: the declared type of a signal, and whether it
// exists at all in the currently active manifest.
type ManifestTypes interface {
	SignalType(id signal.ID) (signal.Type, bool)
}

// Build validates tree depth and resolves every signal_ref against the
// manifest. It does not evaluate the tree; Evaluate does that per-sample.
func Build(root *Node, manifest ManifestTypes, maxDepth int) error {
	return build(root, manifest, 0, maxDepth)
}

func build(n *Node, manifest ManifestTypes, depth, maxDepth int) error {
	if n == nil {
		return nil
	}
	if depth > maxDepth {
		return ErrTreeDepthExceeded
	}
	switch n.Kind {
	case KindSignalRef:
		if _, ok := manifest.SignalType(n.SignalID); !ok {
			return fmt.Errorf("%w: signal %d not in manifest", ErrTypecheckFailed, n.SignalID)
		}
	case KindFnCall:
		for _, a := range n.FnArgs {
			if err := build(a, manifest, depth+1, maxDepth); err != nil {
				return err
			}
		}
	case KindComparison:
		if err := build(n.Left, manifest, depth+1, maxDepth); err != nil {
			return err
		}
		if err := build(n.Right, manifest, depth+1, maxDepth); err != nil {
			return err
		}
	case KindLogicOp:
		for _, o := range n.Operands {
			if err := build(o, manifest, depth+1, maxDepth); err != nil {
				return err
			}
		}
	case KindCustomFn:
		for _, a := range n.CustomFnArgs {
			if err := build(a, manifest, depth+1, maxDepth); err != nil {
				return err
			}
		}
	}
	return nil
}

// Depth returns the tree's depth, for tests and diagnostics.
func Depth(n *Node) int {
	if n == nil {
		return 0
	}
	max := 0
	children := n.children()
	for _, c := range children {
		if d := Depth(c); d > max {
			max = d
		}
	}
	return max + 1
}

// FindCustomFn returns the name and tagged signal of the first custom_fn
// node encountered in a depth-first walk of the tree, or false if the
// tree contains none. A tree with more than one custom_fn node is
// unusual; only the first is reported, since a single condition-end hook
// context carries a single tagged signal.
func FindCustomFn(n *Node) (name string, taggedSignalID signal.ID, ok bool) {
	if n == nil {
		return "", 0, false
	}
	if n.Kind == KindCustomFn {
		return n.CustomFnName, n.TaggedSignalID, true
	}
	for _, c := range n.children() {
		if name, id, ok := FindCustomFn(c); ok {
			return name, id, true
		}
	}
	return "", 0, false
}

func (n *Node) children() []*Node {
	switch n.Kind {
	case KindFnCall:
		return n.FnArgs
	case KindComparison:
		return []*Node{n.Left, n.Right}
	case KindLogicOp:
		return n.Operands
	case KindCustomFn:
		return n.CustomFnArgs
	default:
		return nil
	}
}
