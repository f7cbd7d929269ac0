package condition

import (
	"github.com/snarg/fleet-agent/internal/signal"
)

// Snapshot is the narrow read-only view the evaluator needs of current
// signal state: the last known value of a signal, or Undefined if it has
// never been observed (or was evicted by a manifest swap).
type Snapshot interface {
	Value(id signal.ID) signal.Value
}

// CustomFnInvoker is the interpreter's extension point: a
// named custom function invoked during expression evaluation. Errors are
// local to the evaluation and never propagate past the node that raised
// them — they simply yield Undefined.
type CustomFnInvoker interface {
	Invoke(campaignID string, name string, args []signal.Value) (signal.Value, error)
}

// Evaluate walks the tree left-to-right with strict three-valued logic:
// any operation with an UNDEFINED operand yields UNDEFINED unless the
// operator is a custom function documented to tolerate it.
func Evaluate(n *Node, campaignID string, snap Snapshot, fns CustomFnInvoker) signal.Value {
	if n == nil {
		return signal.Undefined
	}
	switch n.Kind {
	case KindLiteral:
		return n.Literal

	case KindSignalRef:
		return snap.Value(n.SignalID)

	case KindFnCall:
		return evalFnCall(n, campaignID, snap, fns)

	case KindComparison:
		return evalComparison(n, campaignID, snap, fns)

	case KindLogicOp:
		return evalLogicOp(n, campaignID, snap, fns)

	case KindCustomFn:
		args := make([]signal.Value, len(n.CustomFnArgs))
		for i, a := range n.CustomFnArgs {
			args[i] = Evaluate(a, campaignID, snap, fns)
		}
		if fns == nil {
			return signal.Undefined
		}
		v, err := fns.Invoke(campaignID, n.CustomFnName, args)
		if err != nil {
			return signal.Undefined
		}
		return v

	default:
		return signal.Undefined
	}
}

func evalFnCall(n *Node, campaignID string, snap Snapshot, fns CustomFnInvoker) signal.Value {
	args := make([]signal.Value, len(n.FnArgs))
	for i, a := range n.FnArgs {
		args[i] = Evaluate(a, campaignID, snap, fns)
		if args[i].IsUndefined() {
			return signal.Undefined
		}
	}
	switch n.Fn {
	case FnAbs:
		if len(args) != 1 || args[0].Kind != signal.KindNumber {
			return signal.Undefined
		}
		v := args[0].N
		if v < 0 {
			v = -v
		}
		return signal.Number(v)
	case FnMin:
		return foldNumeric(args, func(a, b float64) bool { return a < b })
	case FnMax:
		return foldNumeric(args, func(a, b float64) bool { return a > b })
	default:
		return signal.Undefined
	}
}

func foldNumeric(args []signal.Value, better func(a, b float64) bool) signal.Value {
	if len(args) == 0 {
		return signal.Undefined
	}
	best := args[0]
	if best.Kind != signal.KindNumber {
		return signal.Undefined
	}
	for _, a := range args[1:] {
		if a.Kind != signal.KindNumber {
			return signal.Undefined
		}
		if better(a.N, best.N) {
			best = a
		}
	}
	return best
}

func evalComparison(n *Node, campaignID string, snap Snapshot, fns CustomFnInvoker) signal.Value {
	left := Evaluate(n.Left, campaignID, snap, fns)
	if left.IsUndefined() {
		return signal.Undefined
	}
	right := Evaluate(n.Right, campaignID, snap, fns)
	if right.IsUndefined() {
		return signal.Undefined
	}
	if left.Kind != right.Kind {
		return signal.Undefined
	}

	switch left.Kind {
	case signal.KindNumber:
		return signal.Bool(compareNumbers(n.CmpOp, left.N, right.N))
	case signal.KindString:
		return signal.Bool(compareStrings(n.CmpOp, left.S, right.S))
	case signal.KindBool:
		switch n.CmpOp {
		case OpEq:
			return signal.Bool(left.B == right.B)
		case OpNeq:
			return signal.Bool(left.B != right.B)
		default:
			return signal.Undefined // ordering ops undefined for bool
		}
	default:
		return signal.Undefined
	}
}

func compareNumbers(op CompareOp, a, b float64) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNeq:
		return a != b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	default:
		return false
	}
}

func compareStrings(op CompareOp, a, b string) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNeq:
		return a != b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	default:
		return false
	}
}

func evalLogicOp(n *Node, campaignID string, snap Snapshot, fns CustomFnInvoker) signal.Value {
	switch n.LogicOpKind {
	case OpNot:
		if len(n.Operands) != 1 {
			return signal.Undefined
		}
		v := Evaluate(n.Operands[0], campaignID, snap, fns)
		if v.IsUndefined() || v.Kind != signal.KindBool {
			return signal.Undefined
		}
		return signal.Bool(!v.B)

	case OpAnd:
		// Strict left-to-right: an UNDEFINED operand poisons the result
		// rather than short-circuiting on a known false.
		result := true
		for _, o := range n.Operands {
			v := Evaluate(o, campaignID, snap, fns)
			if v.IsUndefined() || v.Kind != signal.KindBool {
				return signal.Undefined
			}
			result = result && v.B
		}
		return signal.Bool(result)

	case OpOr:
		result := false
		for _, o := range n.Operands {
			v := Evaluate(o, campaignID, snap, fns)
			if v.IsUndefined() || v.Kind != signal.KindBool {
				return signal.Undefined
			}
			result = result || v.B
		}
		return signal.Bool(result)

	default:
		return signal.Undefined
	}
}
