package condition

import (
	"encoding/json"
	"fmt"

	"github.com/snarg/fleet-agent/internal/signal"
)

// jsonNode is the wire shape of one condition tree node, as carried inside
// a campaign document's condition_based.tree field.
type jsonNode struct {
	Kind string `json:"kind"`

	// literal
	LiteralKind   string  `json:"literal_kind,omitempty"`
	LiteralBool   bool    `json:"literal_bool,omitempty"`
	LiteralNumber float64 `json:"literal_number,omitempty"`
	LiteralString string  `json:"literal_string,omitempty"`

	// signal_ref
	SignalID uint32 `json:"signal_id,omitempty"`

	// fn_call
	Fn   string            `json:"fn,omitempty"`
	Args []json.RawMessage `json:"args,omitempty"`

	// comparison
	Op    string          `json:"op,omitempty"`
	Left  json.RawMessage `json:"left,omitempty"`
	Right json.RawMessage `json:"right,omitempty"`

	// logic_op
	LogicOp  string            `json:"logic_op,omitempty"`
	Operands []json.RawMessage `json:"operands,omitempty"`

	// custom_fn
	CustomFnName   string            `json:"custom_fn_name,omitempty"`
	CustomFnArgs   []json.RawMessage `json:"custom_fn_args,omitempty"`
	TaggedSignalID uint32            `json:"tagged_signal_id,omitempty"`
}

// Parse decodes a condition tree from its wire JSON form. It performs no
// typechecking against a manifest; call Build afterward for that.
func Parse(raw json.RawMessage) (*Node, error) {
	var jn jsonNode
	if err := json.Unmarshal(raw, &jn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypecheckFailed, err)
	}
	return parseNode(jn)
}

func parseNode(jn jsonNode) (*Node, error) {
	switch jn.Kind {
	case "literal":
		lit, err := parseLiteral(jn)
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindLiteral, Literal: lit}, nil

	case "signal_ref":
		return &Node{Kind: KindSignalRef, SignalID: signal.ID(jn.SignalID)}, nil

	case "fn_call":
		fn, err := parseFnName(jn.Fn)
		if err != nil {
			return nil, err
		}
		args, err := parseNodeList(jn.Args)
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindFnCall, Fn: fn, FnArgs: args}, nil

	case "comparison":
		op, err := parseCompareOp(jn.Op)
		if err != nil {
			return nil, err
		}
		left, err := parseRaw(jn.Left)
		if err != nil {
			return nil, err
		}
		right, err := parseRaw(jn.Right)
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindComparison, CmpOp: op, Left: left, Right: right}, nil

	case "logic_op":
		op, err := parseLogicOp(jn.LogicOp)
		if err != nil {
			return nil, err
		}
		operands, err := parseNodeList(jn.Operands)
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindLogicOp, LogicOpKind: op, Operands: operands}, nil

	case "custom_fn":
		args, err := parseNodeList(jn.CustomFnArgs)
		if err != nil {
			return nil, err
		}
		return &Node{
			Kind:           KindCustomFn,
			CustomFnName:   jn.CustomFnName,
			CustomFnArgs:   args,
			TaggedSignalID: signal.ID(jn.TaggedSignalID),
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown node kind %q", ErrTypecheckFailed, jn.Kind)
	}
}

func parseRaw(raw json.RawMessage) (*Node, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing operand", ErrTypecheckFailed)
	}
	var jn jsonNode
	if err := json.Unmarshal(raw, &jn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypecheckFailed, err)
	}
	return parseNode(jn)
}

func parseNodeList(raws []json.RawMessage) ([]*Node, error) {
	nodes := make([]*Node, 0, len(raws))
	for _, raw := range raws {
		n, err := parseRaw(raw)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func parseLiteral(jn jsonNode) (signal.Value, error) {
	switch jn.LiteralKind {
	case "bool":
		return signal.Bool(jn.LiteralBool), nil
	case "number":
		return signal.Number(jn.LiteralNumber), nil
	case "string":
		return signal.String(jn.LiteralString), nil
	default:
		return signal.Undefined, fmt.Errorf("%w: unknown literal_kind %q", ErrTypecheckFailed, jn.LiteralKind)
	}
}

func parseFnName(name string) (FnName, error) {
	switch name {
	case "abs":
		return FnAbs, nil
	case "min":
		return FnMin, nil
	case "max":
		return FnMax, nil
	default:
		return 0, fmt.Errorf("%w: unknown fn %q", ErrTypecheckFailed, name)
	}
}

func parseCompareOp(op string) (CompareOp, error) {
	switch op {
	case "eq":
		return OpEq, nil
	case "neq":
		return OpNeq, nil
	case "lt":
		return OpLt, nil
	case "lte":
		return OpLte, nil
	case "gt":
		return OpGt, nil
	case "gte":
		return OpGte, nil
	default:
		return 0, fmt.Errorf("%w: unknown comparison op %q", ErrTypecheckFailed, op)
	}
}

func parseLogicOp(op string) (LogicOp, error) {
	switch op {
	case "and":
		return OpAnd, nil
	case "or":
		return OpOr, nil
	case "not":
		return OpNot, nil
	default:
		return 0, fmt.Errorf("%w: unknown logic_op %q", ErrTypecheckFailed, op)
	}
}
