package condition

import (
	"testing"

	"github.com/snarg/fleet-agent/internal/signal"
)

type mapSnapshot map[signal.ID]signal.Value

func (m mapSnapshot) Value(id signal.ID) signal.Value {
	if v, ok := m[id]; ok {
		return v
	}
	return signal.Undefined
}

func TestEvaluateComparison(t *testing.T) {
	snap := mapSnapshot{1: signal.Number(42)}
	n := &Node{
		Kind:  KindComparison,
		CmpOp: OpGt,
		Left:  &Node{Kind: KindSignalRef, SignalID: 1},
		Right: &Node{Kind: KindLiteral, Literal: signal.Number(10)},
	}
	got := Evaluate(n, "c1", snap, nil)
	if !got.IsTrue() {
		t.Fatalf("got %v, want true", got)
	}
}

func TestEvaluateUndefinedPropagates(t *testing.T) {
	snap := mapSnapshot{}
	n := &Node{
		Kind:  KindComparison,
		CmpOp: OpGt,
		Left:  &Node{Kind: KindSignalRef, SignalID: 99}, // never seen
		Right: &Node{Kind: KindLiteral, Literal: signal.Number(10)},
	}
	got := Evaluate(n, "c1", snap, nil)
	if !got.IsUndefined() {
		t.Fatalf("got %v, want undefined", got)
	}
}

func TestEvaluateLogicAndUndefinedPoisons(t *testing.T) {
	snap := mapSnapshot{1: signal.Bool(true)}
	n := &Node{
		Kind:        KindLogicOp,
		LogicOpKind: OpAnd,
		Operands: []*Node{
			{Kind: KindSignalRef, SignalID: 1},
			{Kind: KindSignalRef, SignalID: 2}, // undefined
		},
	}
	got := Evaluate(n, "c1", snap, nil)
	if !got.IsUndefined() {
		t.Fatalf("got %v, want undefined", got)
	}
}

func TestEvaluateLogicOr(t *testing.T) {
	snap := mapSnapshot{1: signal.Bool(false), 2: signal.Bool(true)}
	n := &Node{
		Kind:        KindLogicOp,
		LogicOpKind: OpOr,
		Operands: []*Node{
			{Kind: KindSignalRef, SignalID: 1},
			{Kind: KindSignalRef, SignalID: 2},
		},
	}
	got := Evaluate(n, "c1", snap, nil)
	if !got.IsTrue() {
		t.Fatalf("got %v, want true", got)
	}
}

type fakeCustomFn struct {
	value signal.Value
	err   error
}

func (f *fakeCustomFn) Invoke(campaignID, name string, args []signal.Value) (signal.Value, error) {
	return f.value, f.err
}

func TestEvaluateCustomFn(t *testing.T) {
	fns := &fakeCustomFn{value: signal.Bool(true)}
	n := &Node{Kind: KindCustomFn, CustomFnName: "multi_rising_edge"}
	got := Evaluate(n, "c1", mapSnapshot{}, fns)
	if !got.IsTrue() {
		t.Fatalf("got %v, want true", got)
	}
}

type stubManifest map[signal.ID]signal.Type

func (s stubManifest) SignalType(id signal.ID) (signal.Type, bool) {
	t, ok := s[id]
	return t, ok
}

func TestBuildTypecheckFailsOnMissingSignal(t *testing.T) {
	n := &Node{Kind: KindSignalRef, SignalID: 5}
	err := Build(n, stubManifest{}, 32)
	if err == nil {
		t.Fatal("expected typecheck error")
	}
}

func TestBuildDepthExceeded(t *testing.T) {
	// Build a chain of NOT nodes deeper than maxDepth.
	var n *Node = &Node{Kind: KindLiteral, Literal: signal.Bool(true)}
	for i := 0; i < 10; i++ {
		n = &Node{Kind: KindLogicOp, LogicOpKind: OpNot, Operands: []*Node{n}}
	}
	err := Build(n, stubManifest{}, 3)
	if err == nil {
		t.Fatal("expected depth exceeded error")
	}
}
