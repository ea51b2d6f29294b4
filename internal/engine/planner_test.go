package engine

import "testing"

func TestBuildPlan_SingleTablePushesAllPredicates(t *testing.T) {
	q := &SelectQuery{
		Tables: []string{"t"},
		Where: []Predicate{
			{Col: "id", Op: OpGt, Value: IntValue(1)},
			{Col: "id", Op: OpLt, Value: IntValue(100)},
		},
		tableOf: map[string]string{"id": "t"},
	}
	plan := BuildPlan(q)
	scan, ok := plan.(*LogicalScan)
	if !ok {
		t.Fatalf("expected a bare LogicalScan for one table, got %T", plan)
	}
	if scan.Table != "t" || len(scan.Preds) != 2 {
		t.Fatalf("expected both predicates pushed to the single scan, got %+v", scan)
	}
}

func TestBuildPlan_TwoTablesSplitsLocalAndJoinPredicates(t *testing.T) {
	q := &SelectQuery{
		Tables: []string{"a", "b"},
		Where: []Predicate{
			{Col: "a_id", Op: OpGt, Value: IntValue(1)},
			{Col: "b_val", Op: OpEq, Value: IntValue(5)},
			{Col: "a_id", Op: OpEq, RHSCol: "b_fk", HasRHSCol: true},
		},
		tableOf: map[string]string{"a_id": "a", "b_val": "b", "b_fk": "b"},
	}
	plan := BuildPlan(q)
	join, ok := plan.(*LogicalJoin)
	if !ok {
		t.Fatalf("expected a LogicalJoin for two tables, got %T", plan)
	}
	left, ok := join.Left.(*LogicalScan)
	if !ok || left.Table != "a" || len(left.Preds) != 1 {
		t.Fatalf("expected left scan over a with 1 local predicate, got %+v", join.Left)
	}
	right, ok := join.Right.(*LogicalScan)
	if !ok || right.Table != "b" || len(right.Preds) != 1 {
		t.Fatalf("expected right scan over b with 1 local predicate, got %+v", join.Right)
	}
	if len(join.Preds) != 1 {
		t.Fatalf("expected exactly 1 cross-table join predicate, got %d: %+v", len(join.Preds), join.Preds)
	}
}
